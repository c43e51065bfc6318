package composedSubscriber

import (
	"context"
	"slices"
	"sync"

	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/statefulSubscriber"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const defaultMaxConcurrentFragments = 8

// ComposedEventSubscriber tracks one composite state built from several
// independently developed fragments. It shares the state machine, snapshot
// store and read API of StatefulEventSubscriber.
type ComposedEventSubscriber[C any] struct {
	*statefulSubscriber.StatefulEventSubscriber[C]
	handler *composedHandler[C]
}

func NewComposedEventSubscriber[C any](
	name string,
	blank C,
	partials []PartialEventSubscriber[C],
	opts *statefulSubscriber.Options,
	l *zap.Logger,
) *ComposedEventSubscriber[C] {
	h := &composedHandler[C]{
		name:     name,
		blank:    blank,
		partials: partials,
		routes:   make(map[common.Address][]int),
		logger:   l,
	}
	for i, p := range partials {
		h.addRoutes(i, p.GetAddresses()...)
	}

	s := statefulSubscriber.NewStatefulEventSubscriber[C](h, opts, l)
	h.recordLogError = s.RecordLogError

	return &ComposedEventSubscriber[C]{
		StatefulEventSubscriber: s,
		handler:                 h,
	}
}

// GetPartialNames lists the fragments in composition order.
func (c *ComposedEventSubscriber[C]) GetPartialNames() []string {
	names := make([]string, 0, len(c.handler.partials))
	for _, p := range c.handler.partials {
		names = append(names, p.GetName())
	}
	return names
}

// AddPartialAddresses routes logs of the given addresses to the named
// fragment and subscribes the composite to them.
func (c *ComposedEventSubscriber[C]) AddPartialAddresses(partialName string, addresses ...common.Address) error {
	index := slices.IndexFunc(c.handler.partials, func(p PartialEventSubscriber[C]) bool {
		return p.GetName() == partialName
	})
	if index < 0 {
		return errors.Errorf("unknown partial %s", partialName)
	}
	c.handler.addRoutes(index, addresses...)
	c.AddAddresses(addresses...)
	return nil
}

// composedHandler multiplexes logs to the fragments subscribed to their
// address and folds the results through each fragment's lens.
type composedHandler[C any] struct {
	name     string
	blank    C
	partials []PartialEventSubscriber[C]
	logger   *zap.Logger

	routeLock sync.RWMutex
	routes    map[common.Address][]int

	recordLogError func(err error, log ethTypes.Log)
}

func (h *composedHandler[C]) addRoutes(index int, addresses ...common.Address) {
	h.routeLock.Lock()
	defer h.routeLock.Unlock()
	for _, a := range addresses {
		if !slices.Contains(h.routes[a], index) {
			h.routes[a] = append(h.routes[a], index)
			slices.Sort(h.routes[a])
		}
	}
}

func (h *composedHandler[C]) routesFor(address common.Address) []int {
	h.routeLock.RLock()
	defer h.routeLock.RUnlock()
	return slices.Clone(h.routes[address])
}

func (h *composedHandler[C]) GetName() string {
	return h.name
}

func (h *composedHandler[C]) GetAddresses() []common.Address {
	addresses := make([]common.Address, 0)
	seen := types.NewAddressSet()
	for _, p := range h.partials {
		for _, a := range p.GetAddresses() {
			if seen.Contains(a) {
				continue
			}
			seen[a] = struct{}{}
			addresses = append(addresses, a)
		}
	}
	return addresses
}

// ProcessLog applies the log to every fragment subscribed to its address, in
// composition order. A fragment that fails leaves only its own fragment
// unchanged; the log counts as failed when no fragment applied it.
func (h *composedHandler[C]) ProcessLog(state C, log ethTypes.Log, header *types.BlockHeader) (C, error) {
	indexes := h.routesFor(log.Address)
	if len(indexes) == 0 {
		return state, types.ErrLogNotRecognized
	}

	applied := 0
	failures := make([]error, 0)
	for _, i := range indexes {
		p := h.partials[i]
		next, err := p.HandleLog(state, log, header)
		if err != nil {
			if !errors.Is(err, types.ErrLogNotRecognized) {
				failures = append(failures, errors.Wrapf(err, "partial %s", p.GetName()))
			}
			continue
		}
		state = next
		applied++
	}

	if applied == 0 {
		if len(failures) > 0 {
			for _, err := range failures[1:] {
				h.recordLogError(err, log)
			}
			return state, failures[0]
		}
		return state, types.ErrLogNotRecognized
	}
	for _, err := range failures {
		h.recordLogError(err, log)
	}
	return state, nil
}

// GenerateState rebuilds every fragment concurrently and folds them onto the
// blank composite in composition order.
func (h *composedHandler[C]) GenerateState(ctx context.Context, blockNumber uint64) (C, error) {
	setters := make([]func(C) C, len(h.partials))

	p := pool.New().
		WithMaxGoroutines(defaultMaxConcurrentFragments).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i, partial := range h.partials {
		p.Go(func(ctx context.Context) error {
			setter, err := partial.GenerateFragment(ctx, blockNumber)
			if err != nil {
				return err
			}
			setters[i] = setter
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		h.logger.Sugar().Errorw("Failed to generate composed state",
			zap.String("subscriber", h.name),
			zap.Uint64("blockNumber", blockNumber),
			zap.Error(err),
		)
		return h.blank, err
	}

	state := h.blank
	for _, set := range setters {
		state = set(state)
	}
	return state, nil
}
