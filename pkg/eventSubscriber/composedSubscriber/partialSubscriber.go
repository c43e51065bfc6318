package composedSubscriber

import (
	"context"

	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/lens"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// FragmentHandler is the venue side of one fragment of a composite state.
//
// E is the fragment's decoded event type, usually a sealed interface whose
// variants are the events the fragment understands. Decode returns
// types.ErrLogNotRecognized for logs of other contracts or events. ApplyLog
// is a pure transition over the fragment.
type FragmentHandler[F any, E any] interface {
	GetName() string
	GetAddresses() []common.Address
	Decode(log ethTypes.Log) (E, error)
	ApplyLog(event E, state F, log ethTypes.Log, header *types.BlockHeader) (F, error)
}

// FragmentGenerator is implemented by fragments that can be rebuilt from
// on-chain reads. Fragments without it regenerate to their blank value.
type FragmentGenerator[F any] interface {
	GenerateStateFragment(ctx context.Context, blockNumber uint64) (F, error)
}

// PartialEventSubscriber is a fragment handler bound to its place in the
// composite C through a lens. The fragment and event types are erased so
// that fragments of different types can be composed together.
type PartialEventSubscriber[C any] interface {
	GetName() string
	GetAddresses() []common.Address
	// HandleLog decodes and applies the log, returning the composite with
	// only this fragment replaced.
	HandleLog(composite C, log ethTypes.Log, header *types.BlockHeader) (C, error)
	// GenerateFragment rebuilds the fragment at blockNumber and returns the
	// setter that places it into a composite.
	GenerateFragment(ctx context.Context, blockNumber uint64) (func(C) C, error)
}

type partialEventSubscriber[C any, F any, E any] struct {
	lens    lens.Lens[C, F]
	handler FragmentHandler[F, E]
}

func NewPartialEventSubscriber[C any, F any, E any](l lens.Lens[C, F], handler FragmentHandler[F, E]) PartialEventSubscriber[C] {
	return &partialEventSubscriber[C, F, E]{
		lens:    l,
		handler: handler,
	}
}

func (p *partialEventSubscriber[C, F, E]) GetName() string {
	return p.handler.GetName()
}

func (p *partialEventSubscriber[C, F, E]) GetAddresses() []common.Address {
	return p.handler.GetAddresses()
}

func (p *partialEventSubscriber[C, F, E]) HandleLog(composite C, log ethTypes.Log, header *types.BlockHeader) (C, error) {
	event, err := p.handler.Decode(log)
	if err != nil {
		if errors.Is(err, types.ErrLogNotRecognized) {
			return composite, err
		}
		var decodeErr *types.DecodeError
		if !errors.As(err, &decodeErr) {
			err = &types.DecodeError{
				Subscriber:  p.GetName(),
				BlockNumber: log.BlockNumber,
				LogIndex:    log.Index,
				Address:     log.Address,
				Err:         err,
			}
		}
		return composite, err
	}

	next, err := p.handler.ApplyLog(event, p.lens.Get(composite), log, header)
	if err != nil {
		var applyErr *types.ApplyError
		if !errors.As(err, &applyErr) {
			err = &types.ApplyError{
				Subscriber:  p.GetName(),
				BlockNumber: log.BlockNumber,
				LogIndex:    log.Index,
				Event:       eventName(event),
				Err:         err,
			}
		}
		return composite, err
	}
	return p.lens.Set(next, composite), nil
}

func (p *partialEventSubscriber[C, F, E]) GenerateFragment(ctx context.Context, blockNumber uint64) (func(C) C, error) {
	g, ok := p.handler.(FragmentGenerator[F])
	if !ok {
		return func(c C) C { return c }, nil
	}
	fragment, err := g.GenerateStateFragment(ctx, blockNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to generate fragment %s", p.GetName())
	}
	return func(c C) C {
		return p.lens.Set(fragment, c)
	}, nil
}

// EventNamer is implemented by decoded events that can describe themselves
// in logs and errors.
type EventNamer interface {
	EventName() string
}

func eventName(event any) string {
	if n, ok := event.(EventNamer); ok {
		return n.EventName()
	}
	return "unknown"
}
