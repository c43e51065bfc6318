package statefulSubscriber

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/metrics"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics/metricsTypes"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventBus/eventBusTypes"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/snapshotStore"
	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	ResyncReason_Initialize = "initialize"
	ResyncReason_Reorg      = "reorg"
	ResyncReason_Restart    = "restart"
	ResyncReason_Fallback   = "fallback"
	ResyncReason_Retry      = "retry"

	DefaultRegenerationInterval = 500 * time.Millisecond
)

type Options struct {
	Retention           snapshotStore.RetentionPolicy
	Role                types.Role
	RegenerationRetries uint
	// RegenerationInterval is the initial backoff between GenerateState attempts
	RegenerationInterval time.Duration
	Metrics              *metrics.MetricsSink
	EventBus             eventBusTypes.IEventBus
}

func DefaultOptions() *Options {
	return &Options{
		Retention:            snapshotStore.DefaultRetentionPolicy(),
		Role:                 types.Role_Primary,
		RegenerationRetries:  3,
		RegenerationInterval: DefaultRegenerationInterval,
	}
}

// StatefulEventSubscriber replays block logs onto snapshots of a venue state
// and falls back to regeneration on reorgs, gaps and unknown states.
//
// Writers (Initialize, Update, Restart, SetState) are serialized. Readers
// never block on I/O.
type StatefulEventSubscriber[T any] struct {
	handler StateHandler[T]
	store   *snapshotStore.Store[T]
	options *Options
	logger  *zap.Logger

	status        atomic.Int32
	pendingResync atomic.Bool
	// pendingDiscard is set while a failed Restart still has to replace the history
	pendingDiscard atomic.Bool
	writeLock      sync.Mutex

	addressLock sync.RWMutex
	addresses   []common.Address
	addressSet  types.AddressSet
}

func NewStatefulEventSubscriber[T any](handler StateHandler[T], opts *Options, l *zap.Logger) *StatefulEventSubscriber[T] {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.RegenerationInterval == 0 {
		opts.RegenerationInterval = DefaultRegenerationInterval
	}
	s := &StatefulEventSubscriber[T]{
		handler:    handler,
		store:      snapshotStore.NewStore[T](opts.Retention),
		options:    opts,
		logger:     l,
		addresses:  make([]common.Address, 0),
		addressSet: types.NewAddressSet(),
	}
	s.status.Store(int32(types.SubscriberStatus_Uninitialized))
	s.AddAddresses(handler.GetAddresses()...)
	return s
}

func (s *StatefulEventSubscriber[T]) GetName() string {
	return s.handler.GetName()
}

func (s *StatefulEventSubscriber[T]) Role() types.Role {
	return s.options.Role
}

func (s *StatefulEventSubscriber[T]) Status() types.SubscriberStatus {
	return types.SubscriberStatus(s.status.Load())
}

func (s *StatefulEventSubscriber[T]) setStatus(status types.SubscriberStatus) {
	s.status.Store(int32(status))
}

// GetAddresses returns a copy of the subscribed address set, in subscription order.
func (s *StatefulEventSubscriber[T]) GetAddresses() []common.Address {
	s.addressLock.RLock()
	defer s.addressLock.RUnlock()
	return slices.Clone(s.addresses)
}

func (s *StatefulEventSubscriber[T]) IsSubscribed(address common.Address) bool {
	s.addressLock.RLock()
	defer s.addressLock.RUnlock()
	return s.addressSet.Contains(address)
}

// AddAddresses appends the addresses not subscribed yet and returns them.
func (s *StatefulEventSubscriber[T]) AddAddresses(addresses ...common.Address) []common.Address {
	s.addressLock.Lock()
	defer s.addressLock.Unlock()

	added := make([]common.Address, 0)
	for _, a := range addresses {
		if s.addressSet.Contains(a) {
			continue
		}
		s.addressSet[a] = struct{}{}
		s.addresses = append(s.addresses, a)
		added = append(added, a)
	}
	return added
}

// Initialize generates the state at blockNumber and starts tracking from it.
func (s *StatefulEventSubscriber[T]) Initialize(ctx context.Context, blockNumber uint64) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.resync(ctx, blockNumber, ResyncReason_Initialize, true)
}

// Update applies the logs of one or more blocks. Blocks are handled in
// ascending order; a block at or below the latest snapshot triggers a
// regeneration at that block instead of a replay.
//
// headers is keyed by block number; missing headers are replaced by a header
// that only carries the number.
func (s *StatefulEventSubscriber[T]) Update(ctx context.Context, logs []ethTypes.Log, headers map[uint64]*types.BlockHeader) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if s.Status() == types.SubscriberStatus_Uninitialized {
		s.logger.Sugar().Debugw("Ignoring update for uninitialized subscriber",
			zap.String("subscriber", s.GetName()),
			zap.Int("logs", len(logs)),
		)
		return nil
	}

	for _, block := range types.GroupLogsByBlock(logs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, ok := headers[block.BlockNumber]
		if !ok || header == nil {
			header = &types.BlockHeader{Number: block.BlockNumber}
		}
		if err := s.handleBlock(ctx, block, header); err != nil {
			return err
		}
	}
	return nil
}

func (s *StatefulEventSubscriber[T]) handleBlock(ctx context.Context, block *types.BlockLogs, header *types.BlockHeader) error {
	blockNumber := block.BlockNumber

	latest, ok := s.store.Latest()
	if !ok || s.pendingResync.Load() {
		return s.resync(ctx, blockNumber, ResyncReason_Retry, s.pendingDiscard.Load())
	}
	if blockNumber <= latest.BlockNumber {
		s.logger.Sugar().Infow("Received block at or below the latest snapshot",
			zap.String("subscriber", s.GetName()),
			zap.Uint64("blockNumber", blockNumber),
			zap.Uint64("latestBlockNumber", latest.BlockNumber),
		)
		return s.resync(ctx, blockNumber, ResyncReason_Reorg, false)
	}

	start := time.Now()
	next, ok := s.processBlockLogs(latest.State, block.Logs, header)
	if !ok {
		s.logger.Sugar().Warnw("Block logs left the state unknown, regenerating",
			zap.String("subscriber", s.GetName()),
			zap.Uint64("blockNumber", blockNumber),
			zap.Int("logs", len(block.Logs)),
		)
		_ = s.options.Metrics.Incr(metricsTypes.Metric_Incr_FallbackRegeneration, s.labels(), 1)
		return s.resync(ctx, blockNumber, ResyncReason_Fallback, false)
	}
	s.commit(blockNumber, next)

	s.logger.Sugar().Debugw("Applied block logs",
		zap.String("subscriber", s.GetName()),
		zap.Uint64("blockNumber", blockNumber),
		zap.Int("logs", len(block.Logs)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (s *StatefulEventSubscriber[T]) processBlockLogs(state T, logs []ethTypes.Log, header *types.BlockHeader) (T, bool) {
	if p, ok := s.handler.(BlockLogsProcessor[T]); ok {
		return p.ProcessBlockLogs(state, logs, header)
	}
	return s.FoldLogs(state, logs, header), true
}

// FoldLogs applies logs one by one through the handler's ProcessLog. A log
// that fails is recorded and skipped.
func (s *StatefulEventSubscriber[T]) FoldLogs(state T, logs []ethTypes.Log, header *types.BlockHeader) T {
	for _, log := range logs {
		next, err := s.handler.ProcessLog(state, log, header)
		if err != nil {
			s.RecordLogError(err, log)
			continue
		}
		state = next
		_ = s.options.Metrics.Incr(metricsTypes.Metric_Incr_LogProcessed, s.labels(), 1)
	}
	return state
}

// RecordLogError logs and counts a log that left the state unchanged.
func (s *StatefulEventSubscriber[T]) RecordLogError(err error, log ethTypes.Log) {
	fields := []interface{}{
		zap.String("subscriber", s.GetName()),
		zap.Uint64("blockNumber", log.BlockNumber),
		zap.Uint("logIndex", log.Index),
		zap.String("address", log.Address.Hex()),
		zap.Error(err),
	}

	var decodeErr *types.DecodeError
	switch {
	case errors.Is(err, types.ErrLogNotRecognized):
		s.logger.Sugar().Warnw("Log not recognized", fields...)
		_ = s.options.Metrics.Incr(metricsTypes.Metric_Incr_LogNotRecognized, s.labels(), 1)
	case errors.As(err, &decodeErr):
		s.logger.Sugar().Warnw("Failed to decode log", fields...)
		_ = s.options.Metrics.Incr(metricsTypes.Metric_Incr_LogDecodeFailed, s.labels(), 1)
	default:
		s.logger.Sugar().Warnw("Failed to apply log", fields...)
		_ = s.options.Metrics.Incr(metricsTypes.Metric_Incr_LogApplyFailed, s.labels(), 1)
	}
}

// Restart regenerates the state at blockNumber and, once that succeeds,
// replaces every stored snapshot with it. The block feed calls it when it
// detects a gap or a reorg, so the older snapshots may belong to an abandoned
// chain.
func (s *StatefulEventSubscriber[T]) Restart(ctx context.Context, blockNumber uint64) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.resync(ctx, blockNumber, ResyncReason_Restart, true)
}

// SetState seeds the store with a state the caller already fetched.
func (s *StatefulEventSubscriber[T]) SetState(state T, blockNumber uint64) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	s.commit(blockNumber, state)
	s.pendingResync.Store(false)
	s.pendingDiscard.Store(false)
	s.setStatus(types.SubscriberStatus_Tracking)
}

// GetState returns the newest snapshot at or before blockNumber.
func (s *StatefulEventSubscriber[T]) GetState(blockNumber uint64) (T, bool) {
	snapshot, ok := s.store.GetAtOrBefore(blockNumber)
	if !ok {
		var zero T
		return zero, false
	}
	return snapshot.State, true
}

// GetSnapshot is GetState that also returns the block of the snapshot found.
func (s *StatefulEventSubscriber[T]) GetSnapshot(blockNumber uint64) (T, uint64, bool) {
	snapshot, ok := s.store.GetAtOrBefore(blockNumber)
	if !ok {
		var zero T
		return zero, 0, false
	}
	return snapshot.State, snapshot.BlockNumber, true
}

// GetStateExact returns the snapshot stored for exactly blockNumber.
func (s *StatefulEventSubscriber[T]) GetStateExact(blockNumber uint64) (T, bool) {
	return s.store.Get(blockNumber)
}

func (s *StatefulEventSubscriber[T]) GetLatestState() (T, uint64, bool) {
	snapshot, ok := s.store.Latest()
	if !ok {
		var zero T
		return zero, 0, false
	}
	return snapshot.State, snapshot.BlockNumber, true
}

// GetBlockNumbers lists the blocks with a stored snapshot, ascending.
func (s *StatefulEventSubscriber[T]) GetBlockNumbers() []uint64 {
	return s.store.BlockNumbers()
}

// resync regenerates the state at blockNumber and commits it only on success,
// so a failure leaves the store on its last good snapshot. With discard set the
// committed state replaces the whole history.
func (s *StatefulEventSubscriber[T]) resync(ctx context.Context, blockNumber uint64, reason string, discard bool) error {
	previousStatus := s.Status()
	if previousStatus != types.SubscriberStatus_Uninitialized {
		s.setStatus(types.SubscriberStatus_Resyncing)
	}

	s.logger.Sugar().Infow("Regenerating subscriber state",
		zap.String("subscriber", s.GetName()),
		zap.Uint64("blockNumber", blockNumber),
		zap.String("reason", reason),
	)
	if reason != ResyncReason_Initialize {
		_ = s.options.Metrics.Incr(metricsTypes.Metric_Incr_Resync, append(s.labels(), metricsTypes.MetricsLabel{
			Name:  metricsTypes.Label_Reason,
			Value: reason,
		}), 1)
		s.publish(eventBusTypes.Event_SubscriberResync, &eventBusTypes.SubscriberResyncData{
			Subscriber:  s.GetName(),
			BlockNumber: blockNumber,
			Reason:      reason,
		})
	}

	state, err := s.generate(ctx, blockNumber)
	if err != nil {
		if s.store.Len() > 0 {
			s.pendingResync.Store(true)
			if discard {
				s.pendingDiscard.Store(true)
			}
		} else {
			s.setStatus(types.SubscriberStatus_Uninitialized)
		}
		s.logger.Sugar().Errorw("Failed to regenerate subscriber state, keeping last good snapshot",
			zap.String("subscriber", s.GetName()),
			zap.Uint64("blockNumber", blockNumber),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return err
	}

	if discard {
		s.store.Reset(blockNumber, state)
		s.afterCommit(blockNumber, state)
	} else {
		s.commit(blockNumber, state)
	}
	s.pendingResync.Store(false)
	s.pendingDiscard.Store(false)
	s.setStatus(types.SubscriberStatus_Tracking)
	return nil
}

func (s *StatefulEventSubscriber[T]) generate(ctx context.Context, blockNumber uint64) (T, error) {
	start := time.Now()
	attempt := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.options.RegenerationInterval

	state, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		st, err := s.handler.GenerateState(ctx, blockNumber)
		if err != nil {
			s.logger.Sugar().Warnw("Failed to generate state",
				zap.String("subscriber", s.GetName()),
				zap.Uint64("blockNumber", blockNumber),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return st, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.options.RegenerationRetries+1))

	_ = s.options.Metrics.Timing(metricsTypes.Metric_Timing_RegenerationDuration, time.Since(start), s.labels())
	if err != nil {
		_ = s.options.Metrics.Incr(metricsTypes.Metric_Incr_RegenerationFailed, s.labels(), 1)
		var zero T
		return zero, &types.RegenerationError{
			Subscriber:  s.GetName(),
			BlockNumber: blockNumber,
			Err:         err,
		}
	}
	return state, nil
}

func (s *StatefulEventSubscriber[T]) commit(blockNumber uint64, state T) {
	s.store.Set(blockNumber, state)
	s.afterCommit(blockNumber, state)
}

func (s *StatefulEventSubscriber[T]) afterCommit(blockNumber uint64, state T) {

	if d, ok := s.handler.(AddressDiscoverer[T]); ok {
		if added := s.AddAddresses(d.DiscoverAddresses(state)...); len(added) > 0 {
			s.logger.Sugar().Infow("Subscribed to discovered addresses",
				zap.String("subscriber", s.GetName()),
				zap.Uint64("blockNumber", blockNumber),
				zap.Int("count", len(added)),
			)
		}
	}

	s.updateGauges()
	s.publish(eventBusTypes.Event_StateUpdated, &eventBusTypes.StateUpdatedData{
		Subscriber:  s.GetName(),
		BlockNumber: blockNumber,
	})
}

func (s *StatefulEventSubscriber[T]) updateGauges() {
	if latest, ok := s.store.Latest(); ok {
		_ = s.options.Metrics.Gauge(metricsTypes.Metric_Gauge_SubscriberBlock, float64(latest.BlockNumber), s.labels())
	}
	_ = s.options.Metrics.Gauge(metricsTypes.Metric_Gauge_SubscriberSnapshots, float64(s.store.Len()), s.labels())
}

func (s *StatefulEventSubscriber[T]) publish(name string, data any) {
	if s.options.EventBus == nil {
		return
	}
	s.options.EventBus.Publish(&eventBusTypes.Event{
		Name: name,
		Data: data,
	})
}

func (s *StatefulEventSubscriber[T]) labels() []metricsTypes.MetricsLabel {
	return []metricsTypes.MetricsLabel{
		{Name: metricsTypes.Label_Subscriber, Value: s.GetName()},
	}
}
