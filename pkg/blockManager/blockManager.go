package blockManager

import (
	"context"
	"sync"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics/metricsTypes"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventBus/eventBusTypes"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/fetcher"
	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 12 * time.Second
	DefaultQueueSize    = 64
	DefaultRangeSize    = 100

	maxReconnectInterval = 30 * time.Second
	// recentHeaderDepth is how many handled block hashes are kept to recognize
	// heads that were already handled
	recentHeaderDepth = 256
)

// Subscriber is anything the block manager delivers blocks to.
type Subscriber interface {
	GetName() string
	GetAddresses() []common.Address
	Update(ctx context.Context, logs []ethTypes.Log, headers map[uint64]*types.BlockHeader) error
	Restart(ctx context.Context, blockNumber uint64) error
}

// Initializer is implemented by subscribers that build their first snapshot
// when the block manager starts.
type Initializer interface {
	Initialize(ctx context.Context, blockNumber uint64) error
}

// INewHeadListener streams new chain heads.
type INewHeadListener interface {
	HasWebsocket() bool
	ListenForNewBlocks(ctx context.Context, recvBlockHandler func(header *types.BlockHeader) error) error
}

type BlockManagerConfig struct {
	PollInterval time.Duration
	QueueSize    int
	// RangeSize is the number of blocks fetched per request while catching up.
	RangeSize uint64
}

func DefaultBlockManagerConfig() *BlockManagerConfig {
	return &BlockManagerConfig{
		PollInterval: DefaultPollInterval,
		QueueSize:    DefaultQueueSize,
		RangeSize:    DefaultRangeSize,
	}
}

func ConvertGlobalConfigToBlockManagerConfig(cfg *config.Config) *BlockManagerConfig {
	bmc := DefaultBlockManagerConfig()
	if cfg.BlockManagerConfig.PollInterval > 0 {
		bmc.PollInterval = cfg.BlockManagerConfig.PollInterval
	}
	if cfg.SubscriberConfig.QueueSize > 0 {
		bmc.QueueSize = cfg.SubscriberConfig.QueueSize
	}
	if cfg.EthereumRpcConfig.LogRangeSize > 0 {
		bmc.RangeSize = cfg.EthereumRpcConfig.LogRangeSize
	}
	return bmc
}

type jobKind int

const (
	jobKind_Update jobKind = iota
	jobKind_Restart
	jobKind_Barrier
)

type job struct {
	kind        jobKind
	blockNumber uint64
	logs        []ethTypes.Log
	header      *types.BlockHeader
	done        chan struct{}
}

type worker struct {
	subscriber Subscriber
	queue      chan *job
}

// BlockManager feeds blocks to subscribers. Each subscriber has its own
// worker and queue, so blocks reach a subscriber one at a time and in order
// while a slow subscriber does not hold back the others.
type BlockManager struct {
	fetcher  *fetcher.Fetcher
	listener INewHeadListener
	config   *BlockManagerConfig
	metrics  *metrics.MetricsSink
	eventBus eventBusTypes.IEventBus
	logger   *zap.Logger

	mu           sync.RWMutex
	workers      []*worker
	lastHeader   *types.BlockHeader
	recentHashes map[uint64]common.Hash
	workerPool   *pool.ContextPool
	stop       context.CancelFunc
}

func NewBlockManager(
	f *fetcher.Fetcher,
	listener INewHeadListener,
	cfg *BlockManagerConfig,
	ms *metrics.MetricsSink,
	eb eventBusTypes.IEventBus,
	l *zap.Logger,
) *BlockManager {
	if cfg == nil {
		cfg = DefaultBlockManagerConfig()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RangeSize == 0 {
		cfg.RangeSize = DefaultRangeSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &BlockManager{
		fetcher:  f,
		listener: listener,
		config:   cfg,
		metrics:  ms,
		eventBus: eb,
		logger:   l,
		workers:  make([]*worker, 0),

		recentHashes: make(map[uint64]common.Hash),
	}
}

// Register adds a subscriber. Subscribers must be registered before Start.
func (bm *BlockManager) Register(subscriber Subscriber) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.workers = append(bm.workers, &worker{
		subscriber: subscriber,
		queue:      make(chan *job, bm.config.QueueSize),
	})
	bm.logger.Sugar().Infow("Registered subscriber", zap.String("subscriber", subscriber.GetName()))
}

func (bm *BlockManager) GetSubscriberNames() []string {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	names := make([]string, 0, len(bm.workers))
	for _, w := range bm.workers {
		names = append(names, w.subscriber.GetName())
	}
	return names
}

// GetAddresses is the union of every subscriber's addresses.
func (bm *BlockManager) GetAddresses() []common.Address {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	seen := types.NewAddressSet()
	addresses := make([]common.Address, 0)
	for _, w := range bm.workers {
		for _, a := range w.subscriber.GetAddresses() {
			if seen.Contains(a) {
				continue
			}
			seen[a] = struct{}{}
			addresses = append(addresses, a)
		}
	}
	return addresses
}

func (bm *BlockManager) GetLastHeader() *types.BlockHeader {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.lastHeader
}

// setLastHeader records header as the chain tip. Hashes at or above its number
// belong to a replaced chain and are forgotten. Callers hold bm.mu.
func (bm *BlockManager) setLastHeader(header *types.BlockHeader) {
	for n := range bm.recentHashes {
		if n >= header.Number || n+recentHeaderDepth <= header.Number {
			delete(bm.recentHashes, n)
		}
	}
	bm.recentHashes[header.Number] = header.Hash
	bm.lastHeader = header
}

// isHandled reports whether head is a block already handled on the current chain.
func (bm *BlockManager) isHandled(head *types.BlockHeader) bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	hash, ok := bm.recentHashes[head.Number]
	return ok && hash == head.Hash
}

// Start launches one worker per registered subscriber. Workers stop when ctx
// is done or Stop is called.
func (bm *BlockManager) Start(ctx context.Context) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	ctx, bm.stop = context.WithCancel(ctx)
	bm.workerPool = pool.New().WithContext(ctx)
	for _, w := range bm.workers {
		bm.workerPool.Go(func(ctx context.Context) error {
			bm.runWorker(ctx, w)
			return nil
		})
	}
}

func (bm *BlockManager) Stop() {
	bm.mu.Lock()
	p, stop := bm.workerPool, bm.stop
	bm.workerPool, bm.stop = nil, nil
	bm.mu.Unlock()

	if stop != nil {
		stop()
	}
	if p != nil {
		_ = p.Wait()
	}
}

func (bm *BlockManager) runWorker(ctx context.Context, w *worker) {
	name := w.subscriber.GetName()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.queue:
			switch j.kind {
			case jobKind_Update:
				headers := map[uint64]*types.BlockHeader{j.blockNumber: j.header}
				if err := w.subscriber.Update(ctx, j.logs, headers); err != nil {
					bm.logger.Sugar().Errorw("Subscriber failed to process block",
						zap.String("subscriber", name),
						zap.Uint64("blockNumber", j.blockNumber),
						zap.Error(err),
					)
				}
			case jobKind_Restart:
				if err := w.subscriber.Restart(ctx, j.blockNumber); err != nil {
					bm.logger.Sugar().Errorw("Subscriber failed to restart",
						zap.String("subscriber", name),
						zap.Uint64("blockNumber", j.blockNumber),
						zap.Error(err),
					)
				}
			case jobKind_Barrier:
			}
			if j.done != nil {
				close(j.done)
			}
		}
	}
}

func (bm *BlockManager) enqueue(ctx context.Context, w *worker, j *job) error {
	select {
	case w.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every job queued so far has been handled.
func (bm *BlockManager) Flush(ctx context.Context) error {
	bm.mu.RLock()
	workers := bm.workers
	bm.mu.RUnlock()

	barriers := make([]chan struct{}, 0, len(workers))
	for _, w := range workers {
		done := make(chan struct{})
		if err := bm.enqueue(ctx, w, &job{kind: jobKind_Barrier, done: done}); err != nil {
			return err
		}
		barriers = append(barriers, done)
	}
	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// HandleBlock delivers one block. A block that does not extend the last
// handled block, by number or by parent hash, restarts every subscriber at
// that block. Otherwise each subscriber receives only the logs of its
// addresses and subscribers without logs in the block are skipped.
func (bm *BlockManager) HandleBlock(ctx context.Context, header *types.BlockHeader, logs []ethTypes.Log) error {
	_, err := bm.handleBlock(ctx, header, logs)
	return err
}

// handleBlock returns the names of the subscribers a job was queued for.
func (bm *BlockManager) handleBlock(ctx context.Context, header *types.BlockHeader, logs []ethTypes.Log) ([]string, error) {
	start := time.Now()

	bm.mu.Lock()
	last := bm.lastHeader
	bm.setLastHeader(header)
	workers := bm.workers
	bm.mu.Unlock()

	delivered := make([]string, 0)
	if last != nil && !header.IsChildOf(last) {
		reason := "reorg"
		if header.Number > last.Number+1 {
			reason = "gap"
		}
		bm.logger.Sugar().Infow("Block does not extend the last handled block, restarting subscribers",
			zap.Uint64("blockNumber", header.Number),
			zap.String("blockHash", header.Hash.Hex()),
			zap.String("parentHash", header.ParentHash.Hex()),
			zap.Uint64("lastBlockNumber", last.Number),
			zap.String("lastBlockHash", last.Hash.Hex()),
			zap.String("reason", reason),
		)
		for _, w := range workers {
			if err := bm.enqueue(ctx, w, &job{kind: jobKind_Restart, blockNumber: header.Number}); err != nil {
				return nil, err
			}
			delivered = append(delivered, w.subscriber.GetName())
		}
	} else {
		for _, w := range workers {
			addresses := types.NewAddressSet(w.subscriber.GetAddresses()...)
			subscriberLogs := make([]ethTypes.Log, 0)
			for _, log := range logs {
				if log.BlockNumber == header.Number && addresses.Contains(log.Address) {
					subscriberLogs = append(subscriberLogs, log)
				}
			}
			if len(subscriberLogs) == 0 {
				continue
			}
			types.SortLogs(subscriberLogs)
			err := bm.enqueue(ctx, w, &job{
				kind:        jobKind_Update,
				blockNumber: header.Number,
				logs:        subscriberLogs,
				header:      header,
			})
			if err != nil {
				return nil, err
			}
			delivered = append(delivered, w.subscriber.GetName())
		}
	}

	_ = bm.metrics.Incr(metricsTypes.Metric_Incr_BlockProcessed, nil, 1)
	_ = bm.metrics.Gauge(metricsTypes.Metric_Gauge_CurrentBlockHeight, float64(header.Number), nil)
	_ = bm.metrics.Timing(metricsTypes.Metric_Timing_BlockProcessDuration, time.Since(start), nil)
	if bm.eventBus != nil {
		bm.eventBus.Publish(&eventBusTypes.Event{
			Name: eventBusTypes.Event_BlockProcessed,
			Data: &eventBusTypes.BlockProcessedData{
				Header:      header,
				LogCount:    len(logs),
				Subscribers: delivered,
			},
		})
	}
	return delivered, nil
}

// Initialize builds every subscriber's first snapshot at blockNumber
// concurrently and anchors continuity checks on that block's header.
func (bm *BlockManager) Initialize(ctx context.Context, blockNumber uint64) error {
	header, err := bm.fetcher.FetchHeader(ctx, blockNumber)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch header for block %d", blockNumber)
	}

	bm.mu.RLock()
	workers := bm.workers
	bm.mu.RUnlock()

	p := pool.New().WithContext(ctx)
	for _, w := range workers {
		initializer, ok := w.subscriber.(Initializer)
		if !ok {
			continue
		}
		p.Go(func(ctx context.Context) error {
			if err := initializer.Initialize(ctx, blockNumber); err != nil {
				bm.logger.Sugar().Errorw("Failed to initialize subscriber",
					zap.String("subscriber", w.subscriber.GetName()),
					zap.Uint64("blockNumber", blockNumber),
					zap.Error(err),
				)
				return err
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	bm.mu.Lock()
	bm.setLastHeader(header)
	bm.mu.Unlock()

	bm.logger.Sugar().Infow("Initialized subscribers",
		zap.Uint64("blockNumber", blockNumber),
		zap.Int("subscribers", len(workers)),
	)
	return nil
}

// SyncTo fetches and handles every block after the last handled block up to
// and including tip.
//
// Logs are fetched per range for the addresses subscribed when the range is
// requested. When handling a block subscribes new addresses, the rest of the
// range is fetched again so that their logs are delivered too.
func (bm *BlockManager) SyncTo(ctx context.Context, tip uint64) error {
	last := bm.GetLastHeader()
	if last == nil {
		return errors.New("block manager is not initialized")
	}
	for from := last.Number + 1; from <= tip; {
		to := min(from+bm.config.RangeSize-1, tip)
		addresses := bm.GetAddresses()
		blocks, err := bm.fetcher.FetchBlockRangeWithRetries(ctx, from, to, addresses)
		if err != nil {
			return err
		}
		next := to + 1
		for _, b := range blocks {
			delivered, err := bm.handleBlock(ctx, b.Header, b.Logs)
			if err != nil {
				return err
			}
			if len(delivered) == 0 || b.Header.Number == to {
				continue
			}
			if err := bm.Flush(ctx); err != nil {
				return err
			}
			if len(bm.GetAddresses()) > len(addresses) {
				bm.logger.Sugar().Infow("Subscribed addresses changed, refetching the rest of the range",
					zap.Uint64("blockNumber", b.Header.Number),
					zap.Uint64("toBlock", to),
					zap.Int("addresses", len(bm.GetAddresses())),
				)
				next = b.Header.Number + 1
				break
			}
		}
		if err := bm.Flush(ctx); err != nil {
			return err
		}
		bm.logger.Sugar().Debugw("Synced block range",
			zap.Uint64("fromBlock", from),
			zap.Uint64("toBlock", next-1),
			zap.Uint64("tip", tip),
		)
		from = next
	}
	return nil
}

// handleNewHead syncs up to head. A head at or below the last handled block
// that is not on the handled chain replaces it and restarts the subscribers.
// A lagging node reporting an already handled block is ignored.
func (bm *BlockManager) handleNewHead(ctx context.Context, head *types.BlockHeader) error {
	last := bm.GetLastHeader()
	if last != nil && head.Number <= last.Number {
		if bm.isHandled(head) {
			bm.logger.Sugar().Debugw("Ignoring head that was already handled",
				zap.Uint64("blockNumber", head.Number),
				zap.Uint64("lastBlockNumber", last.Number),
			)
			return nil
		}
		blocks, err := bm.fetcher.FetchBlockRangeWithRetries(ctx, head.Number, head.Number, bm.GetAddresses())
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if err := bm.HandleBlock(ctx, b.Header, b.Logs); err != nil {
				return err
			}
		}
		return bm.Flush(ctx)
	}
	return bm.SyncTo(ctx, head.Number)
}

// Run initializes the subscribers at fromBlock, catches up to the chain tip,
// then follows new heads until ctx is done.
func (bm *BlockManager) Run(ctx context.Context, fromBlock uint64) error {
	bm.Start(ctx)
	defer bm.Stop()

	if err := bm.Initialize(ctx, fromBlock); err != nil {
		return err
	}

	tip, err := bm.fetcher.FetchLatestBlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get current tip")
	}
	bm.logger.Sugar().Infow("Catching up to tip",
		zap.Uint64("fromBlock", fromBlock),
		zap.Uint64("currentTip", tip),
	)
	if err := bm.SyncTo(ctx, tip); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if bm.listener != nil && bm.listener.HasWebsocket() {
		bm.listen(ctx)
	} else {
		bm.poll(ctx)
	}
	return nil
}

func (bm *BlockManager) listen(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval

	for {
		err := bm.listener.ListenForNewBlocks(ctx, func(head *types.BlockHeader) error {
			bo.Reset()
			return bm.handleNewHead(ctx, head)
		})
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		bm.logger.Sugar().Warnw("New head subscription ended, reconnecting",
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (bm *BlockManager) poll(ctx context.Context) {
	ticker := time.NewTicker(bm.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			bm.logger.Sugar().Infow("Stopped polling for new blocks")
			return
		case <-ticker.C:
			tip, err := bm.fetcher.FetchLatestBlockNumber(ctx)
			if err != nil {
				bm.logger.Sugar().Errorw("Failed to get latest tip", zap.Error(err))
				continue
			}
			if err := bm.SyncTo(ctx, tip); err != nil && ctx.Err() == nil {
				bm.logger.Sugar().Errorw("Failed to sync to tip",
					zap.Uint64("tip", tip),
					zap.Error(err),
				)
			}
		}
	}
}
