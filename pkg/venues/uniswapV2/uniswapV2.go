package uniswapV2

import (
	"context"
	"math/big"
	"slices"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/statefulSubscriber"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultName   = "uniswap-v2"
	DefaultFeeBps = 30
)

type UniswapV2Config struct {
	Name string
	// Factory is optional; when set, pools it creates are tracked as they appear.
	Factory common.Address
	Pools   []common.Address
	FeeBps  uint64
}

func ConvertGlobalConfigToUniswapV2Config(cfg *config.UniswapV2Config) *UniswapV2Config {
	uc := &UniswapV2Config{
		Name:   DefaultName,
		Pools:  make([]common.Address, 0, len(cfg.Pools)),
		FeeBps: cfg.FeeBps,
	}
	if cfg.Factory != "" {
		uc.Factory = common.HexToAddress(cfg.Factory)
	}
	for _, p := range cfg.Pools {
		uc.Pools = append(uc.Pools, common.HexToAddress(p))
	}
	if uc.FeeBps == 0 {
		uc.FeeBps = DefaultFeeBps
	}
	return uc
}

func (c *UniswapV2Config) hasFactory() bool {
	return c.Factory != (common.Address{})
}

type poolHandler struct {
	config *UniswapV2Config
	caller contractCaller.IContractCaller
	logger *zap.Logger

	// trackedAddresses returns the subscriber's current addresses, including
	// pools discovered after construction.
	trackedAddresses func() []common.Address
	subscribe        func(addresses ...common.Address) []common.Address
	foldLogs         func(state *PoolSet, logs []ethTypes.Log, header *types.BlockHeader) *PoolSet
}

func (h *poolHandler) GetName() string {
	return h.config.Name
}

func (h *poolHandler) GetAddresses() []common.Address {
	addresses := make([]common.Address, 0, len(h.config.Pools)+1)
	if h.config.hasFactory() {
		addresses = append(addresses, h.config.Factory)
	}
	return append(addresses, h.config.Pools...)
}

func (h *poolHandler) ProcessLog(state *PoolSet, log ethTypes.Log, header *types.BlockHeader) (*PoolSet, error) {
	event, err := DecodeLog(log)
	if err != nil {
		if errors.Is(err, types.ErrLogNotRecognized) {
			return state, err
		}
		return state, &types.DecodeError{
			Subscriber:  h.GetName(),
			BlockNumber: log.BlockNumber,
			LogIndex:    log.Index,
			Address:     log.Address,
			Err:         err,
		}
	}

	applyError := func(err error) error {
		return &types.ApplyError{
			Subscriber:  h.GetName(),
			BlockNumber: log.BlockNumber,
			LogIndex:    log.Index,
			Event:       event.EventName(),
			Err:         err,
		}
	}

	switch e := event.(type) {
	case *SyncEvent:
		pool, ok := state.Get(e.Pool)
		if !ok {
			return state, applyError(ErrPoolNotFound)
		}
		return state.With(pool.withReserves(Reserves{
			Reserve0:           e.Reserve0,
			Reserve1:           e.Reserve1,
			BlockTimestampLast: uint32(header.Timestamp),
		})), nil

	case *SwapEvent:
		// reserves move through the Sync emitted by the same call
		if _, ok := state.Get(e.Pool); !ok {
			return state, applyError(ErrPoolNotFound)
		}
		return state, nil

	case *PairCreatedEvent:
		if !h.config.hasFactory() || e.Factory != h.config.Factory {
			return state, types.ErrLogNotRecognized
		}
		if _, ok := state.Get(e.Pair); ok {
			return state, nil
		}
		return state.With(&Pool{
			Address:  e.Pair,
			Token0:   e.Token0,
			Token1:   e.Token1,
			Reserves: zeroReserves(),
		}), nil
	}
	return state, types.ErrLogNotRecognized
}

// ProcessBlockLogs folds a block's logs through ProcessLog, unless the block
// creates a pool. The new pool's own logs in that block were filtered out
// before it was subscribed, so the pool is subscribed and the block is
// regenerated instead.
func (h *poolHandler) ProcessBlockLogs(state *PoolSet, logs []ethTypes.Log, header *types.BlockHeader) (*PoolSet, bool) {
	created := h.createdPools(state, logs)
	if len(created) == 0 {
		return h.foldLogs(state, logs, header), true
	}
	h.subscribe(created...)
	h.logger.Sugar().Infow("Block creates pools, regenerating",
		zap.String("venue", h.GetName()),
		zap.Uint64("blockNumber", header.Number),
		zap.Int("pools", len(created)),
	)
	return state, false
}

func (h *poolHandler) createdPools(state *PoolSet, logs []ethTypes.Log) []common.Address {
	created := make([]common.Address, 0)
	if !h.config.hasFactory() {
		return created
	}
	for _, log := range logs {
		event, err := DecodeLog(log)
		if err != nil {
			continue
		}
		e, ok := event.(*PairCreatedEvent)
		if !ok || e.Factory != h.config.Factory {
			continue
		}
		if _, ok := state.Get(e.Pair); !ok {
			created = append(created, e.Pair)
		}
	}
	return created
}

// GenerateState reads every tracked pool at blockNumber. Pools that do not
// exist yet at that block are left out.
func (h *poolHandler) GenerateState(ctx context.Context, blockNumber uint64) (*PoolSet, error) {
	pools := h.poolAddresses()

	calls := make([]*contractCaller.Call, 0, len(pools)*3)
	for _, pool := range pools {
		calls = append(calls,
			contractCaller.MustDescribe(pool, &PairAbi, "getReserves"),
			contractCaller.MustDescribe(pool, &PairAbi, "token0"),
			contractCaller.MustDescribe(pool, &PairAbi, "token1"),
		)
	}
	results, err := h.caller.Aggregate(ctx, calls, blockNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pools at block %d", blockNumber)
	}

	generated := make([]*Pool, 0, len(pools))
	for i, pool := range pools {
		p, err := poolFromResults(pool, results[i*3:i*3+3])
		if err != nil {
			h.logger.Sugar().Debugw("Skipping pool without state at block",
				zap.String("pool", pool.Hex()),
				zap.Uint64("blockNumber", blockNumber),
				zap.Error(err),
			)
			continue
		}
		generated = append(generated, p)
	}
	return NewPoolSet(generated...), nil
}

func poolFromResults(address common.Address, results []*contractCaller.Result) (*Pool, error) {
	var reserves struct {
		Reserve0           *big.Int
		Reserve1           *big.Int
		BlockTimestampLast uint32
	}
	if err := contractCaller.UnpackInto(results[0], &reserves); err != nil {
		return nil, err
	}
	token0, err := contractCaller.Unpack[common.Address](results[1])
	if err != nil {
		return nil, err
	}
	token1, err := contractCaller.Unpack[common.Address](results[2])
	if err != nil {
		return nil, err
	}
	r0, err := toUint256(reserves.Reserve0)
	if err != nil {
		return nil, err
	}
	r1, err := toUint256(reserves.Reserve1)
	if err != nil {
		return nil, err
	}
	return &Pool{
		Address: address,
		Token0:  token0,
		Token1:  token1,
		Reserves: Reserves{
			Reserve0:           r0,
			Reserve1:           r1,
			BlockTimestampLast: reserves.BlockTimestampLast,
		},
	}, nil
}

func (h *poolHandler) poolAddresses() []common.Address {
	seen := types.NewAddressSet()
	pools := make([]common.Address, 0)
	for _, a := range append(slices.Clone(h.config.Pools), h.trackedAddresses()...) {
		if (h.config.hasFactory() && a == h.config.Factory) || seen.Contains(a) {
			continue
		}
		seen[a] = struct{}{}
		pools = append(pools, a)
	}
	return pools
}

// DiscoverAddresses subscribes to pools added by PairCreated.
func (h *poolHandler) DiscoverAddresses(state *PoolSet) []common.Address {
	return state.Addresses()
}

// Venue tracks a set of uniswap v2 style pools.
type Venue struct {
	*statefulSubscriber.StatefulEventSubscriber[*PoolSet]
	handler *poolHandler
}

func NewVenue(cfg *UniswapV2Config, caller contractCaller.IContractCaller, opts *statefulSubscriber.Options, l *zap.Logger) *Venue {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	h := &poolHandler{
		config: cfg,
		caller: caller,
		logger: l,
	}
	v := &Venue{
		StatefulEventSubscriber: statefulSubscriber.NewStatefulEventSubscriber[*PoolSet](h, opts, l),
		handler:                 h,
	}
	h.trackedAddresses = v.GetAddresses
	h.subscribe = v.AddAddresses
	h.foldLogs = v.FoldLogs
	return v
}

func (v *Venue) snapshot(blockNumber uint64, state *PoolSet) (*venueTypes.Snapshot, error) {
	return venueTypes.NewSnapshot(v.GetName(), v.Status(), blockNumber, state, func(ps *PoolSet) any {
		return ps.Rows()
	})
}

func (v *Venue) GetSnapshot(blockNumber uint64) (*venueTypes.Snapshot, error) {
	state, at, err := venueTypes.Lookup[*PoolSet](v.StatefulEventSubscriber, blockNumber)
	if err != nil {
		return nil, err
	}
	return v.snapshot(at, state)
}

func (v *Venue) RegenerateSnapshot(ctx context.Context, blockNumber uint64) (*venueTypes.Snapshot, error) {
	state, err := v.handler.GenerateState(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	return v.snapshot(blockNumber, state)
}

func (v *Venue) ExportRows(blockNumber uint64) (any, uint64, error) {
	state, at, err := venueTypes.Lookup[*PoolSet](v.StatefulEventSubscriber, blockNumber)
	if err != nil {
		return nil, 0, err
	}
	return state.Rows(), at, nil
}

// GetAmountOut quotes amountIn through pool on the snapshot at or before
// blockNumber (0 = latest) with the venue's fee.
func (v *Venue) GetAmountOut(blockNumber uint64, pool common.Address, amountIn *uint256.Int, zeroForOne bool) (*uint256.Int, error) {
	state, _, err := venueTypes.Lookup[*PoolSet](v.StatefulEventSubscriber, blockNumber)
	if err != nil {
		return nil, err
	}
	return GetAmountOut(state, pool, amountIn, zeroForOne, v.handler.config.FeeBps)
}
