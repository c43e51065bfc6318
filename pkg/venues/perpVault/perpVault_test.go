package perpVault

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/statefulSubscriber"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	vault     = common.HexToAddress("0x7000000000000000000000000000000000000001")
	weth      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	wbtc      = common.HexToAddress("0x2000000000000000000000000000000000000001")
	unknown   = common.HexToAddress("0x3000000000000000000000000000000000000001")
	ethFeed   = common.HexToAddress("0xe000000000000000000000000000000000000001")
	btcFeed   = common.HexToAddress("0xb000000000000000000000000000000000000001")
	ethAnswer = big.NewInt(3000_00000000)
)

type feedState struct {
	answer    *big.Int
	round     int64
	updatedAt int64
}

// fakeChain holds the latest vault and aggregator values; every read
// returns them regardless of block.
type fakeChain struct {
	mu     sync.Mutex
	vault  map[common.Address][3]int64
	feeds  map[common.Address]feedState
	failed bool
}

func (c *fakeChain) Aggregate(ctx context.Context, calls []*contractCaller.Call, blockNumber uint64) ([]*contractCaller.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return nil, assert.AnError
	}

	results := make([]*contractCaller.Result, 0, len(calls))
	for _, call := range calls {
		var out []byte
		var err error
		ok := true
		switch call.Method {
		case "poolAmounts", "reservedAmounts", "usdgAmounts":
			args, _ := VaultAbi.Methods[call.Method].Inputs.Unpack(call.CallData[4:])
			amounts := c.vault[args[0].(common.Address)]
			idx := map[string]int{"poolAmounts": 0, "reservedAmounts": 1, "usdgAmounts": 2}[call.Method]
			out, err = VaultAbi.Methods[call.Method].Outputs.Pack(big.NewInt(amounts[idx]))
		case "latestAnswer", "latestRound", "latestTimestamp":
			f, found := c.feeds[call.Target]
			if !found {
				ok = false
				break
			}
			var v *big.Int
			switch call.Method {
			case "latestAnswer":
				v = f.answer
			case "latestRound":
				v = big.NewInt(f.round)
			default:
				v = big.NewInt(f.updatedAt)
			}
			out, err = AggregatorAbi.Methods[call.Method].Outputs.Pack(v)
		}
		if err != nil {
			return nil, err
		}
		results = append(results, &contractCaller.Result{Call: call, Success: ok, ReturnData: out})
	}
	return results, nil
}

func vaultLog(name string, token common.Address, amount int64, block uint64, index uint) ethTypes.Log {
	data, _ := VaultAbi.Events[name].Inputs.Pack(token, big.NewInt(amount))
	return ethTypes.Log{
		Address:     vault,
		Topics:      []common.Hash{VaultAbi.Events[name].ID},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

func answerLog(feed common.Address, answer *big.Int, round int64, updatedAt int64, block uint64, index uint) ethTypes.Log {
	data, _ := AggregatorAbi.Events["AnswerUpdated"].Inputs.NonIndexed().Pack(big.NewInt(updatedAt))
	return ethTypes.Log{
		Address: feed,
		Topics: []common.Hash{
			AnswerUpdatedEventId,
			common.BytesToHash(common.LeftPadBytes(answer.Bytes(), 32)),
			common.BigToHash(big.NewInt(round)),
		},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

func headers(blocks ...uint64) map[uint64]*types.BlockHeader {
	h := make(map[uint64]*types.BlockHeader)
	for _, b := range blocks {
		h[b] = &types.BlockHeader{Number: b, Timestamp: 1_700_000_000 + b}
	}
	return h
}

type staticPrices map[common.Address]decimal.Decimal

func (s staticPrices) GetPrice(token common.Address) (decimal.Decimal, bool) {
	p, ok := s[token]
	return p, ok
}

func setup(t *testing.T, prices PriceSource) (*fakeChain, *Venue) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)
	chain := &fakeChain{
		vault: map[common.Address][3]int64{
			weth: {1000, 200, 50},
			wbtc: {10, 1, 5},
		},
		feeds: map[common.Address]feedState{
			ethFeed: {answer: ethAnswer, round: 7, updatedAt: 1_699_999_000},
		},
	}
	opts := statefulSubscriber.DefaultOptions()
	opts.RegenerationRetries = 0
	v, err := newTestVenue(chain, prices, opts, l)
	require.Nil(t, err)
	return chain, v
}

func newTestVenue(chain *fakeChain, prices PriceSource, opts *statefulSubscriber.Options, l *zap.Logger) (*Venue, error) {
	return NewVenue(&PerpVaultConfig{
		Vault:        vault,
		Tokens:       []common.Address{weth, wbtc},
		Aggregators:  []common.Address{ethFeed, btcFeed},
		MaxSpreadBps: 50,
	}, chain, prices, opts, l)
}

func Test_PerpVaultVenue(t *testing.T) {
	ctx := context.Background()

	t.Run("Should generate both fragments", func(t *testing.T) {
		_, v := setup(t, nil)
		require.Nil(t, v.Initialize(ctx, 100))

		state, _, ok := v.GetLatestState()
		require.True(t, ok)
		amounts, ok := state.Vault.Get(weth)
		require.True(t, ok)
		assert.Equal(t, uint64(1000), amounts.PoolAmount.Uint64())
		assert.Equal(t, uint64(200), amounts.ReservedAmount.Uint64())

		answer, ok := state.Oracle.Get(ethFeed)
		require.True(t, ok)
		assert.Equal(t, weth, answer.Token)
		assert.Equal(t, int64(7), answer.RoundId.Int64())

		_, ok = state.Oracle.Get(btcFeed)
		assert.False(t, ok)
		assert.Equal(t, []string{VaultFragmentName, OracleFragmentName}, v.GetPartialNames())
	})
	t.Run("Should apply vault events to the vault fragment only", func(t *testing.T) {
		_, v := setup(t, nil)
		require.Nil(t, v.Initialize(ctx, 100))
		before, _, _ := v.GetLatestState()

		require.Nil(t, v.Update(ctx, []ethTypes.Log{
			vaultLog("IncreasePoolAmount", weth, 100, 101, 0),
			vaultLog("IncreaseReservedAmount", weth, 30, 101, 1),
			vaultLog("DecreaseUsdgAmount", wbtc, 5, 101, 2),
		}, headers(101)))

		state, _, _ := v.GetLatestState()
		amounts, _ := state.Vault.Get(weth)
		assert.Equal(t, uint64(1100), amounts.PoolAmount.Uint64())
		assert.Equal(t, uint64(230), amounts.ReservedAmount.Uint64())
		btc, _ := state.Vault.Get(wbtc)
		assert.True(t, btc.UsdgAmount.IsZero())
		assert.Equal(t, before.Oracle.Feeds, state.Oracle.Feeds)

		original, _ := before.Vault.Get(weth)
		assert.Equal(t, uint64(1000), original.PoolAmount.Uint64())
	})
	t.Run("Should skip events that cannot be applied and keep the rest", func(t *testing.T) {
		_, v := setup(t, nil)
		require.Nil(t, v.Initialize(ctx, 100))

		require.Nil(t, v.Update(ctx, []ethTypes.Log{
			vaultLog("IncreasePoolAmount", unknown, 100, 101, 0),
			vaultLog("DecreaseReservedAmount", wbtc, 50, 101, 1),
			vaultLog("IncreasePoolAmount", wbtc, 1, 101, 2),
		}, headers(101)))

		state, at, _ := v.GetLatestState()
		assert.Equal(t, uint64(101), at)
		_, ok := state.Vault.Get(unknown)
		assert.False(t, ok)
		btc, _ := state.Vault.Get(wbtc)
		assert.Equal(t, uint64(1), btc.ReservedAmount.Uint64())
		assert.Equal(t, uint64(11), btc.PoolAmount.Uint64())
	})
	t.Run("Should report untracked tokens as apply errors", func(t *testing.T) {
		_, v := setup(t, nil)
		ev, err := v.vault.Decode(vaultLog("IncreasePoolAmount", unknown, 1, 1, 0))
		require.Nil(t, err)
		assert.Equal(t, "IncreasePoolAmount", ev.EventName())

		pa := NewPoolAmounts(weth)
		_, err = v.vault.ApplyLog(ev, pa, ethTypes.Log{}, headers(1)[1])
		assert.ErrorIs(t, err, ErrTokenNotTracked)

		_, err = v.vault.Decode(answerLog(ethFeed, ethAnswer, 1, 1, 1, 0))
		assert.ErrorIs(t, err, types.ErrLogNotRecognized)
	})
	t.Run("Should track oracle answers and ignore older rounds", func(t *testing.T) {
		_, v := setup(t, nil)
		require.Nil(t, v.Initialize(ctx, 100))

		require.Nil(t, v.Update(ctx, []ethTypes.Log{
			answerLog(ethFeed, big.NewInt(3100_00000000), 8, 1_700_000_090, 101, 0),
			answerLog(btcFeed, big.NewInt(60000_00000000), 1, 1_700_000_091, 101, 1),
		}, headers(101)))
		require.Nil(t, v.Update(ctx, []ethTypes.Log{
			answerLog(ethFeed, big.NewInt(2900_00000000), 6, 1_700_000_080, 102, 0),
		}, headers(102)))

		state, _, _ := v.GetLatestState()
		eth, _ := state.Oracle.Get(ethFeed)
		assert.Equal(t, int64(3100_00000000), eth.Answer.Int64())
		assert.Equal(t, uint64(1_700_000_101), eth.ObservedAt)
		btc, ok := state.Oracle.Get(btcFeed)
		require.True(t, ok)
		assert.Equal(t, wbtc, btc.Token)
	})
	t.Run("Should decode negative answers", func(t *testing.T) {
		_, v := setup(t, nil)
		negative := answerLog(ethFeed, big.NewInt(1), 1, 1, 1, 0)
		negative.Topics[1] = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
		ev, err := v.oracle.Decode(negative)
		require.Nil(t, err)
		assert.Equal(t, int64(-1), ev.Current.Int64())
	})
	t.Run("Should produce the same state root by replay and by regeneration", func(t *testing.T) {
		chain, v := setup(t, nil)
		require.Nil(t, v.Initialize(ctx, 100))

		require.Nil(t, v.Update(ctx, []ethTypes.Log{
			vaultLog("IncreasePoolAmount", weth, 100, 101, 0),
			answerLog(ethFeed, big.NewInt(3100_00000000), 8, 1_700_000_090, 101, 1),
		}, headers(101)))

		chain.mu.Lock()
		chain.vault[weth] = [3]int64{1100, 200, 50}
		chain.feeds[ethFeed] = feedState{answer: big.NewInt(3100_00000000), round: 8, updatedAt: 1_700_000_090}
		chain.mu.Unlock()

		replayed, err := v.GetSnapshot(101)
		require.Nil(t, err)
		regenerated, err := v.RegenerateSnapshot(ctx, 101)
		require.Nil(t, err)
		assert.Equal(t, regenerated.StateRoot, replayed.StateRoot)
	})
	t.Run("Should keep the last good snapshot when regeneration fails", func(t *testing.T) {
		chain, v := setup(t, nil)
		require.Nil(t, v.Initialize(ctx, 100))
		chain.failed = true

		err := v.Restart(ctx, 105)
		assert.NotNil(t, err)
		var regenErr *types.RegenerationError
		assert.ErrorAs(t, err, &regenErr)

		_, at, ok := v.GetLatestState()
		assert.True(t, ok)
		assert.Equal(t, uint64(100), at)
	})
	t.Run("Should price tokens from the oracle and the off-chain feed", func(t *testing.T) {
		_, v := setup(t, staticPrices{weth: decimal.RequireFromString("3010")})
		require.Nil(t, v.Initialize(ctx, 100))

		price, err := v.GetMaxPrice(0, weth)
		require.Nil(t, err)
		assert.True(t, price.Equal(decimal.RequireFromString("3010")), price.String())

		_, err = v.GetMaxPrice(0, wbtc)
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})
	t.Run("Should ignore off-chain prices outside the spread", func(t *testing.T) {
		_, v := setup(t, staticPrices{weth: decimal.RequireFromString("3500")})
		require.Nil(t, v.Initialize(ctx, 100))

		price, err := v.GetMaxPrice(0, weth)
		require.Nil(t, err)
		assert.True(t, price.Equal(decimal.RequireFromString("3000")), price.String())
	})
	t.Run("Should compute available liquidity", func(t *testing.T) {
		_, v := setup(t, nil)
		require.Nil(t, v.Initialize(ctx, 100))

		liquidity, err := v.GetAvailableLiquidity(0, weth)
		require.Nil(t, err)
		assert.Equal(t, uint64(800), liquidity.Uint64())

		_, err = v.GetAvailableLiquidity(0, unknown)
		assert.ErrorIs(t, err, ErrTokenNotTracked)
	})
	t.Run("Should reject misaligned tokens and aggregators", func(t *testing.T) {
		l, _ := logger.NewLogger(&logger.LoggerConfig{})
		_, err := NewVenue(&PerpVaultConfig{Vault: vault, Tokens: []common.Address{weth}}, &fakeChain{}, nil, nil, l)
		assert.NotNil(t, err)
	})
}
