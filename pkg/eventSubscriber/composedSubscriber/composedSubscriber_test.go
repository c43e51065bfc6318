package composedSubscriber

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/statefulSubscriber"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/lens"
	"github.com/Layr-Labs/dex-sidecar/pkg/snapshotStore"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	counterAddress = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	priceAddress   = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	sharedAddress  = common.HexToAddress("0x0000000000000000000000000000000000005a4e")

	incrementTopic = crypto.Keccak256Hash([]byte("Incremented(string)"))
	priceTopic     = crypto.Keccak256Hash([]byte("PriceUpdated(string,uint256)"))
)

type counterFragment struct {
	Count uint64
	Last  string
}

type priceFragment struct {
	Prices map[string]uint64
}

type composite struct {
	Counter counterFragment
	Prices  *priceFragment
}

type counterEvent interface {
	isCounterEvent()
}

type incremented struct {
	Name string
}

func (incremented) isCounterEvent() {}

func (incremented) EventName() string { return "Incremented" }

type priceEvent interface {
	isPriceEvent()
}

type priceUpdated struct {
	Token string
	Price uint64
}

func (priceUpdated) isPriceEvent() {}

type counterHandler struct {
	mu        sync.Mutex
	addresses []common.Address
	generated map[uint64]counterFragment
	fail      bool
}

func (h *counterHandler) GetName() string { return "counter" }

func (h *counterHandler) GetAddresses() []common.Address { return h.addresses }

func (h *counterHandler) Decode(log ethTypes.Log) (counterEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != incrementTopic {
		return nil, types.ErrLogNotRecognized
	}
	if len(log.Data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	return incremented{Name: string(log.Data)}, nil
}

func (h *counterHandler) ApplyLog(event counterEvent, state counterFragment, log ethTypes.Log, header *types.BlockHeader) (counterFragment, error) {
	switch e := event.(type) {
	case incremented:
		if e.Name == "reject" {
			return state, fmt.Errorf("rejected")
		}
		return counterFragment{Count: state.Count + 1, Last: e.Name}, nil
	default:
		return state, fmt.Errorf("unexpected event %T", event)
	}
}

func (h *counterHandler) GenerateStateFragment(ctx context.Context, blockNumber uint64) (counterFragment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return counterFragment{}, fmt.Errorf("multicall reverted")
	}
	return h.generated[blockNumber], nil
}

type priceHandler struct {
	addresses []common.Address
	generated map[uint64]map[string]uint64
}

func (h *priceHandler) GetName() string { return "price" }

func (h *priceHandler) GetAddresses() []common.Address { return h.addresses }

func (h *priceHandler) Decode(log ethTypes.Log) (priceEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != priceTopic {
		return nil, types.ErrLogNotRecognized
	}
	var price uint64
	var token string
	if _, err := fmt.Sscanf(string(log.Data), "%s %d", &token, &price); err != nil {
		return nil, err
	}
	return priceUpdated{Token: token, Price: price}, nil
}

func (h *priceHandler) ApplyLog(event priceEvent, state *priceFragment, log ethTypes.Log, header *types.BlockHeader) (*priceFragment, error) {
	switch e := event.(type) {
	case priceUpdated:
		prices := make(map[string]uint64, len(state.Prices)+1)
		maps.Copy(prices, state.Prices)
		prices[e.Token] = e.Price
		return &priceFragment{Prices: prices}, nil
	default:
		return state, fmt.Errorf("unexpected event %T", event)
	}
}

func (h *priceHandler) GenerateStateFragment(ctx context.Context, blockNumber uint64) (*priceFragment, error) {
	prices := make(map[string]uint64)
	maps.Copy(prices, h.generated[blockNumber])
	return &priceFragment{Prices: prices}, nil
}

var counterLens = lens.New(
	func(c composite) counterFragment { return c.Counter },
	func(f counterFragment, c composite) composite {
		c.Counter = f
		return c
	},
)

var priceLens = lens.New(
	func(c composite) *priceFragment { return c.Prices },
	func(f *priceFragment, c composite) composite {
		c.Prices = f
		return c
	},
)

func blankComposite() composite {
	return composite{Prices: &priceFragment{Prices: map[string]uint64{}}}
}

func counterLog(address common.Address, blockNumber uint64, index uint, name string) ethTypes.Log {
	return ethTypes.Log{
		Address:     address,
		Topics:      []common.Hash{incrementTopic},
		Data:        []byte(name),
		BlockNumber: blockNumber,
		Index:       index,
	}
}

func priceLog(address common.Address, blockNumber uint64, index uint, token string, price uint64) ethTypes.Log {
	return ethTypes.Log{
		Address:     address,
		Topics:      []common.Hash{priceTopic},
		Data:        []byte(fmt.Sprintf("%s %d", token, price)),
		BlockNumber: blockNumber,
		Index:       index,
	}
}

func setup(t *testing.T, counter *counterHandler, price *priceHandler) (*ComposedEventSubscriber[composite], *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zap.New(core)

	s := NewComposedEventSubscriber[composite](
		"test-vault",
		blankComposite(),
		[]PartialEventSubscriber[composite]{
			NewPartialEventSubscriber[composite, counterFragment, counterEvent](counterLens, counter),
			NewPartialEventSubscriber[composite, *priceFragment, priceEvent](priceLens, price),
		},
		&statefulSubscriber.Options{
			Retention:            snapshotStore.DefaultRetentionPolicy(),
			Role:                 types.Role_Primary,
			RegenerationInterval: time.Millisecond,
		},
		l,
	)
	return s, logs
}

func headers(blockNumbers ...uint64) map[uint64]*types.BlockHeader {
	h := make(map[uint64]*types.BlockHeader)
	for _, b := range blockNumbers {
		h[b] = &types.BlockHeader{Number: b}
	}
	return h
}

func Test_ComposedEventSubscriber(t *testing.T) {
	ctx := context.Background()

	t.Run("Should generate every fragment and fold them onto the blank composite", func(t *testing.T) {
		counter := &counterHandler{
			addresses: []common.Address{counterAddress},
			generated: map[uint64]counterFragment{100: {Count: 7, Last: "g"}},
		}
		price := &priceHandler{
			addresses: []common.Address{priceAddress},
			generated: map[uint64]map[string]uint64{100: {"ETH": 3000}},
		}
		s, _ := setup(t, counter, price)

		assert.Equal(t, []string{"counter", "price"}, s.GetPartialNames())
		assert.Equal(t, []common.Address{counterAddress, priceAddress}, s.GetAddresses())

		require.Nil(t, s.Initialize(ctx, 100))
		state, ok := s.GetState(100)
		require.True(t, ok)
		assert.Equal(t, counterFragment{Count: 7, Last: "g"}, state.Counter)
		assert.Equal(t, map[string]uint64{"ETH": 3000}, state.Prices.Prices)
	})
	t.Run("Should route logs by address and leave other fragments untouched", func(t *testing.T) {
		counter := &counterHandler{addresses: []common.Address{counterAddress}, generated: map[uint64]counterFragment{}}
		price := &priceHandler{addresses: []common.Address{priceAddress}, generated: map[uint64]map[string]uint64{}}
		s, _ := setup(t, counter, price)
		require.Nil(t, s.Initialize(ctx, 100))
		s100, _ := s.GetStateExact(100)

		require.Nil(t, s.Update(ctx, []ethTypes.Log{
			counterLog(counterAddress, 101, 1, "B"),
			counterLog(counterAddress, 101, 0, "A"),
		}, headers(101)))

		s101, ok := s.GetStateExact(101)
		require.True(t, ok)
		assert.Equal(t, counterFragment{Count: 2, Last: "B"}, s101.Counter)
		// untouched fragment is shared, not copied
		assert.Same(t, s100.Prices, s101.Prices)

		require.Nil(t, s.Update(ctx, []ethTypes.Log{priceLog(priceAddress, 102, 0, "BTC", 60000)}, headers(102)))
		s102, _ := s.GetStateExact(102)
		assert.Equal(t, map[string]uint64{"BTC": 60000}, s102.Prices.Prices)
		assert.Equal(t, s101.Counter, s102.Counter)
		// earlier snapshots are not mutated
		assert.Empty(t, s101.Prices.Prices)
	})
	t.Run("Should apply a log to every fragment subscribed to a shared address", func(t *testing.T) {
		counter := &counterHandler{addresses: []common.Address{counterAddress, sharedAddress}, generated: map[uint64]counterFragment{}}
		price := &priceHandler{addresses: []common.Address{priceAddress, sharedAddress}, generated: map[uint64]map[string]uint64{}}
		s, logs := setup(t, counter, price)
		require.Nil(t, s.Initialize(ctx, 100))

		require.Nil(t, s.Update(ctx, []ethTypes.Log{
			counterLog(sharedAddress, 101, 0, "A"),
			priceLog(sharedAddress, 101, 1, "ETH", 3100),
		}, headers(101)))

		s101, _ := s.GetStateExact(101)
		assert.Equal(t, uint64(1), s101.Counter.Count)
		assert.Equal(t, uint64(3100), s101.Prices.Prices["ETH"])
		// each log is recognized by exactly one fragment, so nothing is reported
		assert.Equal(t, 0, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	})
	t.Run("Should keep a fragment unchanged when its log fails while other fragments proceed", func(t *testing.T) {
		counter := &counterHandler{addresses: []common.Address{counterAddress}, generated: map[uint64]counterFragment{}}
		price := &priceHandler{addresses: []common.Address{priceAddress}, generated: map[uint64]map[string]uint64{}}
		s, logs := setup(t, counter, price)
		require.Nil(t, s.Initialize(ctx, 100))

		err := s.Update(ctx, []ethTypes.Log{
			counterLog(counterAddress, 101, 0, "reject"),
			counterLog(counterAddress, 101, 1, ""),
			priceLog(priceAddress, 101, 2, "ETH", 3000),
			counterLog(common.HexToAddress("0xdead"), 101, 3, "stray"),
		}, headers(101))
		assert.Nil(t, err)

		s101, _ := s.GetStateExact(101)
		assert.Equal(t, counterFragment{}, s101.Counter)
		assert.Equal(t, uint64(3000), s101.Prices.Prices["ETH"])
		assert.Equal(t, 1, logs.FilterMessage("Failed to apply log").Len())
		assert.Equal(t, 1, logs.FilterMessage("Failed to decode log").Len())
		assert.Equal(t, 1, logs.FilterMessage("Log not recognized").Len())
	})
	t.Run("Should regenerate all fragments on a reorg", func(t *testing.T) {
		counter := &counterHandler{
			addresses: []common.Address{counterAddress},
			generated: map[uint64]counterFragment{100: {Count: 1}, 101: {Count: 5, Last: "canonical"}},
		}
		price := &priceHandler{
			addresses: []common.Address{priceAddress},
			generated: map[uint64]map[string]uint64{101: {"ETH": 2900}},
		}
		s, _ := setup(t, counter, price)
		require.Nil(t, s.Initialize(ctx, 100))
		require.Nil(t, s.Update(ctx, []ethTypes.Log{counterLog(counterAddress, 101, 0, "orphaned")}, headers(101)))
		require.Nil(t, s.Update(ctx, []ethTypes.Log{counterLog(counterAddress, 101, 0, "canonical")}, headers(101)))

		s101, _ := s.GetStateExact(101)
		assert.Equal(t, counterFragment{Count: 5, Last: "canonical"}, s101.Counter)
		assert.Equal(t, map[string]uint64{"ETH": 2900}, s101.Prices.Prices)
		assert.Equal(t, types.SubscriberStatus_Tracking, s.Status())
	})
	t.Run("Should keep the last good snapshot when a fragment fails to generate", func(t *testing.T) {
		counter := &counterHandler{addresses: []common.Address{counterAddress}, generated: map[uint64]counterFragment{100: {Count: 1}}}
		price := &priceHandler{addresses: []common.Address{priceAddress}, generated: map[uint64]map[string]uint64{}}
		s, _ := setup(t, counter, price)
		require.Nil(t, s.Initialize(ctx, 100))

		counter.mu.Lock()
		counter.fail = true
		counter.mu.Unlock()

		err := s.Restart(ctx, 105)
		assert.NotNil(t, err)
		assert.True(t, types.IsRetryable(err))
		assert.Equal(t, []uint64{100}, s.GetBlockNumbers())
		state, ok := s.GetState(105)
		assert.True(t, ok)
		assert.Equal(t, uint64(1), state.Counter.Count)
	})
	t.Run("Should route newly added addresses to their fragment", func(t *testing.T) {
		counter := &counterHandler{addresses: []common.Address{counterAddress}, generated: map[uint64]counterFragment{}}
		price := &priceHandler{addresses: []common.Address{priceAddress}, generated: map[uint64]map[string]uint64{}}
		s, _ := setup(t, counter, price)
		require.Nil(t, s.Initialize(ctx, 100))

		added := common.HexToAddress("0x0000000000000000000000000000000000000b02")
		require.Nil(t, s.AddPartialAddresses("price", added))
		assert.NotNil(t, s.AddPartialAddresses("missing", added))
		assert.True(t, s.IsSubscribed(added))

		require.Nil(t, s.Update(ctx, []ethTypes.Log{priceLog(added, 101, 0, "ARB", 1)}, headers(101)))
		s101, _ := s.GetStateExact(101)
		assert.Equal(t, uint64(1), s101.Prices.Prices["ARB"])
	})
}

func Test_PartialEventSubscriber(t *testing.T) {
	counter := &counterHandler{addresses: []common.Address{counterAddress}, generated: map[uint64]counterFragment{9: {Count: 9}}}
	p := NewPartialEventSubscriber[composite, counterFragment, counterEvent](counterLens, counter)

	t.Run("Should wrap decode and apply failures in typed errors", func(t *testing.T) {
		c := blankComposite()

		_, err := p.HandleLog(c, counterLog(counterAddress, 1, 0, ""), nil)
		var decodeErr *types.DecodeError
		assert.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, "counter", decodeErr.Subscriber)

		_, err = p.HandleLog(c, counterLog(counterAddress, 1, 0, "reject"), nil)
		var applyErr *types.ApplyError
		assert.ErrorAs(t, err, &applyErr)
		assert.Equal(t, "Incremented", applyErr.Event)

		unrelated := priceLog(counterAddress, 1, 0, "ETH", 1)
		next, err := p.HandleLog(c, unrelated, nil)
		assert.ErrorIs(t, err, types.ErrLogNotRecognized)
		assert.True(t, reflect.DeepEqual(c, next))
	})
	t.Run("Should return a setter for the generated fragment", func(t *testing.T) {
		set, err := p.GenerateFragment(context.Background(), 9)
		require.Nil(t, err)
		c := set(blankComposite())
		assert.Equal(t, uint64(9), c.Counter.Count)
	})
}
