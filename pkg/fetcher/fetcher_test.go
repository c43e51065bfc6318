package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(n + 1_000_000))
}

type logRange struct {
	from uint64
	to   uint64
}

type fakeClient struct {
	mu          sync.Mutex
	tip         uint64
	logs        []ethTypes.Log
	logRanges   []logRange
	failLogs    int
	brokenBlock uint64
}

func (c *fakeClient) header(n uint64) *types.BlockHeader {
	parent := hashOf(n - 1)
	if n == c.brokenBlock {
		parent = common.HexToHash("0xbad")
	}
	return &types.BlockHeader{Number: n, Hash: hashOf(n), ParentHash: parent, Timestamp: 1000 + n}
}

func (c *fakeClient) GetBlockNumberUint64(ctx context.Context) (uint64, error) {
	return c.tip, nil
}

func (c *fakeClient) GetBlockHeader(ctx context.Context, n uint64) (*types.BlockHeader, error) {
	if n > c.tip {
		return nil, fmt.Errorf("block not found")
	}
	return c.header(n), nil
}

func (c *fakeClient) GetBlockHeaders(ctx context.Context, from uint64, to uint64) ([]*types.BlockHeader, error) {
	headers := make([]*types.BlockHeader, 0)
	for n := from; n <= to; n++ {
		headers = append(headers, c.header(n))
	}
	return headers, nil
}

func (c *fakeClient) GetLogs(ctx context.Context, from uint64, to uint64, addresses []common.Address) ([]ethTypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logRanges = append(c.logRanges, logRange{from, to})
	if c.failLogs > 0 {
		c.failLogs--
		return nil, fmt.Errorf("rate limited")
	}
	set := types.NewAddressSet(addresses...)
	out := make([]ethTypes.Log, 0)
	// returned newest first to check ordering
	for i := len(c.logs) - 1; i >= 0; i-- {
		l := c.logs[i]
		if l.BlockNumber >= from && l.BlockNumber <= to && set.Contains(l.Address) {
			out = append(out, l)
		}
	}
	return out, nil
}

var (
	pool  = common.HexToAddress("0x1")
	other = common.HexToAddress("0x2")
)

func newLog(addr common.Address, block uint64, index uint) ethTypes.Log {
	return ethTypes.Log{Address: addr, BlockNumber: block, Index: index, BlockHash: hashOf(block)}
}

func setup(t *testing.T, client *fakeClient) *Fetcher {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)
	return NewFetcher(client, &FetcherConfig{
		LogRangeSize:  3,
		RetryBackoffs: []time.Duration{time.Millisecond, time.Millisecond},
	}, l)
}

func Test_Fetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("Should split log requests by range size and sort the result", func(t *testing.T) {
		client := &fakeClient{tip: 20, logs: []ethTypes.Log{
			newLog(pool, 10, 0),
			newLog(pool, 10, 4),
			newLog(other, 11, 1),
			newLog(pool, 14, 2),
		}}
		f := setup(t, client)

		logs, err := f.FetchLogs(ctx, 10, 16, []common.Address{pool})
		require.Nil(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, uint(0), logs[0].Index)
		assert.Equal(t, uint(4), logs[1].Index)
		assert.Equal(t, uint64(14), logs[2].BlockNumber)
		assert.Equal(t, []logRange{{10, 12}, {13, 15}, {16, 16}}, client.logRanges)
	})
	t.Run("Should not query logs without addresses", func(t *testing.T) {
		client := &fakeClient{tip: 20}
		f := setup(t, client)

		logs, err := f.FetchLogs(ctx, 1, 10, nil)
		require.Nil(t, err)
		assert.Len(t, logs, 0)
		assert.Len(t, client.logRanges, 0)
	})
	t.Run("Should return every block of the range with its logs", func(t *testing.T) {
		client := &fakeClient{tip: 20, logs: []ethTypes.Log{
			newLog(pool, 5, 7),
			newLog(pool, 7, 1),
			newLog(pool, 5, 2),
		}}
		f := setup(t, client)

		blocks, err := f.FetchBlockRange(ctx, 5, 8, []common.Address{pool})
		require.Nil(t, err)
		require.Len(t, blocks, 4)
		assert.Equal(t, uint64(5), blocks[0].Header.Number)
		require.Len(t, blocks[0].Logs, 2)
		assert.Equal(t, uint(2), blocks[0].Logs[0].Index)
		assert.Equal(t, uint(7), blocks[0].Logs[1].Index)
		assert.Len(t, blocks[1].Logs, 0)
		assert.Len(t, blocks[2].Logs, 1)
		assert.Len(t, blocks[3].Logs, 0)
	})
	t.Run("Should reject a range whose headers do not form a chain", func(t *testing.T) {
		client := &fakeClient{tip: 20, brokenBlock: 7}
		f := setup(t, client)

		_, err := f.FetchBlockRange(ctx, 5, 8, []common.Address{pool})
		assert.NotNil(t, err)
	})
	t.Run("Should reject logs from a different block hash", func(t *testing.T) {
		stale := newLog(pool, 6, 0)
		stale.BlockHash = common.HexToHash("0xabc")
		client := &fakeClient{tip: 20, logs: []ethTypes.Log{stale}}
		f := setup(t, client)

		_, err := f.FetchBlockRange(ctx, 5, 8, []common.Address{pool})
		assert.NotNil(t, err)
	})
	t.Run("Should retry failed fetches", func(t *testing.T) {
		client := &fakeClient{tip: 20, failLogs: 2, logs: []ethTypes.Log{newLog(pool, 5, 0)}}
		f := setup(t, client)

		blocks, err := f.FetchBlockRangeWithRetries(ctx, 5, 6, []common.Address{pool})
		require.Nil(t, err)
		require.Len(t, blocks, 2)
		assert.Len(t, blocks[0].Logs, 1)
	})
	t.Run("Should give up after exhausting retries", func(t *testing.T) {
		client := &fakeClient{tip: 20, failLogs: 10}
		f := setup(t, client)

		_, err := f.FetchBlockRangeWithRetries(ctx, 5, 6, []common.Address{pool})
		assert.NotNil(t, err)
		assert.Len(t, client.logRanges, 3)
	})
	t.Run("Should fetch a single header", func(t *testing.T) {
		client := &fakeClient{tip: 20}
		f := setup(t, client)

		h, err := f.FetchHeader(ctx, 12)
		require.Nil(t, err)
		assert.Equal(t, hashOf(12), h.Hash)

		_, err = f.FetchHeader(ctx, 21)
		assert.NotNil(t, err)
	})
}
