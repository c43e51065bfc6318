package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultLogRangeSize = 500

// IEthereumClient is the slice of the ethereum client the fetcher reads from.
type IEthereumClient interface {
	GetBlockNumberUint64(ctx context.Context) (uint64, error)
	GetBlockHeader(ctx context.Context, blockNumber uint64) (*types.BlockHeader, error)
	GetBlockHeaders(ctx context.Context, fromBlock uint64, toBlock uint64) ([]*types.BlockHeader, error)
	GetLogs(ctx context.Context, fromBlock uint64, toBlock uint64, addresses []common.Address) ([]ethTypes.Log, error)
}

type FetcherConfig struct {
	// LogRangeSize caps the number of blocks per eth_getLogs request.
	LogRangeSize uint64
	// RetryBackoffs is the wait before each retry of a failed range fetch.
	RetryBackoffs []time.Duration
}

func DefaultFetcherConfig() *FetcherConfig {
	retries := []int{1, 2, 4, 8, 16, 32, 64}
	backoffs := make([]time.Duration, 0, len(retries))
	for _, r := range retries {
		backoffs = append(backoffs, time.Duration(r)*time.Second)
	}
	return &FetcherConfig{
		LogRangeSize:  DefaultLogRangeSize,
		RetryBackoffs: backoffs,
	}
}

func ConvertGlobalConfigToFetcherConfig(cfg *config.EthereumRpcConfig) *FetcherConfig {
	fc := DefaultFetcherConfig()
	if cfg.LogRangeSize > 0 {
		fc.LogRangeSize = cfg.LogRangeSize
	}
	return fc
}

type Fetcher struct {
	EthClient IEthereumClient
	Config    *FetcherConfig
	Logger    *zap.Logger
}

func NewFetcher(ethClient IEthereumClient, cfg *FetcherConfig, l *zap.Logger) *Fetcher {
	if cfg == nil {
		cfg = DefaultFetcherConfig()
	}
	if cfg.LogRangeSize == 0 {
		cfg.LogRangeSize = DefaultLogRangeSize
	}
	return &Fetcher{
		EthClient: ethClient,
		Config:    cfg,
		Logger:    l,
	}
}

// FetchedBlock is a header with the logs of the subscribed addresses it
// contains, ordered by log index.
type FetchedBlock struct {
	Header *types.BlockHeader
	Logs   []ethTypes.Log
}

func (f *Fetcher) FetchLatestBlockNumber(ctx context.Context) (uint64, error) {
	return f.EthClient.GetBlockNumberUint64(ctx)
}

func (f *Fetcher) FetchHeader(ctx context.Context, blockNumber uint64) (*types.BlockHeader, error) {
	header, err := f.EthClient.GetBlockHeader(ctx, blockNumber)
	if err != nil {
		f.Logger.Sugar().Errorw("failed to get block header",
			zap.Uint64("blockNumber", blockNumber),
			zap.Error(err),
		)
		return nil, err
	}
	return header, nil
}

// FetchLogs returns the logs emitted by addresses in [fromBlock, toBlock],
// ordered by (blockNumber, logIndex). The range is split into LogRangeSize
// requests.
func (f *Fetcher) FetchLogs(ctx context.Context, fromBlock uint64, toBlock uint64, addresses []common.Address) ([]ethTypes.Log, error) {
	logs := make([]ethTypes.Log, 0)
	if len(addresses) == 0 || toBlock < fromBlock {
		return logs, nil
	}
	for start := fromBlock; start <= toBlock; start += f.Config.LogRangeSize {
		end := min(start+f.Config.LogRangeSize-1, toBlock)
		chunk, err := f.EthClient.GetLogs(ctx, start, end, addresses)
		if err != nil {
			f.Logger.Sugar().Errorw("failed to get logs",
				zap.Uint64("fromBlock", start),
				zap.Uint64("toBlock", end),
				zap.Error(err),
			)
			return nil, errors.Wrapf(err, "failed to get logs for blocks %d-%d", start, end)
		}
		logs = append(logs, chunk...)
		if end == toBlock {
			break
		}
	}
	types.SortLogs(logs)
	return logs, nil
}

// FetchBlockRange returns every block of [fromBlock, toBlock], ascending,
// each with its logs. Fails when the headers do not form a chain, which
// happens when a reorg lands in the middle of the fetch.
func (f *Fetcher) FetchBlockRange(ctx context.Context, fromBlock uint64, toBlock uint64, addresses []common.Address) ([]*FetchedBlock, error) {
	if toBlock < fromBlock {
		return []*FetchedBlock{}, nil
	}

	headers, err := f.EthClient.GetBlockHeaders(ctx, fromBlock, toBlock)
	if err != nil {
		f.Logger.Sugar().Errorw("failed to get block headers",
			zap.Uint64("startBlock", fromBlock),
			zap.Uint64("endBlock", toBlock),
			zap.Error(err),
		)
		return nil, err
	}
	if uint64(len(headers)) != toBlock-fromBlock+1 {
		return nil, fmt.Errorf("expected %d headers, got %d", toBlock-fromBlock+1, len(headers))
	}
	for i := 1; i < len(headers); i++ {
		if !headers[i].IsChildOf(headers[i-1]) {
			return nil, fmt.Errorf("block %d does not extend block %d", headers[i].Number, headers[i-1].Number)
		}
	}

	logs, err := f.FetchLogs(ctx, fromBlock, toBlock, addresses)
	if err != nil {
		return nil, err
	}

	blocks := make([]*FetchedBlock, 0, len(headers))
	byNumber := make(map[uint64]*FetchedBlock, len(headers))
	for _, h := range headers {
		b := &FetchedBlock{Header: h, Logs: make([]ethTypes.Log, 0)}
		blocks = append(blocks, b)
		byNumber[h.Number] = b
	}
	for _, log := range logs {
		b, ok := byNumber[log.BlockNumber]
		if !ok {
			return nil, fmt.Errorf("log at block %d is outside of the fetched range", log.BlockNumber)
		}
		if log.BlockHash != (common.Hash{}) && log.BlockHash != b.Header.Hash {
			return nil, fmt.Errorf("log at block %d belongs to block %s, expected %s", log.BlockNumber, log.BlockHash.Hex(), b.Header.Hash.Hex())
		}
		b.Logs = append(b.Logs, log)
	}

	f.Logger.Sugar().Debugw("Fetched blocks",
		zap.Int("count", len(blocks)),
		zap.Int("logs", len(logs)),
		zap.Uint64("startBlock", fromBlock),
		zap.Uint64("endBlock", toBlock),
	)
	return blocks, nil
}

func (f *Fetcher) FetchBlockRangeWithRetries(ctx context.Context, fromBlock uint64, toBlock uint64, addresses []common.Address) ([]*FetchedBlock, error) {
	var e error
	for i := 0; i <= len(f.Config.RetryBackoffs); i++ {
		blocks, err := f.FetchBlockRange(ctx, fromBlock, toBlock, addresses)
		if err == nil {
			if i > 0 {
				f.Logger.Sugar().Infow("successfully fetched blocks for range after retries",
					zap.Uint64("startBlock", fromBlock),
					zap.Uint64("endBlock", toBlock),
					zap.Int("retries", i),
				)
			}
			return blocks, nil
		}
		e = err
		if i == len(f.Config.RetryBackoffs) {
			break
		}
		sleep := f.Config.RetryBackoffs[i]
		f.Logger.Sugar().Infow("failed to fetch blocks for range",
			zap.Uint64("startBlock", fromBlock),
			zap.Uint64("endBlock", toBlock),
			zap.Duration("sleepTime", sleep),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	f.Logger.Sugar().Errorw("failed to fetch blocks for range, exhausted all retries",
		zap.Uint64("startBlock", fromBlock),
		zap.Uint64("endBlock", toBlock),
		zap.Error(e),
	)
	return nil, e
}
