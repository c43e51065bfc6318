package multicallContractCaller

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	goEthereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize     = 200
	defaultMaxConcurrent = 4
)

const Multicall3Abi = `[{"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"payable","type":"function"}]`

var multicall3 = mustParseAbi(Multicall3Abi)

func mustParseAbi(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// Call3 and Result3 mirror the Multicall3 aggregate3 tuples.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type Result3 struct {
	Success    bool
	ReturnData []byte
}

// MulticallContractCaller batches calls through a Multicall3 deployment,
// one eth_call per chunk of BatchSize calls.
type MulticallContractCaller struct {
	EthereumClient goEthereum.ContractCaller
	Address        common.Address
	BatchSize      int
	Logger         *zap.Logger
}

func NewMulticallContractCaller(ec goEthereum.ContractCaller, address common.Address, batchSize int, l *zap.Logger) *MulticallContractCaller {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &MulticallContractCaller{
		EthereumClient: ec,
		Address:        address,
		BatchSize:      batchSize,
		Logger:         l,
	}
}

func (cc *MulticallContractCaller) Aggregate(ctx context.Context, calls []*contractCaller.Call, blockNumber uint64) ([]*contractCaller.Result, error) {
	results := make([]*contractCaller.Result, len(calls))
	if len(calls) == 0 {
		return results, nil
	}

	chunks := slices.Collect(slices.Chunk(calls, cc.BatchSize))
	p := pool.New().WithMaxGoroutines(defaultMaxConcurrent).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, chunk := range chunks {
		offset := i * cc.BatchSize
		p.Go(func(ctx context.Context) error {
			chunkResults, err := cc.aggregateChunk(ctx, chunk, blockNumber)
			if err != nil {
				cc.Logger.Sugar().Errorw("Failed to execute multicall chunk",
					zap.Int("chunk", i),
					zap.Int("calls", len(chunk)),
					zap.Uint64("blockNumber", blockNumber),
					zap.Error(err),
				)
				return err
			}
			copy(results[offset:], chunkResults)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	cc.Logger.Sugar().Debugw("Executed multicall",
		zap.Int("calls", len(calls)),
		zap.Int("chunks", len(chunks)),
		zap.Uint64("blockNumber", blockNumber),
	)
	return results, nil
}

func (cc *MulticallContractCaller) aggregateChunk(ctx context.Context, calls []*contractCaller.Call, blockNumber uint64) ([]*contractCaller.Result, error) {
	call3s := make([]Call3, 0, len(calls))
	for _, c := range calls {
		call3s = append(call3s, Call3{
			Target:       c.Target,
			AllowFailure: true,
			CallData:     c.CallData,
		})
	}

	data, err := multicall3.Pack("aggregate3", call3s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack aggregate3")
	}

	var bigBlockNumber *big.Int
	if blockNumber > 0 {
		bigBlockNumber = new(big.Int).SetUint64(blockNumber)
	}
	to := cc.Address
	out, err := cc.EthereumClient.CallContract(ctx, goEthereum.CallMsg{To: &to, Data: data}, bigBlockNumber)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate3 call failed")
	}

	unpacked, err := multicall3.Unpack("aggregate3", out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpack aggregate3")
	}
	if len(unpacked) != 1 {
		return nil, fmt.Errorf("unexpected aggregate3 output length %d", len(unpacked))
	}
	result3s := *abi.ConvertType(unpacked[0], new([]Result3)).(*[]Result3)
	if len(result3s) != len(calls) {
		return nil, fmt.Errorf("expected %d multicall results, got %d", len(calls), len(result3s))
	}

	results := make([]*contractCaller.Result, 0, len(calls))
	for i, r := range result3s {
		results = append(results, &contractCaller.Result{
			Call:       calls[i],
			Success:    r.Success,
			ReturnData: r.ReturnData,
		})
	}
	return results, nil
}
