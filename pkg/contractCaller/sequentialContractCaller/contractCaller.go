package sequentialContractCaller

import (
	"context"
	"math/big"
	"regexp"

	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	goEthereum "github.com/ethereum/go-ethereum"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const defaultMaxConcurrent = 10

// SequentialContractCaller issues one eth_call per Call. It is used when no
// Multicall3 deployment is available and for small batches.
type SequentialContractCaller struct {
	EthereumClient goEthereum.ContractCaller
	MaxConcurrent  int
	Logger         *zap.Logger
}

func NewSequentialContractCaller(ec goEthereum.ContractCaller, maxConcurrent int, l *zap.Logger) *SequentialContractCaller {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &SequentialContractCaller{
		EthereumClient: ec,
		MaxConcurrent:  maxConcurrent,
		Logger:         l,
	}
}

var executionRevertedRegex = regexp.MustCompile(`execution reverted`)

func isExecutionRevertedError(err error) bool {
	return executionRevertedRegex.MatchString(err.Error())
}

func (cc *SequentialContractCaller) Aggregate(ctx context.Context, calls []*contractCaller.Call, blockNumber uint64) ([]*contractCaller.Result, error) {
	results := make([]*contractCaller.Result, len(calls))

	var bigBlockNumber *big.Int
	if blockNumber > 0 {
		bigBlockNumber = new(big.Int).SetUint64(blockNumber)
	}

	p := pool.New().WithMaxGoroutines(cc.MaxConcurrent).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, call := range calls {
		p.Go(func(ctx context.Context) error {
			target := call.Target
			out, err := cc.EthereumClient.CallContract(ctx, goEthereum.CallMsg{To: &target, Data: call.CallData}, bigBlockNumber)
			if err != nil {
				if isExecutionRevertedError(err) {
					results[i] = &contractCaller.Result{Call: call, Success: false}
					return nil
				}
				cc.Logger.Sugar().Errorw("Failed to call contract",
					zap.String("target", target.Hex()),
					zap.String("method", call.Method),
					zap.Uint64("blockNumber", blockNumber),
					zap.Error(err),
				)
				return err
			}
			results[i] = &contractCaller.Result{Call: call, Success: true, ReturnData: out}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
