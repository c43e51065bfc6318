package multicallContractCaller

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	goEthereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const balanceOfAbi = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

var (
	multicallAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	revertingToken   = common.HexToAddress("0xdead")
	owner            = common.HexToAddress("0xbeef")
)

// fakeChain answers aggregate3 calls by executing each inner balanceOf call
// against a fixed balance table.
type fakeChain struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	calls    int
	blocks   []*big.Int
	fail     bool
}

func (f *fakeChain) CallContract(ctx context.Context, msg goEthereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.blocks = append(f.blocks, blockNumber)
	f.mu.Unlock()

	if f.fail {
		return nil, fmt.Errorf("connection refused")
	}
	if *msg.To != multicallAddress {
		return nil, fmt.Errorf("unexpected target %s", msg.To.Hex())
	}
	method := multicall3.Methods["aggregate3"]
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	call3s := *abi.ConvertType(args[0], new([]Call3)).(*[]Call3)

	erc20, _ := abi.JSON(strings.NewReader(balanceOfAbi))
	results := make([]Result3, 0, len(call3s))
	for _, c := range call3s {
		balance, ok := f.balances[c.Target]
		if !ok || c.Target == revertingToken {
			results = append(results, Result3{Success: false})
			continue
		}
		out, _ := erc20.Methods["balanceOf"].Outputs.Pack(balance)
		results = append(results, Result3{Success: true, ReturnData: out})
	}
	return method.Outputs.Pack(results)
}

func Test_MulticallContractCaller(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)

	erc20, err := abi.JSON(strings.NewReader(balanceOfAbi))
	require.Nil(t, err)

	newChain := func(tokens int) (*fakeChain, []common.Address) {
		chain := &fakeChain{balances: map[common.Address]*big.Int{}}
		addrs := make([]common.Address, 0, tokens)
		for i := 0; i < tokens; i++ {
			addr := common.BigToAddress(big.NewInt(int64(1000 + i)))
			chain.balances[addr] = big.NewInt(int64(i * 10))
			addrs = append(addrs, addr)
		}
		return chain, addrs
	}

	t.Run("Should aggregate calls in order across chunks", func(t *testing.T) {
		chain, tokens := newChain(7)
		cc := NewMulticallContractCaller(chain, multicallAddress, 3, l)

		calls := make([]*contractCaller.Call, 0, len(tokens))
		for _, token := range tokens {
			calls = append(calls, contractCaller.MustDescribe(token, &erc20, "balanceOf", owner))
		}

		results, err := cc.Aggregate(context.Background(), calls, 100)
		require.Nil(t, err)
		require.Len(t, results, 7)
		for i, r := range results {
			assert.Equal(t, tokens[i], r.Call.Target)
			balance, err := contractCaller.Unpack[*big.Int](r)
			require.Nil(t, err)
			assert.Equal(t, int64(i*10), balance.Int64())
		}
		assert.Equal(t, 3, chain.calls)
		for _, b := range chain.blocks {
			assert.Equal(t, uint64(100), b.Uint64())
		}
	})
	t.Run("Should report reverted calls without failing the batch", func(t *testing.T) {
		chain, tokens := newChain(2)
		chain.balances[revertingToken] = big.NewInt(1)
		cc := NewMulticallContractCaller(chain, multicallAddress, 0, l)

		calls := []*contractCaller.Call{
			contractCaller.MustDescribe(tokens[0], &erc20, "balanceOf", owner),
			contractCaller.MustDescribe(revertingToken, &erc20, "balanceOf", owner),
			contractCaller.MustDescribe(tokens[1], &erc20, "balanceOf", owner),
		}
		results, err := cc.Aggregate(context.Background(), calls, 0)
		require.Nil(t, err)
		require.Len(t, results, 3)
		assert.True(t, results[0].Success)
		assert.False(t, results[1].Success)
		assert.True(t, results[2].Success)

		_, err = contractCaller.Unpack[*big.Int](results[1])
		assert.ErrorIs(t, err, contractCaller.ErrCallReverted)
		assert.Nil(t, chain.blocks[0])
	})
	t.Run("Should fail the batch when the multicall itself fails", func(t *testing.T) {
		chain, tokens := newChain(2)
		chain.fail = true
		cc := NewMulticallContractCaller(chain, multicallAddress, 1, l)

		calls := []*contractCaller.Call{
			contractCaller.MustDescribe(tokens[0], &erc20, "balanceOf", owner),
			contractCaller.MustDescribe(tokens[1], &erc20, "balanceOf", owner),
		}
		results, err := cc.Aggregate(context.Background(), calls, 5)
		assert.NotNil(t, err)
		assert.Nil(t, results)
	})
	t.Run("Should return nothing for an empty batch", func(t *testing.T) {
		chain, _ := newChain(0)
		cc := NewMulticallContractCaller(chain, multicallAddress, 10, l)

		results, err := cc.Aggregate(context.Background(), nil, 5)
		require.Nil(t, err)
		assert.Len(t, results, 0)
		assert.Equal(t, 0, chain.calls)
	})
}
