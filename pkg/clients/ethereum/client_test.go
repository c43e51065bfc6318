package ethereum

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	goEthereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	json "github.com/goccy/go-json"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rpcUrl = "http://localhost:8545"

func setup(t *testing.T) (*Client, *httpmock.MockTransport) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)

	cfg := DefaultEthereumClientConfig()
	cfg.BaseUrl = rpcUrl
	cfg.NativeBatchCallSize = 2
	cfg.RetryBackoffs = []time.Duration{time.Millisecond, time.Millisecond}

	client := NewClient(cfg, l)
	transport := httpmock.NewMockTransport()
	client.SetHttpClient(&http.Client{Transport: transport})
	return client, transport
}

func headerJson(n uint64) string {
	return fmt.Sprintf(`{"number":"%s","hash":"%s","parentHash":"%s","timestamp":"0x%x"}`,
		hexutil.EncodeUint64(n),
		common.BigToHash(new(big.Int).SetUint64(n+1000)).Hex(),
		common.BigToHash(new(big.Int).SetUint64(n+999)).Hex(),
		1_700_000_000+n,
	)
}

func Test_Client(t *testing.T) {
	ctx := context.Background()

	t.Run("Should get the block number", func(t *testing.T) {
		client, transport := setup(t)
		transport.RegisterResponder(http.MethodPost, rpcUrl,
			httpmock.NewStringResponder(200, `{"jsonrpc":"2.0","id":1,"result":"0x1b4"}`))

		n, err := client.GetBlockNumberUint64(ctx)
		require.Nil(t, err)
		assert.Equal(t, uint64(436), n)
	})
	t.Run("Should fetch headers in batches and return them ordered", func(t *testing.T) {
		client, transport := setup(t)
		batches := atomic.Int32{}
		transport.RegisterResponder(http.MethodPost, rpcUrl, func(req *http.Request) (*http.Response, error) {
			batches.Add(1)
			body, _ := io.ReadAll(req.Body)
			requests := make([]*RPCRequest, 0)
			if err := json.Unmarshal(body, &requests); err != nil {
				return httpmock.NewStringResponse(400, err.Error()), nil
			}
			responses := make([]string, 0)
			// answer in reverse order
			for i := len(requests) - 1; i >= 0; i-- {
				params := requests[i].Params.([]interface{})
				n, _ := hexutil.DecodeUint64(params[0].(string))
				responses = append(responses, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, requests[i].ID, headerJson(n)))
			}
			return httpmock.NewStringResponse(200, "["+strings.Join(responses, ",")+"]"), nil
		})

		headers, err := client.GetBlockHeaders(ctx, 100, 104)
		require.Nil(t, err)
		require.Len(t, headers, 5)
		for i, h := range headers {
			assert.Equal(t, uint64(100+i), h.Number)
			assert.Equal(t, uint64(1_700_000_100+i), h.Timestamp)
		}
		assert.Equal(t, int32(3), batches.Load())
	})
	t.Run("Should drop removed logs", func(t *testing.T) {
		client, transport := setup(t)
		transport.RegisterResponder(http.MethodPost, rpcUrl, httpmock.NewStringResponder(200, `{"jsonrpc":"2.0","id":1,"result":[
			{"address":"0x0000000000000000000000000000000000000001","topics":["0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"],"data":"0x","blockNumber":"0x10","transactionHash":"0x0000000000000000000000000000000000000000000000000000000000000001","transactionIndex":"0x0","blockHash":"0x0000000000000000000000000000000000000000000000000000000000000002","logIndex":"0x3","removed":false},
			{"address":"0x0000000000000000000000000000000000000001","topics":[],"data":"0x","blockNumber":"0x10","transactionHash":"0x0000000000000000000000000000000000000000000000000000000000000001","transactionIndex":"0x0","blockHash":"0x0000000000000000000000000000000000000000000000000000000000000003","logIndex":"0x4","removed":true}
		]}`))

		logs, err := client.GetLogs(ctx, 16, 16, []common.Address{common.HexToAddress("0x1")})
		require.Nil(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, uint64(16), logs[0].BlockNumber)
		assert.Equal(t, uint(3), logs[0].Index)
	})
	t.Run("Should retry transport failures", func(t *testing.T) {
		client, transport := setup(t)
		calls := atomic.Int32{}
		transport.RegisterResponder(http.MethodPost, rpcUrl, func(req *http.Request) (*http.Response, error) {
			if calls.Add(1) == 1 {
				return httpmock.NewStringResponse(502, "bad gateway"), nil
			}
			return httpmock.NewStringResponse(200, `{"jsonrpc":"2.0","id":1,"result":"0x01"}`), nil
		})

		n, err := client.GetBlockNumberUint64(ctx)
		require.Nil(t, err)
		assert.Equal(t, uint64(1), n)
		assert.Equal(t, int32(2), calls.Load())
	})
	t.Run("Should not retry reverted calls", func(t *testing.T) {
		client, transport := setup(t)
		calls := atomic.Int32{}
		transport.RegisterResponder(http.MethodPost, rpcUrl, func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return httpmock.NewStringResponse(200, `{"jsonrpc":"2.0","id":1,"error":{"code":3,"message":"execution reverted"}}`), nil
		})

		to := common.HexToAddress("0x2")
		_, err := client.CallContract(ctx, goEthereum.CallMsg{To: &to, Data: []byte{0x01}}, nil)
		assert.NotNil(t, err)
		assert.True(t, IsExecutionReverted(err))
		assert.Equal(t, int32(1), calls.Load())
	})
	t.Run("Should return call data", func(t *testing.T) {
		client, transport := setup(t)
		transport.RegisterResponder(http.MethodPost, rpcUrl, func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			assert.Contains(t, string(body), `"0x1f"`)
			return httpmock.NewStringResponse(200, `{"jsonrpc":"2.0","id":1,"result":"0xdeadbeef"}`), nil
		})

		to := common.HexToAddress("0x2")
		out, err := client.CallContract(ctx, goEthereum.CallMsg{To: &to}, big.NewInt(31))
		require.Nil(t, err)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, out)
	})
}
