package ethereum

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	goEthereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var ErrBlockNotFound = errors.New("block not found")

type RequestMethod struct {
	Name    string
	Timeout time.Duration
}

type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint   `json:"id"`
}

type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint           `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

var jsonRPCVersion = "2.0"

// IsExecutionReverted reports whether err is a contract revert returned by eth_call.
func IsExecutionReverted(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(rpcErr.Message, "execution reverted")
	}
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

type EthereumClientConfig struct {
	BaseUrl             string
	WsUrl               string
	NativeBatchCallSize int // Number of calls to put in a single batch request
	RequestTimeout      time.Duration
	// RetryBackoffs is the wait before each retry of a failed request
	RetryBackoffs []time.Duration
}

func ConvertGlobalConfigToEthereumConfig(cfg *config.EthereumRpcConfig) *EthereumClientConfig {
	c := DefaultEthereumClientConfig()
	c.BaseUrl = cfg.RpcUrl
	c.WsUrl = cfg.WsUrl
	if cfg.ContractCallBatchSize > 0 {
		c.NativeBatchCallSize = cfg.ContractCallBatchSize
	}
	if cfg.RequestTimeout > 0 {
		c.RequestTimeout = cfg.RequestTimeout
	}
	return c
}

func DefaultEthereumClientConfig() *EthereumClientConfig {
	return &EthereumClientConfig{
		NativeBatchCallSize: 500,
		RequestTimeout:      time.Second * 10,
		RetryBackoffs: []time.Duration{
			time.Second * 1,
			time.Second * 3,
			time.Second * 5,
			time.Second * 10,
			time.Second * 20,
		},
	}
}

type Client struct {
	Logger       *zap.Logger
	httpClient   *http.Client
	clientConfig *EthereumClientConfig

	wsLock   sync.Mutex
	wsClient *ethclient.Client
}

func NewClient(cfg *EthereumClientConfig, l *zap.Logger) *Client {
	client := &http.Client{
		Timeout: cfg.RequestTimeout,
	}

	l.Sugar().Infow("Creating new Ethereum client",
		zap.String("baseUrl", cfg.BaseUrl),
		zap.Bool("websocket", cfg.WsUrl != ""),
	)

	return &Client{
		httpClient:   client,
		Logger:       l,
		clientConfig: cfg,
	}
}

func (c *Client) SetHttpClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) HasWebsocket() bool {
	return c.clientConfig.WsUrl != ""
}

func (c *Client) getWebsocketClient(ctx context.Context) (*ethclient.Client, error) {
	c.wsLock.Lock()
	defer c.wsLock.Unlock()

	if c.wsClient != nil {
		return c.wsClient, nil
	}
	wsc, err := ethclient.DialContext(ctx, c.clientConfig.WsUrl)
	if err != nil {
		c.Logger.Sugar().Errorw("Failed to dial websocket client", zap.Error(err))
		return nil, err
	}
	c.wsClient = wsc
	return wsc, nil
}

func (c *Client) closeWebsocketClient() {
	c.wsLock.Lock()
	defer c.wsLock.Unlock()
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}

// ListenForNewBlocks subscribes to new heads over the websocket endpoint and
// calls recvBlockHandler for each until ctx is done or the subscription fails.
func (c *Client) ListenForNewBlocks(ctx context.Context, recvBlockHandler func(header *types.BlockHeader) error) error {
	wsc, err := c.getWebsocketClient(ctx)
	if err != nil {
		return err
	}

	ch := make(chan *ethTypes.Header)
	sub, err := wsc.SubscribeNewHead(ctx, ch)
	if err != nil {
		c.closeWebsocketClient()
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case err := <-sub.Err():
			c.Logger.Sugar().Errorw("New head subscription failed", zap.Error(err))
			c.closeWebsocketClient()
			return err
		case header := <-ch:
			if err := recvBlockHandler(types.NewBlockHeader(header)); err != nil {
				c.Logger.Sugar().Errorw("Failed to handle new head", zap.Error(err))
			}
		case <-ctx.Done():
			c.Logger.Sugar().Infow("Stopped listening for new blocks")
			return nil
		}
	}
}

func (c *Client) GetBlockNumberUint64(ctx context.Context) (uint64, error) {
	res, err := c.Call(ctx, GetBlockRequest(1))
	if err != nil {
		return 0, err
	}
	return RPCMethod_GetBlock.ResponseParser(res.Result)
}

func (c *Client) GetBlockHeader(ctx context.Context, blockNumber uint64) (*types.BlockHeader, error) {
	res, err := c.Call(ctx, GetBlockByNumberRequest(blockNumber, 1))
	if err != nil {
		return nil, err
	}
	header, err := RPCMethod_getBlockByNumber.ResponseParser(res.Result)
	if err != nil {
		c.Logger.Sugar().Errorw("failed to parse block header",
			zap.Uint64("blockNumber", blockNumber),
			zap.Error(err),
		)
		return nil, err
	}
	return header.ToBlockHeader(), nil
}

// GetBlockHeaders fetches the headers of [fromBlock, toBlock] in batches.
func (c *Client) GetBlockHeaders(ctx context.Context, fromBlock uint64, toBlock uint64) ([]*types.BlockHeader, error) {
	if toBlock < fromBlock {
		return make([]*types.BlockHeader, 0), nil
	}
	requests := make([]*RPCRequest, 0, toBlock-fromBlock+1)
	for i := fromBlock; i <= toBlock; i++ {
		requests = append(requests, GetBlockByNumberRequest(i, uint(i-fromBlock)))
	}

	responses, err := c.BatchCall(ctx, requests)
	if err != nil {
		return nil, err
	}
	if len(responses) != len(requests) {
		return nil, fmt.Errorf("expected %d block headers, got %d", len(requests), len(responses))
	}

	headers := make([]*types.BlockHeader, 0, len(responses))
	for _, res := range responses {
		if res.Error != nil {
			return nil, res.Error
		}
		header, err := RPCMethod_getBlockByNumber.ResponseParser(res.Result)
		if err != nil {
			return nil, err
		}
		headers = append(headers, header.ToBlockHeader())
	}
	return headers, nil
}

func (h *EthereumBlockHeader) ToBlockHeader() *types.BlockHeader {
	return &types.BlockHeader{
		Number:     uint64(h.Number),
		Hash:       h.Hash,
		ParentHash: h.ParentHash,
		Timestamp:  uint64(h.Timestamp),
	}
}

func (c *Client) GetLogs(ctx context.Context, fromBlock uint64, toBlock uint64, addresses []common.Address) ([]ethTypes.Log, error) {
	res, err := c.Call(ctx, GetLogsRequest(fromBlock, toBlock, addresses, 1))
	if err != nil {
		return nil, err
	}
	logs, err := RPCMethod_getLogs.ResponseParser(res.Result)
	if err != nil {
		c.Logger.Sugar().Errorw("failed to parse logs",
			zap.Uint64("fromBlock", fromBlock),
			zap.Uint64("toBlock", toBlock),
			zap.Error(err),
		)
		return nil, err
	}
	// logs of removed (reorged) blocks are never applied
	return slices.DeleteFunc(logs, func(l ethTypes.Log) bool { return l.Removed }), nil
}

func blockNumberFromBig(blockNumber *big.Int) uint64 {
	if blockNumber == nil {
		return 0
	}
	return blockNumber.Uint64()
}

// CallContract executes an eth_call; a nil blockNumber means latest.
func (c *Client) CallContract(ctx context.Context, msg goEthereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil {
		return nil, errors.New("eth_call requires a target address")
	}
	res, err := c.Call(ctx, CallRequest(*msg.To, msg.Data, blockNumberFromBig(blockNumber), 1))
	if err != nil {
		return nil, err
	}
	return RPCMethod_call.ResponseParser(res.Result)
}

func (c *Client) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	res, err := c.Call(ctx, GetCodeRequest(contract, blockNumberFromBig(blockNumber), 1))
	if err != nil {
		return nil, err
	}
	return RPCMethod_getCode.ResponseParser(res.Result)
}

func (c *Client) batchCall(ctx context.Context, requests []*RPCRequest) ([]*RPCResponse, error) {
	if len(requests) == 0 {
		return make([]*RPCResponse, 0), nil
	}
	requestBody, err := json.Marshal(requests)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal requests")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*20)
	defer cancel()

	responseBody, err := c.post(ctx, requestBody)
	if err != nil {
		return nil, err
	}

	destination := []*RPCResponse{}
	if bytes.HasPrefix(bytes.TrimSpace(responseBody), []byte("{")) {
		errorResponse := RPCResponse{}
		if err := json.Unmarshal(responseBody, &errorResponse); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal error response")
		}
		if errorResponse.Error != nil {
			return nil, errorResponse.Error
		}
		return nil, fmt.Errorf("unexpected payload returned from batch call: %s", string(responseBody))
	}
	if err := json.Unmarshal(responseBody, &destination); err != nil {
		c.Logger.Sugar().Errorw("failed to unmarshal batch call response",
			zap.Error(err),
			zap.String("response", string(responseBody)),
		)
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return destination, nil
}

// BatchCall sends the requests as JSON-RPC batches of NativeBatchCallSize,
// concurrently, and returns the responses sorted by request id.
func (c *Client) BatchCall(ctx context.Context, requests []*RPCRequest) ([]*RPCResponse, error) {
	if len(requests) == 0 {
		c.Logger.Sugar().Warnw("No requests to batch call")
		return make([]*RPCResponse, 0), nil
	}
	batchSize := max(c.clientConfig.NativeBatchCallSize, 1)
	batches := slices.Collect(slices.Chunk(requests, batchSize))
	c.Logger.Sugar().Debugw("Batching requests",
		zap.Int("requests", len(requests)),
		zap.Int("batches", len(batches)),
	)

	p := pool.NewWithResults[[]*RPCResponse]().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, batch := range batches {
		p.Go(func(ctx context.Context) ([]*RPCResponse, error) {
			res, err := c.batchCall(ctx, batch)
			if err != nil {
				c.Logger.Sugar().Errorw("failed to batch call", zap.Int("batch", i), zap.Error(err))
				return nil, err
			}
			return res, nil
		})
	}
	batchResults, err := p.Wait()
	if err != nil {
		return nil, err
	}

	results := make([]*RPCResponse, 0, len(requests))
	for _, res := range batchResults {
		results = append(results, res...)
	}
	slices.SortFunc(results, func(i, j *RPCResponse) int {
		if i.ID == nil || j.ID == nil {
			return 0
		}
		return cmp.Compare(*i.ID, *j.ID)
	})
	return results, nil
}

func (c *Client) post(ctx context.Context, requestBody []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.clientConfig.BaseUrl, bytes.NewReader(requestBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to make request")
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read body")
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received http error code %+v", response.StatusCode)
	}
	return responseBody, nil
}

func (c *Client) call(ctx context.Context, rpcRequest *RPCRequest) (*RPCResponse, error) {
	requestBody, err := json.Marshal(rpcRequest)
	if err != nil {
		return nil, err
	}
	c.Logger.Sugar().Debugw("Request body", zap.String("requestBody", string(requestBody)))

	responseBody, err := c.post(ctx, requestBody)
	if err != nil {
		return nil, err
	}

	destination := &RPCResponse{}
	if err := json.Unmarshal(responseBody, destination); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	if destination.Error != nil {
		return nil, destination.Error
	}
	return destination, nil
}

// Call sends a single request, retrying transport failures. Reverts are
// returned immediately since retrying cannot change their outcome.
func (c *Client) Call(ctx context.Context, rpcRequest *RPCRequest) (*RPCResponse, error) {
	res, err := c.call(ctx, rpcRequest)
	if err == nil {
		return res, nil
	}
	for i, backoff := range c.clientConfig.RetryBackoffs {
		if IsExecutionReverted(err) || ctx.Err() != nil {
			return nil, err
		}
		c.Logger.Sugar().Errorw("Failed to call",
			zap.String("method", rpcRequest.Method),
			zap.Int("attempt", i+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		res, err = c.call(ctx, rpcRequest)
		if err == nil {
			c.Logger.Sugar().Infow("Successfully called after backoff",
				zap.String("method", rpcRequest.Method),
				zap.Int("attempt", i+1),
			)
			return res, nil
		}
	}
	if len(c.clientConfig.RetryBackoffs) > 0 {
		c.Logger.Sugar().Errorw("Exceeded retries for Call", zap.String("method", rpcRequest.Method), zap.Error(err))
	}
	return nil, err
}
