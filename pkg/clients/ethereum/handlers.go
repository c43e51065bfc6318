package ethereum

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	json "github.com/goccy/go-json"
)

type ResponseParserFunc[T any] func(res json.RawMessage) (T, error)

type RequestResponseHandler[T any] struct {
	RequestMethod  *RequestMethod
	ResponseParser ResponseParserFunc[T]
}

// EthereumBlockHeader is the header part of an eth_getBlockByNumber response.
type EthereumBlockHeader struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
}

type LogFilter struct {
	FromBlock string           `json:"fromBlock"`
	ToBlock   string           `json:"toBlock"`
	Addresses []common.Address `json:"address,omitempty"`
	Topics    [][]common.Hash  `json:"topics,omitempty"`
}

type CallArgs struct {
	To   *common.Address `json:"to"`
	Data hexutil.Bytes   `json:"data"`
}

func unquote(res json.RawMessage) string {
	return strings.ReplaceAll(string(res), "\"", "")
}

var (
	RPCMethod_GetBlock = &RequestResponseHandler[uint64]{
		RequestMethod: &RequestMethod{
			Name:    "eth_blockNumber",
			Timeout: time.Second * 5,
		},
		ResponseParser: func(res json.RawMessage) (uint64, error) {
			return hexutil.DecodeUint64(unquote(res))
		},
	}
	RPCMethod_getBlockByNumber = &RequestResponseHandler[*EthereumBlockHeader]{
		RequestMethod: &RequestMethod{
			Name:    "eth_getBlockByNumber",
			Timeout: time.Second * 5,
		},
		ResponseParser: func(res json.RawMessage) (*EthereumBlockHeader, error) {
			if string(res) == "null" {
				return nil, ErrBlockNotFound
			}
			header := &EthereumBlockHeader{}
			if err := json.Unmarshal(res, header); err != nil {
				return nil, err
			}
			return header, nil
		},
	}
	RPCMethod_getLogs = &RequestResponseHandler[[]ethTypes.Log]{
		RequestMethod: &RequestMethod{
			Name:    "eth_getLogs",
			Timeout: time.Second * 30,
		},
		ResponseParser: func(res json.RawMessage) ([]ethTypes.Log, error) {
			logs := make([]ethTypes.Log, 0)
			if err := json.Unmarshal(res, &logs); err != nil {
				return nil, err
			}
			return logs, nil
		},
	}
	RPCMethod_call = &RequestResponseHandler[[]byte]{
		RequestMethod: &RequestMethod{
			Name:    "eth_call",
			Timeout: time.Second * 20,
		},
		ResponseParser: func(res json.RawMessage) ([]byte, error) {
			return hexutil.Decode(unquote(res))
		},
	}
	RPCMethod_getCode = &RequestResponseHandler[[]byte]{
		RequestMethod: &RequestMethod{
			Name:    "eth_getCode",
			Timeout: time.Second * 5,
		},
		ResponseParser: func(res json.RawMessage) ([]byte, error) {
			return hexutil.Decode(unquote(res))
		},
	}
)

// blockTag encodes a block number for a request; 0 means "latest".
func blockTag(blockNumber uint64) string {
	if blockNumber == 0 {
		return "latest"
	}
	return hexutil.EncodeUint64(blockNumber)
}

func GetBlockRequest(id uint) *RPCRequest {
	return &RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  RPCMethod_GetBlock.RequestMethod.Name,
		ID:      id,
	}
}

func GetBlockByNumberRequest(blockNumber uint64, id uint) *RPCRequest {
	return &RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  RPCMethod_getBlockByNumber.RequestMethod.Name,
		Params:  []interface{}{hexutil.EncodeUint64(blockNumber), false},
		ID:      id,
	}
}

func GetLogsRequest(fromBlock uint64, toBlock uint64, addresses []common.Address, id uint) *RPCRequest {
	return &RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  RPCMethod_getLogs.RequestMethod.Name,
		Params: []interface{}{&LogFilter{
			FromBlock: hexutil.EncodeUint64(fromBlock),
			ToBlock:   hexutil.EncodeUint64(toBlock),
			Addresses: addresses,
		}},
		ID: id,
	}
}

func CallRequest(to common.Address, data []byte, blockNumber uint64, id uint) *RPCRequest {
	return &RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  RPCMethod_call.RequestMethod.Name,
		Params:  []interface{}{&CallArgs{To: &to, Data: data}, blockTag(blockNumber)},
		ID:      id,
	}
}

func GetCodeRequest(address common.Address, blockNumber uint64, id uint) *RPCRequest {
	return &RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  RPCMethod_getCode.RequestMethod.Name,
		Params:  []interface{}{address, blockTag(blockNumber)},
		ID:      id,
	}
}
