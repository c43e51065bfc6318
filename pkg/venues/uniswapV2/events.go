package uniswapV2

import (
	"fmt"
	"math/big"

	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// PairEvent is one of SyncEvent, SwapEvent or PairCreatedEvent.
type PairEvent interface {
	EventName() string
	isPairEvent()
}

type SyncEvent struct {
	Pool     common.Address
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int
}

type SwapEvent struct {
	Pool       common.Address
	Sender     common.Address
	To         common.Address
	Amount0In  *uint256.Int
	Amount1In  *uint256.Int
	Amount0Out *uint256.Int
	Amount1Out *uint256.Int
}

type PairCreatedEvent struct {
	Factory common.Address
	Token0  common.Address
	Token1  common.Address
	Pair    common.Address
}

func (*SyncEvent) EventName() string        { return "Sync" }
func (*SwapEvent) EventName() string        { return "Swap" }
func (*PairCreatedEvent) EventName() string { return "PairCreated" }

func (*SyncEvent) isPairEvent()        {}
func (*SwapEvent) isPairEvent()        {}
func (*PairCreatedEvent) isPairEvent() {}

func toUint256(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected *big.Int, got %T", v)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("value %s overflows uint256", b.String())
	}
	return u, nil
}

func toUint256s(values []interface{}) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, 0, len(values))
	for _, v := range values {
		u, err := toUint256(v)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// DecodeLog decodes a pair or factory log. Logs with an unknown signature
// return types.ErrLogNotRecognized.
func DecodeLog(log ethTypes.Log) (PairEvent, error) {
	if len(log.Topics) == 0 {
		return nil, types.ErrLogNotRecognized
	}
	switch log.Topics[0] {
	case SyncEventId:
		values, err := PairAbi.Events["Sync"].Inputs.Unpack(log.Data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to unpack Sync")
		}
		reserves, err := toUint256s(values)
		if err != nil {
			return nil, err
		}
		return &SyncEvent{Pool: log.Address, Reserve0: reserves[0], Reserve1: reserves[1]}, nil

	case SwapEventId:
		if len(log.Topics) != 3 {
			return nil, fmt.Errorf("expected 3 topics for Swap, got %d", len(log.Topics))
		}
		values, err := PairAbi.Events["Swap"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to unpack Swap")
		}
		amounts, err := toUint256s(values)
		if err != nil {
			return nil, err
		}
		return &SwapEvent{
			Pool:       log.Address,
			Sender:     common.BytesToAddress(log.Topics[1].Bytes()),
			To:         common.BytesToAddress(log.Topics[2].Bytes()),
			Amount0In:  amounts[0],
			Amount1In:  amounts[1],
			Amount0Out: amounts[2],
			Amount1Out: amounts[3],
		}, nil

	case PairCreatedEventId:
		if len(log.Topics) != 3 {
			return nil, fmt.Errorf("expected 3 topics for PairCreated, got %d", len(log.Topics))
		}
		values, err := FactoryAbi.Events["PairCreated"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to unpack PairCreated")
		}
		pair, ok := values[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("expected pair address, got %T", values[0])
		}
		return &PairCreatedEvent{
			Factory: log.Address,
			Token0:  common.BytesToAddress(log.Topics[1].Bytes()),
			Token1:  common.BytesToAddress(log.Topics[2].Bytes()),
			Pair:    pair,
		}, nil
	}
	return nil, types.ErrLogNotRecognized
}
