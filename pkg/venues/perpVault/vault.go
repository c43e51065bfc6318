package perpVault

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	pkgErrors "github.com/pkg/errors"
)

const VaultFragmentName = "vault"

var (
	ErrTokenNotTracked = errors.New("token is not tracked")
	ErrAmountUnderflow = errors.New("amount underflow")
)

type VaultEventKind int

const (
	VaultEventKind_IncreasePoolAmount VaultEventKind = iota
	VaultEventKind_DecreasePoolAmount
	VaultEventKind_IncreaseReservedAmount
	VaultEventKind_DecreaseReservedAmount
	VaultEventKind_IncreaseUsdgAmount
	VaultEventKind_DecreaseUsdgAmount
)

var vaultEventNames = map[VaultEventKind]string{
	VaultEventKind_IncreasePoolAmount:     "IncreasePoolAmount",
	VaultEventKind_DecreasePoolAmount:     "DecreasePoolAmount",
	VaultEventKind_IncreaseReservedAmount: "IncreaseReservedAmount",
	VaultEventKind_DecreaseReservedAmount: "DecreaseReservedAmount",
	VaultEventKind_IncreaseUsdgAmount:     "IncreaseUsdgAmount",
	VaultEventKind_DecreaseUsdgAmount:     "DecreaseUsdgAmount",
}

var vaultEventKinds = func() map[common.Hash]VaultEventKind {
	kinds := make(map[common.Hash]VaultEventKind, len(vaultEventNames))
	for kind, name := range vaultEventNames {
		kinds[VaultAbi.Events[name].ID] = kind
	}
	return kinds
}()

type VaultEvent struct {
	Kind   VaultEventKind
	Token  common.Address
	Amount *uint256.Int
}

func (e *VaultEvent) EventName() string {
	return vaultEventNames[e.Kind]
}

func (e *VaultEvent) isIncrease() bool {
	return e.Kind%2 == 0
}

// vaultHandler tracks pool, reserved and usdg amounts of the configured
// tokens from the vault's accounting events.
type vaultHandler struct {
	vault  common.Address
	tokens []common.Address
	caller contractCaller.IContractCaller
}

func (h *vaultHandler) GetName() string {
	return VaultFragmentName
}

func (h *vaultHandler) GetAddresses() []common.Address {
	return []common.Address{h.vault}
}

func (h *vaultHandler) Decode(log ethTypes.Log) (*VaultEvent, error) {
	if log.Address != h.vault || len(log.Topics) == 0 {
		return nil, types.ErrLogNotRecognized
	}
	kind, ok := vaultEventKinds[log.Topics[0]]
	if !ok {
		return nil, types.ErrLogNotRecognized
	}
	values, err := VaultAbi.Events[vaultEventNames[kind]].Inputs.Unpack(log.Data)
	if err != nil {
		return nil, pkgErrors.Wrapf(err, "failed to unpack %s", vaultEventNames[kind])
	}
	token, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("expected token address, got %T", values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected amount, got %T", values[1])
	}
	u, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("amount %s overflows uint256", amount.String())
	}
	return &VaultEvent{Kind: kind, Token: token, Amount: u}, nil
}

func (h *vaultHandler) ApplyLog(event *VaultEvent, state PoolAmounts, log ethTypes.Log, header *types.BlockHeader) (PoolAmounts, error) {
	current, ok := state.Get(event.Token)
	if !ok {
		return state, fmt.Errorf("%w: %s", ErrTokenNotTracked, event.Token.Hex())
	}

	next := *current
	var target **uint256.Int
	switch event.Kind {
	case VaultEventKind_IncreasePoolAmount, VaultEventKind_DecreasePoolAmount:
		target = &next.PoolAmount
	case VaultEventKind_IncreaseReservedAmount, VaultEventKind_DecreaseReservedAmount:
		target = &next.ReservedAmount
	case VaultEventKind_IncreaseUsdgAmount, VaultEventKind_DecreaseUsdgAmount:
		target = &next.UsdgAmount
	default:
		return state, fmt.Errorf("unknown vault event kind %d", event.Kind)
	}

	if event.isIncrease() {
		sum, overflow := new(uint256.Int).AddOverflow(*target, event.Amount)
		if overflow {
			return state, errors.New("amount overflow")
		}
		*target = sum
	} else {
		if (*target).Lt(event.Amount) {
			return state, fmt.Errorf("%w: %s below %s", ErrAmountUnderflow, (*target).Dec(), event.Amount.Dec())
		}
		*target = new(uint256.Int).Sub(*target, event.Amount)
	}
	return state.With(event.Token, &next), nil
}

func (h *vaultHandler) GenerateStateFragment(ctx context.Context, blockNumber uint64) (PoolAmounts, error) {
	calls := make([]*contractCaller.Call, 0, len(h.tokens)*3)
	for _, token := range h.tokens {
		calls = append(calls,
			contractCaller.MustDescribe(h.vault, &VaultAbi, "poolAmounts", token),
			contractCaller.MustDescribe(h.vault, &VaultAbi, "reservedAmounts", token),
			contractCaller.MustDescribe(h.vault, &VaultAbi, "usdgAmounts", token),
		)
	}
	results, err := h.caller.Aggregate(ctx, calls, blockNumber)
	if err != nil {
		return PoolAmounts{}, pkgErrors.Wrapf(err, "failed to read vault at block %d", blockNumber)
	}

	state := NewPoolAmounts()
	for i, token := range h.tokens {
		amounts := make([]*uint256.Int, 0, 3)
		for _, r := range results[i*3 : i*3+3] {
			v, err := contractCaller.Unpack[*big.Int](r)
			if err != nil {
				return PoolAmounts{}, err
			}
			u, overflow := uint256.FromBig(v)
			if overflow {
				return PoolAmounts{}, fmt.Errorf("%s overflows uint256", r.Call.Method)
			}
			amounts = append(amounts, u)
		}
		state.Tokens[token] = &TokenAmounts{
			PoolAmount:     amounts[0],
			ReservedAmount: amounts[1],
			UsdgAmount:     amounts[2],
		}
	}
	return state, nil
}
