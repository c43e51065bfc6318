package perpVault

import (
	"encoding/binary"
	"maps"
	"math/big"
	"slices"
	"strings"

	"github.com/Layr-Labs/dex-sidecar/pkg/lens"
	"github.com/Layr-Labs/dex-sidecar/pkg/stateRoot"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"
)

// VaultState is the composite tracked by the venue: the vault's token
// accounting and the oracle answers used to price it.
type VaultState struct {
	Vault  PoolAmounts
	Oracle OraclePrices
}

var (
	VaultLens = lens.New(
		func(s VaultState) PoolAmounts { return s.Vault },
		func(f PoolAmounts, s VaultState) VaultState {
			s.Vault = f
			return s
		},
	)
	OracleLens = lens.New(
		func(s VaultState) OraclePrices { return s.Oracle },
		func(f OraclePrices, s VaultState) VaultState {
			s.Oracle = f
			return s
		},
	)
)

type TokenAmounts struct {
	PoolAmount     *uint256.Int
	ReservedAmount *uint256.Int
	UsdgAmount     *uint256.Int
}

func zeroTokenAmounts() *TokenAmounts {
	return &TokenAmounts{
		PoolAmount:     uint256.NewInt(0),
		ReservedAmount: uint256.NewInt(0),
		UsdgAmount:     uint256.NewInt(0),
	}
}

// PoolAmounts is copy-on-write; TokenAmounts values are never edited in place.
type PoolAmounts struct {
	Tokens map[common.Address]*TokenAmounts
}

func NewPoolAmounts(tokens ...common.Address) PoolAmounts {
	pa := PoolAmounts{Tokens: make(map[common.Address]*TokenAmounts, len(tokens))}
	for _, t := range tokens {
		pa.Tokens[t] = zeroTokenAmounts()
	}
	return pa
}

func (pa PoolAmounts) Get(token common.Address) (*TokenAmounts, bool) {
	a, ok := pa.Tokens[token]
	return a, ok
}

func (pa PoolAmounts) With(token common.Address, amounts *TokenAmounts) PoolAmounts {
	next := PoolAmounts{Tokens: maps.Clone(pa.Tokens)}
	if next.Tokens == nil {
		next.Tokens = make(map[common.Address]*TokenAmounts)
	}
	next.Tokens[token] = amounts
	return next
}

// OracleAnswer is the latest answer of one price aggregator.
type OracleAnswer struct {
	Aggregator common.Address
	Token      common.Address
	Answer     *big.Int
	RoundId    *big.Int
	UpdatedAt  uint64
	// ObservedAt is the timestamp of the block the answer was seen in.
	ObservedAt uint64
}

type OraclePrices struct {
	Feeds map[common.Address]*OracleAnswer
}

func NewOraclePrices() OraclePrices {
	return OraclePrices{Feeds: make(map[common.Address]*OracleAnswer)}
}

func (op OraclePrices) Get(aggregator common.Address) (*OracleAnswer, bool) {
	a, ok := op.Feeds[aggregator]
	return a, ok
}

// GetByToken returns the answer of the aggregator pricing token.
func (op OraclePrices) GetByToken(token common.Address) (*OracleAnswer, bool) {
	for _, a := range op.Feeds {
		if a.Token == token {
			return a, true
		}
	}
	return nil, false
}

func (op OraclePrices) With(answer *OracleAnswer) OraclePrices {
	next := OraclePrices{Feeds: maps.Clone(op.Feeds)}
	if next.Feeds == nil {
		next.Feeds = make(map[common.Address]*OracleAnswer)
	}
	next.Feeds[answer.Aggregator] = answer
	return next
}

func sortedAddresses[V any](m map[common.Address]V) []common.Address {
	return slices.SortedFunc(maps.Keys(m), func(a, b common.Address) int {
		return a.Cmp(b)
	})
}

// Leaves covers everything regeneration can reproduce. ObservedAt is left
// out since it depends on when the answer was seen.
func (s VaultState) Leaves() []*stateRoot.Leaf {
	leaves := make([]*stateRoot.Leaf, 0, len(s.Vault.Tokens)+len(s.Oracle.Feeds))

	for _, aggregator := range sortedAddresses(s.Oracle.Feeds) {
		a := s.Oracle.Feeds[aggregator]
		value := make([]byte, 0, common.AddressLength+72)
		value = append(value, a.Token.Bytes()...)
		value = append(value, math.U256Bytes(new(big.Int).Set(a.Answer))...)
		value = append(value, math.U256Bytes(new(big.Int).Set(a.RoundId))...)
		value = binary.BigEndian.AppendUint64(value, a.UpdatedAt)
		leaves = append(leaves, &stateRoot.Leaf{
			Key:   "oracle/" + strings.ToLower(aggregator.Hex()),
			Value: value,
		})
	}
	for _, token := range sortedAddresses(s.Vault.Tokens) {
		a := s.Vault.Tokens[token]
		pool := a.PoolAmount.Bytes32()
		reserved := a.ReservedAmount.Bytes32()
		usdg := a.UsdgAmount.Bytes32()
		value := make([]byte, 0, 96)
		value = append(value, pool[:]...)
		value = append(value, reserved[:]...)
		value = append(value, usdg[:]...)
		leaves = append(leaves, &stateRoot.Leaf{
			Key:   "vault/" + strings.ToLower(token.Hex()),
			Value: value,
		})
	}
	return leaves
}

// TokenRow is the flat per-token view used by the rpc server and csv export.
type TokenRow struct {
	Token          string `json:"token" csv:"token"`
	PoolAmount     string `json:"poolAmount" csv:"pool_amount"`
	ReservedAmount string `json:"reservedAmount" csv:"reserved_amount"`
	UsdgAmount     string `json:"usdgAmount" csv:"usdg_amount"`
	Aggregator     string `json:"aggregator,omitempty" csv:"aggregator"`
	Answer         string `json:"answer,omitempty" csv:"answer"`
	RoundId        string `json:"roundId,omitempty" csv:"round_id"`
	UpdatedAt      uint64 `json:"updatedAt,omitempty" csv:"updated_at"`
}

func (s VaultState) Rows() []*TokenRow {
	rows := make([]*TokenRow, 0, len(s.Vault.Tokens))
	for _, token := range sortedAddresses(s.Vault.Tokens) {
		a := s.Vault.Tokens[token]
		row := &TokenRow{
			Token:          token.Hex(),
			PoolAmount:     a.PoolAmount.Dec(),
			ReservedAmount: a.ReservedAmount.Dec(),
			UsdgAmount:     a.UsdgAmount.Dec(),
		}
		if answer, ok := s.Oracle.GetByToken(token); ok {
			row.Aggregator = answer.Aggregator.Hex()
			row.Answer = answer.Answer.String()
			row.RoundId = answer.RoundId.String()
			row.UpdatedAt = answer.UpdatedAt
		}
		rows = append(rows, row)
	}
	return rows
}
