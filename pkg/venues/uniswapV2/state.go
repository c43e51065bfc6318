package uniswapV2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Layr-Labs/dex-sidecar/pkg/stateRoot"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const feeDenominator = 10_000

var (
	ErrPoolNotFound          = errors.New("pool not found")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientInput     = errors.New("insufficient input amount")
)

type Reserves struct {
	Reserve0           *uint256.Int
	Reserve1           *uint256.Int
	BlockTimestampLast uint32
}

func zeroReserves() Reserves {
	return Reserves{Reserve0: uint256.NewInt(0), Reserve1: uint256.NewInt(0)}
}

// Pool is immutable once it is part of a PoolSet.
type Pool struct {
	Address  common.Address
	Token0   common.Address
	Token1   common.Address
	Reserves Reserves
}

func (p *Pool) withReserves(r Reserves) *Pool {
	next := *p
	next.Reserves = r
	return &next
}

// PoolSet is the state of a uniswap v2 style venue. It is copy-on-write:
// every transition returns a new set sharing the untouched pools.
type PoolSet struct {
	pools map[common.Address]*Pool
}

func NewPoolSet(pools ...*Pool) *PoolSet {
	ps := &PoolSet{pools: make(map[common.Address]*Pool, len(pools))}
	for _, p := range pools {
		ps.pools[p.Address] = p
	}
	return ps
}

func (ps *PoolSet) Get(address common.Address) (*Pool, bool) {
	p, ok := ps.pools[address]
	return p, ok
}

func (ps *PoolSet) Len() int {
	return len(ps.pools)
}

// Addresses returns the pool addresses in ascending byte order.
func (ps *PoolSet) Addresses() []common.Address {
	return slices.SortedFunc(maps.Keys(ps.pools), func(a, b common.Address) int {
		return a.Cmp(b)
	})
}

// With returns a copy of the set with pools inserted or replaced.
func (ps *PoolSet) With(pools ...*Pool) *PoolSet {
	next := &PoolSet{pools: maps.Clone(ps.pools)}
	if next.pools == nil {
		next.pools = make(map[common.Address]*Pool, len(pools))
	}
	for _, p := range pools {
		next.pools[p.Address] = p
	}
	return next
}

func (ps *PoolSet) Leaves() []*stateRoot.Leaf {
	leaves := make([]*stateRoot.Leaf, 0, len(ps.pools))
	for _, addr := range ps.Addresses() {
		p := ps.pools[addr]
		r0 := p.Reserves.Reserve0.Bytes32()
		r1 := p.Reserves.Reserve1.Bytes32()

		value := make([]byte, 0, 2*common.AddressLength+64+4)
		value = append(value, p.Token0.Bytes()...)
		value = append(value, p.Token1.Bytes()...)
		value = append(value, r0[:]...)
		value = append(value, r1[:]...)
		value = binary.BigEndian.AppendUint32(value, p.Reserves.BlockTimestampLast)

		leaves = append(leaves, &stateRoot.Leaf{
			Key:   strings.ToLower(addr.Hex()),
			Value: value,
		})
	}
	return leaves
}

// GetAmountOut quotes a swap of amountIn through pool with the constant
// product formula and a fee in basis points.
func GetAmountOut(ps *PoolSet, pool common.Address, amountIn *uint256.Int, zeroForOne bool, feeBps uint64) (*uint256.Int, error) {
	p, ok := ps.Get(pool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, pool.Hex())
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, ErrInsufficientInput
	}
	if feeBps >= feeDenominator {
		return nil, fmt.Errorf("fee %d bps is not below %d", feeBps, feeDenominator)
	}

	reserveIn, reserveOut := p.Reserves.Reserve0, p.Reserves.Reserve1
	if !zeroForOne {
		reserveIn, reserveOut = reserveOut, reserveIn
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrInsufficientLiquidity
	}

	amountInWithFee, overflow := new(uint256.Int).MulOverflow(amountIn, uint256.NewInt(feeDenominator-feeBps))
	if overflow {
		return nil, errors.New("amount in overflows")
	}
	numerator, overflow := new(uint256.Int).MulOverflow(amountInWithFee, reserveOut)
	if overflow {
		return nil, errors.New("amount in overflows")
	}
	denominator, overflow := new(uint256.Int).MulOverflow(reserveIn, uint256.NewInt(feeDenominator))
	if overflow {
		return nil, errors.New("reserve overflows")
	}
	denominator, overflow = denominator.AddOverflow(denominator, amountInWithFee)
	if overflow {
		return nil, errors.New("amount in overflows")
	}
	return new(uint256.Int).Div(numerator, denominator), nil
}

// PoolRow is the flat view of a pool used by the rpc server and csv export.
type PoolRow struct {
	Address            string `json:"address" csv:"address"`
	Token0             string `json:"token0" csv:"token0"`
	Token1             string `json:"token1" csv:"token1"`
	Reserve0           string `json:"reserve0" csv:"reserve0"`
	Reserve1           string `json:"reserve1" csv:"reserve1"`
	BlockTimestampLast uint32 `json:"blockTimestampLast" csv:"block_timestamp_last"`
}

func (ps *PoolSet) Rows() []*PoolRow {
	rows := make([]*PoolRow, 0, len(ps.pools))
	for _, addr := range ps.Addresses() {
		p := ps.pools[addr]
		rows = append(rows, &PoolRow{
			Address:            p.Address.Hex(),
			Token0:             p.Token0.Hex(),
			Token1:             p.Token1.Hex(),
			Reserve0:           p.Reserves.Reserve0.Dec(),
			Reserve1:           p.Reserves.Reserve1.Dec(),
			BlockTimestampLast: p.Reserves.BlockTimestampLast,
		})
	}
	return rows
}
