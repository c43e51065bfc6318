package types

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

// BlockHeader is the subset of a block header the subscribers care about.
type BlockHeader struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
}

func NewBlockHeader(h *ethTypes.Header) *BlockHeader {
	if h == nil {
		return nil
	}
	return &BlockHeader{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Timestamp:  h.Time,
	}
}

// IsChildOf reports whether h directly extends parent.
func (h *BlockHeader) IsChildOf(parent *BlockHeader) bool {
	if h == nil || parent == nil {
		return false
	}
	return h.Number == parent.Number+1 && h.ParentHash == parent.Hash
}

type Role int

const (
	Role_Primary Role = iota
	Role_Replica
)

func ParseRole(r string) Role {
	switch r {
	case "replica":
		return Role_Replica
	default:
		return Role_Primary
	}
}

func (r Role) String() string {
	switch r {
	case Role_Replica:
		return "replica"
	default:
		return "primary"
	}
}

// IsPrimary reports whether the process is allowed to drive active refreshes.
func (r Role) IsPrimary() bool {
	return r == Role_Primary
}

type SubscriberStatus int32

const (
	SubscriberStatus_Uninitialized SubscriberStatus = iota
	SubscriberStatus_Tracking
	SubscriberStatus_Resyncing
)

func (s SubscriberStatus) String() string {
	switch s {
	case SubscriberStatus_Tracking:
		return "tracking"
	case SubscriberStatus_Resyncing:
		return "resyncing"
	default:
		return "uninitialized"
	}
}

// SortLogs orders logs by (blockNumber, logIndex) in place.
func SortLogs(logs []ethTypes.Log) {
	slices.SortStableFunc(logs, CompareLogs)
}

func CompareLogs(a, b ethTypes.Log) int {
	if a.BlockNumber != b.BlockNumber {
		if a.BlockNumber < b.BlockNumber {
			return -1
		}
		return 1
	}
	if a.Index < b.Index {
		return -1
	}
	if a.Index > b.Index {
		return 1
	}
	return 0
}

// BlockLogs is every log of a single block, in application order.
type BlockLogs struct {
	BlockNumber uint64
	Logs        []ethTypes.Log
}

// GroupLogsByBlock returns the logs split per block, blocks ascending and
// logs within a block ordered by log index. The input is not modified.
func GroupLogsByBlock(logs []ethTypes.Log) []*BlockLogs {
	sorted := slices.Clone(logs)
	SortLogs(sorted)

	grouped := make([]*BlockLogs, 0)
	for _, log := range sorted {
		if len(grouped) == 0 || grouped[len(grouped)-1].BlockNumber != log.BlockNumber {
			grouped = append(grouped, &BlockLogs{
				BlockNumber: log.BlockNumber,
				Logs:        make([]ethTypes.Log, 0),
			})
		}
		last := grouped[len(grouped)-1]
		last.Logs = append(last.Logs, log)
	}
	return grouped
}

// AddressSet is a lookup-friendly view over a list of addresses.
type AddressSet map[common.Address]struct{}

func NewAddressSet(addresses ...common.Address) AddressSet {
	s := make(AddressSet, len(addresses))
	for _, a := range addresses {
		s[a] = struct{}{}
	}
	return s
}

func (s AddressSet) Contains(a common.Address) bool {
	_, ok := s[a]
	return ok
}
