package statefulSubscriber

import (
	"context"

	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

// StateHandler is implemented by every venue integration.
//
// ProcessLog must be a pure transition: it returns a new state and never
// mutates the one it receives. Returning an error (including
// types.ErrLogNotRecognized) means the log leaves the state unchanged.
//
// GenerateState rebuilds the state at blockNumber from authoritative
// on-chain reads (or a replay from a known genesis block). It may block on
// network I/O and is the only method allowed to.
type StateHandler[T any] interface {
	GetName() string
	GetAddresses() []common.Address
	ProcessLog(state T, log ethTypes.Log, header *types.BlockHeader) (T, error)
	GenerateState(ctx context.Context, blockNumber uint64) (T, error)
}

// BlockLogsProcessor overrides the default per-log fold for one block.
// Returning false signals that the state is unknown and must be regenerated.
type BlockLogsProcessor[T any] interface {
	ProcessBlockLogs(state T, logs []ethTypes.Log, header *types.BlockHeader) (T, bool)
}

// AddressDiscoverer lets factory-style venues grow their subscribed address
// set from the state they track. It is called after every stored snapshot
// and may return addresses that are already subscribed.
type AddressDiscoverer[T any] interface {
	DiscoverAddresses(state T) []common.Address
}
