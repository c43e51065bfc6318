package venueTypes

import (
	"context"
	"errors"

	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/stateRoot"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

var ErrStateNotFound = errors.New("venue has no state at the requested block")

// Snapshot is the read view of a venue state served to pricing consumers.
type Snapshot struct {
	Venue       string              `json:"venue"`
	Status      string              `json:"status"`
	BlockNumber uint64              `json:"blockNumber"`
	StateRoot   stateRoot.StateRoot `json:"stateRoot"`
	State       any                 `json:"state"`
}

// IVenue is a venue subscriber together with its read surface.
type IVenue interface {
	GetName() string
	GetAddresses() []common.Address
	Status() types.SubscriberStatus
	Initialize(ctx context.Context, blockNumber uint64) error
	Update(ctx context.Context, logs []ethTypes.Log, headers map[uint64]*types.BlockHeader) error
	Restart(ctx context.Context, blockNumber uint64) error

	// GetSnapshot returns the newest snapshot at or before blockNumber; 0 means latest.
	GetSnapshot(blockNumber uint64) (*Snapshot, error)
	// RegenerateSnapshot builds the state at blockNumber from the chain
	// without storing it.
	RegenerateSnapshot(ctx context.Context, blockNumber uint64) (*Snapshot, error)
	// ExportRows returns the snapshot at or before blockNumber as a slice of
	// csv-tagged structs, and the block of that snapshot.
	ExportRows(blockNumber uint64) (any, uint64, error)
}

// NewSnapshot merkleizes state and wraps its view.
func NewSnapshot[T stateRoot.Merkleizable](venue string, status types.SubscriberStatus, blockNumber uint64, state T, view func(T) any) (*Snapshot, error) {
	root, err := stateRoot.ComputeStateRoot(venue, blockNumber, state)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Venue:       venue,
		Status:      status.String(),
		BlockNumber: blockNumber,
		StateRoot:   root,
		State:       view(state),
	}, nil
}

// SnapshotSource is the read side of a stateful subscriber.
type SnapshotSource[T any] interface {
	GetSnapshot(blockNumber uint64) (T, uint64, bool)
	GetLatestState() (T, uint64, bool)
}

// Lookup resolves blockNumber (0 = latest) against a subscriber's store.
func Lookup[T any](source SnapshotSource[T], blockNumber uint64) (T, uint64, error) {
	var (
		state T
		at    uint64
		ok    bool
	)
	if blockNumber == 0 {
		state, at, ok = source.GetLatestState()
	} else {
		state, at, ok = source.GetSnapshot(blockNumber)
	}
	if !ok {
		return state, 0, ErrStateNotFound
	}
	return state, at, nil
}
