package stateRoot

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	MerkleLeafPrefix_Venue = []byte{0x00}
	MerkleLeafPrefix_Block = []byte{0x01}
	MerkleLeafPrefix_Entry = []byte{0x02}
)

type StateRoot string

// Leaf is one keyed entry of a venue state, e.g. a pool and its reserves.
type Leaf struct {
	Key   string
	Value []byte
}

// Merkleizable is implemented by venue states. Leaves must be sorted by key
// and keys must be unique.
type Merkleizable interface {
	Leaves() []*Leaf
}

// Merkleize builds a tree whose first leaves identify the venue and block,
// followed by the state's leaves in key order.
func Merkleize(venue string, blockNumber uint64, leaves []*Leaf) (*merkletree.MerkleTree, error) {
	om := orderedmap.New[string, []byte]()

	for _, leaf := range leaves {
		if _, found := om.Get(leaf.Key); found {
			return nil, fmt.Errorf("duplicate leaf key %s", leaf.Key)
		}
		om.Set(leaf.Key, leaf.Value)

		prev := om.GetPair(leaf.Key).Prev()
		if prev != nil && prev.Key > leaf.Key {
			return nil, errors.New("leaf keys are not in order")
		}
	}

	data := [][]byte{
		append(MerkleLeafPrefix_Venue, []byte(venue)...),
		append(MerkleLeafPrefix_Block, binary.BigEndian.AppendUint64([]byte{}, blockNumber)...),
	}
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		data = append(data, encodeLeaf(pair.Key, pair.Value))
	}
	return merkletree.NewTree(
		merkletree.WithData(data),
		merkletree.WithHashType(keccak256.New()),
	)
}

func encodeLeaf(key string, value []byte) []byte {
	leaf := make([]byte, 0, len(MerkleLeafPrefix_Entry)+len(key)+1+len(value))
	leaf = append(leaf, MerkleLeafPrefix_Entry...)
	leaf = append(leaf, []byte(key)...)
	// separator keeps ("ab", "c") and ("a", "bc") apart
	leaf = append(leaf, 0x00)
	return append(leaf, value...)
}

func ComputeStateRoot(venue string, blockNumber uint64, state Merkleizable) (StateRoot, error) {
	tree, err := Merkleize(venue, blockNumber, state.Leaves())
	if err != nil {
		return "", errors.Wrapf(err, "failed to merkleize %s at block %d", venue, blockNumber)
	}
	return StateRoot(hexutil.Encode(tree.Root())), nil
}
