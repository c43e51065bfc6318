package stateRoot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leafState []*Leaf

func (s leafState) Leaves() []*Leaf { return s }

func Test_StateRoot(t *testing.T) {
	t.Run("Should produce the same root for the same state", func(t *testing.T) {
		s := leafState{{Key: "a", Value: []byte{1}}, {Key: "b", Value: []byte{2}}}

		r1, err := ComputeStateRoot("uniswap", 100, s)
		require.Nil(t, err)
		r2, err := ComputeStateRoot("uniswap", 100, s)
		require.Nil(t, err)
		assert.Equal(t, r1, r2)
		assert.Len(t, string(r1), 66)
	})
	t.Run("Should produce different roots for different values, blocks and venues", func(t *testing.T) {
		base, err := ComputeStateRoot("uniswap", 100, leafState{{Key: "a", Value: []byte{1}}})
		require.Nil(t, err)

		otherValue, err := ComputeStateRoot("uniswap", 100, leafState{{Key: "a", Value: []byte{2}}})
		require.Nil(t, err)
		otherBlock, err := ComputeStateRoot("uniswap", 101, leafState{{Key: "a", Value: []byte{1}}})
		require.Nil(t, err)
		otherVenue, err := ComputeStateRoot("vault", 100, leafState{{Key: "a", Value: []byte{1}}})
		require.Nil(t, err)

		assert.NotEqual(t, base, otherValue)
		assert.NotEqual(t, base, otherBlock)
		assert.NotEqual(t, base, otherVenue)
	})
	t.Run("Should not confuse key and value boundaries", func(t *testing.T) {
		r1, err := ComputeStateRoot("v", 1, leafState{{Key: "ab", Value: []byte("c")}})
		require.Nil(t, err)
		r2, err := ComputeStateRoot("v", 1, leafState{{Key: "a", Value: []byte("bc")}})
		require.Nil(t, err)
		assert.NotEqual(t, r1, r2)
	})
	t.Run("Should reject unordered or duplicate leaves", func(t *testing.T) {
		_, err := ComputeStateRoot("v", 1, leafState{{Key: "b"}, {Key: "a"}})
		assert.NotNil(t, err)

		_, err = ComputeStateRoot("v", 1, leafState{{Key: "a"}, {Key: "a"}})
		assert.NotNil(t, err)
	})
	t.Run("Should merkleize an empty state", func(t *testing.T) {
		root, err := ComputeStateRoot("v", 1, leafState{})
		require.Nil(t, err)
		assert.NotEmpty(t, root)
	})
}
