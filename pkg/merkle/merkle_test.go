package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qradle/pkg/crypto"
)

func TestMerkleTree_ThreeLeaves(t *testing.T) {
	h := crypto.SHA256()
	tree, err := BuildMerkleTree(h, map[string]any{
		"/a": "valueA",
		"/b": "valueB",
		"/c": "valueC",
	})
	require.NoError(t, err)
	require.Len(t, tree.Leaves, 3)

	// L3 is paired with itself on the first level.
	h1, h2, h3 := tree.Leaves[0].LeafHash, tree.Leaves[1].LeafHash, tree.Leaves[2].LeafHash
	n1 := buildNodeHash(h, h1, h2)
	n2 := buildNodeHash(h, h3, h3)
	assert.Equal(t, buildNodeHash(h, n1, n2), tree.Root)

	proof, err := tree.GenerateProof("/c")
	require.NoError(t, err)
	assert.Equal(t, []ProofStep{
		{Side: SideRight, SiblingHash: h3.String()},
		{Side: SideLeft, SiblingHash: n1.String()},
	}, proof.ProofPath)
	assert.True(t, VerifyInclusionProof(h, *proof, tree.Root.String()))

	bad := *proof
	bad.LeafHash = h1.String()
	assert.False(t, VerifyInclusionProof(h, bad, tree.Root.String()))
}

func TestMerkleTree_AllProofsVerify(t *testing.T) {
	h := crypto.SHA3256()
	for n := 1; n <= 9; n++ {
		data := make(map[string]any, n)
		for i := 0; i < n; i++ {
			data[fmt.Sprintf("k%02d", i)] = i
		}
		tree, err := BuildMerkleTree(h, data)
		require.NoError(t, err)
		for _, leaf := range tree.Leaves {
			proof, err := tree.GenerateProof(leaf.Path)
			require.NoError(t, err)
			assert.True(t, VerifyInclusionProof(h, *proof, tree.Root.String()), "n=%d path=%s", n, leaf.Path)
		}
	}
}

func TestMerkleTree_EmptyAndOrderIndependent(t *testing.T) {
	h := crypto.SHA256()
	empty, err := BuildMerkleTree(h, nil)
	require.NoError(t, err)
	assert.Equal(t, EmptyRoot(h), empty.Root)

	_, err = empty.GenerateProof("missing")
	assert.Error(t, err)

	t1, err := BuildMerkleTree(h, map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	t2, err := BuildMerkleTree(h, map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, t1.Root, t2.Root)
}

func TestLeafHashFor(t *testing.T) {
	h := crypto.SHA256()
	tree, err := BuildMerkleTree(h, map[string]any{"answer": 42})
	require.NoError(t, err)
	leaf, err := LeafHashFor(h, "answer", 42)
	require.NoError(t, err)
	assert.Equal(t, tree.Leaves[0].LeafHash, leaf)
	assert.Equal(t, leaf, tree.Root, "single leaf is the root")
}

func TestVerifyInclusionProof_RejectsUnknownSide(t *testing.T) {
	h := crypto.SHA256()
	tree, err := BuildMerkleTree(h, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	proof, err := tree.GenerateProof("a")
	require.NoError(t, err)
	proof.ProofPath[0].Side = "X"
	assert.False(t, VerifyInclusionProof(h, *proof, tree.Root.String()))
}
