// Package merkle builds Merkle trees over checkpoint state so individual keys
// can be proven against a checkpoint's state root.
package merkle

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/qradle/pkg/canonicalize"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
)

const (
	leafDomain  = "qradle:state:leaf:v1"
	nodeDomain  = "qradle:state:node:v1"
	emptyDomain = "qradle:state:empty:v1"
)

type MerkleLeaf struct {
	Path      string
	LeafBytes []byte
	LeafHash  crypto.Digest
}

type MerkleTree struct {
	Leaves []MerkleLeaf
	Root   crypto.Digest
	Nodes  [][]crypto.Digest // levels of node hashes, leaves first

	hasher crypto.Hasher
	index  map[string]int
}

// EmptyRoot is the root of a tree without leaves.
func EmptyRoot(h crypto.Hasher) crypto.Digest {
	return h.Sum([]byte(emptyDomain))
}

// BuildMerkleTree constructs a Merkle tree from a map of path->value. Leaves
// are ordered by path so the root is independent of map iteration order.
func BuildMerkleTree(h crypto.Hasher, data map[string]any) (*MerkleTree, error) {
	paths := make([]string, 0, len(data))
	for k := range data {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	tree := &MerkleTree{
		Leaves: make([]MerkleLeaf, len(paths)),
		hasher: h,
		index:  make(map[string]int, len(paths)),
	}
	for i, path := range paths {
		canBytes, err := canonicalize.JCS(data[path])
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %q: %w", path, err)
		}
		leafBytes := buildLeafBytes(path, canBytes)
		tree.Leaves[i] = MerkleLeaf{
			Path:      path,
			LeafBytes: leafBytes,
			LeafHash:  h.Sum(leafBytes),
		}
		tree.index[path] = i
	}

	if len(tree.Leaves) == 0 {
		tree.Root = EmptyRoot(h)
		return tree, nil
	}

	level := make([]crypto.Digest, len(tree.Leaves))
	for i, l := range tree.Leaves {
		level[i] = l.LeafHash
	}
	for len(level) > 1 {
		tree.Nodes = append(tree.Nodes, level)
		level = buildNextLevel(h, level)
	}
	tree.Nodes = append(tree.Nodes, level)
	tree.Root = level[0]

	return tree, nil
}

// GenerateProof returns the inclusion proof for the leaf at path.
func (t *MerkleTree) GenerateProof(path string) (*InclusionProof, error) {
	idx, ok := t.index[path]
	if !ok {
		return nil, fmt.Errorf("merkle: no leaf for path %q", path)
	}

	proof := &InclusionProof{
		LeafPath:   path,
		LeafHash:   t.Leaves[idx].LeafHash.String(),
		MerkleRoot: t.Root.String(),
	}
	for _, level := range t.Nodes[:len(t.Nodes)-1] {
		var step ProofStep
		if idx%2 == 0 {
			sibling := idx + 1
			if sibling >= len(level) {
				sibling = idx // odd level: last node paired with itself
			}
			step = ProofStep{Side: SideRight, SiblingHash: level[sibling].String()}
		} else {
			step = ProofStep{Side: SideLeft, SiblingHash: level[idx-1].String()}
		}
		proof.ProofPath = append(proof.ProofPath, step)
		idx /= 2
	}
	return proof, nil
}

// LeafHashFor computes the leaf hash a (path, value) pair would have, so a
// verifier holding the value can bind it to a proof.
func LeafHashFor(h crypto.Hasher, path string, value any) (crypto.Digest, error) {
	canBytes, err := canonicalize.JCS(value)
	if err != nil {
		return crypto.Digest{}, err
	}
	return h.Sum(buildLeafBytes(path, canBytes)), nil
}

func buildLeafBytes(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

func buildNextLevel(h crypto.Hasher, hashes []crypto.Digest) []crypto.Digest {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // Duplicate last
		count++
	}

	next := make([]crypto.Digest, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = buildNodeHash(h, hashes[i], hashes[i+1])
	}
	return next
}

func buildNodeHash(h crypto.Hasher, left, right crypto.Digest) crypto.Digest {
	return h.Sum([]byte(nodeDomain), []byte{0}, left[:], right[:])
}
