// Package merkle builds the Merkle trees that seal Obsidian ledger blocks
// and back evidence packages. Leaves are block_hash hex strings; parent
// nodes hash the concatenation of their children's hex forms. A level of
// odd length duplicates its last node.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// ZeroRoot is the root of an empty tree.
const ZeroRoot = "0000000000000000000000000000000000000000000000000000000000000000"

// Tree holds every level of node hashes, leaves first.
type Tree struct {
	Leaves []string
	Levels [][]string
	Root   string
}

// Build constructs a tree bottom-up from leaf hashes.
func Build(leaves []string) *Tree {
	if len(leaves) == 0 {
		return &Tree{Root: ZeroRoot}
	}

	tree := &Tree{Leaves: append([]string(nil), leaves...)}
	level := tree.Leaves
	for {
		tree.Levels = append(tree.Levels, level)
		if len(level) == 1 {
			break
		}
		level = nextLevel(level)
	}
	tree.Root = tree.Levels[len(tree.Levels)-1][0]
	return tree
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(append([]string(nil), hashes...), hashes[len(hashes)-1])
	}
	parents := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		parents[i/2] = hashPair(hashes[i], hashes[i+1])
	}
	return parents
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}
