package merkle

import (
	"errors"
)

// ErrLeafOutOfRange is returned when a proof is requested for a leaf index
// the tree does not contain.
var ErrLeafOutOfRange = errors.New("merkle: leaf index out of range")

// Proof returns the sibling-path hashes for the leaf at index i, ordered
// from the leaf level upward. Combined with the leaf index, the path is
// enough to replay up to the root.
func (t *Tree) Proof(i int) ([]string, error) {
	if i < 0 || i >= len(t.Leaves) {
		return nil, ErrLeafOutOfRange
	}

	path := make([]string, 0, len(t.Levels)-1)
	pos := i
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sib := pos ^ 1
		if sib >= len(level) {
			// Odd level: the last node was duplicated, so it is its own sibling.
			sib = pos
		}
		path = append(path, level[sib])
		pos /= 2
	}
	return path, nil
}

// VerifyProof replays a sibling path upward from a leaf and compares the
// result against the expected root. The leaf's index decides, per level,
// whether the sibling sits left or right.
func VerifyProof(leaf string, index int, path []string, root string) bool {
	if index < 0 {
		return false
	}
	current := leaf
	pos := index
	for _, sibling := range path {
		if pos%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		pos /= 2
	}
	return current == root
}
