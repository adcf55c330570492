//go:build property
// +build property

package merkle

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/custodes-labs/custodes/pkg/canonicalize"
)

func TestMerkleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	toLeaves := func(items []string) []string {
		leaves := make([]string, len(items))
		for i, it := range items {
			leaves[i] = canonicalize.HashString(it)
		}
		return leaves
	}

	properties.Property("every proof verifies against the root", prop.ForAll(
		func(items []string) bool {
			leaves := toLeaves(items)
			tree := Build(leaves)
			for i := range leaves {
				path, err := tree.Proof(i)
				if err != nil {
					return false
				}
				if !VerifyProof(leaves[i], i, path, tree.Root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("flipping any leaf invalidates its proof", prop.ForAll(
		func(items []string, pick int) bool {
			if len(items) == 0 {
				return true
			}
			leaves := toLeaves(items)
			tree := Build(leaves)
			i := pick % len(leaves)
			if i < 0 {
				i = -i
			}
			path, err := tree.Proof(i)
			if err != nil {
				return false
			}
			forged := canonicalize.HashString(items[i] + "\x00flip")
			return !VerifyProof(forged, i, path, tree.Root)
		},
		gen.SliceOf(gen.AnyString()),
		gen.Int(),
	))

	properties.TestingRun(t)
}
