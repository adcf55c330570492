//go:build property
// +build property

// Property-based tests for chain integrity: any committed chain verifies,
// and any single-field mutation is caught.
package hashchain

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genChain(subjects []string, events []string) []Entry {
	n := len(subjects)
	if len(events) < n {
		n = len(events)
	}
	entries := make([]Entry, 0, n)
	prev := GenesisPrevHash
	for i := 0; i < n; i++ {
		e := Entry{
			EntryID:    subjects[i] + "-entry",
			BlockIndex: int64(i),
			EventType:  events[i],
			Severity:   "INFO",
			SubjectID:  subjects[i],
			Metadata:   map[string]any{"k": events[i]},
			IPHash:     HashIP(subjects[i]),
			Timestamp:  time.Unix(1767225600+int64(i), 0).UTC(),
			Sequence:   int64(i),
		}
		Seal(&e, prev)
		entries = append(entries, e)
		prev = e.BlockHash
	}
	return entries
}

func TestChainAlwaysVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sealed chains verify", prop.ForAll(
		func(subjects []string, events []string) bool {
			entries := genChain(subjects, events)
			return VerifyChain(entries).Valid
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("mutating any entry breaks verification", prop.ForAll(
		func(subjects []string, events []string, pick int) bool {
			entries := genChain(subjects, events)
			if len(entries) == 0 {
				return true
			}
			i := pick % len(entries)
			if i < 0 {
				i = -i
			}
			entries[i].SubjectID = entries[i].SubjectID + "x"
			res := VerifyChain(entries)
			return !res.Valid && res.FirstInvalidBlock == int64(i)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
		gen.Int(),
	))

	properties.TestingRun(t)
}
