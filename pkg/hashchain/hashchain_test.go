package hashchain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func testEntry(idx int64, prevHash string) Entry {
	e := Entry{
		EntryID:    fmt.Sprintf("entry-%d", idx),
		BlockIndex: idx,
		EventType:  "JOB_SUBMITTED",
		Severity:   "INFO",
		SubjectID:  "subj-a",
		Metadata:   map[string]any{"job_id": fmt.Sprintf("job-%d", idx), "vram": 16},
		IPHash:     HashIP("203.0.113.7"),
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(idx) * time.Second),
		Sequence:   idx,
	}
	Seal(&e, prevHash)
	return e
}

func buildChain(n int) []Entry {
	entries := make([]Entry, 0, n)
	prev := GenesisPrevHash
	for i := 0; i < n; i++ {
		e := testEntry(int64(i), prev)
		entries = append(entries, e)
		prev = e.BlockHash
	}
	return entries
}

func TestCanonicalizeFixedOrder(t *testing.T) {
	e := testEntry(0, GenesisPrevHash)
	c1 := Canonicalize(e)
	c2 := Canonicalize(e)
	if c1 != c2 {
		t.Fatal("canonical form not deterministic")
	}
	// Metadata keys must appear sorted regardless of map iteration order.
	e.Metadata = map[string]any{"zz": 1, "aa": 2}
	c := Canonicalize(e)
	if want := "aa=2,zz=1"; !contains(c, want) {
		t.Fatalf("metadata not sorted: %s", c)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestCanonicalizeSentinels(t *testing.T) {
	e := Entry{EntryID: "e", SubjectID: "s", Timestamp: time.Now()}
	c := Canonicalize(e)
	if !contains(c, "|-|-|-|-|-|") {
		t.Fatalf("absent optionals should collapse to sentinels: %s", c)
	}
}

func TestVerifyChainValid(t *testing.T) {
	entries := buildChain(5)
	res := VerifyChain(entries)
	if !res.Valid {
		t.Fatalf("expected valid chain: %v", res.Err)
	}
	if res.EntriesChecked != 5 {
		t.Fatalf("expected 5 entries checked, got %d", res.EntriesChecked)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	entries := buildChain(3)
	// Mutate entry 1's metadata in place, bypassing the store.
	entries[1].Metadata["job_id"] = "forged"
	res := VerifyChain(entries)
	if res.Valid {
		t.Fatal("tampered chain verified")
	}
	if res.FirstInvalidBlock != 1 {
		t.Fatalf("expected first invalid block 1, got %d", res.FirstInvalidBlock)
	}
	if !errors.Is(res.Err, ErrPayloadHashMismatch) {
		t.Fatalf("expected payload hash mismatch, got %v", res.Err)
	}
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	entries := buildChain(4)
	entries[2].PrevHash = entries[0].BlockHash
	res := VerifyChain(entries)
	if res.Valid || res.FirstInvalidBlock != 2 {
		t.Fatalf("expected link break at 2, got %+v", res)
	}
	if !errors.Is(res.Err, ErrPrevHashMismatch) {
		t.Fatalf("expected prev hash mismatch, got %v", res.Err)
	}
}

func TestVerifyChainRejectsForgedGenesisAnchor(t *testing.T) {
	// A single-entry chain whose hashes are internally consistent but
	// whose prev_hash is not the genesis sentinel must not verify.
	forged := testEntry(0, HashIP("not-genesis"))
	res := VerifyChain([]Entry{forged})
	if res.Valid {
		t.Fatal("forged genesis link verified")
	}
	if res.FirstInvalidBlock != 0 {
		t.Fatalf("expected first invalid block 0, got %d", res.FirstInvalidBlock)
	}
	if !errors.Is(res.Err, ErrPrevHashMismatch) {
		t.Fatalf("expected prev hash mismatch, got %v", res.Err)
	}
}

func TestVerifyChainDetectsGap(t *testing.T) {
	entries := buildChain(5)
	gapped := append(entries[:2:2], entries[3:]...)
	res := VerifyChain(gapped)
	if res.Valid {
		t.Fatal("gapped chain verified")
	}
	if !errors.Is(res.Err, ErrSequenceGap) {
		t.Fatalf("expected sequence gap, got %v", res.Err)
	}
}

func TestVerifyChainUnordered(t *testing.T) {
	entries := buildChain(6)
	shuffled := []Entry{entries[3], entries[0], entries[5], entries[1], entries[4], entries[2]}
	res := VerifyChain(shuffled)
	if !res.Valid {
		t.Fatalf("verification must sort by block_index first: %v", res.Err)
	}
}

func TestBlockHashShape(t *testing.T) {
	e := testEntry(0, GenesisPrevHash)
	if len(e.PayloadHash) != 64 || len(e.BlockHash) != 64 {
		t.Fatal("hashes must be 64 hex chars")
	}
	if e.PrevHash != GenesisPrevHash {
		t.Fatal("genesis prev hash not applied")
	}
	// block_hash is re-derivable from its inputs.
	if BlockHash(e.PayloadHash, e.PrevHash, e.BlockIndex) != e.BlockHash {
		t.Fatal("block hash not reproducible")
	}
}

func TestHashIPNeverRaw(t *testing.T) {
	h := HashIP("198.51.100.23")
	if h == "198.51.100.23" || len(h) != 64 {
		t.Fatalf("ip must be hashed: %s", h)
	}
}
