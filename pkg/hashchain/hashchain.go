// Package hashchain implements the hash primitives of the Obsidian ledger:
// canonical entry serialization, payload and block hashes, and full-chain
// verification. All functions are pure; storage lives in pkg/ledger.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/custodes-labs/custodes/pkg/canonicalize"
)

// GenesisPrevHash is the prev_hash of the first entry in a chain.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// sentinel stands in for absent optional fields so the canonical form
// has a fixed arity.
const sentinel = "-"

// Chain verification faults.
var (
	ErrPrevHashMismatch    = errors.New("prev_hash does not match predecessor block_hash")
	ErrPayloadHashMismatch = errors.New("payload_hash does not match canonical payload")
	ErrBlockHashMismatch   = errors.New("block_hash does not match recomputed value")
	ErrSequenceGap         = errors.New("block_index sequence has a gap")
)

// Entry is the immutable ledger record. Hash fields (PayloadHash, BlockHash,
// MerkleRoot) are derived; everything else is covered by the canonical form.
type Entry struct {
	EntryID       string         `json:"entry_id"`
	BlockIndex    int64          `json:"block_index"`
	EventType     string         `json:"event_type"`
	Severity      string         `json:"severity"`
	SubjectID     string         `json:"subject_id"`
	PassportID    string         `json:"passport_id,omitempty"`
	InstitutionID string         `json:"institution_id,omitempty"`
	TargetID      string         `json:"target_id,omitempty"`
	TargetType    string         `json:"target_type,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IPHash        string         `json:"ip_hash,omitempty"`
	Region        string         `json:"region,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Sequence      int64          `json:"sequence"`

	PrevHash    string `json:"prev_hash"`
	PayloadHash string `json:"payload_hash"`
	BlockHash   string `json:"block_hash"`
	MerkleRoot  string `json:"merkle_root,omitempty"`
}

// Canonicalize renders the deterministic string form of an entry: every
// non-hash field in fixed order, metadata sorted by key, absent optionals
// replaced by a sentinel. Two entries with equal canonical forms are the
// same record.
func Canonicalize(e Entry) string {
	var b strings.Builder
	fields := []string{
		e.EntryID,
		strconv.FormatInt(e.BlockIndex, 10),
		e.EventType,
		e.Severity,
		e.SubjectID,
		orSentinel(e.PassportID),
		orSentinel(e.InstitutionID),
		orSentinel(e.TargetID),
		orSentinel(e.TargetType),
		canonicalMetadata(e.Metadata),
		e.IPHash,
		orSentinel(e.Region),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(e.Sequence, 10),
	}
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(f)
	}
	return b.String()
}

func orSentinel(s string) string {
	if s == "" {
		return sentinel
	}
	return s
}

func canonicalMetadata(md map[string]any) string {
	if len(md) == 0 {
		return sentinel
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		v, err := canonicalize.JCSString(md[k])
		if err != nil {
			// Non-serializable metadata values degrade to their fmt form;
			// the same value always degrades the same way.
			v = fmt.Sprintf("%v", md[k])
		}
		b.WriteString(v)
	}
	return b.String()
}

// PayloadHash is SHA-256 over the canonical entry form.
func PayloadHash(e Entry) string {
	sum := sha256.Sum256([]byte(Canonicalize(e)))
	return hex.EncodeToString(sum[:])
}

// BlockHash chains an entry to its predecessor:
// SHA-256(payload_hash ":" prev_hash ":" block_index).
func BlockHash(payloadHash, prevHash string, blockIndex int64) string {
	input := payloadHash + ":" + prevHash + ":" + strconv.FormatInt(blockIndex, 10)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Seal computes and sets both hashes on an entry given its predecessor's
// block hash (GenesisPrevHash for the first entry).
func Seal(e *Entry, prevHash string) {
	e.PrevHash = prevHash
	e.PayloadHash = PayloadHash(*e)
	e.BlockHash = BlockHash(e.PayloadHash, e.PrevHash, e.BlockIndex)
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid             bool  `json:"valid"`
	FirstInvalidBlock int64 `json:"first_invalid_block"`
	EntriesChecked    int   `json:"entries_checked"`
	Err               error `json:"-"`
}

// VerifyChain recomputes every hash in a sequence of entries and checks the
// prev_hash links. Entries are sorted by block_index first; verification
// stops at the first offending index. A range starting at block 0 must
// anchor on the genesis prev_hash.
func VerifyChain(entries []Entry) VerifyResult {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BlockIndex < sorted[j].BlockIndex })

	prevBlockHash := ""
	prevIndex := int64(-1)
	for i, e := range sorted {
		if i == 0 && e.BlockIndex == 0 && e.PrevHash != GenesisPrevHash {
			return VerifyResult{FirstInvalidBlock: 0, EntriesChecked: 0, Err: ErrPrevHashMismatch}
		}
		if i > 0 {
			if e.BlockIndex != prevIndex+1 {
				return VerifyResult{FirstInvalidBlock: e.BlockIndex, EntriesChecked: i, Err: ErrSequenceGap}
			}
			if e.PrevHash != prevBlockHash {
				return VerifyResult{FirstInvalidBlock: e.BlockIndex, EntriesChecked: i, Err: ErrPrevHashMismatch}
			}
		}
		if PayloadHash(e) != e.PayloadHash {
			return VerifyResult{FirstInvalidBlock: e.BlockIndex, EntriesChecked: i, Err: ErrPayloadHashMismatch}
		}
		if BlockHash(e.PayloadHash, e.PrevHash, e.BlockIndex) != e.BlockHash {
			return VerifyResult{FirstInvalidBlock: e.BlockIndex, EntriesChecked: i, Err: ErrBlockHashMismatch}
		}
		prevBlockHash = e.BlockHash
		prevIndex = e.BlockIndex
	}
	return VerifyResult{Valid: true, FirstInvalidBlock: -1, EntriesChecked: len(sorted)}
}

// HashIP hashes a raw client address. Raw IPs never reach the ledger.
func HashIP(ip string) string {
	return canonicalize.HashString(ip)
}
