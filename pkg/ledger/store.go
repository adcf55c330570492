package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store is the durable interface behind the ledger. Append is the only
// mutation on entries; implementations must refuse updates and deletes.
// NextBlockIndex must be atomic across replicas.
type Store interface {
	// NextBlockIndex reserves and returns the next block index.
	NextBlockIndex(ctx context.Context) (int64, error)

	// AppendEntry persists a fully hashed entry. Duplicate block indexes
	// are a conflict.
	AppendEntry(ctx context.Context, e Entry) error

	// LatestEntry returns the entry with the highest block index, or nil
	// when the chain is empty.
	LatestEntry(ctx context.Context) (*Entry, error)

	// EntriesInRange returns entries with from <= block_index <= to,
	// ascending.
	EntriesInRange(ctx context.Context, from, to int64) ([]Entry, error)

	// EntriesByTarget returns all entries referencing a target id,
	// ascending by block index.
	EntriesByTarget(ctx context.Context, targetID string) ([]Entry, error)

	// Query returns a filtered page plus the total match count.
	Query(ctx context.Context, f QueryFilter) ([]Entry, int, error)

	// AnnotateMerkleRoot back-fills merkle_root on sealed members. The
	// root is derived metadata; hashed fields stay immutable.
	AnnotateMerkleRoot(ctx context.Context, from, to int64, root string) error

	// SaveBlock persists a sealed Merkle block.
	SaveBlock(ctx context.Context, b MerkleBlock) error

	// LastSealedEnd returns the highest sealed entry index, or -1 when no
	// block has been sealed.
	LastSealedEnd(ctx context.Context) (int64, error)

	// BlockCount returns the number of sealed blocks.
	BlockCount(ctx context.Context) (int64, error)

	// Dispute records.
	SaveDispute(ctx context.Context, d Dispute) error
	GetDispute(ctx context.Context, disputeID string) (Dispute, error)
}

// MemoryStore keeps the chain in process. It defends the same invariants
// as the SQL store and backs tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	entries  []Entry
	blocks   []MerkleBlock
	disputes map[string]Dispute
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seq: -1, disputes: make(map[string]Dispute)}
}

func (s *MemoryStore) NextBlockIndex(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) AppendEntry(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.BlockIndex == e.BlockIndex {
			return ErrDuplicateIndex
		}
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) LatestEntry(ctx context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	latest := s.entries[0]
	for _, e := range s.entries[1:] {
		if e.BlockIndex > latest.BlockIndex {
			latest = e
		}
	}
	return &latest, nil
}

func (s *MemoryStore) EntriesInRange(ctx context.Context, from, to int64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.BlockIndex >= from && e.BlockIndex <= to {
			out = append(out, e)
		}
	}
	sortByIndex(out)
	return out, nil
}

func (s *MemoryStore) EntriesByTarget(ctx context.Context, targetID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	sortByIndex(out)
	return out, nil
}

func (s *MemoryStore) Query(ctx context.Context, f QueryFilter) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Entry, 0)
	for _, e := range s.entries {
		if matchesFilter(e, f) {
			matched = append(matched, e)
		}
	}
	sortByIndex(matched)

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func matchesFilter(e Entry, f QueryFilter) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if f.InstitutionID != "" && e.InstitutionID != f.InstitutionID {
		return false
	}
	if f.Severity != "" && e.Severity != string(f.Severity) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, et := range f.EventTypes {
			if strings.EqualFold(string(et), e.EventType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

func sortByIndex(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].BlockIndex < entries[j].BlockIndex })
}

func (s *MemoryStore) AnnotateMerkleRoot(ctx context.Context, from, to int64, root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].BlockIndex >= from && s.entries[i].BlockIndex <= to {
			s.entries[i].MerkleRoot = root
		}
	}
	return nil
}

func (s *MemoryStore) SaveBlock(ctx context.Context, b MerkleBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *MemoryStore) LastSealedEnd(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	end := int64(-1)
	for _, b := range s.blocks {
		if b.EntryEnd > end {
			end = b.EntryEnd
		}
	}
	return end, nil
}

func (s *MemoryStore) BlockCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.blocks)), nil
}

// Blocks returns sealed blocks, ascending. Test and audit helper.
func (s *MemoryStore) Blocks() []MerkleBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MerkleBlock, len(s.blocks))
	copy(out, s.blocks)
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out
}

func (s *MemoryStore) SaveDispute(ctx context.Context, d Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.DisputeID] = d
	return nil
}

func (s *MemoryStore) GetDispute(ctx context.Context, disputeID string) (Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return Dispute{}, ErrDisputeNotFound
	}
	return d, nil
}

// TamperEntry mutates a stored entry in place, bypassing the append-only
// guard. Only exists so tests can prove verification catches tampering.
func (s *MemoryStore) TamperEntry(blockIndex int64, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].BlockIndex == blockIndex {
			mutate(&s.entries[i])
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
