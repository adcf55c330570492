package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodes-labs/custodes/pkg/canonicalize"
	"github.com/custodes-labs/custodes/pkg/hashchain"
	"github.com/custodes-labs/custodes/pkg/merkle"
)

// Config tunes a ledger instance.
type Config struct {
	InstanceID    string
	BlockSize     int // entries per Merkle block, default 100
	RetentionDays int // default 2555 (7 years)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{InstanceID: "obsidian-1", BlockSize: 100, RetentionDays: 2555}
}

const appendRetries = 3

// Service is one ledger instance. It is the single writer for its chain:
// commits serialize on an internal mutex, the store's sequence keeps
// replicas from colliding, and the in-flight Merkle buffer belongs to
// this instance alone.
type Service struct {
	store  Store
	signer Signer
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.Mutex
	lastHash  string
	seq       int64
	buffer    []bufferedLeaf
	nextBlock int64

	// A reserved index whose append failed is held here and re-used by
	// the next commit, so a store outage never gaps the chain.
	reservedIdx int64
	hasReserved bool
}

type bufferedLeaf struct {
	index int64
	hash  string
}

// New opens a ledger over a store. Unsealed entries left behind by a
// crashed sealer are reloaded and full blocks are sealed immediately.
func New(ctx context.Context, store Store, signer Signer, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 2555
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		signer:   signer,
		cfg:      cfg,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
		lastHash: hashchain.GenesisPrevHash,
	}

	latest, err := store.LatestEntry(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load chain head: %w", err)
	}
	if latest != nil {
		s.lastHash = latest.BlockHash
		s.seq = latest.Sequence + 1
	}

	sealedEnd, err := store.LastSealedEnd(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load seal mark: %w", err)
	}
	blocks, err := store.BlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load block count: %w", err)
	}
	s.nextBlock = blocks

	if latest != nil && latest.BlockIndex > sealedEnd {
		unsealed, err := store.EntriesInRange(ctx, sealedEnd+1, latest.BlockIndex)
		if err != nil {
			return nil, fmt.Errorf("ledger: reload unsealed entries: %w", err)
		}
		for _, e := range unsealed {
			s.buffer = append(s.buffer, bufferedLeaf{index: e.BlockIndex, hash: e.BlockHash})
		}
		for len(s.buffer) >= s.cfg.BlockSize {
			if err := s.sealLocked(ctx); err != nil {
				return nil, err
			}
		}
		if len(s.buffer) > 0 {
			s.logger.Info("recovered unsealed entries", "count", len(s.buffer), "instance", cfg.InstanceID)
		}
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Commit atomically appends one event to the chain. The block index is
// reserved only once the append is sure to proceed; a cancelled context
// leaves no residue, and a reservation stranded by a store outage is
// re-used by the next commit.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if req.EventType == "" {
		return CommitResult{}, fmt.Errorf("ledger: event_type is required")
	}
	if req.SubjectID == "" {
		return CommitResult{}, fmt.Errorf("ledger: subject_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Abort before reserving an index; a burned index would gap the chain.
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	idx := s.reservedIdx
	if !s.hasReserved {
		var err error
		idx, err = s.store.NextBlockIndex(ctx)
		if err != nil {
			return CommitResult{}, fmt.Errorf("ledger: reserve block index: %w", err)
		}
		s.reservedIdx = idx
		s.hasReserved = true
	}

	severity := req.Severity
	if severity == "" {
		severity = DefaultSeverity(req.EventType)
	}
	ipHash := ""
	if req.IP != "" {
		ipHash = hashchain.HashIP(req.IP)
	}

	entry := Entry{
		EntryID:       uuid.New().String(),
		BlockIndex:    idx,
		EventType:     string(req.EventType),
		Severity:      string(severity),
		SubjectID:     req.SubjectID,
		PassportID:    req.PassportID,
		InstitutionID: req.InstitutionID,
		TargetID:      req.TargetID,
		TargetType:    req.TargetType,
		Metadata:      req.Metadata,
		IPHash:        ipHash,
		Region:        req.Region,
		Timestamp:     s.clock(),
		Sequence:      s.seq,
	}
	hashchain.Seal(&entry, s.lastHash)

	// The index is already reserved; retry the append in place rather
	// than skipping it.
	var appendErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		appendErr = s.store.AppendEntry(ctx, entry)
		if appendErr == nil {
			break
		}
		if errors.Is(appendErr, ErrDuplicateIndex) || ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	if appendErr != nil {
		// The reservation survives the failure unless the index turned out
		// to be occupied already.
		if errors.Is(appendErr, ErrDuplicateIndex) {
			s.hasReserved = false
		}
		return CommitResult{}, fmt.Errorf("ledger: append block %d: %w", idx, appendErr)
	}
	s.hasReserved = false

	s.lastHash = entry.BlockHash
	s.seq++
	s.buffer = append(s.buffer, bufferedLeaf{index: idx, hash: entry.BlockHash})

	if len(s.buffer) >= s.cfg.BlockSize {
		if err := s.sealLocked(ctx); err != nil {
			// The entry is committed; sealing retries on the next commit
			// or at restart.
			s.logger.Error("block seal failed", "err", err, "instance", s.cfg.InstanceID)
		}
	}

	return CommitResult{
		EntryID:    entry.EntryID,
		BlockIndex: entry.BlockIndex,
		BlockHash:  entry.BlockHash,
		Timestamp:  entry.Timestamp,
	}, nil
}

// CommitEvent is the narrow sink the other pillars write through. Fields
// named target_id, target_type, or institution_id are lifted into their
// columns; everything else rides in metadata.
func (s *Service) CommitEvent(ctx context.Context, eventType, subjectID string, fields map[string]any) error {
	req := CommitRequest{
		EventType: EventType(eventType),
		SubjectID: subjectID,
		Metadata:  fields,
	}
	if v, ok := fields["target_id"].(string); ok {
		req.TargetID = v
	}
	if v, ok := fields["target_type"].(string); ok {
		req.TargetType = v
	}
	if v, ok := fields["institution_id"].(string); ok {
		req.InstitutionID = v
	}
	_, err := s.Commit(ctx, req)
	return err
}

// Query returns a filtered, paginated slice of the chain with a citable
// query hash.
func (s *Service) Query(ctx context.Context, f QueryFilter) (QueryResult, error) {
	entries, total, err := s.store.Query(ctx, f)
	if err != nil {
		return QueryResult{}, fmt.Errorf("ledger: query: %w", err)
	}
	res := QueryResult{Entries: entries, Total: total, FromBlock: -1, ToBlock: -1}
	if len(entries) > 0 {
		res.FromBlock = entries[0].BlockIndex
		res.ToBlock = entries[len(entries)-1].BlockIndex
	}
	hash, err := canonicalize.CanonicalHash(map[string]any{
		"filter":     f,
		"from_block": res.FromBlock,
		"to_block":   res.ToBlock,
		"total":      total,
	})
	if err != nil {
		return QueryResult{}, fmt.Errorf("ledger: query hash: %w", err)
	}
	res.QueryHash = hash
	return res, nil
}

// VerifyChainRange recomputes all hashes in [from..to] and checks every
// link, anchoring against the entry preceding the range when one exists.
func (s *Service) VerifyChainRange(ctx context.Context, from, to int64) (hashchain.VerifyResult, error) {
	if from < 0 || to < from {
		return hashchain.VerifyResult{}, fmt.Errorf("ledger: invalid range [%d,%d]", from, to)
	}
	entries, err := s.store.EntriesInRange(ctx, from, to)
	if err != nil {
		return hashchain.VerifyResult{}, fmt.Errorf("ledger: load range: %w", err)
	}
	if int64(len(entries)) != to-from+1 {
		missing := from
		seen := make(map[int64]struct{}, len(entries))
		for _, e := range entries {
			seen[e.BlockIndex] = struct{}{}
		}
		for i := from; i <= to; i++ {
			if _, ok := seen[i]; !ok {
				missing = i
				break
			}
		}
		return hashchain.VerifyResult{FirstInvalidBlock: missing, EntriesChecked: len(entries), Err: ErrMissingEntry}, nil
	}

	res := hashchain.VerifyChain(entries)
	if !res.Valid {
		return res, nil
	}

	if from > 0 {
		anchor, err := s.store.EntriesInRange(ctx, from-1, from-1)
		if err != nil {
			return hashchain.VerifyResult{}, fmt.Errorf("ledger: load anchor: %w", err)
		}
		if len(anchor) == 1 && entries[0].PrevHash != anchor[0].BlockHash {
			return hashchain.VerifyResult{FirstInvalidBlock: from, EntriesChecked: res.EntriesChecked, Err: hashchain.ErrPrevHashMismatch}, nil
		}
	}
	return res, nil
}

// SealBlock seals whatever is buffered, even a partial block. Used at
// shutdown and by operators forcing a seal point.
func (s *Service) SealBlock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealLocked(ctx)
}

// sealLocked builds the Merkle tree over buffered leaves, signs the root,
// persists the block, and back-annotates members. Caller holds s.mu.
func (s *Service) sealLocked(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}
	n := len(s.buffer)
	if n > s.cfg.BlockSize {
		n = s.cfg.BlockSize
	}
	leaves := make([]string, n)
	for i := 0; i < n; i++ {
		leaves[i] = s.buffer[i].hash
	}
	tree := merkle.Build(leaves)

	block := MerkleBlock{
		BlockNumber: s.nextBlock,
		EntryStart:  s.buffer[0].index,
		EntryEnd:    s.buffer[n-1].index,
		LeafHashes:  leaves,
		MerkleRoot:  tree.Root,
		SealedAt:    s.clock(),
		SealedBy:    s.cfg.InstanceID,
	}
	if s.signer != nil {
		payload, err := canonicalize.JCS(map[string]any{
			"block_number": block.BlockNumber,
			"entry_start":  block.EntryStart,
			"entry_end":    block.EntryEnd,
			"merkle_root":  block.MerkleRoot,
			"sealed_at":    block.SealedAt,
			"sealed_by":    block.SealedBy,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSealFailed, err)
		}
		sig, err := s.signer.Sign(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSealFailed, err)
		}
		block.Signature = sig
	}

	if err := s.store.SaveBlock(ctx, block); err != nil {
		return fmt.Errorf("%w: save: %v", ErrSealFailed, err)
	}
	if err := s.store.AnnotateMerkleRoot(ctx, block.EntryStart, block.EntryEnd, tree.Root); err != nil {
		return fmt.Errorf("%w: annotate: %v", ErrSealFailed, err)
	}

	s.buffer = s.buffer[n:]
	s.nextBlock++
	s.logger.Info("sealed merkle block",
		"block", block.BlockNumber, "start", block.EntryStart, "end", block.EntryEnd, "root", tree.Root)
	return nil
}

// GenerateEvidencePackage collects every entry referencing id, builds a
// Merkle tree over their block hashes, and signs the bundle. Fails closed
// without a signer.
func (s *Service) GenerateEvidencePackage(ctx context.Context, kind, id string) (*EvidencePackage, error) {
	if s.signer == nil {
		return nil, fmt.Errorf("%w: no signing key configured", ErrEvidenceSign)
	}
	entries, err := s.store.EntriesByTarget(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ledger: collect evidence: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNoEvidenceEntries
	}

	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = e.BlockHash
	}
	tree := merkle.Build(leaves)

	pkg := &EvidencePackage{
		PackageID:   uuid.New().String(),
		Kind:        kind,
		RefID:       id,
		GeneratedAt: s.clock(),
		EntryCount:  len(entries),
		MerkleRoot:  tree.Root,
		SignedBy:    s.signer.KeyID(),
	}
	for i, e := range entries {
		path, err := tree.Proof(i)
		if err != nil {
			return nil, fmt.Errorf("ledger: evidence proof %d: %w", i, err)
		}
		pkg.Entries = append(pkg.Entries, EvidenceEntry{Entry: e, LeafIndex: i, ProofPath: path})
	}

	payload, err := evidenceSigningPayload(pkg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvidenceSign, err)
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvidenceSign, err)
	}
	pkg.Signature = sig
	return pkg, nil
}

func evidenceSigningPayload(pkg *EvidencePackage) ([]byte, error) {
	return canonicalize.JCS(map[string]any{
		"package_id":   pkg.PackageID,
		"kind":         pkg.Kind,
		"ref_id":       pkg.RefID,
		"merkle_root":  pkg.MerkleRoot,
		"generated_at": pkg.GeneratedAt,
		"entry_count":  pkg.EntryCount,
	})
}

// VerifyEvidencePackage checks the package signature and every inclusion
// proof against the package root.
func (s *Service) VerifyEvidencePackage(pkg *EvidencePackage) error {
	if s.signer == nil {
		return fmt.Errorf("%w: no signing key configured", ErrEvidenceSign)
	}
	payload, err := evidenceSigningPayload(pkg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEvidenceSign, err)
	}
	if err := s.signer.Verify(payload, pkg.Signature); err != nil {
		return fmt.Errorf("ledger: evidence signature invalid: %w", err)
	}
	for _, ee := range pkg.Entries {
		if !merkle.VerifyProof(ee.Entry.BlockHash, ee.LeafIndex, ee.ProofPath, pkg.MerkleRoot) {
			return fmt.Errorf("ledger: evidence proof invalid for entry %s", ee.Entry.EntryID)
		}
	}
	return nil
}

// OpenDispute collects all chain entries for a job as evidence, records
// the dispute, and stamps DISPUTE_OPENED into the chain itself.
func (s *Service) OpenDispute(ctx context.Context, jobID string, reason DisputeReason, openedBy string) (*Dispute, error) {
	evidence, err := s.store.EntriesByTarget(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("ledger: collect dispute evidence: %w", err)
	}
	ids := make([]string, len(evidence))
	for i, e := range evidence {
		ids[i] = e.EntryID
	}

	d := Dispute{
		DisputeID:        uuid.New().String(),
		JobID:            jobID,
		Reason:           reason,
		Status:           DisputeEvidence,
		OpenedBy:         openedBy,
		OpenedAt:         s.clock(),
		EvidenceEntryIDs: ids,
	}
	if err := s.store.SaveDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("ledger: save dispute: %w", err)
	}

	_, err = s.Commit(ctx, CommitRequest{
		EventType:  EventDisputeOpened,
		SubjectID:  openedBy,
		TargetID:   jobID,
		TargetType: "job",
		Metadata: map[string]any{
			"dispute_id":     d.DisputeID,
			"reason":         string(reason),
			"evidence_count": len(ids),
		},
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ResolveDispute closes a dispute, writing DISPUTE_RESOLVED and, when a
// refund was granted, REFUND_ISSUED.
func (s *Service) ResolveDispute(ctx context.Context, disputeID, outcome string, refund float64, resolvedBy string) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == DisputeResolved {
		return nil, ErrDisputeResolved
	}

	d.Status = DisputeResolved
	d.Outcome = outcome
	d.RefundAmount = refund
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = s.clock()
	if err := s.store.SaveDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("ledger: save dispute: %w", err)
	}

	if _, err := s.Commit(ctx, CommitRequest{
		EventType:  EventDisputeResolved,
		SubjectID:  resolvedBy,
		TargetID:   d.JobID,
		TargetType: "job",
		Metadata:   map[string]any{"dispute_id": d.DisputeID, "outcome": outcome},
	}); err != nil {
		return nil, err
	}
	if refund > 0 {
		if _, err := s.Commit(ctx, CommitRequest{
			EventType:  EventRefundIssued,
			SubjectID:  resolvedBy,
			TargetID:   d.JobID,
			TargetType: "job",
			Metadata:   map[string]any{"dispute_id": d.DisputeID, "amount": refund},
		}); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

// Close seals any partial in-flight block.
func (s *Service) Close(ctx context.Context) error {
	return s.SealBlock(ctx)
}
