package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/custodes-labs/custodes/pkg/ledger"
)

// PackageSource produces signed evidence packages; the ledger service
// satisfies this.
type PackageSource interface {
	GenerateEvidencePackage(ctx context.Context, kind, id string) (*ledger.EvidencePackage, error)
}

// Receipt records where an exported package landed.
type Receipt struct {
	PackageID  string    `json:"package_id"`
	Kind       string    `json:"kind"`
	RefID      string    `json:"ref_id"`
	Address    string    `json:"address"` // sha256:<hex> content address
	EntryCount int       `json:"entry_count"`
	EntryIDs   []string  `json:"entry_ids"`
	ExportedAt time.Time `json:"exported_at"`
}

// Exporter generates evidence packages and archives them
// content-addressed. Tutela's response pipeline uses it to freeze proof
// before tearing a job down.
type Exporter struct {
	source PackageSource
	store  ObjectStore
	logger *slog.Logger
	clock  func() time.Time
}

// NewExporter wires an exporter.
func NewExporter(source PackageSource, store ObjectStore, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		source: source,
		store:  store,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Export generates the package for (kind, id), serializes it in canonical
// JSON, and archives it. The canonical form makes the content address
// reproducible: exporting the same package twice lands on the same blob.
func (e *Exporter) Export(ctx context.Context, kind, id string) (*Receipt, error) {
	pkg, err := e.source.GenerateEvidencePackage(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal package: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("evidence: canonicalize package: %w", err)
	}

	address, err := e.store.Put(ctx, canonical)
	if err != nil {
		return nil, err
	}

	entryIDs := make([]string, 0, len(pkg.Entries))
	for _, ee := range pkg.Entries {
		entryIDs = append(entryIDs, ee.Entry.EntryID)
	}
	receipt := &Receipt{
		PackageID:  pkg.PackageID,
		Kind:       kind,
		RefID:      id,
		Address:    address,
		EntryCount: pkg.EntryCount,
		EntryIDs:   entryIDs,
		ExportedAt: e.clock(),
	}
	e.logger.Info("evidence package archived",
		"package_id", pkg.PackageID, "kind", kind, "ref_id", id,
		"address", address, "entries", pkg.EntryCount)
	return receipt, nil
}

// Fetch retrieves an archived package by content address.
func (e *Exporter) Fetch(ctx context.Context, address string) (*ledger.EvidencePackage, error) {
	data, err := e.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	var pkg ledger.EvidencePackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("evidence: decode package %s: %w", address, err)
	}
	return &pkg, nil
}

// CollectForJob satisfies the detector's evidence hook: it archives the
// job's package and returns the entry ids it covered.
func (e *Exporter) CollectForJob(ctx context.Context, jobID string) ([]string, error) {
	receipt, err := e.Export(ctx, "job", jobID)
	if err != nil {
		return nil, err
	}
	return receipt.EntryIDs, nil
}
