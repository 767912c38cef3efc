package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// PositionArchiveStore provides read access to closed positions for archival
// purposes. The Postgres position store satisfies it through a purpose-built
// adapter with a time-ranged query.
type PositionArchiveStore interface {
	// ListClosedBefore returns positions closed strictly before the cutoff.
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// AuditArchiveStore provides read access to aged audit rows.
type AuditArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// ArchiveImpl implements domain.Archiver by serializing aged records to
// JSONL and uploading them to S3. Deletion from the primary store is
// intentionally not performed here; that is a separate step after the
// archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	audit     AuditArchiveStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, positions PositionArchiveStore, audit AuditArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, positions: positions, audit: audit}
}

type archivedPosition struct {
	ID                string     `json:"id"`
	Owner             string     `json:"owner"`
	Account           string     `json:"account"`
	CollateralAssets  []string   `json:"collateral_assets"`
	CollateralAmounts []string   `json:"collateral_amounts"`
	DebtAsset         string     `json:"debt_asset"`
	DebtAmount        string     `json:"debt_amount"`
	Mode              string     `json:"mode"`
	CreatedAt         time.Time  `json:"created_at"`
	ClosedAt          *time.Time `json:"closed_at"`
}

// ArchiveClosedPositions uploads a JSONL snapshot of positions closed before
// the cutoff to archive/positions/YYYY-MM.jsonl and returns the record count.
func (a *ArchiveImpl) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range positions {
		row := archivedPosition{
			ID:         p.ID,
			Owner:      p.Owner.Hex(),
			Account:    p.Account.Hex(),
			DebtAsset:  p.DebtAsset.Hex(),
			DebtAmount: p.DebtAmount.String(),
			Mode:       string(p.Mode),
			CreatedAt:  p.CreatedAt,
			ClosedAt:   p.ClosedAt,
		}
		for i := range p.CollateralAssets {
			row.CollateralAssets = append(row.CollateralAssets, p.CollateralAssets[i].Hex())
			row.CollateralAmounts = append(row.CollateralAmounts, p.CollateralAmounts[i].String())
		}
		if err := enc.Encode(row); err != nil {
			return 0, fmt.Errorf("s3blob: encode position %s: %w", p.ID, err)
		}
	}

	path := fmt.Sprintf("archive/positions/%s.jsonl", before.UTC().Format("2006-01"))
	if err := a.upload(ctx, path, &buf); err != nil {
		return 0, err
	}
	return int64(len(positions)), nil
}

// ArchiveAudit uploads a JSONL snapshot of audit rows older than the cutoff
// to archive/audit/YYYY-MM.jsonl and returns the record count.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return 0, fmt.Errorf("s3blob: encode audit entry %d: %w", e.ID, err)
		}
	}

	path := fmt.Sprintf("archive/audit/%s.jsonl", before.UTC().Format("2006-01"))
	if err := a.upload(ctx, path, &buf); err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// Batches past multipartThreshold go through the multipart path so a single
// request never has to carry a multi-month backlog.
const (
	multipartThreshold = 8 << 20
	multipartPartSize  = 5 << 20
)

func (a *ArchiveImpl) upload(ctx context.Context, path string, buf *bytes.Buffer) error {
	if buf.Len() > multipartThreshold {
		return a.writer.PutMultipart(ctx, path, buf, multipartPartSize)
	}
	return a.writer.Put(ctx, path, buf, "application/x-ndjson")
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
