package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// HistoryStore is the part of domain.StepStore the archiver reads.
type HistoryStore interface {
	StepsBefore(ctx context.Context, before time.Time) ([]domain.StepRecord, error)
	UnwindStepsBefore(ctx context.Context, before time.Time) ([]domain.UnwindRecord, error)
}

// ArchiveImpl implements domain.Archiver: it selects history older than a
// cutoff, writes it as JSON lines and records each upload in the audit log.
// Rows are not deleted from the primary store.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	history HistoryStore
	audit   domain.AuditStore
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, history HistoryStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, history: history, audit: audit}
}

// ArchiveSteps uploads loop steps to archive/loop_steps/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveSteps(ctx context.Context, before time.Time) (int64, error) {
	steps, err := a.history.StepsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive loop steps query: %w", err)
	}
	return archive(ctx, a, "loop_steps", before, steps)
}

// ArchiveUnwindSteps uploads unwind steps to archive/unwind_steps/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveUnwindSteps(ctx context.Context, before time.Time) (int64, error) {
	steps, err := a.history.UnwindStepsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive unwind steps query: %w", err)
	}
	return archive(ctx, a, "unwind_steps", before, steps)
}

// ArchiveAudit uploads audit entries to archive/audit/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return archive(ctx, a, "audit", before, entries)
}

func archive[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath partitions archives by the cutoff's year and month, e.g.
// archive/loop_steps/2025-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	for i, rec := range records {
		line, err := sonnet.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
