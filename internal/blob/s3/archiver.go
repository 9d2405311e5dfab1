package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/metrics"
)

const (
	jsonlContentType = "application/x-ndjson"
	cutoffLayout     = "20060102T150405Z"
)

// ClosedOrderSource lists terminal orders for archival.
type ClosedOrderSource interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Order, error)
}

// Archiver implements domain.Archiver. Each run uploads the records that
// fell into the window between the previous archive's cutoff and the new
// one, as JSONL at archive/{kind}/{YYYY-MM}/{cutoff}.jsonl. Records are never
// deleted from the primary store here.
type Archiver struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	orders   ClosedOrderSource
	audit    domain.AuditStore
	metrics  *metrics.Metrics
	logger   *slog.Logger
	partSize int64
}

// NewArchiver creates an Archiver. Payloads larger than partSize go through
// a multipart upload.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	orders ClosedOrderSource,
	audit domain.AuditStore,
	m *metrics.Metrics,
	partSize int64,
	logger *slog.Logger,
) *Archiver {
	if partSize <= 0 {
		partSize = minPartSize
	}
	return &Archiver{
		writer:   writer,
		reader:   reader,
		orders:   orders,
		audit:    audit,
		metrics:  m,
		partSize: partSize,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

var _ domain.Archiver = (*Archiver)(nil)

// ArchiveOrders uploads orders closed in [last cutoff, before). The cutoff is
// kept to whole seconds, the precision of archive names.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC().Truncate(time.Second)
	since, err := a.lastCutoff(ctx, "orders")
	if err != nil {
		return 0, err
	}
	if !before.After(since) {
		return 0, nil
	}
	orders, err := a.orders.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	records := make([]domain.OrderRecord, 0, len(orders))
	for _, o := range orders {
		if o.ClosedAt != nil && !o.ClosedAt.Before(since) {
			records = append(records, o.Record())
		}
	}
	return archive(ctx, a, "orders", before, records)
}

// ArchiveAudit uploads audit entries written in [last cutoff, before).
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC().Truncate(time.Second)
	since, err := a.lastCutoff(ctx, "audit")
	if err != nil {
		return 0, err
	}
	if !before.After(since) {
		return 0, nil
	}
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	records := make([]domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if !e.CreatedAt.Before(since) {
			records = append(records, e)
		}
	}
	return archive(ctx, a, "audit", before, records)
}

// Run archives everything older than retention every interval until ctx is
// done. Failures are logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			before := time.Now().UTC().Add(-retention)
			if n, err := a.ArchiveOrders(ctx, before); err != nil {
				a.logger.ErrorContext(ctx, "archive orders failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "orders archived", slog.Int64("count", n))
			}
			if n, err := a.ArchiveAudit(ctx, before); err != nil {
				a.logger.ErrorContext(ctx, "archive audit failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "audit archived", slog.Int64("count", n))
			}
		}
	}
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	p := archivePath(kind, before)
	if int64(len(buf)) > a.partSize {
		err = a.writer.PutMultipart(ctx, p, bytes.NewReader(buf), a.partSize)
	} else {
		err = a.writer.Put(ctx, p, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	a.metrics.Archived(kind, len(records))
	if err := a.audit.Log(ctx, "archive_"+kind, map[string]any{
		"path":   p,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "audit log failed", slog.String("kind", kind), slog.String("error", err.Error()))
	}
	return count, nil
}

// lastCutoff returns the cutoff of the newest archive of kind, or the zero
// time when none exists.
func (a *Archiver) lastCutoff(ctx context.Context, kind string) (time.Time, error) {
	infos, err := a.reader.List(ctx, "archive/"+kind+"/")
	if err != nil {
		return time.Time{}, fmt.Errorf("s3blob: list %s archives: %w", kind, err)
	}
	var last time.Time
	for _, info := range infos {
		name := strings.TrimSuffix(path.Base(info.Path), ".jsonl")
		t, err := time.Parse(cutoffLayout, name)
		if err != nil {
			continue
		}
		if t.After(last) {
			last = t
		}
	}
	return last, nil
}

// archivePath partitions archives by the month of their cutoff:
//
//	archive/orders/2026-10/20261015T000000Z.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), before.Format(cutoffLayout))
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
