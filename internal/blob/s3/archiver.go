package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/metrics"
)

const (
	jsonlContentType = "application/x-ndjson"

	// Payloads above this go through the multipart uploader.
	multipartThreshold = 16 * 1024 * 1024
)

// ExecutionSource is the part of the execution store the archiver needs.
type ExecutionSource interface {
	ListTerminalBefore(ctx context.Context, t time.Time, limit int) ([]domain.SwapExecution, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// ArchiverConfig controls batch size and whether archived rows are removed.
type ArchiverConfig struct {
	BatchSize   int
	DeleteAfter bool
}

// ExecutionArchiver exports terminal executions as JSONL objects under
// executions/YYYY/MM/DD/.
type ExecutionArchiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	store   ExecutionSource
	cfg     ArchiverConfig
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ domain.Archiver = (*ExecutionArchiver)(nil)

func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store ExecutionSource, cfg ArchiverConfig, m *metrics.Metrics, logger *slog.Logger) *ExecutionArchiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &ExecutionArchiver{
		writer:  writer,
		reader:  reader,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		metrics: m,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveExecutions uploads one batch of terminal executions last updated
// before the cutoff and returns how many were written. Rows are deleted only
// after the object is confirmed to exist.
func (a *ExecutionArchiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	execs, err := a.store.ListTerminalBefore(ctx, before, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(execs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(execs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := archivePath(a.now().UTC())
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}
	count := int64(len(execs))
	a.metrics.ArchivedRows.Add(float64(count))
	a.logger.InfoContext(ctx, "executions archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Time("before", before),
	)

	if !a.cfg.DeleteAfter {
		return count, nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive verify: %w", err)
	}
	if !ok {
		return count, fmt.Errorf("s3blob: archive verify %s: %w", path, domain.ErrNotFound)
	}
	ids := make([]string, len(execs))
	for i, e := range execs {
		ids[i] = e.ID
	}
	deleted, err := a.store.DeleteByIDs(ctx, ids)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive delete: %w", err)
	}
	a.logger.InfoContext(ctx, "archived executions deleted", slog.Int64("count", deleted))
	return count, nil
}

// Run archives executions older than retention every interval until ctx ends.
func (a *ExecutionArchiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.ArchiveExecutions(ctx, a.now().Add(-retention)); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

func archivePath(t time.Time) string {
	return fmt.Sprintf("executions/%s/%d.jsonl", t.Format("2006/01/02"), t.UnixNano())
}

// marshalJSONL encodes one compact JSON object per line.
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
