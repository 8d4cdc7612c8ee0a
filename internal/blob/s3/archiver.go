package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

const (
	KindClosedPositions = "closed_positions"
	KindExitExecutions  = "exit_executions"

	jsonlContentType = "application/x-ndjson"
)

// multipartWriter is satisfied by Writer; payloads above minPartSize use it.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// ClosedSource lists closed position records.
type ClosedSource interface {
	ListClosed() []domain.ClosedPosition
}

// Archiver uploads closed positions and exit executions as one JSONL object
// per kind and UTC day, at <prefix>/<kind>/<YYYY-MM-DD>.jsonl. A day is
// re-uploaded only when its record count changed since the last upload.
type Archiver struct {
	writer domain.BlobWriter
	closed ClosedSource
	audit  domain.ExitLog
	prefix string
	logger *slog.Logger

	mu       sync.Mutex
	uploaded map[string]int // object key -> record count
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, closed ClosedSource, audit domain.ExitLog, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{
		writer:   writer,
		closed:   closed,
		audit:    audit,
		prefix:   prefix,
		logger:   logger.With(slog.String("component", "archiver")),
		uploaded: make(map[string]int),
	}
}

// ObjectKey returns the object path for kind on day.
func (a *Archiver) ObjectKey(kind string, day time.Time) string {
	return path.Join(a.prefix, kind, day.UTC().Format("2006-01-02")+".jsonl")
}

// ArchiveOnce uploads every changed day and returns how many objects were
// written.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	groups := make(map[string][]any)
	for _, c := range a.closed.ListClosed() {
		k := a.ObjectKey(KindClosedPositions, c.ClosedAt)
		groups[k] = append(groups[k], c)
	}
	if a.audit != nil {
		execs, err := a.audit.List(ctx)
		if err != nil {
			return 0, fmt.Errorf("s3blob: list exit executions: %w", err)
		}
		for _, e := range execs {
			k := a.ObjectKey(KindExitExecutions, e.ExecutionTime)
			groups[k] = append(groups[k], e)
		}
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := 0
	for _, k := range keys {
		records := groups[k]
		if a.uploaded[k] == len(records) {
			continue
		}
		if err := a.upload(ctx, k, records); err != nil {
			return written, err
		}
		a.uploaded[k] = len(records)
		written++
	}
	return written, nil
}

func (a *Archiver) upload(ctx context.Context, key string, records []any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("s3blob: encode %s: %w", key, err)
		}
	}

	size := int64(buf.Len())
	var err error
	if mw, ok := a.writer.(multipartWriter); ok && size > minPartSize {
		err = mw.PutMultipart(ctx, key, &buf, jsonlContentType, minPartSize)
	} else {
		err = a.writer.Put(ctx, key, &buf, jsonlContentType)
	}
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "archiver: uploaded",
		slog.String("key", key),
		slog.Int("records", len(records)),
		slog.Int64("bytes", size),
	)
	return nil
}

// Run archives every interval until ctx is cancelled, plus once on exit.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := a.ArchiveOnce(flushCtx); err != nil {
				a.logger.WarnContext(flushCtx, "archiver: final flush failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.WarnContext(ctx, "archiver: archive failed", slog.String("error", err.Error()))
			}
		}
	}
}
