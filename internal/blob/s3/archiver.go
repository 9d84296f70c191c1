package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

const (
	defaultArchivePrefix = "archive/events"
	defaultChunkSize     = 5000
	jsonlContentType     = "application/x-ndjson"
)

// multipartWriter is implemented by writers that can stream large objects
// in parts.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// ArchiverConfig controls where and how events are archived.
type ArchiverConfig struct {
	Prefix    string
	ChunkSize int
}

// Archiver moves old events out of the ledger into object storage. Each pass
// uploads the events as JSONL chunks, checks that every chunk landed, and
// only then deletes the events from the ledger.
type Archiver struct {
	events  domain.EventArchive
	writer  domain.BlobWriter
	checker domain.BlobChecker
	cfg     ArchiverConfig
	logger  *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(events domain.EventArchive, writer domain.BlobWriter, checker domain.BlobChecker, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultArchivePrefix
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Archiver{
		events:  events,
		writer:  writer,
		checker: checker,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// Archive uploads and then deletes every event created before the cutoff.
// It returns the number of events removed from the ledger.
func (a *Archiver) Archive(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.EventsBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(events) == 0 {
		a.logger.InfoContext(ctx, "nothing to archive", slog.Time("before", before))
		return 0, nil
	}

	var paths []string
	for part, start := 0, 0; start < len(events); part, start = part+1, start+a.cfg.ChunkSize {
		end := min(start+a.cfg.ChunkSize, len(events))
		path := archivePath(a.cfg.Prefix, before, part)
		if err := a.upload(ctx, path, events[start:end]); err != nil {
			return 0, err
		}
		paths = append(paths, path)
	}

	for _, path := range paths {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive verify: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("s3blob: archive verify %s: %w", path, domain.ErrNotFound)
		}
	}

	deleted, err := a.events.DeleteEventsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive prune: %w", err)
	}
	a.logger.InfoContext(ctx, "events archived",
		slog.Int("uploaded", len(events)),
		slog.Int64("deleted", deleted),
		slog.Int("objects", len(paths)),
		slog.Time("before", before),
	)
	return deleted, nil
}

func (a *Archiver) upload(ctx context.Context, path string, events []domain.Event) error {
	buf, err := marshalJSONL(events)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > minPartSize {
		err = mw.PutMultipart(ctx, path, bytes.NewReader(buf), jsonlContentType, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return nil
}

// archivePath partitions archives by cutoff month.
//
//	archive/events/2026-10/20261017T000000Z-0000.jsonl
func archivePath(prefix string, before time.Time, part int) string {
	before = before.UTC()
	return fmt.Sprintf("%s/%s/%s-%04d.jsonl", prefix, before.Format("2006-01"), before.Format("20060102T150405Z"), part)
}

// marshalJSONL encodes records as newline-delimited JSON.
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
