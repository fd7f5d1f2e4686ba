package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	archivePrefix    = "archive/operations/"
	archivePageSize  = 500
)

// ArchivedOperation is one JSONL line: an operation with its transitions.
type ArchivedOperation struct {
	Operation domain.Operation `json:"operation"`
	Events    []domain.TxEvent `json:"events"`
}

// Archiver implements domain.Archiver. It exports settled operations older
// than a cutoff to a JSONL object, audits the export and only then deletes
// the rows.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	ops    domain.OperationStore
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver builds an Archiver. reader and audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, ops domain.OperationStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		ops:    ops,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchiveOperations returns how many operations were exported and removed.
// An export never replaces an existing object; the rows stay put instead.
func (a *Archiver) ArchiveOperations(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.collect(ctx, before)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	path := archivePath(before, a.now())
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive check %s: %w", path, err)
		}
		if exists {
			return 0, fmt.Errorf("s3blob: archive %s: %w", path, domain.ErrAlreadyExists)
		}
	}
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.operations", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return 0, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}

	deleted, err := a.ops.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive delete: %w", err)
	}
	a.logger.InfoContext(ctx, "operations archived",
		slog.String("path", path),
		slog.Int64("exported", count),
		slog.Int64("deleted", deleted),
	)
	return deleted, nil
}

// collect pages through operations created before the cutoff, skipping the
// ones still pending since DeleteBefore keeps them too.
func (a *Archiver) collect(ctx context.Context, before time.Time) ([]ArchivedOperation, error) {
	until := before.Add(-time.Nanosecond)
	var out []ArchivedOperation
	for offset := 0; ; offset += archivePageSize {
		page, err := a.ops.ListOperations(ctx, domain.ListOpts{Until: &until, Limit: archivePageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("s3blob: archive list operations: %w", err)
		}
		for _, op := range page {
			if op.Status == domain.TxPending {
				continue
			}
			events, err := a.ops.ListEvents(ctx, op.ID)
			if err != nil {
				return nil, fmt.Errorf("s3blob: archive list events %s: %w", op.ID, err)
			}
			out = append(out, ArchivedOperation{Operation: op, Events: events})
		}
		if len(page) < archivePageSize {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Operation.CreatedAt.Before(out[j].Operation.CreatedAt)
	})
	return out, nil
}

// Archives lists the exported objects, newest first.
func (a *Archiver) Archives(ctx context.Context) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: no reader configured")
	}
	infos, err := a.reader.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path > infos[j].Path })
	return infos, nil
}

// Load reads an exported object back.
func (a *Archiver) Load(ctx context.Context, path string) ([]ArchivedOperation, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: no reader configured")
	}
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []ArchivedOperation
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec ArchivedOperation
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	return out, nil
}

// archivePath names an export by cutoff date and export time so repeated
// runs never overwrite each other:
//
//	archive/operations/2026-09-30/20261018T120000Z.jsonl
func archivePath(before, at time.Time) string {
	return fmt.Sprintf("%s%s/%s.jsonl", archivePrefix, before.UTC().Format("2006-01-02"), at.UTC().Format("20060102T150405Z"))
}

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

var _ domain.Archiver = (*Archiver)(nil)
