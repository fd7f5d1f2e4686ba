package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	puts    int
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if contentType != jsonlContentType {
		return errors.New("unexpected content type " + contentType)
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type memOps struct {
	ops     []domain.Operation
	events  map[string][]domain.TxEvent
	deleted time.Time
}

func (m *memOps) UpsertOperation(context.Context, domain.Operation) error { return nil }
func (m *memOps) InsertEvent(context.Context, domain.TxEvent) error       { return nil }
func (m *memOps) GetOperation(context.Context, string) (domain.Operation, error) {
	return domain.Operation{}, domain.ErrNotFound
}

func (m *memOps) ListEvents(_ context.Context, id string) ([]domain.TxEvent, error) {
	return m.events[id], nil
}

func (m *memOps) ListOperations(_ context.Context, opts domain.ListOpts) ([]domain.Operation, error) {
	var out []domain.Operation
	for _, op := range m.ops {
		if opts.Until != nil && op.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, op)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memOps) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.deleted = before
	var n int64
	kept := m.ops[:0]
	for _, op := range m.ops {
		if op.CreatedAt.Before(before) && op.Status != domain.TxPending {
			n++
			continue
		}
		kept = append(kept, op)
	}
	m.ops = kept
	return n, nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveOperations(t *testing.T) {
	cutoff := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	ops := &memOps{
		ops: []domain.Operation{
			{ID: "old-mined", Name: "open", Status: domain.TxMined, CreatedAt: cutoff.Add(-48 * time.Hour)},
			{ID: "old-failed", Name: "wipe", Status: domain.TxError, CreatedAt: cutoff.Add(-24 * time.Hour)},
			{ID: "old-pending", Name: "draw", Status: domain.TxPending, CreatedAt: cutoff.Add(-time.Hour)},
			{ID: "new", Name: "open", Status: domain.TxMined, CreatedAt: cutoff.Add(time.Hour)},
		},
		events: map[string][]domain.TxEvent{
			"old-mined": {
				{OperationID: "old-mined", Step: 0, State: domain.TxPending},
				{OperationID: "old-mined", Step: 0, State: domain.TxMined, BlockNumber: 7},
			},
		},
	}
	blobs := &memBlobs{objects: make(map[string][]byte)}
	audit := &memAudit{}
	a := NewArchiver(blobs, blobs, ops, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }

	n, err := a.ArchiveOperations(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted=%d", n)
	}
	const path = "archive/operations/2026-09-30/20261018T120000Z.jsonl"
	if _, ok := blobs.objects[path]; !ok {
		t.Fatalf("objects=%v", blobs.objects)
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.operations" {
		t.Fatalf("audit=%v", audit.events)
	}
	if len(ops.ops) != 2 {
		t.Fatalf("remaining=%v", ops.ops)
	}

	infos, err := a.Archives(context.Background())
	if err != nil || len(infos) != 1 || infos[0].Path != path {
		t.Fatalf("archives=%v err=%v", infos, err)
	}
	recs, err := a.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 || recs[0].Operation.ID != "old-mined" || len(recs[0].Events) != 2 || recs[0].Events[1].BlockNumber != 7 {
		t.Fatalf("records=%+v", recs)
	}
}

func TestArchiveNothingToDo(t *testing.T) {
	ops := &memOps{}
	blobs := &memBlobs{objects: make(map[string][]byte)}
	a := NewArchiver(blobs, nil, ops, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := a.ArchiveOperations(context.Background(), time.Now())
	if err != nil || n != 0 || blobs.puts != 0 || !ops.deleted.IsZero() {
		t.Fatalf("n=%d err=%v puts=%d", n, err, blobs.puts)
	}
	if _, err := a.Archives(context.Background()); err == nil {
		t.Fatal("expected error without a reader")
	}
}

func TestArchiveKeepsRowsWhenObjectExists(t *testing.T) {
	cutoff := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	ops := &memOps{ops: []domain.Operation{
		{ID: "old", Name: "open", Status: domain.TxMined, CreatedAt: cutoff.Add(-time.Hour)},
	}}
	const path = "archive/operations/2026-09-30/20261018T120000Z.jsonl"
	blobs := &memBlobs{objects: map[string][]byte{path: []byte("earlier export\n")}}
	audit := &memAudit{}
	a := NewArchiver(blobs, blobs, ops, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }

	n, err := a.ArchiveOperations(context.Background(), cutoff)
	if !errors.Is(err, domain.ErrAlreadyExists) || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if blobs.puts != 0 || string(blobs.objects[path]) != "earlier export\n" {
		t.Fatalf("existing object was overwritten: puts=%d", blobs.puts)
	}
	if len(ops.ops) != 1 || !ops.deleted.IsZero() || len(audit.events) != 0 {
		t.Fatalf("rows touched: ops=%v audit=%v", ops.ops, audit.events)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	if got := normaliseEndpoint("minio:9000", false); got != "http://minio:9000" {
		t.Fatal(got)
	}
	if got := normaliseEndpoint("r2.example.com", true); got != "https://r2.example.com" {
		t.Fatal(got)
	}
	if got := normaliseEndpoint("https://s3.example.com", false); got != "https://s3.example.com" {
		t.Fatal(got)
	}
}
