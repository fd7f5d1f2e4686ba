package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OperationStore persists tracked transactions and their step transitions.
type OperationStore interface {
	UpsertOperation(ctx context.Context, op Operation) error
	InsertEvent(ctx context.Context, e TxEvent) error
	GetOperation(ctx context.Context, id string) (Operation, error)
	ListEvents(ctx context.Context, operationID string) ([]TxEvent, error)
	ListOperations(ctx context.Context, opts ListOpts) ([]Operation, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// CdpStore journals positions opened through this client.
type CdpStore interface {
	Upsert(ctx context.Context, rec CdpRecord) error
	GetByID(ctx context.Context, id uint64) (CdpRecord, error)
	ListByOwner(ctx context.Context, owner string) ([]CdpRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
