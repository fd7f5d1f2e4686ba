package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

// OperationStore implements domain.OperationStore over tx_operations and
// tx_steps.
type OperationStore struct {
	pool *pgxpool.Pool
}

func NewOperationStore(pool *pgxpool.Pool) *OperationStore {
	return &OperationStore{pool: pool}
}

const operationCols = `id, name, account, status, steps, result, error, created_at, updated_at`

func scanOperation(row pgx.Row) (domain.Operation, error) {
	var op domain.Operation
	var status string
	err := row.Scan(&op.ID, &op.Name, &op.Account, &status, &op.Steps,
		&op.Result, &op.Error, &op.CreatedAt, &op.UpdatedAt)
	op.Status = domain.TxState(status)
	return op, err
}

// UpsertOperation inserts op or overwrites its mutable columns. created_at
// is kept from the first write.
func (s *OperationStore) UpsertOperation(ctx context.Context, op domain.Operation) error {
	const query = `
		INSERT INTO tx_operations (` + operationCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			account    = COALESCE(NULLIF(EXCLUDED.account, ''), tx_operations.account),
			status     = EXCLUDED.status,
			steps      = GREATEST(tx_operations.steps, EXCLUDED.steps),
			result     = EXCLUDED.result,
			error      = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query,
		op.ID, op.Name, op.Account, string(op.Status), op.Steps,
		op.Result, op.Error, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *OperationStore) InsertEvent(ctx context.Context, e domain.TxEvent) error {
	const query = `
		INSERT INTO tx_steps (operation_id, operation, step, state, contract, method, hash, block_number, error, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		e.OperationID, e.Operation, e.Step, string(e.State),
		e.Metadata.Contract, e.Metadata.Method,
		e.Hash, int64(e.BlockNumber), e.Error, e.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert event %s/%d: %w", e.OperationID, e.Step, err)
	}
	return nil
}

// GetOperation returns domain.ErrNotFound for an unknown id.
func (s *OperationStore) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	op, err := scanOperation(s.pool.QueryRow(ctx,
		`SELECT `+operationCols+` FROM tx_operations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Operation{}, domain.ErrNotFound
		}
		return domain.Operation{}, fmt.Errorf("postgres: get operation %s: %w", id, err)
	}
	return op, nil
}

// ListEvents returns the transitions of one operation in insertion order.
func (s *OperationStore) ListEvents(ctx context.Context, operationID string) ([]domain.TxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT operation_id, operation, step, state, contract, method, hash, block_number, error, at
		FROM tx_steps WHERE operation_id = $1 ORDER BY id`, operationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events %s: %w", operationID, err)
	}
	defer rows.Close()

	events := []domain.TxEvent{}
	for rows.Next() {
		var e domain.TxEvent
		var state string
		var block int64
		if err := rows.Scan(&e.OperationID, &e.Operation, &e.Step, &state,
			&e.Metadata.Contract, &e.Metadata.Method, &e.Hash, &block, &e.Error, &e.At); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.State = domain.TxState(state)
		e.BlockNumber = uint64(block)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *OperationStore) ListOperations(ctx context.Context, opts domain.ListOpts) ([]domain.Operation, error) {
	query, args := appendWindow(`SELECT `+operationCols+` FROM tx_operations WHERE TRUE`, nil, "created_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list operations: %w", err)
	}
	defer rows.Close()

	ops := []domain.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DeleteBefore removes settled operations created before the cutoff. Their
// steps go with them via ON DELETE CASCADE.
func (s *OperationStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tx_operations WHERE created_at < $1 AND status <> $2`,
		before, string(domain.TxPending))
	if err != nil {
		return 0, fmt.Errorf("postgres: delete operations before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.OperationStore = (*OperationStore)(nil)
