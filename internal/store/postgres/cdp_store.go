package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

// CdpStore implements domain.CdpStore.
type CdpStore struct {
	pool *pgxpool.Pool
}

func NewCdpStore(pool *pgxpool.Pool) *CdpStore {
	return &CdpStore{pool: pool}
}

const cdpCols = `id, ilk, owner, account, operation_id, created_at`

func scanCdp(row pgx.Row) (domain.CdpRecord, error) {
	var rec domain.CdpRecord
	var id int64
	err := row.Scan(&id, &rec.Ilk, &rec.Owner, &rec.Account, &rec.OperationID, &rec.CreatedAt)
	rec.ID = uint64(id)
	return rec, err
}

// Upsert records a position; a repeated id refreshes the owner, which
// changes after a give.
func (s *CdpStore) Upsert(ctx context.Context, rec domain.CdpRecord) error {
	const query = `
		INSERT INTO cdps (id, ilk, owner, account, operation_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			account = EXCLUDED.account`
	if _, err := s.pool.Exec(ctx, query, int64(rec.ID), rec.Ilk, rec.Owner, rec.Account, rec.OperationID); err != nil {
		return fmt.Errorf("postgres: upsert cdp %d: %w", rec.ID, err)
	}
	return nil
}

func (s *CdpStore) GetByID(ctx context.Context, id uint64) (domain.CdpRecord, error) {
	rec, err := scanCdp(s.pool.QueryRow(ctx, `SELECT `+cdpCols+` FROM cdps WHERE id = $1`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CdpRecord{}, domain.ErrNotFound
		}
		return domain.CdpRecord{}, fmt.Errorf("postgres: get cdp %d: %w", id, err)
	}
	return rec, nil
}

// ListByOwner matches the owner case-insensitively and orders by id.
func (s *CdpStore) ListByOwner(ctx context.Context, owner string) ([]domain.CdpRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cdpCols+` FROM cdps WHERE lower(owner) = lower($1) ORDER BY id`, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cdps for %s: %w", owner, err)
	}
	defer rows.Close()

	out := []domain.CdpRecord{}
	for rows.Next() {
		rec, err := scanCdp(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan cdp: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ domain.CdpStore = (*CdpStore)(nil)
