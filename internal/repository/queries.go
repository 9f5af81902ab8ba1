package repository

import (
	"context"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	insertClaimRecord = `INSERT INTO claim_records (identity) VALUES ($1)
ON CONFLICT (identity) DO NOTHING`

	lockClaimRecord = `SELECT identity FROM claim_records WHERE identity = $1 FOR UPDATE`

	getClaimRecord = `SELECT last_claim_at, total_claimed FROM claim_records WHERE identity = $1`

	upsertClaimRecord = `INSERT INTO claim_records (identity, last_claim_at, total_claimed)
VALUES ($1, $2, $3)
ON CONFLICT (identity) DO UPDATE
SET last_claim_at = EXCLUDED.last_claim_at,
    total_claimed = EXCLUDED.total_claimed,
    updated_at = now()`

	getPaused = `SELECT paused FROM faucet_state WHERE id = 1`

	upsertPaused = `INSERT INTO faucet_state (id, paused) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET paused = EXCLUDED.paused, updated_at = now()`
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

func newQueries(db dbtx) *queries {
	return &queries{db: db}
}

func (q *queries) WithTx(tx pgx.Tx) *queries {
	return &queries{db: tx}
}

// LockClaimRecord creates the zeroed record if needed and holds its row lock
// until the surrounding transaction ends.
func (q *queries) LockClaimRecord(ctx context.Context, identity string) error {
	if _, err := q.db.Exec(ctx, insertClaimRecord, identity); err != nil {
		return err
	}
	var locked string
	return q.db.QueryRow(ctx, lockClaimRecord, identity).Scan(&locked)
}

func (q *queries) GetClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	var (
		lastClaimAt  pgtype.Timestamptz
		totalClaimed int64
	)
	err := q.db.QueryRow(ctx, getClaimRecord, identity).Scan(&lastClaimAt, &totalClaimed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClaimRecord{Identity: identity}, nil
		}
		return domain.ClaimRecord{}, errors.Wrapf(err, "get claim record %s", identity)
	}

	record := domain.ClaimRecord{Identity: identity, TotalClaimed: totalClaimed}
	if lastClaimAt.Valid {
		record.LastClaimAt = lastClaimAt.Time.UTC()
	}
	return record, nil
}

func (q *queries) SaveClaimRecord(ctx context.Context, record domain.ClaimRecord) error {
	lastClaimAt := pgtype.Timestamptz{Time: record.LastClaimAt, Valid: record.HasClaimed()}
	if _, err := q.db.Exec(ctx, upsertClaimRecord, record.Identity, lastClaimAt, record.TotalClaimed); err != nil {
		return errors.Wrapf(err, "save claim record %s", record.Identity)
	}
	return nil
}

func (q *queries) IsPaused(ctx context.Context) (bool, error) {
	var paused bool
	if err := q.db.QueryRow(ctx, getPaused).Scan(&paused); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "get paused flag")
	}
	return paused, nil
}

func (q *queries) SetPaused(ctx context.Context, paused bool) error {
	if _, err := q.db.Exec(ctx, upsertPaused, paused); err != nil {
		return errors.Wrap(err, "set paused flag")
	}
	return nil
}
