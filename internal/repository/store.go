package repository

import (
	"context"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store owns every ClaimRecord and the pause flag.
//
// ExecTx is the per-identity critical section: fn runs while no other ExecTx
// for the same identity can, and every write made through the Querier is
// discarded when fn returns an error.
type Store interface {
	ExecTx(ctx context.Context, identity string, fn func(Querier) error) error
	GetClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error)
	IsPaused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
	Close() error
}

type Querier interface {
	IsPaused(ctx context.Context) (bool, error)
	GetClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error)
	SaveClaimRecord(ctx context.Context, record domain.ClaimRecord) error
}

type store struct {
	pool    *pgxpool.Pool
	queries *queries
	logger  *zap.SugaredLogger
}

func New(pool *pgxpool.Pool, logger *zap.SugaredLogger) Store {
	return &store{
		pool:    pool,
		queries: newQueries(pool),
		logger:  logger,
	}
}

func (s *store) ExecTx(ctx context.Context, identity string, fn func(Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}

	q := s.queries.WithTx(tx)
	if err := q.LockClaimRecord(ctx, identity); err != nil {
		s.rollback(ctx, tx)
		return errors.Wrapf(err, "lock claim record %s", identity)
	}

	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func (s *store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		s.logger.Warnw("rollback failed", "error", err)
	}
}

func (s *store) GetClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	return s.queries.GetClaimRecord(ctx, identity)
}

func (s *store) IsPaused(ctx context.Context) (bool, error) {
	return s.queries.IsPaused(ctx)
}

func (s *store) SetPaused(ctx context.Context, paused bool) error {
	return s.queries.SetPaused(ctx, paused)
}

func (s *store) Close() error {
	s.pool.Close()
	return nil
}
