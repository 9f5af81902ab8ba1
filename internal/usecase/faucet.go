package usecase

import (
	"context"
	"time"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/azizikri/token-faucet/internal/repository"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// FaucetService hands out FaucetAmount to an identity at most once per
// CooldownPeriod and never past MaxClaimAmount in total.
type FaucetService struct {
	store         repository.Store
	ledger        Ledger
	ledgerTimeout time.Duration
	settings      domain.Settings
	authorizer    Authorizer
	logger        *zap.SugaredLogger
}

type Option func(*FaucetService)

func WithAuthorizer(a Authorizer) Option {
	return func(s *FaucetService) {
		s.authorizer = a
	}
}

// WithLedgerTimeout bounds each Mint call. Stores whose per-identity lock
// expires need it set below the lock TTL.
func WithLedgerTimeout(d time.Duration) Option {
	return func(s *FaucetService) {
		s.ledgerTimeout = d
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *FaucetService) {
		s.logger = logger
	}
}

func NewFaucetService(store repository.Store, ledger Ledger, settings domain.Settings, opts ...Option) (*FaucetService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	admin, err := domain.NormalizeIdentity(settings.Admin)
	if err != nil {
		return nil, err
	}
	settings.Admin = admin

	s := &FaucetService{
		store:      store,
		ledger:     ledger,
		settings:   settings,
		authorizer: NewAdminPolicy(admin),
		logger:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FaucetService) Settings() domain.Settings {
	return s.settings
}

// RequestTokens mints FaucetAmount to identity and records the claim at now.
// Nothing is recorded unless the mint succeeded.
func (s *FaucetService) RequestTokens(ctx context.Context, identity string, now time.Time) (domain.ClaimRecord, error) {
	identity, err := domain.NormalizeIdentity(identity)
	if err != nil {
		return domain.ClaimRecord{}, err
	}

	var (
		claimed domain.ClaimRecord
		minted  bool
	)
	err = s.store.ExecTx(ctx, identity, func(q repository.Querier) error {
		paused, err := q.IsPaused(ctx)
		if err != nil {
			return err
		}
		record, err := q.GetClaimRecord(ctx, identity)
		if err != nil {
			return err
		}
		if err := s.eligibility(paused, record, now); err != nil {
			return err
		}

		if err := s.mint(ctx, identity); err != nil {
			return errors.Mark(errors.Wrap(err, domain.ErrLedgerFailure.Error()), domain.ErrLedgerFailure)
		}
		minted = true

		record.LastClaimAt = now
		record.TotalClaimed += s.settings.FaucetAmount
		if err := q.SaveClaimRecord(ctx, record); err != nil {
			return err
		}
		claimed = record
		return nil
	})
	if err != nil {
		if minted {
			s.compensate(ctx, identity, err)
		}
		s.logger.Debugw("claim rejected", "identity", identity, "error", err)
		return domain.ClaimRecord{}, err
	}

	s.logger.Infow("tokens distributed",
		"identity", identity,
		"amount", s.settings.FaucetAmount,
		"total_claimed", claimed.TotalClaimed,
	)
	return claimed, nil
}

func (s *FaucetService) mint(ctx context.Context, identity string) error {
	if s.ledgerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ledgerTimeout)
		defer cancel()
	}
	return s.ledger.Mint(ctx, identity, s.settings.FaucetAmount)
}

// compensate undoes a mint whose claim record never got committed.
func (s *FaucetService) compensate(ctx context.Context, identity string, cause error) {
	reverser, ok := s.ledger.(Reverser)
	if !ok {
		s.logger.Errorw("minted without bookkeeping and ledger cannot reverse",
			"identity", identity, "amount", s.settings.FaucetAmount, "error", cause)
		return
	}
	if err := reverser.Reverse(context.WithoutCancel(ctx), identity, s.settings.FaucetAmount); err != nil {
		s.logger.Errorw("failed to reverse mint",
			"identity", identity, "amount", s.settings.FaucetAmount, "error", err, "cause", cause)
		return
	}
	s.logger.Warnw("mint reversed after failed commit", "identity", identity, "cause", cause)
}

// eligibility is the single guard shared by RequestTokens and CheckEligibility.
// The order of the checks decides which error a caller sees.
func (s *FaucetService) eligibility(paused bool, record domain.ClaimRecord, now time.Time) error {
	if paused {
		return domain.ErrPaused
	}
	if record.HasClaimed() && now.Sub(record.LastClaimAt) < s.settings.CooldownPeriod {
		return domain.ErrCooldownNotElapsed
	}
	if record.TotalClaimed+s.settings.FaucetAmount > s.settings.MaxClaimAmount {
		return domain.ErrLifetimeLimitReached
	}
	return nil
}

// CheckEligibility returns the error RequestTokens would fail with at now,
// short of the ledger call, or nil.
func (s *FaucetService) CheckEligibility(ctx context.Context, identity string, now time.Time) error {
	identity, err := domain.NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	paused, err := s.store.IsPaused(ctx)
	if err != nil {
		return err
	}
	record, err := s.store.GetClaimRecord(ctx, identity)
	if err != nil {
		return err
	}
	return s.eligibility(paused, record, now)
}

func (s *FaucetService) CanClaim(ctx context.Context, identity string, now time.Time) (bool, error) {
	err := s.CheckEligibility(ctx, identity, now)
	switch {
	case err == nil:
		return true, nil
	case isIneligible(err):
		return false, nil
	default:
		return false, err
	}
}

func isIneligible(err error) bool {
	return errors.IsAny(err, domain.ErrPaused, domain.ErrCooldownNotElapsed, domain.ErrLifetimeLimitReached)
}

// RemainingAllowance is MaxClaimAmount minus everything identity received.
func (s *FaucetService) RemainingAllowance(ctx context.Context, identity string) (int64, error) {
	record, err := s.ClaimRecord(ctx, identity)
	if err != nil {
		return 0, err
	}
	remaining := s.settings.MaxClaimAmount - record.TotalClaimed
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (s *FaucetService) ClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	identity, err := domain.NormalizeIdentity(identity)
	if err != nil {
		return domain.ClaimRecord{}, err
	}
	return s.store.GetClaimRecord(ctx, identity)
}

// SetPaused flips the global pause switch. Setting the current value again
// succeeds.
func (s *FaucetService) SetPaused(ctx context.Context, caller string, paused bool) error {
	if !s.authorizer.IsAuthorized(caller, domain.ActionSetPaused) {
		s.logger.Warnw("unauthorized pause attempt", "caller", caller, "paused", paused)
		return domain.ErrNotAdmin
	}
	if err := s.store.SetPaused(ctx, paused); err != nil {
		return err
	}
	s.logger.Infow("pause flag updated", "caller", caller, "paused", paused)
	return nil
}

func (s *FaucetService) Status(ctx context.Context) (domain.Status, error) {
	paused, err := s.store.IsPaused(ctx)
	if err != nil {
		return domain.Status{}, err
	}
	status := domain.Status{
		Paused:         paused,
		Admin:          s.settings.Admin,
		FaucetAmount:   s.settings.FaucetAmount,
		MaxClaimAmount: s.settings.MaxClaimAmount,
		CooldownPeriod: s.settings.CooldownPeriod,
	}
	if lister, ok := s.authorizer.(AdminLister); ok {
		status.Admins = lister.Admins()
	}
	return status, nil
}
