package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/azizikri/token-faucet/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testAdmin    = "0xadmin"
	testIdentity = "0xaaa"
	day          = 24 * time.Hour
)

var testSettings = domain.Settings{
	FaucetAmount:   100,
	CooldownPeriod: day,
	MaxClaimAmount: 500,
	Admin:          testAdmin,
}

type mintCall struct {
	identity string
	amount   int64
}

type fakeLedger struct {
	mu       sync.Mutex
	mints    []mintCall
	reverses []mintCall
	mintErr  error
	delay    time.Duration
}

func (l *fakeLedger) Mint(_ context.Context, identity string, amount int64) error {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mintErr != nil {
		return l.mintErr
	}
	l.mints = append(l.mints, mintCall{identity, amount})
	return nil
}

func (l *fakeLedger) Reverse(_ context.Context, identity string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverses = append(l.reverses, mintCall{identity, amount})
	return nil
}

func (l *fakeLedger) mintCount(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.mints {
		if m.identity == identity {
			n++
		}
	}
	return n
}

// mockStore overrides single MemoryStore methods to inject failures.
type mockStore struct {
	*repository.MemoryStore
	execTxFn   func(ctx context.Context, identity string, fn func(repository.Querier) error) error
	isPausedFn func(ctx context.Context) (bool, error)
}

func (m *mockStore) ExecTx(ctx context.Context, identity string, fn func(repository.Querier) error) error {
	if m.execTxFn != nil {
		return m.execTxFn(ctx, identity, fn)
	}
	return m.MemoryStore.ExecTx(ctx, identity, fn)
}

func (m *mockStore) IsPaused(ctx context.Context) (bool, error) {
	if m.isPausedFn != nil {
		return m.isPausedFn(ctx)
	}
	return m.MemoryStore.IsPaused(ctx)
}

type failingSaveQuerier struct {
	repository.Querier
	err error
}

func (q *failingSaveQuerier) SaveClaimRecord(context.Context, domain.ClaimRecord) error {
	return q.err
}

func newTestService(t *testing.T, store repository.Store, ledger Ledger) *FaucetService {
	t.Helper()
	svc, err := NewFaucetService(store, ledger, testSettings, WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	return svc
}

func at(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}

func TestNewFaucetService_InvalidSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings domain.Settings
	}{
		{"zero amount", domain.Settings{FaucetAmount: 0, MaxClaimAmount: 500, Admin: testAdmin}},
		{"zero max", domain.Settings{FaucetAmount: 100, MaxClaimAmount: 0, Admin: testAdmin}},
		{"amount above max", domain.Settings{FaucetAmount: 600, MaxClaimAmount: 500, Admin: testAdmin}},
		{"negative cooldown", domain.Settings{FaucetAmount: 100, MaxClaimAmount: 500, CooldownPeriod: -time.Second, Admin: testAdmin}},
		{"no admin", domain.Settings{FaucetAmount: 100, MaxClaimAmount: 500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFaucetService(repository.NewMemoryStore(), &fakeLedger{}, tt.settings)
			assert.ErrorIs(t, err, domain.ErrInvalidSettings)
		})
	}
}

func TestNewFaucetService_MissingDependencies(t *testing.T) {
	_, err := NewFaucetService(nil, &fakeLedger{}, testSettings)
	assert.Error(t, err)

	_, err = NewFaucetService(repository.NewMemoryStore(), nil, testSettings)
	assert.Error(t, err)
}

func TestRequestTokens_Success(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(t, repository.NewMemoryStore(), ledger)
	ctx := context.Background()

	record, err := svc.RequestTokens(ctx, testIdentity, at(1000))
	require.NoError(t, err)

	assert.Equal(t, testIdentity, record.Identity)
	assert.Equal(t, int64(100), record.TotalClaimed)
	assert.True(t, record.LastClaimAt.Equal(at(1000)))
	assert.Equal(t, []mintCall{{testIdentity, 100}}, ledger.mints)

	stored, err := svc.ClaimRecord(ctx, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, record, stored)
}

func TestRequestTokens_NormalizesIdentity(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(t, repository.NewMemoryStore(), ledger)
	ctx := context.Background()

	_, err := svc.RequestTokens(ctx, "  0xAAA ", at(0))
	require.NoError(t, err)

	_, err = svc.RequestTokens(ctx, "0xaaa", at(10))
	assert.ErrorIs(t, err, domain.ErrCooldownNotElapsed)
	assert.Equal(t, 1, ledger.mintCount(testIdentity))
}

func TestRequestTokens_EmptyIdentity(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(t, repository.NewMemoryStore(), ledger)

	_, err := svc.RequestTokens(context.Background(), "   ", at(0))
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
	assert.Empty(t, ledger.mints)
}

func TestRequestTokens_Trace(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(t, repository.NewMemoryStore(), ledger)
	ctx := context.Background()

	record, err := svc.RequestTokens(ctx, testIdentity, at(0))
	require.NoError(t, err)
	assert.Equal(t, int64(100), record.TotalClaimed)

	_, err = svc.RequestTokens(ctx, testIdentity, at(3600))
	assert.ErrorIs(t, err, domain.ErrCooldownNotElapsed)

	for i, ts := range []int64{86400, 172800, 259200, 345600} {
		record, err = svc.RequestTokens(ctx, testIdentity, at(ts))
		require.NoError(t, err, "claim at %d", ts)
		assert.Equal(t, int64(100*(i+2)), record.TotalClaimed)
	}
	assert.Equal(t, int64(500), record.TotalClaimed)

	_, err = svc.RequestTokens(ctx, testIdentity, at(432000))
	assert.ErrorIs(t, err, domain.ErrLifetimeLimitReached)

	remaining, err := svc.RemainingAllowance(ctx, testIdentity)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Len(t, ledger.mints, 5)
}

func TestRequestTokens_CooldownBoundary(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore(), &fakeLedger{})
	ctx := context.Background()
	t0 := at(5000)

	_, err := svc.RequestTokens(ctx, testIdentity, t0)
	require.NoError(t, err)

	for _, offset := range []time.Duration{0, time.Second, day - time.Nanosecond} {
		_, err = svc.RequestTokens(ctx, testIdentity, t0.Add(offset))
		assert.ErrorIs(t, err, domain.ErrCooldownNotElapsed, "offset %s", offset)
	}

	_, err = svc.RequestTokens(ctx, testIdentity, t0.Add(day))
	assert.NoError(t, err)
}

func TestRequestTokens_LifetimeCapLandsOnCap(t *testing.T) {
	settings := domain.Settings{FaucetAmount: 300, CooldownPeriod: 0, MaxClaimAmount: 500, Admin: testAdmin}
	svc, err := NewFaucetService(repository.NewMemoryStore(), &fakeLedger{}, settings)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.RequestTokens(ctx, testIdentity, at(0))
	require.NoError(t, err)

	// 300 + 300 would pass 500.
	_, err = svc.RequestTokens(ctx, testIdentity, at(1))
	assert.ErrorIs(t, err, domain.ErrLifetimeLimitReached)

	remaining, err := svc.RemainingAllowance(ctx, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, int64(200), remaining)
}

func TestRequestTokens_Paused(t *testing.T) {
	ledger := &fakeLedger{}
	store := repository.NewMemoryStore()
	svc := newTestService(t, store, ledger)
	ctx := context.Background()

	require.NoError(t, svc.SetPaused(ctx, testAdmin, true))

	for _, id := range []string{"0xaaa", "0xbbb", "0xccc"} {
		_, err := svc.RequestTokens(ctx, id, at(0))
		assert.ErrorIs(t, err, domain.ErrPaused)
	}
	assert.Empty(t, ledger.mints)

	require.NoError(t, svc.SetPaused(ctx, testAdmin, false))
	_, err := svc.RequestTokens(ctx, testIdentity, at(0))
	assert.NoError(t, err)
}

func TestRequestTokens_PausedTakesPrecedence(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore(), &fakeLedger{})
	ctx := context.Background()

	_, err := svc.RequestTokens(ctx, testIdentity, at(0))
	require.NoError(t, err)
	require.NoError(t, svc.SetPaused(ctx, testAdmin, true))

	// In cooldown too, but the pause wins.
	_, err = svc.RequestTokens(ctx, testIdentity, at(10))
	assert.ErrorIs(t, err, domain.ErrPaused)
}

func TestRequestTokens_CooldownBeforeLifetime(t *testing.T) {
	settings := domain.Settings{FaucetAmount: 500, CooldownPeriod: day, MaxClaimAmount: 500, Admin: testAdmin}
	svc, err := NewFaucetService(repository.NewMemoryStore(), &fakeLedger{}, settings)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.RequestTokens(ctx, testIdentity, at(0))
	require.NoError(t, err)

	_, err = svc.RequestTokens(ctx, testIdentity, at(10))
	assert.ErrorIs(t, err, domain.ErrCooldownNotElapsed)

	_, err = svc.RequestTokens(ctx, testIdentity, at(0).Add(day))
	assert.ErrorIs(t, err, domain.ErrLifetimeLimitReached)
}

func TestRequestTokens_LedgerFailure(t *testing.T) {
	boom := errors.New("node unreachable")
	ledger := &fakeLedger{mintErr: boom}
	svc := newTestService(t, repository.NewMemoryStore(), ledger)
	ctx := context.Background()

	_, err := svc.RequestTokens(ctx, testIdentity, at(0))
	require.ErrorIs(t, err, domain.ErrLedgerFailure)
	assert.ErrorIs(t, err, boom)

	record, err := svc.ClaimRecord(ctx, testIdentity)
	require.NoError(t, err)
	assert.False(t, record.HasClaimed())
	assert.Zero(t, record.TotalClaimed)
	assert.Empty(t, ledger.reverses)

	// The failed attempt starts no cooldown.
	ledger.mintErr = nil
	_, err = svc.RequestTokens(ctx, testIdentity, at(1))
	assert.NoError(t, err)
}

type blockingLedger struct {
	fakeLedger
}

func (l *blockingLedger) Mint(ctx context.Context, _ string, _ int64) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRequestTokens_LedgerTimeout(t *testing.T) {
	ledger := &blockingLedger{}
	svc, err := NewFaucetService(repository.NewMemoryStore(), ledger, testSettings, WithLedgerTimeout(20*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.RequestTokens(ctx, testIdentity, at(0))
	require.ErrorIs(t, err, domain.ErrLedgerFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	record, err := svc.ClaimRecord(ctx, testIdentity)
	require.NoError(t, err)
	assert.False(t, record.HasClaimed())
	assert.Empty(t, ledger.reverses)
}

func TestRequestTokens_SaveFailureReversesMint(t *testing.T) {
	saveErr := errors.New("disk full")
	mem := repository.NewMemoryStore()
	store := &mockStore{
		MemoryStore: mem,
		execTxFn: func(ctx context.Context, identity string, fn func(repository.Querier) error) error {
			return mem.ExecTx(ctx, identity, func(q repository.Querier) error {
				return fn(&failingSaveQuerier{Querier: q, err: saveErr})
			})
		},
	}
	ledger := &fakeLedger{}
	svc := newTestService(t, store, ledger)
	ctx := context.Background()

	_, err := svc.RequestTokens(ctx, testIdentity, at(0))
	require.ErrorIs(t, err, saveErr)

	assert.Equal(t, []mintCall{{testIdentity, 100}}, ledger.mints)
	assert.Equal(t, []mintCall{{testIdentity, 100}}, ledger.reverses)

	record, err := mem.GetClaimRecord(ctx, testIdentity)
	require.NoError(t, err)
	assert.False(t, record.HasClaimed())
}

func TestRequestTokens_CommitFailureReversesMint(t *testing.T) {
	commitErr := errors.New("commit tx: connection reset")
	mem := repository.NewMemoryStore()
	store := &mockStore{
		MemoryStore: mem,
		execTxFn: func(ctx context.Context, identity string, fn func(repository.Querier) error) error {
			scratch := repository.NewMemoryStore()
			if err := scratch.ExecTx(ctx, identity, fn); err != nil {
				return err
			}
			return commitErr
		},
	}
	ledger := &fakeLedger{}
	svc := newTestService(t, store, ledger)

	_, err := svc.RequestTokens(context.Background(), testIdentity, at(0))
	require.ErrorIs(t, err, commitErr)
	assert.Len(t, ledger.reverses, 1)
}

func TestRequestTokens_RejectionDoesNotReverse(t *testing.T) {
	ledger := &fakeLedger{}
	svc := newTestService(t, repository.NewMemoryStore(), ledger)
	ctx := context.Background()

	_, err := svc.RequestTokens(ctx, testIdentity, at(0))
	require.NoError(t, err)
	_, err = svc.RequestTokens(ctx, testIdentity, at(1))
	require.ErrorIs(t, err, domain.ErrCooldownNotElapsed)

	assert.Empty(t, ledger.reverses)
}

func TestRequestTokens_StoreFailure(t *testing.T) {
	storeErr := errors.New("store unavailable")
	store := &mockStore{
		MemoryStore: repository.NewMemoryStore(),
		execTxFn: func(context.Context, string, func(repository.Querier) error) error {
			return storeErr
		},
	}
	ledger := &fakeLedger{}
	svc := newTestService(t, store, ledger)

	_, err := svc.RequestTokens(context.Background(), testIdentity, at(0))
	assert.ErrorIs(t, err, storeErr)
	assert.Empty(t, ledger.mints)
}

func TestRequestTokens_ConcurrentSameIdentity(t *testing.T) {
	ledger := &fakeLedger{delay: 5 * time.Millisecond}
	svc := newTestService(t, repository.NewMemoryStore(), ledger)
	ctx := context.Background()

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		cooldowns int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RequestTokens(ctx, testIdentity, at(0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrCooldownNotElapsed):
				cooldowns++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, cooldowns)
	assert.Equal(t, 1, ledger.mintCount(testIdentity))

	record, err := svc.ClaimRecord(ctx, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, int64(100), record.TotalClaimed)
}

func TestRequestTokens_ConcurrentDistinctIdentities(t *testing.T) {
	ledger := &fakeLedger{delay: time.Millisecond}
	svc := newTestService(t, repository.NewMemoryStore(), ledger)
	ctx := context.Background()

	const identities = 25
	var wg sync.WaitGroup
	errs := make([]error, identities)
	for i := 0; i < identities; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RequestTokens(ctx, fmt.Sprintf("0x%03d", i), at(0))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "identity %d", i)
	}
	assert.Len(t, ledger.mints, identities)
}

func TestRequestTokens_IdentitiesAreIndependent(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore(), &fakeLedger{})
	ctx := context.Background()

	_, err := svc.RequestTokens(ctx, "0xaaa", at(0))
	require.NoError(t, err)

	remaining, err := svc.RemainingAllowance(ctx, "0xbbb")
	require.NoError(t, err)
	assert.Equal(t, int64(500), remaining)

	ok, err := svc.CanClaim(ctx, "0xbbb", at(1))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.RequestTokens(ctx, "0xbbb", at(1))
	assert.NoError(t, err)
}

func TestCanClaim_NewIdentity(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore(), &fakeLedger{})
	ctx := context.Background()

	ok, err := svc.CanClaim(ctx, "0xnew", at(0))
	require.NoError(t, err)
	assert.True(t, ok)

	remaining, err := svc.RemainingAllowance(ctx, "0xnew")
	require.NoError(t, err)
	assert.Equal(t, testSettings.MaxClaimAmount, remaining)
}

func TestCanClaim_MatchesRequestTokens(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, repository.NewMemoryStore(), &fakeLedger{})

	steps := []struct {
		ts     int64
		paused bool
	}{
		{0, false}, {10, false}, {86400, true}, {86400, false},
		{172800, false}, {259200, false}, {345600, false}, {432000, false}, {999999, false},
	}

	for _, step := range steps {
		require.NoError(t, svc.SetPaused(ctx, testAdmin, step.paused))

		first, err := svc.CanClaim(ctx, testIdentity, at(step.ts))
		require.NoError(t, err)
		again, err := svc.CanClaim(ctx, testIdentity, at(step.ts))
		require.NoError(t, err)
		assert.Equal(t, first, again, "canClaim changed without a claim at %d", step.ts)

		_, err = svc.RequestTokens(ctx, testIdentity, at(step.ts))
		assert.Equal(t, first, err == nil, "t=%d paused=%v err=%v", step.ts, step.paused, err)
	}
}

func TestCanClaim_StoreError(t *testing.T) {
	storeErr := errors.New("store unavailable")
	store := &mockStore{
		MemoryStore: repository.NewMemoryStore(),
		isPausedFn: func(context.Context) (bool, error) {
			return false, storeErr
		},
	}
	svc := newTestService(t, store, &fakeLedger{})

	ok, err := svc.CanClaim(context.Background(), testIdentity, at(0))
	assert.ErrorIs(t, err, storeErr)
	assert.False(t, ok)
}

func TestCheckEligibility(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore(), &fakeLedger{})
	ctx := context.Background()

	assert.NoError(t, svc.CheckEligibility(ctx, testIdentity, at(0)))

	_, err := svc.RequestTokens(ctx, testIdentity, at(0))
	require.NoError(t, err)
	assert.ErrorIs(t, svc.CheckEligibility(ctx, testIdentity, at(1)), domain.ErrCooldownNotElapsed)
	assert.ErrorIs(t, svc.CheckEligibility(ctx, "", at(1)), domain.ErrInvalidIdentity)
}

func TestSetPaused_NotAdmin(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore(), &fakeLedger{})
	ctx := context.Background()

	err := svc.SetPaused(ctx, "0xmallory", true)
	assert.ErrorIs(t, err, domain.ErrNotAdmin)

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Paused)
}

func TestSetPaused_AdminCaseInsensitive(t *testing.T) {
	svc := newTestService(t, repository.NewMemoryStore(), &fakeLedger{})
	ctx := context.Background()

	require.NoError(t, svc.SetPaused(ctx, "0xADMIN", true))
	require.NoError(t, svc.SetPaused(ctx, "0xADMIN", true))

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Paused)
}

func TestSetPaused_CustomAuthorizer(t *testing.T) {
	policy := NewAdminPolicy("0xops", "0xoncall")
	svc, err := NewFaucetService(repository.NewMemoryStore(), &fakeLedger{}, testSettings, WithAuthorizer(policy))
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, svc.SetPaused(ctx, "0xoncall", true))
	assert.ErrorIs(t, svc.SetPaused(ctx, testAdmin, false), domain.ErrNotAdmin)

	deny := AuthorizerFunc(func(string, domain.Action) bool { return false })
	svc, err = NewFaucetService(repository.NewMemoryStore(), &fakeLedger{}, testSettings, WithAuthorizer(deny))
	require.NoError(t, err)
	assert.ErrorIs(t, svc.SetPaused(ctx, testAdmin, true), domain.ErrNotAdmin)
}

func TestStatus(t *testing.T) {
	settings := testSettings
	settings.Admin = "  0xAdmin "
	svc, err := NewFaucetService(repository.NewMemoryStore(), &fakeLedger{}, settings)
	require.NoError(t, err)

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Status{
		Paused:         false,
		Admin:          testAdmin,
		Admins:         []string{testAdmin},
		FaucetAmount:   100,
		MaxClaimAmount: 500,
		CooldownPeriod: day,
	}, status)
}

func TestStatus_ListsEveryAdmin(t *testing.T) {
	policy := NewAdminPolicy(testAdmin, "0xOps", "0xoncall")
	svc, err := NewFaucetService(repository.NewMemoryStore(), &fakeLedger{}, testSettings, WithAuthorizer(policy))
	require.NoError(t, err)

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testAdmin, status.Admin)
	assert.Equal(t, []string{testAdmin, "0xoncall", "0xops"}, status.Admins)

	deny := AuthorizerFunc(func(string, domain.Action) bool { return false })
	svc, err = NewFaucetService(repository.NewMemoryStore(), &fakeLedger{}, testSettings, WithAuthorizer(deny))
	require.NoError(t, err)
	status, err = svc.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status.Admins)
}
