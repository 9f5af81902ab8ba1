package usecase

import (
	"context"
	"time"

	"github.com/azizikri/token-faucet/internal/domain"
)

// FaucetGateway is what delivery adapters call. The caller-facing methods
// take no time argument; the gateway reads its Clock.
type FaucetGateway interface {
	RequestTokens(ctx context.Context, identity string) (domain.ClaimRecord, error)
	SetPaused(ctx context.Context, caller string, paused bool) error
	CanClaim(ctx context.Context, identity string) (bool, error)
	RemainingAllowance(ctx context.Context, identity string) (int64, error)
	ClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error)
	Status(ctx context.Context) (domain.Status, error)
}

// Ledger credits the distributed resource. A nil error means the amount was
// credited.
type Ledger interface {
	Mint(ctx context.Context, identity string, amount int64) error
}

// Reverser is implemented by ledgers that can undo a mint whose bookkeeping
// could not be committed.
type Reverser interface {
	Reverse(ctx context.Context, identity string, amount int64) error
}

// BalanceReader is implemented by ledgers that can report holdings.
type BalanceReader interface {
	BalanceOf(ctx context.Context, identity string) (int64, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
