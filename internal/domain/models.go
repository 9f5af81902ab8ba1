package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrPaused               = errors.New("faucet is paused")
	ErrCooldownNotElapsed   = errors.New("cooldown period not elapsed")
	ErrLifetimeLimitReached = errors.New("lifetime claim limit reached")
	ErrLedgerFailure        = errors.New("ledger mint failed")
	ErrNotAdmin             = errors.New("only admin")
	ErrInvalidIdentity      = errors.New("identity is required")
	ErrInvalidSettings      = errors.New("invalid faucet settings")
)

// Action names an operation guarded by an authorization policy.
type Action string

const (
	ActionSetPaused Action = "set_paused"
)

// ClaimRecord is the per-identity accounting entry. A zero LastClaimAt means
// the identity has never claimed.
type ClaimRecord struct {
	Identity     string    `json:"identity"`
	LastClaimAt  time.Time `json:"last_claim_at"`
	TotalClaimed int64     `json:"total_claimed"`
}

func (r ClaimRecord) HasClaimed() bool {
	return !r.LastClaimAt.IsZero()
}

// NextClaimAt returns the earliest time the cooldown guard lets the identity
// claim again. It is the zero time for identities that never claimed.
func (r ClaimRecord) NextClaimAt(cooldown time.Duration) time.Time {
	if !r.HasClaimed() {
		return time.Time{}
	}
	return r.LastClaimAt.Add(cooldown)
}

// Settings is the configuration fixed when the faucet is constructed.
type Settings struct {
	FaucetAmount   int64
	CooldownPeriod time.Duration
	MaxClaimAmount int64
	Admin          string
}

func (s Settings) Validate() error {
	switch {
	case s.FaucetAmount <= 0:
		return errors.Wrap(ErrInvalidSettings, "faucet amount must be positive")
	case s.MaxClaimAmount <= 0:
		return errors.Wrap(ErrInvalidSettings, "max claim amount must be positive")
	case s.FaucetAmount > s.MaxClaimAmount:
		return errors.Wrapf(ErrInvalidSettings, "faucet amount %d exceeds max claim amount %d", s.FaucetAmount, s.MaxClaimAmount)
	case s.CooldownPeriod < 0:
		return errors.Wrap(ErrInvalidSettings, "cooldown period must not be negative")
	case strings.TrimSpace(s.Admin) == "":
		return errors.Wrap(ErrInvalidSettings, "admin identity is required")
	}
	return nil
}

// Status is the public view of the faucet configuration and pause flag.
// Admin is the configured primary admin; Admins lists every identity the
// pause policy accepts, when the policy can enumerate them.
type Status struct {
	Paused         bool          `json:"paused"`
	Admin          string        `json:"admin"`
	Admins         []string      `json:"admins,omitempty"`
	FaucetAmount   int64         `json:"faucet_amount"`
	MaxClaimAmount int64         `json:"max_claim_amount"`
	CooldownPeriod time.Duration `json:"cooldown_period"`
}

// NormalizeIdentity trims and lowercases an address-like identity so that
// "0xAbC" and "0xabc" share one record.
func NormalizeIdentity(identity string) (string, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return "", ErrInvalidIdentity
	}
	return identity, nil
}
