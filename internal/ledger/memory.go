// Package ledger provides the capabilities that actually credit the faucet's
// resource to an identity.
package ledger

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrSupplyExhausted   = errors.New("ledger supply exhausted")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient balance to reverse")
)

// MemoryLedger keeps balances in process. A positive supply caps the total
// amount it will ever mint.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	minted   int64
	supply   int64
}

func NewMemoryLedger(supply int64) *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		supply:   supply,
	}
}

func (l *MemoryLedger) Mint(_ context.Context, identity string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.supply > 0 && l.minted+amount > l.supply {
		return errors.Wrapf(ErrSupplyExhausted, "minted %d of %d", l.minted, l.supply)
	}
	l.balances[identity] += amount
	l.minted += amount
	return nil
}

func (l *MemoryLedger) Reverse(_ context.Context, identity string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[identity] < amount {
		return errors.Wrapf(ErrInsufficientFunds, "identity %s", identity)
	}
	l.balances[identity] -= amount
	l.minted -= amount
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, identity string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[identity], nil
}

func (l *MemoryLedger) TotalMinted() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minted
}
