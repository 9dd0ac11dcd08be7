package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/faults"
)

var (
	ErrInvalidPromo         = errors.New("invalid promo code")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

// Ledger holds coin balances. Debit and Credit are atomic per call; Debit
// fails with faults.ErrInsufficientBalance without touching the balance.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Debit(ctx context.Context, userID string, amount int64, reason string) error
	Credit(ctx context.Context, userID string, amount int64, reason string) error
}

// PromoRedeemer tops up a balance from a promo code.
type PromoRedeemer interface {
	RedeemPromo(ctx context.Context, userID, code string) (int64, error)
}

// Entry is one balance movement. Debits are negative.
type Entry struct {
	UserID string
	Amount int64
	Reason string
	At     time.Time
}

type promo struct {
	amount         int64
	maxRedemptions int
	redeemedBy     map[string]bool
}

// MemoryLedger is a process-local ledger for tests and the CLI.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  []Entry
	promos   map[string]*promo
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		promos:   make(map[string]*promo),
		now:      time.Now,
	}
}

func (l *MemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *MemoryLedger) Debit(_ context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[userID] < amount {
		return fmt.Errorf("%w: balance %d, need %d", faults.ErrInsufficientBalance, l.balances[userID], amount)
	}
	l.balances[userID] -= amount
	l.entries = append(l.entries, Entry{UserID: userID, Amount: -amount, Reason: reason, At: l.now()})
	return nil
}

func (l *MemoryLedger) Credit(_ context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[userID] += amount
	l.entries = append(l.entries, Entry{UserID: userID, Amount: amount, Reason: reason, At: l.now()})
	return nil
}

// AddPromo registers a code worth amount coins. maxRedemptions <= 0 means
// unlimited users.
func (l *MemoryLedger) AddPromo(code string, amount int64, maxRedemptions int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.promos[normalizeCode(code)] = &promo{amount: amount, maxRedemptions: maxRedemptions, redeemedBy: make(map[string]bool)}
}

func (l *MemoryLedger) RedeemPromo(_ context.Context, userID, code string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.promos[normalizeCode(code)]
	if !ok {
		return 0, ErrInvalidPromo
	}
	if p.redeemedBy[userID] {
		return 0, ErrPromoAlreadyRedeemed
	}
	if p.maxRedemptions > 0 && len(p.redeemedBy) >= p.maxRedemptions {
		return 0, fmt.Errorf("%w: code exhausted", ErrInvalidPromo)
	}

	p.redeemedBy[userID] = true
	l.balances[userID] += p.amount
	l.entries = append(l.entries, Entry{UserID: userID, Amount: p.amount, Reason: "promo:" + normalizeCode(code), At: l.now()})
	return p.amount, nil
}

// Entries returns a copy of the movements for userID in order.
func (l *MemoryLedger) Entries(userID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
