package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// ErrInsufficientFunds is returned when a transfer would overdraw an account.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Transfer records one completed movement on the in-memory ledger.
type Transfer struct {
	TxID   string
	From   string
	To     string
	Amount *big.Int
	Memo   uint64
}

// MemoryLedger is a self-contained transfer service for development and
// tests. Balances start at zero; seed accounts with Credit before use.
type MemoryLedger struct {
	mu        sync.Mutex
	custody   string
	balances  map[string]*big.Int
	transfers []Transfer
}

// NewMemoryLedger creates an empty ledger whose custody account receives
// caller deposits and funds outgoing transfers.
func NewMemoryLedger(custody string) *MemoryLedger {
	return &MemoryLedger{
		custody:  custody,
		balances: make(map[string]*big.Int),
	}
}

// Credit mints amount into the account.
func (l *MemoryLedger) Credit(account string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceLocked(account).Add(l.balanceLocked(account), amount)
}

func (l *MemoryLedger) balanceLocked(account string) *big.Int {
	bal, ok := l.balances[account]
	if !ok {
		bal = big.NewInt(0)
		l.balances[account] = bal
	}
	return bal
}

func (l *MemoryLedger) move(from, to string, amount *big.Int, memo uint64) (string, error) {
	if amount == nil || amount.Sign() < 0 {
		return "", fmt.Errorf("ledger: invalid amount")
	}
	src := l.balanceLocked(from)
	if src.Cmp(amount) < 0 {
		return "", ErrInsufficientFunds
	}
	src.Sub(src, amount)
	dst := l.balanceLocked(to)
	dst.Add(dst, amount)
	txID := uuid.NewString()
	l.transfers = append(l.transfers, Transfer{
		TxID:   txID,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
		Memo:   memo,
	})
	return txID, nil
}

// TransferFromCaller moves amount from the caller's account into custody.
func (l *MemoryLedger) TransferFromCaller(_ context.Context, from string, amount *big.Int, memo uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, l.custody, amount, memo)
}

// TransferTo moves amount from custody to the given account.
func (l *MemoryLedger) TransferTo(_ context.Context, to string, amount *big.Int, memo uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(l.custody, to, amount, memo)
}

// Balance reports the account's current balance.
func (l *MemoryLedger) Balance(_ context.Context, account string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(account)), nil
}

// Transfers returns a copy of the completed transfer log, oldest first.
func (l *MemoryLedger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	for i, t := range l.transfers {
		out[i] = t
		out[i].Amount = new(big.Int).Set(t.Amount)
	}
	return out
}
