package ledger

import (
	"errors"
	"sync"
)

var (
	// ErrInsufficientBalance is returned when an account cannot cover a transfer.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInsufficientAllowance is returned when a spender exceeds its approval.
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
)

// Ledger is the fungible-balance boundary consumed by the supply chain
// engine. Funding pulls tokens from the chain owner through an allowance,
// step completion pushes tokens out of the escrow account.
type Ledger interface {
	Denom() string
	Mint(account string, amount uint64)
	BalanceOf(account string) uint64
	Transfer(from, to string, amount uint64) error
	Approve(owner, spender string, amount uint64)
	Allowance(owner, spender string) uint64
	TransferFrom(spender, from, to string, amount uint64) error
}

// TokenLedger is an in-process Ledger holding balances and allowances
// under a single lock. It mirrors the mint/approve/transferFrom surface
// of the INR token the node settles in.
type TokenLedger struct {
	denom      string
	mu         sync.RWMutex
	balances   map[string]uint64
	allowances map[string]map[string]uint64 // owner -> spender -> amount
}

// NewTokenLedger creates an empty ledger for the given denomination.
func NewTokenLedger(denom string) *TokenLedger {
	return &TokenLedger{
		denom:      denom,
		balances:   make(map[string]uint64),
		allowances: make(map[string]map[string]uint64),
	}
}

func (l *TokenLedger) Denom() string {
	return l.denom
}

// Mint credits an account out of thin air. Used by seeding and tests.
func (l *TokenLedger) Mint(account string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

func (l *TokenLedger) BalanceOf(account string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Transfer moves tokens between two accounts.
func (l *TokenLedger) Transfer(from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount)
}

// Approve sets the amount a spender may pull from the owner's balance.
// Re-approving overwrites the previous allowance.
func (l *TokenLedger) Approve(owner, spender string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[string]uint64)
	}
	l.allowances[owner][spender] = amount
}

func (l *TokenLedger) Allowance(owner, spender string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[owner][spender]
}

// TransferFrom moves tokens from an owner's balance on the strength of a
// prior approval, decrementing the spender's allowance.
func (l *TokenLedger) TransferFrom(spender, from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := l.allowances[from][spender]
	if allowed < amount {
		return ErrInsufficientAllowance
	}
	if err := l.transfer(from, to, amount); err != nil {
		return err
	}
	l.allowances[from][spender] = allowed - amount
	return nil
}

// transfer assumes the lock is held.
func (l *TokenLedger) transfer(from, to string, amount uint64) error {
	if l.balances[from] < amount {
		return ErrInsufficientBalance
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}
