package asset

import (
	"context"
	"fmt"
	"math"
	"sync"
)

type walletKey struct {
	owner  string
	symbol string
}

// MemoryLedger is an in-process wallet ledger for tests and local runs.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[walletKey]uint64
	registered map[walletKey]bool

	// FailDeposits makes DepositToWallet fail, to exercise rollback paths.
	FailDeposits error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[walletKey]uint64),
		registered: make(map[walletKey]bool),
	}
}

func (l *MemoryLedger) WithdrawFromWallet(_ context.Context, owner string, kind Kind, amount uint64) (Coin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := walletKey{owner, kind.Symbol}
	bal := l.balances[key]
	if bal < amount {
		return Coin{}, fmt.Errorf("%w: %s has %d %s, needs %d", ErrInsufficientFunds, owner, bal, kind.Symbol, amount)
	}
	l.balances[key] = bal - amount
	return Coin{Kind: kind.Symbol, Value: amount}, nil
}

func (l *MemoryLedger) DepositToWallet(_ context.Context, owner string, kind Kind, coin Coin) error {
	if coin.Kind != kind.Symbol {
		return fmt.Errorf("%w: %s into %s wallet", ErrKindMismatch, coin.Kind, kind.Symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailDeposits != nil {
		return l.FailDeposits
	}
	key := walletKey{owner, kind.Symbol}
	if !l.registered[key] {
		return fmt.Errorf("wallet %s/%s not registered", owner, kind.Symbol)
	}
	bal := l.balances[key]
	if coin.Value > math.MaxUint64-bal {
		return ErrOverflow
	}
	l.balances[key] = bal + coin.Value
	return nil
}

func (l *MemoryLedger) IsWalletRegistered(_ context.Context, owner string, kind Kind) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered[walletKey{owner, kind.Symbol}], nil
}

func (l *MemoryLedger) RegisterWallet(_ context.Context, owner string, kind Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered[walletKey{owner, kind.Symbol}] = true
	return nil
}

// Mint credits a wallet out of thin air and registers it.
func (l *MemoryLedger) Mint(_ context.Context, owner string, kind Kind, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := walletKey{owner, kind.Symbol}
	bal := l.balances[key]
	if amount > math.MaxUint64-bal {
		return ErrOverflow
	}
	l.balances[key] = bal + amount
	l.registered[key] = true
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context, owner string, kind Kind) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[walletKey{owner, kind.Symbol}], nil
}
