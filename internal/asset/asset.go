// Package asset describes fungible asset kinds, the coins the vault holds
// in custody, and the external wallet ledger those coins move in and out of.
package asset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	ErrInsufficientFunds = errors.New("asset: insufficient wallet funds")
	ErrKindMismatch      = errors.New("asset: coin kinds differ")
	ErrOverflow          = errors.New("asset: arithmetic overflow")
	ErrInvalidKind       = errors.New("asset: invalid kind")
)

const maxDecimals = 18

var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,15}$`)

// Kind identifies one fungible asset type. Symbol is the registry key.
type Kind struct {
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// NewKind normalizes and validates a kind.
func NewKind(symbol string, decimals int32) (Kind, error) {
	k := Kind{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Decimals: decimals}
	if err := k.Validate(); err != nil {
		return Kind{}, err
	}
	return k, nil
}

// ParseKind reads the "SYMBOL:DECIMALS" form used in configuration.
func ParseKind(s string) (Kind, error) {
	symbol, dec, found := strings.Cut(s, ":")
	if !found {
		return NewKind(symbol, 0)
	}
	var d int32
	if _, err := fmt.Sscanf(dec, "%d", &d); err != nil {
		return Kind{}, fmt.Errorf("%w: bad decimals in %q", ErrInvalidKind, s)
	}
	return NewKind(symbol, d)
}

func (k Kind) Validate() error {
	if !symbolRegex.MatchString(k.Symbol) {
		return fmt.Errorf("%w: symbol %q", ErrInvalidKind, k.Symbol)
	}
	if k.Decimals < 0 || k.Decimals > maxDecimals {
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidKind, k.Decimals)
	}
	return nil
}

func (k Kind) String() string { return k.Symbol }

// Coin is a quantity of one kind in transit or in custody.
type Coin struct {
	Kind  string `json:"kind"`
	Value uint64 `json:"value"`
}

// Zero returns an empty coin of the given kind.
func Zero(symbol string) Coin { return Coin{Kind: symbol} }

// Merge joins two coins of the same kind.
func Merge(a, b Coin) (Coin, error) {
	if a.Kind != b.Kind {
		return Coin{}, fmt.Errorf("%w: %s and %s", ErrKindMismatch, a.Kind, b.Kind)
	}
	if b.Value > math.MaxUint64-a.Value {
		return Coin{}, ErrOverflow
	}
	return Coin{Kind: a.Kind, Value: a.Value + b.Value}, nil
}

// Extract splits amount off c, returning the remainder and the extracted coin.
func Extract(c Coin, amount uint64) (remainder, out Coin, err error) {
	if amount > c.Value {
		return c, Coin{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, c.Value, amount)
	}
	return Coin{Kind: c.Kind, Value: c.Value - amount}, Coin{Kind: c.Kind, Value: amount}, nil
}

// Ledger is the external wallet system the vault custodies funds from.
// Implementations must fail WithdrawFromWallet with ErrInsufficientFunds
// when the owner's balance is too low and leave the wallet untouched.
type Ledger interface {
	WithdrawFromWallet(ctx context.Context, owner string, kind Kind, amount uint64) (Coin, error)
	DepositToWallet(ctx context.Context, owner string, kind Kind, coin Coin) error
	IsWalletRegistered(ctx context.Context, owner string, kind Kind) (bool, error)
	RegisterWallet(ctx context.Context, owner string, kind Kind) error
}

// Minter funds wallets directly. Only fixture and development ledgers implement it.
type Minter interface {
	Mint(ctx context.Context, owner string, kind Kind, amount uint64) error
	Balance(ctx context.Context, owner string, kind Kind) (uint64, error)
}
