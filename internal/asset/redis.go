package asset

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxAttempts = 5

// RedisLedger keeps wallet balances in Redis, one string key per (owner, kind).
// Balance updates use WATCH/MULTI so concurrent writers on a wallet never
// lose an update.
type RedisLedger struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisLedger(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "wallet"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, logger: logger}
}

func (l *RedisLedger) balanceKey(owner, symbol string) string {
	return fmt.Sprintf("%s:%s:balance:%s", l.prefix, symbol, owner)
}

func (l *RedisLedger) registryKey(symbol string) string {
	return fmt.Sprintf("%s:%s:registered", l.prefix, symbol)
}

// update applies fn to the current balance inside an optimistic transaction.
func (l *RedisLedger) update(ctx context.Context, key string, fn func(bal uint64) (uint64, error)) error {
	txf := func(tx *redis.Tx) error {
		bal, err := tx.Get(ctx, key).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, err := fn(bal)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := l.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			l.logger.Debug("wallet.redis.tx_conflict", zap.String("key", key), zap.Int("attempt", attempt))
			continue
		}
		return err
	}
	return fmt.Errorf("wallet update on %s: too much contention", key)
}

func (l *RedisLedger) WithdrawFromWallet(ctx context.Context, owner string, kind Kind, amount uint64) (Coin, error) {
	err := l.update(ctx, l.balanceKey(owner, kind.Symbol), func(bal uint64) (uint64, error) {
		if bal < amount {
			return 0, fmt.Errorf("%w: %s has %d %s, needs %d", ErrInsufficientFunds, owner, bal, kind.Symbol, amount)
		}
		return bal - amount, nil
	})
	if err != nil {
		return Coin{}, err
	}
	return Coin{Kind: kind.Symbol, Value: amount}, nil
}

func (l *RedisLedger) DepositToWallet(ctx context.Context, owner string, kind Kind, coin Coin) error {
	if coin.Kind != kind.Symbol {
		return fmt.Errorf("%w: %s into %s wallet", ErrKindMismatch, coin.Kind, kind.Symbol)
	}
	ok, err := l.IsWalletRegistered(ctx, owner, kind)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("wallet %s/%s not registered", owner, kind.Symbol)
	}
	return l.credit(ctx, owner, kind, coin.Value)
}

func (l *RedisLedger) credit(ctx context.Context, owner string, kind Kind, amount uint64) error {
	return l.update(ctx, l.balanceKey(owner, kind.Symbol), func(bal uint64) (uint64, error) {
		if amount > math.MaxUint64-bal {
			return 0, ErrOverflow
		}
		return bal + amount, nil
	})
}

func (l *RedisLedger) IsWalletRegistered(ctx context.Context, owner string, kind Kind) (bool, error) {
	return l.rdb.SIsMember(ctx, l.registryKey(kind.Symbol), owner).Result()
}

func (l *RedisLedger) RegisterWallet(ctx context.Context, owner string, kind Kind) error {
	return l.rdb.SAdd(ctx, l.registryKey(kind.Symbol), owner).Err()
}

// Mint credits and registers a wallet. Used by bootstrap tooling and tests.
func (l *RedisLedger) Mint(ctx context.Context, owner string, kind Kind, amount uint64) error {
	if err := l.RegisterWallet(ctx, owner, kind); err != nil {
		return err
	}
	return l.credit(ctx, owner, kind, amount)
}

func (l *RedisLedger) Balance(ctx context.Context, owner string, kind Kind) (uint64, error) {
	bal, err := l.rdb.Get(ctx, l.balanceKey(owner, kind.Symbol)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return bal, err
}
