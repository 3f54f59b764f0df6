package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// userRecord is one user's ledger. It becomes visible (registered) only after
// the user's first successful deposit. Zero entries are kept after a full
// withdrawal.
type userRecord struct {
	mu         sync.Mutex
	identity   string
	registered bool
	deposits   map[AssetID]uint64
	pending    int // deposits holding this record, guarded by usersMu
}

// userFor returns the record for identity, creating an unregistered one if
// needed. Every call must be paired with release.
func (v *Vault) userFor(identity string) *userRecord {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()

	rec, ok := v.users[identity]
	if !ok {
		rec = &userRecord{identity: identity, deposits: make(map[AssetID]uint64)}
		v.users[identity] = rec
	}
	rec.pending++
	return rec
}

// release drops a userFor hold and forgets the record if no deposit ever
// registered it.
func (v *Vault) release(rec *userRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	v.usersMu.Lock()
	defer v.usersMu.Unlock()

	rec.pending--
	if rec.pending == 0 && !rec.registered && v.users[rec.identity] == rec {
		delete(v.users, rec.identity)
	}
}

func (v *Vault) lookupUser(identity string) *userRecord {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	return v.users[identity]
}

// register appends identity to the user registry. Caller holds the record lock.
func (v *Vault) register(rec *userRecord) {
	rec.registered = true

	v.usersMu.Lock()
	v.registry = append(v.registry, rec.identity)
	n := len(v.registry)
	v.usersMu.Unlock()

	metrics.SetRegisteredUsers(n)
}

// Deposit moves amount of symbol from the user's external wallet into custody
// and credits the user's ledger. On any failure nothing changes.
func (v *Vault) Deposit(ctx context.Context, user, symbol string, amount uint64) (err error) {
	start := time.Now()
	defer func() {
		v.observe(model.OpDeposit, start, err, masked(user), zap.String("asset", symbol), zap.Uint64("amount", amount))
	}()

	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.requireOpen(); err != nil {
		return err
	}
	av, err := v.lookupAsset(symbol)
	if err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if user == "" {
		return ErrInvalidIdentity
	}

	av.mu.Lock()
	defer av.mu.Unlock()

	rec := v.userFor(user)
	defer v.release(rec)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	current := rec.deposits[av.id]
	if amount > math.MaxUint64-av.held.Value || amount > math.MaxUint64-current {
		return ErrAmountOverflow
	}

	coin, err := v.wallets.WithdrawFromWallet(ctx, user, av.kind, amount)
	if err != nil {
		if errors.Is(err, asset.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %v", ErrInsufficientExternalFunds, err)
		}
		return fmt.Errorf("%w: %v", ErrExternalTransfer, err)
	}

	held, err := asset.Merge(av.held, coin)
	if err != nil || coin.Value != amount {
		v.refund(ctx, user, av.kind, coin)
		return fmt.Errorf("%w: wallet returned %d %s for %d", ErrExternalTransfer, coin.Value, coin.Kind, amount)
	}

	m := model.Mutation{
		Op:       model.OpDeposit,
		Vault:    av.record(held.Value),
		Position: &model.UserPosition{Identity: user, AssetID: uint64(av.id), Amount: current + amount},
		At:       time.Now().UTC(),
	}
	if !rec.registered {
		m.NewUser = user
	}
	if err := v.store.Commit(ctx, m); err != nil {
		v.refund(ctx, user, av.kind, coin)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	av.held = held
	rec.deposits[av.id] = current + amount
	if !rec.registered {
		v.register(rec)
	}
	metrics.SetHeldBalance(symbol, held.Value)

	ev := model.NewVaultEvent(model.EventDeposited, user)
	ev.Asset, ev.AssetID, ev.Amount = symbol, uint64(av.id), amount
	ev.HeldBalance, ev.UserBalance = held.Value, current+amount
	v.emit(ev)
	return nil
}

// Withdraw releases amount of symbol from custody to the user's external wallet
// and debits the user's ledger. On any failure nothing changes.
func (v *Vault) Withdraw(ctx context.Context, user, symbol string, amount uint64) (err error) {
	start := time.Now()
	defer func() {
		v.observe(model.OpWithdraw, start, err, masked(user), zap.String("asset", symbol), zap.Uint64("amount", amount))
	}()

	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.requireOpen(); err != nil {
		return err
	}
	av, err := v.lookupAsset(symbol)
	if err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}

	av.mu.Lock()
	defer av.mu.Unlock()

	rec := v.lookupUser(user)
	if rec == nil {
		return ErrNoUserRecord
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.registered {
		return ErrNoUserRecord
	}

	current := rec.deposits[av.id]
	if current < amount {
		return fmt.Errorf("%w: has %d %s, requested %d", ErrInsufficientUserBalance, current, symbol, amount)
	}

	remainder, out, err := asset.Extract(av.held, amount)
	if err != nil {
		return fmt.Errorf("%w: %s holding %d below user deposit %d", ErrInvariantViolation, symbol, av.held.Value, current)
	}

	at := time.Now().UTC()
	if err := v.store.Commit(ctx, model.Mutation{
		Op:       model.OpWithdraw,
		Vault:    av.record(remainder.Value),
		Position: &model.UserPosition{Identity: user, AssetID: uint64(av.id), Amount: current - amount},
		At:       at,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := v.deliver(ctx, user, av.kind, out); err != nil {
		v.revertWithdraw(ctx, av, user, current)
		return fmt.Errorf("%w: %v", ErrExternalTransfer, err)
	}

	av.held = remainder
	rec.deposits[av.id] = current - amount
	metrics.SetHeldBalance(symbol, remainder.Value)

	ev := model.NewVaultEvent(model.EventWithdrawn, user)
	ev.Asset, ev.AssetID, ev.Amount = symbol, uint64(av.id), amount
	ev.HeldBalance, ev.UserBalance = remainder.Value, current-amount
	v.emit(ev)
	return nil
}

// deliver moves a coin into the owner's wallet, registering the wallet first
// if the external ledger does not know it yet.
func (v *Vault) deliver(ctx context.Context, owner string, kind asset.Kind, coin asset.Coin) error {
	ok, err := v.wallets.IsWalletRegistered(ctx, owner, kind)
	if err != nil {
		return fmt.Errorf("check wallet registration: %w", err)
	}
	if !ok {
		if err := v.wallets.RegisterWallet(ctx, owner, kind); err != nil {
			return fmt.Errorf("register wallet: %w", err)
		}
		v.logger.Info("vault.wallet_registered", masked(owner), zap.String("asset", kind.Symbol))
	}
	return v.wallets.DepositToWallet(ctx, owner, kind, coin)
}

// refund returns a coin pulled during a deposit that could not be recorded.
func (v *Vault) refund(ctx context.Context, owner string, kind asset.Kind, coin asset.Coin) {
	if coin.Value == 0 {
		return
	}
	if err := v.deliver(ctx, owner, kind, coin); err != nil {
		metrics.IncError("vault", "refund_failed")
		v.logger.Error("vault.deposit.refund_failed",
			masked(owner),
			zap.String("asset", kind.Symbol),
			zap.Uint64("amount", coin.Value),
			zap.Error(err))
	}
}

// revertWithdraw restores the persisted holding and position after a failed delivery.
func (v *Vault) revertWithdraw(ctx context.Context, av *assetVault, user string, current uint64) {
	err := v.store.Commit(ctx, model.Mutation{
		Op:       model.OpWithdraw,
		Vault:    av.record(av.held.Value),
		Position: &model.UserPosition{Identity: user, AssetID: uint64(av.id), Amount: current},
		At:       time.Now().UTC(),
	})
	if err != nil {
		metrics.IncError("vault", "withdraw_revert_failed")
		v.logger.Error("vault.withdraw.revert_failed",
			masked(user),
			zap.String("asset", av.kind.Symbol),
			zap.Uint64("held", av.held.Value),
			zap.Uint64("position", current),
			zap.Error(err))
	}
}

// UserDeposit returns the user's deposited amount of symbol. A registered user
// with no entry for the asset has a zero balance.
func (v *Vault) UserDeposit(user, symbol string) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	av, err := v.lookupAsset(symbol)
	if err != nil {
		return 0, err
	}

	rec := v.lookupUser(user)
	if rec == nil {
		return 0, ErrNoUserRecord
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.registered {
		return 0, ErrNoUserRecord
	}
	return rec.deposits[av.id], nil
}

// UserDeposits returns every ledger entry of a user keyed by asset symbol,
// including retained zero entries.
func (v *Vault) UserDeposits(user string) (map[string]uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec := v.lookupUser(user)
	if rec == nil {
		return nil, ErrNoUserRecord
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.registered {
		return nil, ErrNoUserRecord
	}

	out := make(map[string]uint64, len(rec.deposits))
	for id, amount := range rec.deposits {
		if av, ok := v.byID[id]; ok {
			out[av.kind.Symbol] = amount
		}
	}
	return out, nil
}

// Users returns the user registry in the order identities first transacted.
func (v *Vault) Users() []string {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	return append([]string(nil), v.registry...)
}

func sortedPositions(p []model.UserPosition) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Identity != p[j].Identity {
			return p[i].Identity < p[j].Identity
		}
		return p[i].AssetID < p[j].AssetID
	})
}
