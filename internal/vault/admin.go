package vault

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// VerifyAdmin fails with ErrUnauthorized unless caller is the configured admin.
func (v *Vault) VerifyAdmin(caller string) error {
	if caller == "" || caller != v.admin {
		return ErrUnauthorized
	}
	return nil
}

// adminRecord renders the admin state with the given overrides. Caller holds v.mu.
func (v *Vault) adminRecord(s adminState) *model.AdminState {
	return &model.AdminState{
		Initialized: s.initialized,
		Admin:       v.admin,
		Paused:      s.paused,
		NextAssetID: s.nextAssetID,
	}
}

// Initialize creates the admin state. It succeeds exactly once per vault.
func (v *Vault) Initialize(ctx context.Context, caller string) (err error) {
	start := time.Now()
	defer func() { v.observe(model.OpInitialize, start, err, masked(caller)) }()

	if err := v.VerifyAdmin(caller); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state.initialized {
		return ErrAlreadyInitialized
	}

	next := adminState{initialized: true}
	if err := v.store.Commit(ctx, model.Mutation{
		Op:    model.OpInitialize,
		Admin: v.adminRecord(next),
		At:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	v.state = next
	metrics.SetPaused(false)

	v.emit(model.NewVaultEvent(model.EventInitialized, caller))
	return nil
}

// Pause stops all deposits and withdrawals. Pausing a paused vault is a no-op.
func (v *Vault) Pause(ctx context.Context, caller string) error {
	return v.setPaused(ctx, caller, true)
}

// Unpause resumes deposits and withdrawals. Unpausing a running vault is a no-op.
func (v *Vault) Unpause(ctx context.Context, caller string) error {
	return v.setPaused(ctx, caller, false)
}

func (v *Vault) setPaused(ctx context.Context, caller string, paused bool) (err error) {
	op, eventType := model.OpUnpause, model.EventUnpaused
	if paused {
		op, eventType = model.OpPause, model.EventPaused
	}
	start := time.Now()
	defer func() { v.observe(op, start, err, masked(caller)) }()

	if err := v.VerifyAdmin(caller); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.state.initialized {
		return ErrNotInitialized
	}
	if v.state.paused == paused {
		v.logger.Debug("vault."+op+".unchanged", zap.Bool("paused", paused))
		return nil
	}

	next := v.state
	next.paused = paused
	if err := v.store.Commit(ctx, model.Mutation{
		Op:    op,
		Admin: v.adminRecord(next),
		At:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	v.state = next
	metrics.SetPaused(paused)

	ev := model.NewVaultEvent(eventType, caller)
	ev.Paused = paused
	v.emit(ev)
	return nil
}

// IsPaused reports the pause gate.
func (v *Vault) IsPaused() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.paused
}

// IsInitialized reports whether Initialize (or Restore) has run.
func (v *Vault) IsInitialized() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.initialized
}

// Admin returns the configured admin identity.
func (v *Vault) Admin() string { return v.admin }
