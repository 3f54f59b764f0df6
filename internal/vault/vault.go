// Package vault is the custodial ledger engine. It keeps every user's
// per-asset deposits consistent with the aggregate balance the vault holds
// for that asset, behind an admin gate and a global pause switch.
//
// Locks are taken in a fixed order: the admin lock (Vault.mu), then an
// asset vault, then a user record. Deposits and withdrawals hold the admin
// lock shared, so admin operations serialize against them while different
// assets and users proceed in parallel.
package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
	"github.com/Checker-Finance/vault-ledger/pkg/utils"
)

// AssetID is the numeric identifier issued to an asset at onboarding.
type AssetID uint64

// Store persists mutations. Commit must apply all of a mutation or none of it.
type Store interface {
	Commit(ctx context.Context, m model.Mutation) error
}

// EventSink receives an event after each committed mutation.
type EventSink interface {
	Publish(topic string, event model.VaultEvent)
}

type adminState struct {
	initialized bool
	paused      bool
	nextAssetID uint64
}

// Vault is the ledger context object. Create one per deployment with New.
type Vault struct {
	logger  *zap.Logger
	admin   string
	wallets asset.Ledger
	store   Store
	events  EventSink

	mu     sync.RWMutex
	state  adminState
	vaults map[string]*assetVault
	byID   map[AssetID]*assetVault

	usersMu  sync.Mutex
	users    map[string]*userRecord
	registry []string
}

// New builds an uninitialized vault. admin is the one identity allowed to run
// admin operations. st and events may be nil.
func New(logger *zap.Logger, admin string, wallets asset.Ledger, st Store, events EventSink) (*Vault, error) {
	if admin == "" {
		return nil, fmt.Errorf("%w: admin identity is required", ErrInvalidIdentity)
	}
	if wallets == nil {
		return nil, fmt.Errorf("vault: wallet ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if st == nil {
		st = nopStore{}
	}
	if events == nil {
		events = nopSink{}
	}
	return &Vault{
		logger:  logger,
		admin:   admin,
		wallets: wallets,
		store:   st,
		events:  events,
		vaults:  make(map[string]*assetVault),
		byID:    make(map[AssetID]*assetVault),
		users:   make(map[string]*userRecord),
	}, nil
}

type nopStore struct{}

func (nopStore) Commit(context.Context, model.Mutation) error { return nil }

type nopSink struct{}

func (nopSink) Publish(string, model.VaultEvent) {}

// requireOpen gates deposits and withdrawals. Caller holds v.mu.
func (v *Vault) requireOpen() error {
	if !v.state.initialized {
		return ErrNotInitialized
	}
	if v.state.paused {
		return ErrPaused
	}
	return nil
}

// lookupAsset resolves an onboarded vault by symbol. Caller holds v.mu.
func (v *Vault) lookupAsset(symbol string) (*assetVault, error) {
	av, ok := v.vaults[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotOnboarded, symbol)
	}
	return av, nil
}

func (v *Vault) emit(ev model.VaultEvent) {
	v.events.Publish(ev.Type, ev)
}

// observe records metrics and logs for a finished operation.
func (v *Vault) observe(op string, start time.Time, err error, fields ...zap.Field) {
	if err == nil {
		metrics.ObserveOperation(op, "ok", start)
		v.logger.Info("vault."+op+".ok", fields...)
		return
	}
	code := CodeOf(err)
	metrics.ObserveOperation(op, string(code), start)
	fields = append(fields, zap.String("code", string(code)), zap.Error(err))
	if IsRejection(err) {
		v.logger.Warn("vault."+op+".rejected", fields...)
		return
	}
	metrics.IncError("vault", op)
	v.logger.Error("vault."+op+".failed", fields...)
}

func masked(id string) zap.Field {
	return zap.String("identity", utils.MaskIdentity(id))
}
