package vault

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// assetVault custodies the aggregate holding of one asset kind.
type assetVault struct {
	mu          sync.Mutex
	kind        asset.Kind
	id          AssetID
	held        asset.Coin
	onboardedAt time.Time
}

func (av *assetVault) record(held uint64) *model.AssetVault {
	return &model.AssetVault{
		Symbol:      av.kind.Symbol,
		Decimals:    av.kind.Decimals,
		AssetID:     uint64(av.id),
		HeldBalance: held,
		OnboardedAt: av.onboardedAt,
	}
}

// OnboardAsset registers a new asset kind and issues its id. Ids start at 1
// and are never reused; onboarding a symbol twice fails with ErrAlreadyOnboarded.
func (v *Vault) OnboardAsset(ctx context.Context, caller string, kind asset.Kind) (id AssetID, err error) {
	start := time.Now()
	defer func() {
		v.observe(model.OpOnboard, start, err, masked(caller), zap.String("asset", kind.Symbol), zap.Uint64("asset_id", uint64(id)))
	}()

	if err := v.VerifyAdmin(caller); err != nil {
		return 0, err
	}
	if err := kind.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.state.initialized {
		return 0, ErrNotInitialized
	}
	if existing, ok := v.vaults[kind.Symbol]; ok {
		return 0, fmt.Errorf("%w: %s has id %d", ErrAlreadyOnboarded, kind.Symbol, existing.id)
	}
	if v.state.nextAssetID == math.MaxUint64 {
		return 0, fmt.Errorf("%w: asset id space exhausted", ErrAmountOverflow)
	}

	next := v.state
	next.nextAssetID++
	av := &assetVault{
		kind:        kind,
		id:          AssetID(next.nextAssetID),
		held:        asset.Zero(kind.Symbol),
		onboardedAt: time.Now().UTC(),
	}

	if err := v.store.Commit(ctx, model.Mutation{
		Op:    model.OpOnboard,
		Admin: v.adminRecord(next),
		Vault: av.record(0),
		At:    av.onboardedAt,
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	v.state = next
	v.vaults[kind.Symbol] = av
	v.byID[av.id] = av
	metrics.SetHeldBalance(kind.Symbol, 0)

	ev := model.NewVaultEvent(model.EventAssetOnboarded, caller)
	ev.Asset = kind.Symbol
	ev.AssetID = uint64(av.id)
	v.emit(ev)
	return av.id, nil
}

// Asset returns the custody record of an onboarded asset.
func (v *Vault) Asset(symbol string) (model.AssetVault, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	av, err := v.lookupAsset(symbol)
	if err != nil {
		return model.AssetVault{}, err
	}
	av.mu.Lock()
	defer av.mu.Unlock()
	return *av.record(av.held.Value), nil
}

// Assets lists every onboarded asset ordered by id.
func (v *Vault) Assets() []model.AssetVault {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]model.AssetVault, 0, len(v.vaults))
	for _, av := range v.vaults {
		av.mu.Lock()
		out = append(out, *av.record(av.held.Value))
		av.mu.Unlock()
	}
	sortVaults(out)
	return out
}

// HeldBalance returns the aggregate custodied balance of an asset.
func (v *Vault) HeldBalance(symbol string) (uint64, error) {
	a, err := v.Asset(symbol)
	if err != nil {
		return 0, err
	}
	return a.HeldBalance, nil
}

// Kind returns the asset kind registered under symbol.
func (v *Vault) Kind(symbol string) (asset.Kind, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	av, err := v.lookupAsset(symbol)
	if err != nil {
		return asset.Kind{}, err
	}
	return av.kind, nil
}
