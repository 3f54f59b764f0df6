package vault

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// Snapshot returns a consistent copy of the whole ledger. It briefly blocks
// every other operation.
func (v *Vault) Snapshot() model.Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *Vault) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		Admin: *v.adminRecord(v.state),
	}
	for _, av := range v.vaults {
		snap.Vaults = append(snap.Vaults, *av.record(av.held.Value))
	}

	v.usersMu.Lock()
	snap.Users = append([]string(nil), v.registry...)
	for _, identity := range v.registry {
		rec := v.users[identity]
		for id, amount := range rec.deposits {
			snap.Positions = append(snap.Positions, model.UserPosition{Identity: identity, AssetID: uint64(id), Amount: amount})
		}
	}
	v.usersMu.Unlock()

	sortVaults(snap.Vaults)
	sortedPositions(snap.Positions)
	return snap
}

// Audit recomputes, for every asset, the sum of user deposits and compares it
// with the held balance.
func (v *Vault) Audit() model.AuditReport {
	snap := v.Snapshot()
	report := model.AuditReport{
		CheckedAt:  time.Now().UTC(),
		Assets:     len(snap.Vaults),
		Users:      len(snap.Users),
		Violations: conservationViolations(snap),
	}

	metrics.SetLastAudit(report.CheckedAt)
	if report.OK() {
		metrics.IncAudit("ok")
		return report
	}
	metrics.IncAudit("violation")
	for _, viol := range report.Violations {
		v.logger.Error("vault.audit.violation",
			zap.String("asset", viol.Asset),
			zap.Uint64("held", viol.HeldBalance),
			zap.Uint64("deposited", viol.Deposited))
	}
	return report
}

func conservationViolations(snap model.Snapshot) []model.AuditViolation {
	sums := make(map[uint64]uint64, len(snap.Vaults))
	overflowed := make(map[uint64]bool)
	for _, p := range snap.Positions {
		if p.Amount > math.MaxUint64-sums[p.AssetID] {
			overflowed[p.AssetID] = true
			continue
		}
		sums[p.AssetID] += p.Amount
	}

	var out []model.AuditViolation
	for _, av := range snap.Vaults {
		if overflowed[av.AssetID] || sums[av.AssetID] != av.HeldBalance {
			out = append(out, model.AuditViolation{
				Asset:       av.Symbol,
				AssetID:     av.AssetID,
				HeldBalance: av.HeldBalance,
				Deposited:   sums[av.AssetID],
			})
		}
	}
	return out
}

// Restore loads persisted state into a fresh vault. The snapshot must satisfy
// conservation, id uniqueness and the id counter bound, otherwise it is refused.
func (v *Vault) Restore(snap model.Snapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state.initialized {
		return ErrAlreadyInitialized
	}
	if !snap.Admin.Initialized {
		return nil
	}
	if snap.Admin.Admin != "" && snap.Admin.Admin != v.admin {
		v.logger.Warn("vault.restore.admin_changed",
			masked(snap.Admin.Admin),
			zap.String("configured", v.admin))
	}
	if err := validateSnapshot(snap); err != nil {
		return err
	}

	vaults := make(map[string]*assetVault, len(snap.Vaults))
	byID := make(map[AssetID]*assetVault, len(snap.Vaults))
	for _, rec := range snap.Vaults {
		av := &assetVault{
			kind:        asset.Kind{Symbol: rec.Symbol, Decimals: rec.Decimals},
			id:          AssetID(rec.AssetID),
			held:        asset.Coin{Kind: rec.Symbol, Value: rec.HeldBalance},
			onboardedAt: rec.OnboardedAt,
		}
		vaults[rec.Symbol] = av
		byID[av.id] = av
		metrics.SetHeldBalance(rec.Symbol, rec.HeldBalance)
	}

	users := make(map[string]*userRecord, len(snap.Users))
	for _, identity := range snap.Users {
		users[identity] = &userRecord{identity: identity, registered: true, deposits: make(map[AssetID]uint64)}
	}
	for _, p := range snap.Positions {
		users[p.Identity].deposits[AssetID(p.AssetID)] = p.Amount
	}

	v.usersMu.Lock()
	v.users = users
	v.registry = append([]string(nil), snap.Users...)
	v.usersMu.Unlock()

	v.vaults, v.byID = vaults, byID
	v.state = adminState{
		initialized: true,
		paused:      snap.Admin.Paused,
		nextAssetID: snap.Admin.NextAssetID,
	}
	metrics.SetPaused(v.state.paused)
	metrics.SetRegisteredUsers(len(snap.Users))

	v.logger.Info("vault.restored",
		zap.Int("assets", len(vaults)),
		zap.Int("users", len(users)),
		zap.Bool("paused", v.state.paused),
		zap.Uint64("next_asset_id", v.state.nextAssetID))
	return nil
}

func validateSnapshot(snap model.Snapshot) error {
	symbols := make(map[string]bool, len(snap.Vaults))
	ids := make(map[uint64]bool, len(snap.Vaults))
	for _, av := range snap.Vaults {
		if err := (asset.Kind{Symbol: av.Symbol, Decimals: av.Decimals}).Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		if symbols[av.Symbol] {
			return fmt.Errorf("%w: asset %s stored twice", ErrInvariantViolation, av.Symbol)
		}
		if av.AssetID == 0 || ids[av.AssetID] {
			return fmt.Errorf("%w: asset id %d reused or zero", ErrInvariantViolation, av.AssetID)
		}
		if av.AssetID > snap.Admin.NextAssetID {
			return fmt.Errorf("%w: asset id %d above counter %d", ErrInvariantViolation, av.AssetID, snap.Admin.NextAssetID)
		}
		symbols[av.Symbol] = true
		ids[av.AssetID] = true
	}

	known := make(map[string]bool, len(snap.Users))
	for _, identity := range snap.Users {
		if identity == "" || known[identity] {
			return fmt.Errorf("%w: user registry entry %q invalid or duplicated", ErrInvariantViolation, identity)
		}
		known[identity] = true
	}
	type positionKey struct {
		identity string
		assetID  uint64
	}
	positions := make(map[positionKey]bool, len(snap.Positions))
	for _, p := range snap.Positions {
		if !known[p.Identity] {
			return fmt.Errorf("%w: position for unregistered user", ErrInvariantViolation)
		}
		if !ids[p.AssetID] {
			return fmt.Errorf("%w: position references unknown asset id %d", ErrInvariantViolation, p.AssetID)
		}
		key := positionKey{p.Identity, p.AssetID}
		if positions[key] {
			return fmt.Errorf("%w: duplicate position for asset id %d", ErrInvariantViolation, p.AssetID)
		}
		positions[key] = true
	}

	if viols := conservationViolations(snap); len(viols) > 0 {
		return fmt.Errorf("%w: %s holds %d but users deposited %d",
			ErrInvariantViolation, viols[0].Asset, viols[0].HeldBalance, viols[0].Deposited)
	}
	return nil
}

func sortVaults(vs []model.AssetVault) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].AssetID < vs[j].AssetID })
}
