package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Vault event types. The NATS subject is "<prefix>.<type>.v1".
const (
	EventInitialized    = "vault.initialized"
	EventAssetOnboarded = "vault.asset_onboarded"
	EventPaused         = "vault.paused"
	EventUnpaused       = "vault.unpaused"
	EventDeposited      = "vault.deposited"
	EventWithdrawn      = "vault.withdrawn"
	EventAuditCompleted = "vault.audit_completed"
)

// VaultEvent is emitted after every committed ledger mutation.
type VaultEvent struct {
	ID          uuid.UUID    `json:"id"`
	Type        string       `json:"type"`
	Actor       string       `json:"actor"`
	Asset       string       `json:"asset,omitempty"`
	AssetID     uint64       `json:"asset_id,omitempty"`
	Amount      uint64       `json:"amount,omitempty"`
	HeldBalance uint64       `json:"held_balance,omitempty"`
	UserBalance uint64       `json:"user_balance,omitempty"`
	Paused      bool         `json:"paused"`
	Audit       *AuditReport `json:"audit,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// NewVaultEvent stamps a fresh event with an id and UTC timestamp.
func NewVaultEvent(eventType, actor string) VaultEvent {
	return VaultEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
}

// AuditReport is the outcome of one conservation check across all vaults.
type AuditReport struct {
	CheckedAt  time.Time        `json:"checked_at"`
	Assets     int              `json:"assets"`
	Users      int              `json:"users"`
	Violations []AuditViolation `json:"violations,omitempty"`
}

// AuditViolation records an asset whose holding differs from the sum of deposits.
type AuditViolation struct {
	Asset       string `json:"asset"`
	AssetID     uint64 `json:"asset_id"`
	HeldBalance uint64 `json:"held_balance"`
	Deposited   uint64 `json:"deposited"`
}

// OK reports whether no violations were found.
func (r AuditReport) OK() bool { return len(r.Violations) == 0 }

// Envelope is the canonical wire wrapper for events leaving the service.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}
