package model

import "time"

// Operation names recorded with every mutation.
const (
	OpInitialize = "initialize"
	OpOnboard    = "onboard"
	OpPause      = "pause"
	OpUnpause    = "unpause"
	OpDeposit    = "deposit"
	OpWithdraw   = "withdraw"
)

// AdminState is the persisted singleton governing the vault.
type AdminState struct {
	Initialized bool   `json:"initialized"`
	Admin       string `json:"admin"`
	Paused      bool   `json:"paused"`
	NextAssetID uint64 `json:"next_asset_id"`
}

// AssetVault is the persisted custody record of one onboarded asset kind.
type AssetVault struct {
	Symbol      string    `json:"symbol"`
	Decimals    int32     `json:"decimals"`
	AssetID     uint64    `json:"asset_id"`
	HeldBalance uint64    `json:"held_balance"`
	OnboardedAt time.Time `json:"onboarded_at"`
}

// UserPosition is one (user, asset) entry of the user ledger.
type UserPosition struct {
	Identity string `json:"identity"`
	AssetID  uint64 `json:"asset_id"`
	Amount   uint64 `json:"amount"`
}

// Snapshot is the full ledger state, used for restore and audit.
type Snapshot struct {
	Admin     AdminState     `json:"admin"`
	Vaults    []AssetVault   `json:"vaults"`
	Positions []UserPosition `json:"positions"`
	Users     []string       `json:"users"`
}

// Mutation carries the post-operation values of every entity one operation
// touched. Stores apply it as a single transaction. Nil fields are untouched.
type Mutation struct {
	Op       string        `json:"op"`
	Admin    *AdminState   `json:"admin,omitempty"`
	Vault    *AssetVault   `json:"vault,omitempty"`
	Position *UserPosition `json:"position,omitempty"`
	NewUser  string        `json:"new_user,omitempty"`
	At       time.Time     `json:"at"`
}
