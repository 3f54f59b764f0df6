package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// ErrorResponse carries a stable error code alongside the message.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// AssetResponse describes one onboarded asset vault.
type AssetResponse struct {
	Symbol      string          `json:"symbol"`
	Decimals    int32           `json:"decimals"`
	AssetID     uint64          `json:"assetId"`
	HeldBalance decimal.Decimal `json:"heldBalance"`
	HeldUnits   uint64          `json:"heldUnits"`
	OnboardedAt time.Time       `json:"onboardedAt"`
}

// TransferResponse confirms a committed deposit or withdrawal.
type TransferResponse struct {
	Identity    string          `json:"identity"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Units       uint64          `json:"units"`
	UserBalance decimal.Decimal `json:"userBalance"`
	HeldBalance decimal.Decimal `json:"heldBalance"`
}

// PositionResponse is one ledger entry of a user.
type PositionResponse struct {
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
	Units   uint64          `json:"units"`
}

// StatusResponse summarizes the vault for operators.
type StatusResponse struct {
	Initialized bool              `json:"initialized"`
	Paused      bool              `json:"paused"`
	Admin       string            `json:"admin"`
	Assets      int               `json:"assets"`
	Users       int               `json:"users"`
	Audit       model.AuditReport `json:"audit"`
}

func toAssetResponse(a model.AssetVault) AssetResponse {
	return AssetResponse{
		Symbol:      a.Symbol,
		Decimals:    a.Decimals,
		AssetID:     a.AssetID,
		HeldBalance: model.ToDisplay(a.HeldBalance, a.Decimals),
		HeldUnits:   a.HeldBalance,
		OnboardedAt: a.OnboardedAt,
	}
}
