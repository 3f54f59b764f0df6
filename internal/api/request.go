package api

import (
	"fmt"
	"strings"
)

// OnboardRequest registers a new asset kind.
type OnboardRequest struct {
	Symbol   string `json:"symbol" example:"USDC"`
	Decimals int32  `json:"decimals" example:"6"`
}

// TransferRequest is the payload of a deposit or withdrawal. Amount is a
// decimal string in display units of the asset.
type TransferRequest struct {
	Asset  string `json:"asset" example:"USDC"`
	Amount string `json:"amount" example:"250.50"`
}

func (r OnboardRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	return nil
}

func (r *TransferRequest) Validate() error {
	r.Asset = strings.ToUpper(strings.TrimSpace(r.Asset))
	r.Amount = strings.TrimSpace(r.Amount)
	if r.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if r.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	return nil
}
