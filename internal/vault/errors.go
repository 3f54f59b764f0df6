package vault

import (
	"errors"
)

// Code is a stable symbolic error value surfaced to callers.
type Code string

const (
	CodeNotAdmin                  Code = "NOT_ADMIN"
	CodeAlreadyInitialized        Code = "ALREADY_INITIALIZED"
	CodeNotInitialized            Code = "NOT_INITIALIZED"
	CodeAssetNotOnboarded         Code = "ASSET_NOT_ONBOARDED"
	CodeAlreadyOnboarded          Code = "ALREADY_ONBOARDED"
	CodePaused                    Code = "PAUSED"
	CodeNoUserRecord              Code = "NO_USER_RECORD"
	CodeInsufficientUserBalance   Code = "INSUFFICIENT_USER_BALANCE"
	CodeInsufficientExternalFunds Code = "INSUFFICIENT_EXTERNAL_FUNDS"
	CodeInvalidAmount             Code = "INVALID_AMOUNT"
	CodeInvalidAsset              Code = "INVALID_ASSET"
	CodeInvalidIdentity           Code = "INVALID_IDENTITY"
	CodeAmountOverflow            Code = "AMOUNT_OVERFLOW"
	CodeExternalTransfer          Code = "EXTERNAL_TRANSFER_FAILED"
	CodeStorage                   Code = "STORAGE_FAILURE"
	CodeInvariantViolation        Code = "INVARIANT_VIOLATION"
	CodeInternal                  Code = "INTERNAL"
)

// Error is a terminal rejection of one vault call.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return "vault: " + e.Message
}

// Sentinel errors, comparable with errors.Is through any amount of wrapping.
var (
	ErrUnauthorized              = &Error{CodeNotAdmin, "caller is not the admin"}
	ErrAlreadyInitialized        = &Error{CodeAlreadyInitialized, "already initialized"}
	ErrNotInitialized            = &Error{CodeNotInitialized, "not initialized"}
	ErrAssetNotOnboarded         = &Error{CodeAssetNotOnboarded, "asset not onboarded"}
	ErrAlreadyOnboarded          = &Error{CodeAlreadyOnboarded, "asset already onboarded"}
	ErrPaused                    = &Error{CodePaused, "deposits and withdrawals are paused"}
	ErrNoUserRecord              = &Error{CodeNoUserRecord, "no ledger record for user"}
	ErrInsufficientUserBalance   = &Error{CodeInsufficientUserBalance, "insufficient deposited balance"}
	ErrInsufficientExternalFunds = &Error{CodeInsufficientExternalFunds, "insufficient wallet funds"}
	ErrInvalidAmount             = &Error{CodeInvalidAmount, "amount must be positive"}
	ErrInvalidAsset              = &Error{CodeInvalidAsset, "invalid asset kind"}
	ErrInvalidIdentity           = &Error{CodeInvalidIdentity, "identity must not be empty"}
	ErrAmountOverflow            = &Error{CodeAmountOverflow, "amount overflows balance"}
	ErrExternalTransfer          = &Error{CodeExternalTransfer, "external wallet transfer failed"}
	ErrStorage                   = &Error{CodeStorage, "ledger storage failed"}
	ErrInvariantViolation        = &Error{CodeInvariantViolation, "ledger invariant violated"}
)

// CodeOf returns the stable code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRejection reports whether err is a precondition rejection caused by the
// caller's request rather than an infrastructure failure.
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case CodeExternalTransfer, CodeStorage, CodeInvariantViolation, CodeInternal:
		return false
	}
	return true
}
