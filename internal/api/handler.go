package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/vault"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
	"github.com/Checker-Finance/vault-ledger/pkg/utils"
)

// VaultService defines the ledger operations needed by the handler.
type VaultService interface {
	Initialize(ctx context.Context, caller string) error
	OnboardAsset(ctx context.Context, caller string, kind asset.Kind) (vault.AssetID, error)
	Pause(ctx context.Context, caller string) error
	Unpause(ctx context.Context, caller string) error
	Deposit(ctx context.Context, user, symbol string, amount uint64) error
	Withdraw(ctx context.Context, user, symbol string, amount uint64) error

	Kind(symbol string) (asset.Kind, error)
	Asset(symbol string) (model.AssetVault, error)
	Assets() []model.AssetVault
	UserDeposits(user string) (map[string]uint64, error)
	Users() []string
	IsInitialized() bool
	IsPaused() bool
	Admin() string
	Audit() model.AuditReport
}

// VaultHandler handles HTTP API requests for ledger operations.
type VaultHandler struct {
	logger  *zap.Logger
	service VaultService
}

// NewVaultHandler creates a new VaultHandler.
func NewVaultHandler(logger *zap.Logger, service VaultService) *VaultHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VaultHandler{
		logger:  logger,
		service: service,
	}
}

// --- Admin ---

func (h *VaultHandler) Initialize(c *fiber.Ctx) error {
	caller := callerOf(c)
	if err := h.service.Initialize(c.UserContext(), caller); err != nil {
		return h.fail(c, "initialize", caller, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"initialized": true, "admin": caller})
}

func (h *VaultHandler) OnboardAsset(c *fiber.Ctx) error {
	var req OnboardRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	}

	caller := callerOf(c)
	kind := asset.Kind{Symbol: strings.ToUpper(strings.TrimSpace(req.Symbol)), Decimals: req.Decimals}

	if _, err := h.service.OnboardAsset(c.UserContext(), caller, kind); err != nil {
		return h.fail(c, "onboard", caller, err)
	}
	a, err := h.service.Asset(kind.Symbol)
	if err != nil {
		return h.fail(c, "onboard", caller, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toAssetResponse(a))
}

func (h *VaultHandler) Pause(c *fiber.Ctx) error {
	caller := callerOf(c)
	if err := h.service.Pause(c.UserContext(), caller); err != nil {
		return h.fail(c, "pause", caller, err)
	}
	return c.JSON(fiber.Map{"paused": true})
}

func (h *VaultHandler) Unpause(c *fiber.Ctx) error {
	caller := callerOf(c)
	if err := h.service.Unpause(c.UserContext(), caller); err != nil {
		return h.fail(c, "unpause", caller, err)
	}
	return c.JSON(fiber.Map{"paused": false})
}

// --- Transfers ---

func (h *VaultHandler) Deposit(c *fiber.Ctx) error {
	return h.transfer(c, "deposit", h.service.Deposit)
}

func (h *VaultHandler) Withdraw(c *fiber.Ctx) error {
	return h.transfer(c, "withdraw", h.service.Withdraw)
}

type transferFunc func(ctx context.Context, user, symbol string, amount uint64) error

func (h *VaultHandler) transfer(c *fiber.Ctx, op string, do transferFunc) error {
	var req TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	}
	caller := callerOf(c)

	// The vault gates on state before it resolves the asset; keep that order
	// for requests that cannot be converted to base units yet.
	if !h.service.IsInitialized() {
		return h.fail(c, op, caller, vault.ErrNotInitialized)
	}
	if h.service.IsPaused() {
		return h.fail(c, op, caller, vault.ErrPaused)
	}
	kind, err := h.service.Kind(req.Asset)
	if err != nil {
		return h.fail(c, op, caller, err)
	}
	units, err := model.FromDisplay(req.Amount, kind.Decimals)
	if err != nil {
		return h.fail(c, op, caller, errors.Join(vault.ErrInvalidAmount, err))
	}

	h.logger.Info("api."+op,
		zap.String("identity", utils.MaskIdentity(caller)),
		zap.String("asset", kind.Symbol),
		zap.Uint64("units", units))

	if err := do(c.UserContext(), caller, kind.Symbol, units); err != nil {
		return h.fail(c, op, caller, err)
	}

	resp := TransferResponse{
		Identity: caller,
		Asset:    kind.Symbol,
		Amount:   model.ToDisplay(units, kind.Decimals),
		Units:    units,
	}
	if deposits, err := h.service.UserDeposits(caller); err == nil {
		resp.UserBalance = model.ToDisplay(deposits[kind.Symbol], kind.Decimals)
	}
	if a, err := h.service.Asset(kind.Symbol); err == nil {
		resp.HeldBalance = model.ToDisplay(a.HeldBalance, kind.Decimals)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// --- Queries ---

func (h *VaultHandler) ListAssets(c *fiber.Ctx) error {
	vaults := h.service.Assets()
	out := make([]AssetResponse, 0, len(vaults))
	for _, a := range vaults {
		out = append(out, toAssetResponse(a))
	}
	return c.JSON(out)
}

func (h *VaultHandler) GetAsset(c *fiber.Ctx) error {
	a, err := h.service.Asset(c.Params("symbol"))
	if err != nil {
		return h.fail(c, "get_asset", callerOf(c), err)
	}
	return c.JSON(toAssetResponse(a))
}

func (h *VaultHandler) UserDeposits(c *fiber.Ctx) error {
	identity := c.Params("identity")
	deposits, err := h.service.UserDeposits(identity)
	if err != nil {
		return h.fail(c, "user_deposits", callerOf(c), err)
	}

	out := make([]PositionResponse, 0, len(deposits))
	for _, a := range h.service.Assets() {
		units, ok := deposits[a.Symbol]
		if !ok {
			continue
		}
		out = append(out, PositionResponse{
			Asset:   a.Symbol,
			Balance: model.ToDisplay(units, a.Decimals),
			Units:   units,
		})
	}
	return c.JSON(fiber.Map{"identity": identity, "positions": out})
}

func (h *VaultHandler) Status(c *fiber.Ctx) error {
	return c.JSON(StatusResponse{
		Initialized: h.service.IsInitialized(),
		Paused:      h.service.IsPaused(),
		Admin:       h.service.Admin(),
		Assets:      len(h.service.Assets()),
		Users:       len(h.service.Users()),
		Audit:       h.service.Audit(),
	})
}

func (h *VaultHandler) fail(c *fiber.Ctx, op, caller string, err error) error {
	code := vault.CodeOf(err)
	status := statusFor(code)
	fields := []zap.Field{
		zap.String("identity", utils.MaskIdentity(caller)),
		zap.String("code", string(code)),
		zap.Error(err),
	}
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("api."+op+".failed", fields...)
	} else {
		h.logger.Warn("api."+op+".rejected", fields...)
	}
	return c.Status(status).JSON(ErrorResponse{Error: err.Error(), Code: string(code)})
}

func statusFor(code vault.Code) int {
	switch code {
	case vault.CodeNotAdmin:
		return fiber.StatusForbidden
	case vault.CodeAlreadyInitialized, vault.CodeAlreadyOnboarded, vault.CodeNotInitialized:
		return fiber.StatusConflict
	case vault.CodePaused:
		return fiber.StatusLocked
	case vault.CodeAssetNotOnboarded, vault.CodeNoUserRecord:
		return fiber.StatusNotFound
	case vault.CodeInsufficientUserBalance, vault.CodeInsufficientExternalFunds, vault.CodeAmountOverflow:
		return fiber.StatusUnprocessableEntity
	case vault.CodeInvalidAmount, vault.CodeInvalidAsset, vault.CodeInvalidIdentity:
		return fiber.StatusBadRequest
	case vault.CodeExternalTransfer:
		return fiber.StatusBadGateway
	case vault.CodeStorage:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
