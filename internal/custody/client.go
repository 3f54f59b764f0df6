// Package custody is an asset.Ledger backed by an external custody service
// reached over HTTP.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/httpclient"
	"github.com/Checker-Finance/vault-ledger/internal/rate"
)

const rateKey = "custody"

// ErrUpstream wraps 4xx answers the client has no specific mapping for.
var ErrUpstream = errors.New("custody: request rejected")

type transferRequest struct {
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type transferResponse struct {
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type walletResponse struct {
	Owner      string `json:"owner"`
	Asset      string `json:"asset"`
	Registered bool   `json:"registered"`
	Balance    string `json:"balance"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client implements asset.Ledger against the custody REST API. Transfers
// carry an Idempotency-Key so retried POSTs are applied once.
type Client struct {
	baseURL string
	exec    *httpclient.Executor
	logger  *zap.Logger
}

type Config struct {
	BaseURL  string
	RetryMax int
	Timeout  time.Duration
	Rate     rate.Config
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var mgr *rate.Manager
	if cfg.Rate.RequestsPerSecond > 0 {
		mgr = rate.NewManager(cfg.Rate)
	}
	exec := httpclient.New(logger, mgr, &http.Client{Timeout: timeout}, cfg.RetryMax, "custody", mapError)
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		exec:    exec,
		logger:  logger,
	}
}

// mapError turns a custody 4xx body into a typed error.
func mapError(status int, body []byte) error {
	var e errorResponse
	_ = json.Unmarshal(body, &e)
	if e.Code == "INSUFFICIENT_FUNDS" || status == http.StatusPaymentRequired {
		return fmt.Errorf("%w: %s", asset.ErrInsufficientFunds, e.Message)
	}
	if status == http.StatusNotFound {
		return &notFoundError{msg: e.Message}
	}
	return fmt.Errorf("%w: %d %s %s", ErrUpstream, status, e.Code, e.Message)
}

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return "custody: not found: " + e.msg }

func (c *Client) walletURL(owner string, kind asset.Kind, suffix string) string {
	return fmt.Sprintf("%s/v1/wallets/%s/%s%s", c.baseURL, url.PathEscape(owner), url.PathEscape(kind.Symbol), suffix)
}

func (c *Client) transfer(ctx context.Context, endpoint string, kind asset.Kind, amount uint64) (uint64, error) {
	body, err := json.Marshal(transferRequest{Amount: strconv.FormatUint(amount, 10), Asset: kind.Symbol})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	var out transferResponse
	if err := c.exec.DoJSON(ctx, req, rateKey, &out); err != nil {
		return 0, err
	}
	if out.Asset != "" && out.Asset != kind.Symbol {
		return 0, fmt.Errorf("%w: custody moved %s, expected %s", asset.ErrKindMismatch, out.Asset, kind.Symbol)
	}
	if out.Amount == "" {
		return amount, nil
	}
	moved, err := strconv.ParseUint(out.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("custody: bad amount %q: %w", out.Amount, err)
	}
	return moved, nil
}

func (c *Client) WithdrawFromWallet(ctx context.Context, owner string, kind asset.Kind, amount uint64) (asset.Coin, error) {
	moved, err := c.transfer(ctx, c.walletURL(owner, kind, "/withdrawals"), kind, amount)
	if err != nil {
		return asset.Coin{}, err
	}
	c.logger.Debug("custody.withdraw.ok", zap.String("asset", kind.Symbol), zap.Uint64("amount", moved))
	return asset.Coin{Kind: kind.Symbol, Value: moved}, nil
}

func (c *Client) DepositToWallet(ctx context.Context, owner string, kind asset.Kind, coin asset.Coin) error {
	if coin.Kind != kind.Symbol {
		return fmt.Errorf("%w: %s into %s wallet", asset.ErrKindMismatch, coin.Kind, kind.Symbol)
	}
	moved, err := c.transfer(ctx, c.walletURL(owner, kind, "/deposits"), kind, coin.Value)
	if err != nil {
		return err
	}
	if moved != coin.Value {
		return fmt.Errorf("custody: credited %d of %d %s", moved, coin.Value, kind.Symbol)
	}
	return nil
}

func (c *Client) wallet(ctx context.Context, owner string, kind asset.Kind) (*walletResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.walletURL(owner, kind, ""), nil)
	if err != nil {
		return nil, err
	}
	var out walletResponse
	if err := c.exec.DoJSON(ctx, req, rateKey, &out); err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) IsWalletRegistered(ctx context.Context, owner string, kind asset.Kind) (bool, error) {
	w, err := c.wallet(ctx, owner, kind)
	if err != nil {
		return false, err
	}
	return w != nil && w.Registered, nil
}

func (c *Client) RegisterWallet(ctx context.Context, owner string, kind asset.Kind) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.walletURL(owner, kind, ""), nil)
	if err != nil {
		return err
	}
	return c.exec.DoJSON(ctx, req, rateKey, nil)
}

// Balance reports the custody-side wallet balance. Unknown wallets hold 0.
func (c *Client) Balance(ctx context.Context, owner string, kind asset.Kind) (uint64, error) {
	w, err := c.wallet(ctx, owner, kind)
	if err != nil || w == nil || w.Balance == "" {
		return 0, err
	}
	return strconv.ParseUint(w.Balance, 10, 64)
}
