package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/asset"
	"github.com/Checker-Finance/vault-ledger/internal/rate"
	"github.com/Checker-Finance/vault-ledger/internal/vault"
	"github.com/Checker-Finance/vault-ledger/pkg/cache"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

const (
	admin = "admin-0x01"
	alice = "alice-0x02"
)

var usdc = asset.Kind{Symbol: "USDC", Decimals: 6}

// --- Mocks ---

type mockStore struct {
	commitFn func(m model.Mutation) error
	healthFn func(ctx context.Context) error
}

func (s *mockStore) Commit(_ context.Context, m model.Mutation) error {
	if s.commitFn != nil {
		return s.commitFn(m)
	}
	return nil
}

func (s *mockStore) HealthCheck(ctx context.Context) error {
	if s.healthFn != nil {
		return s.healthFn(ctx)
	}
	return nil
}

// gatedLedger holds WithdrawFromWallet until release is closed, so a test can
// keep one deposit in flight.
type gatedLedger struct {
	*asset.MemoryLedger
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedLedger) WithdrawFromWallet(ctx context.Context, owner string, kind asset.Kind, amount uint64) (asset.Coin, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.MemoryLedger.WithdrawFromWallet(ctx, owner, kind, amount)
}

// --- Test Helpers ---

type testEnv struct {
	app     *fiber.App
	vault   *vault.Vault
	wallets *asset.MemoryLedger
	store   *mockStore
}

func newTestEnv(t *testing.T, limits *rate.Manager) *testEnv {
	t.Helper()
	wallets := asset.NewMemoryLedger()
	return newTestEnvWithLedger(t, wallets, wallets, limits)
}

// newTestEnvWithLedger lets a test wrap the funded memory wallets.
func newTestEnvWithLedger(t *testing.T, wallets *asset.MemoryLedger, ledger asset.Ledger, limits *rate.Manager) *testEnv {
	t.Helper()
	require.NoError(t, wallets.Mint(context.Background(), alice, usdc, 1_000_000_000))

	st := &mockStore{}
	v, err := vault.New(zap.NewNop(), admin, ledger, st, nil)
	require.NoError(t, err)

	app := fiber.New()
	RegisterRoutes(app, RouteDeps{
		Logger:  zap.NewNop(),
		Store:   st,
		Handler: NewVaultHandler(zap.NewNop(), v),
		Limits:  limits,
		Replays: cache.New[Replay](time.Minute),
	})
	return &testEnv{app: app, vault: v, wallets: wallets, store: st}
}

func newReadyEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.vault.Initialize(ctx, admin))
	_, err := env.vault.OnboardAsset(ctx, admin, usdc)
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, caller, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(HeaderCaller, caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (e *testEnv) walletBalance(t *testing.T, owner string) uint64 {
	t.Helper()
	b, err := e.wallets.Balance(context.Background(), owner, usdc)
	require.NoError(t, err)
	return b
}

// --- Caller identity ---

func TestMissingCallerIdentity(t *testing.T) {
	env := newReadyEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/v1/assets", "", "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body["error"], HeaderCaller)
}

// --- Admin routes ---

func TestInitialize(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/admin/initialize", alice, "")
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(vault.CodeNotAdmin), body["code"])
	assert.False(t, env.vault.IsInitialized())

	resp, _ = env.do(t, http.MethodPost, "/api/v1/admin/initialize", admin, "")
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.True(t, env.vault.IsInitialized())

	resp, body = env.do(t, http.MethodPost, "/api/v1/admin/initialize", admin, "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(vault.CodeAlreadyInitialized), body["code"])
}

func TestOnboardAsset(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.vault.Initialize(context.Background(), admin))

	resp, body := env.do(t, http.MethodPost, "/api/v1/admin/assets", admin, `{"symbol":"usdc","decimals":6}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, "USDC", body["symbol"])
	assert.Equal(t, float64(1), body["assetId"])
	assert.Equal(t, "0", body["heldBalance"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/admin/assets", admin, `{"symbol":"USDC","decimals":6}`)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(vault.CodeAlreadyOnboarded), body["code"])
}

func TestOnboardAsset_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.vault.Initialize(context.Background(), admin))

	tests := []struct {
		name   string
		caller string
		body   string
		status int
		code   vault.Code
	}{
		{"non-admin with bad kind", alice, `{"symbol":"bad symbol!","decimals":6}`, fiber.StatusForbidden, vault.CodeNotAdmin},
		{"bad symbol", admin, `{"symbol":"bad symbol!","decimals":6}`, fiber.StatusBadRequest, vault.CodeInvalidAsset},
		{"decimals out of range", admin, `{"symbol":"USDC","decimals":40}`, fiber.StatusBadRequest, vault.CodeInvalidAsset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/api/v1/admin/assets", tt.caller, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(tt.code), body["code"])
		})
	}

	resp, _ := env.do(t, http.MethodPost, "/api/v1/admin/assets", admin, `{"decimals":6}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, env.vault.Assets())
}

func TestPauseAndUnpause(t *testing.T) {
	env := newReadyEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/admin/pause", alice, "")
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/v1/admin/pause", admin, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["paused"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/deposits", alice, `{"asset":"USDC","amount":"1"}`)
	assert.Equal(t, fiber.StatusLocked, resp.StatusCode)
	assert.Equal(t, string(vault.CodePaused), body["code"])

	// Pause is reported before the asset lookup.
	resp, body = env.do(t, http.MethodPost, "/api/v1/deposits", alice, `{"asset":"DOGE","amount":"1"}`)
	assert.Equal(t, fiber.StatusLocked, resp.StatusCode)
	assert.Equal(t, string(vault.CodePaused), body["code"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/admin/unpause", admin, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.False(t, env.vault.IsPaused())
}

// --- Transfers ---

func TestDepositAndWithdraw(t *testing.T) {
	env := newReadyEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/deposits", alice, `{"asset":"usdc","amount":"12.5"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "USDC", body["asset"])
	assert.Equal(t, float64(12_500_000), body["units"])
	assert.Equal(t, "12.5", body["userBalance"])
	assert.Equal(t, "12.5", body["heldBalance"])
	assert.Equal(t, uint64(1_000_000_000-12_500_000), env.walletBalance(t, alice))

	resp, body = env.do(t, http.MethodPost, "/api/v1/withdrawals", alice, `{"asset":"USDC","amount":"2.25"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "10.25", body["userBalance"])

	held, err := env.vault.HeldBalance("USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(10_250_000), held)
}

func TestTransfer_Rejections(t *testing.T) {
	env := newReadyEnv(t)
	require.NoError(t, env.vault.Deposit(context.Background(), alice, "USDC", 1_000_000))

	tests := []struct {
		name   string
		path   string
		caller string
		body   string
		status int
		code   vault.Code
	}{
		{"unknown asset", "/api/v1/deposits", alice, `{"asset":"DOGE","amount":"1"}`, fiber.StatusNotFound, vault.CodeAssetNotOnboarded},
		{"too many decimals", "/api/v1/deposits", alice, `{"asset":"USDC","amount":"0.0000001"}`, fiber.StatusBadRequest, vault.CodeInvalidAmount},
		{"negative amount", "/api/v1/deposits", alice, `{"asset":"USDC","amount":"-1"}`, fiber.StatusBadRequest, vault.CodeInvalidAmount},
		{"zero amount", "/api/v1/deposits", alice, `{"asset":"USDC","amount":"0"}`, fiber.StatusBadRequest, vault.CodeInvalidAmount},
		{"wallet too small", "/api/v1/deposits", alice, `{"asset":"USDC","amount":"5000"}`, fiber.StatusUnprocessableEntity, vault.CodeInsufficientExternalFunds},
		{"overdraw", "/api/v1/withdrawals", alice, `{"asset":"USDC","amount":"1.000001"}`, fiber.StatusUnprocessableEntity, vault.CodeInsufficientUserBalance},
		{"no record", "/api/v1/withdrawals", "mallory-0x09", `{"asset":"USDC","amount":"1"}`, fiber.StatusNotFound, vault.CodeNoUserRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(tt.code), body["code"])
		})
	}

	resp, _ := env.do(t, http.MethodPost, "/api/v1/deposits", alice, `{"asset":"USDC"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	held, err := env.vault.HeldBalance("USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), held)
}

func TestDeposit_BeforeInitialize(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodPost, "/api/v1/deposits", alice, `{"asset":"USDC","amount":"1"}`)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(vault.CodeNotInitialized), body["code"])
}

func TestDeposit_StorageFailure(t *testing.T) {
	env := newReadyEnv(t)
	env.store.commitFn = func(model.Mutation) error { return errors.New("pg down") }

	resp, body := env.do(t, http.MethodPost, "/api/v1/deposits", alice, `{"asset":"USDC","amount":"1"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(vault.CodeStorage), body["code"])
	assert.Equal(t, uint64(1_000_000_000), env.walletBalance(t, alice))
}

// --- Idempotency ---

func TestIdempotentDepositReplays(t *testing.T) {
	env := newReadyEnv(t)
	payload := `{"asset":"USDC","amount":"3"}`

	resp, first := env.do(t, http.MethodPost, "/api/v1/deposits", alice, payload, HeaderIdempotencyKey, "k-1")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderReplayed))

	resp, second := env.do(t, http.MethodPost, "/api/v1/deposits", alice, payload, HeaderIdempotencyKey, "k-1")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(HeaderReplayed))
	assert.Equal(t, first, second)

	dep, err := env.vault.UserDeposit(alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000), dep, "replay must not deposit twice")

	// A different key is a new request.
	resp, _ = env.do(t, http.MethodPost, "/api/v1/deposits", alice, payload, HeaderIdempotencyKey, "k-2")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	dep, _ = env.vault.UserDeposit(alice, "USDC")
	assert.Equal(t, uint64(6_000_000), dep)
}

func TestIdempotency_ServerErrorNotStored(t *testing.T) {
	env := newReadyEnv(t)
	env.store.commitFn = func(model.Mutation) error { return errors.New("pg down") }

	resp, _ := env.do(t, http.MethodPost, "/api/v1/deposits", alice, `{"asset":"USDC","amount":"1"}`, HeaderIdempotencyKey, "k-1")
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	env.store.commitFn = nil
	resp, _ = env.do(t, http.MethodPost, "/api/v1/deposits", alice, `{"asset":"USDC","amount":"1"}`, HeaderIdempotencyKey, "k-1")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderReplayed))
}

func TestIdempotency_ConcurrentDuplicateRunsOnce(t *testing.T) {
	wallets := asset.NewMemoryLedger()
	gate := &gatedLedger{MemoryLedger: wallets, entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnvWithLedger(t, wallets, gate, nil)
	ctx := context.Background()
	require.NoError(t, env.vault.Initialize(ctx, admin))
	_, err := env.vault.OnboardAsset(ctx, admin, usdc)
	require.NoError(t, err)

	payload := `{"asset":"USDC","amount":"3"}`
	firstStatus := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderCaller, alice)
		req.Header.Set(HeaderIdempotencyKey, "k-1")
		resp, err := env.app.Test(req, -1)
		if err != nil {
			firstStatus <- 0
			return
		}
		firstStatus <- resp.StatusCode
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first deposit never reached the wallet")
	}

	resp, body := env.do(t, http.MethodPost, "/api/v1/deposits", alice, payload, HeaderIdempotencyKey, "k-1")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "in progress")

	close(gate.release)
	assert.Equal(t, fiber.StatusOK, <-firstStatus)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/deposits", alice, payload, HeaderIdempotencyKey, "k-1")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(HeaderReplayed))

	dep, err := env.vault.UserDeposit(alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000), dep, "one credit for one key")
}

// --- Caller identity over a live listener ---

func TestCallerIdentitySurvivesConnectionReuse(t *testing.T) {
	env := newReadyEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = env.app.Listener(ln) }()
	t.Cleanup(func() { _ = env.app.Shutdown() })

	client := &http.Client{Transport: &http.Transport{MaxConnsPerHost: 1, MaxIdleConnsPerHost: 1}}
	base := "http://" + ln.Addr().String()
	send := func(method, path, caller, body string) int {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, base+path, reader)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderCaller, caller)
		resp, err := client.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, fiber.StatusOK, send(http.MethodPost, "/api/v1/deposits", alice, `{"asset":"USDC","amount":"4"}`))

	// Same length as alice so a reused buffer would overwrite it in place.
	other := "zzzzz-0x99"
	require.Len(t, other, len(alice))
	for i := 0; i < 5; i++ {
		assert.Equal(t, fiber.StatusOK, send(http.MethodGet, "/api/v1/status", other, ""))
	}

	assert.Equal(t, []string{alice}, env.vault.Users())
	dep, err := env.vault.UserDeposit(alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(4_000_000), dep)
	assert.True(t, env.vault.Audit().OK())
}

// --- Rate limiting ---

func TestRateLimitPerCaller(t *testing.T) {
	env := newTestEnv(t, rate.NewManager(rate.Config{RequestsPerSecond: 0, Burst: 1}))

	resp, _ := env.do(t, http.MethodGet, "/api/v1/status", alice, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/v1/status", alice, "")
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	// Other callers have their own bucket.
	resp, _ = env.do(t, http.MethodGet, "/api/v1/status", admin, "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

// --- Queries ---

func TestQueries(t *testing.T) {
	env := newReadyEnv(t)
	require.NoError(t, env.vault.Deposit(context.Background(), alice, "USDC", 7_000_000))

	resp, err := env.app.Test(func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/assets", nil)
		r.Header.Set(HeaderCaller, alice)
		return r
	}(), -1)
	require.NoError(t, err)
	var list []AssetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, uint64(7_000_000), list[0].HeldUnits)
	assert.Equal(t, "7", list[0].HeldBalance.String())

	r, body := env.do(t, http.MethodGet, "/api/v1/assets/USDC", alice, "")
	assert.Equal(t, fiber.StatusOK, r.StatusCode)
	assert.Equal(t, "7", body["heldBalance"])

	r, body = env.do(t, http.MethodGet, "/api/v1/assets/WBTC", alice, "")
	assert.Equal(t, fiber.StatusNotFound, r.StatusCode)
	assert.Equal(t, string(vault.CodeAssetNotOnboarded), body["code"])

	r, body = env.do(t, http.MethodGet, "/api/v1/users/"+alice+"/deposits", admin, "")
	assert.Equal(t, fiber.StatusOK, r.StatusCode)
	positions, ok := body["positions"].([]any)
	require.True(t, ok)
	require.Len(t, positions, 1)
	assert.Equal(t, "7", positions[0].(map[string]any)["balance"])

	r, _ = env.do(t, http.MethodGet, "/api/v1/users/nobody/deposits", admin, "")
	assert.Equal(t, fiber.StatusNotFound, r.StatusCode)

	r, body = env.do(t, http.MethodGet, "/api/v1/status", admin, "")
	assert.Equal(t, fiber.StatusOK, r.StatusCode)
	assert.Equal(t, true, body["initialized"])
	assert.Equal(t, false, body["paused"])
	assert.Equal(t, float64(1), body["assets"])
	assert.Equal(t, float64(1), body["users"])
	assert.Equal(t, admin, body["admin"])
}

// --- Health ---

func TestHealth(t *testing.T) {
	env := newReadyEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "disabled", checks["nats"])

	env.store.healthFn = func(context.Context) error { return errors.New("redis ping failed") }
	resp, body = env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newReadyEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, fiber.StatusBadGateway, statusFor(vault.CodeExternalTransfer))
	assert.Equal(t, fiber.StatusInternalServerError, statusFor(vault.CodeInvariantViolation))
	assert.Equal(t, fiber.StatusInternalServerError, statusFor(vault.CodeInternal))
}
