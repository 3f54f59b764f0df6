package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/rate"
	"github.com/Checker-Finance/vault-ledger/pkg/cache"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RouteDeps bundles what RegisterRoutes wires together. NATS is optional;
// when nil it is reported as "disabled" rather than degrading health.
type RouteDeps struct {
	Logger  *zap.Logger
	NATS    *nats.Conn
	Store   HealthChecker
	Handler *VaultHandler
	Limits  *rate.Manager
	Replays *cache.TTL[Replay]
}

func RegisterRoutes(app *fiber.App, d RouteDeps) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{
			"nats":  "disabled",
			"store": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		if d.NATS != nil {
			checks["nats"] = "ok"
			if !d.NATS.IsConnected() {
				checks["nats"] = "disconnected"
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			} else if err := d.NATS.FlushTimeout(1 * time.Second); err != nil {
				checks["nats"] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
		}

		if d.Store != nil {
			healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := d.Store.HealthCheck(healthCtx); err != nil {
				checks["store"] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	h := d.Handler
	v1 := app.Group("/api/v1", RequireCaller(), RateLimit(logger, d.Limits))
	v1.Get("/assets", h.ListAssets)
	v1.Get("/assets/:symbol", h.GetAsset)
	v1.Get("/users/:identity/deposits", h.UserDeposits)
	v1.Get("/status", h.Status)

	idem := Idempotency(d.Replays)
	v1.Post("/deposits", idem, h.Deposit)
	v1.Post("/withdrawals", idem, h.Withdraw)

	admin := v1.Group("/admin")
	admin.Post("/initialize", idem, h.Initialize)
	admin.Post("/assets", idem, h.OnboardAsset)
	admin.Post("/pause", idem, h.Pause)
	admin.Post("/unpause", idem, h.Unpause)
}
