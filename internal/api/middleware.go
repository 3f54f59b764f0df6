package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	fiberutils "github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/internal/rate"
	"github.com/Checker-Finance/vault-ledger/pkg/cache"
	"github.com/Checker-Finance/vault-ledger/pkg/utils"
)

const (
	HeaderCaller         = "X-Caller-Identity"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	callerKey = "caller"
)

// Replay is a stored response for a previously seen idempotency key.
// Pending marks a key whose first request has not finished.
type Replay struct {
	Pending     bool
	Status      int
	ContentType string
	Body        []byte
}

func callerOf(c *fiber.Ctx) string {
	if v, ok := c.Locals(callerKey).(string); ok {
		return v
	}
	return ""
}

// RequireCaller rejects requests without the gateway-asserted caller identity.
func RequireCaller() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// The header value aliases the request buffer, which fasthttp reuses.
		caller := fiberutils.CopyString(strings.TrimSpace(c.Get(HeaderCaller)))
		if caller == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: HeaderCaller + " header is required"})
		}
		c.Locals(callerKey, caller)
		return c.Next()
	}
}

// RateLimit applies a per-caller token bucket. Must run after RequireCaller.
func RateLimit(logger *zap.Logger, limits *rate.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limits == nil {
			return c.Next()
		}
		caller := callerOf(c)
		if !limits.Allow(caller) {
			metrics.IncError("api", "rate_limited")
			logger.Warn("api.rate_limited",
				zap.String("identity", utils.MaskIdentity(caller)),
				zap.String("path", c.Path()))
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{Error: "rate limit exceeded"})
		}
		return c.Next()
	}
}

// Idempotency replays the stored response when a caller repeats a mutating
// request with the same Idempotency-Key. The key is reserved before the
// handler runs, so a repeat that arrives while the first is in flight gets 409.
// Server errors release the key so the request can be retried.
func Idempotency(replays *cache.TTL[Replay]) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := strings.TrimSpace(c.Get(HeaderIdempotencyKey))
		if replays == nil || key == "" {
			return c.Next()
		}
		key = callerOf(c) + "|" + c.Method() + "|" + c.Path() + "|" + key

		if !replays.PutIfAbsent(key, Replay{Pending: true}) {
			r, ok := replays.Get(key)
			if !ok || r.Pending {
				return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "a request with this " + HeaderIdempotencyKey + " is in progress"})
			}
			c.Set(HeaderReplayed, "true")
			if r.ContentType != "" {
				c.Set(fiber.HeaderContentType, r.ContentType)
			}
			return c.Status(r.Status).Send(r.Body)
		}

		if err := c.Next(); err != nil {
			replays.Bust(key)
			return err
		}

		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError || status == fiber.StatusTooManyRequests {
			replays.Bust(key)
			return nil
		}
		replays.Put(key, Replay{
			Status:      status,
			ContentType: string(c.Response().Header.ContentType()),
			Body:        append([]byte(nil), c.Response().Body()...),
		})
		return nil
	}
}
