package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/realtime-service/internal/config"
)

const (
	bucketIdleTTL = time.Hour
	sweepInterval = 10 * time.Minute
)

// newRateLimiter returns a per-client token-bucket middleware keyed by
// remote IP. Idle buckets are swept lazily on access, so the middleware
// holds no background goroutine.
func newRateLimiter(cfg config.RateLimitConfig) fiber.Handler {
	type bucket struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu        sync.Mutex
		buckets   = make(map[string]*bucket)
		lastSweep = time.Now()
	)

	return func(c *fiber.Ctx) error {
		ip := c.IP()
		mu.Lock()
		now := time.Now()
		if now.Sub(lastSweep) > sweepInterval {
			for addr, b := range buckets {
				if now.Sub(b.lastSeen) > bucketIdleTTL {
					delete(buckets, addr)
				}
			}
			lastSweep = now
		}
		b, ok := buckets[ip]
		if !ok {
			b = &bucket{limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)}
			buckets[ip] = b
		}
		b.lastSeen = now
		mu.Unlock()

		if !b.limiter.Allow() {
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}
