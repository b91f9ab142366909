package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// bucket is a single client's token bucket.
type bucket struct {
	tokens     float64
	max        float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *bucket) allow(now time.Time) bool {
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// rateLimitMiddleware enforces a per-client-IP token bucket with burst
// capacity of twice the sustained rate. Probe endpoints are exempt.
func rateLimitMiddleware(rps int) fiber.Handler {
	var (
		mu      sync.Mutex
		clients = make(map[string]*bucket)
	)

	// Cleanup stale buckets periodically.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			now := time.Now()
			for ip, b := range clients {
				if now.Sub(b.lastRefill) > 10*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *fiber.Ctx) error {
		if probePath(c.Path()) {
			return c.Next()
		}

		ip := c.IP()

		mu.Lock()
		b, ok := clients[ip]
		if !ok {
			b = &bucket{
				tokens:     float64(2 * rps),
				max:        float64(2 * rps),
				refillRate: float64(rps),
				lastRefill: time.Now(),
			}
			clients[ip] = b
		}
		allowed := b.allow(time.Now())
		mu.Unlock()

		if !allowed {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}

		return c.Next()
	}
}
