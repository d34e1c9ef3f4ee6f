package ratelimit

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type bucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// RateLimiter is a per-client token bucket. Starting a workflow fans out
// into many LLM and vector calls, so execute requests drain more tokens
// than status reads.
type RateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*bucket
	maxTokens   int
	window      time.Duration
	refillRate  time.Duration
	executeCost int
	logger      *zap.Logger
	cleanup     *time.Ticker
}

type Config struct {
	MaxRequestsPerMinute int
	WindowDuration       time.Duration
	ExecuteCost          int
	Logger               *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.ExecuteCost <= 0 {
		cfg.ExecuteCost = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rl := &RateLimiter{
		buckets:     make(map[string]*bucket),
		maxTokens:   cfg.MaxRequestsPerMinute,
		window:      cfg.WindowDuration,
		refillRate:  cfg.WindowDuration / time.Duration(cfg.MaxRequestsPerMinute),
		executeCost: cfg.ExecuteCost,
		logger:      cfg.Logger,
		cleanup:     time.NewTicker(5 * time.Minute),
	}

	go rl.evictIdle()

	return rl
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if institution := c.Get("X-Institution-ID"); institution != "" {
			key = institution
		}

		cost := 1
		if c.Method() == fiber.MethodPost && strings.HasSuffix(c.Path(), "/workflows") {
			cost = rl.executeCost
		}

		if !rl.allow(key, cost) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
				zap.Int("cost", cost),
			)
			c.Set("Retry-After", strconv.Itoa(int(rl.window/time.Second)))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

func (rl *RateLimiter) allow(key string, cost int) bool {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		if b, exists = rl.buckets[key]; !exists {
			b = &bucket{tokens: rl.maxTokens, lastRefill: time.Now()}
			rl.buckets[key] = b
		}
		rl.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	refilled := int(now.Sub(b.lastRefill) / rl.refillRate)
	if refilled > 0 {
		b.tokens = min(rl.maxTokens, b.tokens+refilled)
		b.lastRefill = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}

	return false
}

func (rl *RateLimiter) evictIdle() {
	for range rl.cleanup.C {
		rl.mu.Lock()
		now := time.Now()
		for key, b := range rl.buckets {
			b.mu.Lock()
			if now.Sub(b.lastRefill) > 10*time.Minute {
				delete(rl.buckets, key)
			}
			b.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Stop() {
	rl.cleanup.Stop()
}
