// Package ratelimit guards the HTTP API with a per-identity fixed window kept
// in Redis and caps concurrently active calls per user.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"callagent/internal/metrics"
	"callagent/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// maxLocalBuckets bounds the fallback table during a long Redis outage.
const maxLocalBuckets = 10000

type Config struct {
	Requests int
	Window   time.Duration
}

type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	Backend    string
}

// Limiter counts requests in Redis. When Redis errors it falls back to a
// per-process token bucket with the same average rate, so a Redis outage
// degrades precision rather than availability.
type Limiter struct {
	rdb     redis.Scripter
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	fallback map[string]*localBucket
	maxLocal int
	now      func() time.Time
}

type localBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func New(rdb redis.Scripter, cfg Config, m *metrics.Metrics, log *slog.Logger) *Limiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 120
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		rdb:      rdb,
		cfg:      cfg,
		metrics:  m,
		log:      log.With("component", "ratelimit"),
		fallback: map[string]*localBucket{},
		maxLocal: maxLocalBuckets,
		now:      time.Now,
	}
}

// Allow records one request for identifier.
func (l *Limiter) Allow(ctx context.Context, identifier string) Decision {
	var d Decision
	if l.rdb != nil {
		count, ttl, err := utils.IncrFixedWindow(ctx, l.rdb, "ratelimit:"+identifier, l.cfg.Window)
		if err == nil {
			remaining := l.cfg.Requests - int(count)
			if remaining < 0 {
				remaining = 0
			}
			d = Decision{Allowed: count <= int64(l.cfg.Requests), Remaining: remaining, ResetAfter: ttl, Backend: BackendRedis}
			l.metrics.RateLimitDecision(d.Allowed, d.Backend)
			return d
		}
		l.log.Warn("redis rate limit unavailable, using in-memory limiter", "err", err)
	}
	d = l.allowLocal(identifier)
	l.metrics.RateLimitDecision(d.Allowed, d.Backend)
	return d
}

func (l *Limiter) allowLocal(identifier string) Decision {
	now := l.now()
	l.mu.Lock()
	b, ok := l.fallback[identifier]
	if !ok {
		if len(l.fallback) >= l.maxLocal {
			l.sweepLocked(now)
		}
		every := l.cfg.Window / time.Duration(l.cfg.Requests)
		b = &localBucket{lim: rate.NewLimiter(rate.Every(every), l.cfg.Requests)}
		l.fallback[identifier] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	allowed := b.lim.AllowN(now, 1)
	remaining := int(b.lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Remaining: remaining, ResetAfter: l.cfg.Window, Backend: BackendMemory}
}

// sweepLocked drops buckets idle for a full window; they have refilled, so
// forgetting them changes no decision. If every bucket is still live the
// table is reset. Caller holds mu.
func (l *Limiter) sweepLocked(now time.Time) {
	for id, b := range l.fallback {
		if now.Sub(b.lastSeen) >= l.cfg.Window {
			delete(l.fallback, id)
		}
	}
	if len(l.fallback) >= l.maxLocal {
		l.log.Warn("in-memory rate limit table full, resetting", "entries", len(l.fallback))
		l.fallback = make(map[string]*localBucket, l.maxLocal)
	}
}

// Middleware limits per authenticated user, or per client IP before auth.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := c.Get("user_id"); ok {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		d := l.Allow(c.Request.Context(), identifier)
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(d.ResetAfter.Seconds()), 10))
		if !d.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(d.ResetAfter.Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
