// Package ratelimit provides per-client token bucket rate limiting for the
// marketplace API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleTTL is how long an untouched client bucket is kept.
const idleTTL = 2 * time.Minute

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle buckets are evicted
	CleanupInterval time.Duration
	// ExemptPaths are never limited (health checks, metrics scrapes)
	ExemptPaths []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
		ExemptPaths:       []string{"/health", "/health/live", "/health/ready", "/metrics"},
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg   Config
	limit rate.Limit

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	once sync.Once
}

// New creates a limiter and starts its eviction loop. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}
	l := &Limiter{
		cfg:     cfg,
		limit:   limit,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.evict(now.Add(-idleTTL))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether key may make a request now, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key, time.Now())
	return ok
}

// take consumes a token for key. When none is available it returns how
// long until one will be.
func (l *Limiter) take(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// clientKey buckets by API key when one is presented, otherwise by IP.
func clientKey(c *gin.Context) string {
	apiKey := c.GetHeader("Authorization")
	if apiKey == "" {
		apiKey = c.GetHeader("X-API-Key")
	}
	if apiKey != "" {
		return "key:" + apiKey[:min(24, len(apiKey))]
	}
	return "ip:" + c.ClientIP()
}

// Middleware returns a Gin middleware that answers 429 with Retry-After once
// a client's bucket is empty.
func (l *Limiter) Middleware() gin.HandlerFunc {
	exempt := make(map[string]struct{}, len(l.cfg.ExemptPaths))
	for _, p := range l.cfg.ExemptPaths {
		exempt[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, skip := exempt[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		ok, wait := l.take(clientKey(c), time.Now())
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}
