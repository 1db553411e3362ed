// Package ratelimit implements a token bucket rate limiter for per-host outbound request control.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/fair-scraper/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]HostLimit
	defaultRate  rate.Limit
	defaultBurst int
}

// HostLimit overrides the default rate for a single host.
type HostLimit struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Hosts        []HostLimit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r, burst := toRate(cfg.DefaultRPS, cfg.DefaultBurst)
	overrides := make(map[string]HostLimit, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		host := strings.ToLower(strings.TrimSpace(h.Host))
		if host == "" {
			continue
		}
		overrides[host] = h
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := metrics.SanitizeSite(rawURL)
	limiter := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not interesting; only record real delays.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, d)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[domain]
	if exists {
		return limiter
	}
	r, burst := l.defaultRate, l.defaultBurst
	if o, ok := l.overrides[domain]; ok {
		r, burst = toRate(o.RPS, o.Burst)
	}
	limiter = rate.NewLimiter(r, burst)
	l.limiters[domain] = limiter
	return limiter
}

func toRate(rps float64, burst int) (rate.Limit, int) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return r, burst
}
