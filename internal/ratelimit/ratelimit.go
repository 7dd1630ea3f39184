// Package ratelimit enforces token-bucket limits per tenant and per
// (tenant, recipient) at minute, hour and day windows. Acquisition across
// all referenced buckets is all-or-nothing.
package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Window identifies a limit window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

var windowDurations = map[Window]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
}

// Limits holds the allowed event counts per window; 0 disables that window.
type Limits struct {
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
	PerHour   int `mapstructure:"per_hour" yaml:"per_hour"`
	PerDay    int `mapstructure:"per_day" yaml:"per_day"`
}

func (l Limits) limitFor(w Window) int {
	switch w {
	case WindowMinute:
		return l.PerMinute
	case WindowHour:
		return l.PerHour
	case WindowDay:
		return l.PerDay
	default:
		return 0
	}
}

// Config configures the limiter.
type Config struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Tenant    Limits `mapstructure:"tenant" yaml:"tenant"`
	Recipient Limits `mapstructure:"recipient" yaml:"recipient"`
}

// Stats is a snapshot of limiter counters.
type Stats struct {
	Allowed uint64 `json:"allowed"`
	Denied  uint64 `json:"denied"`
}

// Limiter keeps one token bucket per (key, window). Buckets refill
// continuously at limit/window and hold at most one window's worth of tokens.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	config  Config
	logger  *zap.Logger

	allowed atomic.Uint64
	denied  atomic.Uint64
}

// New creates a limiter. A disabled limiter allows everything.
func New(cfg Config, logger *zap.Logger) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		config:  cfg,
		logger:  logger,
	}
}

// Allow consumes one token from every bucket referenced by the tenant and
// recipients. Consumption is all-or-nothing: when any bucket is empty, every
// reservation made so far is cancelled and false is returned.
func (l *Limiter) Allow(tenantID string, recipientIDs ...string) bool {
	if !l.config.Enabled {
		return true
	}
	type bucketRef struct {
		key    string
		limit  int
		window Window
	}
	var refs []bucketRef
	for w := range windowDurations {
		if n := l.config.Tenant.limitFor(w); n > 0 {
			refs = append(refs, bucketRef{key: fmt.Sprintf("tenant|%s|%s", tenantID, w), limit: n, window: w})
		}
		if n := l.config.Recipient.limitFor(w); n > 0 {
			for _, rid := range recipientIDs {
				refs = append(refs, bucketRef{key: fmt.Sprintf("recipient|%s|%s|%s", tenantID, rid, w), limit: n, window: w})
			}
		}
	}
	if len(refs) == 0 {
		l.allowed.Add(1)
		return true
	}

	now := time.Now()
	reservations := make([]*rate.Reservation, 0, len(refs))
	for _, ref := range refs {
		b := l.bucket(ref.key, ref.limit, ref.window)
		res := b.ReserveN(now, 1)
		if !res.OK() || res.DelayFrom(now) > 0 {
			if res.OK() {
				res.CancelAt(now)
			}
			for _, r := range reservations {
				r.CancelAt(now)
			}
			l.denied.Add(1)
			l.logger.Debug("rate limit denied",
				zap.String("tenant_id", tenantID),
				zap.String("bucket", ref.key))
			return false
		}
		reservations = append(reservations, res)
	}
	l.allowed.Add(1)
	return true
}

func (l *Limiter) bucket(key string, limit int, w Window) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	refill := rate.Limit(float64(limit) / windowDurations[w].Seconds())
	b = rate.NewLimiter(refill, limit)
	l.buckets[key] = b
	return b
}

// Stats returns cumulative allow/deny counts.
func (l *Limiter) Stats() Stats {
	return Stats{Allowed: l.allowed.Load(), Denied: l.denied.Load()}
}
