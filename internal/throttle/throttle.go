// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

// Package throttle implements a fixed-window request limiter keyed by
// client address.
package throttle

import (
	"hash/maphash"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxRequests = 100
	DefaultWindow      = 15 * time.Minute
	DefaultShards      = 32
)

var (
	decisionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tifpoint_throttle_decisions_total",
		Help: "Throttle admission decisions by result",
	}, []string{"result"})

	bucketsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tifpoint_throttle_buckets",
		Help: "Client buckets currently tracked by the throttle",
	})
)

// Config configures a Limiter.
type Config struct {
	// MaxRequests admitted per client per window.
	MaxRequests int
	// Window length. A bucket is replaced, never extended, once it elapses.
	Window time.Duration
	// Shards is the number of independently locked maps.
	Shards int
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Decision is the result of one Admit call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is whole seconds until the window resets, set on rejection.
	RetryAfter int
}

type bucket struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is safe for concurrent use.
type Limiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time
	seed        maphash.Seed
	shards      []*shard
}

// New creates a Limiter, filling unset Config fields with defaults.
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	l := &Limiter{
		maxRequests: cfg.MaxRequests,
		window:      cfg.Window,
		now:         cfg.Clock,
		seed:        maphash.MakeSeed(),
		shards:      make([]*shard, cfg.Shards),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Limit returns the per-window request allowance.
func (l *Limiter) Limit() int { return l.maxRequests }

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[maphash.String(l.seed, key)%uint64(len(l.shards))]
}

// Admit counts one request for key. Rejected requests still count.
func (l *Limiter) Admit(key string) Decision {
	now := l.now()
	s := l.shardFor(key)

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		if !ok {
			bucketsGauge.Inc()
		}
		b = &bucket{resetAt: now.Add(l.window)}
		s.buckets[key] = b
	}
	b.count++
	count, resetAt := b.count, b.resetAt
	s.mu.Unlock()

	d := Decision{
		Allowed:   count <= l.maxRequests,
		Limit:     l.maxRequests,
		Remaining: max(0, l.maxRequests-count),
		ResetAt:   resetAt,
	}
	if d.Allowed {
		decisionsCounter.WithLabelValues("admitted").Inc()
		return d
	}
	d.RetryAfter = int(math.Ceil(resetAt.Sub(now).Seconds()))
	decisionsCounter.WithLabelValues("rejected").Inc()
	return d
}

// Sweep drops every bucket whose window has elapsed and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if !now.Before(b.resetAt) {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	bucketsGauge.Sub(float64(removed))
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}
