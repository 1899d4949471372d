// Package ratelimit implements a sliding-window rate limiter keyed by
// client and endpoint. The window boundary moves with each request, so
// a burst straddling a window edge cannot double the budget the way it
// can under fixed-window counters.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Limit describes a request budget over a sliding window.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimit is applied when no limit is configured.
func DefaultLimit() Limit {
	return Limit{MaxRequests: 30, Window: time.Minute}
}

// Result reports the outcome of a limit check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // seconds until the oldest in-window request expires; set only when denied
	Limit      int
	Window     time.Duration
}

// BucketStats describes one bucket's current usage.
type BucketStats struct {
	Used      int
	Remaining int
	Limit     int
	Window    time.Duration
}

type bucket struct {
	mu    sync.Mutex
	times []time.Time
}

// Limiter tracks request timestamps per key. A key is either the bare
// client ID or clientID:endpoint when the check names an endpoint.
// Buckets are created on first use and guarded by their own lock.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	def       Limit
	endpoints map[string]Limit

	now func() time.Time
}

// New creates a limiter with the given default limit and optional
// per-endpoint overrides. An override fully replaces the default for
// its endpoint; overrides without a positive budget are ignored.
func New(def Limit, endpoints map[string]Limit) *Limiter {
	if def.MaxRequests <= 0 || def.Window <= 0 {
		def = DefaultLimit()
	}
	eps := make(map[string]Limit, len(endpoints))
	for path, lim := range endpoints {
		if lim.MaxRequests <= 0 || lim.Window <= 0 {
			continue
		}
		eps[path] = lim
	}
	return &Limiter{
		buckets:   make(map[string]*bucket),
		def:       def,
		endpoints: eps,
		now:       time.Now,
	}
}

func bucketKey(clientID, endpoint string) string {
	if endpoint == "" {
		return clientID
	}
	return clientID + ":" + endpoint
}

func (l *Limiter) limitFor(endpoint string) Limit {
	if endpoint != "" {
		if lim, ok := l.endpoints[endpoint]; ok {
			return lim
		}
	}
	return l.def
}

// HasEndpointLimit reports whether an override is configured for endpoint.
func (l *Limiter) HasEndpointLimit(endpoint string) bool {
	_, ok := l.endpoints[endpoint]
	return ok
}

func (l *Limiter) getBucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}

// CheckLimit records a request against the client's budget and reports
// whether it is admitted. A denied request is not recorded and does not
// extend the window. Pass a non-empty endpoint to track the request in
// its own bucket under that endpoint's limit.
func (l *Limiter) CheckLimit(clientID, endpoint string) Result {
	lim := l.limitFor(endpoint)
	b := l.getBucket(bucketKey(clientID, endpoint))

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-lim.Window)

	// Compact in place: drop timestamps outside the window.
	valid := b.times[:0]
	for _, ts := range b.times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	b.times = valid

	if len(b.times) < lim.MaxRequests {
		b.times = append(b.times, now)
		return Result{
			Allowed:   true,
			Remaining: lim.MaxRequests - len(b.times),
			Limit:     lim.MaxRequests,
			Window:    lim.Window,
		}
	}

	wait := b.times[0].Add(lim.Window).Sub(now)
	retryAfter := int((wait + time.Second - 1) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: retryAfter,
		Limit:      lim.MaxRequests,
		Window:     lim.Window,
	}
}

// Reset drops every bucket belonging to clientID, including its
// per-endpoint buckets.
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := clientID + ":"
	for key := range l.buckets {
		if key == clientID || strings.HasPrefix(key, prefix) {
			delete(l.buckets, key)
		}
	}
}

// GetStats reports current usage for every bucket belonging to
// clientID, keyed the same way CheckLimit keys them.
func (l *Limiter) GetStats(clientID string) map[string]BucketStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	prefix := clientID + ":"
	stats := make(map[string]BucketStats)
	for key, b := range l.buckets {
		if key != clientID && !strings.HasPrefix(key, prefix) {
			continue
		}
		endpoint := ""
		if key != clientID {
			endpoint = strings.TrimPrefix(key, prefix)
		}
		lim := l.limitFor(endpoint)
		cutoff := now.Add(-lim.Window)

		b.mu.Lock()
		used := 0
		for _, ts := range b.times {
			if ts.After(cutoff) {
				used++
			}
		}
		b.mu.Unlock()

		remaining := lim.MaxRequests - used
		if remaining < 0 {
			remaining = 0
		}
		stats[key] = BucketStats{
			Used:      used,
			Remaining: remaining,
			Limit:     lim.MaxRequests,
			Window:    lim.Window,
		}
	}
	return stats
}
