// Package ratelimit retries throttled read requests with exponential backoff.
// It wraps an http.RoundTripper; requests other than GET and HEAD are passed
// through untouched so writes are never sent twice.
package ratelimit

import (
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultRetries   = 5
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 32 * time.Second
)

// Transport retries 429 and 503 responses to idempotent reads. When the
// retries run out, the last throttled response is returned to the caller.
type Transport struct {
	// Base performs the requests. Default: http.DefaultTransport.
	Base http.RoundTripper

	// Retries is the number of retries after the first attempt. Default: 5
	Retries int

	// BaseDelay is the wait before the first retry; it doubles per retry up
	// to MaxDelay. Defaults: 1s and 32s.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter spreads each wait by ±20%.
	Jitter bool

	// Stats, if set, counts throttled responses.
	Stats *Stats
}

func throttled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return base.RoundTrip(req)
	}

	retries := t.Retries
	if retries <= 0 {
		retries = defaultRetries
	}

	for attempt := 0; ; attempt++ {
		resp, err := base.RoundTrip(req)
		if err != nil || !throttled(resp.StatusCode) {
			return resp, err
		}
		t.Stats.RecordRateLimit()
		if attempt >= retries {
			return resp, nil
		}

		wait, ok := retryAfter(resp.Header.Get("Retry-After"))
		if !ok {
			wait = t.backoff(attempt)
		}
		_ = resp.Body.Close()

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

func (t *Transport) backoff(attempt int) time.Duration {
	delay, limit := t.BaseDelay, t.MaxDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	for i := 0; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	if t.Jitter {
		delay = time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
	}
	return delay
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0), true
	}
	return 0, false
}

// Stats counts throttled responses. A nil *Stats records nothing.
type Stats struct {
	mu    sync.RWMutex
	count int64
	last  time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRateLimit counts one throttled response.
func (s *Stats) RecordRateLimit() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.last = time.Now()
}

// RateLimitCount returns the total number of throttled responses.
func (s *Stats) RateLimitCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// LastRateLimitTime returns the time of the last throttled response.
func (s *Stats) LastRateLimitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
