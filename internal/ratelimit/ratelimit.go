// Package ratelimit provides per-provider admission control combining a
// concurrency semaphore with sliding per-minute and per-hour windows.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/types"
)

// minBackoff is the floor for the wait before re-checking capacity when
// the binding window cannot name a precise free-up time.
const minBackoff = time.Second

// window is a sliding time window capped at a request count.
type window struct {
	cap    int
	span   time.Duration
	stamps []time.Time
}

// prune drops timestamps that have slid out of the window.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *window) hasCapacity() bool {
	return len(w.stamps) < w.cap
}

// retryAfter returns how long until the oldest stamp exits the window.
func (w *window) retryAfter(now time.Time) time.Duration {
	if len(w.stamps) == 0 {
		return minBackoff
	}
	d := w.stamps[0].Add(w.span).Sub(now)
	if d < minBackoff {
		return minBackoff
	}
	return d
}

// Limiter gates requests to a single provider.
type Limiter struct {
	mu     sync.Mutex
	sem    chan struct{}
	minute *window
	hour   *window

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Limiter with the given concurrency and window caps.
func New(maxConcurrent, perMinute, perHour int) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem:    make(chan struct{}, maxConcurrent),
		minute: &window{cap: perMinute, span: time.Minute},
		hour:   &window{cap: perHour, span: time.Hour},
		now:    time.Now,
	}
}

// Acquire takes an admission slot. If wait is false and capacity is
// exhausted it returns types.ErrRateLimited without blocking. The returned
// release function frees the concurrency slot and is safe to call from any
// exit path; it releases exactly once.
func (l *Limiter) Acquire(ctx context.Context, wait bool) (release func(), err error) {
	for {
		if ok, retry := l.tryAcquire(); ok {
			var once sync.Once
			return func() {
				once.Do(func() { <-l.sem })
			}, nil
		} else if !wait {
			return nil, types.ErrRateLimited
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retry):
			}
		}
	}
}

// tryAcquire attempts a non-blocking acquisition. On failure it reports
// how long to wait before the binding window may have capacity.
func (l *Limiter) tryAcquire() (ok bool, retry time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.minute.prune(now)
	l.hour.prune(now)

	if !l.minute.hasCapacity() {
		return false, l.minute.retryAfter(now)
	}
	if !l.hour.hasCapacity() {
		return false, l.hour.retryAfter(now)
	}

	select {
	case l.sem <- struct{}{}:
	default:
		// Concurrency bound is the binding constraint; a slot frees when
		// some in-flight call releases, so only the floor applies.
		return false, minBackoff
	}

	l.minute.stamps = append(l.minute.stamps, now)
	l.hour.stamps = append(l.hour.stamps, now)
	return true, 0
}

// Usage is a telemetry snapshot of the limiter.
type Usage struct {
	Active         int     `json:"active"`
	MaxConcurrent  int     `json:"max_concurrent"`
	MinuteUsed     int     `json:"minute_used"`
	MinuteLimit    int     `json:"minute_limit"`
	HourUsed       int     `json:"hour_used"`
	HourLimit      int     `json:"hour_limit"`
	MinutePercent  float64 `json:"minute_percent"`
	HourPercent    float64 `json:"hour_percent"`
	ActivePercent  float64 `json:"active_percent"`
}

// Usage returns the current limiter usage.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.minute.prune(now)
	l.hour.prune(now)

	u := Usage{
		Active:        len(l.sem),
		MaxConcurrent: cap(l.sem),
		MinuteUsed:    len(l.minute.stamps),
		MinuteLimit:   l.minute.cap,
		HourUsed:      len(l.hour.stamps),
		HourLimit:     l.hour.cap,
	}
	if u.MinuteLimit > 0 {
		u.MinutePercent = float64(u.MinuteUsed) / float64(u.MinuteLimit) * 100
	}
	if u.HourLimit > 0 {
		u.HourPercent = float64(u.HourUsed) / float64(u.HourLimit) * 100
	}
	if u.MaxConcurrent > 0 {
		u.ActivePercent = float64(u.Active) / float64(u.MaxConcurrent) * 100
	}
	return u
}
