// Package stats tracks per-provider load: in-flight requests, totals, and
// smoothed latency. The router's least-loaded strategy and the metrics
// snapshot read from it.
package stats

import (
	"sync"
	"time"
)

// ewmaAlpha weights new latency samples in the exponential moving average.
const ewmaAlpha = 0.3

// LoadStats is a read-only snapshot for one provider.
type LoadStats struct {
	Active        int           `json:"active_requests"`
	Total         int64         `json:"total_requests"`
	Failed        int64         `json:"failed_requests"`
	AvgLatency    time.Duration `json:"avg_latency"`
	SuccessRate   float64       `json:"success_rate"`
}

// providerLoad is the mutable counter set for one provider.
type providerLoad struct {
	active     int
	total      int64
	failed     int64
	avgLatency time.Duration
}

// Registry holds load counters for all providers.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*providerLoad
}

// NewRegistry creates a Registry for the named providers.
func NewRegistry(providerNames []string) *Registry {
	r := &Registry{providers: make(map[string]*providerLoad, len(providerNames))}
	for _, name := range providerNames {
		r.providers[name] = &providerLoad{}
	}
	return r
}

func (r *Registry) get(provider string) *providerLoad {
	p, ok := r.providers[provider]
	if !ok {
		p = &providerLoad{}
		r.providers[provider] = p
	}
	return p
}

// Begin marks a request in flight and returns the done function that must
// be called exactly once on every exit path. done decrements the active
// gauge, bumps totals, and folds the latency sample into the average.
func (r *Registry) Begin(provider string) (done func(success bool, latency time.Duration)) {
	r.mu.Lock()
	p := r.get(provider)
	p.active++
	r.mu.Unlock()

	var once sync.Once
	return func(success bool, latency time.Duration) {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if p.active > 0 {
				p.active--
			}
			p.total++
			if !success {
				p.failed++
			}
			if latency > 0 {
				if p.avgLatency == 0 {
					p.avgLatency = latency
				} else {
					p.avgLatency = time.Duration(
						ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(p.avgLatency))
				}
			}
		})
	}
}

// Snapshot returns the current stats for one provider.
func (r *Registry) Snapshot(provider string) LoadStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[provider]
	if !ok {
		return LoadStats{SuccessRate: 1}
	}
	return snapshotLocked(p)
}

func snapshotLocked(p *providerLoad) LoadStats {
	s := LoadStats{
		Active:     p.active,
		Total:      p.total,
		Failed:     p.failed,
		AvgLatency: p.avgLatency,
	}
	if p.total > 0 {
		s.SuccessRate = float64(p.total-p.failed) / float64(p.total)
	} else {
		s.SuccessRate = 1 // no evidence against a fresh provider
	}
	return s
}

// All returns snapshots for every tracked provider.
func (r *Registry) All() map[string]LoadStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]LoadStats, len(r.providers))
	for name, p := range r.providers {
		out[name] = snapshotLocked(p)
	}
	return out
}

// Active returns the in-flight count for a provider.
func (r *Registry) Active(provider string) int {
	return r.Snapshot(provider).Active
}
