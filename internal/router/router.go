// Package router orders providers into fallback chains and implements the
// ad-hoc routing strategies.
package router

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/modelmux/modelmux/internal/config"
)

// Health is the health view the router consults when building chains.
// A down provider has an open circuit.
type Health interface {
	IsDown(provider string) bool
	SuccessRate(provider string) float64
}

// Loads exposes in-flight counts for the least-loaded strategy.
type Loads interface {
	Active(provider string) int
}

// Pricing exposes per-provider rates for the cost-optimized strategy.
type Pricing interface {
	BlendedRate(provider string) float64
}

// Entry is one (provider, model) step of a fallback chain.
type Entry struct {
	Provider string
	Model    string
}

// Router builds fallback chains over the enabled providers.
type Router struct {
	providers []*config.ProviderConfig
	health    Health
	loads     Loads
	pricing   Pricing

	mu      sync.Mutex
	rrIndex int
}

// New creates a Router over the enabled providers.
func New(cfg *config.Config, health Health, loads Loads, pricing Pricing) *Router {
	return &Router{
		providers: cfg.EnabledProviders(),
		health:    health,
		loads:     loads,
		pricing:   pricing,
	}
}

// defaultModel returns the model the chain uses for a provider: the first
// configured one.
func defaultModel(p *config.ProviderConfig) string {
	if len(p.Models) == 0 {
		return ""
	}
	return p.Models[0]
}

// FallbackChain builds the ordered chain for one request: the primary
// first when it names a configured enabled provider, then every other
// enabled provider by priority and observed
// success rate. Down providers are skipped unless every provider is down,
// in which case the health view may itself be stale and the chain degrades
// to trying everyone once, highest priority first.
func (r *Router) FallbackChain(primary Entry) []Entry {
	others := make([]*config.ProviderConfig, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Name != primary.Provider {
			others = append(others, p)
		}
	}
	sort.SliceStable(others, func(a, b int) bool {
		if others[a].Priority != others[b].Priority {
			return others[a].Priority > others[b].Priority
		}
		return r.health.SuccessRate(others[a].Name) > r.health.SuccessRate(others[b].Name)
	})

	if r.allDown() {
		// Health data may be stale; try everyone once, priority first.
		all := make([]*config.ProviderConfig, len(r.providers))
		copy(all, r.providers)
		sort.SliceStable(all, func(a, b int) bool {
			return all[a].Priority > all[b].Priority
		})
		chain := make([]Entry, 0, len(all))
		for _, p := range all {
			if p.Name == primary.Provider {
				chain = append(chain, primary)
			} else {
				chain = append(chain, Entry{Provider: p.Name, Model: defaultModel(p)})
			}
		}
		return chain
	}

	chain := make([]Entry, 0, len(r.providers))
	if r.configured(primary.Provider) && !r.health.IsDown(primary.Provider) {
		chain = append(chain, primary)
	}
	for _, p := range others {
		if r.health.IsDown(p.Name) {
			continue
		}
		chain = append(chain, Entry{Provider: p.Name, Model: defaultModel(p)})
	}
	return chain
}

func (r *Router) configured(name string) bool {
	for _, p := range r.providers {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (r *Router) allDown() bool {
	for _, p := range r.providers {
		if !r.health.IsDown(p.Name) {
			return false
		}
	}
	return len(r.providers) > 0
}

// healthyOrAll returns providers with closed circuits, or the full set if
// every circuit is open.
func (r *Router) healthyOrAll() []*config.ProviderConfig {
	healthy := make([]*config.ProviderConfig, 0, len(r.providers))
	for _, p := range r.providers {
		if !r.health.IsDown(p.Name) {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return r.providers
	}
	return healthy
}

// RoundRobin cycles through the healthy providers in turn.
func (r *Router) RoundRobin() (Entry, bool) {
	candidates := r.healthyOrAll()
	if len(candidates) == 0 {
		return Entry{}, false
	}

	r.mu.Lock()
	p := candidates[r.rrIndex%len(candidates)]
	r.rrIndex++
	r.mu.Unlock()

	return Entry{Provider: p.Name, Model: defaultModel(p)}, true
}

// LeastLoaded picks the healthy provider with the lowest in-flight count
// relative to its observed success rate.
func (r *Router) LeastLoaded() (Entry, bool) {
	candidates := r.healthyOrAll()
	if len(candidates) == 0 {
		return Entry{}, false
	}

	var best *config.ProviderConfig
	bestRatio := 0.0
	for _, p := range candidates {
		rate := r.health.SuccessRate(p.Name)
		if rate <= 0 {
			rate = 0.01 // avoid division blowups on fresh providers
		}
		ratio := float64(r.loads.Active(p.Name)) / rate
		if best == nil || ratio < bestRatio {
			best, bestRatio = p, ratio
		}
	}
	return Entry{Provider: best.Name, Model: defaultModel(best)}, true
}

// Random picks a healthy provider uniformly at random.
func (r *Router) Random() (Entry, bool) {
	candidates := r.healthyOrAll()
	if len(candidates) == 0 {
		return Entry{}, false
	}
	p := candidates[rand.IntN(len(candidates))]
	return Entry{Provider: p.Name, Model: defaultModel(p)}, true
}

// CostOptimized picks the cheapest healthy provider by blended rate.
func (r *Router) CostOptimized() (Entry, bool) {
	candidates := r.healthyOrAll()
	if len(candidates) == 0 {
		return Entry{}, false
	}

	var best *config.ProviderConfig
	bestRate := 0.0
	for _, p := range candidates {
		rate := r.pricing.BlendedRate(p.Name)
		if best == nil || rate < bestRate {
			best, bestRate = p, rate
		}
	}
	return Entry{Provider: best.Name, Model: defaultModel(best)}, true
}
