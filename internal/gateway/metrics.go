package gateway

import (
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/stats"
)

// Metrics is a point-in-time snapshot across all gateway subsystems,
// served read-only by the ops endpoint.
type Metrics struct {
	Health    map[string]health.Snapshot `json:"health"`
	Loads     map[string]stats.LoadStats `json:"loads"`
	RateUsage map[string]ratelimit.Usage `json:"rate_usage"`

	TotalCost     float64            `json:"total_cost"`
	MonthSpend    float64            `json:"month_spend"`
	DaySpend      float64            `json:"day_spend"`
	InputTokens   int64              `json:"input_tokens"`
	OutputTokens  int64              `json:"output_tokens"`
	ProviderCosts map[string]float64 `json:"provider_costs"`

	Alerts          []cost.Alert          `json:"alerts,omitempty"`
	Recommendations []cost.Recommendation `json:"recommendations,omitempty"`

	Cache *cache.Stats `json:"cache,omitempty"`
}

// Metrics gathers a snapshot from every subsystem.
func (g *Gateway) Metrics() Metrics {
	m := Metrics{
		Health:          g.health.All(),
		Loads:           g.loads.All(),
		RateUsage:       make(map[string]ratelimit.Usage, len(g.limiters)),
		TotalCost:       g.costs.TotalCost(),
		MonthSpend:      g.costs.MonthSpend(),
		DaySpend:        g.costs.DaySpend(),
		ProviderCosts:   g.costs.ProviderCosts(),
		Alerts:          g.costs.Alerts(),
		Recommendations: g.costs.Recommendations(),
	}
	m.InputTokens, m.OutputTokens = g.costs.TokenTotals()
	for name, limiter := range g.limiters {
		m.RateUsage[name] = limiter.Usage()
	}
	if g.cache != nil {
		s := g.cache.Stats()
		m.Cache = &s
	}
	return m
}
