// Package cost tracks per-request spend against provider pricing and a
// monthly budget. The append-only usage log is the source of truth; the
// running totals are derived caches over it.
package cost

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/config"
)

// Input/output split assumed when only a token total is known.
const (
	assumedInputShare  = 0.6
	assumedOutputShare = 0.4
)

// Budget alert thresholds, percent of monthly budget.
var alertThresholds = []int{50, 75, 90, 100}

// savingThreshold is the minimum absolute monthly saving (USD) before a
// cheaper-provider recommendation is worth surfacing.
const savingThreshold = 1.0

// UsageRecord is one immutable append-only log entry.
type UsageRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
}

// UsageStore persists usage records. Implemented by the sqlite storage.
type UsageStore interface {
	InsertUsage(rec UsageRecord) error
}

// Alert is a one-time budget threshold crossing.
type Alert struct {
	Month     string    `json:"month"` // YYYY-MM
	Threshold int       `json:"threshold_percent"`
	Spend     float64   `json:"spend"`
	Budget    float64   `json:"budget"`
	At        time.Time `json:"at"`
}

// Recommendation is a heuristic cost-optimization suggestion.
type Recommendation struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
	Saving  float64 `json:"estimated_saving,omitempty"`
}

// Tracker accumulates usage and derives spend aggregates.
type Tracker struct {
	mu sync.Mutex

	pricing map[string]*config.ProviderConfig

	records []UsageRecord
	daily   map[string]float64 // YYYY-MM-DD → spend
	monthly map[string]float64 // YYYY-MM → spend

	byProvider map[string]float64
	byModel    map[string]float64

	inputTokens  int64
	outputTokens int64

	monthlyBudget float64
	alerted       map[string]map[int]bool // month → threshold → fired
	alerts        []Alert

	store  UsageStore
	logger *slog.Logger

	now func() time.Time
}

// NewTracker creates a Tracker priced from the provider configs. store may
// be nil for in-memory-only accounting; monthlyBudget of 0 disables alerts.
func NewTracker(providers []config.ProviderConfig, monthlyBudget float64, store UsageStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	pricing := make(map[string]*config.ProviderConfig, len(providers))
	for i := range providers {
		pricing[providers[i].Name] = &providers[i]
	}
	return &Tracker{
		pricing:       pricing,
		daily:         make(map[string]float64),
		monthly:       make(map[string]float64),
		byProvider:    make(map[string]float64),
		byModel:       make(map[string]float64),
		monthlyBudget: monthlyBudget,
		alerted:       make(map[string]map[int]bool),
		store:         store,
		logger:        logger,
		now:           time.Now,
	}
}

// CalculateCost prices a call from the provider's per-1k-token rates.
func (t *Tracker) CalculateCost(provider string, inputTokens, outputTokens int) float64 {
	t.mu.Lock()
	p := t.pricing[provider]
	t.mu.Unlock()
	if p == nil {
		return 0
	}
	return float64(inputTokens)/1000*p.CostPer1KInput +
		float64(outputTokens)/1000*p.CostPer1KOutput
}

// SplitTokens divides an unsplit token total 60/40 into input/output.
func SplitTokens(total int) (input, output int) {
	input = int(float64(total) * assumedInputShare)
	output = total - input
	return input, output
}

// RecordUsage appends a usage record, updates the derived aggregates, and
// fires any newly crossed budget alerts.
func (t *Tracker) RecordUsage(provider, model string, inputTokens, outputTokens int, latency time.Duration) UsageRecord {
	cost := t.CalculateCost(provider, inputTokens, outputTokens)

	t.mu.Lock()
	now := t.now()
	rec := UsageRecord{
		Timestamp:    now,
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		Latency:      latency,
	}
	t.records = append(t.records, rec)

	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	t.daily[day] += cost
	t.monthly[month] += cost
	t.byProvider[provider] += cost
	t.byModel[model] += cost
	t.inputTokens += int64(inputTokens)
	t.outputTokens += int64(outputTokens)

	t.checkBudgetLocked(month, now)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.InsertUsage(rec); err != nil {
			t.logger.Warn("usage record not persisted", "error", err)
		}
	}
	return rec
}

// checkBudgetLocked fires each threshold at most once per month.
func (t *Tracker) checkBudgetLocked(month string, now time.Time) {
	if t.monthlyBudget <= 0 {
		return
	}
	spend := t.monthly[month]
	fired := t.alerted[month]
	if fired == nil {
		fired = make(map[int]bool)
		t.alerted[month] = fired
	}

	pct := spend / t.monthlyBudget * 100
	for _, threshold := range alertThresholds {
		if pct >= float64(threshold) && !fired[threshold] {
			fired[threshold] = true
			alert := Alert{
				Month:     month,
				Threshold: threshold,
				Spend:     spend,
				Budget:    t.monthlyBudget,
				At:        now,
			}
			t.alerts = append(t.alerts, alert)
			t.logger.Warn("monthly budget threshold crossed",
				"month", month,
				"threshold_percent", threshold,
				"spend", fmt.Sprintf("%.4f", spend),
				"budget", t.monthlyBudget,
			)
		}
	}
}

// Alerts returns the budget alerts fired so far.
func (t *Tracker) Alerts() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Alert, len(t.alerts))
	copy(out, t.alerts)
	return out
}

// TotalCost returns the all-time spend.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, c := range t.byProvider {
		total += c
	}
	return total
}

// TokenTotals returns all-time input and output token counts.
func (t *Tracker) TokenTotals() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTokens, t.outputTokens
}

// MonthSpend returns the spend for the current month.
func (t *Tracker) MonthSpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.monthly[t.now().Format("2006-01")]
}

// DaySpend returns the spend for the current day.
func (t *Tracker) DaySpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.daily[t.now().Format("2006-01-02")]
}

// ProviderCosts returns spend per provider.
func (t *Tracker) ProviderCosts() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.byProvider))
	for k, v := range t.byProvider {
		out[k] = v
	}
	return out
}

// CheapestProvider returns the provider with the lowest blended per-1k
// rate, along with that rate. Empty when no pricing is configured.
func (t *Tracker) CheapestProvider() (string, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cheapestLocked()
}

// BlendedRate returns a provider's cost per 1k tokens under the assumed
// input/output split. Zero for unknown providers.
func (t *Tracker) BlendedRate(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pricing[provider]
	if p == nil {
		return 0
	}
	return p.CostPer1KInput*assumedInputShare + p.CostPer1KOutput*assumedOutputShare
}

func (t *Tracker) cheapestLocked() (string, float64) {
	best := ""
	bestRate := 0.0
	for name, p := range t.pricing {
		rate := p.CostPer1KInput*assumedInputShare + p.CostPer1KOutput*assumedOutputShare
		if best == "" || rate < bestRate {
			best, bestRate = name, rate
		}
	}
	return best, bestRate
}

// Recommendations derives heuristic cost-optimization suggestions.
func (t *Tracker) Recommendations() []Recommendation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var recs []Recommendation

	// Costliest provider and model.
	if name, spend := maxEntry(t.byProvider); name != "" && spend > 0 {
		recs = append(recs, Recommendation{
			Kind:    "costliest_provider",
			Message: fmt.Sprintf("provider %s accounts for $%.4f of spend", name, spend),
		})

		// Would routing that spend to the cheapest provider save enough?
		cheapest, cheapRate := t.cheapestLocked()
		if cheapest != "" && cheapest != name {
			if p := t.pricing[name]; p != nil {
				rate := p.CostPer1KInput*assumedInputShare + p.CostPer1KOutput*assumedOutputShare
				if rate > 0 {
					saving := spend * (1 - cheapRate/rate)
					if saving > savingThreshold {
						recs = append(recs, Recommendation{
							Kind: "switch_provider",
							Message: fmt.Sprintf("switching traffic from %s to %s could save about $%.2f",
								name, cheapest, saving),
							Saving: saving,
						})
					}
				}
			}
		}
	}
	if name, spend := maxEntry(t.byModel); name != "" && spend > 0 {
		recs = append(recs, Recommendation{
			Kind:    "costliest_model",
			Message: fmt.Sprintf("model %s accounts for $%.4f of spend", name, spend),
		})
	}

	// Budget condition.
	if t.monthlyBudget > 0 {
		spend := t.monthly[t.now().Format("2006-01")]
		switch {
		case spend >= t.monthlyBudget:
			recs = append(recs, Recommendation{
				Kind:    "budget_exceeded",
				Message: fmt.Sprintf("monthly budget of $%.2f exceeded ($%.4f spent)", t.monthlyBudget, spend),
			})
		case spend >= t.monthlyBudget*0.9:
			recs = append(recs, Recommendation{
				Kind:    "budget_near_limit",
				Message: fmt.Sprintf("monthly spend $%.4f is above 90%% of the $%.2f budget", spend, t.monthlyBudget),
			})
		}
	}
	return recs
}

// maxEntry returns the key with the largest value, deterministically.
func maxEntry(m map[string]float64) (string, float64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best := ""
	bestVal := 0.0
	for _, k := range keys {
		if m[k] > bestVal {
			best, bestVal = k, m[k]
		}
	}
	return best, bestVal
}
