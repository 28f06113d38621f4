// Package health tracks per-provider outcome history and derives a status
// used by the router to open and close circuits.
package health

import (
	"log/slog"
	"sync"
	"time"
)

// Status is the derived health of one provider.
type Status string

// Provider health states
const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Tuning constants.
const (
	historyCap       = 100
	degradedMinTotal = 10
	degradedRate     = 0.7
	staleAfter       = 5 * time.Minute
)

// outcome is one recorded success or failure.
type outcome struct {
	ok  bool
	at  time.Time
	err string
}

// providerState is the mutable health record for one provider.
type providerState struct {
	status       Status
	history      []outcome
	consecutive  int
	total        int64
	lastSuccess  time.Time
	lastFailure  time.Time
	lastError    string
}

// Snapshot is a read-only copy of a provider's health.
type Snapshot struct {
	Status              Status    `json:"status"`
	SuccessRate         float64   `json:"success_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// Monitor tracks health for a set of providers.
type Monitor struct {
	mu               sync.Mutex
	providers        map[string]*providerState
	failureThreshold int
	logger           *slog.Logger

	now func() time.Time
}

// NewMonitor creates a Monitor for the named providers. All providers
// start in the unknown state.
func NewMonitor(providerNames []string, failureThreshold int, logger *slog.Logger) *Monitor {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		providers:        make(map[string]*providerState, len(providerNames)),
		failureThreshold: failureThreshold,
		logger:           logger,
		now:              time.Now,
	}
	for _, name := range providerNames {
		m.providers[name] = &providerState{status: StatusUnknown}
	}
	return m
}

// RecordSuccess records a successful call outcome for a provider.
func (m *Monitor) RecordSuccess(provider string) {
	m.record(provider, true, "")
}

// RecordFailure records a failed call outcome with its error string.
func (m *Monitor) RecordFailure(provider string, errMsg string) {
	m.record(provider, false, errMsg)
}

func (m *Monitor) record(provider string, ok bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.providers[provider]
	if s == nil {
		s = &providerState{status: StatusUnknown}
		m.providers[provider] = s
	}

	now := m.now()
	s.history = append(s.history, outcome{ok: ok, at: now, err: errMsg})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.total++

	if ok {
		s.consecutive = 0
		s.lastSuccess = now
	} else {
		s.consecutive++
		s.lastFailure = now
		s.lastError = errMsg
	}

	prev := s.status
	s.status = m.derive(s, now)
	if s.status != prev {
		m.logger.Info("provider health transition",
			"provider", provider,
			"from", string(prev),
			"to", string(s.status),
			"consecutive_failures", s.consecutive,
		)
	}
}

// derive applies the status transition rule after an outcome is recorded.
func (m *Monitor) derive(s *providerState, now time.Time) Status {
	if s.consecutive >= m.failureThreshold {
		return StatusDown
	}
	if s.total >= degradedMinTotal && successRate(s.history) < degradedRate {
		return StatusDegraded
	}
	// Requests keep arriving but nothing has succeeded for a while.
	if !s.lastSuccess.IsZero() && now.Sub(s.lastSuccess) > staleAfter && s.lastFailure.After(s.lastSuccess) {
		return StatusDegraded
	}
	return StatusHealthy
}

func successRate(history []outcome) float64 {
	if len(history) == 0 {
		return 0
	}
	ok := 0
	for _, o := range history {
		if o.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(history))
}

// Status returns the current status for a provider.
func (m *Monitor) Status(provider string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.providers[provider]; ok {
		return s.status
	}
	return StatusUnknown
}

// IsDown reports whether the provider's circuit is open.
func (m *Monitor) IsDown(provider string) bool {
	return m.Status(provider) == StatusDown
}

// SuccessRate returns the rolling success rate over the bounded history.
func (m *Monitor) SuccessRate(provider string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.providers[provider]; ok {
		return successRate(s.history)
	}
	return 0
}

// Snapshot returns a copy of the provider's health record.
func (m *Monitor) Snapshot(provider string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.providers[provider]
	if !ok {
		return Snapshot{Status: StatusUnknown}
	}
	return Snapshot{
		Status:              s.status,
		SuccessRate:         successRate(s.history),
		ConsecutiveFailures: s.consecutive,
		TotalRequests:       s.total,
		LastSuccess:         s.lastSuccess,
		LastFailure:         s.lastFailure,
		LastError:           s.lastError,
	}
}

// All returns snapshots for every tracked provider.
func (m *Monitor) All() map[string]Snapshot {
	m.mu.Lock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		out[name] = m.Snapshot(name)
	}
	return out
}
