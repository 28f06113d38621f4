package health

import (
	"context"
	"time"
)

// ProbeFunc issues a minimal synthetic request against one provider and
// returns its error, if any.
type ProbeFunc func(ctx context.Context, provider string) error

// Prober periodically probes every tracked provider and records outcomes
// the same way live traffic does, so a down provider can self-heal without
// waiting for real requests.
type Prober struct {
	monitor  *Monitor
	interval time.Duration
	probe    ProbeFunc
}

// NewProber creates a Prober. A zero interval defaults to one minute.
func NewProber(monitor *Monitor, interval time.Duration, probe ProbeFunc) *Prober {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Prober{monitor: monitor, interval: interval, probe: probe}
}

// Run probes until ctx is cancelled. It blocks; callers run it in a goroutine.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	p.monitor.mu.Lock()
	names := make([]string, 0, len(p.monitor.providers))
	for name := range p.monitor.providers {
		names = append(names, name)
	}
	p.monitor.mu.Unlock()

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if err := p.probe(ctx, name); err != nil {
			p.monitor.RecordFailure(name, err.Error())
		} else {
			p.monitor.RecordSuccess(name)
		}
	}
}
