package router

import (
	"testing"

	"github.com/modelmux/modelmux/internal/config"
)

// fakeHealth scripts provider health for tests.
type fakeHealth struct {
	down  map[string]bool
	rates map[string]float64
}

func (f *fakeHealth) IsDown(p string) bool { return f.down[p] }
func (f *fakeHealth) SuccessRate(p string) float64 {
	if r, ok := f.rates[p]; ok {
		return r
	}
	return 1.0
}

// fakeLoads scripts in-flight counts.
type fakeLoads struct {
	active map[string]int
}

func (f *fakeLoads) Active(p string) int { return f.active[p] }

// fakePricing scripts blended rates.
type fakePricing struct {
	rates map[string]float64
}

func (f *fakePricing) BlendedRate(p string) float64 { return f.rates[p] }

func testConfig() *config.Config {
	return &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "alpha", Enabled: true, Priority: 3, Models: []string{"alpha-large"}},
			{Name: "beta", Enabled: true, Priority: 2, Models: []string{"beta-large"}},
			{Name: "gamma", Enabled: true, Priority: 1, Models: []string{"gamma-large"}},
			{Name: "off", Enabled: false, Priority: 9, Models: []string{"off-large"}},
		},
	}
}

func newTestRouter(h *fakeHealth) *Router {
	if h == nil {
		h = &fakeHealth{down: map[string]bool{}, rates: map[string]float64{}}
	}
	return New(testConfig(), h, &fakeLoads{active: map[string]int{}}, &fakePricing{rates: map[string]float64{}})
}

func providers(chain []Entry) []string {
	out := make([]string, len(chain))
	for i, e := range chain {
		out[i] = e.Provider
	}
	return out
}

func TestFallbackChainOrder(t *testing.T) {
	r := newTestRouter(nil)

	chain := r.FallbackChain(Entry{Provider: "beta", Model: "beta-large"})
	got := providers(chain)
	want := []string{"beta", "alpha", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFallbackChainSkipsDownPrimary(t *testing.T) {
	h := &fakeHealth{down: map[string]bool{"alpha": true}, rates: map[string]float64{}}
	r := newTestRouter(h)

	chain := r.FallbackChain(Entry{Provider: "alpha", Model: "alpha-large"})
	for _, e := range chain {
		if e.Provider == "alpha" {
			t.Error("down primary must not appear in the chain")
		}
	}
	if len(chain) != 2 {
		t.Errorf("chain length = %d, want 2", len(chain))
	}
	if chain[0].Provider != "beta" {
		t.Errorf("chain head = %s, want beta (next by priority)", chain[0].Provider)
	}
}

func TestFallbackChainDegradesWhenAllDown(t *testing.T) {
	h := &fakeHealth{
		down:  map[string]bool{"alpha": true, "beta": true, "gamma": true},
		rates: map[string]float64{},
	}
	r := newTestRouter(h)

	chain := r.FallbackChain(Entry{Provider: "beta", Model: "beta-large"})
	got := providers(chain)
	// Every provider tried once, highest priority first.
	want := []string{"alpha", "beta", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFallbackChainSuccessRateBreaksPriorityTies(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "a", Enabled: true, Priority: 1, Models: []string{"m"}},
			{Name: "b", Enabled: true, Priority: 1, Models: []string{"m"}},
		},
	}
	h := &fakeHealth{down: map[string]bool{}, rates: map[string]float64{"a": 0.5, "b": 0.95}}
	r := New(cfg, h, &fakeLoads{active: map[string]int{}}, &fakePricing{rates: map[string]float64{}})

	chain := r.FallbackChain(Entry{Provider: "primary-elsewhere", Model: "x"})
	// primary is unknown to config so the chain is just a, b ordered by rate.
	if len(chain) != 2 {
		t.Fatalf("chain = %v, want 2 entries", providers(chain))
	}
	for _, e := range chain {
		if e.Provider == "primary-elsewhere" {
			t.Error("unconfigured primary must not appear in the chain")
		}
	}
	if chain[0].Provider != "b" {
		t.Errorf("chain head = %s, want b (higher success rate)", chain[0].Provider)
	}
}

func TestRoundRobinCycles(t *testing.T) {
	r := newTestRouter(nil)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		e, ok := r.RoundRobin()
		if !ok {
			t.Fatal("RoundRobin() returned no entry")
		}
		seen[e.Provider]++
	}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if seen[name] != 2 {
			t.Errorf("provider %s picked %d times, want 2", name, seen[name])
		}
	}
}

func TestRoundRobinSkipsOpenCircuits(t *testing.T) {
	h := &fakeHealth{down: map[string]bool{"beta": true}, rates: map[string]float64{}}
	r := newTestRouter(h)

	for i := 0; i < 4; i++ {
		e, ok := r.RoundRobin()
		if !ok {
			t.Fatal("RoundRobin() returned no entry")
		}
		if e.Provider == "beta" {
			t.Error("round robin picked a provider with an open circuit")
		}
	}
}

func TestStrategiesFallBackToFullSetWhenAllDown(t *testing.T) {
	h := &fakeHealth{
		down:  map[string]bool{"alpha": true, "beta": true, "gamma": true},
		rates: map[string]float64{},
	}
	r := newTestRouter(h)

	if _, ok := r.RoundRobin(); !ok {
		t.Error("RoundRobin should degrade to the full set")
	}
	if _, ok := r.Random(); !ok {
		t.Error("Random should degrade to the full set")
	}
}

func TestLeastLoaded(t *testing.T) {
	h := &fakeHealth{down: map[string]bool{}, rates: map[string]float64{"alpha": 1.0, "beta": 1.0, "gamma": 1.0}}
	loads := &fakeLoads{active: map[string]int{"alpha": 5, "beta": 1, "gamma": 3}}
	r := New(testConfig(), h, loads, &fakePricing{rates: map[string]float64{}})

	e, ok := r.LeastLoaded()
	if !ok {
		t.Fatal("LeastLoaded() returned no entry")
	}
	if e.Provider != "beta" {
		t.Errorf("least loaded = %s, want beta", e.Provider)
	}
}

func TestLeastLoadedWeighsSuccessRate(t *testing.T) {
	// Equal load, but gamma fails most of the time: alpha wins.
	h := &fakeHealth{down: map[string]bool{}, rates: map[string]float64{"alpha": 1.0, "beta": 0.5, "gamma": 0.1}}
	loads := &fakeLoads{active: map[string]int{"alpha": 2, "beta": 2, "gamma": 2}}
	r := New(testConfig(), h, loads, &fakePricing{rates: map[string]float64{}})

	e, _ := r.LeastLoaded()
	if e.Provider != "alpha" {
		t.Errorf("least loaded = %s, want alpha", e.Provider)
	}
}

func TestCostOptimized(t *testing.T) {
	pricing := &fakePricing{rates: map[string]float64{"alpha": 0.05, "beta": 0.002, "gamma": 0.01}}
	r := New(testConfig(), &fakeHealth{down: map[string]bool{}, rates: map[string]float64{}}, &fakeLoads{active: map[string]int{}}, pricing)

	e, ok := r.CostOptimized()
	if !ok {
		t.Fatal("CostOptimized() returned no entry")
	}
	if e.Provider != "beta" {
		t.Errorf("cost optimized = %s, want beta", e.Provider)
	}
}

func TestRandomOnlyPicksEnabled(t *testing.T) {
	r := newTestRouter(nil)
	for i := 0; i < 20; i++ {
		e, ok := r.Random()
		if !ok {
			t.Fatal("Random() returned no entry")
		}
		if e.Provider == "off" {
			t.Error("random picked a disabled provider")
		}
	}
}
