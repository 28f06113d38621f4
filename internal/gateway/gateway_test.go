package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/types"
)

// fakeProvider is a scriptable provider.Provider for pipeline tests.
type fakeProvider struct {
	mu    sync.Mutex
	name  string
	calls int

	// failFirst makes the first N calls fail with failErr.
	failFirst int
	failErr   error

	text   string
	usage  *types.Usage
	deltas []string

	// failAfterDeltas errors the stream after forwarding the deltas.
	failAfterDeltas bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) shouldFail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return f.failErr
	}
	return nil
}

func (f *fakeProvider) Complete(ctx context.Context, messages []types.Message, params types.SamplingParams) (*provider.Result, error) {
	if err := f.shouldFail(); err != nil {
		return nil, err
	}
	return &provider.Result{Text: f.text, Model: params.Model, Usage: f.usage, FinishReason: "stop"}, nil
}

func (f *fakeProvider) StreamComplete(ctx context.Context, messages []types.Message, params types.SamplingParams, onChunk func(string) error) (*provider.Result, error) {
	if err := f.shouldFail(); err != nil {
		return nil, err
	}
	var sent strings.Builder
	for _, d := range f.deltas {
		if err := onChunk(d); err != nil {
			return nil, err
		}
		sent.WriteString(d)
	}
	if f.failAfterDeltas {
		return nil, &types.ProviderError{Provider: f.name, StatusCode: 502, Err: errors.New("upstream hung up")}
	}
	return &provider.Result{Text: sent.String(), Model: params.Model, Usage: f.usage, FinishReason: "stop"}, nil
}

func transientErr(name string) error {
	return &types.ProviderError{Provider: name, StatusCode: 503, Err: errors.New("unavailable")}
}

func permanentErr(name string) error {
	return &types.ProviderError{Provider: name, StatusCode: 401, Permanent: true, Err: errors.New("bad key")}
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			FailureThreshold: 5,
		},
		Providers: []config.ProviderConfig{
			{
				Name: "alpha", Enabled: true, Priority: 2,
				Models:        []string{"alpha-m"},
				RetryCount:    2,
				MaxConcurrent: 4, RequestsPerMinute: 100, RequestsPerHour: 1000,
				CostPer1KInput: 0.03, CostPer1KOutput: 0.06,
			},
			{
				Name: "beta", Enabled: true, Priority: 1,
				Models:        []string{"beta-m"},
				RetryCount:    0,
				MaxConcurrent: 4, RequestsPerMinute: 100, RequestsPerHour: 1000,
				CostPer1KInput: 0.001, CostPer1KOutput: 0.002,
			},
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config, providers map[string]provider.Provider) *Gateway {
	t.Helper()
	g, err := New(Options{Config: cfg, Providers: providers})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Close)
	// Backoffs complete instantly; tests assert on the recorded durations.
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func askAlpha(content string) *types.Request {
	return &types.Request{
		Messages: []types.Message{types.NewTextMessage(types.RoleUser, content)},
		TaskType: types.TaskQA,
		Provider: "alpha",
		Model:    "alpha-m",
	}
}

func TestGenerateSuccess(t *testing.T) {
	alpha := &fakeProvider{
		name: "alpha", text: "the answer",
		usage: &types.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
	}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha})

	resp, err := g.Generate(context.Background(), askAlpha("question"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "the answer" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Provider != "alpha" || resp.Model != "alpha-m" {
		t.Errorf("routed to %s/%s", resp.Provider, resp.Model)
	}
	if resp.ID == "" {
		t.Error("request ID not assigned")
	}
	// 1000/1000*0.03 + 500/1000*0.06 = 0.06
	if resp.Cost < 0.059 || resp.Cost > 0.061 {
		t.Errorf("Cost = %f, want 0.06", resp.Cost)
	}
	if resp.Cached {
		t.Error("fresh response marked cached")
	}
	if g.health.IsDown("alpha") {
		t.Error("successful provider marked down")
	}
}

func TestTransientFailuresRetryThenFailOver(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", failFirst: 100, failErr: transientErr("alpha")}
	beta := &fakeProvider{name: "beta", text: "from beta"}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha, "beta": beta})

	var backoffs []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		backoffs = append(backoffs, d)
		return nil
	}

	resp, err := g.Generate(context.Background(), askAlpha("question"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "beta" {
		t.Errorf("Provider = %s, want beta", resp.Provider)
	}
	// retry_count=2 means three attempts against alpha before moving on
	if got := alpha.callCount(); got != 3 {
		t.Errorf("alpha attempts = %d, want 3", got)
	}
	if beta.callCount() != 1 {
		t.Errorf("beta attempts = %d, want 1", beta.callCount())
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(backoffs) != len(want) {
		t.Fatalf("backoffs = %v, want %v", backoffs, want)
	}
	for i := range want {
		if backoffs[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, backoffs[i], want[i])
		}
	}
}

func TestFailedRequestBooksOneHealthFailure(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", failFirst: 100, failErr: transientErr("alpha")}
	beta := &fakeProvider{name: "beta", text: "from beta"}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha, "beta": beta})

	if _, err := g.Generate(context.Background(), askAlpha("question")); err != nil {
		t.Fatal(err)
	}
	// Three attempts against alpha count as one failed request.
	if got := g.Health().Snapshot("alpha").ConsecutiveFailures; got != 1 {
		t.Errorf("consecutive failures = %d, want 1", got)
	}

	// The circuit opens on failed requests, not failed attempts: with a
	// threshold of 5 alpha stays up through four more requests.
	for i := 0; i < 3; i++ {
		if _, err := g.Generate(context.Background(), askAlpha("question")); err != nil {
			t.Fatal(err)
		}
	}
	if g.Health().IsDown("alpha") {
		t.Fatal("circuit opened after 4 failed requests, threshold is 5")
	}
	if _, err := g.Generate(context.Background(), askAlpha("question")); err != nil {
		t.Fatal(err)
	}
	if !g.Health().IsDown("alpha") {
		t.Error("circuit still closed after 5 failed requests")
	}
}

func TestRequestNotMutated(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", text: "the answer"}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha})

	messages := []types.Message{types.NewTextMessage(types.RoleUser, "question")}
	req := &types.Request{Messages: messages, TaskType: types.TaskQA, Provider: "alpha", Model: "alpha-m"}

	resp, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID == "" {
		t.Error("response ID not assigned")
	}
	if req.ID != "" {
		t.Errorf("request ID mutated to %q", req.ID)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "question" {
		t.Errorf("request messages mutated: %+v", req.Messages)
	}
}

func TestTotalOnlyUsageIsSplit(t *testing.T) {
	alpha := &fakeProvider{
		name: "alpha", text: "the answer",
		usage: &types.Usage{TotalTokens: 100},
	}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha})

	resp, err := g.Generate(context.Background(), askAlpha("question"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage.PromptTokens != 60 || resp.Usage.CompletionTokens != 40 {
		t.Errorf("Usage = %+v, want 60/40 split of 100", resp.Usage)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", failFirst: 100, failErr: permanentErr("alpha")}
	beta := &fakeProvider{name: "beta", text: "from beta"}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha, "beta": beta})

	resp, err := g.Generate(context.Background(), askAlpha("question"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "beta" {
		t.Errorf("Provider = %s, want beta", resp.Provider)
	}
	if got := alpha.callCount(); got != 1 {
		t.Errorf("alpha attempts = %d, want 1 (no retries for permanent errors)", got)
	}
}

func TestAllProvidersExhausted(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", failFirst: 100, failErr: transientErr("alpha")}
	beta := &fakeProvider{name: "beta", failFirst: 100, failErr: transientErr("beta")}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha, "beta": beta})

	_, err := g.Generate(context.Background(), askAlpha("question"))
	if err == nil {
		t.Fatal("expected error")
	}
	var ee *types.ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("error type %T: %v", err, err)
	}
	if ee.Attempted != 2 {
		t.Errorf("Attempted = %d, want 2", ee.Attempted)
	}
}

func TestCacheHitSkipsProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.CacheEnabled = true
	cfg.Gateway.CacheTTLSeconds = 60
	cfg.Gateway.CacheSecret = "test"
	alpha := &fakeProvider{name: "alpha", text: "cached answer"}
	g := newTestGateway(t, cfg, map[string]provider.Provider{"alpha": alpha})

	first, err := g.Generate(context.Background(), askAlpha("same question"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first response should not be cached")
	}
	g.cache.Wait()

	second, err := g.Generate(context.Background(), askAlpha("same question"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("second response should come from cache")
	}
	if second.Text != "cached answer" {
		t.Errorf("Text = %q", second.Text)
	}
	if alpha.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", alpha.callCount())
	}
}

func TestRateLimitedProviderFallsOver(t *testing.T) {
	cfg := testConfig()
	cfg.Providers[0].RequestsPerMinute = 1
	alpha := &fakeProvider{name: "alpha", text: "from alpha"}
	beta := &fakeProvider{name: "beta", text: "from beta"}
	g := newTestGateway(t, cfg, map[string]provider.Provider{"alpha": alpha, "beta": beta})

	if _, err := g.Generate(context.Background(), askAlpha("one")); err != nil {
		t.Fatal(err)
	}
	resp, err := g.Generate(context.Background(), askAlpha("two"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "beta" {
		t.Errorf("Provider = %s, want beta after alpha hit its minute cap", resp.Provider)
	}
}

func TestSelectorPicksModelWithoutPreference(t *testing.T) {
	cfg := testConfig()
	cfg.Providers[0].Name = "openai"
	cfg.Providers[0].Models = []string{"gpt-4o-mini", "gpt-4o"}
	openai := &fakeProvider{name: "openai", text: "hello"}
	beta := &fakeProvider{name: "beta", text: "hello"}
	g := newTestGateway(t, cfg, map[string]provider.Provider{"openai": openai, "beta": beta})

	resp, err := g.Generate(context.Background(), &types.Request{
		Messages: []types.Message{types.NewTextMessage(types.RoleUser, "hi there")},
		TaskType: types.TaskConversation,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "openai" {
		t.Errorf("Provider = %s, want openai", resp.Provider)
	}
	if resp.Model != "gpt-4o-mini" && resp.Model != "gpt-4o" {
		t.Errorf("Model = %s, want a catalog model", resp.Model)
	}
}

func TestOversizedRequestIsSelectionError(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", text: "ok"}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha})

	// One indivisible message far beyond any window; truncation keeps the
	// newest message, so nothing can make this fit.
	req := askAlpha(strings.Repeat("word ", 40_000))
	req.MaxTokens = 1000

	_, err := g.Generate(context.Background(), req)
	var se *types.SelectionError
	if !errors.As(err, &se) {
		t.Fatalf("error type %T: %v", err, err)
	}
	if alpha.callCount() != 0 {
		t.Error("provider should not be called for an unfittable request")
	}
}

func TestQualityScoringWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.EvaluateResponses = true
	alpha := &fakeProvider{name: "alpha", text: "Yes, HTTPS uses port 443 by default on every mainstream server."}
	g := newTestGateway(t, cfg, map[string]provider.Provider{"alpha": alpha})

	req := askAlpha("What port does HTTPS use by default?")
	resp, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.QualityScore <= 0 || resp.QualityScore > 1 {
		t.Errorf("QualityScore = %f, want (0, 1]", resp.QualityScore)
	}
}

func TestStreamForwardsChunks(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", deltas: []string{"Hel", "lo"}}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha})

	var got []string
	req := askAlpha("hi")
	req.Stream = true
	resp, err := g.GenerateStream(context.Background(), req, func(d string) error {
		got = append(got, d)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Hello" {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(got) != 2 {
		t.Errorf("chunks = %v", got)
	}
}

func TestStreamFailsOverBeforeFirstChunk(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", failFirst: 100, failErr: transientErr("alpha")}
	beta := &fakeProvider{name: "beta", deltas: []string{"from beta"}}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha, "beta": beta})

	req := askAlpha("hi")
	req.Stream = true
	resp, err := g.GenerateStream(context.Background(), req, func(string) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "beta" {
		t.Errorf("Provider = %s, want beta", resp.Provider)
	}
}

func TestStreamNoFailoverAfterFirstChunk(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", deltas: []string{"partial"}, failAfterDeltas: true}
	beta := &fakeProvider{name: "beta", deltas: []string{"from beta"}}
	g := newTestGateway(t, testConfig(), map[string]provider.Provider{"alpha": alpha, "beta": beta})

	req := askAlpha("hi")
	req.Stream = true
	_, err := g.GenerateStream(context.Background(), req, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error once the stream broke mid-flight")
	}
	if beta.callCount() != 0 {
		t.Error("failover after first chunk would duplicate output")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.CacheEnabled = true
	cfg.Gateway.CacheSecret = "test"
	alpha := &fakeProvider{
		name: "alpha", text: "ok",
		usage: &types.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
	g := newTestGateway(t, cfg, map[string]provider.Provider{"alpha": alpha})

	if _, err := g.Generate(context.Background(), askAlpha("q")); err != nil {
		t.Fatal(err)
	}

	m := g.Metrics()
	if m.TotalCost <= 0 {
		t.Error("TotalCost not recorded")
	}
	if m.InputTokens != 100 || m.OutputTokens != 50 {
		t.Errorf("token totals = %d/%d, want 100/50", m.InputTokens, m.OutputTokens)
	}
	if _, ok := m.Health["alpha"]; !ok {
		t.Error("health snapshot missing alpha")
	}
	if m.Loads["alpha"].Total != 1 {
		t.Errorf("alpha load total = %d, want 1", m.Loads["alpha"].Total)
	}
	if m.RateUsage["alpha"].MinuteUsed != 1 {
		t.Errorf("alpha minute used = %d, want 1", m.RateUsage["alpha"].MinuteUsed)
	}
	if m.Cache == nil {
		t.Fatal("cache stats missing")
	}
	if m.Cache.Misses != 1 {
		t.Errorf("cache misses = %d, want 1", m.Cache.Misses)
	}
}

func TestRequestBudgetBoundsChain(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.RequestBudgetSeconds = 1
	alpha := &fakeProvider{name: "alpha", failFirst: 100, failErr: transientErr("alpha")}
	beta := &fakeProvider{name: "beta", text: "from beta"}

	// Keep the real backoff: the first retry sleeps one second, which
	// burns the whole budget before beta is ever reached.
	g, err := New(Options{Config: cfg, Providers: map[string]provider.Provider{"alpha": alpha, "beta": beta}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Close)

	start := time.Now()
	_, err = g.Generate(context.Background(), askAlpha("q"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if beta.callCount() != 0 {
		t.Error("budget exhausted before failover; beta should be untouched")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("budget not enforced, took %v", elapsed)
	}
	if fmt.Sprintf("%v", err) == "" {
		t.Error("empty error message")
	}
}
