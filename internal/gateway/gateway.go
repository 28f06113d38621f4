// Package gateway orchestrates request handling: admission, model
// selection, context optimization, failover, cost tracking, caching,
// and quality scoring.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/contextwin"
	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/evaluator"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/selector"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/tokenizer"
	"github.com/modelmux/modelmux/internal/types"
)

const (
	retryBaseBackoff  = time.Second
	fallbackModelSize = 8192
)

// Options configures a Gateway.
type Options struct {
	Config    *config.Config
	Providers map[string]provider.Provider

	// UsageStore persists usage records; nil keeps spend in memory only.
	UsageStore cost.UsageStore
	Logger     *slog.Logger
}

// Gateway is the coordination point for every request. Each subsystem
// owns its own state; the gateway only sequences them.
type Gateway struct {
	cfg       *config.Config
	providers map[string]provider.Provider
	limiters  map[string]*ratelimit.Limiter
	health    *health.Monitor
	costs     *cost.Tracker
	windows   *contextwin.Manager
	selector  *selector.Selector
	router    *router.Router
	evaluator *evaluator.Evaluator
	cache     *cache.ResponseCache
	loads     *stats.Registry
	logger    *slog.Logger

	// sleep is swappable so tests can observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Gateway from configuration and provider clients.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if len(cfg.Providers) == 0 {
		return nil, types.ErrNoProviders
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(cfg.Providers))
	limiters := make(map[string]*ratelimit.Limiter)
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if !p.Enabled {
			continue
		}
		names = append(names, p.Name)
		limiters[p.Name] = ratelimit.New(p.MaxConcurrent, p.RequestsPerMinute, p.RequestsPerHour)
	}

	monitor := health.NewMonitor(names, cfg.Gateway.FailureThreshold, logger)
	loads := stats.NewRegistry(names)
	costs := cost.NewTracker(cfg.Providers, cfg.Gateway.MonthlyBudget, opts.UsageStore, logger)

	g := &Gateway{
		cfg:       cfg,
		providers: opts.Providers,
		limiters:  limiters,
		health:    monitor,
		costs:     costs,
		windows:   contextwin.New(tokenizer.New()),
		selector:  selector.New(selector.DefaultCatalog(), cfg.Providers),
		router:    router.New(cfg, monitor, loads, costs),
		evaluator: evaluator.New(),
		loads:     loads,
		logger:    logger,
		sleep:     sleepCtx,
	}

	if cfg.Gateway.CacheEnabled {
		c, err := cache.New(cfg.Gateway.CacheSecret, cfg.Gateway.CacheTTL(), cfg.Gateway.CacheMaxEntries)
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		g.cache = c
	}
	return g, nil
}

// Health exposes the health monitor for probing and ops endpoints.
func (g *Gateway) Health() *health.Monitor { return g.health }

// Costs exposes the cost tracker for ops endpoints.
func (g *Gateway) Costs() *cost.Tracker { return g.costs }

// Generate runs a blocking completion through the full pipeline.
func (g *Gateway) Generate(ctx context.Context, req *types.Request) (*types.Response, error) {
	id := requestID(req)
	if budget := g.cfg.Gateway.RequestBudget(); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	log := g.logger.With("request_id", id, "task_type", req.TaskType)

	var cacheKey string
	if g.cache != nil && !req.Stream {
		key, err := g.cache.Key(req)
		if err == nil {
			cacheKey = key
			if resp, found := g.cache.Get(key); found {
				resp.ID = id
				log.Debug("cache hit", "provider", resp.Provider, "model", resp.Model)
				return resp, nil
			}
		}
	}

	primary, messages, err := g.prepare(req)
	if err != nil {
		return nil, err
	}

	resp, err := g.dispatch(ctx, log, req, primary, messages, nil)
	if err != nil {
		return nil, err
	}
	resp.ID = id

	if g.cfg.Gateway.EvaluateResponses {
		resp.QualityScore = g.evaluator.Evaluate(req, resp.Text).Overall
	}
	if cacheKey != "" {
		g.cache.Put(cacheKey, resp)
	}
	return resp, nil
}

// GenerateStream streams a completion. Streaming responses are never
// cached or evaluated, and failover only happens before the first chunk
// reaches the caller.
func (g *Gateway) GenerateStream(ctx context.Context, req *types.Request, onChunk func(string) error) (*types.Response, error) {
	id := requestID(req)
	if budget := g.cfg.Gateway.RequestBudget(); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	log := g.logger.With("request_id", id, "task_type", req.TaskType)

	primary, messages, err := g.prepare(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.dispatch(ctx, log, req, primary, messages, onChunk)
	if err != nil {
		return nil, err
	}
	resp.ID = id
	return resp, nil
}

// requestID honors a caller-supplied ID; the Request itself is never
// written to.
func requestID(req *types.Request) string {
	if req.ID != "" {
		return req.ID
	}
	return uuid.NewString()
}

// prepare resolves the primary provider/model pair and optimizes the
// conversation to fit the model's context window.
func (g *Gateway) prepare(req *types.Request) (router.Entry, []types.Message, error) {
	estimate := g.windows.EstimateTokens(req.Messages, req.Model)

	var entry router.Entry
	switch {
	case req.Provider != "" && req.Model != "":
		entry = router.Entry{Provider: req.Provider, Model: req.Model}
	case req.Provider != "":
		pc := g.cfg.Provider(req.Provider)
		if pc == nil || len(pc.Models) == 0 {
			return entry, nil, &types.SelectionError{
				TaskType: req.TaskType, ContextLength: estimate,
				Reason: fmt.Sprintf("unknown provider %q", req.Provider),
			}
		}
		entry = router.Entry{Provider: req.Provider, Model: pc.Models[0]}
	case req.Model != "":
		pc := g.providerServing(req.Model)
		if pc == "" {
			return entry, nil, &types.SelectionError{
				TaskType: req.TaskType, ContextLength: estimate,
				Reason: fmt.Sprintf("no enabled provider serves model %q", req.Model),
			}
		}
		entry = router.Entry{Provider: pc, Model: req.Model}
	default:
		choice, err := g.selector.Select(selector.Criteria{
			TaskType:      req.TaskType,
			ContextLength: estimate,
		})
		if err != nil {
			return entry, nil, err
		}
		entry = router.Entry{Provider: choice.Provider, Model: choice.Model}
	}

	limit, ok := g.selector.ModelLimit(entry.Model)
	if !ok {
		limit = fallbackModelSize
	}
	messages := g.windows.Optimize(types.CloneMessages(req.Messages), req.MaxTokens, entry.Model, limit, contextwin.StrategyRecent)

	// Truncation must actually fit; an over-long single message is a
	// selection failure, not a provider error.
	if got := g.windows.EstimateTokens(messages, entry.Model); got > limit-req.MaxTokens {
		return entry, nil, &types.SelectionError{
			TaskType: req.TaskType, ContextLength: got,
			Reason: fmt.Sprintf("request exceeds %s context window (%d tokens) even after truncation", entry.Model, limit),
		}
	}
	return entry, messages, nil
}

func (g *Gateway) providerServing(model string) string {
	for _, pc := range g.cfg.EnabledProviders() {
		for _, m := range pc.Models {
			if m == model {
				return pc.Name
			}
		}
	}
	return ""
}

// dispatch walks the fallback chain. A nil onChunk means a blocking
// completion; otherwise the call streams and failover stops once the
// first chunk has been forwarded.
func (g *Gateway) dispatch(ctx context.Context, log *slog.Logger, req *types.Request, primary router.Entry, messages []types.Message, onChunk func(string) error) (*types.Response, error) {
	chain := g.router.FallbackChain(primary)
	if len(chain) == 0 {
		return nil, types.ErrNoProviders
	}

	var lastErr error
	attempted := 0
	for _, entry := range chain {
		client, ok := g.providers[entry.Provider]
		if !ok {
			continue
		}
		attempted++

		release, err := g.admit(ctx, entry.Provider)
		if err != nil {
			lastErr = err
			log.Warn("provider admission denied", "provider", entry.Provider, "error", err)
			continue
		}

		resp, err := g.callWithRetries(ctx, log, req, client, entry, messages, onChunk)
		release()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Once chunks reached the caller there is no clean failover.
		var se *streamStartedError
		if errors.As(err, &se) {
			return nil, se.err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request budget exhausted: %w", ctx.Err())
		}
		log.Warn("provider failed, trying next in chain", "provider", entry.Provider, "error", err)
	}
	if lastErr == nil {
		lastErr = types.ErrNoProviders
	}
	return nil, &types.ExhaustedError{Attempted: attempted, LastErr: lastErr}
}

// admit acquires a rate limit slot for the provider.
func (g *Gateway) admit(ctx context.Context, providerName string) (func(), error) {
	limiter, ok := g.limiters[providerName]
	if !ok {
		return func() {}, nil
	}
	return limiter.Acquire(ctx, g.cfg.Gateway.WaitForSlot)
}

// callWithRetries runs the configured retry loop against one provider
// and records exactly one health outcome for the whole request, however
// many attempts it took.
func (g *Gateway) callWithRetries(ctx context.Context, log *slog.Logger, req *types.Request, client provider.Provider, entry router.Entry, messages []types.Message, onChunk func(string) error) (*types.Response, error) {
	resp, err := g.retryLoop(ctx, log, req, client, entry, messages, onChunk)
	if err != nil {
		g.health.RecordFailure(entry.Provider, err.Error())
		return nil, err
	}
	g.health.RecordSuccess(entry.Provider)
	return resp, nil
}

// retryLoop makes up to RetryCount+1 attempts. Permanent errors skip
// remaining retries; backoff doubles from one second per attempt.
func (g *Gateway) retryLoop(ctx context.Context, log *slog.Logger, req *types.Request, client provider.Provider, entry router.Entry, messages []types.Message, onChunk func(string) error) (*types.Response, error) {
	pc := g.cfg.Provider(entry.Provider)
	attempts := 1
	if pc != nil {
		attempts = pc.RetryCount + 1
	}

	params := types.SamplingParams{
		Model:       entry.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var lastErr error
	backoff := retryBaseBackoff
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		done := g.loads.Begin(entry.Provider)
		start := time.Now()

		var result *provider.Result
		var err error
		streamed := false
		if onChunk != nil {
			wrapped := func(delta string) error {
				streamed = true
				return onChunk(delta)
			}
			result, err = client.StreamComplete(ctx, messages, params, wrapped)
		} else {
			result, err = client.Complete(ctx, messages, params)
		}
		latency := time.Since(start)
		done(err == nil, latency)

		if err != nil {
			lastErr = err
			if streamed {
				return nil, &streamStartedError{err: err}
			}
			if types.IsPermanent(err) {
				log.Warn("permanent provider error, skipping retries", "provider", entry.Provider, "error", err)
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		return g.buildResponse(entry, messages, result, latency), nil
	}
	return nil, lastErr
}

// buildResponse assembles the response and records usage. Token counts
// come from upstream when reported, otherwise from local estimates.
func (g *Gateway) buildResponse(entry router.Entry, messages []types.Message, result *provider.Result, latency time.Duration) *types.Response {
	usage := types.Usage{}
	if result.Usage != nil {
		usage = *result.Usage
		// Some upstreams report only a grand total.
		if usage.TotalTokens > 0 && usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
			usage.PromptTokens, usage.CompletionTokens = cost.SplitTokens(usage.TotalTokens)
		}
	} else {
		usage.PromptTokens = g.windows.EstimateTokens(messages, entry.Model)
		usage.CompletionTokens = g.windows.EstimateTokens(
			[]types.Message{types.NewTextMessage(types.RoleAssistant, result.Text)}, entry.Model)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	rec := g.costs.RecordUsage(entry.Provider, entry.Model, usage.PromptTokens, usage.CompletionTokens, latency)

	model := entry.Model
	if result.Model != "" {
		model = result.Model
	}
	return &types.Response{
		Text:         result.Text,
		Provider:     entry.Provider,
		Model:        model,
		Usage:        usage,
		Cost:         rec.Cost,
		Latency:      latency,
		FinishReason: result.FinishReason,
		CreatedAt:    time.Now(),
	}
}

// Close releases gateway-owned resources.
func (g *Gateway) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}

// streamStartedError marks a failure after chunks already reached the
// caller, where failover would duplicate output.
type streamStartedError struct {
	err error
}

func (e *streamStartedError) Error() string {
	return fmt.Sprintf("stream failed after output started: %v", e.err)
}

func (e *streamStartedError) Unwrap() error { return e.err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
