// Package provider defines the upstream LLM provider abstraction and
// the factory that builds clients from configuration.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/provider/openaicompat"
	"github.com/modelmux/modelmux/internal/types"
)

// Result carries the completion text plus whatever metadata the
// upstream reported. Usage is nil when upstream omitted it.
type Result struct {
	Text         string
	Model        string
	Usage        *types.Usage
	FinishReason string
}

// Provider is a single upstream completion backend.
type Provider interface {
	Name() string

	// Complete performs a blocking completion call.
	Complete(ctx context.Context, messages []types.Message, params types.SamplingParams) (*Result, error)

	// StreamComplete streams the completion, invoking onChunk for each
	// content delta. The returned Result aggregates the full stream.
	StreamComplete(ctx context.Context, messages []types.Message, params types.SamplingParams, onChunk func(string) error) (*Result, error)
}

// adapt wraps the openaicompat client so its Result type stays internal
// to that package.
type adapted struct {
	client *openaicompat.Client
}

func (a *adapted) Name() string { return a.client.Name() }

func (a *adapted) Complete(ctx context.Context, messages []types.Message, params types.SamplingParams) (*Result, error) {
	r, err := a.client.Complete(ctx, messages, params)
	if err != nil {
		return nil, err
	}
	return &Result{Text: r.Text, Model: r.Model, Usage: r.Usage, FinishReason: r.FinishReason}, nil
}

func (a *adapted) StreamComplete(ctx context.Context, messages []types.Message, params types.SamplingParams, onChunk func(string) error) (*Result, error) {
	r, err := a.client.StreamComplete(ctx, messages, params, onChunk)
	if err != nil {
		return nil, err
	}
	return &Result{Text: r.Text, Model: r.Model, Usage: r.Usage, FinishReason: r.FinishReason}, nil
}

// New builds a provider client from its configuration. Every configured
// backend speaks the OpenAI-compatible chat completions protocol.
func New(cfg *config.ProviderConfig) (Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", cfg.Name)
	}
	client := openaicompat.NewClient(openaicompat.Options{
		Name:    cfg.Name,
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout(),
		HTTP:    &http.Client{Transport: &http.Transport{DisableCompression: true}},
	})
	return &adapted{client: client}, nil
}

// NewAll builds clients for every enabled provider in the config,
// keyed by provider name.
func NewAll(cfg *config.Config) (map[string]Provider, error) {
	out := make(map[string]Provider)
	for _, pc := range cfg.EnabledProviders() {
		p, err := New(pc)
		if err != nil {
			return nil, err
		}
		out[pc.Name] = p
	}
	return out, nil
}
