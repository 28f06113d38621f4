// Package openaicompat implements a client for the OpenAI-compatible
// chat completions protocol, which every supported backend speaks.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/types"
)

const completionsPath = "/chat/completions"

// Options configures a Client.
type Options struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

// Client talks to one OpenAI-compatible backend.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// Result carries the parsed completion.
type Result struct {
	Text         string
	Model        string
	Usage        *types.Usage
	FinishReason string
}

// NewClient creates a Client. A nil HTTP client gets a default with
// compression disabled, which streaming requires.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{DisableCompression: true}}
	}
	return &Client{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		timeout: opts.Timeout,
		http:    httpClient,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return c.name
}

type chatRequest struct {
	Model         string          `json:"model"`
	Messages      []types.Message `json:"messages"`
	Temperature   float64         `json:"temperature,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete performs a blocking chat completion call. The configured
// per-provider timeout bounds the whole call including the body read.
func (c *Client) Complete(ctx context.Context, messages []types.Message, params types.SamplingParams) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.send(ctx, chatRequest{
		Model:       params.Model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.classify(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &types.ProviderError{Provider: c.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &types.ProviderError{Provider: c.name, Err: fmt.Errorf("response has no choices")}
	}
	return &Result{
		Text:         parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		Usage:        parsed.Usage,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// StreamComplete streams the completion over SSE. onChunk receives each
// content delta; an onChunk error aborts the stream and is returned.
// The per-provider timeout bounds the connect and first-chunk phase
// only; once deltas are flowing the stream runs until the upstream or
// the caller's context ends it.
func (c *Client) StreamComplete(ctx context.Context, messages []types.Message, params types.SamplingParams, onChunk func(string) error) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()

		timer := time.AfterFunc(c.timeout, cancel)
		defer timer.Stop()
		inner := onChunk
		onChunk = func(delta string) error {
			timer.Stop()
			return inner(delta)
		}
	}
	resp, err := c.send(ctx, chatRequest{
		Model:         params.Model,
		Messages:      messages,
		Temperature:   params.Temperature,
		MaxTokens:     params.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.classify(resp)
	}

	proc := newStreamProcessor()
	if err := proc.run(resp.Body, onChunk); err != nil {
		return nil, &types.ProviderError{Provider: c.name, Err: err}
	}
	return &Result{
		Text:         proc.content(),
		Model:        proc.model,
		Usage:        proc.usage,
		FinishReason: proc.finishReason,
	}, nil
}

// send builds and executes the HTTP request. Network failures are
// transient provider errors.
func (c *Client) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &types.ProviderError{Provider: c.name, Err: err}
	}
	return resp, nil
}

// classify turns an upstream error status into a ProviderError, reading
// the body for the upstream message. Client errors other than rate
// limiting and timeouts are permanent and must not be retried.
func (c *Client) classify(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	permanent := false
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		permanent = true
	}
	return &types.ProviderError{
		Provider:   c.name,
		StatusCode: resp.StatusCode,
		Permanent:  permanent,
		Err:        fmt.Errorf("upstream status %d: %s", resp.StatusCode, msg),
	}
}
