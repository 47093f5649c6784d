package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Request is one completion request to the external language-model service.
type Request struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	// ResponseHint signals the expected payload shape ("json" for a
	// structured object embedded in the completion text).
	ResponseHint string `json:"response_format,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
}

// Response is the service reply. Text is free-form and expected to contain a
// parseable structured payload when a hint was given.
type Response struct {
	Text         string  `json:"text"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Client is the capability contract. Implementations must be safe for
// concurrent use from independent runs.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Model() string
	Provider() string
}

// HTTPClient talks to the external completion service over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	provider   string
	maxRetries int
	httpc      *http.Client
	logger     *zap.Logger
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL string
	// APIKey, when set, is sent as a bearer token on every request.
	APIKey     string
	Model      string
	Provider   string
	Timeout    time.Duration
	MaxRetries int
}

// NewHTTPClient builds a client with the per-call timeout baked into the
// underlying http.Client, so expiry surfaces as ErrTimeout.
func NewHTTPClient(opts Options, logger *zap.Logger) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &HTTPClient{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		provider:   opts.Provider,
		maxRetries: opts.MaxRetries,
		httpc:      &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}
}

func (c *HTTPClient) Model() string    { return c.model }
func (c *HTTPClient) Provider() string { return c.provider }

// Complete issues the request, retrying transient failures (timeouts, 5xx) up
// to the configured bound. Calls are side-effect free on the service side, so
// at-least-once retries are safe.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := c.once(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		c.logger.Warn("llm call failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err))
	}
	return Response{}, lastErr
}

func (c *HTTPClient) once(ctx context.Context, req Request) (Response, error) {
	payload := struct {
		Request
		Model string `json:"model"`
	}{Request: req, Model: c.model}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("llm: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Response{}, ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized,
		httpResp.StatusCode == http.StatusForbidden:
		return Response{}, ErrAuth
	case httpResp.StatusCode == http.StatusTooManyRequests,
		httpResp.StatusCode == http.StatusPaymentRequired:
		return Response{}, ErrRateLimited
	case httpResp.StatusCode >= 500:
		return Response{}, fmt.Errorf("%w: service returned %d", ErrUnavailable, httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		return Response{}, fmt.Errorf("%w: unexpected status %d", ErrMalformed, httpResp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read body: %v", ErrMalformed, err)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Text == "" {
		return Response{}, fmt.Errorf("%w: empty completion", ErrMalformed)
	}
	if out.Model == "" {
		out.Model = c.model
	}
	if out.Provider == "" {
		out.Provider = c.provider
	}
	return out, nil
}

func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Disabled is a Client that always reports the capability as unavailable.
// Agents wired with it follow their rule-based path with a recorded reason.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (Response, error) {
	return Response{}, ErrDisabled
}
func (Disabled) Model() string    { return "" }
func (Disabled) Provider() string { return "" }
