// Package llmclient wraps the Anthropic API behind the breaker
// (C3) and a retry-with-jitter policy, built around a single
// configured model rather than a provider-registry/fallback-chain
// abstraction, since this core has no multi-provider requirement.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/c360studio/taskcore/internal/taskerr"
)

// Message is a single chat turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a completion request against the configured model.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Response is a completion result.
type Response struct {
	Content      string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Breaker is the narrowed circuit-breaker surface guarding every call.
type Breaker interface {
	Call(ctx context.Context, name string, op func(context.Context) error) error
}

// RetryConfig is the retry policy guarding one completion call.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig allows three attempts with jittered 2s..30s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffBase: 2 * time.Second, BackoffMultiplier: 2.0, MaxBackoff: 30 * time.Second}
}

// Option configures a Client.
type Option func(*Client)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBreaker wraps every call through breaker name "llm".
func WithBreaker(b Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// transport performs one completion call against a provider. Splitting
// this out of Client keeps the retry/breaker/backoff logic (the part
// worth unit testing) decoupled from the concrete Anthropic SDK call.
type transport interface {
	send(ctx context.Context, req Request) (*Response, error)
}

// Client is a single-model LLM client guarded by a breaker and a
// jittered retry loop.
type Client struct {
	transport transport
	retry     RetryConfig
	breaker   Breaker
	logger    *slog.Logger
}

// New builds a Client for model, reading ANTHROPIC_API_KEY from the
// environment via the SDK's default option chain.
func New(model anthropic.Model, opts ...Option) *Client {
	c := &Client{
		transport: &sdkTransport{sdk: anthropic.NewClient(option.WithEnvironmentVariables()), model: model},
		retry:     DefaultRetryConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends req, retrying transient failures with jittered
// exponential backoff, and failing fast without calling out if the
// breaker is open.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, taskerr.New(taskerr.KindValidation, "at least one message is required")
	}

	var resp *Response
	op := func(ctx context.Context) error {
		r, err := c.completeWithRetry(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Call(ctx, "llm", op); err != nil {
			return nil, err
		}
		return resp, nil
	}
	if err := op(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) completeWithRetry(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if taskerr.Is(err, taskerr.KindValidation) {
			return nil, err // fatal, no retry
		}
		if attempt < c.retry.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("llm request failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

// calculateBackoff computes exponential backoff with +/-25% jitter to
// avoid synchronized retries across concurrently dispatched tasks.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}
	backoff := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if backoff > c.retry.MaxBackoff {
		backoff = c.retry.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	return c.transport.send(ctx, req)
}

// sdkTransport is the production transport backed by the real
// Anthropic SDK client.
type sdkTransport struct {
	sdk   anthropic.Client
	model anthropic.Model
}

func (t *sdkTransport) send(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     t.model,
		MaxTokens: int64(req.MaxTokens),
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = 4096
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	msg, err := t.sdk.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
			return nil, taskerr.Wrap(taskerr.KindValidation, "anthropic request rejected", err)
		}
		return nil, fmt.Errorf("anthropic request: %w", err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &Response{
		Content:      content,
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
