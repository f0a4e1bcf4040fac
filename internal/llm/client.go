package llm

import (
	"context"
	"time"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/internal/retry"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// AuditSink receives one record per generation attempt outcome.
type AuditSink interface {
	RecordLLMAudit(ctx context.Context, audit models.LLMAudit)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(ctx context.Context, audit models.LLMAudit)

func (f AuditFunc) RecordLLMAudit(ctx context.Context, audit models.LLMAudit) {
	f(ctx, audit)
}

// Client wraps a Provider with bounded retries, audit records, and a
// never-failing fallback path.
type Client struct {
	provider Provider
	retry    retry.Config
	audit    AuditSink
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithAuditSink attaches an audit destination.
func WithAuditSink(sink AuditSink) ClientOption {
	return func(c *Client) { c.audit = sink }
}

// WithClientMetrics attaches generation metrics.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient wraps a provider.
func NewClient(provider Provider, logger *observability.Logger, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		retry:    retry.Exponential(3, 500*time.Millisecond, 8*time.Second),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProviderName returns the wrapped provider's name.
func (c *Client) ProviderName() string { return c.provider.ProviderName() }

// ModelName returns the wrapped provider's model.
func (c *Client) ModelName() string { return c.provider.ModelName() }

// HealthCheck probes the wrapped provider.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.provider.HealthCheck(ctx)
}

// Generate runs the provider under the retry policy. Non-retryable errors
// short-circuit. Every outcome writes an audit record.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	resp, result := retry.DoWithValue(ctx, c.retry, func() (*Response, error) {
		r, err := c.provider.Generate(ctx, req)
		if err != nil && !IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return r, err
	})

	latency := time.Since(start).Milliseconds()
	audit := models.LLMAudit{
		TraceID:     req.TraceID,
		Provider:    c.provider.ProviderName(),
		Model:       c.provider.ModelName(),
		RequestHash: RequestHash(req),
		LatencyMS:   latency,
	}

	if result.Err != nil {
		audit.Status = "error"
		if llmErr, ok := AsError(result.Err); ok {
			audit.ErrorType = string(llmErr.Type)
			audit.ErrorMessage = llmErr.Message
		} else {
			audit.ErrorType = string(ErrorUnknown)
			audit.ErrorMessage = result.Err.Error()
		}
		c.emit(ctx, audit, "error")
		c.logger.Warn(ctx, "generation failed",
			"provider", audit.Provider, "model", audit.Model,
			"attempts", result.Attempts, "error", result.Err)
		return nil, result.Err
	}

	audit.Status = "success"
	audit.TokensInput = resp.TokensInput
	audit.TokensOutput = resp.TokensOutput
	c.emit(ctx, audit, "success")
	return resp, nil
}

// GenerateWithFallback never fails: on final generation failure it returns
// a synthetic response carrying fallbackText with finish_reason=fallback
// and zero token counts.
func (c *Client) GenerateWithFallback(ctx context.Context, req Request, fallbackText string) *Response {
	resp, err := c.Generate(ctx, req)
	if err == nil {
		return resp
	}

	c.emit(ctx, models.LLMAudit{
		TraceID:     req.TraceID,
		Provider:    c.provider.ProviderName(),
		Model:       c.provider.ModelName(),
		RequestHash: RequestHash(req),
		Status:      "fallback",
		Fallback:    true,
	}, "fallback")

	return &Response{
		Text:         fallbackText,
		Model:        c.provider.ModelName(),
		FinishReason: "fallback",
	}
}

func (c *Client) emit(ctx context.Context, audit models.LLMAudit, status string) {
	if c.audit != nil {
		c.audit.RecordLLMAudit(ctx, audit)
	}
	if c.metrics != nil {
		c.metrics.LLMRequestCounter.WithLabelValues(audit.Provider, audit.Model, status).Inc()
		if audit.LatencyMS > 0 {
			c.metrics.LLMRequestDuration.WithLabelValues(audit.Provider, audit.Model).
				Observe(float64(audit.LatencyMS) / 1000)
		}
		if audit.TokensInput > 0 {
			c.metrics.LLMTokensUsed.WithLabelValues(audit.Provider, audit.Model, "input").
				Add(float64(audit.TokensInput))
		}
		if audit.TokensOutput > 0 {
			c.metrics.LLMTokensUsed.WithLabelValues(audit.Provider, audit.Model, "output").
				Add(float64(audit.TokensOutput))
		}
	}
}
