// Package toolclient is the consumer side of the tool surface: per-tool
// timeouts, retries, and caching, with every call audited into a
// per-request buffer.
package toolclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/internal/tool"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// Priority tells the dialog runtime how to react when a tool fails.
type Priority string

const (
	// PriorityCritical aborts the turn.
	PriorityCritical Priority = "critical"
	// PriorityImportant degrades the turn to the conservative path.
	PriorityImportant Priority = "important"
	// PriorityOptional skips the tool and continues.
	PriorityOptional Priority = "optional"
)

// ToolConfig is the per-tool calling policy.
type ToolConfig struct {
	TimeoutMS     int
	MaxRetries    int
	Cacheable     bool
	CacheTTL      time.Duration
	Priority      Priority
	FireAndForget bool
}

// DefaultToolConfig applies to tools without an explicit row.
var DefaultToolConfig = ToolConfig{
	TimeoutMS:  500,
	MaxRetries: 1,
	Priority:   PriorityImportant,
}

var defaultConfigs = map[string]ToolConfig{
	"get_prompt_active": {TimeoutMS: 200, MaxRetries: 2, Cacheable: true, CacheTTL: cache.TTLActivePrompt, Priority: PriorityCritical},
	"get_npc_profile":   {TimeoutMS: 300, MaxRetries: 2, Cacheable: true, CacheTTL: cache.TTLPersona, Priority: PriorityCritical},
	"get_site_map":      {TimeoutMS: 300, MaxRetries: 1, Cacheable: true, CacheTTL: cache.TTLSiteMap, Priority: PriorityOptional},
	"retrieve_evidence": {TimeoutMS: 800, MaxRetries: 1, Cacheable: true, CacheTTL: cache.TTLEvidence, Priority: PriorityImportant},
	"search_content":    {TimeoutMS: 500, MaxRetries: 1, Priority: PriorityImportant},
	"log_user_event":    {TimeoutMS: 150, MaxRetries: 0, Priority: PriorityOptional, FireAndForget: true},
	"create_trace":      {TimeoutMS: 300, MaxRetries: 1, Priority: PriorityImportant, FireAndForget: true},
}

// Caller executes one tool call. *tool.Executor satisfies it.
type Caller interface {
	Execute(ctx context.Context, tc tool.Context, name string, input map[string]any) tool.Result
}

// AuditBuffer collects the audit entries of one request for the dialog
// runtime to flush into the trace.
type AuditBuffer struct {
	mu      sync.Mutex
	entries []models.ToolCallAudit
}

// Add appends one audit entry.
func (b *AuditBuffer) Add(audit models.ToolCallAudit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, audit)
}

// Drain returns the collected entries and resets the buffer.
func (b *AuditBuffer) Drain() []models.ToolCallAudit {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.entries
	b.entries = nil
	return entries
}

// Client wraps a tool executor with per-tool policy.
type Client struct {
	caller     Caller
	cache      cache.Cache
	logger     *observability.Logger
	configs    map[string]ToolConfig
	retryDelay time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithCache enables result caching for cacheable tools.
func WithCache(c cache.Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithToolConfig overrides the policy for one tool.
func WithToolConfig(name string, cfg ToolConfig) Option {
	return func(cl *Client) { cl.configs[name] = cfg }
}

// WithRetryDelay sets the base backoff delay.
func WithRetryDelay(d time.Duration) Option {
	return func(cl *Client) { cl.retryDelay = d }
}

// New creates a Client over the caller with the default per-tool policies.
func New(caller Caller, logger *observability.Logger, opts ...Option) *Client {
	cl := &Client{
		caller:     caller,
		logger:     logger,
		configs:    make(map[string]ToolConfig, len(defaultConfigs)),
		retryDelay: 100 * time.Millisecond,
	}
	for name, cfg := range defaultConfigs {
		cl.configs[name] = cfg
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Config returns the effective policy for a tool.
func (cl *Client) Config(name string) ToolConfig {
	if cfg, ok := cl.configs[name]; ok {
		return cfg
	}
	return DefaultToolConfig
}

// Call runs one tool call under its policy: cache first, bounded attempts
// with exponential backoff, cache fill on success. The audit entry lands
// in buf when given.
func (cl *Client) Call(ctx context.Context, tc tool.Context, name string, input map[string]any, buf *AuditBuffer) tool.Result {
	cfg := cl.Config(name)
	start := time.Now()

	var cacheKey string
	if cfg.Cacheable && cl.cache != nil {
		cacheKey = cl.cacheKey(tc, name, input)
		var cached any
		if cl.cache.Get(ctx, cacheKey, &cached) {
			result := tool.Result{
				Success: true,
				Output:  cached,
				Audit: models.ToolCallAudit{
					Name:      name,
					Status:    "success",
					CacheHit:  true,
					LatencyMS: time.Since(start).Milliseconds(),
				},
			}
			record(buf, result.Audit)
			return result
		}
	}

	var result tool.Result
	attempts := cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		result = cl.attempt(ctx, tc, name, input, cfg)
		result.Audit.RetryCount = attempt
		if result.Success || !retryable(result) {
			break
		}
		if attempt == attempts-1 {
			break
		}
		delay := cl.retryDelay * (1 << attempt)
		cancelled := false
		select {
		case <-ctx.Done():
			result.Audit.ErrorMessage = ctx.Err().Error()
			cancelled = true
		case <-time.After(delay):
		}
		if cancelled {
			break
		}
	}
	result.Audit.LatencyMS = time.Since(start).Milliseconds()

	if result.Success && cacheKey != "" {
		cl.cache.Set(ctx, cacheKey, result.Output, cfg.CacheTTL)
	}
	record(buf, result.Audit)
	return result
}

// CallAsync dispatches a fire-and-forget call detached from the request
// context. The audit entry is recorded before dispatch with the outcome
// unknown.
func (cl *Client) CallAsync(ctx context.Context, tc tool.Context, name string, input map[string]any, buf *AuditBuffer) {
	record(buf, models.ToolCallAudit{Name: name, Status: "dispatched"})
	go func() {
		result := cl.Call(context.WithoutCancel(ctx), tc, name, input, nil)
		if !result.Success {
			cl.logger.Warn(context.WithoutCancel(ctx), "async tool call failed",
				"tool", name, "error", result.Error)
		}
	}()
}

func (cl *Client) attempt(ctx context.Context, tc tool.Context, name string, input map[string]any, cfg ToolConfig) tool.Result {
	attemptCtx := ctx
	if cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	return cl.caller.Execute(attemptCtx, tc, name, input)
}

// retryable reports whether a failed result is worth another attempt.
// Unknown tools and invalid input fail the same way every time.
func retryable(result tool.Result) bool {
	switch result.Audit.ErrorType {
	case tool.ErrTypeNotFound, tool.ErrTypeValidation:
		return false
	}
	return true
}

func record(buf *AuditBuffer, audit models.ToolCallAudit) {
	if buf != nil {
		buf.Add(audit)
	}
}

func (cl *Client) cacheKey(tc tool.Context, name string, input map[string]any) string {
	resourceID := tool.PayloadHash(input)
	if name == "retrieve_evidence" {
		resourceID = EvidenceResourceID(stringField(input, "query"), stringsField(input, "domains"))
	}
	return cache.Key("tool", tc.TenantID, tc.SiteID, name, resourceID)
}

// EvidenceResourceID derives a stable cache resource id from a retrieval
// query and its domain filter. Limit and score bounds are deliberately
// excluded so near-identical lookups share an entry.
func EvidenceResourceID(query string, domains []string) string {
	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(query + "|" + strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

func stringField(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func stringsField(input map[string]any, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
