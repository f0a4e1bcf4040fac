package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// Error types reported in call results.
const (
	ErrTypeNotFound   = "tool_not_found"
	ErrTypeValidation = "validation_error"
	ErrTypeTimeout    = "timeout"
	ErrTypeExecution  = "execution_error"
)

// ErrToolNotFound is returned when a call names an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// Result is the outcome of one tool call. Success false is a normal
// outcome, not a transport error.
type Result struct {
	Success bool                 `json:"success"`
	Output  any                  `json:"output,omitempty"`
	Error   string               `json:"error,omitempty"`
	Audit   models.ToolCallAudit `json:"audit"`
}

// TraceAppender persists one ledger row per executed call.
type TraceAppender interface {
	Append(ctx context.Context, record models.TraceRecord) error
}

// Executor validates, dispatches, and audits tool calls.
type Executor struct {
	registry *Registry
	traces   TraceAppender
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithTraceAppender attaches ledger persistence for call audits.
func WithTraceAppender(t TraceAppender) ExecutorOption {
	return func(e *Executor) { e.traces = t }
}

// WithExecutorMetrics attaches execution metrics.
func WithExecutorMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorTracer opens a span per dispatched call.
func WithExecutorTracer(t *observability.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, logger *observability.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call end to end: resolve, validate, dispatch with
// the tool's timeout, audit, and persist a ledger row. Validation errors
// and handler failures come back as Result with Success=false.
func (e *Executor) Execute(ctx context.Context, tc Context, name string, input map[string]any) Result {
	start := time.Now()
	if tc.TraceID == "" {
		tc.TraceID = uuid.NewString()
	}

	hash := PayloadHash(input)
	audit := models.ToolCallAudit{Name: name, PayloadHash: hash}

	def, handler, ok := e.registry.Get(name)
	if !ok {
		audit.Status = "error"
		audit.ErrorType = ErrTypeNotFound
		audit.ErrorMessage = fmt.Sprintf("tool %s not found", name)
		audit.LatencyMS = time.Since(start).Milliseconds()
		return e.finish(ctx, tc, Result{Success: false, Error: audit.ErrorMessage, Audit: audit}, input)
	}

	if schema := e.registry.inputSchema(name); schema != nil {
		if err := schema.Validate(anyInput(input)); err != nil {
			audit.Status = "error"
			audit.ErrorType = ErrTypeValidation
			audit.ErrorMessage = err.Error()
			audit.LatencyMS = time.Since(start).Milliseconds()
			return e.finish(ctx, tc, Result{Success: false, Error: audit.ErrorMessage, Audit: audit}, input)
		}
	}

	callCtx := ctx
	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var span oteltrace.Span
	if e.tracer != nil {
		callCtx, span = e.tracer.Start(callCtx, "tool.execute", attribute.String("tool", name))
	}
	output, err := handler(callCtx, tc, input)
	if span != nil {
		observability.RecordError(span, err)
		span.End()
	}
	audit.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		audit.Status = "error"
		audit.ErrorType = ErrTypeExecution
		if errors.Is(err, context.DeadlineExceeded) {
			audit.ErrorType = ErrTypeTimeout
		}
		audit.ErrorMessage = err.Error()
		return e.finish(ctx, tc, Result{Success: false, Error: err.Error(), Audit: audit}, input)
	}

	audit.Status = "success"
	return e.finish(ctx, tc, Result{Success: true, Output: output, Audit: audit}, input)
}

func (e *Executor) finish(ctx context.Context, tc Context, result Result, input map[string]any) Result {
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(result.Audit.Name, result.Audit.Status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(result.Audit.Name).
			Observe(float64(result.Audit.LatencyMS) / 1000)
	}

	if e.traces != nil {
		status := models.TraceStatusSuccess
		if !result.Success {
			status = models.TraceStatusError
		}
		inputJSON, _ := json.Marshal(input)
		record := models.TraceRecord{
			TraceID:      tc.TraceID,
			TenantID:     tc.TenantID,
			SiteID:       tc.SiteID,
			SessionID:    tc.SessionID,
			NPCID:        tc.NPCID,
			Type:         models.RequestTypeToolCall,
			RequestInput: string(inputJSON),
			ToolCalls:    []models.ToolCallAudit{result.Audit},
			Status:       status,
			Error:        result.Audit.ErrorMessage,
			LatencyMS:    result.Audit.LatencyMS,
			StartedAt:    time.Now().Add(-time.Duration(result.Audit.LatencyMS) * time.Millisecond),
			CompletedAt:  time.Now(),
		}
		if err := e.traces.Append(ctx, record); err != nil {
			e.logger.Warn(ctx, "tool trace write failed", "tool", result.Audit.Name, "error", err)
		}
	}

	if !result.Success {
		e.logger.Warn(ctx, "tool call failed",
			"tool", result.Audit.Name,
			"error_type", result.Audit.ErrorType,
			"error", result.Audit.ErrorMessage)
	}
	return result
}

// PayloadHash fingerprints a tool input: sha256 over the key-sorted JSON
// encoding, truncated to 16 hex chars.
func PayloadHash(input map[string]any) string {
	// encoding/json sorts map keys, so the encoding is already canonical
	// for string-keyed maps.
	data, err := json.Marshal(input)
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// anyInput round-trips the input through JSON so jsonschema sees plain
// decoded values.
func anyInput(input map[string]any) any {
	data, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return input
	}
	return out
}
