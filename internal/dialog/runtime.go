// Package dialog runs the single-turn pipeline: persona and prompt
// resolution, memory, retrieval, the evidence gate, generation, output
// validation, and the trace write.
package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/lorekeep/lorekeep/internal/gate"
	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/memory"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/internal/tool"
	"github.com/lorekeep/lorekeep/internal/toolclient"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// DefaultTurnDeadline bounds one whole turn.
const DefaultTurnDeadline = 30 * time.Second

const maxFollowups = 3

// citationExcerptLimit caps the excerpt carried into a citation.
const citationExcerptLimit = 100

// TraceWriter persists ledger rows. *trace.Ledger satisfies it.
type TraceWriter interface {
	Append(ctx context.Context, record models.TraceRecord) error
}

// GateSource yields the evidence gate for one site.
type GateSource interface {
	GateFor(ctx context.Context, tenantID, siteID string) *gate.Gate
}

// PolicySource reads active policy documents. *controlplane.PolicyStore
// satisfies it.
type PolicySource interface {
	Active(ctx context.Context, tenantID, siteID, name string) (models.PolicyVersion, error)
}

// ReleaseSource resolves the active release for trace stamping.
type ReleaseSource interface {
	Active(ctx context.Context, tenantID, siteID string) (models.Release, error)
}

// ExperimentSource assigns sticky experiment variants.
type ExperimentSource interface {
	Assign(ctx context.Context, tenantID, siteID, experimentID, subjectKey string) (models.ExperimentAssignment, error)
}

// Runtime orchestrates dialog turns.
type Runtime struct {
	tools       *toolclient.Client
	gates       GateSource
	llm         *llm.Client
	memory      memory.Store
	traces      TraceWriter
	releases    ReleaseSource
	experiments ExperimentSource
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	deadline    time.Duration
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithReleaseSource stamps traces with the active release and experiment.
func WithReleaseSource(releases ReleaseSource, experiments ExperimentSource) Option {
	return func(r *Runtime) {
		r.releases = releases
		r.experiments = experiments
	}
}

// WithTurnDeadline overrides the per-turn deadline.
func WithTurnDeadline(d time.Duration) Option {
	return func(r *Runtime) { r.deadline = d }
}

// WithMetrics attaches turn metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer opens a span per turn.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// NewRuntime wires the pipeline.
func NewRuntime(tools *toolclient.Client, gates GateSource, llmClient *llm.Client, mem memory.Store, traces TraceWriter, logger *observability.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		tools:    tools,
		gates:    gates,
		llm:      llmClient,
		memory:   mem,
		traces:   traces,
		logger:   logger,
		deadline: DefaultTurnDeadline,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// turnState accumulates everything the trace write needs.
type turnState struct {
	req       models.ChatRequest
	start     time.Time
	tc        tool.Context
	buf       *toolclient.AuditBuffer
	profile   models.NPCProfile
	prompt    promptInfo
	citations []models.Citation
	evidence  models.RetrievalResult

	releaseID  string
	expID      string
	expVariant string

	mode         models.PolicyMode
	reason       string
	gateBlocked  bool
	answer       string
	llmResp      *llm.Response
	providerName string
	modelName    string
}

// promptInfo mirrors the get_prompt_active tool output.
type promptInfo struct {
	PromptText string              `json:"prompt_text"`
	PromptType models.PromptType   `json:"prompt_type"`
	Version    int                 `json:"version,omitempty"`
	Source     models.PromptSource `json:"source"`
	Policy     models.PromptPolicy `json:"policy,omitempty"`
}

// Chat runs one turn. The returned error is reserved for protocol-level
// failures; policy downgrades and degraded paths come back as a normal
// response.
func (r *Runtime) Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	if req.Query == "" {
		return models.ChatResponse{}, fmt.Errorf("query is required")
	}

	st := &turnState{
		req:   req,
		start: time.Now(),
		buf:   &toolclient.AuditBuffer{},
		mode:  models.PolicyModeNormal,
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	st.req = req
	st.tc = tool.Context{
		TenantID:  req.TenantID,
		SiteID:    req.SiteID,
		TraceID:   req.TraceID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		NPCID:     req.NPCID,
	}

	ctx = observability.WithTraceID(ctx, req.TraceID)
	ctx = observability.WithSessionID(ctx, req.SessionID)
	if r.tracer != nil {
		var span oteltrace.Span
		ctx, span = r.tracer.Start(ctx, "dialog.chat",
			attribute.String("tenant_id", req.TenantID),
			attribute.String("site_id", req.SiteID),
			attribute.String("npc_id", req.NPCID),
		)
		defer span.End()
	}
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	r.resolveRelease(ctx, st)

	// Persona is critical: without it there is no NPC to speak as.
	profileResult := r.tools.Call(ctx, st.tc, "get_npc_profile", map[string]any{"npc_id": req.NPCID}, st.buf)
	if !profileResult.Success {
		return r.abortTurn(ctx, st, "npc profile unavailable")
	}
	if err := decodeOutput(profileResult.Output, &st.profile); err != nil {
		return r.abortTurn(ctx, st, "npc profile undecodable")
	}

	promptResult := r.tools.Call(ctx, st.tc, "get_prompt_active", map[string]any{
		"npc_id":      req.NPCID,
		"prompt_type": string(models.PromptTypeSystem),
	}, st.buf)
	if !promptResult.Success {
		return r.abortTurn(ctx, st, "active prompt unavailable")
	}
	if err := decodeOutput(promptResult.Output, &st.prompt); err != nil {
		return r.abortTurn(ctx, st, "active prompt undecodable")
	}

	memoryContext := r.sessionContext(ctx, st)
	r.retrieve(ctx, st)
	if err := r.cancelled(ctx, st); err != nil {
		return models.ChatResponse{}, err
	}

	g := r.gates.GateFor(ctx, req.TenantID, req.SiteID)
	gateStart := time.Now()
	pre := g.CheckBeforeLLM(ctx, req.Query, st.citations)
	if !pre.Passed {
		st.mode = pre.PolicyMode
		st.reason = pre.Reason
		st.gateBlocked = true
		st.answer = g.ConservativeText(st.prompt.Policy.ConservativeTemplate, pre.Intent.Label)
		st.buf.Add(models.ToolCallAudit{
			Name:      "evidence_gate",
			Status:    "blocked",
			Intent:    pre.Intent.Label,
			LatencyMS: time.Since(gateStart).Milliseconds(),
		})
	} else {
		if err := r.generate(ctx, st, g, pre, memoryContext); err != nil {
			return models.ChatResponse{}, err
		}
	}

	r.validate(st, g, pre.Intent.Label)
	r.remember(ctx, st)
	r.writeTrace(ctx, st, models.TraceStatusSuccess, "")

	resp := r.respond(st)
	if r.metrics != nil {
		r.metrics.ChatTurns.WithLabelValues(req.TenantID, req.SiteID, string(resp.PolicyMode), string(models.TraceStatusSuccess)).Inc()
		r.metrics.ChatLatency.WithLabelValues(req.TenantID, req.SiteID).Observe(time.Since(st.start).Seconds())
	}
	return resp, nil
}

// resolveRelease stamps the turn with the active release and, when one is
// bound, the sticky experiment variant. Absence of either is normal.
func (r *Runtime) resolveRelease(ctx context.Context, st *turnState) {
	if r.releases == nil {
		return
	}
	rel, err := r.releases.Active(ctx, st.req.TenantID, st.req.SiteID)
	if err != nil {
		return
	}
	st.releaseID = rel.ID
	if rel.Payload.ExperimentID == "" || r.experiments == nil {
		return
	}
	subject := st.req.SessionID
	if subject == "" {
		subject = st.req.UserID
	}
	assignment, err := r.experiments.Assign(ctx, st.req.TenantID, st.req.SiteID, rel.Payload.ExperimentID, subject)
	if err != nil {
		r.logger.Warn(ctx, "experiment assignment failed", "experiment_id", rel.Payload.ExperimentID, "error", err)
		return
	}
	st.expID = rel.Payload.ExperimentID
	st.expVariant = assignment.Variant
}

// sessionContext pulls recent messages and the preference record and wraps
// them behind the memory disclaimer. Memory failures degrade to an empty
// suffix.
func (r *Runtime) sessionContext(ctx context.Context, st *turnState) string {
	if r.memory == nil {
		return ""
	}
	scope := memory.Scope{
		TenantID:  st.req.TenantID,
		SiteID:    st.req.SiteID,
		SessionID: st.req.SessionID,
		NPCID:     st.req.NPCID,
	}
	messages, err := r.memory.RecentMessages(ctx, scope, 10, memory.DefaultMaxChars)
	if err != nil {
		r.logger.Warn(ctx, "session memory read failed", "error", err)
		return ""
	}
	pref, err := r.memory.Preference(ctx, st.req.TenantID, st.req.SiteID, st.req.UserID)
	if err != nil {
		pref = models.Preference{}
	}
	return memory.ComposeContext(messages, pref)
}

func (r *Runtime) retrieve(ctx context.Context, st *turnState) {
	result := r.tools.Call(ctx, st.tc, "retrieve_evidence", map[string]any{
		"query": st.req.Query,
		"limit": float64(5),
	}, st.buf)
	if !result.Success {
		// Important tool: degrade with no citations, the gate decides.
		st.evidence = models.RetrievalResult{Hits: []models.EvidenceHit{}, StrategyUsed: "none", FallbackReason: "tool_error"}
		return
	}
	if err := decodeOutput(result.Output, &st.evidence); err != nil {
		st.evidence = models.RetrievalResult{Hits: []models.EvidenceHit{}, StrategyUsed: "none", FallbackReason: "undecodable"}
		return
	}
	for _, hit := range st.evidence.Hits {
		st.citations = append(st.citations, models.Citation{
			EvidenceID: hit.Evidence.ID,
			Title:      hit.Evidence.Title,
			SourceRef:  hit.Evidence.SourceRef,
			Excerpt:    truncate(hit.Evidence.Excerpt, citationExcerptLimit),
			Confidence: hit.Evidence.Confidence,
		})
	}
}

// generate invokes the LLM and applies the post-gate.
func (r *Runtime) generate(ctx context.Context, st *turnState, g *gate.Gate, pre gate.CheckResult, memoryContext string) error {
	system := st.prompt.PromptText
	if memoryContext != "" {
		system += "\n\n" + memoryContext
	}

	maxTokens := st.profile.MaxResponseLength
	if maxTokens <= 0 {
		maxTokens = 512
	}
	req := llm.Request{
		SystemPrompt: system,
		UserMessage:  st.req.Query,
		Citations:    st.citations,
		MaxTokens:    maxTokens,
		TraceID:      st.req.TraceID,
		NPCID:        st.req.NPCID,
	}

	fallbackText := g.ConservativeText(st.prompt.Policy.ConservativeTemplate, pre.Intent.Label)
	llmStart := time.Now()
	resp := r.llm.GenerateWithFallback(ctx, req, fallbackText)
	if err := r.cancelled(ctx, st); err != nil {
		return err
	}

	st.llmResp = resp
	st.answer = resp.Text
	st.providerName = r.llm.ProviderName()
	st.modelName = r.llm.ModelName()
	generateStatus := "success"
	if resp.FinishReason == "fallback" {
		st.reason = "llm_fallback"
		generateStatus = "fallback"
	}
	st.buf.Add(models.ToolCallAudit{
		Name:      "llm_generate",
		Status:    generateStatus,
		LatencyMS: time.Since(llmStart).Milliseconds(),
	})

	if pre.RequiresFiltering {
		post := g.CheckAfterLLM(st.req.Query, st.answer, st.citations, pre.Intent)
		if !post.Passed {
			st.answer = gate.Filter(st.answer)
			st.mode = models.PolicyModeConservative
			st.reason = post.Reason
			st.gateBlocked = true
			st.buf.Add(models.ToolCallAudit{
				Name:   "evidence_gate",
				Status: "blocked",
				Intent: pre.Intent.Label,
			})
		}
	}
	return nil
}

// validate applies the NPC's own constraints after the gate.
func (r *Runtime) validate(st *turnState, g *gate.Gate, intent string) {
	for _, topic := range st.profile.ForbiddenTopics {
		if topic != "" && strings.Contains(strings.ToLower(st.answer), strings.ToLower(topic)) {
			st.mode = models.PolicyModeRefuse
			st.reason = "forbidden topic in response"
			st.answer = g.ConservativeText(st.profile.FallbackTemplate, intent)
			return
		}
	}
	if limit := st.profile.MaxResponseLength; limit > 0 && len([]rune(st.answer)) > limit {
		st.answer = truncate(st.answer, limit)
	}
	if st.profile.MustCite && st.mode == models.PolicyModeNormal && len(st.citations) == 0 {
		st.mode = models.PolicyModeRefuse
		st.reason = "citation required but none available"
		st.answer = g.ConservativeText(st.profile.FallbackTemplate, intent)
	}
}

// remember appends the turn to session memory. Failure is logged, never
// fatal.
func (r *Runtime) remember(ctx context.Context, st *turnState) {
	if r.memory == nil {
		return
	}
	scope := memory.Scope{
		TenantID:  st.req.TenantID,
		SiteID:    st.req.SiteID,
		SessionID: st.req.SessionID,
		NPCID:     st.req.NPCID,
	}
	now := time.Now().UTC()
	for _, msg := range []models.MemoryMessage{
		{Role: "user", Content: st.req.Query, Timestamp: now, TraceID: st.req.TraceID},
		{Role: "assistant", Content: st.answer, Timestamp: now, TraceID: st.req.TraceID},
	} {
		if err := r.memory.AppendMessage(ctx, scope, msg); err != nil {
			r.logger.Warn(ctx, "session memory append failed", "error", err)
			return
		}
	}
}

// cancelled writes the partial trace when the turn deadline fired.
func (r *Runtime) cancelled(ctx context.Context, st *turnState) error {
	if ctx.Err() == nil {
		return nil
	}
	r.writeTrace(context.WithoutCancel(ctx), st, models.TraceStatusError, "cancelled")
	return fmt.Errorf("turn cancelled: %w", ctx.Err())
}

// abortTurn handles a critical-tool failure: canned apology, error trace.
func (r *Runtime) abortTurn(ctx context.Context, st *turnState, reason string) (models.ChatResponse, error) {
	if err := r.cancelled(ctx, st); err != nil {
		return models.ChatResponse{}, err
	}
	st.mode = models.PolicyModeConservative
	st.reason = reason
	st.gateBlocked = true
	st.answer = "I am sorry, I cannot help with that right now. Please try again in a moment."
	r.writeTrace(ctx, st, models.TraceStatusError, reason)
	return r.respond(st), nil
}

func (r *Runtime) writeTrace(ctx context.Context, st *turnState, status models.TraceStatus, errText string) {
	if r.traces == nil {
		return
	}
	record := models.TraceRecord{
		TraceID:        st.req.TraceID,
		TenantID:       st.req.TenantID,
		SiteID:         st.req.SiteID,
		SessionID:      st.req.SessionID,
		NPCID:          st.req.NPCID,
		Type:           models.RequestTypeNPCChat,
		RequestInput:   st.req.Query,
		ResponseOutput: st.answer,
		PolicyMode:     st.mode,
		PolicyReason:   st.reason,
		EvidenceIDs:    citationIDs(st.citations),
		ToolCalls:      st.buf.Drain(),
		PromptVersion:  st.prompt.Version,
		PromptSource:   st.prompt.Source,
		PersonaVersion: st.profile.Version,
		Status:         status,
		Error:          errText,
		LatencyMS:      time.Since(st.start).Milliseconds(),
		StartedAt:      st.start,
		CompletedAt:    time.Now(),

		ReleaseID:         st.releaseID,
		ExperimentID:      st.expID,
		ExperimentVariant: st.expVariant,
		StrategySnapshot: map[string]any{
			"retrieval_strategy": st.evidence.StrategyUsed,
			"fallback_reason":    st.evidence.FallbackReason,
		},
	}
	if st.llmResp != nil {
		record.ModelProvider = st.providerName
		record.ModelName = st.modelName
		record.TokensInput = st.llmResp.TokensInput
		record.TokensOutput = st.llmResp.TokensOutput
	}
	if err := r.traces.Append(ctx, record); err != nil {
		r.logger.Error(ctx, "trace write failed", "error", err)
	}
}

// respond assembles the final payload. Citations are withheld on refusals
// and on gate-forced conservative turns.
func (r *Runtime) respond(st *turnState) models.ChatResponse {
	citations := st.citations
	if st.mode == models.PolicyModeRefuse || (st.mode == models.PolicyModeConservative && st.gateBlocked) {
		citations = nil
	}
	if citations == nil {
		citations = []models.Citation{}
	}
	return models.ChatResponse{
		TraceID:           st.req.TraceID,
		SessionID:         st.req.SessionID,
		PolicyMode:        st.mode,
		AnswerText:        st.answer,
		Citations:         citations,
		FollowupQuestions: Followups(st.profile, st.citations, st.mode),
		NPCName:           st.profile.DisplayName,
		LatencyMS:         time.Since(st.start).Milliseconds(),
	}
}

// Followups suggests up to three next questions from the persona's domains
// and the top evidence titles. Refusals get none.
func Followups(profile models.NPCProfile, citations []models.Citation, mode models.PolicyMode) []string {
	if mode == models.PolicyModeRefuse {
		return []string{}
	}
	out := []string{}
	for _, c := range citations {
		if len(out) >= 2 {
			break
		}
		if c.Title != "" {
			out = append(out, fmt.Sprintf("Would you like to hear more about %s?", c.Title))
		}
	}
	for _, domain := range profile.Domains {
		if len(out) >= maxFollowups {
			break
		}
		out = append(out, fmt.Sprintf("Shall I tell you something about %s?", domain))
	}
	return out
}

func citationIDs(citations []models.Citation) []string {
	out := make([]string, 0, len(citations))
	for _, c := range citations {
		out = append(out, c.EvidenceID)
	}
	return out
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// decodeOutput converts a tool output into a typed value. In-process calls
// return the concrete type; cached calls come back as decoded JSON.
func decodeOutput[T any](output any, dest *T) error {
	if v, ok := output.(T); ok {
		*dest = v
		return nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
