package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/internal/retry"
	"github.com/lorekeep/lorekeep/pkg/models"
)

type scriptedProvider struct {
	responses []*Response
	errs      []error
	calls     int
}

func (p *scriptedProvider) ProviderName() string { return "scripted" }
func (p *scriptedProvider) ModelName() string    { return "scripted-model" }

func (p *scriptedProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	i := p.calls
	p.calls++
	if i >= len(p.errs) {
		i = len(p.errs) - 1
	}
	if p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) HealthCheck(ctx context.Context) error { return nil }

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestErrorTypeRetryable(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{ErrorAuth, false},
		{ErrorRateLimit, true},
		{ErrorTimeout, true},
		{ErrorNetwork, true},
		{ErrorServer, true},
		{ErrorInvalidRequest, false},
		{ErrorContentFilter, false},
		{ErrorUnknown, false},
	}
	for _, tt := range tests {
		if got := tt.errType.Retryable(); got != tt.retryable {
			t.Errorf("%s.Retryable() = %v, want %v", tt.errType, got, tt.retryable)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorType
	}{
		{"context deadline exceeded", ErrorTimeout},
		{"429 too many requests", ErrorRateLimit},
		{"invalid api key", ErrorAuth},
		{"connection refused", ErrorNetwork},
		{"internal server error", ErrorServer},
		{"blocked by content policy", ErrorContentFilter},
		{"something odd", ErrorUnknown},
	}
	for _, tt := range tests {
		if got := Classify(errors.New(tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestGenerateRetriesTransient(t *testing.T) {
	provider := &scriptedProvider{
		errs:      []error{&Error{Type: ErrorServer, Message: "boom"}, nil},
		responses: []*Response{nil, {Text: "ok", TokensInput: 10, TokensOutput: 5}},
	}
	client := NewClient(provider, testLogger(), WithRetryConfig(fastRetry(3)))

	resp, err := client.Generate(context.Background(), Request{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q", resp.Text)
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
}

func TestGenerateShortCircuitsNonRetryable(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{&Error{Type: ErrorAuth, Message: "bad key"}},
	}
	client := NewClient(provider, testLogger(), WithRetryConfig(fastRetry(5)))

	_, err := client.Generate(context.Background(), Request{UserMessage: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1 for auth error", provider.calls)
	}
	llmErr, ok := AsError(err)
	if !ok || llmErr.Type != ErrorAuth {
		t.Errorf("error = %v, want auth", err)
	}
}

func TestGenerateWithFallback(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{&Error{Type: ErrorInvalidRequest, Message: "nope"}},
	}

	var audits []models.LLMAudit
	sink := AuditFunc(func(ctx context.Context, audit models.LLMAudit) {
		audits = append(audits, audit)
	})
	client := NewClient(provider, testLogger(), WithRetryConfig(fastRetry(2)), WithAuditSink(sink))

	resp := client.GenerateWithFallback(context.Background(), Request{TraceID: "tr-1", UserMessage: "hi"}, "sorry, let me get back to you")
	if resp.FinishReason != "fallback" {
		t.Errorf("FinishReason = %q, want fallback", resp.FinishReason)
	}
	if resp.Text != "sorry, let me get back to you" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.TokensInput != 0 || resp.TokensOutput != 0 {
		t.Errorf("fallback response carries token counts")
	}

	// Error audit then fallback audit.
	if len(audits) != 2 {
		t.Fatalf("got %d audits, want 2", len(audits))
	}
	if audits[0].Status != "error" || audits[1].Status != "fallback" {
		t.Errorf("audit statuses = %s, %s", audits[0].Status, audits[1].Status)
	}
	if !audits[1].Fallback {
		t.Error("fallback audit not marked")
	}
}

func TestSandboxProvider(t *testing.T) {
	provider := SandboxProvider{}

	resp, err := provider.Generate(context.Background(), Request{
		UserMessage: "when was the tower built",
		Citations: []models.Citation{
			{Title: "Bell Tower", Excerpt: "Raised during the old dynasty."},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "According to Bell Tower: Raised during the old dynasty." {
		t.Errorf("Text = %q", resp.Text)
	}

	// Without citations the canned answer is conservative.
	resp, _ = provider.Generate(context.Background(), Request{UserMessage: "anything"})
	if resp.Text == "" || resp.FinishReason != "stop" {
		t.Errorf("conservative response = %+v", resp)
	}
}

func TestRequestHashStableAndBounded(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}

	a := RequestHash(Request{SystemPrompt: string(long), UserMessage: "q"})
	b := RequestHash(Request{SystemPrompt: string(long) + "secret-tail", UserMessage: "q"})
	if a != b {
		t.Error("hash depends on text beyond the first 100 chars")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}

	c := RequestHash(Request{SystemPrompt: "different", UserMessage: "q"})
	if a == c {
		t.Error("different prompts produced the same hash")
	}
}

func TestComposeUserMessage(t *testing.T) {
	msg := ComposeUserMessage(Request{
		UserMessage: "when was it built",
		Citations: []models.Citation{
			{Title: "Tower", Excerpt: "old"},
			{Title: "Annex", Excerpt: "newer"},
		},
	})
	if msg == "when was it built" {
		t.Error("citations not rendered")
	}
	for _, want := range []string{"[1] Tower: old", "[2] Annex: newer", "Question: when was it built"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}
