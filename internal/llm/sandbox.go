package llm

import (
	"context"
	"fmt"
)

// SandboxProvider is the deterministic offline backend for tests and local
// runs. It never calls a network and never fails.
type SandboxProvider struct{}

func (SandboxProvider) ProviderName() string { return "sandbox" }
func (SandboxProvider) ModelName() string    { return "sandbox-canned" }

// Generate builds a canned answer from the first citation when present,
// else a conservative template.
func (SandboxProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	text := "I don't have reliable sources on that, so I'd rather not guess."
	if len(req.Citations) > 0 {
		first := req.Citations[0]
		text = fmt.Sprintf("According to %s: %s", first.Title, first.Excerpt)
	}
	return &Response{
		Text:         text,
		Model:        "sandbox-canned",
		FinishReason: "stop",
	}, nil
}

func (SandboxProvider) HealthCheck(ctx context.Context) error { return nil }
