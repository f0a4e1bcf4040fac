// Package llm abstracts text generation behind a provider interface with a
// shared retry policy, graceful fallback, and per-generation audit records.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// Request is one generation request.
type Request struct {
	SystemPrompt string
	UserMessage  string
	Context      map[string]string
	Citations    []models.Citation
	MaxTokens    int
	Temperature  float64
	TraceID      string
	NPCID        string
}

// Response is one generation result.
type Response struct {
	Text         string
	Model        string
	TokensInput  int
	TokensOutput int
	FinishReason string
	LatencyMS    int64
	Raw          any
}

// Provider is a single LLM backend.
type Provider interface {
	ProviderName() string
	ModelName() string

	// Generate runs one completion. Failures are *Error values.
	Generate(ctx context.Context, req Request) (*Response, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// hashInputLimit bounds how much prompt text enters the audit hash.
const hashInputLimit = 100

// RequestHash fingerprints a request for the audit record. Only the first
// 100 characters of the system and user text are hashed, so secrets
// appended later in the prompt never enter the digest.
func RequestHash(req Request) string {
	system := req.SystemPrompt
	if len(system) > hashInputLimit {
		system = system[:hashInputLimit]
	}
	user := req.UserMessage
	if len(user) > hashInputLimit {
		user = user[:hashInputLimit]
	}
	sum := sha256.Sum256([]byte(system + "|" + user))
	return hex.EncodeToString(sum[:])[:16]
}
