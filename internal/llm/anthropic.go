package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider generates with the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a provider. An empty model defaults to
// claude-3-5-haiku-latest.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *AnthropicProvider) ProviderName() string { return "anthropic" }
func (p *AnthropicProvider) ModelName() string    { return p.model }

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(ComposeUserMessage(req))),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text:         text.String(),
		Model:        string(message.Model),
		TokensInput:  int(message.Usage.InputTokens),
		TokensOutput: int(message.Usage.OutputTokens),
		FinishReason: string(message.StopReason),
		LatencyMS:    time.Since(start).Milliseconds(),
		Raw:          message,
	}, nil
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return p.wrapError(err)
	}
	return nil
}

func (p *AnthropicProvider) wrapError(err error) error {
	llmErr := NewError("anthropic", p.model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		llmErr = llmErr.WithStatus(apiErr.StatusCode)
	}
	return llmErr
}

// ComposeUserMessage renders the user message with its citation block. The
// citations are the only fact source the model is allowed to draw on.
func ComposeUserMessage(req Request) string {
	if len(req.Citations) == 0 {
		return req.UserMessage
	}

	var b strings.Builder
	b.WriteString("Evidence:\n")
	for i, c := range req.Citations {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, c.Title, c.Excerpt)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(req.UserMessage)
	return b.String()
}
