package completion

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/sandesh/pkg/prompt"
)

// AnthropicProvider implements Provider for the Anthropic messages API
type AnthropicProvider struct {
	client  anthropic.Client
	profile Profile
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(profile Profile) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey), option.WithMaxRetries(1)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	if profile.Model == "" {
		profile.Model = "claude-3-5-haiku-latest"
	}
	return &AnthropicProvider{
		client:  anthropic.NewClient(opts...),
		profile: profile,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends the payload turns with the system prompt set separately.
func (p *AnthropicProvider) Complete(ctx context.Context, payload prompt.Payload) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(payload.Turns)+1)
	for i, turn := range payload.Turns {
		if i == 0 && turn.Role == prompt.RoleAssistant {
			// the API expects the conversation to open with a user turn
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock("(conversation continues)")))
		}
		if turn.Role == prompt.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.profile.Model),
		Messages:  messages,
		MaxTokens: int64(p.profile.MaxTokens),
	}
	if payload.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: payload.System}}
	}
	if p.profile.Temperature > 0 {
		params.Temperature = anthropic.Float(p.profile.Temperature)
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	content := ""
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}
	return checkReply(content)
}
