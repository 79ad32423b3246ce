package completion

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/sandesh/pkg/prompt"
)

// OpenAIProvider implements Provider for the OpenAI chat completions API
type OpenAIProvider struct {
	client  openai.Client
	profile Profile
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(profile Profile) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey), option.WithMaxRetries(1)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	if profile.Model == "" {
		profile.Model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client:  openai.NewClient(opts...),
		profile: profile,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends the payload as a system message followed by the turns.
func (p *OpenAIProvider) Complete(ctx context.Context, payload prompt.Payload) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(payload.Turns)+1)
	if payload.System != "" {
		messages = append(messages, openai.SystemMessage(payload.System))
	}
	for _, turn := range payload.Turns {
		switch turn.Role {
		case prompt.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.profile.Model),
		Messages: messages,
	}
	if p.profile.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.profile.MaxTokens))
	}
	if p.profile.Temperature > 0 {
		params.Temperature = openai.Float(p.profile.Temperature)
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("openai: no response choices returned: %w", ErrEmptyCompletion)
	}

	return checkReply(response.Choices[0].Message.Content)
}
