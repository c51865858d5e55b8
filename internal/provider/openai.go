package provider

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Iron-Ham/draftsmith/internal/errors"
)

const (
	defaultModel    = "gpt-4o-mini"
	deepSeekModel   = "deepseek-chat"
	deepSeekBaseURL = "https://api.deepseek.com/v1/"
)

// OpenAIChannel sends prompts through the chat completions API. It also
// serves OpenAI-compatible endpoints selected with a base URL.
type OpenAIChannel struct {
	name   string
	model  string
	apiKey string
	keyEnv string
	opts   []option.RequestOption
}

// NewOpenAIChannel creates a channel from settings.
func NewOpenAIChannel(s Settings) *OpenAIChannel {
	name := string(s.Name)
	if name == "" {
		name = string(NameOpenAI)
	}
	model := s.Model
	if model == "" {
		model = defaultModel
	}

	c := &OpenAIChannel{
		name:   name,
		model:  model,
		apiKey: lookupKey(s.APIKeyEnv),
		keyEnv: s.APIKeyEnv,
	}
	c.opts = append(c.opts, option.WithAPIKey(c.apiKey), option.WithMaxRetries(s.MaxRetries))
	if s.BaseURL != "" {
		c.opts = append(c.opts, option.WithBaseURL(s.BaseURL))
	}
	if s.Timeout > 0 {
		c.opts = append(c.opts, option.WithRequestTimeout(s.Timeout))
	}
	return c
}

// Name returns the channel name.
func (c *OpenAIChannel) Name() string { return c.name }

// Model returns the model the channel requests.
func (c *OpenAIChannel) Model() string { return c.model }

// Usable reports whether an API key is available.
func (c *OpenAIChannel) Usable() error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: %s has no API key (set %s)", errors.ErrProviderUnavailable, c.name, c.keyEnv)
	}
	return nil
}

// Complete sends the prompt and returns the first choice's content.
func (c *OpenAIChannel) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := c.Usable(); err != nil {
		return "", err
	}
	client := openai.NewClient(c.opts...)

	var msgs []openai.ChatCompletionMessageParamUnion
	if prompt.System != "" {
		msgs = append(msgs, openai.SystemMessage(prompt.System))
	}
	for _, h := range prompt.History {
		switch h.Role {
		case "assistant":
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(h.Content))
		default:
			msgs = append(msgs, openai.UserMessage(h.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(prompt.User))

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w", c.name, errors.ErrEmptyCompletion)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%s: %w", c.name, errors.ErrEmptyCompletion)
	}
	return content, nil
}
