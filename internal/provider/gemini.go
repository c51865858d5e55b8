package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/Iron-Ham/draftsmith/internal/errors"
)

const geminiModel = "gemini-2.5-flash"

// GeminiChannel sends prompts to the Gemini API.
type GeminiChannel struct {
	model   string
	apiKey  string
	keyEnv  string
	baseURL string
	timeout time.Duration
}

// NewGeminiChannel creates a channel from settings.
func NewGeminiChannel(s Settings) *GeminiChannel {
	s = s.withDefaults(NameGemini)
	return &GeminiChannel{
		model:   s.Model,
		apiKey:  lookupKey(s.APIKeyEnv),
		keyEnv:  s.APIKeyEnv,
		baseURL: s.BaseURL,
		timeout: s.Timeout,
	}
}

// Name returns "gemini".
func (c *GeminiChannel) Name() string { return string(NameGemini) }

// Model returns the model the channel requests.
func (c *GeminiChannel) Model() string { return c.model }

// Usable reports whether an API key is available.
func (c *GeminiChannel) Usable() error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: gemini has no API key (set %s)", errors.ErrProviderUnavailable, c.keyEnv)
	}
	return nil
}

// Complete sends the prompt with earlier turns as conversation history and
// returns the reply text.
func (c *GeminiChannel) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := c.Usable(); err != nil {
		return "", err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cfg := &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("create gemini client: %w", err)
	}

	contents := make([]*genai.Content, 0, len(prompt.History)+1)
	for _, h := range prompt.History {
		role := genai.Role(genai.RoleUser)
		if h.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(h.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(prompt.User, genai.RoleUser))

	var gen *genai.GenerateContentConfig
	if prompt.System != "" {
		gen = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(prompt.System, genai.RoleUser),
		}
	}

	resp, err := client.Models.GenerateContent(ctx, c.model, contents, gen)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: %w", errors.ErrEmptyCompletion)
	}
	return text, nil
}
