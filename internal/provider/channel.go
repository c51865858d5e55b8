// Package provider connects the iteration engine to language models.
//
// A Channel sends one prompt to a model and returns its reply. The Executor
// turns a step into a prompt, sends it through a Channel and parses the
// reply into an outline or draft.
package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// Name identifies a supported channel implementation.
type Name string

const (
	NameOpenAI   Name = "openai"
	NameDeepSeek Name = "deepseek"
	NameGemini   Name = "gemini"
	NameOffline  Name = "offline"
)

// Names lists every supported channel name.
func Names() []Name {
	return []Name{NameOpenAI, NameDeepSeek, NameGemini, NameOffline}
}

// Message is one earlier turn sent along with a prompt.
type Message struct {
	Role    string
	Content string
}

// Prompt is what a channel sends to the model.
type Prompt struct {
	System  string
	User    string
	History []Message

	// Step and the fields below describe the request in structured form for
	// channels that do not call a model.
	Step    types.StepType
	Idea    string
	Outline *types.Outline
	Current string
}

// Channel is a model endpoint.
type Channel interface {
	Name() string
	// Usable reports whether the channel has what it needs to make calls,
	// such as credentials. It does not contact the model.
	Usable() error
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// Settings configures a channel.
type Settings struct {
	Name    Name
	Model   string
	BaseURL string
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv  string
	MaxRetries int
	Timeout    time.Duration
}

// ErrUnknownChannel is returned when the configured channel is unsupported.
var ErrUnknownChannel = fmt.Errorf("unknown provider")

// NewChannel builds a Channel from settings. Missing credentials do not
// fail here; they surface through Usable and as provider failures when a
// step runs.
func NewChannel(s Settings) (Channel, error) {
	switch Name(strings.ToLower(string(s.Name))) {
	case NameOpenAI, "":
		return NewOpenAIChannel(s.withDefaults(NameOpenAI)), nil
	case NameDeepSeek:
		return NewOpenAIChannel(s.withDefaults(NameDeepSeek)), nil
	case NameGemini:
		return NewGeminiChannel(s), nil
	case NameOffline:
		return Offline(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, s.Name)
	}
}

func (s Settings) withDefaults(name Name) Settings {
	s.Name = name
	switch name {
	case NameDeepSeek:
		if s.BaseURL == "" {
			s.BaseURL = deepSeekBaseURL
		}
		if s.Model == "" {
			s.Model = deepSeekModel
		}
		if s.APIKeyEnv == "" {
			s.APIKeyEnv = "DEEPSEEK_API_KEY"
		}
	case NameGemini:
		if s.Model == "" {
			s.Model = geminiModel
		}
		if s.APIKeyEnv == "" {
			s.APIKeyEnv = "GEMINI_API_KEY"
		}
	default:
		if s.Model == "" {
			s.Model = defaultModel
		}
		if s.APIKeyEnv == "" {
			s.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	return s
}

func lookupKey(env string) string {
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}
