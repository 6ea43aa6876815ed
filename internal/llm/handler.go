// Package llm produces assistant replies and audio transcripts for the chat
// backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/entrepeneur4lyf/convostore/internal/message"
)

var (
	ErrUnknownProvider          = errors.New("unknown llm provider")
	ErrMissingAPIKey            = errors.New("api key is required")
	ErrEmptyReply               = errors.New("provider returned an empty reply")
	ErrTranscriptionUnavailable = errors.New("transcription is not configured")
)

// ProviderType names a reply backend
type ProviderType string

const (
	ProviderEcho       ProviderType = "echo"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderOpenAI     ProviderType = "openai"
	ProviderGemini     ProviderType = "gemini"
	ProviderOpenRouter ProviderType = "openrouter"
)

const defaultMaxTokens = 1024

// Reply is an assistant answer to one user turn
type Reply struct {
	Content  string
	Model    string
	Metadata map[string]any
}

// Responder answers a user turn given the preceding conversation
type Responder interface {
	Respond(ctx context.Context, history []message.RawMessage, content string) (Reply, error)
	Name() string
}

// Options configures a Responder
type Options struct {
	Provider     ProviderType
	Model        string
	APIKey       string
	SystemPrompt string
	MaxTokens    int
}

// ParseProvider maps a config value to a ProviderType
func ParseProvider(s string) (ProviderType, error) {
	switch p := ProviderType(strings.ToLower(strings.TrimSpace(s))); p {
	case "", ProviderEcho:
		return ProviderEcho, nil
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOpenRouter:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// BuildResponder creates the responder selected by opts
func BuildResponder(opts Options) (Responder, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	switch opts.Provider {
	case "", ProviderEcho:
		return NewEchoResponder(), nil
	case ProviderAnthropic:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
		}
		return NewAnthropicResponder(opts), nil
	case ProviderOpenAI:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
		}
		return NewOpenAIResponder(opts), nil
	case ProviderGemini:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
		}
		return NewGeminiResponder(opts), nil
	case ProviderOpenRouter:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openrouter: %w", ErrMissingAPIKey)
		}
		return NewOpenRouterResponder(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Provider)
	}
}

// turn is one prior message flattened for a provider request
type turn struct {
	assistant bool
	text      string
}

// buildTurns converts history plus the new content into alternating turns,
// dropping empty entries and merging consecutive turns from the same side.
func buildTurns(history []message.RawMessage, content string) []turn {
	turns := make([]turn, 0, len(history)+1)
	add := func(assistant bool, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].assistant == assistant {
			turns[n-1].text += "\n\n" + text
			return
		}
		turns = append(turns, turn{assistant: assistant, text: text})
	}

	for _, raw := range history {
		author, err := message.AuthorFromRole(raw.Role)
		if err != nil {
			continue
		}
		add(author == message.AuthorAssistant, raw.Content)
	}
	add(false, content)

	// providers expect the conversation to open with a user turn
	for len(turns) > 0 && turns[0].assistant {
		turns = turns[1:]
	}
	return turns
}
