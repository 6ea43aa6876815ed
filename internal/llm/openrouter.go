package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/revrost/go-openrouter"
)

const defaultOpenRouterModel = "openai/gpt-4o-mini"

// OpenRouterResponder answers through OpenRouter's chat completions API.
// Model ids keep their vendor prefix since OpenRouter routes on it.
type OpenRouterResponder struct {
	options Options
	client  *openrouter.Client
}

// NewOpenRouterResponder creates a responder
func NewOpenRouterResponder(opts Options) *OpenRouterResponder {
	return &OpenRouterResponder{
		options: opts,
		client:  openrouter.NewClient(opts.APIKey),
	}
}

func (r *OpenRouterResponder) Name() string { return string(ProviderOpenRouter) }

// Respond streams a completion and returns the accumulated text
func (r *OpenRouterResponder) Respond(ctx context.Context, history []message.RawMessage, content string) (Reply, error) {
	turns := buildTurns(history, content)
	msgs := make([]openrouter.ChatCompletionMessage, 0, len(turns)+1)
	if r.options.SystemPrompt != "" {
		msgs = append(msgs, openrouter.ChatCompletionMessage{
			Role:    openrouter.ChatMessageRoleSystem,
			Content: openrouter.Content{Text: r.options.SystemPrompt},
		})
	}
	for _, t := range turns {
		role := openrouter.ChatMessageRoleUser
		if t.assistant {
			role = openrouter.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openrouter.ChatCompletionMessage{
			Role:    role,
			Content: openrouter.Content{Text: t.text},
		})
	}

	model := r.options.Model
	if model == "" {
		model = defaultOpenRouterModel
	}
	stream, err := r.client.CreateChatCompletionStream(ctx, openrouter.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("openrouter: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Reply{}, fmt.Errorf("openrouter stream: %w", err)
		}
		if len(resp.Choices) > 0 {
			sb.WriteString(resp.Choices[0].Delta.Content)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{
		Content:  text,
		Model:    model,
		Metadata: map[string]any{"provider": r.Name(), "model": model},
	}, nil
}
