package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/entrepeneur4lyf/convostore/internal/message"
)

// AnthropicResponder answers through the Anthropic Messages API
type AnthropicResponder struct {
	options Options
	client  *anthropic.Client
}

// NewAnthropicResponder creates a responder using the official SDK
func NewAnthropicResponder(opts Options) *AnthropicResponder {
	client := anthropic.NewClient(
		option.WithAPIKey(opts.APIKey),
	)
	return &AnthropicResponder{options: opts, client: &client}
}

func (r *AnthropicResponder) Name() string { return string(ProviderAnthropic) }

// Respond streams a completion and returns the accumulated text
func (r *AnthropicResponder) Respond(ctx context.Context, history []message.RawMessage, content string) (Reply, error) {
	turns := buildTurns(history, content)
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.assistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.text)))
			continue
		}
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.text)))
	}

	model := anthropicModel(r.options.Model)
	params := anthropic.MessageNewParams{
		MaxTokens: int64(r.options.MaxTokens),
		Messages:  msgs,
		Model:     model,
	}
	if r.options.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: r.options.SystemPrompt}}
	}

	stream := r.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				sb.WriteString(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Reply{}, fmt.Errorf("anthropic stream: %w", err)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{
		Content:  text,
		Model:    string(model),
		Metadata: map[string]any{"provider": r.Name(), "model": string(model)},
	}, nil
}

// anthropicModel maps a configured model id to an SDK model, stripping any
// provider prefix and defaulting to the latest Sonnet.
func anthropicModel(modelID string) anthropic.Model {
	if _, after, ok := strings.Cut(modelID, "/"); ok {
		modelID = after
	}

	switch modelID {
	case "":
		return anthropic.ModelClaude3_5SonnetLatest
	case "claude-3.5-sonnet":
		return anthropic.ModelClaude3_5Sonnet20241022
	case "claude-3.5-haiku":
		return anthropic.ModelClaude3_5Haiku20241022
	case "claude-3-opus":
		return anthropic.ModelClaude_3_Opus_20240229
	default:
		return anthropic.Model(modelID)
	}
}
