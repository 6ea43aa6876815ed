package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/entrepeneur4lyf/convostore/internal/message"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiResponder answers through the Gemini API. Gemini already speaks the
// user/model roles used on the wire.
type GeminiResponder struct {
	options Options

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiResponder creates a responder; the client is built on first use
func NewGeminiResponder(opts Options) *GeminiResponder {
	return &GeminiResponder{options: opts}
}

func (r *GeminiResponder) Name() string { return string(ProviderGemini) }

func (r *GeminiResponder) getClient(ctx context.Context) (*genai.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  r.options.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	r.client = client
	return client, nil
}

// Respond streams a completion and returns the accumulated text
func (r *GeminiResponder) Respond(ctx context.Context, history []message.RawMessage, content string) (Reply, error) {
	client, err := r.getClient(ctx)
	if err != nil {
		return Reply{}, err
	}

	turns := buildTurns(history, content)
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := message.RoleUser
		if t.assistant {
			role = message.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: t.text}},
		})
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(r.options.MaxTokens),
	}
	if r.options.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: r.options.SystemPrompt}},
		}
	}

	model := geminiModel(r.options.Model)
	var sb strings.Builder
	for result, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return Reply{}, fmt.Errorf("gemini stream: %w", err)
		}
		if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
			continue
		}
		for _, part := range result.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
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

func geminiModel(modelID string) string {
	if _, after, ok := strings.Cut(modelID, "/"); ok {
		modelID = after
	}
	if modelID == "" {
		return defaultGeminiModel
	}
	return modelID
}
