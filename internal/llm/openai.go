package llm

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIResponder answers through the OpenAI chat completions API
type OpenAIResponder struct {
	options Options
	client  *openai.Client
}

// NewOpenAIResponder creates a responder using the official SDK
func NewOpenAIResponder(opts Options) *OpenAIResponder {
	client := openai.NewClient(
		option.WithAPIKey(opts.APIKey),
	)
	return &OpenAIResponder{options: opts, client: &client}
}

func (r *OpenAIResponder) Name() string { return string(ProviderOpenAI) }

// Respond streams a completion and returns the accumulated text
func (r *OpenAIResponder) Respond(ctx context.Context, history []message.RawMessage, content string) (Reply, error) {
	turns := buildTurns(history, content)
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if r.options.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(r.options.SystemPrompt))
	}
	for _, t := range turns {
		if t.assistant {
			msgs = append(msgs, openai.AssistantMessage(t.text))
			continue
		}
		msgs = append(msgs, openai.UserMessage(t.text))
	}

	model := openAIModel(r.options.Model)
	stream := r.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	})
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		evt := stream.Current()
		if len(evt.Choices) > 0 {
			sb.WriteString(evt.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return Reply{}, fmt.Errorf("openai stream: %w", err)
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

func openAIModel(modelID string) openai.ChatModel {
	if _, after, ok := strings.Cut(modelID, "/"); ok {
		modelID = after
	}
	switch modelID {
	case "":
		return openai.ChatModelGPT4oMini
	case "gpt-4o":
		return openai.ChatModelGPT4o
	default:
		return openai.ChatModel(modelID)
	}
}

// Transcriber turns recorded audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// OpenAITranscriber uses the Whisper transcription endpoint
type OpenAITranscriber struct {
	client *openai.Client
}

// NewOpenAITranscriber creates a Whisper transcriber
func NewOpenAITranscriber(apiKey string) *OpenAITranscriber {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAITranscriber{client: &client}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if filename == "" {
		filename = "audio.webm"
	}
	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(audio, filepath.Base(filename), audioContentType(filename)),
		Model: openai.AudioModelWhisper1,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// NoopTranscriber is used when no transcription backend is configured
type NoopTranscriber struct{}

func (NoopTranscriber) Transcribe(context.Context, io.Reader, string) (string, error) {
	return "", ErrTranscriptionUnavailable
}

func audioContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3", ".mpeg", ".mpga":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".ogg", ".oga":
		return "audio/ogg"
	default:
		return "audio/webm"
	}
}
