package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrepeneur4lyf/convostore/internal/message"
)

// EchoResponder replies deterministically without calling any provider.
// It is the default backend and what the tests run against.
type EchoResponder struct{}

func NewEchoResponder() *EchoResponder { return &EchoResponder{} }

func (*EchoResponder) Name() string { return string(ProviderEcho) }

func (r *EchoResponder) Respond(ctx context.Context, history []message.RawMessage, content string) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{
		Content: fmt.Sprintf("echo: %s", content),
		Model:   "echo",
		Metadata: map[string]any{
			"provider": r.Name(),
			"context":  len(history),
		},
	}, nil
}
