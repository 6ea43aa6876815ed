// Package transport talks to the chat backend over HTTP and its websocket
// stream. Client satisfies chat.Transport and chat.Receiver.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/api"
	"github.com/entrepeneur4lyf/convostore/internal/chat"
	"github.com/entrepeneur4lyf/convostore/internal/message"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4 << 10
)

var ErrInvalidBaseURL = errors.New("invalid backend url")

// Options configures a Client
type Options struct {
	BaseURL        string
	ConversationID string
	HTTPClient     *http.Client
	Timeout        time.Duration
	Retry          RetryOptions
	Logger         *log.Logger
}

// Client is the HTTP side of the chat backend for one conversation
type Client struct {
	base           *url.URL
	conversationID string
	http           *http.Client
	retry          RetryOptions
	logger         *log.Logger
}

// New creates a client for opts.ConversationID at opts.BaseURL
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, opts.BaseURL)
	}
	if opts.ConversationID == "" {
		opts.ConversationID = "default"
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opts.Retry == (RetryOptions{}) {
		opts.Retry = DefaultRetryOptions()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Client{
		base:           base,
		conversationID: opts.ConversationID,
		http:           opts.HTTPClient,
		retry:          opts.Retry,
		logger:         opts.Logger.WithPrefix("transport"),
	}, nil
}

// ConversationID returns the conversation the client is bound to
func (c *Client) ConversationID() string {
	return c.conversationID
}

// SendMessage posts m with its context. A send is only retried on 429: any
// other failure may already have persisted the message. When the backend
// reports it saved the message before failing, the result carries that id
// alongside the error.
func (c *Client) SendMessage(ctx context.Context, m message.Message, history []message.Message) (chat.SendResult, error) {
	req := api.SendRequest{
		Content:   m.Content,
		MessageID: m.ServerID,
		Context:   make([]message.RawMessage, len(history)),
	}
	for i, h := range history {
		req.Context[i] = message.ToRaw(h)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return chat.SendResult{}, err
	}

	var out api.SendResponse
	err = withRetry(ctx, c.retry, IsRateLimited, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, c.messagesPath(), nil, body, "application/json", &out)
	})
	if err != nil {
		return chat.SendResult{
			ServerMessageID: out.ServerMessageID,
			UserTimestamp:   out.UserTimestamp,
			Error:           out.Error,
		}, err
	}

	return chat.SendResult{
		Success:         out.Success,
		Response:        out.Response,
		ServerMessageID: out.ServerMessageID,
		UserTimestamp:   out.UserTimestamp,
		Reply:           out.Reply,
		Metadata:        out.Metadata,
		Error:           out.Error,
	}, nil
}

// FetchHistoryPage reads one page of history; page 1 is the newest
func (c *Client) FetchHistoryPage(ctx context.Context, page, pageSize int) (chat.HistoryPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(pageSize))
	}

	var out api.HistoryResponse
	err := withRetry(ctx, c.retry, retryIdempotent, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, c.messagesPath(), query, nil, "", &out)
	})
	if err != nil {
		return chat.HistoryPage{}, err
	}
	return chat.HistoryPage{Success: out.Success, History: out.History, HasMore: out.HasMore}, nil
}

// TranscribeAudio uploads audio and returns the transcript
func (c *Client) TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out api.TranscribeResponse
	err = withRetry(ctx, c.retry, IsRateLimited, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/transcribe", nil, buf.Bytes(), mw.FormDataContentType(), &out)
	})
	if err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("%w: %s", chat.ErrUnsuccessful, out.Error)
	}
	return out.Transcript, nil
}

// Health checks that the backend is up
func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil, "", &out)
}

func (c *Client) messagesPath() string {
	return "/api/conversations/" + url.PathEscape(c.conversationID) + "/messages"
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		// error bodies share the response shape; keep what decodes
		_ = json.Unmarshal(raw, out)
		return newStatusError(resp, errorMessage(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage pulls the "error" field out of a JSON error body
func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

// retryIdempotent retries reads on retryable statuses and network errors
func retryIdempotent(err error) bool {
	if IsRetryable(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

var (
	_ chat.Transport = (*Client)(nil)
	_ chat.Receiver  = (*Client)(nil)
)
