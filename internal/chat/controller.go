package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/store"
	"github.com/entrepeneur4lyf/convostore/internal/timeline"
	"github.com/google/uuid"
)

const defaultContextWindow = 10

var (
	ErrUnsuccessful    = errors.New("backend reported failure")
	ErrEmptyTranscript = errors.New("transcription produced no text")
)

// Options configures a Controller
type Options struct {
	// ContextWindow is how many prior Sent messages accompany a send
	ContextWindow int
	Logger        *log.Logger
	NewID         func() string
}

// Controller owns the request flow around a Store. The store itself never
// performs I/O; everything asynchronous happens here and lands in the store
// through its operations.
type Controller struct {
	store         *store.Store
	transport     Transport
	contextWindow int
	newID         func() string
	logger        *log.Logger
}

// NewController creates a controller for s backed by t
func NewController(s *store.Store, t Transport, opts Options) *Controller {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = defaultContextWindow
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Controller{
		store:         s,
		transport:     t,
		contextWindow: opts.ContextWindow,
		newID:         opts.NewID,
		logger:        opts.Logger.WithPrefix("chat"),
	}
}

// Store returns the store driven by the controller
func (c *Controller) Store() *store.Store {
	return c.store
}

// Init loads the most recent page of history as a resync. On failure the
// timeline is left untouched and the store stays uninitialized. A response
// overtaken by a newer Init or Refresh, or by a load-more page, is dropped
// with store.ErrStalePage.
func (c *Controller) Init(ctx context.Context) error {
	c.store.SetLoading(true)
	defer c.store.SetLoading(false)

	epoch := c.store.BeginResync()
	res, err := c.transport.FetchHistoryPage(ctx, 1, c.store.Cursor().PageSize)
	if err == nil && !res.Success {
		err = ErrUnsuccessful
	}
	if err != nil {
		c.logger.Warn("initial history load failed", "err", err)
		return fmt.Errorf("load history: %w", err)
	}

	return c.store.ApplyResync(epoch, c.fromRaw(res.History, 1), res.HasMore)
}

// Send adds content optimistically and delivers it. The returned ticket
// identifies the message whether or not delivery succeeded.
func (c *Controller) Send(ctx context.Context, content string) (store.Ticket, error) {
	ticket, err := c.store.AddOptimisticMessage(content)
	if err != nil {
		return store.Ticket{}, err
	}
	return ticket, c.deliver(ctx, ticket, message.Message{ID: ticket.ID, Content: content})
}

// Retry re-sends a failed message under a new attempt. It reports false when
// id does not name a failed message; nothing is sent then.
func (c *Controller) Retry(ctx context.Context, id string) (bool, error) {
	ticket, m, ok := c.store.RetryMessage(id)
	if !ok {
		return false, nil
	}
	return true, c.deliver(ctx, ticket, m)
}

// RetryAll retries every failed message in timeline order
func (c *Controller) RetryAll(ctx context.Context) error {
	var errs []error
	for _, m := range c.store.State().Failed() {
		if _, err := c.Retry(ctx, m.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadMore fetches the next older page. Only one load-more runs at a time;
// it reports false when another is in flight or history is exhausted.
func (c *Controller) LoadMore(ctx context.Context) (bool, error) {
	if !c.store.TryBeginLoadMore() {
		return false, nil
	}
	defer c.store.SetLoadingMore(false)

	cursor := c.store.Cursor()
	page := cursor.NextPage()
	res, err := c.transport.FetchHistoryPage(ctx, page, cursor.PageSize)
	if err == nil && !res.Success {
		err = ErrUnsuccessful
	}
	if err != nil {
		c.logger.Warn("load more failed", "page", page, "err", err)
		return true, fmt.Errorf("load page %d: %w", page, err)
	}

	return true, c.store.AddHistoryMessages(c.fromRaw(res.History, page), res.HasMore, page, true)
}

// Refresh refetches page 1 as a resync, keeping local unsent messages
func (c *Controller) Refresh(ctx context.Context) error {
	return c.Init(ctx)
}

// SendVoice transcribes audio and sends the transcript as a user message
func (c *Controller) SendVoice(ctx context.Context, audio io.Reader, filename string) (store.Ticket, error) {
	text, err := c.transport.TranscribeAudio(ctx, audio, filename)
	if err != nil {
		return store.Ticket{}, fmt.Errorf("transcribe: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return store.Ticket{}, ErrEmptyTranscript
	}
	return c.Send(ctx, text)
}

// Listen applies assistant messages from r until ctx ends or the stream closes
func (c *Controller) Listen(ctx context.Context, r Receiver) error {
	ch, err := r.Receive(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	for raw := range ch {
		m, err := message.FromRaw(raw)
		if err != nil {
			c.logger.Warn("stream message skipped", "id", raw.ID, "err", err)
			continue
		}
		if err := c.store.AddReceivedMessage(c.settle(m)); err != nil {
			c.logger.Warn("stream message rejected", "id", m.ID, "err", err)
		}
	}
	return ctx.Err()
}

// deliver sends m under ticket. A failure the backend reports after saving
// the message leaves the saved id on the failed message, so a retry names it
// instead of saving another copy.
func (c *Controller) deliver(ctx context.Context, ticket store.Ticket, m message.Message) error {
	history := c.store.RecentMessagesForContext(c.contextWindow, ticket.ID)

	res, err := c.transport.SendMessage(ctx, m, history)
	if err == nil && !res.Success {
		err = ErrUnsuccessful
		if res.Error != "" {
			err = fmt.Errorf("%w: %s", ErrUnsuccessful, res.Error)
		}
	}
	if err != nil {
		c.logger.Warn("send failed", "id", ticket.ID, "attempt", ticket.Attempt, "saved", res.ServerMessageID, "err", err)
		info := message.ErrorInfo{Cause: err.Error(), ServerID: res.ServerMessageID}
		if markErr := c.store.MarkMessageFailed(ticket, info); markErr != nil {
			c.logger.Debug("failure not recorded", "id", ticket.ID, "err", markErr)
		}
		return err
	}

	err = c.store.ConfirmMessage(ticket, store.Confirmation{
		ServerID:        res.ServerMessageID,
		ServerTimestamp: res.UserTimestamp,
		Metadata:        res.Metadata,
	})
	if err != nil {
		return err
	}

	if reply, ok := c.reply(res); ok {
		if err := c.store.AddReceivedMessage(c.settle(reply)); err != nil {
			c.logger.Warn("reply rejected", "id", reply.ID, "err", err)
		}
	}
	return nil
}

func (c *Controller) reply(res SendResult) (message.Message, bool) {
	if res.Reply != nil {
		m, err := message.FromRaw(*res.Reply)
		if err == nil {
			return m, true
		}
		c.logger.Warn("reply payload skipped", "err", err)
	}
	if strings.TrimSpace(res.Response) == "" {
		return message.Message{}, false
	}
	return message.Message{
		ID:       c.newID(),
		Content:  res.Response,
		Author:   message.AuthorAssistant,
		Metadata: res.Metadata,
	}, true
}

// settle drops a live message's server timestamp when it would not land
// after what the timeline already holds; the store then stamps it at the tail.
func (c *Controller) settle(m message.Message) message.Message {
	if m.ServerTimestamp == nil {
		return m
	}
	if _, ok := c.store.Message(m.ID); ok {
		return m
	}
	if latest := timeline.Latest(c.store.State().Messages); !m.ServerTimestamp.After(latest) {
		m.ServerTimestamp = nil
		m.ClientTimestamp = time.Time{}
	}
	return m
}

func (c *Controller) fromRaw(raws []message.RawMessage, page int) []message.Message {
	msgs, skipped := message.FromRawBatch(raws)
	if skipped > 0 {
		c.logger.Warn("history entries skipped", "page", page, "skipped", skipped)
	}
	return msgs
}
