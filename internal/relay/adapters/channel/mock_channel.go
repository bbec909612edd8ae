package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/anonrelay/relay/internal/relay/domain"
)

// SentRecord captures one delivery made through the mock channel.
type SentRecord struct {
	ChatRef       string
	ContentType   domain.ContentType
	Text          string
	AttachmentRef string
	Caption       string
	Receipt       Receipt
}

// MockChannel is a simulated transport for testing and development. It
// records every send, hands out uuid receipts, and lets tests inject
// inbound events and per-chat failures.
type MockChannel struct {
	logger *slog.Logger

	mu       sync.Mutex
	sent     []SentRecord
	failFor  map[string]error
	failRate float64

	events chan Event
}

// NewMockChannel creates a new MockChannel. failRate in [0.0, 1.0] makes a
// fraction of sends fail at random, for soak-style development runs.
func NewMockChannel(logger *slog.Logger, failRate float64) *MockChannel {
	return &MockChannel{
		logger:   logger.With("channel", "mock"),
		failFor:  make(map[string]error),
		failRate: failRate,
		events:   make(chan Event, 100),
	}
}

func (c *MockChannel) SendText(ctx context.Context, chatRef string, text string) (*Receipt, error) {
	return c.record(ctx, SentRecord{ChatRef: chatRef, ContentType: domain.ContentTypeText, Text: text})
}

func (c *MockChannel) SendMedia(ctx context.Context, chatRef string, kind domain.ContentType, attachmentRef, caption string) (*Receipt, error) {
	return c.record(ctx, SentRecord{ChatRef: chatRef, ContentType: kind, AttachmentRef: attachmentRef, Caption: caption})
}

func (c *MockChannel) record(ctx context.Context, rec SentRecord) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err, ok := c.failFor[rec.ChatRef]; ok {
		c.logger.WarnContext(ctx, "MockChannel: injected send failure", "chat_ref", rec.ChatRef)
		return nil, err
	}
	if c.failRate > 0 && rand.Float64() < c.failRate {
		return nil, fmt.Errorf("mock channel simulated failure for chat %s", rec.ChatRef)
	}

	rec.Receipt = Receipt{Ref: uuid.NewString()}
	c.sent = append(c.sent, rec)
	c.logger.DebugContext(ctx, "MockChannel: sent",
		"chat_ref", rec.ChatRef, "content_type", rec.ContentType, "receipt", rec.Receipt.Ref)
	receipt := rec.Receipt
	return &receipt, nil
}

func (c *MockChannel) Events() <-chan Event {
	return c.events
}

// Inject feeds an inbound event, as if the transport delivered it.
func (c *MockChannel) Inject(ev Event) {
	c.events <- ev
}

// FailSendsTo makes every send to chatRef fail with err until cleared.
func (c *MockChannel) FailSendsTo(chatRef string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failFor, chatRef)
		return
	}
	c.failFor[chatRef] = err
}

// Sent returns a copy of everything delivered so far.
func (c *MockChannel) Sent() []SentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentRecord, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentTo returns deliveries to one conversation.
func (c *MockChannel) SentTo(chatRef string) []SentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SentRecord
	for _, rec := range c.sent {
		if rec.ChatRef == chatRef {
			out = append(out, rec)
		}
	}
	return out
}

// Close stops the event stream.
func (c *MockChannel) Close() {
	close(c.events)
}

var _ Channel = (*MockChannel)(nil)
