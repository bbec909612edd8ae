package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	identitydomain "github.com/anonrelay/relay/internal/identity/domain"
	"github.com/anonrelay/relay/internal/relay/adapters/channel"
	relayapp "github.com/anonrelay/relay/internal/relay/app"
	relaydomain "github.com/anonrelay/relay/internal/relay/domain"
)

// --- Mocks ---

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) HandleInbound(ctx context.Context, ev channel.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockEngine) HandleOperatorReply(ctx context.Context, ev channel.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockEngine) Drain(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockEngine) Broadcast(ctx context.Context, payload channel.Event, operatorKey string) (int, int, error) {
	args := m.Called(ctx, payload, operatorKey)
	return args.Int(0), args.Int(1), args.Error(2)
}

func (m *MockEngine) Redrain(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockEngine) Notices() relayapp.Notices {
	return relayapp.NoticesFor("en")
}

type MockModRegistry struct {
	mock.Mock
}

func (m *MockModRegistry) Block(ctx context.Context, pseudonymID int64, reason string) (*identitydomain.User, error) {
	args := m.Called(ctx, pseudonymID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identitydomain.User), args.Error(1)
}

func (m *MockModRegistry) Unblock(ctx context.Context, pseudonymID int64) (*identitydomain.User, error) {
	args := m.Called(ctx, pseudonymID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identitydomain.User), args.Error(1)
}

func (m *MockModRegistry) GetByPseudonymID(ctx context.Context, pseudonymID int64) (*identitydomain.User, error) {
	args := m.Called(ctx, pseudonymID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identitydomain.User), args.Error(1)
}

func (m *MockModRegistry) AppendNote(ctx context.Context, pseudonymID int64, note string) (*identitydomain.User, error) {
	args := m.Called(ctx, pseudonymID, note)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identitydomain.User), args.Error(1)
}

func (m *MockModRegistry) ListBlocked(ctx context.Context) ([]*identitydomain.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*identitydomain.User), args.Error(1)
}

// --- Helpers ---

const (
	operatorChat    = "op-chat"
	supervisoryChat = "sup-chat"
)

func newTestRouter(t *testing.T) (*CommandRouter, *MockEngine, *MockModRegistry, *channel.MockChannel) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := new(MockEngine)
	registry := new(MockModRegistry)
	ch := channel.NewMockChannel(logger, 0)
	return NewCommandRouter(engine, registry, ch, operatorChat, supervisoryChat, logger), engine, registry, ch
}

func strPtr(s string) *string { return &s }

func blockedUser(key string, pseudonymID int64) *identitydomain.User {
	now := time.Now().UTC()
	return &identitydomain.User{
		UserKey: key, PseudonymID: pseudonymID, IsBlocked: true,
		BlockReason: strPtr("spam"), LastActivity: now, CreatedAt: now, UpdatedAt: now,
	}
}

func operatorCommand(text string) channel.Event {
	return channel.Event{
		SenderKey: "op-key", ChatRef: operatorChat,
		ContentType: relaydomain.ContentTypeText, Text: text,
	}
}

// --- Routing ---

func TestCommandRouter_UserMessageGoesInbound(t *testing.T) {
	router, engine, _, _ := newTestRouter(t)
	ev := channel.Event{
		SenderKey: "key-1", ChatRef: "chat-1",
		ContentType: relaydomain.ContentTypeText, Text: "hello",
	}
	engine.On("HandleInbound", mock.Anything, ev).Return(nil)

	router.handle(context.Background(), ev)
	engine.AssertExpectations(t)
}

func TestCommandRouter_UserStartGetsWelcome(t *testing.T) {
	router, engine, _, ch := newTestRouter(t)
	ev := channel.Event{
		SenderKey: "key-1", ChatRef: "chat-1",
		ContentType: relaydomain.ContentTypeText, Text: "/start",
	}

	router.handle(context.Background(), ev)

	sent := ch.SentTo("chat-1")
	require.Len(t, sent, 1)
	assert.Equal(t, relayapp.NoticesFor("en").Welcome, sent[0].Text)
	engine.AssertNotCalled(t, "HandleInbound", mock.Anything, mock.Anything)
}

func TestCommandRouter_PrivilegedCommandFromUserSilentlyDropped(t *testing.T) {
	// A user probing with operator commands must leave no trace: not
	// executed, not stored, not relayed, no response.
	for _, text := range []string{"/drain", "/block 5 spam", "/broadcast", "/blocklist"} {
		router, engine, registry, ch := newTestRouter(t)
		ev := channel.Event{
			SenderKey: "key-1", ChatRef: "chat-1",
			ContentType: relaydomain.ContentTypeText, Text: text,
		}

		router.handle(context.Background(), ev)

		engine.AssertNotCalled(t, "Drain", mock.Anything)
		engine.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything, mock.Anything)
		engine.AssertNotCalled(t, "HandleInbound", mock.Anything, mock.Anything)
		registry.AssertNotCalled(t, "Block", mock.Anything, mock.Anything, mock.Anything)
		registry.AssertNotCalled(t, "ListBlocked", mock.Anything)
		assert.Empty(t, ch.Sent(), "command %q should produce no sends", text)
	}
}

func TestCommandRouter_UnrecognizedSlashTextStillRelays(t *testing.T) {
	router, engine, _, _ := newTestRouter(t)
	ev := channel.Event{
		SenderKey: "key-1", ChatRef: "chat-1",
		ContentType: relaydomain.ContentTypeText, Text: "/shrug just venting",
	}
	engine.On("HandleInbound", mock.Anything, ev).Return(nil)

	router.handle(context.Background(), ev)
	engine.AssertExpectations(t)
}

func TestCommandRouter_SupervisoryChatIgnored(t *testing.T) {
	router, engine, _, ch := newTestRouter(t)
	ev := channel.Event{
		SenderKey: "sup-key", ChatRef: supervisoryChat,
		ContentType: relaydomain.ContentTypeText, Text: "who is user #3?",
	}

	router.handle(context.Background(), ev)

	engine.AssertNotCalled(t, "HandleInbound", mock.Anything, mock.Anything)
	assert.Empty(t, ch.Sent())
}

func TestCommandRouter_OperatorDrain(t *testing.T) {
	router, engine, _, _ := newTestRouter(t)
	engine.On("Drain", mock.Anything).Return(nil)

	router.handle(context.Background(), operatorCommand("/drain"))
	engine.AssertExpectations(t)
}

func TestCommandRouter_OperatorRedrainReportsCount(t *testing.T) {
	router, engine, _, ch := newTestRouter(t)
	engine.On("Redrain", mock.Anything).Return(3, nil)

	router.handle(context.Background(), operatorCommand("/redrain"))

	sent := ch.SentTo(operatorChat)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Returned 3 message(s)")
}

func TestCommandRouter_OperatorReplyRouted(t *testing.T) {
	router, engine, _, _ := newTestRouter(t)
	ev := channel.Event{
		SenderKey: "op-key", ChatRef: operatorChat,
		ContentType: relaydomain.ContentTypeText, Text: "answer", ReplyToRef: "op-ref-1",
	}
	engine.On("HandleOperatorReply", mock.Anything, ev).Return(nil)

	router.handle(context.Background(), ev)
	engine.AssertExpectations(t)
}

func TestCommandRouter_OperatorPlainMessageGetsHint(t *testing.T) {
	router, engine, _, ch := newTestRouter(t)
	ev := channel.Event{
		SenderKey: "op-key", ChatRef: operatorChat,
		ContentType: relaydomain.ContentTypeText, Text: "hello?",
	}

	router.handle(context.Background(), ev)

	sent := ch.SentTo(operatorChat)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "reply directly")
	engine.AssertNotCalled(t, "HandleInbound", mock.Anything, mock.Anything)
}

// --- Moderation commands ---

func TestCommandRouter_Block(t *testing.T) {
	t.Run("WithReason", func(t *testing.T) {
		router, _, registry, ch := newTestRouter(t)
		registry.On("Block", mock.Anything, int64(3), "spamming links").
			Return(blockedUser("key-3", 3), nil)

		router.handle(context.Background(), operatorCommand("/block #3 spamming links"))

		// The affected user is notified in their own conversation.
		require.Len(t, ch.SentTo("key-3"), 1)
		assert.Equal(t, relayapp.NoticesFor("en").Blocked, ch.SentTo("key-3")[0].Text)

		opSent := ch.SentTo(operatorChat)
		require.Len(t, opSent, 1)
		assert.Contains(t, opSent[0].Text, "User #3 has been blocked")
		assert.Contains(t, opSent[0].Text, "spamming links")
	})

	t.Run("UnknownUser", func(t *testing.T) {
		router, _, registry, ch := newTestRouter(t)
		registry.On("Block", mock.Anything, int64(99), mock.AnythingOfType("string")).
			Return(nil, identitydomain.ErrUserNotFound)

		router.handle(context.Background(), operatorCommand("/block #99"))

		opSent := ch.SentTo(operatorChat)
		require.Len(t, opSent, 1)
		assert.Contains(t, opSent[0].Text, "No user with anonymous id #99")
	})

	t.Run("BadArgs", func(t *testing.T) {
		router, _, registry, ch := newTestRouter(t)

		router.handle(context.Background(), operatorCommand("/block abc"))

		opSent := ch.SentTo(operatorChat)
		require.Len(t, opSent, 1)
		assert.Contains(t, opSent[0].Text, "Usage: /block")
		registry.AssertNotCalled(t, "Block", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestCommandRouter_Unblock(t *testing.T) {
	router, _, registry, ch := newTestRouter(t)
	user := blockedUser("key-3", 3)
	user.IsBlocked = false
	registry.On("Unblock", mock.Anything, int64(3)).Return(user, nil)

	router.handle(context.Background(), operatorCommand("/unblock 3"))

	require.Len(t, ch.SentTo("key-3"), 1)
	assert.Equal(t, relayapp.NoticesFor("en").Unblocked, ch.SentTo("key-3")[0].Text)
	assert.Contains(t, ch.SentTo(operatorChat)[0].Text, "User #3 has been unblocked")
}

func TestCommandRouter_Blocklist(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		router, _, registry, ch := newTestRouter(t)
		registry.On("ListBlocked", mock.Anything).Return([]*identitydomain.User{}, nil)

		router.handle(context.Background(), operatorCommand("/blocklist"))

		assert.Contains(t, ch.SentTo(operatorChat)[0].Text, "No users are blocked")
	})

	t.Run("ListsReasons", func(t *testing.T) {
		router, _, registry, ch := newTestRouter(t)
		registry.On("ListBlocked", mock.Anything).
			Return([]*identitydomain.User{blockedUser("key-3", 3)}, nil)

		router.handle(context.Background(), operatorCommand("/blocklist"))

		text := ch.SentTo(operatorChat)[0].Text
		assert.Contains(t, text, "#3")
		assert.Contains(t, text, "spam")
	})
}

func TestCommandRouter_Notes(t *testing.T) {
	t.Run("Append", func(t *testing.T) {
		router, _, registry, ch := newTestRouter(t)
		registry.On("AppendNote", mock.Anything, int64(3), "asked for refund").
			Return(blockedUser("key-3", 3), nil)

		router.handle(context.Background(), operatorCommand("/note #3 asked for refund"))

		assert.Contains(t, ch.SentTo(operatorChat)[0].Text, "Note saved for user #3")
	})

	t.Run("View", func(t *testing.T) {
		router, _, registry, ch := newTestRouter(t)
		user := blockedUser("key-3", 3)
		user.Notes = strPtr("asked for refund")
		registry.On("GetByPseudonymID", mock.Anything, int64(3)).Return(user, nil)

		router.handle(context.Background(), operatorCommand("/viewnotes #3"))

		assert.Contains(t, ch.SentTo(operatorChat)[0].Text, "asked for refund")
	})

	t.Run("ViewEmpty", func(t *testing.T) {
		router, _, registry, ch := newTestRouter(t)
		registry.On("GetByPseudonymID", mock.Anything, int64(3)).Return(blockedUser("key-3", 3), nil)

		router.handle(context.Background(), operatorCommand("/viewnotes #3"))

		assert.Contains(t, ch.SentTo(operatorChat)[0].Text, "No notes for user #3")
	})
}

// --- Broadcast ---

func TestCommandRouter_Broadcast(t *testing.T) {
	t.Run("RequiresReply", func(t *testing.T) {
		router, engine, _, ch := newTestRouter(t)

		router.handle(context.Background(), operatorCommand("/broadcast"))

		assert.Contains(t, ch.SentTo(operatorChat)[0].Text, "Reply to the message")
		engine.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("FansOutRepliedPayload", func(t *testing.T) {
		router, engine, _, ch := newTestRouter(t)
		payload := channel.Event{ContentType: relaydomain.ContentTypeText, Text: "maintenance tonight"}
		ev := operatorCommand("/broadcast")
		ev.ReplyTo = &payload

		engine.On("Broadcast", mock.Anything, payload, "op-key").Return(5, 1, nil)

		router.handle(context.Background(), ev)

		opSent := ch.SentTo(operatorChat)
		require.Len(t, opSent, 2) // started + report
		assert.Contains(t, opSent[1].Text, "Delivered: 5")
		assert.Contains(t, opSent[1].Text, "Failed: 1")
		engine.AssertExpectations(t)
	})
}

// --- Run loop ---

func TestCommandRouter_RunConsumesUntilStreamCloses(t *testing.T) {
	router, engine, _, ch := newTestRouter(t)
	ev := channel.Event{
		SenderKey: "key-1", ChatRef: "chat-1",
		ContentType: relaydomain.ContentTypeText, Text: "hello",
	}
	engine.On("HandleInbound", mock.Anything, ev).Return(nil)

	ch.Inject(ev)
	ch.Close()

	err := router.Run(context.Background())
	require.NoError(t, err)
	engine.AssertExpectations(t)
}
