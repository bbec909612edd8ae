package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	identitydomain "github.com/anonrelay/relay/internal/identity/domain"
	"github.com/anonrelay/relay/internal/relay/adapters/channel"
	relayapp "github.com/anonrelay/relay/internal/relay/app"
)

// relayEngine is the slice of the relay engine the router drives.
type relayEngine interface {
	HandleInbound(ctx context.Context, ev channel.Event) error
	HandleOperatorReply(ctx context.Context, ev channel.Event) error
	Drain(ctx context.Context) error
	Broadcast(ctx context.Context, payload channel.Event, operatorKey string) (sent, failed int, err error)
	Redrain(ctx context.Context) (int, error)
	Notices() relayapp.Notices
}

// identityRegistry is the slice of the identity registry the router needs
// for the moderation commands.
type identityRegistry interface {
	Block(ctx context.Context, pseudonymID int64, reason string) (*identitydomain.User, error)
	Unblock(ctx context.Context, pseudonymID int64) (*identitydomain.User, error)
	GetByPseudonymID(ctx context.Context, pseudonymID int64) (*identitydomain.User, error)
	AppendNote(ctx context.Context, pseudonymID int64, note string) (*identitydomain.User, error)
	ListBlocked(ctx context.Context) ([]*identitydomain.User, error)
}

const operatorHelp = `Available commands:
/drain - deliver all pending messages
/redrain - return stuck forwarded messages to the queue
/block #id [reason] - block a user by anonymous id
/unblock #id - unblock a user
/blocklist - list blocked users
/note #id text - attach a note to a user
/viewnotes #id - show a user's notes
/broadcast - reply to a message with this to send it to all users
/getchatid - show this conversation's id
/help - show this help`

// privilegedCommands are honored only from the operator conversation. From
// anywhere else they are dropped without a trace: neither executed nor
// relayed, so a user probing with /drain leaves nothing behind.
var privilegedCommands = map[string]bool{
	"/drain":     true,
	"/redrain":   true,
	"/block":     true,
	"/unblock":   true,
	"/blocklist": true,
	"/note":      true,
	"/viewnotes": true,
	"/broadcast": true,
}

// CommandRouter consumes the channel's event stream and routes each event:
// operator commands and replies to their handlers, everything else into the
// inbound flow. Only the operator conversation may run privileged commands.
type CommandRouter struct {
	engine         relayEngine
	registry       identityRegistry
	ch             channel.Channel
	operatorRef    string
	supervisoryRef string
	logger         *slog.Logger
}

func NewCommandRouter(
	engine relayEngine,
	registry identityRegistry,
	ch channel.Channel,
	operatorRef string,
	supervisoryRef string,
	logger *slog.Logger,
) *CommandRouter {
	return &CommandRouter{
		engine:         engine,
		registry:       registry,
		ch:             ch,
		operatorRef:    operatorRef,
		supervisoryRef: supervisoryRef,
		logger:         logger.With("component", "command_router"),
	}
}

// Run consumes events until the context is canceled or the channel's event
// stream closes.
func (r *CommandRouter) Run(ctx context.Context) error {
	events := r.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				r.logger.Info("Event stream closed, router stopping")
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *CommandRouter) handle(ctx context.Context, ev channel.Event) {
	if ev.ChatRef == r.operatorRef {
		r.handleOperator(ctx, ev)
		return
	}
	// The supervisory conversation only receives mirrored user cards;
	// nothing said there is a user message.
	if r.supervisoryRef != "" && ev.ChatRef == r.supervisoryRef {
		return
	}
	r.handleUser(ctx, ev)
}

func (r *CommandRouter) handleOperator(ctx context.Context, ev channel.Event) {
	if ev.IsCommand() {
		r.handleOperatorCommand(ctx, ev)
		return
	}

	if ev.ReplyToRef != "" {
		if err := r.engine.HandleOperatorReply(ctx, ev); err != nil {
			r.logger.ErrorContext(ctx, "Operator reply failed", "error", err)
		}
		return
	}

	r.reply(ctx, ev.ChatRef, "To answer a user, reply directly to their forwarded message. Use /help for commands.")
}

func (r *CommandRouter) handleOperatorCommand(ctx context.Context, ev channel.Event) {
	fields := strings.Fields(ev.Text)
	command := fields[0]
	args := fields[1:]

	switch command {
	case "/drain":
		if err := r.engine.Drain(ctx); err != nil {
			r.logger.ErrorContext(ctx, "Drain failed", "error", err)
			r.reply(ctx, ev.ChatRef, "Drain failed. Check the logs and try again.")
		}

	case "/redrain":
		n, err := r.engine.Redrain(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "Redrain failed", "error", err)
			r.reply(ctx, ev.ChatRef, "Redrain failed. Check the logs and try again.")
			return
		}
		r.reply(ctx, ev.ChatRef, fmt.Sprintf("Returned %d message(s) to the queue. Use /drain to view them.", n))

	case "/block":
		r.handleBlock(ctx, ev.ChatRef, args)

	case "/unblock":
		r.handleUnblock(ctx, ev.ChatRef, args)

	case "/blocklist":
		r.handleBlocklist(ctx, ev.ChatRef)

	case "/note":
		r.handleNote(ctx, ev.ChatRef, args)

	case "/viewnotes":
		r.handleViewNotes(ctx, ev.ChatRef, args)

	case "/broadcast":
		r.handleBroadcast(ctx, ev)

	case "/getchatid":
		r.reply(ctx, ev.ChatRef, fmt.Sprintf("This conversation's id: %s", ev.ChatRef))

	case "/help", "/start":
		r.reply(ctx, ev.ChatRef, operatorHelp)

	default:
		r.reply(ctx, ev.ChatRef, fmt.Sprintf("Unknown command %s. Use /help for the command list.", command))
	}
}

func (r *CommandRouter) handleBlock(ctx context.Context, chatRef string, args []string) {
	id, ok := parsePseudonymID(args)
	if !ok {
		r.reply(ctx, chatRef, "Usage: /block #id [reason]")
		return
	}
	reason := "Blocked by administrator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	user, err := r.registry.Block(ctx, id, reason)
	if errors.Is(err, identitydomain.ErrUserNotFound) {
		r.reply(ctx, chatRef, fmt.Sprintf("No user with anonymous id #%d.", id))
		return
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Block failed", "error", err, "pseudonym_id", id)
		r.reply(ctx, chatRef, "Block failed. Check the logs and try again.")
		return
	}

	// Best effort; the block holds whether or not the user sees the notice.
	if _, err := r.ch.SendText(ctx, user.UserKey, r.engine.Notices().Blocked); err != nil {
		r.logger.WarnContext(ctx, "Failed to notify blocked user", "error", err, "pseudonym_id", id)
	}
	r.reply(ctx, chatRef, fmt.Sprintf("🚫 User #%d has been blocked.\nReason: %s", id, reason))
}

func (r *CommandRouter) handleUnblock(ctx context.Context, chatRef string, args []string) {
	id, ok := parsePseudonymID(args)
	if !ok {
		r.reply(ctx, chatRef, "Usage: /unblock #id")
		return
	}

	user, err := r.registry.Unblock(ctx, id)
	if errors.Is(err, identitydomain.ErrUserNotFound) {
		r.reply(ctx, chatRef, fmt.Sprintf("No user with anonymous id #%d.", id))
		return
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Unblock failed", "error", err, "pseudonym_id", id)
		r.reply(ctx, chatRef, "Unblock failed. Check the logs and try again.")
		return
	}

	if _, err := r.ch.SendText(ctx, user.UserKey, r.engine.Notices().Unblocked); err != nil {
		r.logger.WarnContext(ctx, "Failed to notify unblocked user", "error", err, "pseudonym_id", id)
	}
	r.reply(ctx, chatRef, fmt.Sprintf("🔓 User #%d has been unblocked.", id))
}

func (r *CommandRouter) handleBlocklist(ctx context.Context, chatRef string) {
	users, err := r.registry.ListBlocked(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Blocklist query failed", "error", err)
		r.reply(ctx, chatRef, "Failed to load the block list.")
		return
	}
	if len(users) == 0 {
		r.reply(ctx, chatRef, "No users are blocked.")
		return
	}

	var b strings.Builder
	b.WriteString("🚫 Blocked users:\n")
	for _, u := range users {
		reason := "no reason recorded"
		if u.BlockReason != nil && *u.BlockReason != "" {
			reason = *u.BlockReason
		}
		fmt.Fprintf(&b, "\n#%d (%s) — %s\nLast activity: %s\n",
			u.PseudonymID, u.DisplayName(), reason, u.LastActivity.UTC().Format(time.RFC1123))
	}
	r.reply(ctx, chatRef, b.String())
}

func (r *CommandRouter) handleNote(ctx context.Context, chatRef string, args []string) {
	id, ok := parsePseudonymID(args)
	if !ok || len(args) < 2 {
		r.reply(ctx, chatRef, "Usage: /note #id text")
		return
	}
	note := strings.Join(args[1:], " ")

	if _, err := r.registry.AppendNote(ctx, id, note); err != nil {
		if errors.Is(err, identitydomain.ErrUserNotFound) {
			r.reply(ctx, chatRef, fmt.Sprintf("No user with anonymous id #%d.", id))
			return
		}
		r.logger.ErrorContext(ctx, "Append note failed", "error", err, "pseudonym_id", id)
		r.reply(ctx, chatRef, "Failed to save the note.")
		return
	}
	r.reply(ctx, chatRef, fmt.Sprintf("📝 Note saved for user #%d.", id))
}

func (r *CommandRouter) handleViewNotes(ctx context.Context, chatRef string, args []string) {
	id, ok := parsePseudonymID(args)
	if !ok {
		r.reply(ctx, chatRef, "Usage: /viewnotes #id")
		return
	}

	user, err := r.registry.GetByPseudonymID(ctx, id)
	if errors.Is(err, identitydomain.ErrUserNotFound) {
		r.reply(ctx, chatRef, fmt.Sprintf("No user with anonymous id #%d.", id))
		return
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "View notes failed", "error", err, "pseudonym_id", id)
		r.reply(ctx, chatRef, "Failed to load the notes.")
		return
	}
	if user.Notes == nil || *user.Notes == "" {
		r.reply(ctx, chatRef, fmt.Sprintf("No notes for user #%d.", id))
		return
	}
	r.reply(ctx, chatRef, fmt.Sprintf("📝 Notes for user #%d:\n\n%s", id, *user.Notes))
}

func (r *CommandRouter) handleBroadcast(ctx context.Context, ev channel.Event) {
	if ev.ReplyTo == nil {
		r.reply(ctx, ev.ChatRef, "Reply to the message you want to broadcast with /broadcast.")
		return
	}

	r.reply(ctx, ev.ChatRef, "📢 Broadcast started...")
	sent, failed, err := r.engine.Broadcast(ctx, *ev.ReplyTo, ev.SenderKey)
	if err != nil {
		r.logger.ErrorContext(ctx, "Broadcast failed", "error", err)
		r.reply(ctx, ev.ChatRef, fmt.Sprintf("Broadcast aborted after %d sent, %d failed.", sent, failed))
		return
	}
	r.reply(ctx, ev.ChatRef, fmt.Sprintf("📢 Broadcast complete.\nDelivered: %d\nFailed: %d", sent, failed))
}

func (r *CommandRouter) handleUser(ctx context.Context, ev channel.Event) {
	if ev.IsCommand() {
		command := strings.Fields(ev.Text)[0]
		switch command {
		case "/start", "/help":
			r.reply(ctx, ev.ChatRef, r.engine.Notices().Welcome)
		case "/getchatid":
			r.reply(ctx, ev.ChatRef, fmt.Sprintf("This conversation's id: %s", ev.ChatRef))
		default:
			if privilegedCommands[command] {
				r.logger.InfoContext(ctx, "Ignoring privileged command from non-operator",
					"sender", ev.SenderKey, "command", command)
				return
			}
			// Unrecognized slash text relays like any other message.
			if err := r.engine.HandleInbound(ctx, ev); err != nil {
				r.logger.ErrorContext(ctx, "Inbound handling failed", "error", err, "sender", ev.SenderKey)
			}
		}
		return
	}

	if err := r.engine.HandleInbound(ctx, ev); err != nil {
		r.logger.ErrorContext(ctx, "Inbound handling failed", "error", err, "sender", ev.SenderKey)
	}
}

func (r *CommandRouter) reply(ctx context.Context, chatRef, text string) {
	if _, err := r.ch.SendText(ctx, chatRef, text); err != nil {
		r.logger.WarnContext(ctx, "Failed to send command response", "error", err, "chat_ref", chatRef)
	}
}

// parsePseudonymID reads an anonymous id argument, with or without the
// leading '#'.
func parsePseudonymID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	raw := strings.TrimPrefix(args[0], "#")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
