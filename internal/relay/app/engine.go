package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	identitydomain "github.com/anonrelay/relay/internal/identity/domain"
	"github.com/anonrelay/relay/internal/relay/adapters/channel"
	"github.com/anonrelay/relay/internal/relay/domain"
	"github.com/anonrelay/relay/internal/relay/repository"
)

// registry is the slice of the identity registry the engine consumes.
type registry interface {
	ResolveOrCreate(ctx context.Context, userKey string, attrs identitydomain.DisplayAttrs) (*identitydomain.User, error)
	IsBlocked(ctx context.Context, userKey string) (bool, error)
	GetByUserKey(ctx context.Context, userKey string) (*identitydomain.User, error)
	ListUnblocked(ctx context.Context) ([]*identitydomain.User, error)
}

// storedPublisher announces committed inbound messages (see Notifier).
type storedPublisher interface {
	PublishStored(ctx context.Context, pendingCount int) error
}

// Config carries the engine's fixed wiring.
type Config struct {
	OperatorRef    string
	SupervisoryRef string
	Language       string
	DedupWindow    time.Duration
	BroadcastDelay time.Duration
	RedrainGrace   time.Duration
}

// Engine glues identity, the message store, and the channel into the relay
// flows: inbound accept, on-demand drain, reply routing, and broadcast.
type Engine struct {
	registry  registry
	messages  repository.MessageRepository
	ch        channel.Channel
	publisher storedPublisher
	cfg       Config
	notices   Notices
	logger    *slog.Logger

	// draining is the in-process guard against overlapping drains. The
	// transactional claim in DrainPending is the true correctness guard;
	// this only saves a second caller the round trip.
	draining atomic.Bool
}

func NewEngine(
	reg registry,
	messages repository.MessageRepository,
	ch channel.Channel,
	publisher storedPublisher,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		registry:  reg,
		messages:  messages,
		ch:        ch,
		publisher: publisher,
		cfg:       cfg,
		notices:   NoticesFor(cfg.Language),
		logger:    logger.With("component", "relay_engine"),
	}
}

// Notices exposes the engine's notice table for the command surface.
func (e *Engine) Notices() Notices {
	return e.notices
}

// HandleInbound runs the inbound flow for one user event: block check,
// dedup, persist, ack, and a post-commit operator notification.
func (e *Engine) HandleInbound(ctx context.Context, ev channel.Event) error {
	if !ev.ContentType.Valid() {
		inboundUnsupportedCounter.Inc()
		e.logger.InfoContext(ctx, "Discarding unsupported inbound content", "sender", ev.SenderKey)
		return nil
	}

	user, err := e.registry.ResolveOrCreate(ctx, ev.SenderKey, identitydomain.DisplayAttrs{
		Username:  ev.Username,
		FirstName: ev.FirstName,
		LastName:  ev.LastName,
	})
	if err != nil {
		e.sendNotice(ctx, ev.ChatRef, e.notices.ErrorProcessing)
		return fmt.Errorf("resolving identity: %w", err)
	}

	if user.IsBlocked {
		inboundBlockedCounter.Inc()
		e.sendNotice(ctx, ev.ChatRef, e.notices.Blocked)
		return nil
	}

	dedupKey := ev.Text
	if ev.ContentType.IsMedia() {
		dedupKey = ev.AttachmentRef
	}
	existing, err := e.messages.FindRecentDuplicate(ctx, user.UserKey, ev.ContentType, dedupKey, e.cfg.DedupWindow)
	if err == nil {
		inboundDuplicatesCounter.Inc()
		e.logger.InfoContext(ctx, "Duplicate inbound suppressed",
			"pseudonym_id", user.PseudonymID, "message_id", existing.ID)
		e.sendNotice(ctx, ev.ChatRef, e.notices.MessageSent)
		return nil
	}
	if !errors.Is(err, domain.ErrMessageNotFound) {
		e.sendNotice(ctx, ev.ChatRef, e.notices.ErrorProcessing)
		return fmt.Errorf("dedup lookup: %w", err)
	}

	// Re-check the block flag right before persisting: a block issued
	// between the first check and here wins, and the message is discarded.
	blocked, err := e.registry.IsBlocked(ctx, user.UserKey)
	if err != nil {
		e.sendNotice(ctx, ev.ChatRef, e.notices.ErrorProcessing)
		return fmt.Errorf("block re-check: %w", err)
	}
	if blocked {
		inboundBlockedCounter.Inc()
		e.sendNotice(ctx, ev.ChatRef, e.notices.Blocked)
		return nil
	}

	newMsg := repository.NewMessage{
		UserKey:          user.UserKey,
		PseudonymID:      user.PseudonymID,
		OriginChannelRef: ev.ChatRef,
		ContentType:      ev.ContentType,
	}
	if ev.ContentType.IsMedia() {
		newMsg.AttachmentRef = &ev.AttachmentRef
		if ev.Caption != "" {
			caption := ev.Caption
			newMsg.Caption = &caption
		}
	} else {
		text := ev.Text
		newMsg.Content = &text
	}

	msg, err := e.messages.Append(ctx, newMsg)
	if err != nil {
		e.sendNotice(ctx, ev.ChatRef, e.notices.ErrorProcessing)
		return fmt.Errorf("appending message: %w", err)
	}
	inboundReceivedCounter.WithLabelValues(string(msg.ContentType)).Inc()
	e.sendNotice(ctx, ev.ChatRef, e.notices.MessageSent)

	// The message is committed; the operator ping rides NATS so a delivery
	// failure cannot touch the stored row.
	pending, err := e.messages.CountPending(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to count pending messages", "error", err)
		pending = 1
	}
	if err := e.publisher.PublishStored(ctx, pending); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish stored event", "error", err)
	}

	e.logger.InfoContext(ctx, "Inbound message stored",
		"message_id", msg.ID, "pseudonym_id", user.PseudonymID, "content_type", msg.ContentType)
	return nil
}

// Drain claims every pending message and forwards the batch to the operator
// in FIFO order. A concurrent call is a no-op: the guard short-circuits it,
// and even without the guard the transactional claim would hand it an empty
// batch.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.InfoContext(ctx, "Drain already in progress, skipping")
		return nil
	}
	defer e.draining.Store(false)

	started := time.Now()
	defer func() { drainDurationHist.Observe(time.Since(started).Seconds()) }()
	drainBatchesCounter.Inc()

	batch, err := e.messages.DrainPending(ctx)
	if err != nil {
		return fmt.Errorf("draining pending messages: %w", err)
	}
	if len(batch) == 0 {
		e.sendNotice(ctx, e.cfg.OperatorRef, e.notices.NoNewMessages)
		return nil
	}
	e.logger.InfoContext(ctx, "Draining messages", "count", len(batch))

	// Distinct origins, in batch order, for coalesced read notices.
	var origins []string
	seen := make(map[string]bool)

	for _, msg := range batch {
		user, err := e.registry.GetByUserKey(ctx, msg.UserKey)
		if err != nil {
			e.logger.ErrorContext(ctx, "User not found for message", "error", err, "message_id", msg.ID)
			continue
		}

		e.sendUserCard(ctx, user)

		receipt, err := e.forwardToOperator(ctx, msg)
		if err != nil {
			// The message stays claimed but unreferenced; /redrain can
			// return it to the pending pool later.
			drainForwardFailuresCounter.Inc()
			e.logger.ErrorContext(ctx, "Failed to forward message", "error", err, "message_id", msg.ID)
			continue
		}
		drainForwardedCounter.WithLabelValues(string(msg.ContentType)).Inc()

		if err := e.messages.SetOperatorRef(ctx, msg.ID, receipt.Ref); err != nil {
			// Forwarded but unreplyable; accepted risk.
			e.logger.ErrorContext(ctx, "Failed to record operator ref", "error", err, "message_id", msg.ID)
		}
		if err := e.messages.MarkRead(ctx, msg.ID); err != nil {
			e.logger.ErrorContext(ctx, "Failed to mark message read", "error", err, "message_id", msg.ID)
			continue
		}

		if !seen[msg.OriginChannelRef] {
			seen[msg.OriginChannelRef] = true
			origins = append(origins, msg.OriginChannelRef)
		}
	}

	// One read notice per origin, no matter how many messages it had in
	// the batch.
	for _, origin := range origins {
		if _, err := e.ch.SendText(ctx, origin, e.notices.MessageRead); err != nil {
			e.logger.ErrorContext(ctx, "Failed to send read notice", "error", err, "origin", origin)
			continue
		}
		if err := e.messages.MarkNotified(ctx, origin); err != nil {
			e.logger.ErrorContext(ctx, "Failed to mark messages notified", "error", err, "origin", origin)
		}
	}

	e.logger.InfoContext(ctx, "Drain complete", "messages", len(batch), "origins_notified", len(origins))
	return nil
}

func (e *Engine) forwardToOperator(ctx context.Context, msg *domain.Message) (*channel.Receipt, error) {
	header := fmt.Sprintf("Message:\n\n======================\n\nAnonymous ID: User #%d\n\n", msg.PseudonymID)

	switch msg.ContentType {
	case domain.ContentTypeText:
		content := ""
		if msg.Content != nil {
			content = *msg.Content
		}
		return e.ch.SendText(ctx, e.cfg.OperatorRef, header+content)
	case domain.ContentTypeSticker:
		// Stickers carry no caption; the header goes ahead of them. The
		// sticker's own receipt is the reply-resolution key.
		if _, err := e.ch.SendText(ctx, e.cfg.OperatorRef, header); err != nil {
			return nil, err
		}
		return e.ch.SendMedia(ctx, e.cfg.OperatorRef, msg.ContentType, deref(msg.AttachmentRef), "")
	default:
		return e.ch.SendMedia(ctx, e.cfg.OperatorRef, msg.ContentType, deref(msg.AttachmentRef), header+deref(msg.Caption))
	}
}

// sendUserCard mirrors who is behind a pseudonym: to the supervisory
// conversation when one is configured, otherwise inline to the operator.
func (e *Engine) sendUserCard(ctx context.Context, user *identitydomain.User) {
	username := "None"
	if user.Username != nil && *user.Username != "" {
		username = "@" + *user.Username
	}

	if e.cfg.SupervisoryRef != "" && e.cfg.SupervisoryRef != e.cfg.OperatorRef {
		card := fmt.Sprintf(
			"📊 User details for anonymous ID #%d\n\nKey: %s\nUsername: %s\nName: %s\nFirst contact: %s\nLast activity: %s",
			user.PseudonymID, user.UserKey, username, user.DisplayName(),
			user.CreatedAt.UTC().Format(time.RFC1123),
			user.LastActivity.UTC().Format(time.RFC1123),
		)
		if _, err := e.ch.SendText(ctx, e.cfg.SupervisoryRef, card); err != nil {
			e.logger.ErrorContext(ctx, "Failed to send user card to supervisory chat", "error", err)
		}
		return
	}

	brief := fmt.Sprintf("User key: %s\nUsername: %s\nName: %s", user.UserKey, username, user.DisplayName())
	if _, err := e.ch.SendText(ctx, e.cfg.OperatorRef, brief); err != nil {
		e.logger.ErrorContext(ctx, "Failed to send user details to operator", "error", err)
	}
}

// HandleOperatorReply resolves the operator's reply back to the originating
// user and forwards the reply content there. An unresolvable reference is a
// normal outcome reported to the operator, not an error.
func (e *Engine) HandleOperatorReply(ctx context.Context, ev channel.Event) error {
	msg, err := e.messages.ResolveByOperatorRef(ctx, ev.ReplyToRef)
	if errors.Is(err, domain.ErrMessageNotFound) {
		repliesCounter.WithLabelValues("unresolved").Inc()
		e.sendNotice(ctx, e.cfg.OperatorRef,
			"Cannot reply to this message - the original sender is no longer tracked.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving operator ref: %w", err)
	}

	if !ev.ContentType.Valid() {
		e.sendNotice(ctx, msg.OriginChannelRef, e.notices.UnsupportedMedia)
		return nil
	}

	if _, err := e.dispatch(ctx, msg.OriginChannelRef, ev.ContentType, ev.Text, ev.AttachmentRef, ev.Caption); err != nil {
		repliesCounter.WithLabelValues("failed").Inc()
		e.sendNotice(ctx, e.cfg.OperatorRef, "Failed to deliver your reply. Please try again.")
		return fmt.Errorf("forwarding reply to user: %w", err)
	}

	repliesCounter.WithLabelValues("delivered").Inc()
	e.sendNotice(ctx, e.cfg.OperatorRef, fmt.Sprintf("Reply sent to user #%d.", msg.PseudonymID))
	e.logger.InfoContext(ctx, "Reply delivered", "pseudonym_id", msg.PseudonymID, "message_id", msg.ID)
	return nil
}

// Broadcast fans one payload out to every non-blocked user except the
// operator. Per-recipient failures are counted and skipped; a small delay
// between sends respects channel rate limits.
func (e *Engine) Broadcast(ctx context.Context, payload channel.Event, operatorKey string) (sent, failed int, err error) {
	users, err := e.registry.ListUnblocked(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing broadcast recipients: %w", err)
	}

	for _, user := range users {
		if user.UserKey == operatorKey {
			continue
		}

		// Direct conversations are addressed by the user key on this
		// transport.
		if _, sendErr := e.dispatch(ctx, user.UserKey, payload.ContentType, payload.Text, payload.AttachmentRef, payload.Caption); sendErr != nil {
			failed++
			broadcastRecipientsCounter.WithLabelValues("failed").Inc()
			e.logger.ErrorContext(ctx, "Broadcast send failed", "error", sendErr, "pseudonym_id", user.PseudonymID)
		} else {
			sent++
			broadcastRecipientsCounter.WithLabelValues("sent").Inc()
		}

		select {
		case <-time.After(e.cfg.BroadcastDelay):
		case <-ctx.Done():
			return sent, failed, ctx.Err()
		}
	}

	e.logger.InfoContext(ctx, "Broadcast complete", "sent", sent, "failed", failed)
	return sent, failed, nil
}

// Redrain returns forwarded-but-unreferenced messages older than the grace
// period to the pending pool so the next drain retries them.
func (e *Engine) Redrain(ctx context.Context) (int, error) {
	n, err := e.messages.RequeueStuckForwarded(ctx, e.cfg.RedrainGrace)
	if err != nil {
		return 0, fmt.Errorf("requeueing stuck messages: %w", err)
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "Requeued stuck forwarded messages", "count", n)
	}
	return n, nil
}

func (e *Engine) dispatch(ctx context.Context, chatRef string, ct domain.ContentType, text, attachmentRef, caption string) (*channel.Receipt, error) {
	switch ct {
	case domain.ContentTypeText:
		return e.ch.SendText(ctx, chatRef, text)
	case domain.ContentTypeSticker:
		return e.ch.SendMedia(ctx, chatRef, ct, attachmentRef, "")
	default:
		return e.ch.SendMedia(ctx, chatRef, ct, attachmentRef, caption)
	}
}

// sendNotice is a best-effort send whose failure only gets logged.
func (e *Engine) sendNotice(ctx context.Context, chatRef, text string) {
	if _, err := e.ch.SendText(ctx, chatRef, text); err != nil {
		e.logger.WarnContext(ctx, "Failed to send notice", "error", err, "chat_ref", chatRef)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
