package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/anonrelay/relay/internal/platform/messagebroker"
	"github.com/anonrelay/relay/internal/relay/adapters/channel"
	settingsrepo "github.com/anonrelay/relay/internal/settings/repository"
)

// SubjectInboundStored is published after an inbound message commits.
const SubjectInboundStored = "relay.inbound.stored"

// settingLastOperatorNotification records when the operator was last pinged.
const settingLastOperatorNotification = "last_operator_notification"

// pingCooldown suppresses repeat pings while a burst of inbound messages is
// arriving; the pending count in the next ping covers the whole burst.
const pingCooldown = 30 * time.Second

// StoredEvent is the payload announcing newly stored inbound messages.
type StoredEvent struct {
	EventID      string `json:"event_id"`
	PendingCount int    `json:"pending_count"`
}

// Notifier decouples the "N new messages" operator ping from the storage
// transaction: the inbound flow publishes after commit, and the consumer
// delivers the ping on its own time. A ping failure never affects the
// stored message.
type Notifier struct {
	nats        *messagebroker.NatsClient
	ch          channel.Channel
	settings    settingsrepo.SettingsRepository
	operatorRef string
	notices     Notices
	logger      *slog.Logger

	sub *nats.Subscription
}

func NewNotifier(
	natsClient *messagebroker.NatsClient,
	ch channel.Channel,
	settings settingsrepo.SettingsRepository,
	operatorRef string,
	language string,
	logger *slog.Logger,
) *Notifier {
	return &Notifier{
		nats:        natsClient,
		ch:          ch,
		settings:    settings,
		operatorRef: operatorRef,
		notices:     NoticesFor(language),
		logger:      logger.With("component", "notifier"),
	}
}

// PublishStored announces pendingCount newly committed messages. Callers
// invoke it only after their transaction has committed, so the ordering
// "commit visible before notification attempted" always holds.
func (n *Notifier) PublishStored(ctx context.Context, pendingCount int) error {
	payload, err := json.Marshal(StoredEvent{
		EventID:      uuid.NewString(),
		PendingCount: pendingCount,
	})
	if err != nil {
		return fmt.Errorf("marshaling stored event: %w", err)
	}
	return n.nats.Publish(ctx, SubjectInboundStored, payload)
}

// StartConsuming subscribes to stored events and delivers operator pings.
func (n *Notifier) StartConsuming(ctx context.Context, queueGroup string) error {
	handler := func(msg *nats.Msg) {
		var ev StoredEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			n.logger.Error("Failed to unmarshal stored event", "error", err, "data", string(msg.Data))
			return
		}

		pingCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n.notifyOperator(pingCtx, ev)
	}

	sub, err := n.nats.Subscribe(ctx, SubjectInboundStored, queueGroup, handler)
	if err != nil {
		return err
	}
	n.sub = sub
	n.logger.Info("Notifier consuming stored events", "subject", SubjectInboundStored, "queue_group", queueGroup)
	return nil
}

func (n *Notifier) notifyOperator(ctx context.Context, ev StoredEvent) {
	if n.recentlyPinged(ctx) {
		n.logger.DebugContext(ctx, "Skipping operator ping inside cooldown", "event_id", ev.EventID)
		return
	}

	text := fmt.Sprintf(n.notices.NewMessagesPing, ev.PendingCount)
	if _, err := n.ch.SendText(ctx, n.operatorRef, text); err != nil {
		// The messages are stored either way; the operator can still drain.
		n.logger.ErrorContext(ctx, "Failed to ping operator", "error", err, "event_id", ev.EventID)
		return
	}
	operatorPingsCounter.Inc()

	if err := n.settings.Upsert(ctx, settingLastOperatorNotification, time.Now().UTC().Format(time.RFC3339)); err != nil {
		n.logger.WarnContext(ctx, "Failed to record last notification time", "error", err)
	}
}

// recentlyPinged reports whether the last recorded ping is inside the
// cooldown. A missing or unparseable record never suppresses a ping.
func (n *Notifier) recentlyPinged(ctx context.Context) bool {
	value, err := n.settings.Get(ctx, settingLastOperatorNotification)
	if err != nil {
		return false
	}
	last, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return false
	}
	return time.Since(last) < pingCooldown
}

// Stop unsubscribes from the stored-event subject.
func (n *Notifier) Stop() {
	if n.sub != nil && n.sub.IsValid() {
		if err := n.sub.Unsubscribe(); err != nil {
			n.logger.Error("Failed to unsubscribe notifier", "error", err)
		}
	}
}
