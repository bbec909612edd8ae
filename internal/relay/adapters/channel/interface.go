package channel

import (
	"context"

	"github.com/anonrelay/relay/internal/relay/domain"
)

// Receipt is the opaque send confirmation from the transport. Ref is usable
// later to resolve a reply to the sent message.
type Receipt struct {
	Ref string
}

// Event is one inbound transport event: a user message, an operator command,
// or an operator reply (ReplyToRef set to the replied-to reference).
type Event struct {
	SenderKey     string
	ChatRef       string
	Username      *string
	FirstName     *string
	LastName      *string
	ContentType   domain.ContentType
	Text          string
	AttachmentRef string
	Caption       string
	ReplyToRef    string

	// ReplyTo carries the replied-to message's content when the transport
	// provides it. The broadcast command reads its payload from here.
	ReplyTo *Event
}

// IsCommand reports whether the event is a slash command.
func (e Event) IsCommand() bool {
	return len(e.Text) > 0 && e.Text[0] == '/'
}

// Channel abstracts the messaging transport. Implementations must be safe
// for concurrent use; the relay sends from several flows at once.
type Channel interface {
	// SendText delivers a plain text message to a conversation.
	SendText(ctx context.Context, chatRef string, text string) (*Receipt, error)

	// SendMedia delivers an attachment by its channel-side reference, with
	// an optional caption. Stickers ignore the caption.
	SendMedia(ctx context.Context, chatRef string, kind domain.ContentType, attachmentRef, caption string) (*Receipt, error)

	// Events returns the stream of inbound events. The channel is closed
	// when the transport shuts down.
	Events() <-chan Event
}
