package domain

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMessageNotFound is returned when no message matches a lookup.
	// For operator-ref resolution this is a normal outcome, not a fault:
	// the operator replied to something the relay never tracked.
	ErrMessageNotFound = errors.New("message not found")

	// ErrUnsupportedContent marks inbound content of a type the relay does
	// not model. Such content is discarded without storing.
	ErrUnsupportedContent = errors.New("unsupported content type")
)

// ContentType enumerates the message payload kinds the relay can carry.
type ContentType string

const (
	ContentTypeText      ContentType = "text"
	ContentTypePhoto     ContentType = "photo"
	ContentTypeSticker   ContentType = "sticker"
	ContentTypeVoice     ContentType = "voice"
	ContentTypeVideo     ContentType = "video"
	ContentTypeDocument  ContentType = "document"
	ContentTypeAudio     ContentType = "audio"
	ContentTypeAnimation ContentType = "animation"
)

// IsMedia reports whether the payload is carried as a channel-side
// attachment reference rather than inline text.
func (ct ContentType) IsMedia() bool {
	return ct != ContentTypeText
}

// Valid reports whether ct is one of the modeled content types.
func (ct ContentType) Valid() bool {
	switch ct {
	case ContentTypeText, ContentTypePhoto, ContentTypeSticker, ContentTypeVoice,
		ContentTypeVideo, ContentTypeDocument, ContentTypeAudio, ContentTypeAnimation:
		return true
	}
	return false
}

// Value implements the driver.Valuer interface for ContentType.
func (ct ContentType) Value() (driver.Value, error) {
	return string(ct), nil
}

// Scan implements the sql.Scanner interface for ContentType.
func (ct *ContentType) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan ContentType: value is not string or []byte, it is %T", value)
		}
		strVal = string(bytesVal)
	}
	*ct = ContentType(strVal)
	if !ct.Valid() {
		return fmt.Errorf("unknown ContentType value: %s", strVal)
	}
	return nil
}

// Message is one inbound user message tracked through its lifecycle:
// pending (processed=false) → forwarded (processed=true, operator ref set
// after the send) → read → notified. Everything except the three lifecycle
// flags and OperatorRef is immutable after creation.
type Message struct {
	ID               int64       `json:"id"`
	UserKey          string      `json:"user_key"`
	PseudonymID      int64       `json:"pseudonym_id"` // denormalized at creation for stable display
	OriginChannelRef string      `json:"origin_channel_ref"`
	ContentType      ContentType `json:"content_type"`
	Content          *string     `json:"content,omitempty"`        // text type only
	AttachmentRef    *string     `json:"attachment_ref,omitempty"` // media types only
	Caption          *string     `json:"caption,omitempty"`
	Processed        bool        `json:"processed"`
	IsRead           bool        `json:"is_read"`
	UserNotified     bool        `json:"user_notified"`
	OperatorRef      *string     `json:"operator_ref,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// DedupKey returns the content value the duplicate check compares: the text
// body for text messages, the attachment reference for media.
func (m *Message) DedupKey() string {
	if m.ContentType.IsMedia() {
		if m.AttachmentRef != nil {
			return *m.AttachmentRef
		}
		return ""
	}
	if m.Content != nil {
		return *m.Content
	}
	return ""
}
