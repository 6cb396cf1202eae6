// Package relay contains the core domain types for the message relay service.
package relay

import (
	"strings"
	"time"
)

// MessageKind is the media variant of a message, decided once at parse time.
type MessageKind string

// Message kinds.
const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindVoice MessageKind = "voice"
)

// HasMedia reports whether the kind carries an attachment.
func (k MessageKind) HasMedia() bool {
	return k == KindImage || k == KindVideo || k == KindVoice
}

// Label returns the short placeholder shown when a message has no text.
func (k MessageKind) Label() string {
	switch k {
	case KindImage:
		return "画像"
	case KindVideo:
		return "動画"
	case KindVoice:
		return "ボイス"
	default:
		return "テキスト"
	}
}

// Subscriber is one upstream message source (a "group" upstream).
type Subscriber struct {
	ID                string `json:"id"`      // Stable key: "<account>:<group id>"
	Account           string `json:"account"` // Site key, e.g. "sakurazaka"
	GroupID           string `json:"group_id"`
	Name              string `json:"name"` // Display label only
	SubscriptionState string `json:"subscription_state"`
	AvatarURL         string `json:"avatar_url"`
}

// Active reports whether the account holds a live subscription to this group.
func (s Subscriber) Active() bool {
	return s.SubscriptionState == "active"
}

// SubscriberID builds the stable subscriber key.
func SubscriberID(account, groupID string) string {
	return account + ":" + groupID
}

// Message is a single post fetched from a subscriber's timeline.
type Message struct {
	PublishedAt  time.Time   `json:"published_at"`
	ID           string      `json:"id"` // Not ordered; dedup only
	Account      string      `json:"account"`
	SubscriberID string      `json:"subscriber_id"`
	Kind         MessageKind `json:"kind"`
	Text         string      `json:"text,omitempty"`
	MediaURL     string      `json:"media_url,omitempty"`
}

// DedupKey identifies the message across accounts.
func (m Message) DedupKey() string {
	return m.Account + ":" + m.ID
}

// ChannelKind names a destination platform.
type ChannelKind string

// Channel kinds.
const (
	ChannelQQ       ChannelKind = "qq"
	ChannelTelegram ChannelKind = "telegram"
	ChannelDiscord  ChannelKind = "discord"
	ChannelEmail    ChannelKind = "email"
)

// Channel is one configured destination.
type Channel struct {
	Kind            ChannelKind `json:"kind"`
	Target          string      `json:"target"` // Group id, chat id, webhook URL or address
	SkipTranslation bool        `json:"skip_translation,omitempty"`
}

// String renders the channel for logs without leaking webhook tokens.
func (c Channel) String() string {
	target := c.Target
	if c.Kind == ChannelDiscord {
		if i := strings.LastIndex(target, "/"); i > 0 {
			target = target[:i] + "/…"
		}
	}
	return string(c.Kind) + ":" + target
}

// Rendered is the channel-independent payload built once per message and
// destination. It is what the retry queue stores and replays.
type Rendered struct {
	PublishedAt  time.Time   `json:"published_at"`
	MessageID    string      `json:"message_id"`
	SubscriberID string      `json:"subscriber_id"`
	Author       string      `json:"author"`
	AvatarURL    string      `json:"avatar_url,omitempty"`
	Site         string      `json:"site"`
	Kind         MessageKind `json:"kind"`
	Text         string      `json:"text,omitempty"`
	Translation  string      `json:"translation,omitempty"`
	MediaURL     string      `json:"media_url,omitempty"`
	Color        int         `json:"color,omitempty"`
}

// Body joins the original text and the translation, if any.
func (r *Rendered) Body() string {
	if r.Text == "" {
		return ""
	}
	if r.Translation == "" {
		return r.Text
	}
	return r.Text + "\n\n" + r.Translation
}

// TaskState is the retry state of a failed delivery.
type TaskState string

// Retry task states.
const (
	TaskPending  TaskState = "pending"
	TaskRetrying TaskState = "retrying"
)

// RetryTask is a failed per-channel delivery waiting for another attempt.
type RetryTask struct {
	FailedAt  time.Time `json:"failed_at"`
	Payload   *Rendered `json:"payload"`
	Message   Message   `json:"message"`
	ID        string    `json:"id"`
	State     TaskState `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Channel   Channel   `json:"channel"`
	Attempts  int       `json:"attempts"` // Failed sends so far, including the original
}
