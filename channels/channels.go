// Package channels delivers rendered messages to destination platforms:
// QQ groups over OneBot v11, Telegram chats, Discord webhooks and email.
package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sakamichi-relay/pkg/relay"
)

// Separator goes between the header line and the body.
const Separator = "━━━━━━━━━━"

// JST is the timezone headers are rendered in.
var JST = time.FixedZone("JST", 9*60*60)

// Sender delivers one rendered message to one target on one platform.
type Sender interface {
	Send(ctx context.Context, target string, r *relay.Rendered) error
}

// Registry maps channel kinds to their senders.
type Registry map[relay.ChannelKind]Sender

// Send routes to the sender registered for the channel's kind.
func (reg Registry) Send(ctx context.Context, ch relay.Channel, r *relay.Rendered) error {
	s, ok := reg[ch.Kind]
	if !ok || s == nil {
		return fmt.Errorf("no sender configured for channel kind %q", ch.Kind)
	}
	return s.Send(ctx, ch.Target, r)
}

// Header renders "name YYYY/MM/DD HH:MM:SS" in Tokyo time.
func Header(r *relay.Rendered) string {
	return r.Author + " " + r.PublishedAt.In(JST).Format("2006/01/02 15:04:05")
}

// PlainText is the text-only rendition: header, separator and body, or a
// kind placeholder when the message has no text.
func PlainText(r *relay.Rendered) string {
	var b strings.Builder
	b.WriteString(Header(r))
	b.WriteString("\n")
	b.WriteString(Separator)
	b.WriteString("\n")
	if body := r.Body(); body != "" {
		b.WriteString(body)
	} else {
		b.WriteString("[" + r.Kind.Label() + "]")
	}
	return b.String()
}

// truncateRunes cuts s to at most n runes, appending "..." when cut.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
