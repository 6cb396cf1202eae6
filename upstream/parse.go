package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"sakamichi-relay/pkg/relay"
)

// flexID accepts ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

type group struct {
	ID           flexID `json:"id"`
	Name         string `json:"name"`
	Thumbnail    string `json:"thumbnail"`
	Subscription struct {
		State string `json:"state"`
	} `json:"subscription"`
}

// decodeGroups accepts both a bare array and {"groups": [...]}.
func decodeGroups(raw json.RawMessage) ([]group, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	var groups []group
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &groups); err != nil {
			return nil, err
		}
		return groups, nil
	}
	var wrapped struct {
		Groups []group `json:"groups"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Groups, nil
}

type timelineResponse struct {
	Messages []timelineMessage `json:"messages"`
}

type timelineMessage struct {
	ID          flexID          `json:"id"`
	PublishedAt string          `json:"published_at"`
	Text        string          `json:"text"`
	Type        string          `json:"type"`
	File        json.RawMessage `json:"file"`
}

type fileObject struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// file returns the attachment URL and content type. The field is either a
// plain URL string or an object.
func (m *timelineMessage) file() (string, string) {
	raw := bytes.TrimSpace(m.File)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, ""
		}
		return "", ""
	}
	var obj fileObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", ""
	}
	return obj.URL, obj.ContentType
}

func (m *timelineMessage) toMessage(account, subscriberID string) (relay.Message, error) {
	id := m.ID.String()
	if id == "" {
		return relay.Message{}, errors.New("missing id")
	}
	publishedAt, err := parseTime(m.PublishedAt)
	if err != nil {
		return relay.Message{}, err
	}

	mediaURL, contentType := m.file()
	kind := classify(m.Type, contentType, mediaURL)
	if !kind.HasMedia() {
		mediaURL = ""
	}

	return relay.Message{
		ID:           id,
		Account:      account,
		SubscriberID: subscriberID,
		PublishedAt:  publishedAt,
		Kind:         kind,
		Text:         m.Text,
		MediaURL:     mediaURL,
	}, nil
}

// classify decides the message kind once, from the declared type first and the
// attachment content type second.
func classify(typ, contentType, mediaURL string) relay.MessageKind {
	switch strings.ToLower(typ) {
	case "picture", "image", "photo":
		if mediaURL != "" {
			return relay.KindImage
		}
	case "video", "movie":
		if mediaURL != "" {
			return relay.KindVideo
		}
	case "voice", "audio":
		if mediaURL != "" {
			return relay.KindVoice
		}
	}
	if mediaURL == "" {
		return relay.KindText
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "image"):
		return relay.KindImage
	case strings.Contains(ct, "video"):
		return relay.KindVideo
	case strings.Contains(ct, "audio"):
		return relay.KindVoice
	}
	return relay.KindText
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing published_at")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse published_at %q: %w", s, err)
	}
	return t, nil
}

func sortNewestFirst(msgs []relay.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].PublishedAt.After(msgs[j].PublishedAt)
	})
}
