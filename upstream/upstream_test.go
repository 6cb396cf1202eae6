package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"sakamichi-relay/pkg/relay"
)

type staticTokens map[string]string

func (s staticTokens) Token(account string) (string, bool) {
	t, ok := s[account]
	return t, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sites := relay.Sites{"hinatazaka": {Key: "hinatazaka", BaseURL: srv.URL, AppID: "test-app"}}
	return New(srv.Client(), sites, staticTokens{"hinatazaka": "tok"}, 0, testLogger())
}

func TestListSubscribersShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"id":70,"name":"正源司 陽子","thumbnail":"https://cdn/70.jpg","subscription":{"state":"active"}},{"id":"43","name":"日向坂46","subscription":null}]`},
		{"wrapped", `{"groups":[{"id":70,"name":"正源司 陽子","thumbnail":"https://cdn/70.jpg","subscription":{"state":"active"}},{"id":"43","name":"日向坂46"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v2/groups" {
					http.NotFound(w, r)
					return
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q", got)
				}
				if got := r.Header.Get("X-Talk-App-ID"); got != "test-app" {
					t.Errorf("X-Talk-App-ID = %q", got)
				}
				_, _ = w.Write([]byte(tt.body))
			})

			subs, err := c.ListSubscribers(context.Background(), "hinatazaka")
			if err != nil {
				t.Fatalf("ListSubscribers() error = %v", err)
			}
			if len(subs) != 2 {
				t.Fatalf("got %d subscribers, want 2", len(subs))
			}
			if subs[0].ID != "hinatazaka:70" || !subs[0].Active() || subs[0].AvatarURL != "https://cdn/70.jpg" {
				t.Errorf("subs[0] = %+v", subs[0])
			}
			if subs[1].ID != "hinatazaka:43" || subs[1].Active() {
				t.Errorf("subs[1] = %+v, want inactive hinatazaka:43", subs[1])
			}
		})
	}
}

func TestTimelineParsesAndOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/groups/70/timeline" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("count") != "5" || r.URL.Query().Get("order") != "desc" {
			t.Errorf("query = %v", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"messages":[
			{"id":98,"published_at":"2026-02-23T12:00:01Z","type":"text","text":"おはよう"},
			{"id":110,"published_at":"2026-02-23T12:00:03Z","type":"picture","text":"","file":"https://cdn/a.jpg"},
			{"id":105,"published_at":"2026-02-23 21:00:02+09:00","type":"voice","file":{"url":"https://cdn/v.m4a","content_type":"audio/mp4"}},
			{"id":"bad","published_at":"not a time"}
		]}`))
	})

	msgs, err := c.Timeline(context.Background(), "hinatazaka", "70", 5)
	if err != nil {
		t.Fatalf("Timeline() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (unparseable one skipped)", len(msgs))
	}

	wantIDs := []string{"110", "105", "98"}
	wantKinds := []relay.MessageKind{relay.KindImage, relay.KindVoice, relay.KindText}
	for i, m := range msgs {
		if m.ID != wantIDs[i] || m.Kind != wantKinds[i] {
			t.Errorf("msgs[%d] = id %s kind %s, want id %s kind %s", i, m.ID, m.Kind, wantIDs[i], wantKinds[i])
		}
		if m.SubscriberID != "hinatazaka:70" || m.Account != "hinatazaka" {
			t.Errorf("msgs[%d] subscriber = %s account = %s", i, m.SubscriberID, m.Account)
		}
	}
	if !msgs[1].PublishedAt.Equal(time.Date(2026, 2, 23, 12, 0, 2, 0, time.UTC)) {
		t.Errorf("offset timestamp parsed as %v", msgs[1].PublishedAt)
	}
	if msgs[0].MediaURL != "https://cdn/a.jpg" || msgs[2].MediaURL != "" {
		t.Errorf("media urls = %q, %q", msgs[0].MediaURL, msgs[2].MediaURL)
	}
}

func TestUnauthorizedIsTyped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Timeline(context.Background(), "hinatazaka", "70", 5)
	if !IsAuthExpired(err) {
		t.Fatalf("Timeline() error = %v, want AuthExpiredError", err)
	}
	_, err = c.ListSubscribers(context.Background(), "hinatazaka")
	if !IsAuthExpired(err) {
		t.Fatalf("ListSubscribers() error = %v, want AuthExpiredError", err)
	}
}

func TestServerErrorIsNotEmptyList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	msgs, err := c.Timeline(context.Background(), "hinatazaka", "70", 5)
	if err == nil {
		t.Fatalf("Timeline() = %v, want error", msgs)
	}
	if IsAuthExpired(err) {
		t.Error("502 misreported as auth expiry")
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Errorf("error = %v, want HTTPStatusError 502", err)
	}
}

func TestMissingTokenIsAuthExpired(t *testing.T) {
	c := New(http.DefaultClient, relay.Sites{"sakurazaka": {BaseURL: "http://unused"}}, staticTokens{}, 0, testLogger())
	if _, err := c.ListSubscribers(context.Background(), "sakurazaka"); !IsAuthExpired(err) {
		t.Errorf("error = %v, want AuthExpiredError", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		typ, contentType, url string
		want                  relay.MessageKind
	}{
		{"text", "", "", relay.KindText},
		{"picture", "", "u", relay.KindImage},
		{"image", "", "u", relay.KindImage},
		{"video", "", "u", relay.KindVideo},
		{"voice", "", "u", relay.KindVoice},
		{"picture", "", "", relay.KindText},
		{"", "image/jpeg", "u", relay.KindImage},
		{"", "video/mp4", "u", relay.KindVideo},
		{"", "audio/mp4", "u", relay.KindVoice},
		{"", "application/octet-stream", "u", relay.KindText},
	}
	for _, tt := range tests {
		if got := classify(tt.typ, tt.contentType, tt.url); got != tt.want {
			t.Errorf("classify(%q, %q, %q) = %s, want %s", tt.typ, tt.contentType, tt.url, got, tt.want)
		}
	}
}
