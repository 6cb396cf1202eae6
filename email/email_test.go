package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"google.golang.org/api/googleapi"

	"sakamichi-relay/pkg/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleRendered() *relay.Rendered {
	return &relay.Rendered{
		PublishedAt: time.Date(2026, 2, 23, 12, 0, 2, 0, time.UTC),
		MessageID:   "m1",
		Author:      "正源司 陽子",
		Site:        "日向坂46",
		Kind:        relay.KindImage,
		Text:        "おはよう <script>alert(1)</script>",
		Translation: "早上好",
		MediaURL:    "https://cdn.example.com/a.jpg",
		Color:       0x3498DB,
	}
}

func TestMessageBodyStructure(t *testing.T) {
	body := formatMessageBody(sampleRendered())

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}

	if got := doc.Find(".author").Text(); got != "正源司 陽子" {
		t.Errorf("author = %q", got)
	}
	if got := doc.Find(".timestamp").Text(); !strings.Contains(got, "2026/02/23 21:00:02 JST") {
		t.Errorf("timestamp = %q, want JST time", got)
	}
	if got := doc.Find(".content").Text(); got != "おはよう <script>alert(1)</script>" {
		t.Errorf("content text = %q", got)
	}
	if doc.Find(".content script").Length() != 0 {
		t.Error("message text was not escaped")
	}
	if got := doc.Find(".translation").Text(); got != "早上好" {
		t.Errorf("translation = %q", got)
	}
	if src, _ := doc.Find(".media img").Attr("src"); src != "https://cdn.example.com/a.jpg" {
		t.Errorf("image src = %q", src)
	}
	if got := doc.Find(".footer").Text(); got != "日向坂46" {
		t.Errorf("footer = %q", got)
	}
}

func TestMessageBodyWithoutText(t *testing.T) {
	r := sampleRendered()
	r.Text, r.Translation = "", ""
	r.Kind = relay.KindVoice
	r.MediaURL = "javascript:alert(1)"

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(formatMessageBody(r)))
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if got := doc.Find(".content").Text(); got != "[ボイス]" {
		t.Errorf("content = %q, want kind placeholder", got)
	}
	if doc.Find(".translation").Length() != 0 {
		t.Error("empty translation rendered")
	}
	if doc.Find(".media").Length() != 0 {
		t.Error("unsafe media URL rendered")
	}
}

func TestSenderUsesProvider(t *testing.T) {
	mock := NewMockProvider(testLogger())
	s := New(mock, testLogger())

	if err := s.Send(context.Background(), " fan@example.com ", sampleRendered()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	if sent[0].To != "fan@example.com" {
		t.Errorf("to = %q", sent[0].To)
	}
	if sent[0].Subject != "[日向坂46] 正源司 陽子 2026/02/23 21:00:02" {
		t.Errorf("subject = %q", sent[0].Subject)
	}
}

func TestBuildMIME(t *testing.T) {
	raw := buildMIME("a@example.com\r\nBcc: evil@example.com", "件名\n", "<p>本文</p>")

	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	if !ok {
		t.Fatal("no header/body separator")
	}
	if strings.Contains(head, "\r\nBcc:") {
		t.Error("header injection not prevented")
	}
	if !strings.Contains(head, "Subject: =?utf-8?b?") {
		t.Errorf("subject not RFC 2047 encoded:\n%s", head)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body, "\r\n", ""))
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(decoded) != "<p>本文</p>" {
		t.Errorf("body = %q", decoded)
	}
}

func TestBrevoProvider(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
		calls   int
	}{
		{name: "accepted", status: http.StatusCreated, calls: 1},
		{name: "bad request is not retried", status: http.StatusBadRequest, wantErr: true, calls: 1},
		{name: "server error retried once", status: http.StatusServiceUnavailable, wantErr: true, calls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if r.Header.Get("api-key") != "k" {
					t.Errorf("api-key = %q", r.Header.Get("api-key"))
				}
				var req brevoSendRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode: %v", err)
				}
				if len(req.To) != 1 || req.To[0].Email != "fan@example.com" || req.Sender.Email != "relay@example.com" || len(req.Tags) != 1 {
					t.Errorf("request = %+v", req)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			b := NewBrevoProvider("k", "relay@example.com", "Relay", testLogger())
			b.endpoint = srv.URL
			b.client = srv.Client()

			err := b.Send(context.Background(), "fan@example.com", "s", "<p>x</p>")
			if (err != nil) != tt.wantErr {
				t.Errorf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.calls {
				t.Errorf("calls = %d, want %d", calls, tt.calls)
			}
		})
	}
}

func TestGmailTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: &googleapi.Error{Code: http.StatusBadRequest}, want: false},
		{err: &googleapi.Error{Code: http.StatusForbidden}, want: false},
		{err: fmt.Errorf("gmail send: %w", &googleapi.Error{Code: http.StatusTooManyRequests}), want: true},
		{err: &googleapi.Error{Code: http.StatusBadGateway}, want: true},
		{err: errors.New("connection reset"), want: true},
	}
	for _, tt := range tests {
		if got := gmailTransient(tt.err); got != tt.want {
			t.Errorf("gmailTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
