package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"sakamichi-relay/pkg/relay"
)

type telegramCall struct {
	Method string
	Form   url.Values
}

func fakeTelegram(t *testing.T) (*Telegram, func() []telegramCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []telegramCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		w.Header().Set("Content-Type", "application/json")
		if method == "getMe" {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"b","username":"b"}}`))
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		calls = append(calls, telegramCall{Method: method, Form: r.PostForm})
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"group"}}}`))
	}))
	t.Cleanup(srv.Close)

	tg, err := NewTelegram("TOKEN", srv.URL+"/bot%s/%s", srv.Client(), testLogger())
	if err != nil {
		t.Fatalf("NewTelegram() error = %v", err)
	}
	return tg, func() []telegramCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]telegramCall(nil), calls...)
	}
}

func TestTelegramSendText(t *testing.T) {
	tg, calls := fakeTelegram(t)

	r := rendered(relay.KindText, "a<b", "翻译", "")
	if err := tg.Send(context.Background(), "42", r); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := calls()
	if len(got) != 1 || got[0].Method != "sendMessage" {
		t.Fatalf("calls = %+v", got)
	}
	want := "<b>正源司 陽子</b> 2026/02/23 21:00:02\n━━━━━━━━━━\na&lt;b\n\n翻译"
	if text := got[0].Form.Get("text"); text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
	if got[0].Form.Get("parse_mode") != "HTML" || got[0].Form.Get("chat_id") != "42" {
		t.Errorf("form = %v", got[0].Form)
	}
}

func TestTelegramSendPhotoWithCaption(t *testing.T) {
	tg, calls := fakeTelegram(t)

	if err := tg.Send(context.Background(), "42", rendered(relay.KindImage, "見て", "", "https://cdn.example.com/a.jpg")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := calls()
	if len(got) != 1 || got[0].Method != "sendPhoto" {
		t.Fatalf("calls = %+v", got)
	}
	if got[0].Form.Get("photo") != "https://cdn.example.com/a.jpg" {
		t.Errorf("photo = %q", got[0].Form.Get("photo"))
	}
	if !strings.HasSuffix(got[0].Form.Get("caption"), "見て") {
		t.Errorf("caption = %q", got[0].Form.Get("caption"))
	}
}

func TestTelegramLongCaptionSplits(t *testing.T) {
	tg, calls := fakeTelegram(t)

	long := strings.Repeat("長", 1100)
	if err := tg.Send(context.Background(), "42", rendered(relay.KindVideo, long, "", "https://cdn.example.com/v.mp4")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := calls()
	if len(got) != 2 || got[0].Method != "sendVideo" || got[1].Method != "sendMessage" {
		t.Fatalf("calls = %+v", got)
	}
	if got[0].Form.Get("caption") != "<b>正源司 陽子</b> 2026/02/23 21:00:02" {
		t.Errorf("caption = %q, want header only", got[0].Form.Get("caption"))
	}
	if !strings.Contains(got[1].Form.Get("text"), long) {
		t.Error("full text not sent after media")
	}
}

func TestTelegramInvalidChat(t *testing.T) {
	tg, _ := fakeTelegram(t)
	if err := tg.Send(context.Background(), "@channel", rendered(relay.KindText, "x", "", "")); err == nil {
		t.Error("Send() accepted a non-numeric chat id")
	}
}

func TestTelegramSendHonorsContext(t *testing.T) {
	tg, calls := fakeTelegram(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tg.Send(ctx, "42", rendered(relay.KindText, "おはよう", "", "")); err == nil {
		t.Error("Send() with cancelled context succeeded")
	}
	if got := calls(); len(got) != 0 {
		t.Errorf("calls = %+v, want none after cancellation", got)
	}
}
