package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sakamichi-relay/config"
	"sakamichi-relay/channels"
	"sakamichi-relay/email"
	"sakamichi-relay/pkg/relay"
	storepkg "sakamichi-relay/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenBlobs(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(dir string) *config.Config
	}{
		{name: "sqlite", cfg: func(dir string) *config.Config { return &config.Config{StateDB: filepath.Join(dir, "state.db")} }},
		{name: "local directory", cfg: func(dir string) *config.Config { return &config.Config{LocalStorage: filepath.Join(dir, "data")} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, closeFn, err := openBlobs(ctx, tt.cfg(t.TempDir()), nil, testLogger())
			if err != nil {
				t.Fatalf("openBlobs() error = %v", err)
			}
			defer closeFn()

			if _, err := store.Load(ctx, "last-seen.json"); !storepkg.IsNotFound(err) {
				t.Errorf("Load() of missing key error = %v, want not found", err)
			}
			if err := store.Save(ctx, "last-seen.json", []byte(`{"a":1}`)); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			got, err := store.Load(ctx, "last-seen.json")
			if err != nil || string(got) != `{"a":1}` {
				t.Errorf("Load() = %q, %v", got, err)
			}
		})
	}
}

func TestEmailProviderDefaultsToMock(t *testing.T) {
	p, err := emailProvider(context.Background(), &config.Config{EmailProvider: "mock"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*email.MockProvider); !ok {
		t.Errorf("provider = %T, want *email.MockProvider", p)
	}
}

func TestRunServicesStopsWhenAdminServerFails(t *testing.T) {
	bindErr := errors.New("listen tcp :8080: bind: address already in use")
	stopped := make(chan struct{})
	scheduler := func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	}
	admin := func(context.Context) error { return bindErr }

	done := make(chan error, 1)
	go func() { done <- runServices(context.Background(), testLogger(), scheduler, admin) }()

	select {
	case err := <-done:
		if !errors.Is(err, bindErr) {
			t.Errorf("runServices() error = %v, want %v", err, bindErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServices() kept running after the admin server failed")
	}
	select {
	case <-stopped:
	default:
		t.Error("scheduler was not stopped")
	}
}

func TestRunServicesCleanShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wait := func(ctx context.Context) error { <-ctx.Done(); return nil }
	if err := runServices(ctx, testLogger(), wait, wait); err != nil {
		t.Errorf("runServices() error = %v, want nil", err)
	}
}

func TestUnservedKinds(t *testing.T) {
	rules, err := config.ParseRules([]byte(`{
		"global": [{"kind": "discord", "target": "https://discord.com/api/webhooks/1/a"}],
		"members": {"hinatazaka:42": {"emails": ["fan@example.com"], "telegram_chats": ["-5"]}},
		"defaults": {"nogizaka": {"enabled": false, "qq_groups": ["100"]}}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	registry := channels.Registry{
		relay.ChannelDiscord: nil,
		relay.ChannelEmail:   email.New(email.NewMockProvider(testLogger()), testLogger()),
	}
	simulated := map[relay.ChannelKind]bool{relay.ChannelEmail: isMockEmail(registry)}

	got := unservedKinds(rules, registry, simulated)
	want := []relay.ChannelKind{relay.ChannelEmail, relay.ChannelTelegram}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("unservedKinds() = %v, want %v", got, want)
	}
}
