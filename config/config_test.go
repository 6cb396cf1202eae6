package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sakamichi-relay/pkg/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_TOKENS", "hinatazaka:app-h,sakurazaka:app-s")
	t.Setenv("SITE_BASE_URLS", "hinatazaka:http://127.0.0.1:9999/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %s, want 15s", cfg.PollInterval)
	}
	if cfg.TimelineCount != 5 || cfg.DedupCapacity != 1000 || cfg.RetryMax != 5 {
		t.Errorf("defaults = count %d, cap %d, retries %d", cfg.TimelineCount, cfg.DedupCapacity, cfg.RetryMax)
	}
	if cfg.AppTokens["sakurazaka"] != "app-s" {
		t.Errorf("AppTokens = %v", cfg.AppTokens)
	}

	got := cfg.Accounts(cfg.Sites())
	if len(got) != 2 || got[0] != "hinatazaka" || got[1] != "sakurazaka" {
		t.Errorf("Accounts() = %v, want [hinatazaka sakurazaka]", got)
	}
	if base := cfg.Sites()["hinatazaka"].BaseURL; base != "http://127.0.0.1:9999" {
		t.Errorf("base URL override = %q", base)
	}
}

func TestLoadRejectsBadSchedule(t *testing.T) {
	t.Setenv("REPORT_SCHEDULE", "every day")
	if _, err := Load(); err == nil {
		t.Error("Load() accepted an invalid cron expression")
	}
}

const rulesJSON = `{
  "watch": [],
  "global": [{"kind": "discord", "target": "https://discord.com/api/webhooks/1/abc"}],
  "members": {
    "正源司 陽子": {"qq_groups": ["213658334", "1059030628"], "no_translate_groups": ["1059030628"]},
    "sakurazaka:72": {"enabled": false, "channels": [{"kind": "telegram", "target": "-100123"}]}
  },
  "defaults": {
    "hinatazaka": {"enabled": true, "channels": [{"kind": "qq", "target": "1059030628"}]}
  }
}`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(rulesJSON))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}

	sub := relay.Subscriber{ID: "hinatazaka:70", Account: "hinatazaka", Name: "正源司 陽子"}
	rule, ok := rules.MemberRule(sub)
	if !ok || !rule.Enabled {
		t.Fatalf("MemberRule() by name = %+v, %v", rule, ok)
	}
	if len(rule.Channels) != 2 {
		t.Fatalf("shorthand expanded to %d channels, want 2", len(rule.Channels))
	}
	if rule.Channels[0].SkipTranslation || !rule.Channels[1].SkipTranslation {
		t.Errorf("skip_translation flags = %v, %v; want false, true",
			rule.Channels[0].SkipTranslation, rule.Channels[1].SkipTranslation)
	}

	byID, ok := rules.MemberRule(relay.Subscriber{ID: "sakurazaka:72", Name: "renamed"})
	if !ok || byID.Enabled {
		t.Errorf("MemberRule() by id = %+v, %v; want disabled rule", byID, ok)
	}

	if _, ok := rules.DefaultRule("hinatazaka"); !ok {
		t.Error("DefaultRule(hinatazaka) missing")
	}
	if len(rules.Global()) != 1 {
		t.Errorf("Global() = %v", rules.Global())
	}
	if !rules.Watched(sub) {
		t.Error("empty watch list must watch everyone")
	}
}

func TestParseRulesRejectsBadChannels(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown kind", `{"global":[{"kind":"line","target":"x"}]}`},
		{"empty target", `{"defaults":{"nogizaka":{"channels":[{"kind":"qq","target":" "}]}}}`},
		{"discord without url", `{"members":{"a":{"discord":"not-a-url"}}}`},
		{"malformed", `{"members":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tt.doc)); err == nil {
				t.Error("ParseRules() expected error")
			}
		})
	}
}

func TestWatchList(t *testing.T) {
	rules, err := ParseRules([]byte(`{"watch":["大野 愛実","sakurazaka:72"]}`))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		sub  relay.Subscriber
		want bool
	}{
		{relay.Subscriber{ID: "hinatazaka:80", Name: "大野 愛実"}, true},
		{relay.Subscriber{ID: "sakurazaka:72", Name: "someone"}, true},
		{relay.Subscriber{ID: "nogizaka:1", Name: "other"}, false},
	}
	for _, tt := range tests {
		if got := rules.Watched(tt.sub); got != tt.want {
			t.Errorf("Watched(%s) = %v, want %v", tt.sub.ID, got, tt.want)
		}
	}
}

func TestHolderReloadKeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(rulesJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	h, err := NewHolder(path, testLogger())
	if err != nil {
		t.Fatalf("NewHolder() error = %v", err)
	}
	before := h.Current()

	if err := os.WriteFile(path, []byte(`{broken`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err == nil {
		t.Fatal("Reload() of broken file expected error")
	}
	if h.Current() != before {
		t.Error("failed reload replaced the active snapshot")
	}

	if err := os.WriteFile(path, []byte(`{"defaults":{"nogizaka":{"qq_groups":["1"]}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, ok := h.Current().DefaultRule("nogizaka"); !ok {
		t.Error("successful reload not visible through Current()")
	}
}

func TestNewHolderMissingFile(t *testing.T) {
	if _, err := NewHolder(filepath.Join(t.TempDir(), "nope.json"), testLogger()); err == nil {
		t.Error("NewHolder() with missing file expected error")
	}
}
