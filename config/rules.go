package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"sakamichi-relay/pkg/relay"
)

// Rule lists where one subscriber's messages go.
type Rule struct {
	Channels []relay.Channel `json:"channels"`
	Enabled  bool            `json:"enabled"`
}

// ruleFile is a rule as written on disk. Besides the explicit channel list it
// accepts the per-platform shorthand of older configs.
type ruleFile struct {
	Enabled           *bool           `json:"enabled"`
	Channels          []relay.Channel `json:"channels"`
	QQGroups          []string        `json:"qq_groups"`
	NoTranslateGroups []string        `json:"no_translate_groups"`
	TelegramChats     []string        `json:"telegram_chats"`
	Discord           string          `json:"discord"`
	Emails            []string        `json:"emails"`
}

func (f ruleFile) rule() Rule {
	r := Rule{Enabled: true}
	if f.Enabled != nil {
		r.Enabled = *f.Enabled
	}
	r.Channels = append(r.Channels, f.Channels...)

	noTranslate := make(map[string]bool, len(f.NoTranslateGroups))
	for _, g := range f.NoTranslateGroups {
		noTranslate[g] = true
	}
	for _, g := range f.QQGroups {
		r.Channels = append(r.Channels, relay.Channel{Kind: relay.ChannelQQ, Target: g, SkipTranslation: noTranslate[g]})
	}
	for _, c := range f.TelegramChats {
		r.Channels = append(r.Channels, relay.Channel{Kind: relay.ChannelTelegram, Target: c})
	}
	if f.Discord != "" {
		r.Channels = append(r.Channels, relay.Channel{Kind: relay.ChannelDiscord, Target: f.Discord})
	}
	for _, e := range f.Emails {
		r.Channels = append(r.Channels, relay.Channel{Kind: relay.ChannelEmail, Target: e})
	}
	return r
}

type rulesFile struct {
	Watch    []string            `json:"watch"`
	Global   []relay.Channel     `json:"global"`
	Members  map[string]ruleFile `json:"members"`
	Defaults map[string]ruleFile `json:"defaults"`
}

// Rules is an immutable snapshot of the dispatch configuration.
type Rules struct {
	LoadedAt time.Time
	members  map[string]Rule // keyed by subscriber id or display name
	defaults map[string]Rule // keyed by account
	watch    map[string]struct{}
	global   []relay.Channel
}

// ParseRules decodes and validates a rules document.
func ParseRules(data []byte) (*Rules, error) {
	var f rulesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	r := &Rules{
		LoadedAt: time.Now(),
		members:  make(map[string]Rule, len(f.Members)),
		defaults: make(map[string]Rule, len(f.Defaults)),
		watch:    make(map[string]struct{}, len(f.Watch)),
		global:   f.Global,
	}
	var errs []error
	for key, rf := range f.Members {
		rule := rf.rule()
		errs = append(errs, validateChannels("members."+key, rule.Channels)...)
		r.members[strings.TrimSpace(key)] = rule
	}
	for key, rf := range f.Defaults {
		rule := rf.rule()
		errs = append(errs, validateChannels("defaults."+key, rule.Channels)...)
		r.defaults[key] = rule
	}
	errs = append(errs, validateChannels("global", f.Global)...)
	for _, w := range f.Watch {
		if w = strings.TrimSpace(w); w != "" {
			r.watch[w] = struct{}{}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func validateChannels(where string, chs []relay.Channel) []error {
	var errs []error
	for i, ch := range chs {
		switch ch.Kind {
		case relay.ChannelQQ, relay.ChannelTelegram, relay.ChannelEmail:
		case relay.ChannelDiscord:
			if !strings.HasPrefix(ch.Target, "https://") && !strings.HasPrefix(ch.Target, "http://") {
				errs = append(errs, fmt.Errorf("%s[%d]: discord target must be a webhook URL", where, i))
			}
		default:
			errs = append(errs, fmt.Errorf("%s[%d]: unknown channel kind %q", where, i, ch.Kind))
		}
		if strings.TrimSpace(ch.Target) == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: empty target", where, i))
		}
	}
	return errs
}

// Watched reports whether the subscriber should be polled. An empty watch
// list watches everyone.
func (r *Rules) Watched(sub relay.Subscriber) bool {
	if len(r.watch) == 0 {
		return true
	}
	if _, ok := r.watch[sub.ID]; ok {
		return true
	}
	_, ok := r.watch[strings.TrimSpace(sub.Name)]
	return ok
}

// MemberRule returns the rule written for this subscriber, looked up by
// stable id first and display name second.
func (r *Rules) MemberRule(sub relay.Subscriber) (Rule, bool) {
	if rule, ok := r.members[sub.ID]; ok {
		return rule, true
	}
	rule, ok := r.members[strings.TrimSpace(sub.Name)]
	return rule, ok
}

// DefaultRule returns the account-wide rule.
func (r *Rules) DefaultRule(account string) (Rule, bool) {
	rule, ok := r.defaults[account]
	return rule, ok
}

// Global returns the mirror channels that receive every message.
func (r *Rules) Global() []relay.Channel {
	return r.global
}

// Kinds returns the channel kinds any enabled rule or the global list routes
// to, sorted.
func (r *Rules) Kinds() []relay.ChannelKind {
	seen := map[relay.ChannelKind]bool{}
	add := func(chs []relay.Channel) {
		for _, ch := range chs {
			seen[ch.Kind] = true
		}
	}
	add(r.global)
	for _, rule := range r.members {
		if rule.Enabled {
			add(rule.Channels)
		}
	}
	for _, rule := range r.defaults {
		if rule.Enabled {
			add(rule.Channels)
		}
	}
	kinds := make([]relay.ChannelKind, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// Holder owns the current Rules snapshot and swaps it atomically on reload.
type Holder struct {
	current atomic.Pointer[Rules]
	logger  *slog.Logger
	path    string
}

// NewHolder loads the rules file. A missing or invalid file is fatal here;
// later reload failures are not.
func NewHolder(path string, logger *slog.Logger) (*Holder, error) {
	h := &Holder{path: path, logger: logger}
	rules, err := h.read()
	if err != nil {
		return nil, err
	}
	h.current.Store(rules)
	logger.Info("Dispatch rules loaded", "path", path, "members", len(rules.members), "defaults", len(rules.defaults))
	return h, nil
}

// NewStaticHolder wraps a fixed snapshot, for tests and embedding.
func NewStaticHolder(rules *Rules) *Holder {
	h := &Holder{logger: slog.Default()}
	h.current.Store(rules)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() *Rules {
	return h.current.Load()
}

// LoadedAt returns when the active snapshot was parsed.
func (h *Holder) LoadedAt() time.Time {
	return h.Current().LoadedAt
}

// Reload re-reads the file. On failure the previous snapshot stays active.
func (h *Holder) Reload() error {
	if h.path == "" {
		return nil
	}
	rules, err := h.read()
	if err != nil {
		h.logger.Error("Rules reload failed, keeping previous rules", "path", h.path, "error", err)
		return err
	}
	h.current.Store(rules)
	h.logger.Info("Dispatch rules reloaded", "path", h.path, "members", len(rules.members), "defaults", len(rules.defaults))
	return nil
}

func (h *Holder) read() (*Rules, error) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.path, err)
	}
	return rules, nil
}
