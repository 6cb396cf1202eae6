// Package poll runs the relay's scheduler: one sequential cycle per tick that
// replays due retries, polls every watched subscriber and fans new messages
// out, plus cron jobs between cycles.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sakamichi-relay/config"
	"sakamichi-relay/dispatch"
	"sakamichi-relay/metrics"
	"sakamichi-relay/pkg/relay"
	"sakamichi-relay/queue"
	"sakamichi-relay/state"
	"sakamichi-relay/translate"
	"sakamichi-relay/upstream"
)

// DefaultInterval is the gap between two poll cycles.
const DefaultInterval = 15 * time.Second

// Upstream fetches subscribers and timelines.
type Upstream interface {
	ListSubscribers(ctx context.Context, account string) ([]relay.Subscriber, error)
	Timeline(ctx context.Context, account, groupID string, count int) ([]relay.Message, error)
}

// Tokens holds per-account access tokens.
type Tokens interface {
	Token(account string) (string, bool)
	Refresh(ctx context.Context, account string) error
	Invalidate(account string)
}

// State tracks polling progress.
type State interface {
	LastSeen(subscriberID string) (time.Time, bool)
	IsDispatched(key string) bool
	Seed(ctx context.Context, subscriberID string, ts time.Time) error
	RecordProgress(ctx context.Context, subscriberID string, ts time.Time, key string) error
}

// Queue is the durable retry queue.
type Queue interface {
	Drain(ctx context.Context, send queue.SendFunc) (queue.DrainResult, error)
	Len() int
}

// Dispatcher delivers messages and replays queued deliveries.
type Dispatcher interface {
	FanOut(ctx context.Context, sub relay.Subscriber, msg relay.Message, chs []relay.Channel) dispatch.Result
	Redeliver(ctx context.Context, task *relay.RetryTask) error
}

// Rules provides the current dispatch rules snapshot.
type Rules interface {
	Current() *config.Rules
	Reload() error
}

// Usage is the translation usage counter.
type Usage interface {
	Snapshot() translate.Snapshot
	ResetDay()
	Flush(ctx context.Context) error
}

// Reporter posts the daily usage report.
type Reporter interface {
	SendUsageReport(ctx context.Context, webhook string, snap translate.Snapshot) error
}

// Config holds monitor dependencies and schedules.
type Config struct {
	Upstream      Upstream
	Tokens        Tokens
	State         State
	Queue         Queue
	Dispatcher    Dispatcher
	Rules         Rules
	Usage         Usage    // optional
	Reporter      Reporter // optional
	Logger        *slog.Logger
	ReportWebhook string

	// Cron expressions; empty disables the job. They are evaluated in
	// Location, default translate.JST, the zone usage days roll over in.
	Location       *time.Location
	ReauthSchedule string
	ReloadSchedule string
	ReportSchedule string

	Accounts      []string
	Interval      time.Duration
	TimelineCount int
}

// Status is a point-in-time view of the scheduler for the admin endpoint.
type Status struct {
	LastCycle    time.Time     `json:"last_cycle"`
	LastDuration time.Duration `json:"last_duration_ns"`
	Cycles       int64         `json:"cycles"`
	QueueDepth   int           `json:"queue_depth"`
	Delivered    int           `json:"delivered_last_cycle"`
}

// Monitor owns the poll state and the retry queue; nothing else writes them.
type Monitor struct {
	upstream   Upstream
	tokens     Tokens
	state      State
	queue      Queue
	dispatcher Dispatcher
	rules      Rules
	usage      Usage
	reporter   Reporter
	logger     *slog.Logger
	now        func() time.Time
	loc        *time.Location
	trigger    chan struct{}

	reportWebhook string
	accounts      []string
	jobs          []*job
	interval      time.Duration
	count         int

	mu     sync.Mutex
	status Status
}

// New creates a monitor. Invalid cron expressions are rejected.
func New(cfg *Config) (*Monitor, error) {
	m := &Monitor{
		upstream:      cfg.Upstream,
		tokens:        cfg.Tokens,
		state:         cfg.State,
		queue:         cfg.Queue,
		dispatcher:    cfg.Dispatcher,
		rules:         cfg.Rules,
		usage:         cfg.Usage,
		reporter:      cfg.Reporter,
		logger:        cfg.Logger,
		now:           time.Now,
		loc:           cfg.Location,
		trigger:       make(chan struct{}, 1),
		reportWebhook: cfg.ReportWebhook,
		accounts:      cfg.Accounts,
		interval:      cfg.Interval,
		count:         cfg.TimelineCount,
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.count <= 0 {
		m.count = upstream.DefaultTimelineCount
	}
	if m.loc == nil {
		m.loc = translate.JST
	}

	now := time.Now().In(m.loc)
	for _, def := range []struct {
		name, expr string
		run        func(context.Context) error
	}{
		{"reauth", cfg.ReauthSchedule, m.reauthAll},
		{"reload_rules", cfg.ReloadSchedule, m.reloadRules},
		{"usage_report", cfg.ReportSchedule, m.sendReport},
	} {
		if def.expr == "" {
			continue
		}
		j, err := newJob(def.name, def.expr, def.run, now)
		if err != nil {
			return nil, err
		}
		m.jobs = append(m.jobs, j)
	}
	return m, nil
}

// Trigger requests an immediate cycle. It returns false if one is already
// pending.
func (m *Monitor) Trigger() bool {
	select {
	case m.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Status returns the scheduler status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Run polls until ctx is cancelled. A cycle in progress always completes;
// cancellation is only observed between cycles.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Scheduler started",
		"interval", m.interval.String(),
		"accounts", m.accounts,
		"jobs", len(m.jobs))

	m.runCycle(ctx, "startup")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Scheduler stopping", "reason", ctx.Err())
			return nil
		case now := <-ticker.C:
			m.runJobs(ctx, now)
			m.runCycle(ctx, "timer")
		case <-m.trigger:
			m.runCycle(ctx, "manual")
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context, trigger string) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	delivered, err := m.cycle(ctx)
	if err != nil {
		m.logger.Error("Poll cycle failed", "trigger", trigger, "error", err)
	}

	elapsed := time.Since(start)
	metrics.Cycles.WithLabelValues(trigger).Inc()
	metrics.CycleDuration.Observe(elapsed.Seconds())
	metrics.LastCycleTimestamp.SetToCurrentTime()

	m.mu.Lock()
	m.status.LastCycle = start
	m.status.LastDuration = elapsed
	m.status.Cycles++
	m.status.QueueDepth = m.queue.Len()
	m.status.Delivered = delivered
	m.mu.Unlock()
}

// CheckAll runs one full poll cycle.
func (m *Monitor) CheckAll(ctx context.Context) error {
	_, err := m.cycle(ctx)
	return err
}

func (m *Monitor) cycle(ctx context.Context) (int, error) {
	m.logger.Info("Poll cycle starting", "timestamp", m.now().Format(time.RFC3339))

	drained, err := m.queue.Drain(ctx, m.dispatcher.Redeliver)
	if err != nil {
		m.logger.Error("Failed to persist retry queue", "error", err)
	}
	if drained.Attempted > 0 {
		m.logger.Info("Retry queue drained",
			"attempted", drained.Attempted,
			"succeeded", drained.Succeeded,
			"failed", drained.Failed,
			"dropped", drained.Dropped)
	}

	rules := m.rules.Current()
	var checked, fresh, delivered int
	for _, account := range m.accounts {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Context cancelled, stopping poll cycle", "error", err)
			return delivered, err
		}
		if !m.ensureAuth(ctx, account) {
			continue
		}

		subs, err := withReauth(ctx, m, account, func() ([]relay.Subscriber, error) {
			return m.upstream.ListSubscribers(ctx, account)
		})
		if err != nil {
			m.upstreamFailed(account, "list_groups", err)
			continue
		}

		for _, sub := range subs {
			if !sub.Active() || !rules.Watched(sub) {
				continue
			}
			checked++
			n, d, err := m.checkSubscriber(ctx, rules, sub)
			fresh += n
			delivered += d
			if err != nil {
				m.upstreamFailed(account, "timeline", err)
				m.logger.Warn("Subscriber check failed", "subscriber_id", sub.ID, "name", sub.Name, "error", err)
			}
		}
	}

	if m.usage != nil {
		if err := m.usage.Flush(ctx); err != nil {
			m.logger.Warn("Failed to persist usage stats", "error", err)
		}
	}
	metrics.RetryQueueDepth.Set(float64(m.queue.Len()))

	m.logger.Info("Poll cycle completed",
		"subscribers_checked", checked,
		"new_messages", fresh,
		"delivered", delivered,
		"retry_queue", m.queue.Len())
	return delivered, nil
}

// ensureAuth makes sure the account holds a token, authenticating if needed.
func (m *Monitor) ensureAuth(ctx context.Context, account string) bool {
	if _, ok := m.tokens.Token(account); ok {
		return true
	}
	if err := m.tokens.Refresh(ctx, account); err != nil {
		metrics.UpstreamErrors.WithLabelValues(account, "auth").Inc()
		m.logger.Error("No valid token, skipping account this cycle", "account", account, "error", err)
		return false
	}
	return true
}

// withReauth runs fn and, if the token was rejected, re-authenticates once and
// runs it again.
func withReauth[T any](ctx context.Context, m *Monitor, account string, fn func() (T, error)) (T, error) {
	out, err := fn()
	if !upstream.IsAuthExpired(err) {
		return out, err
	}
	m.logger.Warn("Access token rejected, re-authenticating", "account", account)
	m.tokens.Invalidate(account)
	if rerr := m.tokens.Refresh(ctx, account); rerr != nil {
		var zero T
		return zero, fmt.Errorf("re-authenticate after 401: %w", rerr)
	}
	return fn()
}

func (m *Monitor) upstreamFailed(account, kind string, err error) {
	label := kind
	if upstream.IsAuthExpired(err) {
		label = "auth_expired"
	}
	metrics.UpstreamErrors.WithLabelValues(account, label).Inc()
	if kind == "list_groups" {
		m.logger.Error("Failed to list subscribers, skipping account this cycle", "account", account, "error", err)
	}
}

// checkSubscriber polls one timeline and dispatches what is new. It returns
// the number of new messages and successful deliveries.
func (m *Monitor) checkSubscriber(ctx context.Context, rules *config.Rules, sub relay.Subscriber) (fresh, delivered int, err error) {
	msgs, err := withReauth(ctx, m, sub.Account, func() ([]relay.Message, error) {
		return m.upstream.Timeline(ctx, sub.Account, sub.GroupID, m.count)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("fetch timeline: %w", err)
	}
	if len(msgs) == 0 {
		return 0, 0, nil
	}

	lastSeen, ok := m.state.LastSeen(sub.ID)
	if !ok {
		newest := msgs[0].PublishedAt
		for _, msg := range msgs[1:] {
			if msg.PublishedAt.After(newest) {
				newest = msg.PublishedAt
			}
		}
		if err := m.state.Seed(ctx, sub.ID, newest); err != nil {
			m.logger.Error("Failed to persist seed", "subscriber_id", sub.ID, "error", err)
		}
		m.logger.Info("First poll, last seen recorded",
			"subscriber_id", sub.ID,
			"name", sub.Name,
			"last_seen", newest.Format(time.RFC3339))
		return 0, 0, nil
	}

	newMsgs := m.detectNew(sub, msgs, lastSeen)
	if len(newMsgs) == 0 {
		return 0, 0, nil
	}

	chs := dispatch.Resolve(rules, sub)
	m.logger.Info("New messages detected",
		"subscriber_id", sub.ID,
		"name", sub.Name,
		"count", len(newMsgs),
		"channels", len(chs),
		"previous", lastSeen.Format(time.RFC3339))

	// Oldest first, so lastSeen only ever moves forward.
	for i := len(newMsgs) - 1; i >= 0; i-- {
		msg := newMsgs[i]
		metrics.NewMessages.WithLabelValues(msg.Account, string(msg.Kind)).Inc()

		if err := m.state.RecordProgress(ctx, sub.ID, msg.PublishedAt, msg.DedupKey()); err != nil {
			m.logger.Error("Failed to persist progress", "subscriber_id", sub.ID, "message_id", msg.ID, "error", err)
		}

		res := m.dispatcher.FanOut(ctx, sub, msg, chs)
		delivered += res.Delivered
		if len(chs) > 0 && !res.AnySuccess() {
			m.logger.Warn("Message not delivered to any channel",
				"subscriber_id", sub.ID,
				"message_id", msg.ID,
				"queued", res.Queued,
				"lost", res.Lost)
		}
	}
	return len(newMsgs), delivered, nil
}

// detectNew scans a newest-first timeline and returns the messages to
// dispatch, still newest first. The scan stops at the first message not newer
// than lastSeen.
func (m *Monitor) detectNew(sub relay.Subscriber, msgs []relay.Message, lastSeen time.Time) []relay.Message {
	now := m.now()
	var out []relay.Message
	for _, msg := range msgs {
		if !msg.PublishedAt.After(lastSeen) {
			break
		}
		if m.state.IsDispatched(msg.DedupKey()) {
			metrics.SkippedMessages.WithLabelValues("duplicate").Inc()
			m.logger.Debug("Skipping already dispatched message", "subscriber_id", sub.ID, "message_id", msg.ID)
			continue
		}
		if state.IsStale(msg.PublishedAt, now) {
			metrics.SkippedMessages.WithLabelValues("stale").Inc()
			m.logger.Info("Skipping stale message",
				"subscriber_id", sub.ID,
				"message_id", msg.ID,
				"published_at", msg.PublishedAt.Format(time.RFC3339))
			continue
		}
		out = append(out, msg)
	}
	return out
}
