package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sakamichi-relay/storage"
)

const usageKey = "usage-stats.json"

// JST is the reporting timezone; a "day" starts at midnight in Tokyo.
var JST = time.FixedZone("JST", 9*60*60)

// Blobs is the persistence the usage counters write through to.
type Blobs interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// DayStats counts translation traffic for one JST day.
type DayStats struct {
	Date         string `json:"date"`
	Calls        int    `json:"calls"`
	Errors       int    `json:"errors"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CachedTokens int    `json:"cached_tokens"`
}

// TotalStats accumulates since StartDate.
type TotalStats struct {
	StartDate    string `json:"start_date"`
	Calls        int    `json:"calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CachedTokens int    `json:"cached_tokens"`
}

// Snapshot is a copy of both counters.
type Snapshot struct {
	Today DayStats   `json:"today"`
	Total TotalStats `json:"total"`
}

// CacheHitRate returns today's cached share of input tokens, in percent.
func (s Snapshot) CacheHitRate() float64 {
	if s.Today.InputTokens == 0 {
		return 0
	}
	return float64(s.Today.CachedTokens) / float64(s.Today.InputTokens) * 100
}

// Usage counts translation calls and token use per day.
type Usage struct {
	blobs  Blobs
	logger *slog.Logger
	now    func() time.Time
	snap   Snapshot
	mu     sync.Mutex
	dirty  bool
}

// NewUsage creates empty counters. blobs may be nil to keep them in memory.
func NewUsage(blobs Blobs, logger *slog.Logger) *Usage {
	u := &Usage{blobs: blobs, logger: logger, now: time.Now}
	today := u.today()
	u.snap = Snapshot{Today: DayStats{Date: today}, Total: TotalStats{StartDate: today}}
	return u
}

// SetClock replaces the time source, for tests.
func (u *Usage) SetClock(now func() time.Time) {
	u.mu.Lock()
	u.now = now
	u.mu.Unlock()
}

func (u *Usage) today() string {
	return u.now().In(JST).Format("2006-01-02")
}

// Load restores persisted counters. Yesterday's day counters are discarded.
func (u *Usage) Load(ctx context.Context) error {
	if u.blobs == nil {
		return nil
	}
	data, err := u.blobs.Load(ctx, usageKey)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load usage stats: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal usage stats: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	today := u.today()
	if snap.Today.Date != today {
		snap.Today = DayStats{Date: today}
	}
	if snap.Total.StartDate == "" {
		snap.Total.StartDate = today
	}
	u.snap = snap
	return nil
}

// Record adds one call.
func (u *Usage) Record(inputTokens, outputTokens, cachedTokens int, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if today := u.today(); u.snap.Today.Date != today {
		u.snap.Today = DayStats{Date: today}
	}
	u.snap.Today.Calls++
	u.snap.Total.Calls++
	if !ok {
		u.snap.Today.Errors++
	}
	u.snap.Today.InputTokens += inputTokens
	u.snap.Today.OutputTokens += outputTokens
	u.snap.Today.CachedTokens += cachedTokens
	u.snap.Total.InputTokens += inputTokens
	u.snap.Total.OutputTokens += outputTokens
	u.snap.Total.CachedTokens += cachedTokens
	u.dirty = true
}

// Snapshot returns a copy of the counters.
func (u *Usage) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snap
}

// ResetDay starts a new day's counters after a report was sent.
func (u *Usage) ResetDay() {
	u.mu.Lock()
	u.snap.Today = DayStats{Date: u.today()}
	u.dirty = true
	u.mu.Unlock()
}

// Flush persists the counters if they changed since the last flush.
func (u *Usage) Flush(ctx context.Context) error {
	if u.blobs == nil {
		return nil
	}
	u.mu.Lock()
	if !u.dirty {
		u.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(u.snap, "", "  ")
	u.dirty = false
	u.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal usage stats: %w", err)
	}
	if err := u.blobs.Save(ctx, usageKey, data); err != nil {
		u.mu.Lock()
		u.dirty = true
		u.mu.Unlock()
		return fmt.Errorf("save usage stats: %w", err)
	}
	return nil
}
