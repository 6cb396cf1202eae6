package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"sakamichi-relay/pkg/relay"
	"sakamichi-relay/storage"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock, *storage.Store) {
	t.Helper()
	blobs := storage.New(nil, "", "", t.TempDir(), testLogger())
	clock := &fakeClock{t: time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)}
	q := New(blobs, time.Minute, 5, testLogger())
	q.SetClock(clock.now)
	return q, clock, blobs
}

func enqueueOne(t *testing.T, q *Queue) {
	t.Helper()
	ch := relay.Channel{Kind: relay.ChannelQQ, Target: "1059030628"}
	msg := relay.Message{ID: "105", Account: "hinatazaka", SubscriberID: "hinatazaka:70"}
	payload := &relay.Rendered{MessageID: "105", Author: "正源司 陽子", Kind: relay.KindText, Text: "こんにちは"}
	if err := q.Enqueue(context.Background(), ch, payload, msg, errors.New("connection refused")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func TestDrainRespectsCooldown(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	enqueueOne(t, q)

	calls := 0
	send := func(context.Context, *relay.RetryTask) error { calls++; return nil }

	clock.advance(30 * time.Second)
	res, err := q.Drain(context.Background(), send)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 || res.Attempted != 0 {
		t.Fatalf("task retried before cooldown elapsed (calls=%d)", calls)
	}

	clock.advance(30 * time.Second)
	res, err = q.Drain(context.Background(), send)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || res.Succeeded != 1 {
		t.Fatalf("Drain() = %+v, calls=%d; want one successful retry", res, calls)
	}
	if q.Len() != 0 {
		t.Errorf("successful task not removed, Len() = %d", q.Len())
	}
}

func TestTaskDroppedAfterSixConsecutiveFailures(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	enqueueOne(t, q) // failure #1: the original send

	calls := 0
	failing := func(context.Context, *relay.RetryTask) error { calls++; return errors.New("still down") }

	for i := 0; i < 5; i++ {
		clock.advance(time.Minute)
		if _, err := q.Drain(context.Background(), failing); err != nil {
			t.Fatal(err)
		}
	}

	if calls != 5 {
		t.Fatalf("send called %d times, want 5 replays", calls)
	}
	if q.Len() != 0 {
		t.Fatalf("task survived 6 consecutive failures, Len() = %d", q.Len())
	}

	clock.advance(time.Hour)
	if _, err := q.Drain(context.Background(), failing); err != nil {
		t.Fatal(err)
	}
	if calls != 5 {
		t.Errorf("dropped task was retried again (calls=%d)", calls)
	}
}

func TestFailedRetryRearmsCooldown(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	enqueueOne(t, q)

	failing := func(context.Context, *relay.RetryTask) error { return errors.New("down") }
	clock.advance(time.Minute)
	res, err := q.Drain(context.Background(), failing)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("Drain() = %+v, want one failure", res)
	}

	tasks := q.Tasks()
	if len(tasks) != 1 || tasks[0].Attempts != 2 || tasks[0].State != relay.TaskPending {
		t.Fatalf("task after failed retry = %+v, want attempts=2 pending", tasks)
	}
	if tasks[0].LastError != "down" {
		t.Errorf("LastError = %q, want %q", tasks[0].LastError, "down")
	}

	called := false
	clock.advance(10 * time.Second)
	if _, err := q.Drain(context.Background(), func(context.Context, *relay.RetryTask) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("task replayed before its re-armed cooldown")
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	q, clock, blobs := newTestQueue(t)
	enqueueOne(t, q)

	restarted := New(blobs, time.Minute, 5, testLogger())
	restarted.SetClock(clock.now)
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if restarted.Len() != 1 {
		t.Fatalf("Len() after restart = %d, want 1", restarted.Len())
	}

	task := restarted.Tasks()[0]
	if task.Channel.Target != "1059030628" || task.Payload == nil || task.Payload.Text != "こんにちは" {
		t.Errorf("restored task lost its payload: %+v", task)
	}
	if task.ID == "" {
		t.Error("restored task has no id")
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	res, err := q.Drain(context.Background(), func(context.Context, *relay.RetryTask) error {
		t.Fatal("send must not be called on an empty queue")
		return nil
	})
	if err != nil || res != (DrainResult{}) {
		t.Errorf("Drain() on empty queue = %+v, %v", res, err)
	}
}
