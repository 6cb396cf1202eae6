// Package queue holds failed per-channel deliveries and replays them after a
// fixed cooldown, dropping a task once it has failed too many times.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sakamichi-relay/pkg/relay"
	"sakamichi-relay/storage"
)

const (
	queueKey = "retry-queue.json"

	// DefaultCooldown is the wait between attempts of one task.
	DefaultCooldown = time.Minute

	// DefaultMaxRetries is how many replays a task gets after its first failure.
	DefaultMaxRetries = 5
)

// Blobs is the persistence the queue writes through to.
type Blobs interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// SendFunc replays one task.
type SendFunc func(ctx context.Context, task *relay.RetryTask) error

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int
	Succeeded int
	Failed    int
	Dropped   int
}

// Queue is the durable retry queue. It is owned by the scheduler loop.
type Queue struct {
	blobs      Blobs
	logger     *slog.Logger
	now        func() time.Time
	tasks      []*relay.RetryTask
	cooldown   time.Duration
	maxRetries int
}

// New creates an empty queue. Call Load to restore persisted tasks.
func New(blobs Blobs, cooldown time.Duration, maxRetries int, logger *slog.Logger) *Queue {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		blobs:      blobs,
		logger:     logger,
		now:        time.Now,
		cooldown:   cooldown,
		maxRetries: maxRetries,
	}
}

// SetClock replaces the wall clock, for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Load restores tasks persisted by a previous run.
func (q *Queue) Load(ctx context.Context) error {
	data, err := q.blobs.Load(ctx, queueKey)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load retry queue: %w", err)
	}

	var tasks []*relay.RetryTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("unmarshal retry queue: %w", err)
	}
	// A crash mid-replay leaves tasks marked retrying; they go back to pending.
	for _, t := range tasks {
		t.State = relay.TaskPending
	}
	q.tasks = tasks
	q.logger.Info("Retry queue loaded", "tasks", len(tasks))
	return nil
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Tasks returns a snapshot of the queued tasks.
func (q *Queue) Tasks() []relay.RetryTask {
	out := make([]relay.RetryTask, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	return out
}

// Enqueue records a first failed delivery and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, ch relay.Channel, payload *relay.Rendered, msg relay.Message, sendErr error) error {
	task := &relay.RetryTask{
		ID:       uuid.NewString(),
		Channel:  ch,
		Payload:  payload,
		Message:  msg,
		FailedAt: q.now(),
		Attempts: 1,
		State:    relay.TaskPending,
	}
	if sendErr != nil {
		task.LastError = sendErr.Error()
	}
	q.tasks = append(q.tasks, task)

	q.logger.Info("Delivery queued for retry",
		"task_id", task.ID,
		"channel", ch.String(),
		"message_id", msg.ID,
		"queue_len", len(q.tasks))

	return q.save(ctx)
}

// Drain replays every task whose cooldown has elapsed. Successful tasks are
// removed; failed ones are re-armed until they exceed the retry budget.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (DrainResult, error) {
	var res DrainResult
	if len(q.tasks) == 0 {
		return res, nil
	}

	now := q.now()
	kept := q.tasks[:0:0]
	for _, task := range q.tasks {
		if now.Sub(task.FailedAt) < q.cooldown {
			kept = append(kept, task)
			continue
		}

		res.Attempted++
		task.State = relay.TaskRetrying
		q.logger.Info("Retrying delivery",
			"task_id", task.ID,
			"channel", task.Channel.String(),
			"message_id", task.Message.ID,
			"attempt", task.Attempts+1)

		err := send(ctx, task)
		if err == nil {
			res.Succeeded++
			q.logger.Info("Retry succeeded", "task_id", task.ID, "channel", task.Channel.String())
			continue
		}

		task.Attempts++
		task.FailedAt = now
		task.LastError = err.Error()
		task.State = relay.TaskPending

		if task.Attempts > q.maxRetries {
			res.Dropped++
			q.logger.Error("Giving up on delivery after repeated failures",
				"task_id", task.ID,
				"channel", task.Channel.String(),
				"message_id", task.Message.ID,
				"subscriber_id", task.Message.SubscriberID,
				"attempts", task.Attempts,
				"error", err)
			continue
		}

		res.Failed++
		q.logger.Warn("Retry failed, will try again after cooldown",
			"task_id", task.ID,
			"channel", task.Channel.String(),
			"attempts", task.Attempts,
			"cooldown", q.cooldown.String(),
			"error", err)
		kept = append(kept, task)
	}
	q.tasks = kept

	if res.Attempted == 0 {
		return res, nil
	}
	return res, q.save(ctx)
}

func (q *Queue) save(ctx context.Context) error {
	tasks := q.tasks
	if tasks == nil {
		tasks = []*relay.RetryTask{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal retry queue: %w", err)
	}
	if err := q.blobs.Save(ctx, queueKey, data); err != nil {
		return fmt.Errorf("save retry queue: %w", err)
	}
	return nil
}
