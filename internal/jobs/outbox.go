package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/store"
)

// OutboxStore is the durable outbox table
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, subject string, payload []byte, msgID string, notBefore time.Time) error
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
	PurgePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// OutboxQueue persists jobs to the outbox; the Dispatcher publishes them
// once due
type OutboxQueue struct {
	store OutboxStore
	now   func() time.Time
}

func NewOutboxQueue(store OutboxStore) *OutboxQueue {
	return &OutboxQueue{store: store, now: time.Now}
}

func (q *OutboxQueue) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	payload, err := Encode(job)
	if err != nil {
		return err
	}
	return q.store.EnqueueOutbox(ctx, job.Subject(), payload, job.DedupID(), now.Add(delay))
}

// Publisher sends a payload with transport-level dedup on msgID
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves due outbox rows to the transport
type Dispatcher struct {
	store     OutboxStore
	publisher Publisher
	logger    *slog.Logger

	BatchSize    int
	Idle         time.Duration
	RetryBackoff time.Duration
	Retention    time.Duration
}

func NewDispatcher(store OutboxStore, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		publisher:    publisher,
		logger:       logger.With("component", "outbox"),
		BatchSize:    100,
		Idle:         500 * time.Millisecond,
		RetryBackoff: 10 * time.Second,
		Retention:    24 * time.Hour,
	}
}

// Run continuously dispatches due messages until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purge.C:
			if n, err := d.store.PurgePublished(ctx, time.Now().Add(-d.Retention)); err != nil {
				d.logger.Warn("outbox purge failed", "error", err)
			} else if n > 0 {
				d.logger.Debug("outbox purged", "rows", n)
			}
		default:
		}

		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("outbox dequeue failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if n == 0 {
			sleep(ctx, d.Idle)
		}
	}
}

// DispatchOnce publishes one batch of due rows and returns how many were due
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.logger.Warn("publish failed", "outbox_id", msg.ID, "retries", msg.Retries, "error", err)
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, d.RetryBackoff); err != nil {
				d.logger.Error("failed to mark outbox retry", "outbox_id", msg.ID, "error", err)
			}
			continue
		}
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("failed to mark published", "outbox_id", msg.ID, "error", err)
		}
	}
	return len(messages), nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ByteConsumer is a transport delivering raw job payloads
type ByteConsumer interface {
	Consume(ctx context.Context, workers int, handle func(context.Context, []byte) error) error
}

// TransportSource decodes payloads from a ByteConsumer into jobs
type TransportSource struct {
	Consumer ByteConsumer
}

func (s TransportSource) Consume(ctx context.Context, workers int, handle func(context.Context, *Job) error) error {
	return s.Consumer.Consume(ctx, workers, func(ctx context.Context, payload []byte) error {
		job, err := Decode(payload)
		if err != nil {
			return err
		}
		return handle(ctx, job)
	})
}
