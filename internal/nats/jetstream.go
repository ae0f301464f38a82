package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// JobStream holds every sync unit until a worker acks it
	JobStream   = "MAIL_SYNC_JOBS"
	JobSubjects = "mailsync.jobs.>"
)

// Publisher wraps NATS JetStream for publishing job payloads
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and opens a JetStream context
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mail-sync-engine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the job stream as a work queue if missing
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(JobStream, nats.Context(ctx))
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       JobStream,
		Subjects:   []string{JobSubjects},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes with JetStream deduplication on msgID
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Consumer returns a durable pull consumer over the job stream
func (p *Publisher) Consumer(durable string, ackWait time.Duration, logger *slog.Logger) (*Consumer, error) {
	sub, err := p.js.PullSubscribe(JobSubjects, durable,
		nats.BindStream(JobStream),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer: %w", err)
	}
	return &Consumer{sub: sub, logger: logger.With("component", "natsjs", "durable", durable)}, nil
}

// Ping reports whether the connection is up
func (p *Publisher) Ping() error {
	if p.nc == nil || !p.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Consumer fetches job payloads and acks them once handled
type Consumer struct {
	sub    *nats.Subscription
	logger *slog.Logger
}

// Consume pulls messages with the given number of workers. A handle error
// during shutdown naks the message for redelivery; any other handle error
// terminates it as undeliverable.
func (c *Consumer) Consume(ctx context.Context, workers int, handle func(context.Context, []byte) error) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, handle)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) loop(ctx context.Context, handle func(context.Context, []byte) error) {
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := c.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			c.logger.Warn("fetch failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := handle(ctx, msg.Data); err != nil {
				if ctx.Err() != nil {
					_ = msg.Nak()
					continue
				}
				c.logger.Warn("job payload rejected", "subject", msg.Subject, "error", err)
				_ = msg.Term()
				continue
			}
			if err := msg.Ack(); err != nil {
				c.logger.Warn("ack failed", "subject", msg.Subject, "error", err)
			}
		}
	}
}

// Close drains the subscription
func (c *Consumer) Close() error {
	return c.sub.Unsubscribe()
}
