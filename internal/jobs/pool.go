package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// ExhaustedFunc is called once a job has failed MaxAttempts times
type ExhaustedFunc func(ctx context.Context, job *Job, err error)

// Timeouts bound each unit's run time
type Timeouts struct {
	Initial time.Duration
	Quick   time.Duration
	Message time.Duration
}

// For returns the hard timeout for job
func (t Timeouts) For(job *Job) time.Duration {
	switch {
	case job.Kind == KindProcessMessage:
		return t.Message
	case job.Mode == ModeInitial:
		return t.Initial
	default:
		return t.Quick
	}
}

// PoolConfig sizes the pool
type PoolConfig struct {
	Workers     int
	MaxAttempts int
	Backoff     []time.Duration
	Timeouts    Timeouts
}

// Pool dispatches jobs to handlers by kind, retrying failures with backoff
type Pool struct {
	queue     Queue
	cfg       PoolConfig
	handlers  map[Kind]Handler
	exhausted ExhaustedFunc
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight int
}

func NewPool(queue Queue, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{time.Minute, 5 * time.Minute, 10 * time.Minute}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = len(cfg.Backoff) + 1
	}
	return &Pool{
		queue:    queue,
		cfg:      cfg,
		handlers: make(map[Kind]Handler),
		logger:   logger.With("component", "jobs"),
	}
}

// Register sets the handler for kind
func (p *Pool) Register(kind Kind, h Handler) {
	p.handlers[kind] = h
}

// OnExhausted sets the hook run when a job gives up
func (p *Pool) OnExhausted(fn ExhaustedFunc) {
	p.exhausted = fn
}

// Run consumes src until ctx is cancelled
func (p *Pool) Run(ctx context.Context, src Source) error {
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)
	err := src.Consume(ctx, p.cfg.Workers, p.Handle)
	p.logger.Info("worker pool stopped")
	return err
}

// InFlight is the number of jobs currently running
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Handle runs one job and schedules its retry or gives up on it. It
// returns an error only when ctx was cancelled mid-run.
func (p *Pool) Handle(ctx context.Context, job *Job) error {
	h, ok := p.handlers[job.Kind]
	if !ok {
		p.logger.Error("no handler for job kind", job.LogAttrs()...)
		return nil
	}

	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	start := time.Now()
	err := p.run(ctx, h, job)
	if err == nil {
		p.logger.Debug("job done", append(job.LogAttrs(), "duration", time.Since(start))...)
		return nil
	}
	if ctx.Err() != nil {
		p.logger.Warn("job interrupted", append(job.LogAttrs(), "error", err)...)
		return fmt.Errorf("job interrupted: %w", ctx.Err())
	}

	if job.Attempt+1 >= p.cfg.MaxAttempts {
		p.logger.Error("job abandoned", append(job.LogAttrs(), "error", err)...)
		if p.exhausted != nil {
			p.exhausted(ctx, job, err)
		}
		return nil
	}

	delay := p.backoff(job.Attempt)
	next := job.Retry()
	if qerr := p.queue.Enqueue(ctx, next, delay); qerr != nil {
		p.logger.Error("failed to schedule retry", append(job.LogAttrs(), "error", qerr)...)
		return nil
	}
	p.logger.Warn("job failed, retrying", append(job.LogAttrs(), "error", err, "retry_in", delay)...)
	return nil
}

func (p *Pool) backoff(attempt int) time.Duration {
	if attempt >= len(p.cfg.Backoff) {
		return p.cfg.Backoff[len(p.cfg.Backoff)-1]
	}
	return p.cfg.Backoff[attempt]
}

func (p *Pool) run(ctx context.Context, h Handler, job *Job) (err error) {
	if d := p.cfg.Timeouts.For(job); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", append(job.LogAttrs(), "panic", r, "stack", string(debug.Stack()))...)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
