package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue accepts units of work, optionally delayed
type Queue interface {
	Enqueue(ctx context.Context, job *Job, delay time.Duration) error
}

// Source delivers jobs to workers until ctx is done. handle returns an
// error only when the job was interrupted and should be redelivered.
type Source interface {
	Consume(ctx context.Context, workers int, handle func(context.Context, *Job) error) error
}

// MemoryQueue is an in-process Queue and Source. Delayed jobs and jobs
// that overflow the buffer wait in goroutines; pending jobs are lost on
// restart.
type MemoryQueue struct {
	ch   chan *Job
	done chan struct{}
	once sync.Once
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryQueue{ch: make(chan *Job, buffer), done: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job, delay time.Duration) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	if delay <= 0 {
		select {
		case q.ch <- job:
		default:
			// full: workers enqueue during fan-out and must not block on
			// their own queue
			go q.deliver(job)
		}
		return nil
	}

	time.AfterFunc(delay, func() { q.deliver(job) })
	return nil
}

func (q *MemoryQueue) deliver(job *Job) {
	select {
	case q.ch <- job:
	case <-q.done:
	}
}

// Consume runs workers until ctx is cancelled or the queue is closed
func (q *MemoryQueue) Consume(ctx context.Context, workers int, handle func(context.Context, *Job) error) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case job := <-q.ch:
					_ = handle(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Len is the number of jobs ready to run
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops delivery; delayed jobs not yet due are dropped
func (q *MemoryQueue) Close() {
	q.once.Do(func() { close(q.done) })
}
