package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of background work.
type Job func(ctx context.Context)

// QueueOptions tune a Queue.
type QueueOptions struct {
	Name string
	// Timeout bounds each job.
	Timeout time.Duration
	// Capacity bounds pending jobs; Submit drops beyond it.
	Capacity int
}

// Queue runs jobs one at a time, in submission order, off the caller's
// goroutine. The drain goroutine exits when the queue empties.
type Queue struct {
	opts   QueueOptions
	logger zerolog.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	jobs    []Job
	running bool
	dropped int64
}

// NewQueue constructs an empty queue.
func NewQueue(opts QueueOptions, logger zerolog.Logger) *Queue {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	l := logger.With().Str("component", "queue")
	if opts.Name != "" {
		l = l.Str("job", opts.Name)
	}
	q := &Queue{opts: opts, logger: l.Logger()}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Submit enqueues job and reports whether it was accepted.
func (q *Queue) Submit(job Job) bool {
	q.mu.Lock()
	if len(q.jobs) >= q.opts.Capacity {
		q.dropped++
		dropped := q.dropped
		q.mu.Unlock()
		q.logger.Warn().Int64("dropped", dropped).Msg("queue full, job dropped")
		return false
	}
	q.jobs = append(q.jobs, job)
	if q.running {
		q.mu.Unlock()
		return true
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
	return true
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		q.run(job)
	}
}

func (q *Queue) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("queued job panicked")
		}
	}()
	job(ctx)
}

// Wait blocks until every submitted job has finished.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.running {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

// Pending reports queued jobs not yet started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
