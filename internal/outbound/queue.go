// Package outbound runs fire-and-forget side effects off the request path.
//
// Enqueue never blocks and never reports failure to the caller. A full
// queue drops the job and logs it; a failing job is logged.
package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Job func(ctx context.Context) error

type Enqueuer interface {
	Enqueue(name string, job Job)
}

type task struct {
	name string
	job  Job
}

const jobTimeout = 30 * time.Second

type Queue struct {
	jobs    chan task
	log     zerolog.Logger
	dropped prometheus.Counter
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewQueue starts workers draining a buffer of the given size. dropped may be nil.
func NewQueue(buffer, workers int, log zerolog.Logger, dropped prometheus.Counter) *Queue {
	if buffer <= 0 {
		buffer = 1
	}
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{jobs: make(chan task, buffer), log: log, dropped: dropped}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

func (q *Queue) Enqueue(name string, job Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(name, "closed")
		return
	}
	select {
	case q.jobs <- task{name: name, job: job}:
	default:
		q.drop(name, "full")
	}
}

func (q *Queue) drop(name, reason string) {
	if q.dropped != nil {
		q.dropped.Inc()
	}
	q.log.Warn().Str("job", name).Str("reason", reason).Msg("outbound job dropped")
}

func (q *Queue) work() {
	defer q.wg.Done()
	for t := range q.jobs {
		run(q.log, t)
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
		q.wg.Wait()
	})
}

func run(log zerolog.Logger, t task) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", t.name).Interface("panic", r).Msg("outbound job panicked")
		}
	}()
	if err := t.job(ctx); err != nil {
		log.Warn().Err(err).Str("job", t.name).Msg("outbound job failed")
	}
}

// Inline runs each job synchronously on Enqueue. Used by tests and one-shot
// CLI commands where the process exits right after the call.
type Inline struct {
	Log zerolog.Logger
}

func (i Inline) Enqueue(name string, job Job) {
	run(i.Log, task{name: name, job: job})
}
