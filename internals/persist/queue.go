// Package persist stores finished exchanges in the memory store on a
// best-effort basis, off the request path.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jadenj13/memoir/internals/memory"
)

var (
	ErrClosed    = errors.New("persistence queue closed")
	ErrQueueFull = errors.New("persistence queue full")
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
	DefaultTimeout   = 10 * time.Second
)

// Job is one exchange waiting to be written.
type Job struct {
	ID        string
	Session   string
	User      string
	Assistant string
	At        time.Time
}

type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per store call
}

type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	InFlight  int64 `json:"in_flight"`
	Pending   int64 `json:"pending"`
}

type metrics struct {
	enqueued  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
}

// Queue is a bounded job queue drained by a fixed set of workers. A job
// either completes, fails and is logged, or is still pending at shutdown.
type Queue struct {
	store memory.Store
	log   *slog.Logger
	opts  Options

	jobs   chan Job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	m      metrics
}

func normalize(opts Options) Options {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return opts
}

func New(store memory.Store, log *slog.Logger, opts Options) *Queue {
	opts = normalize(opts)
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:  store,
		log:    log,
		opts:   opts,
		jobs:   make(chan Job, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(opts.Workers)
	for range opts.Workers {
		go q.worker()
	}
	return q
}

// Enqueue never blocks. It fails with ErrQueueFull when the buffer is full
// and ErrClosed after Shutdown.
func (q *Queue) Enqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.m.dropped.Add(1)
		return ErrClosed
	}
	if job.At.IsZero() {
		job.At = time.Now()
	}
	select {
	case q.jobs <- job:
		q.m.enqueued.Add(1)
		return nil
	default:
		q.m.dropped.Add(1)
		return ErrQueueFull
	}
}

func (q *Queue) Stats() Stats {
	st := Stats{
		Enqueued:  q.m.enqueued.Load(),
		Completed: q.m.completed.Load(),
		Failed:    q.m.failed.Load(),
		Dropped:   q.m.dropped.Load(),
		InFlight:  q.m.inFlight.Load(),
	}
	st.Pending = st.Enqueued - st.Completed - st.Failed
	return st
}

// Shutdown stops intake and waits for queued jobs to drain. If ctx ends
// first, running store calls are cancelled and the remaining jobs stay
// pending in the returned stats.
func (q *Queue) Shutdown(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		st := q.Stats()
		q.log.Info("persistence queue drained", "completed", st.Completed, "failed", st.Failed, "dropped", st.Dropped)
		return st, nil
	case <-ctx.Done():
		q.cancel()
		st := q.Stats()
		q.log.Warn("persistence queue shutdown timed out", "pending", st.Pending)
		return st, ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		if q.ctx.Err() != nil {
			// shutdown gave up; leave the rest pending
			continue
		}
		q.run(job)
	}
}

func (q *Queue) run(job Job) {
	q.m.inFlight.Add(1)
	defer q.m.inFlight.Add(-1)

	start := time.Now()
	err := q.write(job)
	if err != nil {
		q.m.failed.Add(1)
		level := slog.LevelWarn
		if errors.Is(err, memory.ErrUnavailable) {
			level = slog.LevelDebug
		}
		q.log.Log(q.ctx, level, "persist exchange failed", "session", job.Session, "turn", job.ID, "err", err)
		return
	}
	q.m.completed.Add(1)
	q.log.Debug("exchange persisted", "session", job.Session, "turn", job.ID, "elapsed", time.Since(start))
}

func (q *Queue) write(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.Timeout)
	defer cancel()

	text := fmt.Sprintf("User: %s\nAssistant: %s", job.User, job.Assistant)
	meta := map[string]any{
		"type":      "conversation",
		"timestamp": job.At.UTC().Format(time.RFC3339),
	}
	if job.ID != "" {
		meta["turn"] = job.ID
	}
	_, err = q.store.Add(ctx, job.Session, text, memory.DefaultImportance, meta)
	return err
}
