package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crisis-chat/internal/observability"
)

// Job is a unit of background work. Its context carries the pool's per-job
// timeout and is detached from the connection that caused it.
type Job func(ctx context.Context) error

// Pool runs jobs on a bounded set of workers. A full queue never drops a
// job: the overflow runs on its own goroutine.
type Pool struct {
	jobs    chan Job
	timeout time.Duration
	log     *zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines reading from a queue of size queue.
// timeout <= 0 means jobs run without a deadline.
func NewPool(workers, queue int, timeout time.Duration, logger *zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = &log.Logger
	}
	p := &Pool{jobs: make(chan Job, queue), timeout: timeout, log: logger}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				p.run(j)
			}
		}()
	}
	return p
}

// Submit schedules j. After Close, j runs synchronously on the caller.
func (p *Pool) Submit(j Job) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.run(j)
		return
	}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	default:
		p.wg.Add(1)
		p.mu.RUnlock()
		observability.ObserveJob(observability.JobOverflow, -1)
		p.log.Warn().Msg("pipeline queue full, running job on a fresh goroutine")
		go func() {
			defer p.wg.Done()
			p.run(j)
		}()
	}
}

func (p *Pool) run(j Job) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	outcome := observability.JobOK
	defer func() {
		if r := recover(); r != nil {
			outcome = observability.JobFailed
			p.log.Error().Interface("panic", r).Msg("pipeline job panicked")
		}
		observability.ObserveJob(outcome, time.Since(start).Seconds())
	}()
	if err := j(ctx); err != nil {
		outcome = observability.JobFailed
		p.log.Error().Err(err).Msg("pipeline job failed")
	}
}

// Close stops accepting queued work and waits for every started job.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
