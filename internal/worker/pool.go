// Package worker drains the job queue with a bounded pool. Each dequeue is
// one attempt; retries and backoff belong to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"agentflow/internal/metrics"
	"agentflow/internal/queue"
)

const (
	DefaultConcurrency  = 5
	DefaultRatePerSec   = 10
	DefaultPollInterval = 250 * time.Millisecond
	recoverEvery        = 30 * time.Second
	eventBuffer         = 256
)

// Handler performs one delivery of a job of the kind it is registered for.
type Handler func(ctx context.Context, job queue.Job) error

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
)

// Event describes how one delivery ended.
type Event struct {
	JobID    string
	Kind     string
	Ref      string
	Attempt  int
	Outcome  Outcome
	Err      error
	Duration time.Duration
	At       time.Time
}

type Config struct {
	Concurrency  int
	RatePerSec   float64
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

type Pool struct {
	repo     queue.Repository
	mu       sync.RWMutex
	handlers map[string]Handler
	sem      chan struct{}
	limiter  *rate.Limiter
	poll     time.Duration
	events   chan Event
	metrics  *metrics.Metrics
	log      zerolog.Logger
	wg       sync.WaitGroup
}

func NewPool(repo queue.Repository, cfg Config, m *metrics.Metrics) *Pool {
	cfg = cfg.withDefaults()
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Pool{
		repo:     repo,
		handlers: map[string]Handler{},
		sem:      make(chan struct{}, cfg.Concurrency),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		poll:     cfg.PollInterval,
		events:   make(chan Event, eventBuffer),
		metrics:  m,
		log:      log.With().Str("component", "worker").Logger(),
	}
}

// Handle registers h for jobs of kind, replacing any earlier registration.
func (p *Pool) Handle(kind string, h Handler) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

// Events delivers one Event per finished delivery. Events are dropped when
// nobody reads them and the buffer is full.
func (p *Pool) Events() <-chan Event { return p.events }

// Run polls the queue until ctx is done, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.poll)
	defer t.Stop()
	lastRecover := time.Now()

	p.log.Info().Int("concurrency", cap(p.sem)).Float64("rate_per_sec", float64(p.limiter.Limit())).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.log.Info().Msg("worker pool stopped")
			return
		case now := <-t.C:
			if now.Sub(lastRecover) >= recoverEvery {
				lastRecover = now
				if n, err := p.repo.RecoverStale(ctx, now); err != nil {
					p.log.Error().Err(err).Msg("recover stale jobs")
				} else if n > 0 {
					p.log.Warn().Int("count", n).Msg("requeued jobs with expired leases")
				}
			}
			p.drain(ctx)
		}
	}
}

// drain leases due jobs until the queue is empty or ctx ends.
func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, lease, err := p.repo.LeaseNext(ctx, time.Now())
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("lease next job")
			}
			return
		}
		if err := p.limiter.Wait(ctx); err != nil {
			// Lease expires and RecoverStale redelivers.
			<-p.sem
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, job, lease)
		}()
	}
}

func (p *Pool) process(ctx context.Context, job queue.Job, lease queue.Lease) {
	p.metrics.JobStarted()
	defer p.metrics.JobFinished()

	start := time.Now()
	logger := p.log.With().Str("job_id", job.ID).Str("kind", job.Kind).Int("attempt", job.Attempts).Logger()
	// Completion must land even when shutdown cancels ctx.
	done := context.WithoutCancel(ctx)

	p.mu.RLock()
	h, ok := p.handlers[job.Kind]
	p.mu.RUnlock()

	var herr error
	if !ok {
		herr = Permanent(fmt.Errorf("no handler for kind %q", job.Kind))
	} else {
		timeout := job.VisibilityTimeout
		if timeout <= 0 {
			timeout = queue.DefaultVisibilityTimeout
		}
		hctx, cancel := context.WithTimeout(ctx, timeout)
		herr = call(hctx, h, job)
		cancel()
	}

	var (
		outcome Outcome
		cerr    error
	)
	switch {
	case herr == nil:
		outcome = OutcomeCompleted
		cerr = p.repo.Succeed(done, job.ID, lease)
	case errors.Is(herr, ErrSkip):
		outcome = OutcomeSkipped
		herr = nil
		cerr = p.repo.Succeed(done, job.ID, lease)
	case IsPermanent(herr):
		outcome = OutcomeFailed
		cerr = p.repo.Fail(done, job.ID, lease, herr.Error())
	default:
		var st queue.State
		st, cerr = p.repo.Retry(done, job.ID, lease, herr.Error(), queue.Backoff(job.Attempts))
		outcome = OutcomeRetried
		if st == queue.StateFailed {
			outcome = OutcomeFailed
		}
	}

	switch {
	case errors.Is(cerr, queue.ErrLeaseLost):
		logger.Debug().Msg("job was re-enqueued or removed while running; completion discarded")
	case cerr != nil:
		logger.Error().Err(cerr).Msg("complete job")
	}

	d := time.Since(start)
	p.metrics.RecordJob(job.Kind, string(outcome), d)
	ev := logger.Debug()
	if outcome == OutcomeFailed || outcome == OutcomeRetried {
		ev = logger.Warn().Err(herr)
	}
	ev.Str("outcome", string(outcome)).Dur("duration", d).Msg("job finished")

	p.publish(Event{
		JobID: job.ID, Kind: job.Kind, Ref: job.Ref, Attempt: job.Attempts,
		Outcome: outcome, Err: herr, Duration: d, At: time.Now(),
	})
}

func (p *Pool) publish(e Event) {
	select {
	case p.events <- e:
	default:
		p.log.Warn().Str("job_id", e.JobID).Msg("event buffer full; dropping event")
	}
}

// call runs h, turning a panic into an error.
func call(ctx context.Context, h Handler, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Bytes("stack", debug.Stack()).Msgf("handler panic: %v", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
