// Package pool runs notification deliveries on a fixed set of workers fed by
// a bounded queue. A full queue drops work instead of blocking the caller.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/geogate/internal/metrics"
	"github.com/rs/zerolog"
)

// Job is one queued delivery.
type Job struct {
	Kind    string // outcome, "granted" or "denied"
	Key     string // fence id
	Payload []byte
}

// JobHandler delivers a Job. A non-nil error is retried unless it is
// Permanent.
type JobHandler func(ctx context.Context, job Job) error

// Config sizes the pool and its retry schedule.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
	MaxBackoff time.Duration // 0 means one minute
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Pool owns the queue and its workers.
type Pool struct {
	cfg      Config
	queue    chan Job
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New validates cfg and returns an idle Pool.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1-64, got %d", cfg.Workers)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("POOL_MAX_RETRIES must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Pool{
		cfg:     cfg,
		queue:   make(chan Job, cfg.QueueDepth),
		handler: handler,
		log:     log,
	}, nil
}

// Start runs the workers until ctx is done or Stop drains the queue.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, p.log.With().Int("worker_id", i).Logger())
	}
}

// Enqueue queues job without blocking and reports whether it was accepted.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.queue <- job:
		metrics.Notifications.WithLabelValues("queued").Inc()
		return true
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		p.log.Warn().Str("fence_id", job.Key).Str("outcome", job.Kind).Msg("notification dropped: queue full")
		return false
	}
}

// Stop closes the queue and blocks until the workers have finished what was
// already queued. Enqueue must not be called after Stop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.queue) })
	p.wg.Wait()
}

// Depth is the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.queue)
}

func (p *Pool) work(ctx context.Context, log zerolog.Logger) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			metrics.NotifyQueueDepth.Set(float64(len(p.queue)))
			status := p.deliver(ctx, job, log)
			metrics.Notifications.WithLabelValues(status).Inc()
		}
	}
}

// deliver runs the handler until it succeeds, fails permanently, runs out of
// retries or ctx ends, and returns the final status label. Retries stay on
// this worker; nothing is put back on the queue.
func (p *Pool) deliver(ctx context.Context, job Job, log zerolog.Logger) string {
	var err error
	for attempt := 0; ; attempt++ {
		if err = p.handler(ctx, job); err == nil {
			return "sent"
		}
		if IsPermanent(err) {
			log.Warn().Err(err).Str("fence_id", job.Key).Msg("notification rejected")
			return "rejected"
		}
		if attempt >= p.cfg.MaxRetries {
			break
		}
		metrics.Notifications.WithLabelValues("retried").Inc()
		wait := p.backoff(attempt)
		log.Debug().Err(err).Str("fence_id", job.Key).Int("attempt", attempt+1).
			Dur("backoff", wait).Msg("retrying notification")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return "error"
		case <-t.C:
		}
	}
	log.Error().Err(err).Str("fence_id", job.Key).
		Int("max_retries", p.cfg.MaxRetries).Msg("notification failed")
	return "error"
}

// backoff doubles RetryBase per retry up to MaxBackoff.
func (p *Pool) backoff(retry int) time.Duration {
	d := p.cfg.RetryBase
	for i := 0; i < retry && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}
