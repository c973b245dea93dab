// Package worker runs the dispatch pool: a fixed set of goroutines that
// claim due jobs, consult the sender's hourly quota, hand the email to the
// transport and settle both the record and the job.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PaceMail/internal/email"
	"PaceMail/internal/models"
	"PaceMail/internal/queue"
	"PaceMail/internal/quota"
)

type RecordStore interface {
	FindByID(ctx context.Context, id int64) (models.EmailRecord, error)
	Reschedule(ctx context.Context, id int64, at time.Time) error
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, at time.Time) error
}

type JobQueue interface {
	Claim(ctx context.Context) (models.DispatchJob, error)
	MoveToDelayed(ctx context.Context, key string, due time.Time) error
	Complete(ctx context.Context, key string) error
	Fail(ctx context.Context, j models.DispatchJob, cause error) error
	ReapStale(ctx context.Context, threshold time.Duration) (int, error)
}

type QuotaGate interface {
	Admit(ctx context.Context, sender string, limit int) (quota.Decision, error)
}

type Transport interface {
	Send(ctx context.Context, from, to, subject, body string) (email.DeliveryInfo, error)
}

// Pool manages the dispatch goroutines. All of them share one pacing
// limiter, so sends are spaced pool-wide whatever the concurrency.
type Pool struct {
	store     RecordStore
	queue     JobQueue
	gate      QuotaGate
	transport Transport
	log       *zap.Logger
	pacer     *rate.Limiter

	concurrency       int
	pollInterval      time.Duration
	errorDelay        time.Duration
	visibilityTimeout time.Duration
	reapInterval      time.Duration
	hourlyCap         int
	now               func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
}

type PoolOption func(*Pool)

func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithMinSendInterval sets the pool-wide spacing between dispatch attempts.
func WithMinSendInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pacer = rate.NewLimiter(rate.Every(d), 1) }
}

// WithVisibilityTimeout sets how long a claimed job may stay unsettled
// before the reaper hands it to another worker. Zero disables reaping.
func WithVisibilityTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.visibilityTimeout = d }
}

func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reapInterval = d }
}

// WithHourlyCap sets the limit used for jobs whose payload carries none.
func WithHourlyCap(n int) PoolOption {
	return func(p *Pool) { p.hourlyCap = n }
}

func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

func NewPool(
	store RecordStore,
	queue JobQueue,
	gate QuotaGate,
	transport Transport,
	logger *zap.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:             store,
		queue:             queue,
		gate:              gate,
		transport:         transport,
		log:               logger,
		pacer:             rate.NewLimiter(rate.Every(2*time.Second), 1),
		concurrency:       5,
		pollInterval:      time.Second,
		errorDelay:        5 * time.Second,
		visibilityTimeout: 10 * time.Minute,
		reapInterval:      time.Minute,
		hourlyCap:         200,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines and returns immediately. Cancelling
// ctx aborts in-flight sends the same way a timed-out Stop does. A stopped
// pool can be started again.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	stop := make(chan struct{})
	p.stopCh = stop

	runCtx, cancel := context.WithCancel(ctx)
	p.cancelRun = cancel

	p.log.Info("dispatch pool starting",
		zap.Int("concurrency", p.concurrency),
		zap.Float64("sends_per_second", float64(p.pacer.Limit())),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(runCtx, i, stop)
	}

	if p.visibilityTimeout > 0 && p.reapInterval > 0 {
		p.wg.Add(1)
		go p.reapLoop(runCtx, stop)
	}

	return nil
}

// Stop signals the workers and waits for in-flight jobs. When ctx ends
// first, in-flight sends are cancelled; their jobs stay claimed and are
// reaped later.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false

	p.log.Info("dispatch pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("dispatch pool stopped gracefully")
	case <-ctx.Done():
		p.log.Warn("dispatch pool shutdown timed out, cancelling in-flight sends")
		p.cancelRun()
		<-done
	}

	p.cancelRun()
	return nil
}

func (p *Pool) loop(ctx context.Context, id int, stop <-chan struct{}) {
	defer p.wg.Done()

	p.log.Info("worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-stop:
			p.log.Info("worker shutting down", zap.Int("worker_id", id))
			return
		case <-ctx.Done():
			p.log.Info("worker context done", zap.Int("worker_id", id))
			return
		default:
		}

		j, err := p.queue.Claim(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				p.log.Error("claim failed",
					zap.Int("worker_id", id),
					zap.Error(err),
				)
			}
			p.sleep(ctx, stop)
			continue
		}

		res := p.Process(ctx, j)
		p.settle(ctx, j, res)
	}
}

func (p *Pool) reapLoop(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReapStale(ctx, p.visibilityTimeout)
			if err != nil {
				p.log.Error("reap stale jobs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.log.Warn("reaped stale jobs", zap.Int("count", n))
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-time.After(p.pollInterval):
	case <-stop:
	case <-ctx.Done():
	}
}
