package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"PaceMail/internal/metrics"
	"PaceMail/internal/models"
)

type OrphanStore interface {
	ListOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]models.EmailRecord, error)
}

// Reconciler re-creates jobs for scheduled records that are overdue and
// have none, which happens when an enqueue fails after the batch was
// persisted. Enqueue never touches a live key, so records whose job is
// waiting or running are left alone.
type Reconciler struct {
	store OrphanStore
	queue JobQueue
	grace time.Duration
	batch int
	log   *zap.Logger
	now   func() time.Time

	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewReconciler(store OrphanStore, queue JobQueue, grace time.Duration, batch int, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		queue: queue,
		grace: grace,
		batch: batch,
		log:   logger,
		now:   time.Now,
	}
}

// Sweep runs one pass and returns how many jobs it created.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.grace)

	recs, err := r.store.ListOrphaned(ctx, cutoff, r.batch)
	if err != nil {
		return 0, fmt.Errorf("list overdue emails: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		created, err := r.queue.Enqueue(ctx, models.JobFor(rec))
		if err != nil {
			r.log.Error("reconcile enqueue failed",
				zap.Int64("email_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		if created {
			restored++
			r.log.Info("restored missing job",
				zap.Int64("email_id", rec.ID),
				zap.Time("scheduled_time", rec.ScheduledTime),
			)
		}
	}

	metrics.JobsReconciled.Add(float64(restored))
	return restored, nil
}

// Start runs Sweep on a cron schedule (such as "@every 1m"). Overlapping
// runs are skipped.
func (r *Reconciler) Start(schedule string) error {
	ctx, cancel := context.WithCancel(context.Background())

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.log.Sugar()})))
	if _, err := c.AddFunc(schedule, func() {
		n, err := r.Sweep(ctx)
		if err != nil {
			r.log.Error("reconcile sweep failed", zap.Error(err))
			return
		}
		r.log.Debug("reconcile sweep completed", zap.Int("restored", n))
	}); err != nil {
		cancel()
		return fmt.Errorf("reconcile schedule %q: %w", schedule, err)
	}

	r.cron = c
	r.cancel = cancel
	c.Start()

	r.log.Info("reconciler started", zap.String("schedule", schedule))
	return nil
}

// Stop cancels a running sweep and waits for it, or for ctx.
func (r *Reconciler) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	r.cancel()

	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		r.log.Warn("reconciler stop timed out")
	}
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
