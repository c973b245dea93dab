// Package scheduler turns bulk send requests into individually timed
// email records and dispatch jobs, and keeps the two stores in step.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"PaceMail/internal/db"
	"PaceMail/internal/metrics"
	"PaceMail/internal/models"
	"PaceMail/internal/zones"
)

var (
	ErrInvalidRequest = errors.New("invalid schedule request")
	ErrNotFound       = errors.New("email not found")
)

// enqueueParallelism bounds concurrent enqueue calls for one batch.
const enqueueParallelism = 16

// MaxBatchSpan is the longest time between the first and last send of a
// batch.
const MaxBatchSpan = 365 * 24 * time.Hour

type RecordStore interface {
	CreateBatch(ctx context.Context, recs []models.EmailRecord) ([]models.EmailRecord, error)
	FindByID(ctx context.Context, id int64) (models.EmailRecord, error)
	Delete(ctx context.Context, id int64) error
	ListByUser(ctx context.Context, userID int64, statuses []models.EmailStatus, order db.Order) ([]models.EmailRecord, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, j models.DispatchJob) (bool, error)
	Remove(ctx context.Context, key string) error
}

type Request struct {
	Subject    string
	Body       string
	Recipients []string
	StartTime  time.Time

	// DelayBetween is the requested spacing between recipients in seconds.
	DelayBetween float64
	HourlyLimit  int
	ZoneID       string

	SenderEmail string
	UserID      int64
}

// View selects one of the per-user listings.
type View int

const (
	ViewScheduled View = iota
	ViewHistory
)

type Planner struct {
	store     RecordStore
	queue     JobQueue
	globalCap int
	log       *zap.Logger
	now       func() time.Time
}

func NewPlanner(store RecordStore, queue JobQueue, globalCap int, logger *zap.Logger) *Planner {
	return &Planner{
		store:     store,
		queue:     queue,
		globalCap: globalCap,
		log:       logger,
		now:       time.Now,
	}
}

// WithClock replaces the planner's time source.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// EffectiveDelay stretches the requested delay by the zone multiplier. The
// result is whole seconds and never below one.
func EffectiveDelay(requestedSeconds, multiplier float64) time.Duration {
	secs := math.Max(1, math.Round(requestedSeconds*multiplier))
	return time.Duration(secs) * time.Second
}

// EffectiveHourlyLimit is the tightest of the request, zone and global caps.
func EffectiveHourlyLimit(requested, zoneCap, globalCap int) int {
	return min(requested, zoneCap, globalCap)
}

// Plan builds the records of one batch without touching any store.
func (p *Planner) Plan(req Request) []models.EmailRecord {
	rule := zones.Resolve(req.ZoneID)
	delay := EffectiveDelay(req.DelayBetween, rule.DelayMultiplier)
	limit := EffectiveHourlyLimit(req.HourlyLimit, rule.HourlyLimitCap, p.globalCap)

	base := req.StartTime
	if now := p.now(); base.Before(now) {
		base = now
	}
	base = base.UTC()

	recs := make([]models.EmailRecord, len(req.Recipients))
	for i, to := range req.Recipients {
		recs[i] = models.EmailRecord{
			Recipient:     to,
			Subject:       req.Subject,
			Body:          req.Body,
			SenderEmail:   req.SenderEmail,
			UserID:        req.UserID,
			ZoneID:        rule.ID,
			HourlyLimit:   limit,
			Status:        models.StatusScheduled,
			ScheduledTime: base.Add(time.Duration(i) * delay),
		}
	}
	return recs
}

// Schedule persists one record per recipient as a single unit and enqueues
// a job for each. It returns how many records were created. Jobs that fail
// to enqueue are logged and left for the Reconciler; the records exist and
// will still be delivered.
func (p *Planner) Schedule(ctx context.Context, req Request) (int, error) {
	if err := validate(req); err != nil {
		return 0, err
	}

	created, err := p.store.CreateBatch(ctx, p.Plan(req))
	if err != nil {
		return 0, fmt.Errorf("persist batch: %w", err)
	}

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(enqueueParallelism)

	for _, rec := range created {
		g.Go(func() error {
			if _, err := p.queue.Enqueue(ctx, models.JobFor(rec)); err != nil {
				failed.Add(1)
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		metrics.EnqueueFailures.Add(float64(failed.Load()))
		p.log.Warn("some jobs were not enqueued, leaving them to the reconciler",
			zap.Int64("failed", failed.Load()),
			zap.Int("batch", len(created)),
			zap.Error(err),
		)
	}

	metrics.EmailsScheduled.Add(float64(len(created)))

	p.log.Info("batch scheduled",
		zap.Int64("user_id", req.UserID),
		zap.String("sender", req.SenderEmail),
		zap.Int("count", len(created)),
		zap.String("zone", created[0].ZoneID),
		zap.Int("hourly_limit", created[0].HourlyLimit),
	)

	return len(created), nil
}

func validate(req Request) error {
	if len(req.Recipients) == 0 || req.HourlyLimit < 1 || req.SenderEmail == "" {
		return ErrInvalidRequest
	}
	if math.IsNaN(req.DelayBetween) || req.DelayBetween < 1 {
		return ErrInvalidRequest
	}

	// Checked in float seconds so that a huge delay cannot wrap a Duration.
	rule := zones.Resolve(req.ZoneID)
	step := math.Max(1, math.Round(req.DelayBetween*rule.DelayMultiplier))
	span := step * float64(len(req.Recipients)-1)
	if step > MaxBatchSpan.Seconds() || span > MaxBatchSpan.Seconds() {
		return fmt.Errorf("%w: batch would span more than %v", ErrInvalidRequest, MaxBatchSpan)
	}
	return nil
}

// Cancel deletes a record owned by userID. A scheduled record loses its job
// first so that it can no longer fire. A worker that already picked the job
// up may still send it.
func (p *Planner) Cancel(ctx context.Context, userID, id int64) error {
	rec, err := p.store.FindByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && rec.UserID != userID) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find email %d: %w", id, err)
	}

	if rec.Status == models.StatusScheduled {
		if err := p.queue.Remove(ctx, models.JobKey(rec.ID)); err != nil {
			return fmt.Errorf("remove job for email %d: %w", id, err)
		}
	}

	if err := p.store.Delete(ctx, rec.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete email %d: %w", id, err)
	}

	p.log.Info("email cancelled",
		zap.Int64("email_id", id),
		zap.String("status", string(rec.Status)),
	)
	return nil
}

// List returns userID's scheduled emails by send time, or finished ones
// with the most recent first.
func (p *Planner) List(ctx context.Context, userID int64, view View) ([]models.EmailRecord, error) {
	if view == ViewHistory {
		return p.store.ListByUser(ctx, userID,
			[]models.EmailStatus{models.StatusSent, models.StatusFailed}, db.BySentAtDesc)
	}
	return p.store.ListByUser(ctx, userID,
		[]models.EmailStatus{models.StatusScheduled}, db.ByScheduledTimeAsc)
}
