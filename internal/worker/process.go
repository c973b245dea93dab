package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"PaceMail/internal/db"
	"PaceMail/internal/metrics"
	"PaceMail/internal/models"
	"PaceMail/internal/queue"
)

type Outcome int

const (
	// OutcomeSkipped: the record is gone or already finished.
	OutcomeSkipped Outcome = iota
	// OutcomeDeferred: the sender's hour is full; the job waits for RetryAt.
	OutcomeDeferred
	OutcomeSent
	// OutcomeFailed: the transport gave up; the record is failed.
	OutcomeFailed
	// OutcomeErrored: a store or the gate could not be reached; the job is
	// tried again shortly with nothing changed.
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	case OutcomeErrored:
		return "errored"
	}
	return "unknown"
}

// Result is what handling one job produced. The pool settles the job in
// the job store from it.
type Result struct {
	Outcome Outcome
	RetryAt time.Time
	Err     error
}

// Process handles one claimed job and updates its record. It does not
// touch the job store.
func (p *Pool) Process(ctx context.Context, j models.DispatchJob) Result {
	rec, err := p.store.FindByID(ctx, j.Payload.RecordID)
	if errors.Is(err, db.ErrNotFound) {
		return Result{Outcome: OutcomeSkipped}
	}
	if err != nil {
		return p.errored(fmt.Errorf("load email %d: %w", j.Payload.RecordID, err))
	}
	if rec.Status.Terminal() {
		return Result{Outcome: OutcomeSkipped}
	}
	// A job left over from another record under the same id.
	if rec.SenderEmail != j.Payload.SenderEmail {
		p.log.Warn("job payload does not match its email, discarding",
			zap.String("job", j.Key),
			zap.Int64("email_id", rec.ID),
		)
		return Result{Outcome: OutcomeSkipped}
	}

	if err := p.pacer.Wait(ctx); err != nil {
		return p.errored(fmt.Errorf("pacing: %w", err))
	}

	limit := j.Payload.HourlyLimit
	if limit <= 0 {
		limit = p.hourlyCap
	}

	decision, err := p.gate.Admit(ctx, j.Payload.SenderEmail, limit)
	if err != nil {
		return p.errored(err)
	}

	if !decision.Allowed {
		if err := p.store.Reschedule(ctx, rec.ID, decision.RetryAt); err != nil {
			p.log.Error("failed to reschedule deferred email",
				zap.Int64("email_id", rec.ID),
				zap.Error(err),
			)
		}
		return Result{Outcome: OutcomeDeferred, RetryAt: decision.RetryAt}
	}

	info, sendErr := p.transport.Send(ctx, j.Payload.SenderEmail, rec.Recipient, rec.Subject, rec.Body)
	now := p.now().UTC()

	if sendErr != nil {
		if err := p.store.MarkFailed(ctx, rec.ID, now); err != nil {
			p.log.Error("failed to update failure status",
				zap.Int64("email_id", rec.ID),
				zap.Error(err),
			)
		}
		return Result{Outcome: OutcomeFailed, Err: sendErr}
	}

	if err := p.store.MarkSent(ctx, rec.ID, now); err != nil {
		p.log.Error("failed to update sent status",
			zap.Int64("email_id", rec.ID),
			zap.Error(err),
		)
	}

	p.log.Info("email sent successfully",
		zap.Int64("email_id", rec.ID),
		zap.String("to", rec.Recipient),
		zap.String("message_id", info.MessageID),
		zap.Int("attempts", info.Attempts),
	)
	return Result{Outcome: OutcomeSent}
}

func (p *Pool) errored(err error) Result {
	return Result{
		Outcome: OutcomeErrored,
		RetryAt: p.now().Add(p.errorDelay),
		Err:     err,
	}
}

// settle applies a Result to the job store.
func (p *Pool) settle(ctx context.Context, j models.DispatchJob, res Result) {
	var err error

	switch res.Outcome {
	case OutcomeSkipped:
		err = p.queue.Complete(ctx, j.Key)

	case OutcomeSent:
		metrics.EmailsSent.Inc()
		err = p.queue.Complete(ctx, j.Key)

	case OutcomeDeferred:
		metrics.QuotaDeferrals.Inc()
		p.log.Info("sender quota reached, deferring",
			zap.String("job", j.Key),
			zap.String("sender", j.Payload.SenderEmail),
			zap.Time("retry_at", res.RetryAt),
		)
		err = p.queue.MoveToDelayed(ctx, j.Key, res.RetryAt)

	case OutcomeFailed:
		metrics.EmailFailures.Inc()
		p.log.Error("email send failed",
			zap.String("job", j.Key),
			zap.Error(res.Err),
		)
		err = p.queue.Fail(ctx, j, res.Err)

	case OutcomeErrored:
		p.log.Warn("job errored, retrying shortly",
			zap.String("job", j.Key),
			zap.Time("retry_at", res.RetryAt),
			zap.Error(res.Err),
		)
		err = p.queue.MoveToDelayed(ctx, j.Key, res.RetryAt)
	}

	// The job was removed while it ran, typically by a cancel.
	if errors.Is(err, queue.ErrNotFound) {
		p.log.Debug("job vanished before settle", zap.String("job", j.Key))
		return
	}
	if err != nil {
		p.log.Error("failed to settle job",
			zap.String("job", j.Key),
			zap.Stringer("outcome", res.Outcome),
			zap.Error(err),
		)
	}
}
