package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"PaceMail/internal/models"
)

var ErrNotFound = errors.New("email not found")

// Order selects how list queries are sorted.
type Order int

const (
	ByScheduledTimeAsc Order = iota
	BySentAtDesc
)

const schema = `
CREATE TABLE IF NOT EXISTS emails (
	id             BIGSERIAL PRIMARY KEY,
	recipient      TEXT NOT NULL,
	subject        TEXT NOT NULL,
	body           TEXT NOT NULL,
	sender_email   TEXT NOT NULL,
	user_id        BIGINT NOT NULL,
	zone_id        TEXT NOT NULL DEFAULT '',
	hourly_limit   INTEGER NOT NULL,
	status         TEXT NOT NULL DEFAULT 'scheduled',
	scheduled_time TIMESTAMPTZ NOT NULL,
	sent_at        TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_emails_user_status
	ON emails (user_id, status);

CREATE INDEX IF NOT EXISTS idx_emails_scheduled
	ON emails (scheduled_time)
	WHERE status = 'scheduled';
`

const selectColumns = `id, recipient, subject, body, sender_email, user_id, zone_id,
	hourly_limit, status, scheduled_time, sent_at, created_at`

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate creates the emails table and its indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CreateBatch inserts every record in one transaction and returns them with
// their ids and creation times filled in. Either all rows become visible or
// none do.
func (s *Store) CreateBatch(ctx context.Context, recs []models.EmailRecord) ([]models.EmailRecord, error) {
	out := make([]models.EmailRecord, len(recs))
	copy(out, recs)

	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range out {
			batch.Queue(
				`INSERT INTO emails
				 (recipient, subject, body, sender_email, user_id, zone_id,
				  hourly_limit, status, scheduled_time, created_at)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
				 RETURNING id, created_at`,
				r.Recipient,
				r.Subject,
				r.Body,
				r.SenderEmail,
				r.UserID,
				r.ZoneID,
				r.HourlyLimit,
				models.StatusScheduled,
				r.ScheduledTime,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for i := range out {
			if err := br.QueryRow().Scan(&out[i].ID, &out[i].CreatedAt); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert email %d: %w", i, err)
			}
			out[i].Status = models.StatusScheduled
		}
		return br.Close()
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (models.EmailRecord, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM emails WHERE id=$1`,
		id,
	)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailRecord{}, ErrNotFound
	}
	return rec, err
}

// Reschedule moves a still scheduled record to a later send time.
func (s *Store) Reschedule(ctx context.Context, id int64, at time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE emails
		 SET scheduled_time=$1
		 WHERE id=$2 AND status=$3`,
		at,
		id,
		models.StatusScheduled,
	)

	return err
}

func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return s.finish(ctx, id, models.StatusSent, at)
}

func (s *Store) MarkFailed(ctx context.Context, id int64, at time.Time) error {
	return s.finish(ctx, id, models.StatusFailed, at)
}

// finish only moves records out of scheduled; sent and failed are final.
func (s *Store) finish(ctx context.Context, id int64, status models.EmailStatus, at time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE emails
		 SET status=$1,
		     sent_at=$2
		 WHERE id=$3 AND status=$4`,
		status,
		at,
		id,
		models.StatusScheduled,
	)

	return err
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM emails WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListByUser(
	ctx context.Context,
	userID int64,
	statuses []models.EmailStatus,
	order Order,
) ([]models.EmailRecord, error) {

	orderBy := "scheduled_time ASC, id ASC"
	if order == BySentAtDesc {
		orderBy = "sent_at DESC NULLS LAST, id DESC"
	}

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT `+selectColumns+`
		 FROM emails
		 WHERE user_id=$1 AND status = ANY($2)
		 ORDER BY `+orderBy,
		userID,
		names,
	)
	if err != nil {
		return nil, err
	}

	return collect(rows)
}

// ListOrphaned returns scheduled records whose send time is before cutoff,
// oldest first.
func (s *Store) ListOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]models.EmailRecord, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+selectColumns+`
		 FROM emails
		 WHERE status=$1 AND scheduled_time < $2
		 ORDER BY scheduled_time ASC
		 LIMIT $3`,
		models.StatusScheduled,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, err
	}

	return collect(rows)
}

func collect(rows pgx.Rows) ([]models.EmailRecord, error) {
	defer rows.Close()

	var out []models.EmailRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (models.EmailRecord, error) {
	var r models.EmailRecord
	var status string

	err := row.Scan(
		&r.ID,
		&r.Recipient,
		&r.Subject,
		&r.Body,
		&r.SenderEmail,
		&r.UserID,
		&r.ZoneID,
		&r.HourlyLimit,
		&status,
		&r.ScheduledTime,
		&r.SentAt,
		&r.CreatedAt,
	)
	if err != nil {
		return models.EmailRecord{}, err
	}

	r.Status = models.EmailStatus(status)
	return r, nil
}
