package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"PaceMail/internal/models"
)

func seed(t *testing.T, m *MemoryStore, userID int64, times ...time.Time) []models.EmailRecord {
	t.Helper()

	recs := make([]models.EmailRecord, len(times))
	for i, ts := range times {
		recs[i] = models.EmailRecord{
			Recipient:     "r@example.com",
			UserID:        userID,
			ScheduledTime: ts,
			Status:        models.StatusScheduled,
		}
	}

	out, err := m.CreateBatch(context.Background(), recs)
	if err != nil {
		t.Fatalf("CreateBatch() error: %v", err)
	}
	return out
}

func TestMemoryStore_CreateBatchAssignsIDs(t *testing.T) {
	t.Parallel()

	m := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := seed(t, m, 1, base, base.Add(time.Second))

	if out[0].ID == 0 || out[1].ID == out[0].ID {
		t.Fatalf("expected distinct ids, got %d and %d", out[0].ID, out[1].ID)
	}
	if out[0].CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be set")
	}
}

func TestMemoryStore_CreateBatchAllOrNothing(t *testing.T) {
	t.Parallel()

	m := NewMemoryStore()
	m.FailCreate = errors.New("boom")

	_, err := m.CreateBatch(context.Background(), []models.EmailRecord{{UserID: 1}, {UserID: 1}})
	if err == nil {
		t.Fatalf("expected error")
	}

	got, _ := m.ListByUser(context.Background(), 1, []models.EmailStatus{models.StatusScheduled}, ByScheduledTimeAsc)
	if len(got) != 0 {
		t.Fatalf("expected no records after failed batch, got %d", len(got))
	}
}

func TestMemoryStore_TerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	m := NewMemoryStore()
	ctx := context.Background()
	rec := seed(t, m, 1, time.Now())[0]

	sentAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := m.MarkSent(ctx, rec.ID, sentAt); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}
	if err := m.MarkFailed(ctx, rec.ID, sentAt.Add(time.Minute)); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}
	if err := m.Reschedule(ctx, rec.ID, sentAt.Add(time.Hour)); err != nil {
		t.Fatalf("Reschedule() error: %v", err)
	}

	got, _ := m.FindByID(ctx, rec.ID)
	if got.Status != models.StatusSent {
		t.Fatalf("expected status to stay sent, got %s", got.Status)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected sentAt %v, got %v", sentAt, got.SentAt)
	}
}

func TestMemoryStore_ListOrders(t *testing.T) {
	t.Parallel()

	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := seed(t, m, 1, base.Add(2*time.Second), base, base.Add(time.Second))
	seed(t, m, 2, base)

	scheduled, err := m.ListByUser(ctx, 1, []models.EmailStatus{models.StatusScheduled}, ByScheduledTimeAsc)
	if err != nil {
		t.Fatalf("ListByUser() error: %v", err)
	}
	if len(scheduled) != 3 {
		t.Fatalf("expected 3 records for user 1, got %d", len(scheduled))
	}
	for i := 1; i < len(scheduled); i++ {
		if scheduled[i].ScheduledTime.Before(scheduled[i-1].ScheduledTime) {
			t.Fatalf("expected ascending scheduled time")
		}
	}

	_ = m.MarkSent(ctx, recs[0].ID, base.Add(time.Hour))
	_ = m.MarkFailed(ctx, recs[1].ID, base.Add(2*time.Hour))

	history, _ := m.ListByUser(ctx, 1, []models.EmailStatus{models.StatusSent, models.StatusFailed}, BySentAtDesc)
	if len(history) != 2 {
		t.Fatalf("expected 2 finished records, got %d", len(history))
	}
	if history[0].ID != recs[1].ID {
		t.Fatalf("expected most recent first, got id %d", history[0].ID)
	}
}

func TestMemoryStore_ListOrphaned(t *testing.T) {
	t.Parallel()

	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := seed(t, m, 1, base, base.Add(time.Minute), base.Add(time.Hour))
	_ = m.MarkSent(ctx, recs[0].ID, base)

	got, err := m.ListOrphaned(ctx, base.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListOrphaned() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != recs[1].ID {
		t.Fatalf("expected only the overdue scheduled record, got %+v", got)
	}
}

func TestMemoryStore_DeleteUnknown(t *testing.T) {
	t.Parallel()

	if err := NewMemoryStore().Delete(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
