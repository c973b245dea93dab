package db

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"PaceMail/internal/models"
)

// MemoryStore keeps records in process memory. It follows the same rules
// as Store and backs tests and local runs without Postgres.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]models.EmailRecord
	now    func() time.Time

	// FailCreate makes the next CreateBatch call return this error.
	FailCreate error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[int64]models.EmailRecord),
		now:  time.Now,
	}
}

func (m *MemoryStore) CreateBatch(_ context.Context, recs []models.EmailRecord) ([]models.EmailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailCreate; err != nil {
		m.FailCreate = nil
		return nil, err
	}

	now := m.now().UTC()
	out := make([]models.EmailRecord, len(recs))
	for i, r := range recs {
		m.nextID++
		r.ID = m.nextID
		r.Status = models.StatusScheduled
		r.CreatedAt = now
		r.SentAt = nil
		out[i] = r
	}
	for _, r := range out {
		m.rows[r.ID] = r
	}
	return out, nil
}

func (m *MemoryStore) FindByID(_ context.Context, id int64) (models.EmailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return models.EmailRecord{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Reschedule(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.Status != models.StatusScheduled {
		return nil
	}
	r.ScheduledTime = at
	m.rows[id] = r
	return nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id int64, at time.Time) error {
	return m.finish(id, models.StatusSent, at)
}

func (m *MemoryStore) MarkFailed(_ context.Context, id int64, at time.Time) error {
	return m.finish(id, models.StatusFailed, at)
}

func (m *MemoryStore) finish(id int64, status models.EmailStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.Status != models.StatusScheduled {
		return nil
	}
	r.Status = status
	r.SentAt = &at
	m.rows[id] = r
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *MemoryStore) ListByUser(
	_ context.Context,
	userID int64,
	statuses []models.EmailStatus,
	order Order,
) ([]models.EmailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.EmailRecord
	for _, r := range m.rows {
		if r.UserID == userID && slices.Contains(statuses, r.Status) {
			out = append(out, r)
		}
	}

	if order == BySentAtDesc {
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i].SentAt, out[j].SentAt
			switch {
			case a == nil && b == nil:
				return out[i].ID > out[j].ID
			case a == nil:
				return false
			case b == nil:
				return true
			case a.Equal(*b):
				return out[i].ID > out[j].ID
			}
			return a.After(*b)
		})
		return out, nil
	}

	sortByScheduled(out)
	return out, nil
}

func (m *MemoryStore) ListOrphaned(_ context.Context, cutoff time.Time, limit int) ([]models.EmailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.EmailRecord
	for _, r := range m.rows {
		if r.Status == models.StatusScheduled && r.ScheduledTime.Before(cutoff) {
			out = append(out, r)
		}
	}

	sortByScheduled(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByScheduled(recs []models.EmailRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ScheduledTime.Equal(recs[j].ScheduledTime) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].ScheduledTime.Before(recs[j].ScheduledTime)
	})
}
