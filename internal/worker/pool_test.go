package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PaceMail/internal/db"
	"PaceMail/internal/email"
	"PaceMail/internal/models"
	"PaceMail/internal/queue"
	"PaceMail/internal/quota"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []string
	calls atomic.Int32
	err   error
}

func (f *fakeTransport) Send(_ context.Context, _, to, _, _ string) (email.DeliveryInfo, error) {
	f.calls.Add(1)
	if f.err != nil {
		return email.DeliveryInfo{Attempts: 1}, f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, to)
	f.mu.Unlock()
	return email.DeliveryInfo{MessageID: "<id@test>", Attempts: 1}, nil
}

type harness struct {
	store     *db.MemoryStore
	queue     *queue.Queue
	gate      *quota.Gate
	transport *fakeTransport
	pool      *Pool
}

func newHarness(t *testing.T, opts ...PoolOption) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		store:     db.NewMemoryStore(),
		queue:     queue.New(rdb),
		gate:      quota.NewGate(rdb),
		transport: &fakeTransport{},
	}

	base := []PoolOption{
		WithConcurrency(2),
		WithPollInterval(10 * time.Millisecond),
		WithMinSendInterval(time.Millisecond),
	}
	h.pool = NewPool(h.store, h.queue, h.gate, h.transport, zap.NewNop(), append(base, opts...)...)
	return h
}

// schedule stores n records due now and enqueues their jobs.
func (h *harness) schedule(t *testing.T, n, limit int) []models.EmailRecord {
	t.Helper()

	ctx := context.Background()
	recs := make([]models.EmailRecord, n)
	for i := range recs {
		recs[i] = models.EmailRecord{
			Recipient:     "r" + string(rune('a'+i)) + "@example.com",
			Subject:       "s",
			Body:          "b",
			SenderEmail:   "sender@example.com",
			UserID:        1,
			HourlyLimit:   limit,
			ScheduledTime: time.Now().Add(-time.Second),
		}
	}

	created, err := h.store.CreateBatch(ctx, recs)
	if err != nil {
		t.Fatalf("CreateBatch() error: %v", err)
	}
	for _, r := range created {
		if _, err := h.queue.Enqueue(ctx, models.JobFor(r)); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}
	return created
}

func (h *harness) claim(t *testing.T) models.DispatchJob {
	t.Helper()

	j, err := h.queue.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	return j
}

func TestProcess_SendsAndMarksSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	rec := h.schedule(t, 1, 10)[0]

	j := h.claim(t)
	res := h.pool.Process(ctx, j)
	if res.Outcome != OutcomeSent {
		t.Fatalf("expected sent, got %v (%v)", res.Outcome, res.Err)
	}
	h.pool.settle(ctx, j, res)

	got, _ := h.store.FindByID(ctx, rec.ID)
	if got.Status != models.StatusSent || got.SentAt == nil {
		t.Fatalf("expected record sent with sentAt, got %+v", got)
	}
	if live, _ := h.queue.Live(ctx, j.Key); live {
		t.Fatalf("expected job completed")
	}
}

func TestProcess_AlreadySentIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	rec := h.schedule(t, 1, 10)[0]

	sentAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = h.store.MarkSent(ctx, rec.ID, sentAt)

	res := h.pool.Process(ctx, h.claim(t))
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %v", res.Outcome)
	}
	if h.transport.calls.Load() != 0 {
		t.Fatalf("expected no transport call")
	}

	got, _ := h.store.FindByID(ctx, rec.ID)
	if !got.SentAt.Equal(sentAt) || got.Status != models.StatusSent {
		t.Fatalf("expected record untouched, got %+v", got)
	}
}

func TestProcess_AlreadyFailedIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	rec := h.schedule(t, 1, 10)[0]

	failedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = h.store.MarkFailed(ctx, rec.ID, failedAt)

	j := h.claim(t)
	res := h.pool.Process(ctx, j)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %v", res.Outcome)
	}
	h.pool.settle(ctx, j, res)

	if h.transport.calls.Load() != 0 {
		t.Fatalf("expected no transport call for a failed email")
	}
	got, _ := h.store.FindByID(ctx, rec.ID)
	if got.Status != models.StatusFailed || !got.SentAt.Equal(failedAt) {
		t.Fatalf("expected record untouched, got %+v", got)
	}
	if live, _ := h.queue.Live(ctx, j.Key); live {
		t.Fatalf("expected job discarded")
	}
}

func TestProcess_JobFromAnotherSenderIsDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	// A job from an earlier run still holds the key of the new record 1.
	if _, err := h.queue.Enqueue(ctx, models.DispatchJob{
		Key:     models.JobKey(1),
		DueAt:   time.Now().Add(-time.Second),
		Payload: models.JobPayload{RecordID: 1, SenderEmail: "alice@example.com", HourlyLimit: 10},
	}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	created, err := h.store.CreateBatch(ctx, []models.EmailRecord{{
		Recipient:     "y@example.com",
		Subject:       "s",
		Body:          "b",
		SenderEmail:   "bob@example.com",
		UserID:        2,
		HourlyLimit:   10,
		ScheduledTime: time.Now().Add(time.Hour),
	}})
	if err != nil || created[0].ID != 1 {
		t.Fatalf("expected record 1, got %+v err=%v", created, err)
	}

	j := h.claim(t)
	res := h.pool.Process(ctx, j)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %v", res.Outcome)
	}
	if h.transport.calls.Load() != 0 {
		t.Fatalf("expected no transport call, got %v", h.transport.sent)
	}

	got, _ := h.store.FindByID(ctx, 1)
	if got.Status != models.StatusScheduled {
		t.Fatalf("expected record untouched, got %s", got.Status)
	}
}

func TestProcess_MissingRecordIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.queue.Enqueue(ctx, models.DispatchJob{
		Key:     models.JobKey(99),
		DueAt:   time.Now().Add(-time.Second),
		Payload: models.JobPayload{RecordID: 99, SenderEmail: "s", HourlyLimit: 1},
	}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	j := h.claim(t)
	res := h.pool.Process(ctx, j)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %v", res.Outcome)
	}
	h.pool.settle(ctx, j, res)

	if live, _ := h.queue.Live(ctx, j.Key); live {
		t.Fatalf("expected job discarded")
	}
}

func TestProcess_QuotaDenialDefersToNextHour(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	recs := h.schedule(t, 2, 1)

	first := h.claim(t)
	if res := h.pool.Process(ctx, first); res.Outcome != OutcomeSent {
		t.Fatalf("expected first send admitted, got %v", res.Outcome)
	}

	second := h.claim(t)
	res := h.pool.Process(ctx, second)
	if res.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred, got %v", res.Outcome)
	}
	want := quota.NextHour(time.Now())
	if !res.RetryAt.Equal(want) {
		t.Fatalf("expected retryAt %v, got %v", want, res.RetryAt)
	}
	h.pool.settle(ctx, second, res)

	if h.transport.calls.Load() != 1 {
		t.Fatalf("expected exactly one transport call, got %d", h.transport.calls.Load())
	}

	got, _ := h.store.FindByID(ctx, recs[1].ID)
	if got.Status != models.StatusScheduled {
		t.Fatalf("expected record to stay scheduled, got %s", got.Status)
	}
	if !got.ScheduledTime.Equal(want) {
		t.Fatalf("expected scheduledTime %v, got %v", want, got.ScheduledTime)
	}

	if live, _ := h.queue.Live(ctx, second.Key); !live {
		t.Fatalf("deferred job must stay live")
	}
	if _, err := h.queue.Claim(ctx); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("expected deferred job not claimable before retryAt, got %v", err)
	}
}

func TestProcess_TransportFailureMarksFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.transport.err = errors.New("smtp 554")
	ctx := context.Background()
	rec := h.schedule(t, 1, 10)[0]

	j := h.claim(t)
	res := h.pool.Process(ctx, j)
	if res.Outcome != OutcomeFailed || res.Err == nil {
		t.Fatalf("expected failed with error, got %+v", res)
	}
	h.pool.settle(ctx, j, res)

	got, _ := h.store.FindByID(ctx, rec.ID)
	if got.Status != models.StatusFailed || got.SentAt == nil {
		t.Fatalf("expected failed record with sentAt, got %+v", got)
	}

	entries, _ := h.queue.Failed(ctx, rec.UserID, 10)
	if len(entries) != 1 || entries[0].Key != j.Key {
		t.Fatalf("expected dead-letter entry for %s, got %+v", j.Key, entries)
	}
}

func TestProcess_UsesCapWhenPayloadHasNoLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithHourlyCap(1))
	ctx := context.Background()
	h.schedule(t, 2, 0)

	if res := h.pool.Process(ctx, h.claim(t)); res.Outcome != OutcomeSent {
		t.Fatalf("expected sent, got %v", res.Outcome)
	}
	if res := h.pool.Process(ctx, h.claim(t)); res.Outcome != OutcomeDeferred {
		t.Fatalf("expected the cap to defer the second send, got %v", res.Outcome)
	}
}

func TestPool_DeliversAllDueJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithConcurrency(3))
	recs := h.schedule(t, 5, 100)

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return h.transport.calls.Load() == 5 })

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	for _, r := range recs {
		got, _ := h.store.FindByID(context.Background(), r.ID)
		if got.Status != models.StatusSent {
			t.Fatalf("record %d: expected sent, got %s", r.ID, got.Status)
		}
	}
}

func TestPool_CancelledRecordIsNeverSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	recs := h.schedule(t, 2, 100)

	_ = h.queue.Remove(ctx, models.JobKey(recs[0].ID))
	_ = h.store.Delete(ctx, recs[0].ID)

	if err := h.pool.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return h.transport.calls.Load() == 1 })

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = h.pool.Stop(stopCtx)

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if len(h.transport.sent) != 1 || h.transport.sent[0] != recs[1].Recipient {
		t.Fatalf("expected only %s to be sent, got %v", recs[1].Recipient, h.transport.sent)
	}
}

func TestPool_PacesSendsPoolWide(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithConcurrency(4), WithMinSendInterval(50*time.Millisecond))
	h.schedule(t, 4, 100)

	start := time.Now()
	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return h.transport.calls.Load() == 4 })
	elapsed := time.Since(start)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = h.pool.Stop(stopCtx)

	if elapsed < 150*time.Millisecond {
		t.Fatalf("expected 4 sends to take at least 150ms pool-wide, took %v", elapsed)
	}
}

func TestPool_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("Stop() before Start() error: %v", err)
	}
	if err := h.pool.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.pool.Start(ctx); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
}

func TestPool_RestartsAfterStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	if err := h.pool.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	h.schedule(t, 1, 100)

	if err := h.pool.Start(ctx); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return h.transport.calls.Load() == 1 })

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestPool_StartContextEndsWorkers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	runCtx, cancelRun := context.WithCancel(context.Background())
	if err := h.pool.Start(runCtx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cancelRun()

	// Give the workers a few poll intervals to notice.
	time.Sleep(50 * time.Millisecond)
	h.schedule(t, 1, 100)
	time.Sleep(100 * time.Millisecond)

	if n := h.transport.calls.Load(); n != 0 {
		t.Fatalf("expected no sends after the run context ended, got %d", n)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	if OutcomeDeferred.String() != "deferred" || Outcome(42).String() != "unknown" {
		t.Fatalf("unexpected outcome names")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
