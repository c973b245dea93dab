// Package queue is the durable timed-job store the dispatch pool pulls
// from. It lives on Redis: every live job is a Hash keyed by its dedup key,
// jobs waiting for their due time sit in a Sorted Set scored by due time,
// and claimed jobs move to a second Sorted Set scored by claim time until
// they are completed, failed, moved or reaped. Each operation is a single
// Lua script, so several pools can share one Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"PaceMail/internal/models"
)

var (
	ErrEmpty    = errors.New("queue: no due job")
	ErrNotFound = errors.New("queue: job not found")
)

const (
	keyPrefix = "pacemail:"

	// failedMax bounds the dead-letter list.
	failedMax = 1000
)


var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'due_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var moveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'due_at', ARGV[2])
return 1
`)

var removeScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return n
`)

var failScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if n == 1 then
	redis.call('LPUSH', KEYS[4], ARGV[2])
	redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[3]) - 1)
end
return n
`)

// claimScript pops the earliest due member whose Hash still exists and
// parks it in the active set. Members without a Hash are dropped.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 10)
for _, key in ipairs(ids) do
	redis.call('ZREM', KEYS[1], key)
	local h = redis.call('HMGET', ARGV[2] .. key, 'payload', 'due_at')
	if h[1] then
		redis.call('ZADD', KEYS[2], ARGV[1], key)
		return {key, h[1], h[2]}
	end
end
return false
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, key in ipairs(ids) do
	redis.call('ZREM', KEYS[1], key)
	redis.call('ZADD', KEYS[2], ARGV[2], key)
end
return #ids
`)

// FailedEntry is one dead-letter record kept for inspection.
type FailedEntry struct {
	Key      string    `json:"key"`
	UserID   int64     `json:"userId"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

type Queue struct {
	rdb    redis.Cmdable
	now    func() time.Time
	prefix string
}

func New(rdb redis.Cmdable) *Queue {
	return &Queue{rdb: rdb, now: time.Now, prefix: keyPrefix}
}

// WithNamespace keeps this queue's keys apart from every other namespace
// on the same Redis.
func (q *Queue) WithNamespace(ns string) *Queue {
	q.prefix = keyPrefix + ns + ":"
	return q
}

func (q *Queue) jobKey(key string) string { return q.prefix + "job:" + key }
func (q *Queue) dueKey() string           { return q.prefix + "jobs:due" }
func (q *Queue) activeKey() string        { return q.prefix + "jobs:active" }
func (q *Queue) failedKey() string        { return q.prefix + "jobs:failed" }

// WithClock replaces the queue's time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue adds j unless a live job with the same key exists. It reports
// whether a job was created.
func (q *Queue) Enqueue(ctx context.Context, j models.DispatchJob) (bool, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return false, fmt.Errorf("queue enqueue %s: %w", j.Key, err)
	}

	n, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(j.Key), q.dueKey()},
		j.Key, string(payload), j.DueAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue enqueue %s: %w", j.Key, err)
	}
	return n == 1, nil
}

// MoveToDelayed sets a new due time on the live job key, whether it is
// waiting or claimed.
func (q *Queue) MoveToDelayed(ctx context.Context, key string, due time.Time) error {
	n, err := moveScript.Run(ctx, q.rdb,
		[]string{q.jobKey(key), q.dueKey(), q.activeKey()},
		key, due.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("queue move %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove drops the job key. Removing an unknown key is not an error.
func (q *Queue) Remove(ctx context.Context, key string) error {
	if err := removeScript.Run(ctx, q.rdb,
		[]string{q.jobKey(key), q.dueKey(), q.activeKey()},
		key,
	).Err(); err != nil {
		return fmt.Errorf("queue remove %s: %w", key, err)
	}
	return nil
}

// Complete releases a claimed job after it has been handled.
func (q *Queue) Complete(ctx context.Context, key string) error {
	return q.Remove(ctx, key)
}

// Fail releases a claimed job and records cause in the dead-letter list
// under the job's owner.
func (q *Queue) Fail(ctx context.Context, j models.DispatchJob, cause error) error {
	key := j.Key
	entry, err := json.Marshal(FailedEntry{
		Key:      key,
		UserID:   j.Payload.UserID,
		Error:    cause.Error(),
		FailedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("queue fail %s: %w", key, err)
	}

	if err := failScript.Run(ctx, q.rdb,
		[]string{q.jobKey(key), q.dueKey(), q.activeKey(), q.failedKey()},
		key, string(entry), failedMax,
	).Err(); err != nil {
		return fmt.Errorf("queue fail %s: %w", key, err)
	}
	return nil
}

// Claim takes the earliest job whose due time has passed. It returns
// ErrEmpty when nothing is due.
func (q *Queue) Claim(ctx context.Context) (models.DispatchJob, error) {
	now := q.now()

	vals, err := claimScript.Run(ctx, q.rdb,
		[]string{q.dueKey(), q.activeKey()},
		now.UnixMilli(), q.prefix+"job:",
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.DispatchJob{}, ErrEmpty
		}
		return models.DispatchJob{}, fmt.Errorf("queue claim: %w", err)
	}
	if len(vals) != 3 {
		return models.DispatchJob{}, fmt.Errorf("queue claim: unexpected reply %v", vals)
	}

	j := models.DispatchJob{Key: vals[0]}
	if err := json.Unmarshal([]byte(vals[1]), &j.Payload); err != nil {
		return models.DispatchJob{}, fmt.Errorf("queue claim %s: decode payload: %w", j.Key, err)
	}
	if ms, err := strconv.ParseInt(vals[2], 10, 64); err == nil {
		j.DueAt = time.UnixMilli(ms).UTC()
	}
	return j, nil
}

// ReapStale returns jobs claimed more than threshold ago to the due set so
// that another worker can pick them up. It returns how many were moved.
func (q *Queue) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := q.now()
	n, err := reapScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.dueKey()},
		now.Add(-threshold).UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue reap: %w", err)
	}
	return n, nil
}

// Live reports whether key currently names a job.
func (q *Queue) Live(ctx context.Context, key string) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.jobKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("queue live %s: %w", key, err)
	}
	return n == 1, nil
}

// Failed returns up to limit of userID's most recent dead-letter entries.
func (q *Queue) Failed(ctx context.Context, userID int64, limit int) ([]FailedEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	raw, err := q.rdb.LRange(ctx, q.failedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue failed list: %w", err)
	}

	out := make([]FailedEntry, 0, min(limit, len(raw)))
	for _, r := range raw {
		var e FailedEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		if e.UserID != userID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
