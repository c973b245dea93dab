// Package quota implements the per-sender hourly send quota on Redis.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pacemail:quota:"

// admitScript checks and increments in one step so that concurrent pools
// sharing the same Redis never observe a half-applied count. The expiry is
// only set on the first increment of a bucket, as an absolute instant in
// milliseconds.
var admitScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return {1, current}
`)

type Decision struct {
	Allowed bool
	RetryAt time.Time
	Count   int64
}

type Gate struct {
	rdb redis.Scripter
	now func() time.Time
}

func NewGate(rdb redis.Scripter) *Gate {
	return &Gate{rdb: rdb, now: time.Now}
}

// WithClock replaces the gate's time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Admit consumes one unit of sender's quota for the current UTC hour. When
// the bucket already holds limit sends, it reports the start of the next
// hour as the earliest retry.
func (g *Gate) Admit(ctx context.Context, sender string, limit int) (Decision, error) {
	now := g.now().UTC()
	next := NextHour(now)

	res, err := admitScript.Run(ctx, g.rdb, []string{BucketKey(sender, now)}, limit, next.UnixMilli()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota admit: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("quota admit: unexpected reply %v", res)
	}

	if res[0] == 1 {
		return Decision{Allowed: true, Count: res[1]}, nil
	}
	return Decision{Allowed: false, RetryAt: next, Count: res[1]}, nil
}

// BucketKey names the counter for sender in the UTC hour containing t.
func BucketKey(sender string, t time.Time) string {
	return keyPrefix + t.UTC().Format("2006010215") + ":" + sender
}

// NextHour returns the start of the UTC hour following t.
func NextHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}
