package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// slidingWindow trims the window, then records the attempt only when the
// key is under its limit. Returns 1 when admitted.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
if redis.call("ZCARD", key) >= max then
  return 0
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return 1
`)

// Redis shares the attempt window across server instances. It fails open
// when the broker is unreachable.
type Redis struct {
	rdb    redis.Scripter
	max    int
	window time.Duration
	prefix string
	log    *logrus.Logger

	now func() time.Time
}

func NewRedis(rdb redis.Scripter, maxAttempts int, window time.Duration, log *logrus.Logger) *Redis {
	if log == nil {
		log = logrus.New()
	}
	return &Redis{
		rdb:    rdb,
		max:    maxAttempts,
		window: window,
		prefix: "ratelimit:ingest:",
		log:    log,
		now:    time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	now := r.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.rdb, []string{r.prefix + key},
		now,
		r.window.Milliseconds(),
		r.max,
		strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int()
	if err != nil {
		r.log.WithError(err).WithField("key", key).Warn("rate limit check failed; admitting")
		return true
	}
	return res == 1
}
