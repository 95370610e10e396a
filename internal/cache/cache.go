package cache

import (
	"context"
	"time"
)

// Cache stores JSON-encoded values under string keys. A miss is reported as
// hit=false with a nil error.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// TranscriptsKey is the cache key of a meeting's stored transcript list.
func TranscriptsKey(meetingID string) string { return "transcripts:" + meetingID }

// Fetch returns the cached value under key, or calls load and caches its
// result for ttl. Cache failures degrade to calling load; a nil cache always
// loads.
func Fetch[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if c != nil {
		var cached T
		if hit, err := c.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if c != nil {
		_ = c.SetJSON(ctx, key, v, ttl)
	}
	return v, nil
}
