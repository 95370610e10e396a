package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or rejects connection attempts per key over a sliding
// window. Rejected attempts are not recorded.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

const sweepEvery = 1024

type Memory struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	attempts map[string][]time.Time
	calls    int

	now func() time.Time
}

func NewMemory(maxAttempts int, window time.Duration) *Memory {
	return &Memory{
		max:      maxAttempts,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweepLocked(now)
	}

	q := trim(m.attempts[key], now.Add(-m.window))
	if len(q) >= m.max {
		m.attempts[key] = q
		return false
	}
	m.attempts[key] = append(q, now)
	return true
}

// sweepLocked drops keys whose attempts have all aged out.
func (m *Memory) sweepLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	for k, q := range m.attempts {
		if len(q) == 0 || !q[len(q)-1].After(cutoff) {
			delete(m.attempts, k)
		}
	}
}

func trim(q []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(q) && !q[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return q
	}
	return append(q[:0], q[i:]...)
}
