package ingest

import "sync"

// Counters hands out final segment numbers per meeting. Every source of a
// meeting shares one counter; it lives while at least one session holds it.
type Counters struct {
	mu sync.Mutex
	m  map[string]*counter
}

type counter struct {
	mu   sync.Mutex
	once sync.Once
	n    int
	refs int
}

func NewCounters() *Counters {
	return &Counters{m: make(map[string]*counter)}
}

// Acquire takes a reference on the meeting counter. seed runs once, when the
// counter is first created, and returns the last number already used.
func (c *Counters) Acquire(meetingID string, seed func() int) {
	c.mu.Lock()
	ctr, ok := c.m[meetingID]
	if !ok {
		ctr = &counter{}
		c.m[meetingID] = ctr
	}
	ctr.refs++
	c.mu.Unlock()

	ctr.once.Do(func() {
		if seed == nil {
			return
		}
		n := seed()
		ctr.mu.Lock()
		if n > ctr.n {
			ctr.n = n
		}
		ctr.mu.Unlock()
	})
}

// Next issues the next final segment number.
func (c *Counters) Next(meetingID string) int {
	ctr := c.get(meetingID)
	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	ctr.n++
	return ctr.n
}

// Current is the last issued number, or the seed when none was issued yet.
func (c *Counters) Current(meetingID string) int {
	ctr := c.get(meetingID)
	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	return ctr.n
}

// Release drops a reference and forgets the counter at zero.
func (c *Counters) Release(meetingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.m[meetingID]
	if !ok {
		return
	}
	ctr.refs--
	if ctr.refs <= 0 {
		delete(c.m, meetingID)
	}
}

func (c *Counters) get(meetingID string) *counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.m[meetingID]
	if !ok {
		ctr = &counter{}
		c.m[meetingID] = ctr
	}
	return ctr
}
