package jobqueue

import (
	"sync"
	"time"
)

// Coalescer throttles a stream of progress samples to at most one emission
// per window, retaining only the most recent sample in between. Because it
// keeps the latest value rather than queueing, a monotonic input stream stays
// monotonic on the output side. The clock is injectable so the policy can be
// tested without real time.
type Coalescer struct {
	window time.Duration
	now    func() time.Time

	mu         sync.Mutex
	emittedAny bool
	lastEmit   time.Time
	pending    float64
	hasPending bool
}

// NewCoalescer creates a coalescer with the given window. A nil now func
// defaults to time.Now.
func NewCoalescer(window time.Duration, now func() time.Time) *Coalescer {
	if now == nil {
		now = time.Now
	}
	return &Coalescer{window: window, now: now}
}

// Offer submits a sample. It returns the value to emit and true when the
// window has elapsed since the last emission; otherwise the sample is
// retained as pending and false is returned.
func (c *Coalescer) Offer(value float64) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	if !c.emittedAny || ts.Sub(c.lastEmit) >= c.window {
		c.emittedAny = true
		c.lastEmit = ts
		c.pending = 0
		c.hasPending = false
		return value, true
	}

	c.pending = value
	c.hasPending = true
	return 0, false
}

// Flush returns the retained pending sample, if any, and clears it. Callers
// flush before a terminal transition so the last reported progress is never
// lost to the throttle.
func (c *Coalescer) Flush() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasPending {
		return 0, false
	}

	value := c.pending
	c.pending = 0
	c.hasPending = false
	c.lastEmit = c.now()
	return value, true
}
