package sequence

import (
	"sync"
)

// Tracker holds the per-producer-name sequence counter used for
// deduplication. The durable record lives broker-side; this is the in-memory
// cache, seeded from the broker when the owning producer (re)connects.
type Tracker struct {
	mu     sync.Mutex
	name   string
	last   int64
	seeded bool
	cond   *sync.Cond
}

// NewTracker creates an unseeded tracker for the given producer name.
// Current, Next, Reserve and Observe block until Seed is called.
func NewTracker(producerName string) *Tracker {
	t := &Tracker{name: producerName, last: -1}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Seed installs the broker-reported last sequence id. A broker with no
// record for the producer name reports -1.
func (t *Tracker) Seed(last int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last > t.last {
		t.last = last
	}
	t.seeded = true
	t.cond.Broadcast()
}

func (t *Tracker) waitSeeded() {
	for !t.seeded {
		t.cond.Wait()
	}
}

// Current returns the highest sequence id ever accepted for the producer
// name, or -1 if it never published.
func (t *Tracker) Current() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitSeeded()
	return t.last
}

// Next advances the counter by one and returns the new id.
func (t *Tracker) Next() int64 {
	return t.Reserve(1)
}

// Reserve advances the counter by n and returns the first reserved id, so a
// whole batch draws contiguous ids from a single reservation.
func (t *Tracker) Reserve(n int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitSeeded()
	base := t.last + 1
	t.last += int64(n)
	return base
}

// Observe accepts a caller-supplied id. It returns false when the id was
// already accepted (id <= current), the signal for local deduplication.
// Higher ids advance the counter even when non-contiguous.
func (t *Tracker) Observe(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitSeeded()
	if id <= t.last {
		return false
	}
	t.last = id
	return true
}
