package ack

import (
	"sync"
	"time"

	"github.com/downfa11-org/cursus-client/pkg/metrics"
	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

// State of one outstanding delivery. Acknowledged entries are removed, so
// only Delivered and Redelivering appear in the map.
type State int

const (
	StateDelivered State = iota
	StateRedelivering
)

type entry struct {
	id       types.MessageID
	topic    string
	state    State
	deadline time.Time
}

// RedeliverFunc asks the owning consumer to request redelivery of the given
// ids, grouped by topic.
type RedeliverFunc func(topic string, ids []types.MessageID)

// Tracker keeps the set of delivered-but-unacknowledged message ids for one
// consumer. Entries are created on delivery, removed on acknowledgment and
// re-armed when the redelivery timeout fires. A zero timeout disables
// redelivery.
type Tracker struct {
	mu        sync.Mutex
	timeout   time.Duration
	entries   map[types.MessageID]*entry
	redeliver RedeliverFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewTracker(timeout time.Duration, redeliver RedeliverFunc) *Tracker {
	t := &Tracker{
		timeout:   timeout,
		entries:   make(map[types.MessageID]*entry),
		redeliver: redeliver,
		stopCh:    make(chan struct{}),
	}
	if timeout > 0 {
		t.wg.Add(1)
		go t.monitorTimeouts()
	}
	return t
}

// Track records a delivery. Redelivered messages re-enter Delivered with a
// fresh deadline. Suppressed (compacted-away) messages are never tracked;
// only ids actually delivered to the application reach here.
func (t *Tracker) Track(topic string, id types.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		e.state = StateDelivered
		e.deadline = time.Now().Add(t.timeout)
		return
	}
	t.entries[id] = &entry{
		id:       id,
		topic:    topic,
		state:    StateDelivered,
		deadline: time.Now().Add(t.timeout),
	}
}

// Ack removes the entry, the terminal transition. It reports whether the id
// was still outstanding, so an ack racing a timeout wins exactly once.
func (t *Tracker) Ack(id types.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// AckCumulative removes the entry for id and every outstanding entry ordered
// before it on the same partition of the same topic.
func (t *Tracker) AckCumulative(topic string, id types.MessageID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, e := range t.entries {
		if e.topic != topic || k.PartitionIdx != id.PartitionIdx {
			continue
		}
		if k.Compare(id) <= 0 {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// DiscardAfter drops outstanding state for positions ordered after the seek
// target on the given topic. Sentinel targets discard everything.
func (t *Tracker) DiscardAfter(topic string, target types.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		if e.topic != topic {
			continue
		}
		if k.Compare(target) > 0 || target == types.LatestMessageID {
			delete(t.entries, k)
		}
	}
}

// Outstanding returns the number of unacknowledged deliveries.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) Close() {
	select {
	case <-t.stopCh:
		return
	default:
	}
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracker) monitorTimeouts() {
	defer t.wg.Done()

	interval := t.timeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.fireTimeouts(now)
		}
	}
}

func (t *Tracker) fireTimeouts(now time.Time) {
	t.mu.Lock()
	expired := make(map[string][]types.MessageID)
	for _, e := range t.entries {
		if e.state == StateDelivered && now.After(e.deadline) {
			e.state = StateRedelivering
			e.deadline = now.Add(t.timeout)
			expired[e.topic] = append(expired[e.topic], e.id)
		}
	}
	t.mu.Unlock()

	for topic, ids := range expired {
		util.Debug("ack timeout on %s: redelivering %d messages", topic, len(ids))
		metrics.Redeliveries.Add(float64(len(ids)))
		t.redeliver(topic, ids)
	}
}
