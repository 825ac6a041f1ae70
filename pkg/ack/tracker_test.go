package ack_test

import (
	"sync"
	"testing"
	"time"

	"github.com/downfa11-org/cursus-client/pkg/ack"
	"github.com/downfa11-org/cursus-client/pkg/types"
)

func id(entry uint64, batchIdx int32) types.MessageID {
	return types.MessageID{SegmentID: 1, EntryID: entry, BatchIdx: batchIdx}
}

func TestTrackerAck(t *testing.T) {
	tr := ack.NewTracker(0, nil)
	defer tr.Close()

	tr.Track("orders", id(0, -1))
	tr.Track("orders", id(1, -1))

	if got := tr.Outstanding(); got != 2 {
		t.Fatalf("expected 2 outstanding, got %d", got)
	}

	if !tr.Ack(id(0, -1)) {
		t.Fatalf("first ack should remove the entry")
	}
	if tr.Ack(id(0, -1)) {
		t.Fatalf("second ack of same id should be a no-op")
	}
	if got := tr.Outstanding(); got != 1 {
		t.Fatalf("expected 1 outstanding, got %d", got)
	}
}

func TestTrackerAckCumulative(t *testing.T) {
	tr := ack.NewTracker(0, nil)
	defer tr.Close()

	for entry := uint64(0); entry < 5; entry++ {
		tr.Track("orders", id(entry, -1))
	}
	// Entry on another partition must survive a cumulative ack.
	other := types.MessageID{SegmentID: 1, EntryID: 1, PartitionIdx: 3, BatchIdx: -1}
	tr.Track("orders", other)

	removed := tr.AckCumulative("orders", id(2, -1))
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if got := tr.Outstanding(); got != 3 {
		t.Fatalf("expected 3 outstanding, got %d", got)
	}
	if !tr.Ack(other) {
		t.Fatalf("other-partition entry should still be tracked")
	}
}

func TestTrackerDiscardAfter(t *testing.T) {
	tr := ack.NewTracker(0, nil)
	defer tr.Close()

	for entry := uint64(0); entry < 4; entry++ {
		tr.Track("orders", id(entry, -1))
	}
	tr.Track("payments", id(9, -1))

	tr.DiscardAfter("orders", id(1, -1))
	if got := tr.Outstanding(); got != 3 {
		t.Fatalf("expected entries 0,1 on orders plus payments, got %d outstanding", got)
	}

	tr.DiscardAfter("orders", types.LatestMessageID)
	if got := tr.Outstanding(); got != 1 {
		t.Fatalf("latest sentinel should discard all orders entries, got %d", got)
	}
	if !tr.Ack(id(9, -1)) {
		t.Fatalf("payments entry should be untouched")
	}
}

func TestTrackerTimeoutRedelivery(t *testing.T) {
	var mu sync.Mutex
	var redelivered []types.MessageID
	fired := make(chan struct{}, 4)

	tr := ack.NewTracker(time.Second, func(topic string, ids []types.MessageID) {
		mu.Lock()
		redelivered = append(redelivered, ids...)
		mu.Unlock()
		fired <- struct{}{}
	})
	defer tr.Close()

	tracked := id(0, -1)
	acked := id(1, -1)
	tr.Track("orders", tracked)
	tr.Track("orders", acked)
	tr.Ack(acked)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("redelivery callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(redelivered) != 1 || redelivered[0] != tracked {
		t.Fatalf("expected only unacked id redelivered, got %v", redelivered)
	}
	if got := tr.Outstanding(); got != 1 {
		t.Fatalf("redelivering entry stays outstanding, got %d", got)
	}
}

func TestTrackerRetrackAfterRedelivery(t *testing.T) {
	fired := make(chan struct{}, 4)
	tr := ack.NewTracker(time.Second, func(topic string, ids []types.MessageID) {
		fired <- struct{}{}
	})
	defer tr.Close()

	msgID := id(0, -1)
	tr.Track("orders", msgID)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("redelivery callback never fired")
	}

	// Redelivered message is delivered again and finally acknowledged.
	tr.Track("orders", msgID)
	if !tr.Ack(msgID) {
		t.Fatalf("ack after redelivery should succeed")
	}
	if got := tr.Outstanding(); got != 0 {
		t.Fatalf("expected 0 outstanding, got %d", got)
	}
}
