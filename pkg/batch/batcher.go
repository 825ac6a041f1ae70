package batch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/cursus-client/pkg/metrics"
	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

// Callback resolves one pending send with its assigned id or an error.
type Callback func(id types.MessageID, err error)

// FlushFunc hands a complete batch to the transport layer. It must resolve
// every callback: all with assigned ids on success, or all with the same
// error on failure.
type FlushFunc func(msgs []*types.Message, callbacks []Callback)

type Config struct {
	MaxMessages     int
	MaxBytes        int
	MaxPublishDelay time.Duration
}

type pendingBatch struct {
	msgs      []*types.Message
	callbacks []Callback
	bytes     int

	// flush barrier marker, not a real batch
	done chan struct{}
}

// Batcher accumulates outgoing messages into batches bounded by count and
// byte size, flushed by threshold or linger timer. Batches enter the flush
// queue under the batch lock, so flush order matches creation order even
// when a linger flush races an overflow flush.
type Batcher struct {
	cfg   Config
	flush FlushFunc

	mu       sync.Mutex
	current  *pendingBatch
	pending  []*pendingBatch
	timer    *time.Timer
	timerGen uint64
	closed   bool

	notify  chan struct{}
	failing atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg Config, flush FlushFunc) *Batcher {
	b := &Batcher{
		cfg:    cfg,
		flush:  flush,
		notify: make(chan struct{}, 1),
	}
	b.wg.Add(1)
	go b.flushWorker()
	return b
}

// Add appends a message to the current batch. If the message would push the
// batch over its count or byte bound, the current batch is flushed first.
func (b *Batcher) Add(msg *types.Message, cb Callback) error {
	if cb == nil {
		cb = func(types.MessageID, error) {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: batcher", types.ErrClosed)
	}

	size := len(msg.Payload)
	if b.current != nil && len(b.current.msgs) > 0 &&
		(len(b.current.msgs)+1 > b.cfg.MaxMessages || b.current.bytes+size > b.cfg.MaxBytes) {
		b.enqueueLocked(b.rotateLocked())
	}

	if b.current == nil {
		b.current = &pendingBatch{}
	}
	if len(b.current.msgs) == 0 {
		b.armTimerLocked()
	}
	b.current.msgs = append(b.current.msgs, msg)
	b.current.callbacks = append(b.current.callbacks, cb)
	b.current.bytes += size
	metrics.PendingMessages.Inc()

	if len(b.current.msgs) >= b.cfg.MaxMessages {
		b.enqueueLocked(b.rotateLocked())
	}
	return nil
}

// AddIsolated flushes the current batch and enqueues msg right behind it as
// a single-message batch, preserving send order without merging the message
// into a batch. It never blocks on the transport.
func (b *Batcher) AddIsolated(msg *types.Message, cb Callback) error {
	if cb == nil {
		cb = func(types.MessageID, error) {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: batcher", types.ErrClosed)
	}

	b.enqueueLocked(b.rotateLocked())
	metrics.PendingMessages.Inc()
	b.enqueueLocked(&pendingBatch{
		msgs:      []*types.Message{msg},
		callbacks: []Callback{cb},
		bytes:     len(msg.Payload),
	})
	return nil
}

// Flush forces the current batch out and blocks until the flush worker has
// processed everything enqueued before the call.
func (b *Batcher) Flush() error {
	barrier := &pendingBatch{done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: batcher", types.ErrClosed)
	}
	b.enqueueLocked(b.rotateLocked())
	b.enqueueLocked(barrier)
	b.mu.Unlock()

	<-barrier.done
	return nil
}

// Close fails every pending send with ErrClosed and stops the flush worker.
// No callback runs after Close returns.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.failing.Store(true)
	if b.current != nil && len(b.current.msgs) > 0 {
		b.pending = append(b.pending, b.current)
	}
	b.current = nil
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	b.wg.Wait()
}

// enqueueLocked appends a detached batch to the flush queue in creation
// order. Caller holds b.mu.
func (b *Batcher) enqueueLocked(batch *pendingBatch) {
	if batch == nil {
		return
	}
	b.pending = append(b.pending, batch)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// rotateLocked detaches the current batch for flushing, or returns nil when
// there is nothing to flush. Caller holds b.mu.
func (b *Batcher) rotateLocked() *pendingBatch {
	b.timerGen++
	if b.timer != nil {
		b.timer.Stop()
	}
	batch := b.current
	b.current = nil
	if batch == nil || len(batch.msgs) == 0 {
		return nil
	}
	return batch
}

func (b *Batcher) armTimerLocked() {
	b.timerGen++
	gen := b.timerGen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.MaxPublishDelay, func() {
		b.flushOnTimer(gen)
	})
}

func (b *Batcher) flushOnTimer(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || gen != b.timerGen {
		return
	}
	if pending := b.rotateLocked(); pending != nil {
		util.Debug("linger flush: %d messages", len(pending.msgs))
		b.enqueueLocked(pending)
	}
}

func (b *Batcher) flushWorker() {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		batches := b.pending
		b.pending = nil
		closed := b.closed
		b.mu.Unlock()

		for _, batch := range batches {
			if batch.done != nil {
				close(batch.done)
				continue
			}
			if b.failing.Load() {
				failBatch(batch, fmt.Errorf("%w: producer", types.ErrClosed))
				continue
			}
			metrics.BatchesFlushed.Inc()
			metrics.PendingMessages.Sub(float64(len(batch.msgs)))
			b.flush(batch.msgs, batch.callbacks)
		}

		if closed {
			return
		}
		<-b.notify
	}
}

func failBatch(batch *pendingBatch, err error) {
	metrics.PendingMessages.Sub(float64(len(batch.msgs)))
	for _, cb := range batch.callbacks {
		cb(types.MessageID{}, err)
	}
}
