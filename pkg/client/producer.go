package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/downfa11-org/cursus-client/pkg/batch"
	"github.com/downfa11-org/cursus-client/pkg/config"
	"github.com/downfa11-org/cursus-client/pkg/metrics"
	"github.com/downfa11-org/cursus-client/pkg/sequence"
	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

// ProducerMessage is one message to publish.
type ProducerMessage struct {
	Payload    []byte
	Key        string
	Properties map[string]string

	// SequenceID optionally supplies an explicit sequence id for
	// deduplication. Ids at or below the producer's current sequence id are
	// accepted locally without reaching the transport.
	SequenceID *int64
}

// SendCallback resolves an asynchronous send with the assigned id or an
// error.
type SendCallback func(id types.MessageID, err error)

// Producer publishes messages to one topic with per-producer-name sequence
// deduplication and batching.
type Producer struct {
	client *Client
	cfg    config.ProducerConfig
	name   string

	state      atomic.Int32
	seq        *sequence.Tracker
	partitions []string
	batchers   []*batch.Batcher
	rr         uint32

	assignedMu sync.Mutex
	assigned   map[int64]types.MessageID // sequence id -> broker-assigned id

	closeMu sync.Mutex
}

const assignedRecordLimit = 8192

func newProducer(c *Client, cfg config.ProducerConfig) (*Producer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = "producer-" + uuid.NewString()
	}

	partitions, err := c.discovery.Resolve(cfg.Topic)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		client:     c,
		cfg:        cfg,
		name:       name,
		seq:        sequence.NewTracker(name),
		partitions: partitions,
		assigned:   make(map[int64]types.MessageID),
	}
	p.state.Store(int32(stateConnecting))

	// Seed the dedup counter from the broker record before accepting sends.
	last, err := c.transport.GetLastSequenceID(name)
	if err != nil {
		return nil, err
	}
	p.seq.Seed(last)

	batchCfg := batch.Config{
		MaxMessages:     cfg.BatchingMaxMessages,
		MaxBytes:        cfg.BatchingMaxBytes,
		MaxPublishDelay: cfg.BatchingMaxPublishDelay,
	}
	if !cfg.BatchingEnabled {
		batchCfg.MaxMessages = 1
	}

	p.batchers = make([]*batch.Batcher, len(partitions))
	for i := range partitions {
		part := i
		p.batchers[i] = batch.New(batchCfg, func(msgs []*types.Message, cbs []batch.Callback) {
			p.flushBatch(part, msgs, cbs)
		})
	}

	p.state.Store(int32(stateReady))
	util.Info("producer %s attached to %s (%d partitions)", name, cfg.Topic, len(partitions))
	return p, nil
}

func (p *Producer) Name() string { return p.name }

func (p *Producer) Topic() string { return p.cfg.Topic }

// LastSequenceID returns the highest sequence id ever accepted for this
// producer name, including deduplicated resends. It survives close/reopen
// under the same name.
func (p *Producer) LastSequenceID() int64 {
	return p.seq.Current()
}

// Send publishes synchronously, blocking until the broker assigns an id or
// the send timeout elapses.
func (p *Producer) Send(msg *ProducerMessage) (types.MessageID, error) {
	type result struct {
		id  types.MessageID
		err error
	}
	ch := make(chan result, 1)

	if err := p.SendAsync(msg, func(id types.MessageID, err error) {
		ch <- result{id, err}
	}); err != nil {
		return types.MessageID{}, err
	}

	select {
	case r := <-ch:
		return r.id, r.err
	case <-time.After(p.cfg.SendTimeout):
		return types.MessageID{}, fmt.Errorf("%w: send after %v", types.ErrTimeout, p.cfg.SendTimeout)
	}
}

// SendAsync validates the message synchronously and enqueues it; the
// callback resolves from a background goroutine. Explicit-sequence messages
// bypass batching: the current batch flushes first so send order holds.
func (p *Producer) SendAsync(msg *ProducerMessage, cb SendCallback) error {
	if err := p.validateSend(msg); err != nil {
		return err
	}
	if cb == nil {
		cb = func(types.MessageID, error) {}
	}

	part := p.route(msg.Key)

	if msg.SequenceID != nil {
		sid := *msg.SequenceID
		if !p.seq.Observe(sid) {
			// Already accepted for this producer name: resolve locally,
			// nothing reaches the transport.
			metrics.MessagesDeduplicated.Inc()
			cb(p.assignedID(sid), nil)
			return nil
		}
		if handleState(p.state.Load()) == stateClosed {
			return fmt.Errorf("%w: producer %s", types.ErrClosed, p.name)
		}
		m := p.buildMessage(msg, part)
		m.SequenceID = sid
		return p.batchers[part].AddIsolated(m, batch.Callback(cb))
	}

	return p.batchers[part].Add(p.buildMessage(msg, part), batch.Callback(cb))
}

func (p *Producer) validateSend(msg *ProducerMessage) error {
	switch handleState(p.state.Load()) {
	case stateClosed:
		return fmt.Errorf("%w: producer %s", types.ErrClosed, p.name)
	case stateConnecting:
		return fmt.Errorf("%w: producer %s still connecting", types.ErrClosed, p.name)
	}
	if msg == nil {
		return fmt.Errorf("%w: nil message", types.ErrInvalidArgument)
	}
	if msg.Payload == nil {
		return fmt.Errorf("%w: nil payload", types.ErrInvalidArgument)
	}
	if msg.SequenceID != nil && *msg.SequenceID < 0 {
		return fmt.Errorf("%w: sequence id must not be negative", types.ErrInvalidArgument)
	}
	return nil
}

func (p *Producer) route(key string) int {
	if len(p.partitions) == 1 {
		return 0
	}
	if key != "" {
		return util.Hash(key) % len(p.partitions)
	}
	return int((atomic.AddUint32(&p.rr, 1) - 1) % uint32(len(p.partitions)))
}

func (p *Producer) buildMessage(msg *ProducerMessage, part int) *types.Message {
	return &types.Message{
		ID:           types.MessageID{PartitionIdx: int32(part), BatchIdx: -1},
		Topic:        p.partitions[part],
		Payload:      msg.Payload,
		Properties:   msg.Properties,
		Key:          msg.Key,
		PublishTime:  time.Now(),
		SequenceID:   -1,
		ProducerName: p.name,
	}
}

// flushBatch is the batcher flush function: it reserves sequence ids,
// encodes the batch as one unit and hands it to the transport. Either every
// callback resolves with its assigned id or every callback fails with the
// same error.
func (p *Producer) flushBatch(part int, msgs []*types.Message, cbs []batch.Callback) {
	base := msgs[0].SequenceID
	if base < 0 {
		base = p.seq.Reserve(len(msgs))
		for i, m := range msgs {
			m.SequenceID = base + int64(i)
			if len(msgs) > 1 {
				m.ID.BatchIdx = int32(i)
			}
		}
	}

	frame := &types.BatchFrame{
		Topic:          p.partitions[part],
		Partition:      int32(part),
		Compression:    p.cfg.CompressionType,
		BaseSequenceID: base,
		Messages:       msgs,
	}

	unit, err := types.EncodeBatch(frame)
	if err != nil {
		p.failBatch(cbs, fmt.Errorf("encode batch: %w", err))
		return
	}

	// A racing Close owns the state: stateClosed is never overwritten here.
	p.state.CompareAndSwap(int32(stateReady), int32(stateSending))
	start := time.Now()

	var ids []types.MessageID
	for attempt := 0; ; attempt++ {
		ids, err = p.client.transport.PublishBatch(unit)
		if err == nil {
			break
		}
		if attempt+1 >= p.cfg.MaxSendRetries {
			p.state.CompareAndSwap(int32(stateSending), int32(stateReconnecting))
			p.failBatch(cbs, err)
			p.state.CompareAndSwap(int32(stateReconnecting), int32(stateReady))
			return
		}
		util.Warn("publish to %s failed (attempt %d): %v", frame.Topic, attempt+1, err)
		time.Sleep(p.cfg.SendRetryBackoff << attempt)
	}

	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesSent.Add(float64(len(msgs)))

	p.assignedMu.Lock()
	if len(p.assigned) > assignedRecordLimit {
		p.assigned = make(map[int64]types.MessageID)
	}
	for i, m := range msgs {
		p.assigned[m.SequenceID] = ids[i]
	}
	p.assignedMu.Unlock()

	for i, cb := range cbs {
		cb(ids[i], nil)
	}
	p.state.CompareAndSwap(int32(stateSending), int32(stateReady))
}

func (p *Producer) failBatch(cbs []batch.Callback, err error) {
	metrics.BatchFlushFailures.Inc()
	util.Error("batch flush failed on %s: %v", p.cfg.Topic, err)
	for _, cb := range cbs {
		cb(types.MessageID{}, err)
	}
}

// assignedID returns the id assigned when the sequence id was first
// accepted, or the zero id when this producer instance has no record of it.
func (p *Producer) assignedID(sid int64) types.MessageID {
	p.assignedMu.Lock()
	defer p.assignedMu.Unlock()
	return p.assigned[sid]
}

// Flush forces out every pending batch and waits for the transport results.
func (p *Producer) Flush() error {
	if handleState(p.state.Load()) == stateClosed {
		return fmt.Errorf("%w: producer %s", types.ErrClosed, p.name)
	}
	for _, b := range p.batchers {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close fails pending sends with ErrClosed and stops the flush workers. No
// callback runs after Close returns.
func (p *Producer) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if handleState(p.state.Load()) == stateClosed {
		return nil
	}
	p.state.Store(int32(stateClosed))

	for _, b := range p.batchers {
		b.Close()
	}
	util.Info("producer %s closed", p.name)
	return nil
}
