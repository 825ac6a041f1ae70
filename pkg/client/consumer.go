package client

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/cursus-client/pkg/ack"
	"github.com/downfa11-org/cursus-client/pkg/config"
	"github.com/downfa11-org/cursus-client/pkg/discovery"
	"github.com/downfa11-org/cursus-client/pkg/metrics"
	"github.com/downfa11-org/cursus-client/pkg/transport"
	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

// fetchPoll bounds how long a partition fetcher waits before rechecking
// shutdown.
const fetchPoll = 100 * time.Millisecond

// Consumer delivers messages from one or more partition topics under a
// subscription, tracking acknowledgments and redelivery.
type Consumer struct {
	client *Client
	cfg    config.ConsumerConfig

	state   atomic.Int32
	tracker *ack.Tracker
	queue   chan *types.Message

	sessMu   sync.RWMutex
	sessions map[string]transport.Session

	// seekGate serializes seeks against in-flight fetch enqueues; seekEpoch
	// invalidates messages fetched before a seek repositioned the cursor.
	seekGate  sync.RWMutex
	seekEpoch atomic.Uint64

	watcher  *discovery.Watcher
	stopCh   chan struct{}
	fetchers sync.WaitGroup
	workers  sync.WaitGroup
	closeMu  sync.Mutex
}

func newConsumer(c *Client, cfg config.ConsumerConfig) (*Consumer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	consumer := &Consumer{
		client:   c,
		cfg:      cfg,
		queue:    make(chan *types.Message, cfg.ReceiverQueueSize),
		sessions: make(map[string]transport.Session),
		stopCh:   make(chan struct{}),
	}
	consumer.state.Store(int32(stateConnecting))
	consumer.tracker = ack.NewTracker(cfg.AckTimeout, consumer.requestRedelivery)

	topics, err := consumer.resolveTopics()
	if err != nil {
		consumer.tracker.Close()
		return nil, err
	}

	for _, topic := range topics {
		if err := consumer.addPartition(topic); err != nil {
			consumer.tracker.Close()
			consumer.closeSessions()
			return nil, err
		}
	}

	if consumer.watcher != nil {
		consumer.workers.Add(1)
		go consumer.watchLoop()
	}
	if cfg.Listener != nil {
		consumer.workers.Add(1)
		go consumer.dispatchLoop()
	}

	consumer.state.Store(int32(stateReady))
	util.Info("consumer %s subscribed to %d partition topics", cfg.Subscription, len(topics))
	return consumer, nil
}

func (c *Consumer) resolveTopics() ([]string, error) {
	switch {
	case c.cfg.TopicsPattern != "":
		re, err := regexp.Compile(c.cfg.TopicsPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad topics pattern: %v", types.ErrInvalidArgument, err)
		}
		watcher, initial, err := c.client.discovery.Watch(re, c.cfg.PatternDiscoveryInterval)
		if err != nil {
			return nil, err
		}
		c.watcher = watcher
		return initial, nil

	case len(c.cfg.Topics) > 0:
		var all []string
		for _, topic := range c.cfg.Topics {
			resolved, err := c.client.discovery.Resolve(topic)
			if err != nil {
				return nil, err
			}
			all = append(all, resolved...)
		}
		return all, nil

	default:
		return c.client.discovery.Resolve(c.cfg.Topic)
	}
}

func (c *Consumer) addPartition(topic string) error {
	sess, err := c.client.transport.Subscribe(topic, c.cfg.Subscription, transport.SubscribeOptions{
		Type:            c.cfg.Type,
		ReadCompacted:   c.cfg.ReadCompacted,
		InitialPosition: types.EarliestMessageID,
	})
	if err != nil {
		return err
	}

	c.sessMu.Lock()
	c.sessions[topic] = sess
	c.sessMu.Unlock()

	c.fetchers.Add(1)
	go c.fetchLoop(topic, sess)
	return nil
}

func (c *Consumer) removePartition(topic string) {
	c.sessMu.Lock()
	sess, ok := c.sessions[topic]
	if ok {
		delete(c.sessions, topic)
	}
	c.sessMu.Unlock()

	if ok {
		if err := sess.Close(); err != nil {
			util.Warn("close session for %s: %v", topic, err)
		}
	}
}

// fetchLoop pulls messages from one partition session into the shared
// receiver queue, preserving per-partition order.
func (c *Consumer) fetchLoop(topic string, sess transport.Session) {
	defer c.fetchers.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		// Fetch under the seek gate so a concurrent seek cannot reposition
		// the cursor mid-fetch. FetchNext blocks at most fetchPoll, which
		// bounds how long a Seek waits for the gate.
		c.seekGate.RLock()
		epoch := c.seekEpoch.Load()
		msg, err := sess.FetchNext(fetchPoll)
		if err != nil {
			c.seekGate.RUnlock()
			if errors.Is(err, types.ErrTimeout) {
				continue
			}
			if errors.Is(err, types.ErrClosed) {
				return
			}
			util.Warn("fetch from %s: %v", topic, err)
			continue
		}

		if !c.enqueueLocked(msg, epoch) {
			return
		}
	}
}

// enqueueLocked places a fetched message onto the receiver queue; the
// caller holds the seek gate read lock, released here. The gate is dropped
// while waiting for queue space, and the message is discarded if a seek
// repositioned the cursor in that window: the reset cursor covers it again.
// Returns false when the consumer is shutting down.
func (c *Consumer) enqueueLocked(msg *types.Message, epoch uint64) bool {
	for {
		if c.seekEpoch.Load() != epoch {
			c.seekGate.RUnlock()
			return true
		}
		select {
		case c.queue <- msg:
			c.seekGate.RUnlock()
			return true
		default:
		}
		c.seekGate.RUnlock()

		select {
		case <-c.stopCh:
			return false
		case <-time.After(time.Millisecond):
		}
		c.seekGate.RLock()
	}
}

// Receive blocks up to timeout for the next message across all partitions
// and marks it delivered. A zero timeout blocks indefinitely.
func (c *Consumer) Receive(timeout time.Duration) (*types.Message, error) {
	if c.cfg.Listener != nil {
		return nil, fmt.Errorf("%w: receive is unavailable on a listener consumer", types.ErrInvalidArgument)
	}
	if handleState(c.state.Load()) == stateClosed {
		return nil, fmt.Errorf("%w: consumer %s", types.ErrClosed, c.cfg.Subscription)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case msg := <-c.queue:
		c.markDelivered(msg)
		return msg, nil
	case <-deadline:
		return nil, fmt.Errorf("%w: no message within %v", types.ErrTimeout, timeout)
	case <-c.stopCh:
		return nil, fmt.Errorf("%w: consumer %s", types.ErrClosed, c.cfg.Subscription)
	}
}

func (c *Consumer) markDelivered(msg *types.Message) {
	c.tracker.Track(msg.Topic, msg.ID)
	metrics.MessagesReceived.Inc()
}

// Acknowledge marks the message consumed. The tracker entry is removed
// before the broker call, so a racing redelivery timeout cannot re-offer an
// acknowledged message.
func (c *Consumer) Acknowledge(msg *types.Message) error {
	return c.acknowledge(msg, false)
}

// AcknowledgeCumulative acknowledges the message and every outstanding
// message ordered before it on the same partition.
func (c *Consumer) AcknowledgeCumulative(msg *types.Message) error {
	return c.acknowledge(msg, true)
}

func (c *Consumer) acknowledge(msg *types.Message, cumulative bool) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", types.ErrInvalidArgument)
	}
	if handleState(c.state.Load()) == stateClosed {
		return fmt.Errorf("%w: consumer %s", types.ErrClosed, c.cfg.Subscription)
	}

	if cumulative {
		removed := c.tracker.AckCumulative(msg.Topic, msg.ID)
		metrics.MessagesAcked.Add(float64(removed))
	} else if c.tracker.Ack(msg.ID) {
		metrics.MessagesAcked.Inc()
	}

	c.sessMu.RLock()
	sess := c.sessions[msg.Topic]
	c.sessMu.RUnlock()
	if sess == nil {
		return nil
	}
	return sess.Acknowledge(msg.ID, cumulative)
}

// Seek repositions every partition cursor to the given id (or log start/end
// for the sentinels), discarding prefetched messages and outstanding
// unacknowledged state past the target.
func (c *Consumer) Seek(id types.MessageID) error {
	if handleState(c.state.Load()) == stateClosed {
		return fmt.Errorf("%w: consumer %s", types.ErrClosed, c.cfg.Subscription)
	}

	c.seekGate.Lock()
	defer c.seekGate.Unlock()
	c.seekEpoch.Add(1)

	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	for topic, sess := range c.sessions {
		if err := sess.Seek(id); err != nil {
			return err
		}
		c.tracker.DiscardAfter(topic, id)
	}

	for {
		select {
		case <-c.queue:
		default:
			return nil
		}
	}
}

// requestRedelivery is the ack tracker's timeout callback.
func (c *Consumer) requestRedelivery(topic string, ids []types.MessageID) {
	c.sessMu.RLock()
	sess := c.sessions[topic]
	c.sessMu.RUnlock()
	if sess == nil {
		return
	}
	if err := sess.Redeliver(ids); err != nil {
		util.Warn("redeliver on %s: %v", topic, err)
	}
}

// watchLoop applies pattern discovery events: new topics get their own
// partition session, removed ones are torn down without touching in-flight
// state on unaffected partitions.
func (c *Consumer) watchLoop() {
	defer c.workers.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case ev := <-c.watcher.Events():
			for _, topic := range ev.Added {
				util.Info("pattern discovery: adding %s", topic)
				if err := c.addPartition(topic); err != nil {
					util.Error("subscribe to discovered topic %s: %v", topic, err)
				}
			}
			for _, topic := range ev.Removed {
				util.Info("pattern discovery: removing %s", topic)
				c.removePartition(topic)
			}
		}
	}
}

// dispatchLoop feeds a registered listener from the receiver queue. A
// panicking listener is logged and delivery continues.
func (c *Consumer) dispatchLoop() {
	defer c.workers.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case msg := <-c.queue:
			c.markDelivered(msg)
			c.invokeListener(msg)
		}
	}
}

func (c *Consumer) invokeListener(msg *types.Message) {
	defer func() {
		if r := recover(); r != nil {
			util.Error("listener panic on %s: %v", msg.Topic, r)
		}
	}()
	c.cfg.Listener(msg, func() error { return c.Acknowledge(msg) })
}

// Unacked returns the number of delivered, unacknowledged messages.
func (c *Consumer) Unacked() int {
	return c.tracker.Outstanding()
}

// Close stops fetchers, the listener dispatcher and redelivery timers.
// Blocked Receive calls fail with ErrClosed; no listener runs after Close
// returns.
func (c *Consumer) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if handleState(c.state.Load()) == stateClosed {
		return nil
	}
	c.state.Store(int32(stateClosed))

	if c.watcher != nil {
		c.watcher.Stop()
	}
	close(c.stopCh)
	c.closeSessions()
	c.fetchers.Wait()
	c.workers.Wait()
	c.tracker.Close()

	util.Info("consumer %s closed", c.cfg.Subscription)
	return nil
}

func (c *Consumer) closeSessions() {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	for topic, sess := range c.sessions {
		if err := sess.Close(); err != nil {
			util.Warn("close session for %s: %v", topic, err)
		}
		delete(c.sessions, topic)
	}
}
