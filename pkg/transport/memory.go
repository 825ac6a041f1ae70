package transport

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/downfa11-org/cursus-client/pkg/auth"
	"github.com/downfa11-org/cursus-client/pkg/types"
)

// liveSegmentID is the segment every in-memory log appends to. Segment 0 is
// reserved for the earliest sentinel.
const liveSegmentID = 1

var partitionSuffix = regexp.MustCompile(`-partition-\d+$`)

// MemoryTransport is an in-process broker presenting the contract of the
// real transport: per-partition ordered logs, subscription cursors,
// broker-side sequence records and a compacted view. The test suite and the
// loopback CLI run against it.
type MemoryTransport struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	creds     *auth.Credentials

	logs      map[string]*topicLog // concrete partition topic name
	topics    map[string]int       // logical topic name -> partition count (0: non-partitioned)
	producers map[string]int64     // producer name -> last accepted sequence id
	subs      map[string]*subscription
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		logs:      make(map[string]*topicLog),
		topics:    make(map[string]int),
		producers: make(map[string]int64),
		subs:      make(map[string]*subscription),
	}
}

type topicLog struct {
	mu      sync.Mutex
	entries []*types.Message
	next    uint64 // next entry id
	notify  chan struct{}
}

func newTopicLog() *topicLog {
	return &topicLog{notify: make(chan struct{})}
}

// notifyChan returns the channel closed on the next append.
func (l *topicLog) notifyChan() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify
}

func (l *topicLog) append(msgs []*types.Message, partition int32) []types.MessageID {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.next
	l.next++

	ids := make([]types.MessageID, len(msgs))
	for i, m := range msgs {
		id := types.MessageID{
			SegmentID:    liveSegmentID,
			EntryID:      entry,
			PartitionIdx: partition,
			BatchIdx:     m.ID.BatchIdx,
		}
		stored := *m
		stored.ID = id
		l.entries = append(l.entries, &stored)
		ids[i] = id
	}

	close(l.notify)
	l.notify = make(chan struct{})
	return ids
}

// latestForKey reports whether the entry at idx is the newest message for
// its key. Keyless messages always survive compaction.
func (l *topicLog) latestForKey(idx int) bool {
	e := l.entries[idx]
	if e.Key == "" {
		return true
	}
	for j := idx + 1; j < len(l.entries); j++ {
		if l.entries[j].Key == e.Key {
			return false
		}
	}
	return true
}

// seekIndex returns the index of the first entry ordered after target.
func (l *topicLog) seekIndex(target types.MessageID) int {
	if target == types.EarliestMessageID {
		return 0
	}
	if target == types.LatestMessageID {
		return len(l.entries)
	}
	for i, e := range l.entries {
		if e.ID.Compare(target) > 0 {
			return i
		}
	}
	return len(l.entries)
}

type subscription struct {
	mu            sync.Mutex
	log           *topicLog
	pos           int
	redelivery    []types.MessageID
	readCompacted bool
	consType      types.ConsumerType
	sessions      int
	active        *memorySession // failover: only this session is served
	notify        chan struct{}
}

func (s *subscription) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (mt *MemoryTransport) Connect(addr string, provider auth.Provider) error {
	if addr == "" {
		return fmt.Errorf("%w: empty service address", types.ErrInvalidArgument)
	}
	var creds *auth.Credentials
	if provider != nil {
		var err error
		creds, err = provider.Load()
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrTransport, err)
		}
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed {
		return fmt.Errorf("%w: transport", types.ErrClosed)
	}
	mt.connected = true
	mt.creds = creds
	return nil
}

func (mt *MemoryTransport) checkConnected() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed || !mt.connected {
		return fmt.Errorf("%w: transport not connected", types.ErrClosed)
	}
	return nil
}

// CreateTopic registers a non-partitioned topic, the admin-side operation
// tests use before subscribing.
func (mt *MemoryTransport) CreateTopic(name string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, ok := mt.topics[name]; !ok {
		mt.topics[name] = 0
	}
}

// CreatePartitionedTopic registers a topic with n partitions.
func (mt *MemoryTransport) CreatePartitionedTopic(name string, n int) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.topics[name] = n
}

func (mt *MemoryTransport) getLog(topic string) *topicLog {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.getLogLocked(topic)
}

func (mt *MemoryTransport) getLogLocked(topic string) *topicLog {
	l, ok := mt.logs[topic]
	if !ok {
		l = newTopicLog()
		mt.logs[topic] = l
	}
	return l
}

// registerLogicalLocked records an auto-created topic unless the name is a
// shard of an already registered partitioned topic.
func (mt *MemoryTransport) registerLogicalLocked(topic string) {
	if suffix := partitionSuffix.FindString(topic); suffix != "" {
		base := topic[:len(topic)-len(suffix)]
		if _, ok := mt.topics[base]; ok {
			return
		}
	}
	if _, ok := mt.topics[topic]; !ok {
		mt.topics[topic] = 0
	}
}

func (mt *MemoryTransport) PublishBatch(unit []byte) ([]types.MessageID, error) {
	if err := mt.checkConnected(); err != nil {
		return nil, err
	}

	frame, err := types.DecodeBatch(unit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	if len(frame.Messages) == 0 {
		return nil, nil
	}

	mt.mu.Lock()
	mt.registerLogicalLocked(frame.Topic)
	l := mt.getLogLocked(frame.Topic)
	for _, m := range frame.Messages {
		name := m.ProducerName
		if last, ok := mt.producers[name]; !ok || m.SequenceID > last {
			mt.producers[name] = m.SequenceID
		}
	}
	mt.mu.Unlock()

	return l.append(frame.Messages, frame.Partition), nil
}

func (mt *MemoryTransport) GetLastSequenceID(producerName string) (int64, error) {
	if err := mt.checkConnected(); err != nil {
		return 0, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if last, ok := mt.producers[producerName]; ok {
		return last, nil
	}
	return -1, nil
}

func (mt *MemoryTransport) GetPartitions(topic string) (int, error) {
	if err := mt.checkConnected(); err != nil {
		return 0, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.topics[topic], nil
}

func (mt *MemoryTransport) ListTopics() ([]string, error) {
	if err := mt.checkConnected(); err != nil {
		return nil, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	names := make([]string, 0, len(mt.topics))
	for name := range mt.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (mt *MemoryTransport) Subscribe(topic, subName string, opts SubscribeOptions) (Session, error) {
	if err := mt.checkConnected(); err != nil {
		return nil, err
	}

	key := topic + "|" + subName
	mt.mu.Lock()
	sub, ok := mt.subs[key]
	if !ok {
		l := mt.getLogLocked(topic)
		l.mu.Lock()
		pos := l.seekIndex(opts.InitialPosition)
		l.mu.Unlock()
		sub = &subscription{
			log:           l,
			pos:           pos,
			readCompacted: opts.ReadCompacted,
			consType:      opts.Type,
			notify:        make(chan struct{}),
		}
		mt.subs[key] = sub
	}
	mt.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if ok && sub.consType != opts.Type {
		return nil, fmt.Errorf("%w: subscription %s is %s, not %s",
			types.ErrInvalidArgument, subName, sub.consType, opts.Type)
	}
	if sub.consType == types.ConsumerExclusive && sub.sessions > 0 {
		return nil, fmt.Errorf("%w: subscription %s already has an exclusive consumer",
			types.ErrTransport, subName)
	}

	sess := &memorySession{sub: sub, stopCh: make(chan struct{})}
	sub.sessions++
	if sub.consType == types.ConsumerFailover && sub.active == nil {
		sub.active = sess
	}
	return sess, nil
}

func (mt *MemoryTransport) Read(topic string, start types.MessageID) (Session, error) {
	if err := mt.checkConnected(); err != nil {
		return nil, err
	}

	l := mt.getLog(topic)
	l.mu.Lock()
	pos := l.seekIndex(start)
	l.mu.Unlock()

	sub := &subscription{log: l, pos: pos, sessions: 1, consType: types.ConsumerShared, notify: make(chan struct{})}
	return &memorySession{sub: sub, stopCh: make(chan struct{})}, nil
}

func (mt *MemoryTransport) Close() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.closed = true
	mt.connected = false
	return nil
}

type memorySession struct {
	sub     *subscription
	stopCh  chan struct{}
	closeMu sync.Mutex
	closed  bool
}

func (s *memorySession) FetchNext(timeout time.Duration) (*types.Message, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if msg := s.takeNext(); msg != nil {
			return msg, nil
		}

		sub := s.sub
		sub.mu.Lock()
		subNotify := sub.notify
		sub.mu.Unlock()
		logNotify := sub.log.notifyChan()

		select {
		case <-logNotify:
		case <-subNotify:
		case <-deadline:
			return nil, fmt.Errorf("%w: no message received", types.ErrTimeout)
		case <-s.stopCh:
			return nil, fmt.Errorf("%w: session", types.ErrClosed)
		}
	}
}

// takeNext pops the next deliverable message: redelivery queue first, then
// the cursor, skipping compacted-away entries for read-compacted sessions.
func (s *memorySession) takeNext() *types.Message {
	sub := s.sub
	sub.mu.Lock()
	defer sub.mu.Unlock()

	l := sub.log
	l.mu.Lock()
	defer l.mu.Unlock()

	// Failover dispatch: one session owns the subscription, standbys idle
	// until the owner detaches.
	if sub.consType == types.ConsumerFailover {
		if sub.active == nil {
			sub.active = s
		}
		if sub.active != s {
			return nil
		}
	}

	if len(sub.redelivery) > 0 {
		id := sub.redelivery[0]
		sub.redelivery = sub.redelivery[1:]
		for _, e := range l.entries {
			if e.ID == id {
				msg := *e
				return &msg
			}
		}
		// position no longer in the log; fall through to the cursor
	}

	for sub.pos < len(l.entries) {
		idx := sub.pos
		sub.pos++
		if sub.readCompacted && !l.latestForKey(idx) {
			continue
		}
		msg := *l.entries[idx]
		return &msg
	}
	return nil
}

func (s *memorySession) Acknowledge(id types.MessageID, cumulative bool) error {
	// Cursor-model broker: acknowledgment state is tracked client-side by
	// the ack tracker, nothing to persist here.
	return nil
}

func (s *memorySession) Redeliver(ids []types.MessageID) error {
	sub := s.sub
	sub.mu.Lock()
	sub.redelivery = append(sub.redelivery, ids...)
	sub.wake()
	sub.mu.Unlock()
	return nil
}

func (s *memorySession) Seek(id types.MessageID) error {
	sub := s.sub
	sub.mu.Lock()
	defer sub.mu.Unlock()

	sub.log.mu.Lock()
	sub.pos = sub.log.seekIndex(id)
	sub.log.mu.Unlock()
	sub.redelivery = nil
	sub.wake()
	return nil
}

func (s *memorySession) HasNext() (bool, error) {
	sub := s.sub
	sub.mu.Lock()
	defer sub.mu.Unlock()

	l := sub.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(sub.redelivery) > 0 {
		return true, nil
	}
	for idx := sub.pos; idx < len(l.entries); idx++ {
		if sub.readCompacted && !l.latestForKey(idx) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (s *memorySession) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)

	sub := s.sub
	sub.mu.Lock()
	sub.sessions--
	if sub.active == s {
		// Promote: the next standby to fetch claims the subscription.
		sub.active = nil
		sub.wake()
	}
	sub.mu.Unlock()
	return nil
}
