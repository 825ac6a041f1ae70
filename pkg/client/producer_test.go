package client_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/downfa11-org/cursus-client/pkg/client"
	"github.com/downfa11-org/cursus-client/pkg/config"
	"github.com/downfa11-org/cursus-client/pkg/transport"
	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

func seqPtr(v int64) *int64 { return &v }

func TestProducerSendOrder(t *testing.T) {
	c, _ := newTestClient(t)
	consumer := newConsumer(t, c, "orders", "sub")
	p := newProducer(t, c, "orders", "")

	var ids []types.MessageID
	for i := 0; i < 10; i++ {
		id, err := p.Send(&client.ProducerMessage{Payload: []byte(fmt.Sprintf("hello-%d", i))})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		require.True(t, ids[i-1].Less(ids[i]), "ids must be monotonic: %s then %s", ids[i-1], ids[i])
	}
	require.EqualValues(t, 9, p.LastSequenceID())

	payloads := receivePayloads(t, consumer, 10)
	for i, payload := range payloads {
		require.Equal(t, fmt.Sprintf("hello-%d", i), payload)
	}
}

func TestProducerSequenceIDsAssigned(t *testing.T) {
	c, _ := newTestClient(t)
	consumer := newConsumer(t, c, "orders", "sub")
	p := newProducer(t, c, "orders", "seq-producer")

	for i := 0; i < 5; i++ {
		_, err := p.Send(&client.ProducerMessage{Payload: []byte(fmt.Sprintf("m-%d", i))})
		require.NoError(t, err)
	}

	for want := int64(0); want < 5; want++ {
		msg, err := consumer.Receive(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, want, msg.SequenceID)
		require.Equal(t, "seq-producer", msg.ProducerName)
		require.NoError(t, consumer.Acknowledge(msg))
	}
}

// The deduplication scenario: a named producer publishes, reopens under the
// same name, reads its last sequence id back from the broker and resends of
// already accepted ids resolve locally without reaching the log.
func TestProducerReopenDeduplicates(t *testing.T) {
	c, _ := newTestClient(t)
	consumer := newConsumer(t, c, "orders", "sub")

	p := newProducer(t, c, "orders", "dedup-producer")
	for i := 0; i < 10; i++ {
		_, err := p.Send(&client.ProducerMessage{Payload: []byte(fmt.Sprintf("hello-%d", i))})
		require.NoError(t, err)
	}
	require.EqualValues(t, 9, p.LastSequenceID())
	require.NoError(t, p.Close())

	reopened := newProducer(t, c, "orders", "dedup-producer")
	require.EqualValues(t, 9, reopened.LastSequenceID())

	// Resending an already accepted sequence id succeeds without
	// republishing.
	_, err := reopened.Send(&client.ProducerMessage{
		Payload:    []byte("hello-5"),
		SequenceID: seqPtr(5),
	})
	require.NoError(t, err)
	require.EqualValues(t, 9, reopened.LastSequenceID())

	payloads := receivePayloads(t, consumer, 10)
	require.Len(t, payloads, 10)
	_, err = consumer.Receive(200 * time.Millisecond)
	require.ErrorIs(t, err, types.ErrTimeout, "deduplicated resend must not be redelivered")

	// A fresh explicit id is accepted and published.
	_, err = reopened.Send(&client.ProducerMessage{
		Payload:    []byte("hello-10"),
		SequenceID: seqPtr(10),
	})
	require.NoError(t, err)
	require.EqualValues(t, 10, reopened.LastSequenceID())

	msg, err := consumer.Receive(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello-10", string(msg.Payload))
	require.EqualValues(t, 10, msg.SequenceID)
}

func TestProducerExplicitSequenceGaps(t *testing.T) {
	c, _ := newTestClient(t)
	p := newProducer(t, c, "orders", "gap-producer")

	// Non-contiguous explicit ids advance the counter past the gap.
	_, err := p.Send(&client.ProducerMessage{Payload: []byte("a"), SequenceID: seqPtr(100)})
	require.NoError(t, err)
	require.EqualValues(t, 100, p.LastSequenceID())

	// Automatic assignment continues after the highest accepted id.
	_, err = p.Send(&client.ProducerMessage{Payload: []byte("b")})
	require.NoError(t, err)
	require.EqualValues(t, 101, p.LastSequenceID())
}

// slowTransport delays publishes to expose send paths that block on the
// transport.
type slowTransport struct {
	*transport.MemoryTransport
	delay time.Duration
}

func (s *slowTransport) PublishBatch(unit []byte) ([]types.MessageID, error) {
	time.Sleep(s.delay)
	return s.MemoryTransport.PublishBatch(unit)
}

func TestProducerExplicitSequenceSendAsyncReturnsPromptly(t *testing.T) {
	st := &slowTransport{MemoryTransport: transport.NewMemoryTransport(), delay: 300 * time.Millisecond}
	c, err := client.New(&config.ClientConfig{ServiceAddr: "mem://local", LogLevel: util.LogLevelWarn}, st)
	require.NoError(t, err)
	defer c.Close()

	p, err := c.CreateProducer(config.ProducerConfig{Topic: "orders", Name: "async-producer"})
	require.NoError(t, err)

	done := make(chan error, 1)
	start := time.Now()
	err = p.SendAsync(&client.ProducerMessage{Payload: []byte("x"), SequenceID: seqPtr(0)},
		func(id types.MessageID, err error) { done <- err })
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond, "SendAsync must not wait for the transport")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never resolved")
	}
	require.EqualValues(t, 0, p.LastSequenceID())
}

func TestProducerCloseKeepsSequenceState(t *testing.T) {
	c, _ := newTestClient(t)

	p := newProducer(t, c, "orders", "close-seq")
	for i := 0; i < 3; i++ {
		_, err := p.Send(&client.ProducerMessage{Payload: []byte("x")})
		require.NoError(t, err)
	}
	require.NoError(t, p.Close())

	_, err := p.Send(&client.ProducerMessage{Payload: []byte("late"), SequenceID: seqPtr(10)})
	require.ErrorIs(t, err, types.ErrClosed)
	require.EqualValues(t, 2, p.LastSequenceID(), "rejected send must not advance the sequence")

	reopened := newProducer(t, c, "orders", "close-seq")
	require.EqualValues(t, 2, reopened.LastSequenceID())
}

func TestProducerBatchSharesEntry(t *testing.T) {
	c, _ := newTestClient(t)
	p, err := c.CreateProducer(config.ProducerConfig{
		Topic:                   "orders",
		BatchingEnabled:         true,
		BatchingMaxMessages:     100,
		BatchingMaxPublishDelay: time.Hour,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var ids []types.MessageID
	var cbErrs []error
	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		err := p.SendAsync(&client.ProducerMessage{Payload: []byte(fmt.Sprintf("b-%d", i))},
			func(id types.MessageID, err error) {
				mu.Lock()
				ids = append(ids, id)
				cbErrs = append(cbErrs, err)
				mu.Unlock()
				done <- struct{}{}
			})
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush())

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("callback %d never resolved", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, err := range cbErrs {
		require.NoError(t, err)
	}
	require.Len(t, ids, 5)
	for i, id := range ids {
		require.Equal(t, ids[0].EntryID, id.EntryID, "batch members share the entry")
		require.EqualValues(t, i, id.BatchIdx)
	}
}

func TestProducerRoundRobinRouting(t *testing.T) {
	c, mt := newTestClient(t)
	mt.CreatePartitionedTopic("orders", 3)
	p := newProducer(t, c, "orders", "")

	counts := make(map[int32]int)
	for i := 0; i < 6; i++ {
		id, err := p.Send(&client.ProducerMessage{Payload: []byte("x")})
		require.NoError(t, err)
		counts[id.PartitionIdx]++
	}

	require.Len(t, counts, 3, "keyless sends must spread over all partitions")
	for part, n := range counts {
		require.Equal(t, 2, n, "partition %d", part)
	}
}

func TestProducerKeyRouting(t *testing.T) {
	c, mt := newTestClient(t)
	mt.CreatePartitionedTopic("orders", 3)
	p := newProducer(t, c, "orders", "")

	var first int32 = -1
	for i := 0; i < 5; i++ {
		id, err := p.Send(&client.ProducerMessage{Payload: []byte("x"), Key: "user-42"})
		require.NoError(t, err)
		if first < 0 {
			first = id.PartitionIdx
		}
		require.Equal(t, first, id.PartitionIdx, "keyed sends must stick to one partition")
	}
}

func TestProducerSendValidation(t *testing.T) {
	c, _ := newTestClient(t)
	p := newProducer(t, c, "orders", "")

	_, err := p.Send(nil)
	require.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = p.Send(&client.ProducerMessage{})
	require.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = p.Send(&client.ProducerMessage{Payload: []byte("x"), SequenceID: seqPtr(-2)})
	require.ErrorIs(t, err, types.ErrInvalidArgument)

	require.NoError(t, p.Close())
	_, err = p.Send(&client.ProducerMessage{Payload: []byte("x")})
	require.ErrorIs(t, err, types.ErrClosed)
}

func TestProducerConfigRejected(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.CreateProducer(config.ProducerConfig{})
	require.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = c.CreateProducer(config.ProducerConfig{Topic: "orders", CompressionType: "zstd"})
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestProducerCompressedDelivery(t *testing.T) {
	c, _ := newTestClient(t)
	consumer := newConsumer(t, c, "orders", "sub")

	for _, compression := range []string{"gzip", "snappy", "lz4"} {
		p, err := c.CreateProducer(config.ProducerConfig{Topic: "orders", CompressionType: compression})
		require.NoError(t, err)

		_, err = p.Send(&client.ProducerMessage{Payload: []byte("compressed-" + compression)})
		require.NoError(t, err)
		require.NoError(t, p.Close())

		msg, err := consumer.Receive(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, "compressed-"+compression, string(msg.Payload))
		require.NoError(t, consumer.Acknowledge(msg))
	}
}
