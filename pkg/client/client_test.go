package client_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/downfa11-org/cursus-client/pkg/client"
	"github.com/downfa11-org/cursus-client/pkg/config"
	"github.com/downfa11-org/cursus-client/pkg/transport"
	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

func newTestClient(t *testing.T) (*client.Client, *transport.MemoryTransport) {
	t.Helper()

	mt := transport.NewMemoryTransport()
	c, err := client.New(&config.ClientConfig{
		ServiceAddr: "mem://local",
		LogLevel:    util.LogLevelWarn,
	}, mt)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mt
}

// newProducer creates a producer with batching off so every send flushes
// immediately; tests that exercise batching configure it explicitly.
func newProducer(t *testing.T, c *client.Client, topic, name string) *client.Producer {
	t.Helper()
	p, err := c.CreateProducer(config.ProducerConfig{Topic: topic, Name: name})
	require.NoError(t, err)
	return p
}

func newConsumer(t *testing.T, c *client.Client, topic, sub string) *client.Consumer {
	t.Helper()
	consumer, err := c.Subscribe(config.ConsumerConfig{Topic: topic, Subscription: sub})
	require.NoError(t, err)
	return consumer
}

func receivePayloads(t *testing.T, consumer *client.Consumer, n int) []string {
	t.Helper()
	payloads := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg, err := consumer.Receive(5 * time.Second)
		require.NoError(t, err, "message %d of %d", i+1, n)
		require.NoError(t, consumer.Acknowledge(msg))
		payloads = append(payloads, string(msg.Payload))
	}
	return payloads
}

func TestClientNewValidation(t *testing.T) {
	mt := transport.NewMemoryTransport()

	if _, err := client.New(nil, mt); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil config, got %v", err)
	}
	if _, err := client.New(&config.ClientConfig{ServiceAddr: "mem://local"}, nil); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil transport, got %v", err)
	}
	if _, err := client.New(&config.ClientConfig{}, mt); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty service addr, got %v", err)
	}
	if _, err := client.New(&config.ClientConfig{ServiceAddr: "mem://local", AuthPlugin: "bogus"}, mt); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown auth plugin, got %v", err)
	}
}

func TestClientWithTokenAuth(t *testing.T) {
	mt := transport.NewMemoryTransport()
	c, err := client.New(&config.ClientConfig{
		ServiceAddr: "mem://local",
		LogLevel:    util.LogLevelWarn,
		AuthPlugin:  "token",
		AuthParams:  "token:secret",
	}, mt)
	require.NoError(t, err)
	defer c.Close()
}

func TestTopicPartitions(t *testing.T) {
	c, mt := newTestClient(t)
	mt.CreatePartitionedTopic("orders", 3)

	parts, err := c.TopicPartitions("orders")
	require.NoError(t, err)
	require.Equal(t, []string{"orders-partition-0", "orders-partition-1", "orders-partition-2"}, parts)

	parts, err = c.TopicPartitions("plain")
	require.NoError(t, err)
	require.Equal(t, []string{"plain"}, parts)

	_, err = c.TopicPartitions("")
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestClientCloseClosesHandles(t *testing.T) {
	mt := transport.NewMemoryTransport()
	c, err := client.New(&config.ClientConfig{ServiceAddr: "mem://local", LogLevel: util.LogLevelWarn}, mt)
	require.NoError(t, err)

	p := newProducer(t, c, "orders", "")
	consumer := newConsumer(t, c, "orders", "sub")

	require.NoError(t, c.Close())

	_, err = p.Send(&client.ProducerMessage{Payload: []byte("x")})
	require.ErrorIs(t, err, types.ErrClosed)

	_, err = consumer.Receive(50 * time.Millisecond)
	require.ErrorIs(t, err, types.ErrClosed)

	_, err = c.CreateProducer(config.ProducerConfig{Topic: "orders"})
	require.ErrorIs(t, err, types.ErrClosed)
	_, err = c.Subscribe(config.ConsumerConfig{Topic: "orders", Subscription: "s2"})
	require.ErrorIs(t, err, types.ErrClosed)

	// Close is idempotent.
	require.NoError(t, c.Close())
}
