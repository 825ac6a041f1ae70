package client

import (
	"fmt"
	"sync"

	"github.com/downfa11-org/cursus-client/pkg/auth"
	"github.com/downfa11-org/cursus-client/pkg/config"
	"github.com/downfa11-org/cursus-client/pkg/discovery"
	"github.com/downfa11-org/cursus-client/pkg/metrics"
	"github.com/downfa11-org/cursus-client/pkg/transport"
	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

type handleState int32

const (
	stateConnecting handleState = iota
	stateReady
	stateSending
	stateReconnecting
	stateClosed
)

func (s handleState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateSending:
		return "sending"
	case stateReconnecting:
		return "reconnecting"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client owns the transport connection and the background machinery shared
// by producers, consumers and readers. It is constructed explicitly and torn
// down deterministically with Close.
type Client struct {
	cfg       *config.ClientConfig
	transport transport.Transport
	discovery *discovery.Discovery

	mu      sync.Mutex
	closed  bool
	handles []interface{ Close() error }
}

// New connects the given transport to the configured service address. The
// configuration is validated synchronously before any transport interaction.
func New(cfg *config.ClientConfig, t transport.Transport) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil client config", types.ErrInvalidArgument)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", types.ErrInvalidArgument)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	util.SetLevel(cfg.LogLevel)

	var provider auth.Provider
	if cfg.AuthPlugin != "" {
		var err error
		provider, err = auth.NewProvider(cfg.AuthPlugin, cfg.AuthParams)
		if err != nil {
			return nil, err
		}
	}

	if err := t.Connect(cfg.ServiceAddr, provider); err != nil {
		return nil, err
	}

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	util.Info("client connected to %s", cfg.ServiceAddr)
	return &Client{
		cfg:       cfg,
		transport: t,
		discovery: discovery.NewDiscovery(t),
	}, nil
}

// CreateProducer validates the configuration and attaches a producer to the
// topic, seeding its sequence tracker from the broker.
func (c *Client) CreateProducer(cfg config.ProducerConfig) (*Producer, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	p, err := newProducer(c, cfg)
	if err != nil {
		return nil, err
	}
	c.register(p)
	return p, nil
}

// Subscribe validates the configuration and attaches a consumer to the
// topic, topic list or pattern it names.
func (c *Client) Subscribe(cfg config.ConsumerConfig) (*Consumer, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	consumer, err := newConsumer(c, cfg)
	if err != nil {
		return nil, err
	}
	c.register(consumer)
	return consumer, nil
}

// CreateReader attaches a reader cursor to a single-partition topic.
func (c *Client) CreateReader(cfg config.ReaderConfig) (*Reader, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	r, err := newReader(c, cfg)
	if err != nil {
		return nil, err
	}
	c.register(r)
	return r, nil
}

// TopicPartitions returns the concrete partition topic names of a logical
// topic, or the name itself when non-partitioned.
func (c *Client) TopicPartitions(topic string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", types.ErrInvalidArgument)
	}
	return c.discovery.Resolve(topic)
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: client", types.ErrClosed)
	}
	return nil
}

func (c *Client) register(h interface{ Close() error }) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = append(c.handles, h)
}

// Close tears down every producer, consumer and reader created through this
// client, then the transport. Pending operations fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := c.handles
	c.handles = nil
	c.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			util.Warn("close handle: %v", err)
		}
	}
	return c.transport.Close()
}
