package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
	"gopkg.in/yaml.v3"
)

// ClientConfig represents the client-wide configuration including the broker
// endpoint, authentication plugin and observability options.
type ClientConfig struct {
	ServiceAddr      string        `yaml:"service_addr" json:"service.addr"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation.timeout"`
	LogLevel         util.LogLevel `yaml:"log_level" json:"log_level"`

	// Authentication plugin, resolved by name through pkg/auth.
	AuthPlugin string `yaml:"auth_plugin" json:"auth.plugin"`
	AuthParams string `yaml:"auth_params" json:"auth.params"`

	// Prometheus exporter
	EnableExporter bool `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int  `yaml:"exporter_port" json:"exporter.port"`
}

func (c *ClientConfig) ApplyDefaults() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.ExporterPort == 0 {
		c.ExporterPort = 9100
	}
}

func (c *ClientConfig) Validate() error {
	if c.ServiceAddr == "" {
		return fmt.Errorf("%w: service_addr is required", types.ErrInvalidArgument)
	}
	if c.OperationTimeout < 0 {
		return fmt.Errorf("%w: operation_timeout must not be negative", types.ErrInvalidArgument)
	}
	return nil
}

// LoadClientConfig reads a YAML or JSON client configuration file and
// validates it.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProducerConfig carries per-producer options. Zero values select the
// documented defaults via ApplyDefaults.
type ProducerConfig struct {
	Topic string `yaml:"topic" json:"topic"`

	// Name identifies the producer for sequence-id deduplication. Generated
	// when empty; dedup across reconnects requires a stable name.
	Name string `yaml:"name" json:"name"`

	SendTimeout        time.Duration `yaml:"send_timeout" json:"send.timeout"`
	MaxPendingMessages int           `yaml:"max_pending_messages" json:"max.pending.messages"`

	BatchingEnabled         bool          `yaml:"batching_enabled" json:"batching.enabled"`
	BatchingMaxMessages     int           `yaml:"batching_max_messages" json:"batching.max.messages"`
	BatchingMaxBytes        int           `yaml:"batching_max_bytes" json:"batching.max.bytes"`
	BatchingMaxPublishDelay time.Duration `yaml:"batching_max_publish_delay" json:"batching.max.publish.delay"`

	CompressionType string `yaml:"compression_type" json:"compression.type"`

	MaxSendRetries   int           `yaml:"max_send_retries" json:"max.send.retries"`
	SendRetryBackoff time.Duration `yaml:"send_retry_backoff" json:"send.retry.backoff"`
}

func (c *ProducerConfig) ApplyDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxPendingMessages <= 0 {
		c.MaxPendingMessages = 1000
	}
	if c.BatchingMaxMessages <= 0 {
		c.BatchingMaxMessages = 100
	}
	if c.BatchingMaxBytes <= 0 {
		c.BatchingMaxBytes = 128 * 1024
	}
	if c.BatchingMaxPublishDelay <= 0 {
		c.BatchingMaxPublishDelay = 10 * time.Millisecond
	}
	if c.CompressionType == "" {
		c.CompressionType = "none"
	}
	if c.MaxSendRetries <= 0 {
		c.MaxSendRetries = 3
	}
	if c.SendRetryBackoff <= 0 {
		c.SendRetryBackoff = 100 * time.Millisecond
	}
}

func (c *ProducerConfig) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: producer topic is required", types.ErrInvalidArgument)
	}
	if c.SendTimeout < 0 || c.MaxPendingMessages < 0 || c.BatchingMaxMessages < 0 ||
		c.BatchingMaxBytes < 0 || c.BatchingMaxPublishDelay < 0 {
		return fmt.Errorf("%w: producer options must not be negative", types.ErrInvalidArgument)
	}
	if !util.ValidCompressionType(c.CompressionType) {
		return fmt.Errorf("%w: unknown compression type %q", types.ErrInvalidArgument, c.CompressionType)
	}
	return nil
}

// MessageListener receives messages on a listener-mode consumer. It runs on
// a dedicated dispatch goroutine; ack acknowledges the delivered message.
type MessageListener func(msg *types.Message, ack func() error)

// ConsumerConfig carries per-subscription options. Exactly one of Topic,
// Topics or TopicsPattern selects the source.
type ConsumerConfig struct {
	Topic         string   `yaml:"topic" json:"topic"`
	Topics        []string `yaml:"topics" json:"topics"`
	TopicsPattern string   `yaml:"topics_pattern" json:"topics.pattern"`

	Subscription string             `yaml:"subscription" json:"subscription"`
	Type         types.ConsumerType `yaml:"consumer_type" json:"consumer.type"`

	ReceiverQueueSize int           `yaml:"receiver_queue_size" json:"receiver.queue.size"`
	AckTimeout        time.Duration `yaml:"ack_timeout" json:"ack.timeout"`
	ReadCompacted     bool          `yaml:"read_compacted" json:"read.compacted"`

	// PatternDiscoveryInterval controls re-discovery for pattern
	// subscriptions.
	PatternDiscoveryInterval time.Duration `yaml:"pattern_discovery_interval" json:"pattern.discovery.interval"`

	Listener MessageListener `yaml:"-" json:"-"`
}

func (c *ConsumerConfig) ApplyDefaults() {
	if c.ReceiverQueueSize <= 0 {
		c.ReceiverQueueSize = 1000
	}
	if c.PatternDiscoveryInterval <= 0 {
		c.PatternDiscoveryInterval = 30 * time.Second
	}
}

func (c *ConsumerConfig) Validate() error {
	sources := 0
	if c.Topic != "" {
		sources++
	}
	if len(c.Topics) > 0 {
		sources++
	}
	if c.TopicsPattern != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("%w: exactly one of topic, topics or topics_pattern is required", types.ErrInvalidArgument)
	}
	if c.Subscription == "" {
		return fmt.Errorf("%w: subscription name is required", types.ErrInvalidArgument)
	}
	if c.Type < types.ConsumerExclusive || c.Type > types.ConsumerFailover {
		return fmt.Errorf("%w: unknown consumer type %d", types.ErrInvalidArgument, c.Type)
	}
	if c.ReceiverQueueSize < 0 {
		return fmt.Errorf("%w: receiver_queue_size must not be negative", types.ErrInvalidArgument)
	}
	if c.AckTimeout != 0 && c.AckTimeout < time.Second {
		return fmt.Errorf("%w: ack_timeout must be zero or at least 1s", types.ErrInvalidArgument)
	}
	return nil
}

// ReaderConfig carries options for a reader, the subscription-less consumer
// variant positioned by message id.
type ReaderConfig struct {
	Topic string `yaml:"topic" json:"topic"`

	// StartMessageID positions the cursor; reading resumes after it.
	// Defaults to the earliest position.
	StartMessageID types.MessageID `yaml:"-" json:"-"`

	ReceiverQueueSize int `yaml:"receiver_queue_size" json:"receiver.queue.size"`
}

func (c *ReaderConfig) ApplyDefaults() {
	if c.ReceiverQueueSize <= 0 {
		c.ReceiverQueueSize = 1000
	}
}

func (c *ReaderConfig) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: reader topic is required", types.ErrInvalidArgument)
	}
	if c.ReceiverQueueSize < 0 {
		return fmt.Errorf("%w: receiver_queue_size must not be negative", types.ErrInvalidArgument)
	}
	return nil
}
