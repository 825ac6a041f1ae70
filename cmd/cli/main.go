package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/downfa11-org/cursus-client/pkg/client"
	"github.com/downfa11-org/cursus-client/pkg/config"
	"github.com/downfa11-org/cursus-client/pkg/transport"
	"github.com/downfa11-org/cursus-client/util"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON client config file")
	topic := flag.String("topic", "demo-topic", "Topic name")
	count := flag.Int("count", 10, "Number of messages to publish")
	compression := flag.String("compression", "none", "Compression type (none, gzip, snappy, lz4)")
	batchDelay := flag.Duration("batch-delay", 10*time.Millisecond, "Max publish delay before a batch flushes")
	logLevelStr := flag.String("log-level", "info", "Log Level (debug, info, warn, error)")
	flag.Parse()

	logLevel := util.LogLevelInfo
	switch *logLevelStr {
	case "debug":
		logLevel = util.LogLevelDebug
	case "warn":
		logLevel = util.LogLevelWarn
	case "error":
		logLevel = util.LogLevelError
	}

	cfg := &config.ClientConfig{ServiceAddr: "memory://local"}
	if *configPath != "" {
		loaded, err := config.LoadClientConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	// The flag wins over the config file's log_level.
	cfg.LogLevel = logLevel

	// Loopback demo: publish and consume through the in-memory transport.
	c, err := client.New(cfg, transport.NewMemoryTransport())
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}
	defer func() { _ = c.Close() }()

	consumer, err := c.Subscribe(config.ConsumerConfig{
		Topic:        *topic,
		Subscription: "cli-sub",
	})
	if err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}

	producer, err := c.CreateProducer(config.ProducerConfig{
		Topic:                   *topic,
		BatchingEnabled:         true,
		BatchingMaxPublishDelay: *batchDelay,
		CompressionType:         *compression,
	})
	if err != nil {
		log.Fatalf("failed to create producer: %v", err)
	}

	for i := 0; i < *count; i++ {
		id, err := producer.Send(&client.ProducerMessage{
			Payload: []byte(fmt.Sprintf("hello-%d", i)),
		})
		if err != nil {
			log.Fatalf("send failed: %v", err)
		}
		util.Debug("published %s at %s", fmt.Sprintf("hello-%d", i), id)
	}
	util.Info("published %d messages, lastSequenceId=%d", *count, producer.LastSequenceID())

	for i := 0; i < *count; i++ {
		msg, err := consumer.Receive(5 * time.Second)
		if err != nil {
			log.Fatalf("receive failed: %v", err)
		}
		if err := consumer.Acknowledge(msg); err != nil {
			log.Fatalf("acknowledge failed: %v", err)
		}
		fmt.Printf("%s %s\n", msg.ID, msg.Payload)
	}
}
