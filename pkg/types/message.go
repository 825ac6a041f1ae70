package types

import "time"

// Message represents a single message
type Message struct {
	ID           MessageID
	Topic        string
	Payload      []byte
	Properties   map[string]string
	Key          string // optional: partition routing key
	PublishTime  time.Time
	SequenceID   int64
	ProducerName string
}

func (m *Message) String() string {
	return string(m.Payload)
}

// ConsumerType selects the subscription dispatch mode.
type ConsumerType int

const (
	ConsumerExclusive ConsumerType = iota
	ConsumerShared
	ConsumerFailover
)

func (t ConsumerType) String() string {
	switch t {
	case ConsumerExclusive:
		return "exclusive"
	case ConsumerShared:
		return "shared"
	case ConsumerFailover:
		return "failover"
	default:
		return "unknown"
	}
}
