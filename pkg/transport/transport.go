package transport

import (
	"time"

	"github.com/downfa11-org/cursus-client/pkg/auth"
	"github.com/downfa11-org/cursus-client/pkg/types"
)

// SubscribeOptions selects dispatch mode and starting position for a new
// subscription session.
type SubscribeOptions struct {
	Type          types.ConsumerType
	ReadCompacted bool

	// InitialPosition applies only when the subscription does not exist
	// yet; delivery starts after this position.
	InitialPosition types.MessageID
}

// Transport is the broker session service the client core depends on but
// does not implement. Batch units are the encoded frames produced by
// types.EncodeBatch.
type Transport interface {
	Connect(addr string, provider auth.Provider) error
	PublishBatch(unit []byte) ([]types.MessageID, error)
	GetLastSequenceID(producerName string) (int64, error)
	GetPartitions(topic string) (int, error)
	ListTopics() ([]string, error)
	Subscribe(topic, subscription string, opts SubscribeOptions) (Session, error)
	Read(topic string, start types.MessageID) (Session, error)
	Close() error
}

// Session is one attached consumer or reader cursor.
type Session interface {
	// FetchNext blocks up to timeout for the next message. A zero timeout
	// blocks indefinitely.
	FetchNext(timeout time.Duration) (*types.Message, error)
	Acknowledge(id types.MessageID, cumulative bool) error
	// Redeliver re-offers previously fetched messages to the subscription.
	Redeliver(ids []types.MessageID) error
	Seek(id types.MessageID) error
	HasNext() (bool, error)
	Close() error
}
