package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/cursus-client/pkg/config"
	"github.com/downfa11-org/cursus-client/pkg/metrics"
	"github.com/downfa11-org/cursus-client/pkg/transport"
	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

// Reader is the subscription-less consumer variant: it advances a monotonic
// cursor over a single partition topic without acknowledgment state.
type Reader struct {
	client  *Client
	cfg     config.ReaderConfig
	session transport.Session
	closed  atomic.Bool
}

func newReader(c *Client, cfg config.ReaderConfig) (*Reader, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n, err := c.transport.GetPartitions(cfg.Topic)
	if err != nil {
		return nil, err
	}
	if n > 1 {
		return nil, fmt.Errorf("%w: readers attach to a single partition, %s has %d",
			types.ErrInvalidArgument, cfg.Topic, n)
	}

	start := cfg.StartMessageID
	if start == (types.MessageID{}) {
		start = types.EarliestMessageID
	}

	sess, err := c.transport.Read(cfg.Topic, start)
	if err != nil {
		return nil, err
	}

	util.Info("reader attached to %s from %s", cfg.Topic, start)
	return &Reader{client: c, cfg: cfg, session: sess}, nil
}

func (r *Reader) Topic() string { return r.cfg.Topic }

// ReadNext blocks up to timeout for the next message past the cursor. A
// zero timeout blocks indefinitely.
func (r *Reader) ReadNext(timeout time.Duration) (*types.Message, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("%w: reader on %s", types.ErrClosed, r.cfg.Topic)
	}
	msg, err := r.session.FetchNext(timeout)
	if err != nil {
		return nil, err
	}
	metrics.MessagesReceived.Inc()
	return msg, nil
}

// HasMessageAvailable reports whether the log holds a position past the
// cursor, without consuming it.
func (r *Reader) HasMessageAvailable() (bool, error) {
	if r.closed.Load() {
		return false, fmt.Errorf("%w: reader on %s", types.ErrClosed, r.cfg.Topic)
	}
	return r.session.HasNext()
}

// Seek repositions the cursor; reading resumes after the given id.
func (r *Reader) Seek(id types.MessageID) error {
	if r.closed.Load() {
		return fmt.Errorf("%w: reader on %s", types.ErrClosed, r.cfg.Topic)
	}
	return r.session.Seek(id)
}

func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.session.Close()
}
