package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MessageID is the position of a single message within a partition log.
// Batched messages share (SegmentID, EntryID) and are distinguished by
// BatchIdx; unbatched messages carry BatchIdx -1.
type MessageID struct {
	SegmentID    uint64
	EntryID      uint64
	PartitionIdx int32
	BatchIdx     int32
}

// Sentinel positions. Live segment ids are allocated from 1, so Earliest
// (segment 0) orders before every assigned id and Latest after.
var (
	EarliestMessageID = MessageID{SegmentID: 0, EntryID: 0, PartitionIdx: -1, BatchIdx: -1}
	LatestMessageID   = MessageID{SegmentID: math.MaxUint64, EntryID: math.MaxUint64, PartitionIdx: -1, BatchIdx: -1}
)

// Compare orders ids by (SegmentID, EntryID, BatchIdx). PartitionIdx is
// excluded: ids from different partitions have no defined order.
func (id MessageID) Compare(other MessageID) int {
	switch {
	case id.SegmentID < other.SegmentID:
		return -1
	case id.SegmentID > other.SegmentID:
		return 1
	}
	switch {
	case id.EntryID < other.EntryID:
		return -1
	case id.EntryID > other.EntryID:
		return 1
	}
	switch {
	case id.BatchIdx < other.BatchIdx:
		return -1
	case id.BatchIdx > other.BatchIdx:
		return 1
	}
	return 0
}

func (id MessageID) Less(other MessageID) bool {
	return id.Compare(other) < 0
}

func (id MessageID) Equals(other MessageID) bool {
	return id == other
}

const serializedIDSize = 24

// Serialize encodes the id into its fixed-width binary form.
func (id MessageID) Serialize() []byte {
	buf := make([]byte, serializedIDSize)
	binary.BigEndian.PutUint64(buf[0:8], id.SegmentID)
	binary.BigEndian.PutUint64(buf[8:16], id.EntryID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(id.PartitionIdx))
	binary.BigEndian.PutUint32(buf[20:24], uint32(id.BatchIdx))
	return buf
}

// DeserializeMessageID decodes an id produced by Serialize.
func DeserializeMessageID(data []byte) (MessageID, error) {
	if len(data) != serializedIDSize {
		return MessageID{}, fmt.Errorf("%w: message id must be %d bytes, got %d",
			ErrInvalidArgument, serializedIDSize, len(data))
	}
	return MessageID{
		SegmentID:    binary.BigEndian.Uint64(data[0:8]),
		EntryID:      binary.BigEndian.Uint64(data[8:16]),
		PartitionIdx: int32(binary.BigEndian.Uint32(data[16:20])),
		BatchIdx:     int32(binary.BigEndian.Uint32(data[20:24])),
	}, nil
}

func (id MessageID) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", id.SegmentID, id.EntryID, id.PartitionIdx, id.BatchIdx)
}
