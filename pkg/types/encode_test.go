package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/downfa11-org/cursus-client/pkg/types"
	"github.com/downfa11-org/cursus-client/util"
)

func sampleFrame(compression string) *types.BatchFrame {
	now := time.Now()
	return &types.BatchFrame{
		Topic:          "orders",
		Partition:      2,
		Compression:    compression,
		BaseSequenceID: 100,
		Messages: []*types.Message{
			{
				ID:           types.MessageID{PartitionIdx: 2, BatchIdx: 0},
				Topic:        "orders",
				Payload:      []byte("hello-0"),
				Properties:   map[string]string{"trace": "abc", "region": "kr"},
				Key:          "user-1",
				PublishTime:  now,
				SequenceID:   100,
				ProducerName: "producer-a",
			},
			{
				ID:           types.MessageID{PartitionIdx: 2, BatchIdx: 1},
				Topic:        "orders",
				Payload:      []byte("hello-1"),
				PublishTime:  now,
				SequenceID:   101,
				ProducerName: "producer-a",
			},
		},
	}
}

func TestBatchRoundTrip(t *testing.T) {
	for _, compression := range util.CompressionTypes {
		t.Run(compression, func(t *testing.T) {
			frame := sampleFrame(compression)

			unit, err := types.EncodeBatch(frame)
			require.NoError(t, err)

			decoded, err := types.DecodeBatch(unit)
			require.NoError(t, err)

			require.Equal(t, frame.Topic, decoded.Topic)
			require.Equal(t, frame.Partition, decoded.Partition)
			require.Equal(t, frame.Compression, decoded.Compression)
			require.Equal(t, frame.BaseSequenceID, decoded.BaseSequenceID)
			require.Len(t, decoded.Messages, len(frame.Messages))

			for i, want := range frame.Messages {
				got := decoded.Messages[i]
				require.Equal(t, want.Payload, got.Payload)
				require.Equal(t, want.SequenceID, got.SequenceID)
				require.Equal(t, want.ID.BatchIdx, got.ID.BatchIdx)
				require.Equal(t, want.Key, got.Key)
				require.Equal(t, want.ProducerName, got.ProducerName)
				require.Equal(t, want.PublishTime.UnixNano(), got.PublishTime.UnixNano())
				require.Equal(t, len(want.Properties), len(got.Properties))
				for k, v := range want.Properties {
					require.Equal(t, v, got.Properties[k])
				}
			}
		})
	}
}

func TestBatchRoundTripEmptyPayload(t *testing.T) {
	frame := &types.BatchFrame{
		Topic:       "t",
		Compression: "none",
		Messages: []*types.Message{
			{ID: types.MessageID{BatchIdx: -1}, Payload: []byte{}, PublishTime: time.Now(), ProducerName: "p"},
		},
	}

	unit, err := types.EncodeBatch(frame)
	require.NoError(t, err)

	decoded, err := types.DecodeBatch(unit)
	require.NoError(t, err)
	require.Len(t, decoded.Messages, 1)
	require.Empty(t, decoded.Messages[0].Payload)
	require.EqualValues(t, -1, decoded.Messages[0].ID.BatchIdx)
}

func TestDecodeBatchRejectsGarbage(t *testing.T) {
	if _, err := types.DecodeBatch(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := types.DecodeBatch([]byte{0xDE, 0xAD, 0xBE, 0xEF}); err == nil {
		t.Fatalf("expected error for wrong magic")
	}

	// Valid frame with a flipped magic byte must not decode.
	unit, err := types.EncodeBatch(sampleFrame("none"))
	require.NoError(t, err)
	unit[0] ^= 0xFF
	if _, err := types.DecodeBatch(unit); err == nil {
		t.Fatalf("expected error for corrupted magic")
	}
}
