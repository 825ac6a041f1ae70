package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/downfa11-org/cursus-client/util"
)

// BatchFrame is the unit handed to the transport: every message of one
// producer batch, flushed and acknowledged together.
type BatchFrame struct {
	Topic          string
	Partition      int32
	Compression    string
	BaseSequenceID int64
	Messages       []*Message
}

var batchMagic = []byte{0xC1, 0x5E}

// EncodeBatch serializes a batch frame. The message section is compressed
// with the frame's codec; the header stays uncompressed.
func EncodeBatch(frame *BatchFrame) ([]byte, error) {
	var body bytes.Buffer

	write := func(w io.Writer, v any) error {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return fmt.Errorf("encode value failed: %w", err)
		}
		return nil
	}

	writeString16 := func(w *bytes.Buffer, s string) error {
		b := []byte(s)
		if len(b) > 0xFFFF {
			return fmt.Errorf("string too long: %d bytes", len(b))
		}
		if err := write(w, uint16(len(b))); err != nil {
			return err
		}
		_, err := w.Write(b)
		return err
	}

	for _, m := range frame.Messages {
		if err := write(&body, m.SequenceID); err != nil {
			return nil, err
		}
		if err := write(&body, m.ID.BatchIdx); err != nil {
			return nil, err
		}
		if err := writeString16(&body, m.ProducerName); err != nil {
			return nil, err
		}
		if err := writeString16(&body, m.Key); err != nil {
			return nil, err
		}
		if err := write(&body, m.PublishTime.UnixNano()); err != nil {
			return nil, err
		}
		if len(m.Properties) > 0xFFFF {
			return nil, fmt.Errorf("too many properties: %d", len(m.Properties))
		}
		if err := write(&body, uint16(len(m.Properties))); err != nil {
			return nil, err
		}
		for k, v := range m.Properties {
			if err := writeString16(&body, k); err != nil {
				return nil, err
			}
			if err := writeString16(&body, v); err != nil {
				return nil, err
			}
		}
		if err := write(&body, uint32(len(m.Payload))); err != nil {
			return nil, err
		}
		if _, err := body.Write(m.Payload); err != nil {
			return nil, fmt.Errorf("write payload bytes failed: %w", err)
		}
	}

	compressed, err := util.Compress(body.Bytes(), frame.Compression)
	if err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(batchMagic)
	if err := writeString16(&buf, frame.Compression); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, frame.Topic); err != nil {
		return nil, err
	}
	if err := write(&buf, frame.Partition); err != nil {
		return nil, err
	}
	if err := write(&buf, frame.BaseSequenceID); err != nil {
		return nil, err
	}
	if err := write(&buf, int32(len(frame.Messages))); err != nil {
		return nil, err
	}
	if err := write(&buf, uint32(len(compressed))); err != nil {
		return nil, err
	}
	if _, err := buf.Write(compressed); err != nil {
		return nil, fmt.Errorf("write body failed: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeBatch decodes a frame encoded by EncodeBatch.
func DecodeBatch(data []byte) (*BatchFrame, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("data too short")
	}

	reader := bytes.NewReader(data)

	magic := make([]byte, 2)
	if _, err := io.ReadFull(reader, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic number: %w", err)
	}
	if !bytes.Equal(magic, batchMagic) {
		return nil, fmt.Errorf("invalid magic number: %x", magic)
	}

	readString16 := func(r io.Reader) (string, error) {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	compression, err := readString16(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read compression: %w", err)
	}
	topic, err := readString16(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read topic: %w", err)
	}

	var partition int32
	if err := binary.Read(reader, binary.BigEndian, &partition); err != nil {
		return nil, fmt.Errorf("failed to read partition: %w", err)
	}

	var baseSeq int64
	if err := binary.Read(reader, binary.BigEndian, &baseSeq); err != nil {
		return nil, fmt.Errorf("failed to read base sequence id: %w", err)
	}

	var msgCount int32
	if err := binary.Read(reader, binary.BigEndian, &msgCount); err != nil {
		return nil, fmt.Errorf("failed to read message count: %w", err)
	}

	var bodyLen uint32
	if err := binary.Read(reader, binary.BigEndian, &bodyLen); err != nil {
		return nil, fmt.Errorf("failed to read body length: %w", err)
	}
	compressed := make([]byte, bodyLen)
	if _, err := io.ReadFull(reader, compressed); err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	body, err := util.Decompress(compressed, compression)
	if err != nil {
		return nil, fmt.Errorf("decompress batch: %w", err)
	}

	frame := &BatchFrame{
		Topic:          topic,
		Partition:      partition,
		Compression:    compression,
		BaseSequenceID: baseSeq,
		Messages:       make([]*Message, 0, msgCount),
	}

	br := bytes.NewReader(body)
	for i := 0; i < int(msgCount); i++ {
		m := &Message{Topic: topic}

		if err := binary.Read(br, binary.BigEndian, &m.SequenceID); err != nil {
			return nil, fmt.Errorf("failed to read sequence id: %w", err)
		}
		if err := binary.Read(br, binary.BigEndian, &m.ID.BatchIdx); err != nil {
			return nil, fmt.Errorf("failed to read batch index: %w", err)
		}
		if m.ProducerName, err = readString16(br); err != nil {
			return nil, fmt.Errorf("failed to read producer name: %w", err)
		}
		if m.Key, err = readString16(br); err != nil {
			return nil, fmt.Errorf("failed to read key: %w", err)
		}
		var publishNanos int64
		if err := binary.Read(br, binary.BigEndian, &publishNanos); err != nil {
			return nil, fmt.Errorf("failed to read publish time: %w", err)
		}
		m.PublishTime = time.Unix(0, publishNanos)

		var propCount uint16
		if err := binary.Read(br, binary.BigEndian, &propCount); err != nil {
			return nil, fmt.Errorf("failed to read property count: %w", err)
		}
		if propCount > 0 {
			m.Properties = make(map[string]string, propCount)
			for j := 0; j < int(propCount); j++ {
				k, err := readString16(br)
				if err != nil {
					return nil, fmt.Errorf("failed to read property key: %w", err)
				}
				v, err := readString16(br)
				if err != nil {
					return nil, fmt.Errorf("failed to read property value: %w", err)
				}
				m.Properties[k] = v
			}
		}

		var payloadLen uint32
		if err := binary.Read(br, binary.BigEndian, &payloadLen); err != nil {
			return nil, fmt.Errorf("failed to read payload length: %w", err)
		}
		m.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(br, m.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}

		frame.Messages = append(frame.Messages, m)
	}

	return frame, nil
}
