package rsm

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Op defines how an envelope is handled by the host.
type Op uint8

const (
	OpCommand Op = iota // Apply a state changing command to a resource.
	OpQuery             // Read a resource through the log (linearizable read).
	OpNoop              // Empty entry, appended by a new primary to commit its term.
)

func (o Op) String() string {
	switch o {
	case OpCommand:
		return "Command"
	case OpQuery:
		return "Query"
	case OpNoop:
		return "Noop"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(o))
	}
}

// Token is the idempotency token of a command. The zero token disables
// deduplication.
type Token [16]byte

// IsZero reports whether the token is unset.
func (t Token) IsZero() bool {
	return t == Token{}
}

// headerSize is the fixed part of a serialized envelope
const headerSize = 1 + 1 + 8 + 16 + 2 + 4

// Envelope is a single entry of a partition log: a command (or read) for one
// named resource of one kind. The payload is encoded with the codec named by
// Codec and is opaque to the host.
type Envelope struct {
	Op        Op
	Codec     CodecID
	Timestamp int64 // submitter clock in unix milliseconds, the only time source of transitions
	Token     Token
	Kind      string
	Resource  string
	Payload   []byte
}

// Time returns the submitter timestamp.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// SizeBytes returns the exact number of bytes needed to serialize this envelope
func (e *Envelope) SizeBytes() int {
	return headerSize + len(e.Kind) + len(e.Resource) + len(e.Payload)
}

// Serialize serializes an envelope into a byte array with the format:
// 1 byte for the op,
// 1 byte for the codec id,
// 8 bytes for the timestamp (big endian),
// 16 bytes for the token,
// 2 bytes for the kind length (big endian),
// 4 bytes for the resource name length (big endian),
// N bytes kind, N bytes resource name,
// N bytes payload (optional)
func (e *Envelope) Serialize() []byte {
	result := make([]byte, e.SizeBytes())

	result[0] = byte(e.Op)
	result[1] = byte(e.Codec)
	binary.BigEndian.PutUint64(result[2:10], uint64(e.Timestamp))
	copy(result[10:26], e.Token[:])
	binary.BigEndian.PutUint16(result[26:28], uint16(len(e.Kind)))
	binary.BigEndian.PutUint32(result[28:32], uint32(len(e.Resource)))

	off := headerSize
	off += copy(result[off:], e.Kind)
	off += copy(result[off:], e.Resource)
	copy(result[off:], e.Payload)

	return result
}

// Deserialize extracts all envelope fields from a byte array.
func (e *Envelope) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for envelope")
	}

	e.Op = Op(data[0])
	if e.Op > OpNoop {
		return fmt.Errorf("unknown op %d", data[0])
	}
	e.Codec = CodecID(data[1])
	e.Timestamp = int64(binary.BigEndian.Uint64(data[2:10]))
	copy(e.Token[:], data[10:26])
	kindLen := int(binary.BigEndian.Uint16(data[26:28]))
	nameLen := int(binary.BigEndian.Uint32(data[28:32]))

	if len(data) < headerSize+kindLen+nameLen {
		return fmt.Errorf("data too short for kind of length %d and name of length %d", kindLen, nameLen)
	}

	off := headerSize
	e.Kind = string(data[off : off+kindLen])
	off += kindLen
	e.Resource = string(data[off : off+nameLen])
	off += nameLen

	if len(data) > off {
		// Reuse existing buffer if possible to reduce allocations
		payloadLen := len(data) - off
		if e.Payload == nil || cap(e.Payload) < payloadLen {
			e.Payload = make([]byte, payloadLen)
		} else {
			e.Payload = e.Payload[:payloadLen]
		}
		copy(e.Payload, data[off:])
	} else {
		e.Payload = nil
	}

	return nil
}

// NoopEntry returns the serialized no-op envelope.
func NoopEntry() []byte {
	e := Envelope{Op: OpNoop}
	return e.Serialize()
}
