package rsm

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// CodecID identifies the codec a command payload and its result are encoded
// with. It is stored in every envelope so that replicas decode commands the
// same way the submitter encoded them.
type CodecID uint8

const (
	CodecJSON CodecID = iota // encoding/json, readable and the default
	CodecGob                 // encoding/gob, compact for Go-only clusters
)

func (c CodecID) String() string {
	switch c {
	case CodecJSON:
		return "json"
	case CodecGob:
		return "gob"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// ParseCodec parses the name of a codec ("json" or "gob").
func ParseCodec(name string) (CodecID, error) {
	switch name {
	case "json", "":
		return CodecJSON, nil
	case "gob":
		return CodecGob, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

// Codec encodes and decodes commands and results of resources.
type Codec interface {
	ID() CodecID
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CodecFor returns the codec with the given id.
func CodecFor(id CodecID) (Codec, error) {
	switch id {
	case CodecJSON:
		return jsonCodec{}, nil
	case CodecGob:
		return gobCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec id %d", id)
	}
}

// jsonCodec implements Codec using json encoding
type jsonCodec struct{}

func (jsonCodec) ID() CodecID { return CodecJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// gobCodec implements Codec using Go's binary gob format
type gobCodec struct{}

func (gobCodec) ID() CodecID { return CodecGob }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
