package rsm

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		envelope Envelope
		expected int
	}{
		{
			name: "Envelope with kind, name and payload",
			envelope: Envelope{
				Op:       OpCommand,
				Kind:     "map",
				Resource: "users",
				Payload:  []byte("payload"),
			},
			expected: headerSize + 3 + 5 + 7,
		},
		{
			name:     "Empty envelope",
			envelope: Envelope{Op: OpNoop},
			expected: headerSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if size := tt.envelope.SizeBytes(); size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
			if got := len(tt.envelope.Serialize()); got != tt.expected {
				t.Errorf("len(Serialize()) = %v, want %v", got, tt.expected)
			}
		})
	}
}

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name     string
		envelope Envelope
	}{
		{
			name: "Command with payload",
			envelope: Envelope{
				Op:        OpCommand,
				Codec:     CodecGob,
				Timestamp: 1700000000123,
				Token:     Token{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
				Kind:      "lock",
				Resource:  "orders-lock",
				Payload:   []byte{0, 1, 2, 255},
			},
		},
		{
			name: "Query without payload",
			envelope: Envelope{
				Op:       OpQuery,
				Kind:     "map",
				Resource: "m",
			},
		},
		{
			name: "Noop",
			envelope: Envelope{
				Op: OpNoop,
			},
		},
		{
			name: "Unicode names",
			envelope: Envelope{
				Op:       OpCommand,
				Kind:     "säte",
				Resource: "ресурс",
				Payload:  []byte("x"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.envelope.Serialize()

			var got Envelope
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if got.Op != tt.envelope.Op || got.Codec != tt.envelope.Codec ||
				got.Timestamp != tt.envelope.Timestamp || got.Token != tt.envelope.Token ||
				got.Kind != tt.envelope.Kind || got.Resource != tt.envelope.Resource {
				t.Errorf("Deserialize() = %+v, want %+v", got, tt.envelope)
			}
			if !bytes.Equal(got.Payload, tt.envelope.Payload) {
				t.Errorf("Payload = %v, want %v", got.Payload, tt.envelope.Payload)
			}
		})
	}
}

// TestDeserializeErrors tests error cases for Deserialize
func TestDeserializeErrors(t *testing.T) {
	valid := (&Envelope{Op: OpCommand, Kind: "map", Resource: "users"}).Serialize()

	badOp := bytes.Clone(valid)
	badOp[0] = 42

	longName := bytes.Clone(valid)
	binary.BigEndian.PutUint32(longName[28:32], 1000)

	tests := []struct {
		name string
		data []byte
	}{
		{"Empty data", []byte{}},
		{"Too short header", valid[:headerSize-1]},
		{"Truncated name", valid[:len(valid)-1]},
		{"Unknown op", badOp},
		{"Name length exceeds data", longName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Envelope
			if err := e.Deserialize(tt.data); err == nil {
				t.Error("Deserialize() expected error, got nil")
			}
		})
	}
}

// TestDeserializeBufferReuse tests that Deserialize reuses the payload buffer
func TestDeserializeBufferReuse(t *testing.T) {
	data := (&Envelope{Op: OpCommand, Kind: "k", Resource: "r", Payload: []byte("abc")}).Serialize()

	e := Envelope{Payload: make([]byte, 0, 64)}
	before := cap(e.Payload)
	if err := e.Deserialize(data); err != nil {
		t.Fatal(err)
	}
	if cap(e.Payload) != before {
		t.Errorf("payload buffer was reallocated")
	}
	if string(e.Payload) != "abc" {
		t.Errorf("Payload = %q", e.Payload)
	}
}
