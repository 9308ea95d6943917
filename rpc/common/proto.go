package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dPrim/lib/partition"
	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message. The partition a
// message is addressed to travels in the transport frame (partition id), not in
// the message itself.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields
	Term        uint64 `json:"term,omitempty"`        // Used for: Command, Query (term the client believes in), responses (current term)
	Consistency uint8  `json:"consistency,omitempty"` // Used for: Query
	Data        []byte `json:"data,omitempty"`        // Used for: Command, Query (envelope), Success (result)

	// Response only fields
	Code    uint64   `json:"code,omitempty"`    // Used for: Error (primitive.RetCode)
	Err     string   `json:"err,omitempty"`     // Empty if no error, otherwise contains the error message
	Leader  uint64   `json:"leader,omitempty"`  // Used for: Error (redirect hint), Metadata (primary), Info (answering node)
	Index   uint64   `json:"index,omitempty"`   // Used for: Success (log index of the result)
	Backups []uint64 `json:"backups,omitempty"` // Used for: Metadata
	Count   uint64   `json:"count,omitempty"`   // Used for: Info (number of partitions)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewRequest creates a Command or Query request from a partition request
func NewRequest(req *partition.Request) *Message {
	msg := &Message{
		MsgType:     MsgTCommand,
		Term:        uint64(req.Term),
		Consistency: uint8(req.Consistency),
		Data:        req.Data,
	}
	if req.Op == partition.OpQuery {
		msg.MsgType = MsgTQuery
	}
	return msg
}

// ToRequest converts a Command or Query message into a partition request for
// the given partition
func (m *Message) ToRequest(id primitive.PartitionID) (*partition.Request, error) {
	req := &partition.Request{
		Partition:   id,
		Term:        primitive.Term(m.Term),
		Consistency: primitive.Consistency(m.Consistency),
		Data:        m.Data,
	}
	switch m.MsgType {
	case MsgTCommand:
		req.Op = partition.OpCommand
	case MsgTQuery:
		req.Op = partition.OpQuery
	default:
		return nil, fmt.Errorf("message of type %s is not a request", m.MsgType)
	}
	return req, nil
}

// NewResponse creates a Success or Error message from a partition response
func NewResponse(resp *partition.Response) *Message {
	if resp.Code != primitive.RetCSuccess {
		return &Message{
			MsgType: MsgTError,
			Code:    uint64(resp.Code),
			Err:     resp.Msg,
			Term:    uint64(resp.Term),
			Leader:  uint64(resp.Leader),
		}
	}
	return &Message{
		MsgType: MsgTSuccess,
		Data:    resp.Data,
		Term:    uint64(resp.Term),
		Index:   uint64(resp.Index),
	}
}

// ToResponse converts a Success or Error message into a partition response
func (m *Message) ToResponse() (*partition.Response, error) {
	switch m.MsgType {
	case MsgTSuccess:
		return &partition.Response{
			Code:  primitive.RetCSuccess,
			Data:  m.Data,
			Term:  primitive.Term(m.Term),
			Index: primitive.Index(m.Index),
		}, nil
	case MsgTError:
		return &partition.Response{
			Code:   m.errCode(),
			Msg:    m.Err,
			Term:   primitive.Term(m.Term),
			Leader: primitive.NodeID(m.Leader),
		}, nil
	default:
		return nil, fmt.Errorf("message of type %s is not a response", m.MsgType)
	}
}

// NewErrorResponse creates an Error message from an error
func NewErrorResponse(err error) *Message {
	e := primitive.Wrap(err)
	return &Message{
		MsgType: MsgTError,
		Code:    uint64(e.Code),
		Err:     e.Msg,
		Term:    uint64(e.Term),
		Leader:  uint64(e.Leader),
	}
}

// Error returns the error of an Error message and nil for every other type
func (m *Message) Error(id primitive.PartitionID) error {
	if m.MsgType != MsgTError {
		return nil
	}
	return &primitive.Error{
		Code:      m.errCode(),
		Msg:       m.Err,
		Partition: id,
		Term:      primitive.Term(m.Term),
		Leader:    primitive.NodeID(m.Leader),
	}
}

// errCode never reports success for an Error message
func (m *Message) errCode() primitive.RetCode {
	if m.Code == uint64(primitive.RetCSuccess) {
		return primitive.RetCInternalError
	}
	return primitive.RetCode(m.Code)
}

// NewMetadataRequest creates a request for the metadata of a partition
func NewMetadataRequest() *Message {
	return &Message{MsgType: MsgTMetadata}
}

// NewMetadataResponse creates a Metadata message describing p
func NewMetadataResponse(p partition.Partition) *Message {
	backups := make([]uint64, len(p.Backups))
	for i, b := range p.Backups {
		backups[i] = uint64(b)
	}
	return &Message{
		MsgType: MsgTMetadata,
		Term:    uint64(p.Term),
		Leader:  uint64(p.Primary),
		Backups: backups,
	}
}

// ToPartition converts a Metadata message into the metadata of partition id
func (m *Message) ToPartition(id primitive.PartitionID) (partition.Partition, error) {
	if err := m.Error(id); err != nil {
		return partition.Partition{}, err
	}
	if m.MsgType != MsgTMetadata {
		return partition.Partition{}, fmt.Errorf("message of type %s is not a metadata response", m.MsgType)
	}
	p := partition.Partition{
		ID:      id,
		Term:    primitive.Term(m.Term),
		Primary: primitive.NodeID(m.Leader),
		Backups: make([]primitive.NodeID, len(m.Backups)),
	}
	for i, b := range m.Backups {
		p.Backups[i] = primitive.NodeID(b)
	}
	return p, nil
}

// NewInfoRequest creates a request for the node info
func NewInfoRequest() *Message {
	return &Message{MsgType: MsgTInfo}
}

// NewInfoResponse creates an Info message: the id of the answering node and
// the number of partitions it serves
func NewInfoResponse(node primitive.NodeID, partitions int) *Message {
	return &Message{
		MsgType: MsgTInfo,
		Leader:  uint64(node),
		Count:   uint64(partitions),
	}
}

// --------------------------------------------------------------------------
// Message Type
// --------------------------------------------------------------------------

// MessageType represents the type of message
type MessageType uint8

// String returns the string representation of the MessageType
func (t MessageType) String() string {
	switch t {
	case MsgTCommand:
		return "command"
	case MsgTQuery:
		return "query"
	case MsgTMetadata:
		return "metadata"
	case MsgTInfo:
		return "info"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	switch s {
	case "command":
		*t = MsgTCommand
	case "query":
		*t = MsgTQuery
	case "metadata":
		*t = MsgTMetadata
	case "info":
		*t = MsgTInfo
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Partition operations

	MsgTCommand // State changing command, committed through the log
	MsgTQuery   // Read of the state of a partition

	// Control messages

	MsgTMetadata // Term, primary and backups of a partition
	MsgTInfo     // Id of the node and number of partitions
)
