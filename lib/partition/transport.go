package partition

import (
	"context"

	"github.com/ValentinKolb/dPrim/lib/primitive"
)

// OpType distinguishes writes from reads on the routing layer.
type OpType uint8

const (
	OpCommand OpType = iota // State changing command, always committed through the log.
	OpQuery                 // Read, linearizable (through the primary) or sequential.
)

func (o OpType) String() string {
	switch o {
	case OpCommand:
		return "Command"
	case OpQuery:
		return "Query"
	default:
		return "Unknown"
	}
}

// Request is a single operation addressed to a partition. Data is the
// encoded command envelope, the routing layer never looks into it.
type Request struct {
	Partition   primitive.PartitionID
	Term        primitive.Term // term of the primary the client believes in
	Op          OpType
	Consistency primitive.Consistency
	Data        []byte
}

// Response is the answer of a replica to a Request.
type Response struct {
	Code   primitive.RetCode
	Msg    string
	Data   []byte
	Term   primitive.Term   // current term of the answering replica
	Leader primitive.NodeID // redirect hint for NotLeader and TermMismatch
	Index  primitive.Index  // log index the result was produced at (0 for local reads)
}

// Err converts a failed response into an error. It returns nil on success.
func (r *Response) Err(partition primitive.PartitionID) error {
	if r.Code == primitive.RetCSuccess {
		return nil
	}
	return &primitive.Error{
		Code:      r.Code,
		Msg:       r.Msg,
		Partition: partition,
		Term:      r.Term,
		Leader:    r.Leader,
	}
}

// ErrorResponse builds a response from an error.
func ErrorResponse(err error, term primitive.Term) *Response {
	e := primitive.Wrap(err)
	return &Response{
		Code:   e.Code,
		Msg:    e.Msg,
		Term:   max(term, e.Term),
		Leader: e.Leader,
	}
}

// ITransport delivers requests to a specific node.
//
// An error returned by Invoke means the request may or may not have reached
// the node (connection refused, reset, timeout). Replica level failures are
// reported through Response.Code instead.
type ITransport interface {
	Invoke(ctx context.Context, node primitive.NodeID, req *Request) (*Response, error)
}

// IHandler is implemented by everything that serves partition requests on a
// node: the replicas of the replication engines and the rpc server.
type IHandler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// IMetadataSource resolves the current metadata of a partition.
type IMetadataSource interface {
	Lookup(ctx context.Context, id primitive.PartitionID) (Partition, error)
}
