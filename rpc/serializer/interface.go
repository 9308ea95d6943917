package serializer

import "github.com/ValentinKolb/dPrim/rpc/common"

// IRPCSerializer converts rpc messages to and from bytes
type IRPCSerializer interface {
	// Serialize encodes msg
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg. Fields absent from b keep their zero
	// value.
	Deserialize(b []byte, msg *common.Message) error
}
