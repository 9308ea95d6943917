package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/dPrim/rpc/common"
)

// NewGOBSerializer returns a serializer using Go's gob encoding. Every
// message carries its own type description, which makes it the largest
// format.
func NewGOBSerializer() IRPCSerializer {
	return gobSerializerImpl{}
}

type gobSerializerImpl struct{}

func (gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
}
