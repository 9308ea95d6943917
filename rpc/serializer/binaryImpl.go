package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dPrim/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format:
//
//	1 byte message type | 2 bytes flags | present fields in flag order
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasTerm        uint16 = 1 << 0
	hasConsistency uint16 = 1 << 1
	hasData        uint16 = 1 << 2
	hasCode        uint16 = 1 << 3
	hasErr         uint16 = 1 << 4
	hasLeader      uint16 = 1 << 5
	hasIndex       uint16 = 1 << 6
	hasBackups     uint16 = 1 << 7
	hasCount       uint16 = 1 << 8
)

const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	var flags uint16
	pos := headerSize

	putUint64 := func(flag uint16, v uint64) {
		if v == 0 {
			return
		}
		flags |= flag
		binary.BigEndian.PutUint64(result[pos:pos+8], v)
		pos += 8
	}
	putBytes := func(flag uint16, v []byte) {
		flags |= flag
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(v)))
		pos += 4
		pos += copy(result[pos:], v)
	}

	putUint64(hasTerm, msg.Term)

	if msg.Consistency != 0 {
		flags |= hasConsistency
		result[pos] = msg.Consistency
		pos++
	}

	// nil and empty data are different values
	if msg.Data != nil {
		putBytes(hasData, msg.Data)
	}

	putUint64(hasCode, msg.Code)

	if msg.Err != "" {
		putBytes(hasErr, []byte(msg.Err))
	}

	putUint64(hasLeader, msg.Leader)
	putUint64(hasIndex, msg.Index)

	if len(msg.Backups) > 0 {
		flags |= hasBackups
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Backups)))
		pos += 4
		for _, id := range msg.Backups {
			binary.BigEndian.PutUint64(result[pos:pos+8], id)
			pos += 8
		}
	}

	putUint64(hasCount, msg.Count)

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result[:pos], nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	pos := headerSize

	readUint64 := func(flag uint16, name string, dst *uint64) error {
		if flags&flag == 0 {
			return nil
		}
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for %s", name)
		}
		*dst = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
		return nil
	}
	readBytes := func(flag uint16, name string) ([]byte, error) {
		if flags&flag == 0 {
			return nil, nil
		}
		if pos+4 > len(data) {
			return nil, fmt.Errorf("data too short for %s length", name)
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+n > len(data) {
			return nil, fmt.Errorf("data too short for %s data", name)
		}
		// copy, the buffer of the transport is reused
		out := make([]byte, n)
		copy(out, data[pos:pos+n])
		pos += n
		return out, nil
	}

	if err := readUint64(hasTerm, "term", &msg.Term); err != nil {
		return err
	}

	if flags&hasConsistency != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for consistency")
		}
		msg.Consistency = data[pos]
		pos++
	}

	var err error
	if msg.Data, err = readBytes(hasData, "data"); err != nil {
		return err
	}

	if err := readUint64(hasCode, "code", &msg.Code); err != nil {
		return err
	}

	errBytes, err := readBytes(hasErr, "error")
	if err != nil {
		return err
	}
	msg.Err = string(errBytes)

	if err := readUint64(hasLeader, "leader", &msg.Leader); err != nil {
		return err
	}
	if err := readUint64(hasIndex, "index", &msg.Index); err != nil {
		return err
	}

	if flags&hasBackups != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for backups length")
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+8*n > len(data) {
			return fmt.Errorf("data too short for backups")
		}
		msg.Backups = make([]uint64, n)
		for i := range msg.Backups {
			msg.Backups[i] = binary.BigEndian.Uint64(data[pos : pos+8])
			pos += 8
		}
	}

	return readUint64(hasCount, "count", &msg.Count)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates an upper bound of the size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 2 bytes for flags
	size := headerSize

	size += 8 * 5 // term, code, leader, index, count
	size += 1     // consistency
	if msg.Data != nil {
		size += 4 + len(msg.Data)
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if len(msg.Backups) > 0 {
		size += 4 + 8*len(msg.Backups)
	}
	return size
}
