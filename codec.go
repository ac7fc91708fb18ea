package stage

import "encoding/binary"

// All multi-byte integers staged by this package are big-endian.

// Int32IO is a NodeIO for 32-bit integer payloads.
type Int32IO struct{}

func (Int32IO) NodeBufferSize() int { return 4 }

func (Int32IO) WriteNode(node int32, buf []byte) error {
	binary.BigEndian.PutUint32(buf, uint32(node))
	return nil
}

func (Int32IO) ReadNode(buf []byte) (int32, error) {
	return int32(binary.BigEndian.Uint32(buf)), nil
}

// Int64IO is a NodeIO for 64-bit integer payloads.
type Int64IO struct{}

func (Int64IO) NodeBufferSize() int { return 8 }

func (Int64IO) WriteNode(node int64, buf []byte) error {
	binary.BigEndian.PutUint64(buf, uint64(node))
	return nil
}

func (Int64IO) ReadNode(buf []byte) (int64, error) {
	return int64(binary.BigEndian.Uint64(buf)), nil
}

func putID(buf []byte, id int64) {
	binary.BigEndian.PutUint64(buf, uint64(id))
}

func getID(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}
