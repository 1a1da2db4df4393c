package byteorder

import (
	"encoding/binary"
)

// everything that goes over the wire (game messages and lobby commands) is
// little-endian.

// decrypt names:
// le = little-endian
// 16 = short
// 32 = long
// 64 = long long

func AppendLe16(buf []byte, val uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, val)
}

func AppendLe32(buf []byte, val uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, val)
}

func AppendLe64(buf []byte, val uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, val)
}

func Le16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

func Le32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func Le64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}
