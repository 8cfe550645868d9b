package vtr

import "encoding/binary"

// seqHeaderWire: tag:i32(4), tagged:u8(1), then msgBytes.
func encodeSeqHeader(tag int32, tagged bool) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(tag))
	if tagged {
		buf[4] = 1
	}
	return buf
}

func decodeSeqHeader(buf []byte) (tag int32, tagged bool, rest []byte) {
	tag = int32(binary.LittleEndian.Uint32(buf[0:4]))
	tagged = buf[4] != 0
	return tag, tagged, buf[5:]
}
