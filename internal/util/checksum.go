package util

import (
	"encoding/binary"
	"hash/crc32"
)

// CRC32 (Castagnoli) record trailers guard persisted records against
// torn or bit-rotted reads.

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum returns the CRC32 of data.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// ValidateChecksum reports whether data matches expected.
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum returns data with a 4-byte little-endian CRC trailer.
func AppendChecksum(data []byte) []byte {
	out := make([]byte, len(data)+4)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], ComputeChecksum(data))
	return out
}

// ValidateAndStripChecksum splits a trailered record into payload and
// validity. Records shorter than the trailer are invalid.
func ValidateAndStripChecksum(record []byte) ([]byte, bool) {
	if len(record) < 4 {
		return nil, false
	}
	payload := record[:len(record)-4]
	expected := binary.LittleEndian.Uint32(record[len(record)-4:])
	return payload, ValidateChecksum(payload, expected)
}
