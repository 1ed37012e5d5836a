package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// headerSize is the fixed 16-byte header preceding any payload:
// op(2) zero(2) crc32(4) address(4) length(4).
const headerSize = 16

// Build assembles a wire packet: a 16-byte header followed by payload
// (if any), with the CRC32 (IEEE 802.3 polynomial) computed over
// everything from offset 8 onward and written into the checksum field
// at offset 4. The checksum field reads as zero while being computed.
func Build(op uint16, address uint32, payload []byte) []byte {
	total := headerSize + len(payload)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint16(buf[0:2], op)
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	// buf[4:8] checksum, left zero until computed below
	binary.LittleEndian.PutUint32(buf[8:12], address)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	sum := crc32.ChecksumIEEE(buf[8:])
	binary.LittleEndian.PutUint32(buf[4:8], sum)

	return buf
}

// Response is the decoded (op, error) tuple carried in bytes 0 and 1
// of a SLIP-decoded inbound message.
type Response struct {
	Op    byte
	Error byte
}

// errShortResponse is returned when a decoded frame is too short to
// contain an (op, error) tuple.
var errShortResponse = fmt.Errorf("protocol: response too short")

// ParseResponse decodes a SLIP-decoded inbound message into its
// (op, error) tuple.
func ParseResponse(data []byte) (Response, error) {
	if len(data) < 2 {
		return Response{}, errShortResponse
	}
	return Response{Op: data[0], Error: data[1]}, nil
}

// Accepted reports whether the response's error byte is a success
// code. Every phase accepts both OK and Default except the greeting
// handshakes, which require OK specifically.
func (r Response) Accepted(acceptDefault bool) bool {
	return isSuccess(r.Error, acceptDefault)
}
