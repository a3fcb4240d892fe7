// Package protocol implements the admin socket's wire codec: an 8-byte
// length-prefixed framing layer carrying JSON request/response envelopes
// (spec.md §4.1).
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLen bounds a single frame's payload to protect the daemon from a
// misbehaving client claiming an enormous length. The wire format allows up
// to 2^32-1 (spec.md §8 invariant 7); this is a defensive ceiling well above
// any real config/contract payload.
const maxFrameLen = 64 * 1024 * 1024

// ReadFrame reads one length-prefixed frame from r. The length field is
// 8 bytes big-endian with only the low 4 bytes significant; the high 4 bytes
// must be zero.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	if lenBuf[0] != 0 || lenBuf[1] != 0 || lenBuf[2] != 0 || lenBuf[3] != 0 {
		return nil, fmt.Errorf("protocol: non-zero high bytes in frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[4:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("protocol: frame length %d exceeds maximum %d", n, maxFrameLen)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: short frame body: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload to w prefixed with its 8-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint32(lenBuf[4:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame body: %w", err)
	}
	return nil
}
