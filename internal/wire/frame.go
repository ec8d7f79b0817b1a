package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a single frame can carry. The length
// prefix is an unsigned 16-bit integer, so this is a hard protocol limit,
// not a tunable.
const MaxFrameSize = 1<<16 - 1

// ReadFrame reads one length-prefixed message from r: a 16-bit big-endian
// byte count followed by exactly that many bytes. A clean EOF before the
// first prefix byte is returned as io.EOF so callers can tell a peer
// hang-up apart from a torn frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame prefix: %w", err)
	}

	n := binary.BigEndian.Uint16(prefix[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", n, err)
	}
	return payload, nil
}

// WriteFrame writes payload as one length-prefixed message.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame payload %d bytes exceeds %d", len(payload), MaxFrameSize)
	}

	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(payload)))
	copy(buf[2:], payload)

	// Single Write so the prefix and payload cannot interleave with a
	// concurrent writer on the same connection.
	_, err := w.Write(buf)
	return err
}
