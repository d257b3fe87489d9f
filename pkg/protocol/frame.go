package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame payload. A length prefix above this is
// treated as corrupt framing and closes the connection.
const MaxFrameSize = 1 << 24

var (
	// ErrShortRead reports a connection that closed in the middle of a frame.
	// It is a transport condition, not a parse error.
	ErrShortRead = errors.New("short read: connection closed mid-frame")

	// ErrFrameTooLarge reports a length prefix exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// WriteFrame writes one frame: a 4-byte big-endian payload length followed by
// the payload itself, and flushes the writer so the frame hits the wire as a
// unit.
func WriteFrame(bw *bufio.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(payload)))
	if _, err := bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadFrame blocks until one complete frame is available and returns its
// payload. io.EOF is returned only on a clean close between frames; a close
// inside a frame returns ErrShortRead.
func ReadFrame(br *bufio.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	n := int(binary.BigEndian.Uint32(lenbuf[:]))
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return buf, nil
}
