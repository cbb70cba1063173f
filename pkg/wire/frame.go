package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderOverhead is added to the configured request cap to get the maximum
// frame length a connection will accept (spec.md §4.1).
const HeaderOverhead = 64 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the declared frame length
// exceeds maxLen.
var ErrFrameTooLarge = fmt.Errorf("invalid_frame: frame exceeds maximum length")

// ReadFrame reads one length-prefixed frame: a 4-byte big-endian unsigned
// length followed by that many bytes. maxLen bounds the length field to
// guard against a malicious or corrupt peer claiming an enormous frame.
func ReadFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxLen {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes data as one length-prefixed frame.
func WriteFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
