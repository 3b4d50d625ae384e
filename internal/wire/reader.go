package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when buffered bytes exceed the frame limit
// without a terminator.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Reader yields complete frames from a byte stream.
type Reader struct {
	r       io.Reader
	max     int
	pending []byte
	buf     []byte
}

// NewReader reads frames from r. Frames longer than max bytes are an error.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{r: r, max: max, buf: make([]byte, 4096)}
}

// Next returns the next frame without its terminator. A frame cut short by
// EOF is returned with io.ErrUnexpectedEOF.
func (fr *Reader) Next() ([]byte, error) {
	for {
		frame, rest, ok := ExtractFrame(fr.pending)
		if ok {
			fr.pending = append(fr.pending[:0:0], rest...)
			return frame, nil
		}
		fr.pending = rest
		if fr.max > 0 && len(fr.pending) > fr.max {
			fr.pending = nil
			return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, fr.max)
		}

		n, err := fr.r.Read(fr.buf)
		fr.pending = append(fr.pending, fr.buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(fr.pending) > 0 {
				if frame, _, ok := ExtractFrame(fr.pending); ok {
					fr.pending = nil
					return frame, nil
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Partial returns the buffered bytes of a frame whose terminator has not
// arrived, or nil when nothing is pending.
func (fr *Reader) Partial() []byte {
	start := bytes.IndexByte(fr.pending, FrameStart)
	if start < 0 {
		return nil
	}
	return append([]byte(nil), fr.pending[start:]...)
}
