package ws

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/pkg/errors"
)

// zlibSuffix terminates every message of a zlib-stream: the byte-aligned
// empty block a sync flush emits.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// ErrPartialFrame is returned by Flush while the accumulated input does not
// yet end in the stream suffix.
var ErrPartialFrame = errors.New("partial zlib frame, stream suffix not reached")

// Inflator decompresses one connection's zlib-stream. Frames are written in
// as they arrive; once the suffix is present, Flush inflates the pending
// message. The deflate history carries across messages, so one Inflator must
// live exactly as long as its connection.
type Inflator struct {
	pending  []byte
	window   []byte // last 32 KiB of inflated output, the deflate dictionary
	out      bytes.Buffer
	fr       io.ReadCloser
	stripped bool // zlib header consumed
}

// NewInflator returns an Inflator at the start of a stream.
func NewInflator() *Inflator {
	return &Inflator{}
}

// Write appends one compressed frame to the pending message.
func (z *Inflator) Write(frame []byte) {
	z.pending = append(z.pending, frame...)
}

// CanFlush reports whether the pending message is complete.
func (z *Inflator) CanFlush() bool {
	return len(z.pending) >= len(zlibSuffix) &&
		bytes.HasSuffix(z.pending, zlibSuffix)
}

// Flush inflates the pending message and resets the accumulator. It returns
// ErrPartialFrame if the suffix has not arrived yet.
func (z *Inflator) Flush() ([]byte, error) {
	if !z.CanFlush() {
		return nil, ErrPartialFrame
	}

	msg := z.pending

	if !z.stripped {
		if len(msg) < 2 {
			return nil, errors.New("zlib stream shorter than its header")
		}
		cmf, flg := uint(msg[0]), uint(msg[1])
		if cmf&0x0f != 8 || (cmf<<8|flg)%31 != 0 {
			return nil, errors.Errorf("invalid zlib header %02x %02x", cmf, flg)
		}
		msg = msg[2:]
		z.stripped = true
	}

	// Terminate with a final empty stored block so the flate reader hits a
	// clean EOF instead of ErrUnexpectedEOF mid-stream.
	msg = append(msg, 0x01, 0x00, 0x00, 0xff, 0xff)

	if z.fr == nil {
		z.fr = flate.NewReaderDict(bytes.NewReader(msg), z.window)
	} else if err := z.fr.(flate.Resetter).Reset(bytes.NewReader(msg), z.window); err != nil {
		return nil, errors.Wrap(err, "failed to reset inflater")
	}

	z.out.Reset()
	if _, err := z.out.ReadFrom(z.fr); err != nil {
		return nil, errors.Wrap(err, "failed to inflate")
	}

	z.pending = z.pending[:0]

	data := make([]byte, z.out.Len())
	copy(data, z.out.Bytes())
	z.slide(data)

	return data, nil
}

const windowSize = 32 * 1024

// slide appends data to the dictionary window, keeping the last 32 KiB.
func (z *Inflator) slide(data []byte) {
	z.window = append(z.window, data...)
	if len(z.window) > windowSize {
		copy(z.window, z.window[len(z.window)-windowSize:])
		z.window = z.window[:windowSize]
	}
}
