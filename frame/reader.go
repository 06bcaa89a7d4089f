package frame

import (
	"context"
	"io"

	"github.com/juju/errors"
)

// Same as UART driver buffer on VCU side.
const readBufferSize = 256

// Reader decodes frames from byte stream with bounded read wait.
// Underlying reader is expected to return (0, nil) or a timeout error
// when no data arrived within its own read timeout, like a serial port.
type Reader struct {
	r     io.Reader
	codec Codec
	buf   []byte
	err   error // read error deferred behind frame completed by the same read
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, readBufferSize)}
}

// Dropped returns total count of stream bytes discarded by decoder.
func (r *Reader) Dropped() uint64 { return r.codec.Dropped() }

// ReadFrame returns buffered frame immediately or performs one read.
// Returns ErrFraming (annotated) if no complete frame is available after that read,
// caller should treat it as "no frame this cycle".
func (r *Reader) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if f, err := r.codec.Next(); !IsNeedMore(err) {
		return f, err
	}
	if err := r.err; err != nil {
		r.err = nil
		return Frame{}, err
	}

	n, readErr := r.r.Read(r.buf)
	if n > 0 {
		r.codec.Feed(r.buf[:n])
	}
	f, err := r.codec.Next()
	switch {
	case !IsNeedMore(err):
		if readErr != nil && !isTimeout(readErr) {
			r.err = readErr
		}
		return f, err
	case readErr != nil:
		if isTimeout(readErr) {
			return Frame{}, errors.Annotatef(ErrFraming, "read timeout buffered=%d", r.codec.Buffered())
		}
		return Frame{}, readErr
	}
	return Frame{}, errors.Annotatef(ErrFraming, "read=%d buffered=%d", n, r.codec.Buffered())
}

func isTimeout(e error) bool {
	t, ok := errors.Cause(e).(interface{ Timeout() bool })
	return ok && t.Timeout()
}
