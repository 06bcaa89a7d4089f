package frame

import (
	"bytes"

	"github.com/juju/errors"
	"github.com/temoto/vcutele/crc"
)

// One full read on top of an incomplete envelope never overflows.
const maxBuffered = readBufferSize + EnvelopeSize

var (
	// No complete envelope in buffer, feed more bytes.
	ErrNeedMore = errors.New("frame incomplete")
	// Read poll ended without a complete envelope.
	ErrFraming = errors.New("frame framing")
	// Envelope length byte is wrong, envelope rejected.
	ErrLength = errors.New("frame length")
	// Envelope integrity check failed, frame dropped.
	ErrChecksum = errors.New("frame checksum")
)

func IsNeedMore(e error) bool { return errors.Cause(e) == ErrNeedMore }
func IsFraming(e error) bool  { return errors.Cause(e) == ErrFraming }
func IsChecksum(e error) bool { return errors.Cause(e) == ErrChecksum }
func IsLength(e error) bool   { return errors.Cause(e) == ErrLength }

// Encode seals frame into wire envelope.
func Encode(f Frame) []byte {
	b := make([]byte, 0, EnvelopeSize)
	b = append(b, Sync0, Sync1, PayloadSize)
	b = append(b, f.MarshalPayload()...)
	return append(b, crc.CRC8_p93_n(0, b[2:]))
}

// Decode parses exactly one envelope.
func Decode(b []byte) (Frame, error) {
	var c Codec
	c.Feed(b)
	f, err := c.Next()
	if IsNeedMore(err) {
		err = errors.Annotatef(ErrFraming, "input=%x length=%d expected=%d", b, len(b), EnvelopeSize)
	}
	return f, err
}

// Codec accumulates stream bytes and yields valid frames.
// Restartable: frames split across Feed calls are decoded once complete.
// Not safe for concurrent use.
type Codec struct {
	buf     []byte
	dropped uint64
}

func (c *Codec) Feed(p []byte) {
	c.buf = append(c.buf, p...)
	if over := len(c.buf) - maxBuffered; over > 0 {
		c.discard(over)
	}
}

// Buffered returns number of bytes waiting for complete envelope.
func (c *Codec) Buffered() int { return len(c.buf) }

// Dropped returns total count of bytes discarded while searching for envelopes.
func (c *Codec) Dropped() uint64 { return c.dropped }

func (c *Codec) Reset() { c.buf = c.buf[:0] }

// Next returns next valid frame or:
// - ErrNeedMore when buffer holds no complete envelope
// - ErrLength on invalid length byte, envelope skipped
// - ErrChecksum on crc mismatch, envelope skipped
func (c *Codec) Next() (Frame, error) {
	var f Frame
	if err := c.sync(); err != nil {
		return f, err
	}
	if len(c.buf) < 3 {
		return f, ErrNeedMore
	}
	if length := c.buf[2]; length != PayloadSize {
		c.discard(2)
		return f, errors.Annotatef(ErrLength, "length=%d expected=%d", length, PayloadSize)
	}
	if len(c.buf) < EnvelopeSize {
		return f, ErrNeedMore
	}

	env := c.buf[:EnvelopeSize]
	crcIn := env[EnvelopeSize-1]
	crcLocal := crc.CRC8_p93_n(0, env[2:EnvelopeSize-1])
	if crcIn != crcLocal {
		err := errors.Annotatef(ErrChecksum, "envelope=%x crc=%02x actual=%02x", env, crcIn, crcLocal)
		c.discard(2)
		return f, err
	}
	if err := f.UnmarshalPayload(env[3 : EnvelopeSize-1]); err != nil {
		return f, errors.Trace(err)
	}
	c.consume(EnvelopeSize)
	return f, nil
}

// sync drops bytes before sync pair.
func (c *Codec) sync() error {
	i := bytes.Index(c.buf, []byte{Sync0, Sync1})
	if i < 0 {
		keep := 0
		if n := len(c.buf); n > 0 && c.buf[n-1] == Sync0 {
			keep = 1
		}
		c.discard(len(c.buf) - keep)
		return ErrNeedMore
	}
	c.discard(i)
	return nil
}

func (c *Codec) discard(n int) {
	c.dropped += uint64(n)
	c.consume(n)
}

func (c *Codec) consume(n int) {
	if n <= 0 {
		return
	}
	rest := copy(c.buf, c.buf[n:])
	c.buf = c.buf[:rest]
}
