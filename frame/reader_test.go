package frame

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }

// chunkReader returns one scripted chunk per Read, then (0, nil) like idle serial port.
// tailErr is returned together with the last chunk.
type chunkReader struct {
	chunks  [][]byte
	errs    []error
	tailErr error
}

func (self *chunkReader) Read(p []byte) (int, error) {
	if len(self.chunks) == 1 && self.tailErr != nil {
		n := copy(p, self.chunks[0])
		self.chunks = nil
		err := self.tailErr
		self.tailErr = nil
		return n, err
	}
	if len(self.chunks) == 0 {
		if len(self.errs) > 0 {
			err := self.errs[0]
			self.errs = self.errs[1:]
			return 0, err
		}
		return 0, nil
	}
	n := copy(p, self.chunks[0])
	self.chunks = self.chunks[1:]
	return n, nil
}

func TestReader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b1, b2 := Encode(testFrame(1)), Encode(testFrame(2))
	cr := &chunkReader{chunks: [][]byte{b1[:10], b1[10:], concat(b2, Encode(testFrame(3)))}}
	r := NewReader(cr)

	_, err := r.ReadFrame(ctx)
	require.Error(t, err)
	assert.True(t, IsFraming(err), "partial read must report no frame this cycle")

	f, err := r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, testFrame(1), f)

	f, err = r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, testFrame(2), f)

	// buffered frame served without read
	f, err = r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, testFrame(3), f)

	_, err = r.ReadFrame(ctx)
	assert.True(t, IsFraming(err), "idle read")
}

func TestReaderErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := NewReader(&chunkReader{errs: []error{timeoutError{}, io.EOF}})
	_, err := r.ReadFrame(ctx)
	assert.True(t, IsFraming(err), "timeout must map to framing")
	_, err = r.ReadFrame(ctx)
	assert.Equal(t, io.EOF, err)

	bad := Encode(testFrame(4))
	bad[20] ^= 1
	r = NewReader(&chunkReader{chunks: [][]byte{bad, Encode(testFrame(5))}})
	_, err = r.ReadFrame(ctx)
	assert.True(t, IsChecksum(err))
	f, err := r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, testFrame(5), f)
	assert.Equal(t, uint64(EnvelopeSize), r.Dropped())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.ReadFrame(cctx)
	assert.Equal(t, context.Canceled, err)
}

func TestReaderErrorWithData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cr := &chunkReader{chunks: [][]byte{Encode(testFrame(6))}, tailErr: io.ErrUnexpectedEOF}
	r := NewReader(cr)

	f, err := r.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, testFrame(6), f)
	_, err = r.ReadFrame(ctx)
	assert.Equal(t, io.ErrUnexpectedEOF, err, "read error kept for next call")
}

func TestReaderBadLength(t *testing.T) {
	t.Parallel()
	bad := Encode(testFrame(4))
	bad[2] = PayloadSize - 1
	r := NewReader(&chunkReader{chunks: [][]byte{bad}})
	_, err := r.ReadFrame(context.Background())
	require.Error(t, err)
	assert.True(t, IsLength(err))
	assert.False(t, IsFraming(err), "rejected envelope is not idle poll")
}
