package helpers

import (
	"bytes"
	"io"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkWriter accepts at most n bytes per Write, fails after limit total.
type chunkWriter struct {
	buf   bytes.Buffer
	n     int
	limit int
	err   error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.limit >= 0 && w.buf.Len() >= w.limit {
		return 0, w.err
	}
	if len(p) > w.n {
		p = p[:w.n]
	}
	return w.buf.Write(p)
}

func TestWriteAll(t *testing.T) {
	t.Parallel()
	content := MustHex("a55a28000000000000002a42")
	cases := []struct {
		name      string
		w         *chunkWriter
		expectErr error
		expectLen int
	}{
		{"whole", &chunkWriter{n: 64, limit: -1}, nil, len(content)},
		{"chunks", &chunkWriter{n: 5, limit: -1}, nil, len(content)},
		{"byte", &chunkWriter{n: 1, limit: -1}, nil, len(content)},
		{"stall", &chunkWriter{n: 5, limit: 5}, io.ErrShortWrite, 5},
		{"error", &chunkWriter{n: 4, limit: 8, err: io.ErrClosedPipe}, io.ErrClosedPipe, 8},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := WriteAll(c.w, content)
			if c.expectErr == nil {
				require.NoError(t, err)
				assert.Equal(t, content, c.w.buf.Bytes())
			} else {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
			}
			assert.Equal(t, c.expectLen, c.w.buf.Len())
		})
	}
}
