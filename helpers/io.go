package helpers

import (
	"io"

	"github.com/juju/errors"
)

// WriteAll repeats Write until b is written.
// Write returning zero without error is reported as io.ErrShortWrite, serial drivers do that on stall.
func WriteAll(w io.Writer, b []byte) error {
	total := len(b)
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return errors.Annotatef(err, "written=%d/%d", total-len(b)+n, total)
		}
		if n == 0 {
			return errors.Annotatef(io.ErrShortWrite, "written=%d/%d", total-len(b), total)
		}
		b = b[n:]
	}
	return nil
}
