package bridge

import (
	"context"
	"io"
	"time"

	"github.com/temoto/vcutele/frame"
	"github.com/temoto/vcutele/hardware/uart"
	"github.com/temoto/vcutele/helpers"
)

type OpenFunc func() (io.ReadCloser, error)

// RunReopen calls Run over ports from open until ctx is done.
// Open and read failures are logged and retried after backoff delay.
// Port closed by someone else is reopened without delay.
// Port is closed on ctx done, so read without timeout is interrupted.
func (self *Bridge) RunReopen(ctx context.Context, open OpenFunc, backoff *helpers.Backoff) {
	for {
		select {
		case <-time.After(backoff.DelayBefore()):
		case <-ctx.Done():
			return
		}
		port, err := open()
		self.opt.Metrics.SerialOpen(err)
		if err != nil {
			backoff.Failure()
			self.opt.Log.Errorf("bridge open err=%v retry=%v", err, backoff.Next())
			continue
		}
		backoff.Reset()
		self.opt.Log.Infof("bridge serial open")

		stopch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = port.Close()
			case <-stopch:
			}
		}()
		err = self.Run(ctx, frame.NewReader(port))
		close(stopch)
		if ctx.Err() != nil {
			_ = port.Close()
			return
		}
		switch {
		case err == nil:
		case uart.IsClosed(err):
			self.opt.Log.Infof("bridge serial closed, reopen")
		default:
			_ = port.Close()
			backoff.Failure()
			self.opt.Log.Errorf("%v retry=%v", err, backoff.Next())
		}
	}
}
