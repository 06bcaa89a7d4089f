// Package dispatch publishes one snapshot as a fixed ordered set of MQTT messages.
// Failure of one message never aborts the pass.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/internal/metrics"
	"github.com/temoto/vcutele/log2"
)

const DefaultPublishTimeout = 5 * time.Second

// Publisher is satisfied by broker sessions.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Ender releases publish pass, satisfied by *snapshot.Store.
type Ender interface {
	End() bool
}

type Report struct {
	Seq      uint64
	Sent     int
	Failed   int
	Errors   []error
	Duration time.Duration
}

func (r Report) Err() error { return helpers.FoldErrors(r.Errors) }

func (r Report) String() string {
	return fmt.Sprintf("seq=%d sent=%d failed=%d duration=%v", r.Seq, r.Sent, r.Failed, r.Duration)
}

type Dispatcher struct {
	Log     *log2.Log
	Metrics *metrics.Metrics
	Pub     Publisher
	Store   Ender
	Timeout time.Duration
}

// Dispatch publishes all job messages in order, each bounded by Timeout.
// Store.End() is always called on return, including publisher panic.
func (self *Dispatcher) Dispatch(ctx context.Context, job Job) Report {
	tbegin := time.Now()
	report := Report{Seq: job.Snapshot.Seq}
	self.Metrics.PassBegin()
	defer func() {
		report.Duration = time.Since(tbegin)
		self.Metrics.PassEnd(report.Duration)
		if self.Store != nil {
			self.Store.End()
		}
	}()

	for _, m := range job.Messages {
		if err := self.publishOne(ctx, m); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err)
			self.Metrics.PublishError(m.Topic)
			self.Log.Error(err)
			continue
		}
		report.Sent++
		self.Metrics.Published()
	}
	self.Log.Debugf("dispatch %s", report.String())
	return report
}

func (self *Dispatcher) publishOne(ctx context.Context, m Message) (err error) {
	timeout := self.Timeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("publish topic=%s panic: %v", m.Topic, r)
		}
	}()
	if err = self.Pub.Publish(pctx, m.Topic, m.Payload); err != nil {
		return errors.Annotatef(err, "publish topic=%s", m.Topic)
	}
	return nil
}
