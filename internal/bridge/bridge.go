// Package bridge drives the telemetry pipeline:
// serial frames into snapshot store, at most one publish pass at a time.
package bridge

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vcutele/frame"
	"github.com/temoto/vcutele/internal/dispatch"
	"github.com/temoto/vcutele/internal/metrics"
	"github.com/temoto/vcutele/internal/snapshot"
	"github.com/temoto/vcutele/log2"
)

// Gate is satisfied by *link.Signal.
type Gate interface {
	Ready() bool
}

type FrameReader interface {
	ReadFrame(ctx context.Context) (frame.Frame, error)
	Dropped() uint64
}

type Options struct {
	Log        *log2.Log
	Metrics    *metrics.Metrics
	Store      *snapshot.Store
	Gate       Gate
	Dispatcher *dispatch.Dispatcher
	Job        dispatch.JobOptions
	// Optional. Called from pass goroutine after each pass.
	OnReport func(dispatch.Report)
}

type Stats struct {
	Decoded   uint64
	Checksum  uint64
	Invalid   uint64
	Coalesced uint64
	Gated     uint64
	Passes    uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("decoded=%d checksum=%d invalid=%d coalesced=%d gated=%d passes=%d",
		s.Decoded, s.Checksum, s.Invalid, s.Coalesced, s.Gated, s.Passes)
}

type Bridge struct {
	alive *alive.Alive
	opt   Options
	stats Stats
}

func New(opt Options) *Bridge {
	if opt.Store == nil {
		opt.Store = snapshot.NewStore()
	}
	if opt.Dispatcher.Store == nil {
		opt.Dispatcher.Store = opt.Store
	}
	return &Bridge{alive: alive.NewAlive(), opt: opt}
}

func (self *Bridge) Store() *snapshot.Store { return self.opt.Store }

func (self *Bridge) Stats() Stats {
	return Stats{
		Decoded:   atomic.LoadUint64(&self.stats.Decoded),
		Checksum:  atomic.LoadUint64(&self.stats.Checksum),
		Invalid:   atomic.LoadUint64(&self.stats.Invalid),
		Coalesced: atomic.LoadUint64(&self.stats.Coalesced),
		Gated:     atomic.LoadUint64(&self.stats.Gated),
		Passes:    atomic.LoadUint64(&self.stats.Passes),
	}
}

// HandleFrame stores f and starts publish pass if gate is open and no pass is running.
// Returns true if pass started.
func (self *Bridge) HandleFrame(ctx context.Context, f frame.Frame) bool {
	ready := self.opt.Gate == nil || self.opt.Gate.Ready()
	snap, ok := self.opt.Store.ReplaceAndTryBegin(f, ready)
	switch {
	case !ready:
		atomic.AddUint64(&self.stats.Gated, 1)
		self.opt.Metrics.FrameGated()
		return false
	case !ok:
		atomic.AddUint64(&self.stats.Coalesced, 1)
		self.opt.Metrics.FrameCoalesced()
		return false
	}

	if !self.alive.Add(1) {
		self.opt.Store.End()
		return false
	}
	atomic.AddUint64(&self.stats.Passes, 1)
	job := dispatch.NewJob(snap, self.opt.Job)
	go func() {
		defer self.alive.Done()
		report := self.opt.Dispatcher.Dispatch(ctx, job)
		if self.opt.OnReport != nil {
			self.opt.OnReport(report)
		}
	}()
	return true
}

// Run reads frames until ctx is done or read fails with I/O error.
// Always waits in-flight pass before return. Returns nil on ctx cancel.
func (self *Bridge) Run(ctx context.Context, r FrameReader) error {
	defer self.Wait()
	dropped := r.Dropped()
	for {
		f, err := r.ReadFrame(ctx)
		if d := r.Dropped(); d != dropped {
			self.opt.Metrics.BytesDropped(d - dropped)
			dropped = d
		}
		switch {
		case err == nil:
			atomic.AddUint64(&self.stats.Decoded, 1)
			self.opt.Metrics.FrameDecoded()
			self.opt.Log.Debugf("bridge frame %s", f.String())
			self.HandleFrame(ctx, f)

		case ctx.Err() != nil:
			return nil

		case frame.IsFraming(err):
			self.opt.Log.Debugf("bridge %v", err)

		case frame.IsLength(err):
			atomic.AddUint64(&self.stats.Invalid, 1)
			self.opt.Metrics.FrameError(metrics.KindFraming)
			self.opt.Log.Errorf("bridge frame rejected err=%v", err)

		case frame.IsChecksum(err):
			atomic.AddUint64(&self.stats.Checksum, 1)
			self.opt.Metrics.FrameError(metrics.KindChecksum)
			self.opt.Log.Errorf("bridge frame dropped err=%v", err)

		default:
			self.opt.Metrics.FrameError(metrics.KindIO)
			return errors.Annotate(err, "bridge read")
		}
	}
}

// Wait blocks until in-flight publish pass is finished.
func (self *Bridge) Wait() { self.alive.WaitTasks() }
