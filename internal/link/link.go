// Package link tracks whether telemetry may be published:
// network link is up AND broker session is connected.
package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/vcutele/internal/metrics"
	"github.com/temoto/vcutele/log2"
)

const DefaultPollInterval = 500 * time.Millisecond

// Signal is concurrency safe readiness gate.
// Zero value is not ready.
type Signal struct {
	Log     *log2.Log
	Metrics *metrics.Metrics

	mu     sync.Mutex
	link   bool
	broker bool
}

func (self *Signal) SetLink(up bool) {
	self.set(func() (bool, string) {
		changed := self.link != up
		self.link = up
		return changed, "link"
	})
	self.Metrics.LinkUp(up)
}

func (self *Signal) SetBroker(up bool) {
	self.set(func() (bool, string) {
		changed := self.broker != up
		self.broker = up
		return changed, "broker"
	})
	self.Metrics.BrokerConnected(up)
}

func (self *Signal) Ready() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.link && self.broker
}

func (self *Signal) String() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return fmt.Sprintf("link=%t broker=%t", self.link, self.broker)
}

func (self *Signal) set(f func() (bool, string)) {
	self.mu.Lock()
	changed, what := f()
	ready := self.link && self.broker
	self.mu.Unlock()

	if changed {
		self.Log.Debugf("link: %s changed ready=%t", what, ready)
	}
}

// InterfaceUpFunc reports whether named network interface is usable.
type InterfaceUpFunc func(name string) (bool, error)

// InterfaceUp is true when interface is administratively up and has an address.
func InterfaceUp(name string) (bool, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false, errors.Annotatef(err, "interface=%s", name)
	}
	if iface.Flags&net.FlagUp == 0 {
		return false, nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false, errors.Annotatef(err, "interface=%s addrs", name)
	}
	return len(addrs) > 0, nil
}

// Watcher polls interface state into Signal.SetLink.
// Empty Interface means link is managed elsewhere and always up.
type Watcher struct {
	Interface string
	Interval  time.Duration
	Signal    *Signal
	Log       *log2.Log
	Check     InterfaceUpFunc
}

func (self *Watcher) Run(ctx context.Context) {
	if self.Interface == "" {
		self.Signal.SetLink(true)
		return
	}
	check := self.Check
	if check == nil {
		check = InterfaceUp
	}
	interval := self.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	var lastErr string
	for {
		up, err := check(self.Interface)
		if err != nil {
			// log only changes, missing interface would flood
			if s := err.Error(); s != lastErr {
				self.Log.Error(err)
				lastErr = s
			}
		} else {
			lastErr = ""
		}
		self.Signal.SetLink(up)

		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}
