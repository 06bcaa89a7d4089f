// Package snapshot holds latest decoded telemetry frame together with
// dispatch state under one lock, so "is a publish pass running" and
// "which frame is latest" are always observed consistently.
package snapshot

import (
	"fmt"
	"sync"
	"time"

	"github.com/temoto/vcutele/frame"
	"github.com/temoto/vcutele/helpers/atomic_clock"
)

type State uint32

const (
	Idle State = iota
	Publishing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Publishing:
		return "publishing"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Snapshot is value copy of latest frame.
// Seq=0 means no frame was ever stored, Frame is zero valued.
type Snapshot struct {
	Frame frame.Frame
	Seq   uint64
	At    time.Time
}

func (s Snapshot) IsZero() bool { return s.Seq == 0 }

func (s Snapshot) String() string {
	return fmt.Sprintf("seq=%d at=%s %s", s.Seq, s.At.Format(time.RFC3339Nano), s.Frame.String())
}

type Store struct {
	mu      sync.Mutex
	current Snapshot
	state   State
	updated atomic_clock.Clock
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// Replace overwrites latest frame, returns new sequence number.
func (self *Store) Replace(f frame.Frame) uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.replace(f)
}

func (self *Store) Read() Snapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.current
}

// TryBegin grants publish pass: if Idle, switch to Publishing and return copy of latest frame.
// Caller that got ok=true must call End exactly once.
func (self *Store) TryBegin() (Snapshot, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.tryBegin()
}

// ReplaceAndTryBegin stores frame and, when allow, tries to begin publish pass
// within same critical section. Returned snapshot is the one just stored.
func (self *Store) ReplaceAndTryBegin(f frame.Frame, allow bool) (Snapshot, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.replace(f)
	if !allow {
		return self.current, false
	}
	return self.tryBegin()
}

// End returns state to Idle. Returns false if state was already Idle.
func (self *Store) End() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.state == Idle {
		return false
	}
	self.state = Idle
	return true
}

func (self *Store) State() State {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

// Age returns time since last Replace, 0 if never replaced.
func (self *Store) Age() time.Duration {
	if self.updated.IsZero() {
		return 0
	}
	return self.clock().Sub(self.updated.Time())
}

func (self *Store) clock() time.Time {
	if self.now == nil {
		return time.Now()
	}
	return self.now()
}

func (self *Store) replace(f frame.Frame) uint64 {
	now := self.clock()
	self.current = Snapshot{
		Frame: f,
		Seq:   self.current.Seq + 1,
		At:    now,
	}
	self.updated.SetTime(now)
	return self.current.Seq
}

func (self *Store) tryBegin() (Snapshot, bool) {
	if self.state != Idle {
		return self.current, false
	}
	self.state = Publishing
	return self.current, true
}
