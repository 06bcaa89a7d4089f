package uart

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Mock is in-memory Port. Bytes given to Push are returned by Read,
// Read waits up to ReadTimeout and returns (0, nil) when idle like a real port.
type Mock struct {
	ReadTimeout time.Duration

	mu      sync.Mutex
	in      bytes.Buffer
	out     bytes.Buffer
	err     error
	closed  bool
	signals chan struct{}
}

var _ Port = (*Mock)(nil)

func NewMock(readTimeout time.Duration) *Mock {
	return &Mock{ReadTimeout: readTimeout, signals: make(chan struct{}, 1)}
}

// Push makes p available to Read.
func (self *Mock) Push(p []byte) {
	self.mu.Lock()
	self.in.Write(p)
	self.mu.Unlock()
	self.notify()
}

// Fail makes next Read return e after buffered bytes are consumed.
func (self *Mock) Fail(e error) {
	self.mu.Lock()
	self.err = e
	self.mu.Unlock()
	self.notify()
}

// Written returns copy of bytes written so far.
func (self *Mock) Written() []byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]byte(nil), self.out.Bytes()...)
}

func (self *Mock) Read(p []byte) (int, error) {
	deadline := time.Now().Add(self.ReadTimeout)
	for {
		self.mu.Lock()
		switch {
		case self.closed:
			self.mu.Unlock()
			return 0, io.ErrClosedPipe
		case self.in.Len() > 0:
			n, _ := self.in.Read(p)
			self.mu.Unlock()
			return n, nil
		case self.err != nil:
			err := self.err
			self.mu.Unlock()
			return 0, err
		}
		self.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		select {
		case <-self.signals:
		case <-time.After(wait):
		}
	}
}

func (self *Mock) Write(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return 0, io.ErrClosedPipe
	}
	return self.out.Write(p)
}

func (self *Mock) ResetRead() error {
	self.mu.Lock()
	self.in.Reset()
	self.mu.Unlock()
	return nil
}

func (self *Mock) Close() error {
	self.mu.Lock()
	self.closed = true
	self.mu.Unlock()
	self.notify()
	return nil
}

func (self *Mock) notify() {
	select {
	case self.signals <- struct{}{}:
	default:
	}
}
