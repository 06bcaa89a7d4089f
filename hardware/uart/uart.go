// Package uart opens the serial link to VCU: 8 data bits, no parity, 1 stop bit.
package uart

import (
	"io"
	"time"

	"github.com/juju/errors"
	"go.bug.st/serial"
)

// Port is what bridge and simulator need from serial device.
// Read returns (0, nil) when nothing arrived within read timeout.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// ResetRead drops bytes already received by driver.
	ResetRead() error
	Close() error
}

type Options struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

type Uart struct {
	p   serial.Port
	opt Options
}

var _ Port = (*Uart)(nil)

func Open(opt Options) (*Uart, error) {
	if opt.Device == "" {
		return nil, errors.NotValidf("uart device empty")
	}
	if opt.Baud <= 0 {
		return nil, errors.NotValidf("uart baud=%d", opt.Baud)
	}
	mode := &serial.Mode{
		BaudRate: opt.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(opt.Device, mode)
	if err != nil {
		return nil, errors.Annotatef(err, "uart open device=%s", opt.Device)
	}
	timeout := opt.ReadTimeout
	if timeout <= 0 {
		timeout = serial.NoTimeout
	}
	if err = p.SetReadTimeout(timeout); err != nil {
		_ = p.Close()
		return nil, errors.Annotatef(err, "uart set read timeout device=%s", opt.Device)
	}
	return &Uart{p: p, opt: opt}, nil
}

func (self *Uart) String() string { return self.opt.Device }

func (self *Uart) Read(p []byte) (int, error) {
	n, err := self.p.Read(p)
	return n, wrapErr(err, self.opt.Device)
}

func (self *Uart) Write(p []byte) (int, error) {
	n, err := self.p.Write(p)
	if err == nil {
		err = self.p.Drain()
	}
	return n, wrapErr(err, self.opt.Device)
}

func (self *Uart) ResetRead() error {
	return wrapErr(self.p.ResetInputBuffer(), self.opt.Device)
}

func (self *Uart) Close() error { return wrapErr(self.p.Close(), self.opt.Device) }

// IsClosed is true for errors after Close, as opposed to device failure.
func IsClosed(e error) bool {
	switch err := errors.Cause(e).(type) {
	case *serial.PortError:
		return err.Code() == serial.PortClosed
	case nil:
		return false
	}
	return errors.Cause(e) == io.ErrClosedPipe
}

// List returns serial devices present in system, order is platform specific.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	return ports, errors.Annotate(err, "uart list")
}

func wrapErr(e error, device string) error {
	if e == nil {
		return nil
	}
	return errors.Annotatef(e, "uart device=%s", device)
}
