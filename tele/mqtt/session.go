package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/log2"
)

const defaultReadLimit = 1 << 20

type ListenOptions struct {
	URL string
	TLS *tls.Config

	AckTimeout     time.Duration
	NetworkTimeout time.Duration // receive timeout before CONNECT and upper bound for keepalive
	ReadLimit      int64
}

// Server side of one client connection.
type session struct {
	alive    *alive.Alive
	acks     *future.Store
	conn     transport.Conn
	connmu   sync.RWMutex
	clean    uint32 // DISCONNECT received
	err      helpers.AtomicError
	id       string
	log      *log2.Log
	opt      *ListenOptions
	username string
	will     *packet.Message
	willmu   sync.Mutex
}

func newSession(conn transport.Conn, opt *ListenOptions, log *log2.Log, connect *packet.Connect) *session {
	s := &session{
		alive:    alive.NewAlive(),
		acks:     future.NewStore(),
		conn:     conn,
		id:       connect.ClientID,
		log:      log,
		opt:      opt,
		username: connect.Username,
	}
	if connect.Will != nil {
		s.will = connect.Will.Copy()
	}
	return s
}

func (s *session) String() string {
	return fmt.Sprintf("client=%s addr=%s", s.id, addrString(s.remoteAddr()))
}

// Publish delivers message to this client, waits PUBACK for QOS 1.
func (s *session) Publish(ctx context.Context, id packet.ID, msg *packet.Message) error {
	if !s.alive.Add(1) {
		return ErrClosing
	}
	defer s.alive.Done()

	pub := packet.NewPublish()
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		return s.Send(pub)

	case packet.QOSAtLeastOnce:
		if id == 0 {
			return errors.Errorf("code error QOS 1 requires non-zero packet id message=%s", MessageString(msg))
		}
		pub.ID = id
		f := future.New()
		if ex := s.acks.Get(id); ex != nil {
			ex.Cancel(errors.Errorf("packet id=%d reused", id))
		}
		s.acks.Put(id, f)
		defer s.acks.Delete(id)
		if err := s.Send(pub); err != nil {
			return err
		}

		timeout := s.opt.AckTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d < timeout {
				timeout = d
			}
		}
		if timeout <= 0 {
			timeout = 1
		}
		switch err := f.Wait(timeout); err {
		case nil:
			return nil
		case future.ErrCanceled:
			if err, _ = f.Result().(error); err == nil {
				err = ErrClosing
			}
			return errors.Annotatef(err, "expect PUBACK id=%d", id)
		default:
			return s.die(errors.Annotatef(err, "expect PUBACK id=%d", id))
		}

	default:
		return errors.NotSupportedf("qos=%d", msg.QOS)
	}
}

// fulfill is success counterpart to Publish ack wait.
func (s *session) fulfill(id packet.ID) error {
	f := s.acks.Get(id)
	if f == nil {
		return errors.Errorf("unexpected PUBACK id=%d", id)
	}
	f.Complete(nil)
	return nil
}

func (s *session) Receive() (packet.Generic, error) {
	conn := s.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	s.log.Debugf("mqtt recv %s pkt=%s err=%v", s.String(), PacketString(pkt), err)
	switch {
	case err == nil:
		return pkt, nil

	case err == io.EOF:
		_ = s.die(err)
		return nil, err

	case !s.alive.IsRunning() && isClosedConn(err):
		return nil, ErrClosing
	}
	return nil, s.die(err)
}

func (s *session) Send(pkt packet.Generic) error {
	conn := s.getConn()
	if conn == nil {
		return ErrClosing
	}
	s.log.Debugf("mqtt send client=%s pkt=%s", s.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !s.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return s.die(errors.Annotatef(err, "client=%s", s.id))
	}
	return nil
}

func (s *session) remoteAddr() net.Addr {
	if conn := s.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// die stores first error and closes connection, returns first error.
func (s *session) die(e error) error {
	if err, found := s.err.StoreOnce(e); found {
		return err
	}
	s.log.Debugf("mqtt die client=%s err=%v", s.id, e)
	s.alive.Stop()
	helpers.WithLock(&s.connmu, func() {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	})
	return e
}

func (s *session) getConn() transport.Conn {
	s.connmu.RLock()
	c := s.conn
	s.connmu.RUnlock()
	return c
}

// takeWill returns will message unless client disconnected cleanly.
func (s *session) takeWill() (m *packet.Message, clean bool) {
	s.willmu.Lock()
	m, s.will = s.will, nil
	s.willmu.Unlock()
	clean = atomic.LoadUint32(&s.clean) == 1
	if clean {
		m = nil
	}
	return m, clean
}

func (s *session) onDisconnect() {
	atomic.StoreUint32(&s.clean, 1)
	s.willmu.Lock()
	s.will = nil
	s.willmu.Unlock()
}
