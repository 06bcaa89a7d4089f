package mqtt

// Small MQTT 3.1.1 broker for bench runs and tests.
// Clean sessions only, QOS 0 and 1, retained messages, will.

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/log2"
)

var (
	ErrSameClient = fmt.Errorf("clientid overtake")
	ErrClosing    = fmt.Errorf("server is closing")
)

// AuthFunc decides CONNECT. Returning error also denies.
type AuthFunc = func(ctx context.Context, opt *ListenOptions, connect *packet.Connect) (bool, error)

// MessageFunc observes every accepted PUBLISH before routing.
// Error rejects message, QOS 1 PUBACK is not sent and client is disconnected.
type MessageFunc = func(ctx context.Context, clientID string, msg *packet.Message) error

type ServerOptions struct {
	Log       *log2.Log
	OnAuth    AuthFunc
	OnClose   func(clientID string, clean bool, e error)
	OnPublish MessageFunc
}

// subs tree value
type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct {
	sync.Mutex

	alive    *alive.Alive
	ctx      context.Context
	listens  map[string]*transport.NetServer
	log      *log2.Log
	nextid   uint32 // atomic packet.ID
	opt      ServerOptions
	retain   *topic.Tree // *packet.Message
	subs     *topic.Tree // *subscription
	sessions struct {
		sync.RWMutex
		m map[string]*session
	}
}

func NewServer(opt ServerOptions) *Server {
	if opt.OnAuth == nil {
		opt.OnAuth = AuthAllowAll
	}
	s := &Server{
		alive:  alive.NewAlive(),
		ctx:    context.Background(),
		log:    opt.Log,
		opt:    opt,
		retain: topic.NewStandardTree(),
		subs:   topic.NewStandardTree(),
	}
	s.sessions.m = make(map[string]*session)
	return s
}

func AuthAllowAll(context.Context, *ListenOptions, *packet.Connect) (bool, error) { return true, nil }

// AuthFromMap accepts username with matching password.
func AuthFromMap(m map[string]string) AuthFunc {
	return func(ctx context.Context, opt *ListenOptions, connect *packet.Connect) (bool, error) {
		secret, ok := m[connect.Username]
		return ok && connect.Password == secret, nil
	}
}

func (s *Server) Addrs() []string {
	s.Lock()
	defer s.Unlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Clients returns connected client ids.
func (s *Server) Clients() []string {
	s.sessions.RLock()
	defer s.sessions.RUnlock()
	ids := make([]string, 0, len(s.sessions.m))
	for id := range s.sessions.m {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.sessions.RLocker(), func() {
		for _, ss := range s.sessions.m {
			_ = ss.die(ErrClosing)
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Listen(ctx context.Context, lopts []*ListenOptions) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	if s.listens == nil {
		s.listens = make(map[string]*transport.NetServer, len(lopts))
	}
	errs := make([]error, 0)
	for _, opt := range lopts {
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = DefaultNetworkTimeout
		}
		if opt.AckTimeout == 0 {
			opt.AckTimeout = 2 * opt.NetworkTimeout
		}
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		s.log.Debugf("mqtt listen url=%s timeout=%v", opt.URL, opt.NetworkTimeout)

		ns, err := listen(opt)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", opt.URL))
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[opt.URL] = ns
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) NextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&s.nextid, 1)
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

// Publish stores retained message and delivers to matching subscribers.
// Returns number of successful deliveries.
func (s *Server) Publish(ctx context.Context, msg *packet.Message) (int, error) {
	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	targets := make(map[string]packet.QOS) // one delivery per client, max qos wins
	for _, x := range s.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if q, ok := targets[sub.client]; !ok || sub.qos > q {
			targets[sub.client] = sub.qos
		}
	}
	s.log.Debugf("mqtt route %s subscribers=%d", MessageString(msg), len(targets))
	if len(targets) == 0 {
		return 0, nil
	}

	errch := make(chan error, len(targets))
	var success uint32
	wg := sync.WaitGroup{}
	helpers.WithLock(s.sessions.RLocker(), func() {
		for clientID, qos := range targets {
			ss, ok := s.sessions.m[clientID]
			if !ok {
				continue
			}
			out := msg.Copy()
			out.Retain = false
			if qos < out.QOS {
				out.QOS = qos
			}
			var id packet.ID
			if out.QOS > packet.QOSAtMostOnce {
				id = s.NextID()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := ss.Publish(ctx, id, out); err != nil {
					errch <- err
					return
				}
				atomic.AddUint32(&success, 1)
			}()
		}
	})
	wg.Wait()
	close(errch)
	return int(atomic.LoadUint32(&success)), helpers.FoldErrChan(errch)
}

func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	switch u.Scheme {
	case "tls", "ssl", "mqtts":
		ns, err := transport.CreateSecureNetServer(u.Host, opt.TLS)
		return ns, errors.Annotate(err, "CreateSecureNetServer")

	case "tcp", "mqtt":
		l, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen address=%s", u.Host)
		}
		return transport.NewNetServer(l), nil
	}
	return nil, errors.NotSupportedf("listen url=%s", opt.URL)
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done()
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "mqtt accept listen=%s", opt.URL))
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.processConn(conn, opt)
	}
}

// CONNECT handshake, returns registered-ready session.
func (s *Server) onAccept(conn transport.Conn, opt *ListenOptions) (ss *session, err error) {
	defer errors.DeferredAnnotatef(&err, "addr=%s", addrString(conn.RemoteAddr()))
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	connect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Annotatef(broker.ErrUnexpectedPacket, "expected CONNECT pkt=%s", PacketString(pkt))
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false
	if connect.ClientID == "" || !connect.CleanSession {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Annotatef(broker.ErrNotAuthorized, "clientid=%q clean=%t", connect.ClientID, connect.CleanSession)
	}
	ok, err = s.opt.OnAuth(s.ctx, opt, connect)
	if err != nil || !ok {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		if err == nil {
			err = broker.ErrNotAuthorized
		}
		return nil, errors.Annotatef(err, "username=%s", connect.Username)
	}

	keepalive := keepaliveAndHalf(connect.KeepAlive)
	if keepalive == 0 || keepalive > opt.NetworkTimeout {
		keepalive = opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive)
	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	s.log.Debugf("mqtt CONNECT client=%s username=%s keepalive=%d will=%t",
		connect.ClientID, connect.Username, connect.KeepAlive, connect.Will != nil)
	return newSession(conn, opt, s.log, connect), nil
}

func (s *Server) processConn(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	ss, err := s.onAccept(conn, opt)
	if err != nil {
		s.log.Infof("mqtt onAccept err=%v", err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.sessions, func() {
		if ex, ok := s.sessions.m[ss.id]; ok {
			s.log.Infof("mqtt client overtake ex=%s new=%s", ex.String(), ss.String())
			_ = ex.die(ErrSameClient)
		}
		s.sessions.m[ss.id] = ss
	})

	wg := sync.WaitGroup{}
	for {
		pkt, err := ss.Receive()
		if err != nil || !ss.alive.IsRunning() || !s.alive.IsRunning() {
			break
		}
		// PUBLISH fan-out blocks on subscriber acks, keep receiving meanwhile
		wg.Add(1)
		go s.processPacket(ss, pkt, &wg)
	}
	wg.Wait()
	closeErr := ss.die(ErrClosing)
	ss.alive.Wait()

	will, clean := ss.takeWill()
	helpers.WithLock(&s.sessions, func() {
		if ex := s.sessions.m[ss.id]; ex == ss {
			delete(s.sessions.m, ss.id)
		}
	})
	s.unsubscribeAll(ss.id)
	if will != nil {
		s.log.Debugf("mqtt will %s", MessageString(will))
		if _, err := s.Publish(s.ctx, will); err != nil {
			s.log.Errorf("mqtt will client=%s err=%v", ss.id, err)
		}
	}
	if s.opt.OnClose != nil {
		s.opt.OnClose(ss.id, clean, closeErr)
	}
}

func (s *Server) processPacket(ss *session, pkt packet.Generic, finally interface{ Done() }) {
	defer finally.Done()
	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = ss.Send(packet.NewPingresp())

	case *packet.Publish:
		err = s.onPublish(ss, pt)

	case *packet.Puback:
		err = ss.fulfill(pt.ID)

	case *packet.Subscribe:
		err = s.onSubscribe(ss, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = errors.NotSupportedf("qos=2")

	case *packet.Disconnect:
		ss.onDisconnect()
		_ = ss.die(nil)
		return

	default:
		err = errors.Errorf("packet is not handled pkt=%s", PacketString(pkt))
	}
	if err != nil {
		s.log.Errorf("mqtt client=%s err=%v", ss.id, err)
		_ = ss.die(err)
	}
}

func (s *Server) onPublish(ss *session, pkt *packet.Publish) error {
	msg := &pkt.Message
	if msg.QOS > packet.QOSAtLeastOnce {
		return errors.NotSupportedf("qos=%d", msg.QOS)
	}
	if s.opt.OnPublish != nil {
		if err := s.opt.OnPublish(s.ctx, ss.id, msg); err != nil {
			return errors.Annotatef(err, "rejected %s", MessageString(msg))
		}
	}
	// delivery errors belong to subscribers, publisher still gets PUBACK
	if _, err := s.Publish(s.ctx, msg); err != nil {
		s.log.Debugf("mqtt route err=%v", err)
	}
	if msg.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = pkt.ID
		return ss.Send(puback)
	}
	return nil
}

func (s *Server) onSubscribe(ss *session, pkt *packet.Subscribe) error {
	// [MQTT-3.8.3-3] at least one topic filter
	if len(pkt.Subscriptions) == 0 {
		return errors.NotValidf("SUBSCRIBE with empty list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	retained := make([]*packet.Message, 0)
	for _, sub := range pkt.Subscriptions {
		qos := sub.QOS
		if qos > packet.QOSAtLeastOnce {
			qos = packet.QOSAtLeastOnce
		}
		s.subs.Add(sub.Topic, &subscription{pattern: sub.Topic, client: ss.id, qos: qos})
		suback.ReturnCodes = append(suback.ReturnCodes, qos)
		for _, v := range s.retain.Search(sub.Topic) {
			m := v.(*packet.Message).Copy()
			if qos < m.QOS {
				m.QOS = qos
			}
			retained = append(retained, m)
		}
	}
	if err := ss.Send(suback); err != nil {
		return errors.Annotate(err, "SUBACK")
	}
	for _, m := range retained {
		var id packet.ID
		if m.QOS > packet.QOSAtMostOnce {
			id = s.NextID()
		}
		if err := ss.Publish(s.ctx, id, m); err != nil {
			return errors.Annotate(err, "retained")
		}
	}
	return nil
}

func (s *Server) unsubscribeAll(clientID string) {
	for _, value := range s.subs.All() {
		if sub := value.(*subscription); sub.client == clientID {
			s.subs.Remove(sub.pattern, value)
		}
	}
}

// WaitClients blocks until n clients are connected or timeout.
func (s *Server) WaitClients(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s.sessions.RLock()
		count := len(s.sessions.m)
		s.sessions.RUnlock()
		if count >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
