package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/helpers/atomic_clock"
	"github.com/temoto/vcutele/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second
const publishPollInterval = 100 * time.Millisecond

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	Will           *packet.Message
	Log            *log2.Log

	// Optional. Incoming PUBLISH, error disconnects.
	OnMessage func(*packet.Message) error
	// Optional. Called from single worker goroutine, strictly alternating:
	// OnConnect after CONNACK and SUBACK, OnDisconnect when that connection is lost.
	// Blocking in OnConnect delays loss detection, not packet processing.
	OnConnect    func()
	OnDisconnect func(error)

	conpkt   *packet.Connect
	dialer   *transport.Dialer
	onpacket func(*clientConn, packet.Generic)
}

// Telemetry MQTT client.
// - NewClient() returns only configuration errors, network IO is done in background
// - Connect with clean session only
// - Subscribe for configured list, no unsubscribe
// - Unlimited reconnect attempts until Close()
// - QOS 0,1
// - No in-flight storage (except Publish call stack)
// - Serialized Publish
// - Publish waits for connection until ctx is done
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions
	pubmu   sync.Mutex

	flowPublish struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.conpkt.Will = opt.Will
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	c.opt.onpacket = c.onPacket
	c.alive.Add(1)
	go c.worker()
	return c, nil
}

func (c *Client) Close() error {
	err := c.Disconnect()
	if err == client.ErrClientNotConnected {
		err = nil
	}
	c.alive.Stop()
	c.alive.Wait()
	return err
}

// Disconnect sends DISCONNECT, worker will reconnect after delay.
func (c *Client) Disconnect() error {
	cc := c.clientConn(false)
	if cc == nil || !cc.isReady() {
		return client.ErrClientNotConnected
	}
	err := cc.send(packet.NewDisconnect())
	_ = cc.die(ErrClientClosing)
	return err
}

// IsConnected is true after CONNACK and SUBACK of current connection.
func (c *Client) IsConnected() bool {
	cc := c.clientConn(false)
	return cc != nil && cc.alive.IsRunning() && cc.isReady()
}

// Publish sends message and, for QOS 1, waits PUBACK.
// Ack wait is bounded by NetworkTimeout and ctx deadline, whichever is sooner.
// Missing PUBACK breaks connection, worker reconnects.
func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		panic("code error QOS ExactlyOnce not implemented")
	}
	c.pubmu.Lock()
	defer c.pubmu.Unlock()

	cc, f, err := c.publishBegin(ctx, msg)
	if err != nil {
		return err
	}

	wait := c.opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < wait {
			wait = d
		}
	}
	deadline := time.Now().Add(wait)
	for {
		step := time.Until(deadline)
		if step > publishPollInterval {
			step = publishPollInterval
		}
		if step <= 0 {
			step = 1
		}
		switch err = f.Wait(step); err {
		case nil:
			return nil

		case future.ErrCanceled:
			if err, _ = f.Result().(error); err == nil {
				err = ErrClientClosing
			}
			return err

		case future.ErrTimeout:
			if !cc.alive.IsRunning() {
				// connection lost while waiting PUBACK
				err, _ = cc.err.Load()
				err = errors.Annotatef(err, "Publish topic=%s", msg.Topic)
				f.Cancel(err)
				return err
			}
			if time.Now().Before(deadline) {
				continue
			}
			err = errors.Timeoutf("Publish topic=%s ack", msg.Topic)
			f.Cancel(err)
			return c.disconnect(err)

		default:
			return fmt.Errorf("code error future.Wait()=%v", err)
		}
	}
}

// Returns, in this order:
// - ErrClientClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return context.Canceled

			case <-stopch:
				return ErrClientClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil: // success path
			return nil

		case context.Canceled:
			return context.Canceled

		case ErrClientClosing: // current connection is lost, just try again
		}
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			subpkt = &packet.Subscribe{
				ID:            c.nextID(),
				Subscriptions: c.opt.Subscriptions,
			}
		}
		c.current = newClientConn(c.opt, subpkt)
	}
	return c.current
}

// Safe to call from connection goroutines, does not wait.
func (c *Client) disconnect(err error) error {
	if cc := c.clientConn(false); cc != nil {
		_ = cc.die(err)
	}
	return err
}

func (c *Client) publishBegin(ctx context.Context, msg *packet.Message) (*clientConn, *future.Future, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, nil, err
	}
	cc := c.clientConn(false)
	if cc == nil {
		return nil, nil, client.ErrClientNotConnected
	}
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()

	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
	}

	// future before send, PUBACK may arrive before send returns
	fu := future.New()
	c.flowPublish.fu = fu
	c.flowPublish.id = publish.ID
	if err := cc.send(publish); err != nil {
		fu.Cancel(err)
		return nil, nil, errors.Annotate(err, "send PUBLISH")
	}
	if msg.QOS == packet.QOSAtMostOnce {
		fu.Complete(nil)
	}
	return cc, fu, nil
}

func (c *Client) nextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&c.lastID, 1)
		// zero packet id is reserved
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

func (c *Client) onPacket(conn *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(pt)
	case *packet.Puback:
		c.onPuback(pt.ID)
	default:
		c.opt.Log.Debugf("mqtt unknown packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = c.disconnect(errors.NotSupportedf("incoming PUBLISH qos=2"))
		return
	}
	if c.opt.OnMessage != nil {
		if err := c.opt.OnMessage(&publish.Message); err != nil {
			c.opt.Log.Errorf("mqtt onMessage %s err=%v", MessageString(&publish.Message), err)
			_ = c.disconnect(err)
			return
		}
	}

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err := c.send(puback); err != nil {
			_ = c.disconnect(err)
		}
	}
}

func (c *Client) onPuback(id packet.ID) {
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if c.flowPublish.fu == nil {
		c.opt.Log.Errorf("mqtt unexpected PUBACK id=%d", id)
		return
	}
	if c.flowPublish.id != id {
		// no concurrent publish flow, PUBACK for unexpected id is severe error
		_ = c.disconnect(errors.Errorf("PUBACK id=%d expected=%d", id, c.flowPublish.id))
		return
	}
	c.flowPublish.fu.Complete(id)
}

func (c *Client) send(pkt packet.Generic) error {
	if cc := c.clientConn(false); cc != nil {
		return cc.send(pkt)
	}
	return client.ErrClientNotConnected
}

// worker owns connection lifecycle: connect, report events, reconnect after delay.
func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cc.alive.StopChan():
			case <-stopch:
			}
			cancel()
		}()
		connected := cc.waitReady(ctx) == nil
		if connected && c.opt.OnConnect != nil {
			c.opt.OnConnect()
		}

		select {
		case <-cc.alive.WaitChan():
		case <-stopch:
			_ = cc.die(ErrClientClosing)
			cc.alive.Wait()
		}
		cancel()
		if connected && c.opt.OnDisconnect != nil {
			err, _ := cc.err.Load()
			c.opt.OnDisconnect(err)
		}
		if !c.alive.IsRunning() {
			return
		}

		c.opt.Log.Debugf("mqtt wait ReconnectDelay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):
		case <-stopch:
			return
		}
	}
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// Differences from upstream 256dpi/gomqtt/client.Client:
// - observe connected and subscribed events via futures
// - no mutex, state is set once at creation, except transport.Conn which requires blocking Dial
// - subscribe once right after connect
type clientConn struct {
	alive  *alive.Alive
	confu  *future.Future
	conn   atomic.Value // transport.Conn
	err    helpers.AtomicError
	opt    ClientOptions
	pingat *atomic_clock.Clock // timestamp of last outgoing control packet
	pongat *atomic_clock.Clock // timestamp of last incoming control packet
	subfu  *future.Future
	subpkt *packet.Subscribe
}

func newClientConn(opt ClientOptions, subpkt *packet.Subscribe) *clientConn {
	cc := &clientConn{
		alive:  alive.NewAlive(),
		confu:  future.New(),
		opt:    opt,
		pingat: atomic_clock.New(0),
		pongat: atomic_clock.New(0),
		subfu:  future.New(),
		subpkt: subpkt,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if err, found := cc.err.StoreOnce(e); found {
		return err
	}
	cc.opt.Log.Debugf("mqtt connection die err=%v", e)
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (cc *clientConn) isReady() bool {
	connected, _ := cc.confu.Result().(bool)
	subscribed, _ := cc.subfu.Result().(bool)
	return connected && subscribed
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if !cc.alive.IsRunning() {
		// died during dial, close was not possible then
		_ = conn.Close()
		return
	}
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			_ = cc.die(errors.Annotate(err, "connect: expect CONNACK"))
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		cc.opt.Log.Debugf("mqtt CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			err = errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
			_ = cc.die(err)
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if cc.subpkt == nil || suback.ID != cc.subpkt.ID {
		err := errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK.id=%d", suback.ID)
		_ = cc.die(err)
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.subfu.Complete(true)
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	// PINGREQ as late as possible, still leaving NetworkTimeout for response.
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat)
		sincePong := now.Sub(cc.pongat)

		if window > 0 && window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		} else if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
		}

		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			_ = cc.die(errors.Annotate(err, "server closed connection"))
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("mqtt received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			cc.onSuback(pt)

		default:
			cc.opt.onpacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.subpkt == nil {
		cc.subfu.Complete(true)
		return
	}

	if err := cc.send(cc.subpkt); err != nil {
		return
	}

	if cc.subfu.Wait(cc.opt.NetworkTimeout) == future.ErrTimeout {
		_ = cc.die(errors.Timeoutf("subscribe"))
	}
}

// Returns, in this order:
// - ErrClientClosing if clientConn is in final invalid state
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (cc *clientConn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}

	pollInterval := 100 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := time.Until(deadline); timeout > 0 && timeout < pollInterval {
			pollInterval = timeout
		} else if timeout <= 0 {
			pollInterval = 1
		}
	}

	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		_ = cc.confu.Wait(pollInterval)
		_ = cc.subfu.Wait(pollInterval)
		if cc.isReady() {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
