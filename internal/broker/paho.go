package broker

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vcutele/helpers"
)

var pahoLogOnce sync.Once

// PahoSession uses Eclipse paho client with auto reconnect.
// Initial connect is retried with backoff until Close.
type PahoSession struct {
	alive *alive.Alive
	c     paho.Client
	opt   Options
	evmu  sync.Mutex
	last  bool // last reported state, guarded by evmu
}

func NewPaho(opt Options) (*PahoSession, error) {
	opt.setDefaults()
	tc, err := opt.tlsConfig()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if opt.Log != nil {
		pahoLogOnce.Do(func() {
			paho.ERROR = opt.Log
			paho.CRITICAL = opt.Log
			paho.WARN = opt.Log
		})
	}

	self := &PahoSession{alive: alive.NewAlive(), opt: opt}
	popt := paho.NewClientOptions().
		AddBroker(opt.URL()).
		SetClientID(opt.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(opt.ReconnectDelay * 10).
		SetKeepAlive(opt.Keepalive).
		SetPingTimeout(opt.NetworkTimeout).
		SetConnectTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(self.onConnect).
		SetConnectionLostHandler(self.onConnectionLost)
	if opt.Username != "" {
		popt.SetUsername(opt.Username).SetPassword(opt.Password)
	}
	if tc != nil {
		popt.SetTLSConfig(tc)
	}
	self.c = paho.NewClient(popt)

	self.alive.Add(1)
	go self.connectLoop()
	return self, nil
}

// Connected is false while paho is reconnecting.
func (self *PahoSession) Connected() bool { return self.c.IsConnectionOpen() }

func (self *PahoSession) Close() error {
	self.alive.Stop()
	self.alive.Wait()
	if self.c.IsConnected() {
		self.c.Disconnect(uint(self.opt.NetworkTimeout / time.Millisecond))
	}
	self.event(nil)
	return nil
}

func (self *PahoSession) Publish(ctx context.Context, topic string, payload []byte) error {
	if !self.c.IsConnectionOpen() {
		return errors.Annotatef(ErrNotConnected, "topic=%s", topic)
	}
	timeout := self.opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	token := self.c.Publish(topic, self.opt.QOS, false, payload)
	if !token.WaitTimeout(timeout) {
		return errors.Timeoutf("broker paho publish topic=%s", topic)
	}
	return errors.Annotatef(token.Error(), "broker paho publish topic=%s", topic)
}

// paho v1.2 does not retry first connect, auto reconnect works only after success
func (self *PahoSession) connectLoop() {
	defer self.alive.Done()
	backoff := helpers.Backoff{Min: self.opt.ReconnectDelay / 10, Max: self.opt.ReconnectDelay * 10, K: 2}
	stopch := self.alive.StopChan()
	for {
		select {
		case <-time.After(backoff.DelayBefore()):
		case <-stopch:
			return
		}
		token := self.c.Connect()
		if !token.WaitTimeout(self.opt.NetworkTimeout * 2) {
			backoff.Failure()
			self.opt.Log.Errorf("broker paho connect url=%s timeout", self.opt.URL())
			continue
		}
		if err := token.Error(); err != nil {
			backoff.Failure()
			self.opt.Log.Errorf("broker paho connect url=%s err=%v next=%v", self.opt.URL(), err, backoff.Next())
			continue
		}
		return
	}
}

func (self *PahoSession) onConnect(c paho.Client) {
	self.opt.Log.Infof("broker connected url=%s client=%s", self.opt.URL(), self.opt.ClientID)
	if self.opt.Handshake {
		// handler runs in paho goroutine, waiting for ack here would block it
		token := c.Publish(HandshakeTopic, 1, false, []byte(HandshakePayload))
		go func() {
			if token.WaitTimeout(self.opt.NetworkTimeout) && token.Error() != nil {
				self.opt.Log.Errorf("broker handshake err=%v", token.Error())
			}
		}()
	}
	self.event(nil)
}

func (self *PahoSession) onConnectionLost(c paho.Client, err error) {
	self.opt.Log.Infof("broker disconnected err=%v", err)
	self.event(err)
}

// paho runs connect and lost handlers in separate goroutines, their order is not
// guaranteed. Report current connection state, only on change.
func (self *PahoSession) event(err error) {
	self.evmu.Lock()
	defer self.evmu.Unlock()
	connected := self.c.IsConnectionOpen()
	if connected == self.last {
		return
	}
	self.last = connected
	if connected {
		err = nil
	}
	if self.opt.OnEvent != nil {
		self.opt.OnEvent(connected, err)
	}
}
