package broker

import (
	"context"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/vcutele/tele/mqtt"
)

// GomqttSession uses tele/mqtt client.
type GomqttSession struct {
	c   *mqtt.Client
	opt Options
}

func NewGomqtt(opt Options) (*GomqttSession, error) {
	opt.setDefaults()
	tc, err := opt.tlsConfig()
	if err != nil {
		return nil, errors.Trace(err)
	}
	self := &GomqttSession{opt: opt}
	copt := mqtt.ClientOptions{
		BrokerURL:      opt.url("mqtts"),
		TLS:            tc,
		ClientID:       opt.ClientID,
		Username:       opt.Username,
		Password:       opt.Password,
		KeepaliveSec:   uint16(opt.Keepalive.Seconds()),
		NetworkTimeout: opt.NetworkTimeout,
		ReconnectDelay: opt.ReconnectDelay,
		Log:            opt.Log,
		OnConnect:      self.onConnect,
		OnDisconnect:   self.onDisconnect,
	}
	if self.c, err = mqtt.NewClient(copt); err != nil {
		return nil, errors.Annotate(err, "broker gomqtt")
	}
	return self, nil
}

func (self *GomqttSession) Connected() bool { return self.c.IsConnected() }

func (self *GomqttSession) Close() error {
	return errors.Annotate(self.c.Close(), "broker gomqtt close")
}

func (self *GomqttSession) Publish(ctx context.Context, topic string, payload []byte) error {
	if !self.c.IsConnected() {
		return errors.Annotatef(ErrNotConnected, "topic=%s", topic)
	}
	return self.c.Publish(ctx, &packet.Message{
		Topic:   topic,
		Payload: payload,
		QOS:     packet.QOS(self.opt.QOS),
	})
}

func (self *GomqttSession) onConnect() {
	self.opt.Log.Infof("broker connected url=%s client=%s", self.opt.url("mqtts"), self.opt.ClientID)
	if self.opt.Handshake {
		ctx, cancel := context.WithTimeout(context.Background(), self.opt.NetworkTimeout)
		err := self.Publish(ctx, HandshakeTopic, []byte(HandshakePayload))
		cancel()
		if err != nil {
			self.opt.Log.Errorf("broker handshake err=%v", err)
		}
	}
	if self.opt.OnEvent != nil {
		self.opt.OnEvent(true, nil)
	}
}

func (self *GomqttSession) onDisconnect(err error) {
	if err == mqtt.ErrClientClosing {
		err = nil
	}
	self.opt.Log.Infof("broker disconnected err=%v", err)
	if self.opt.OnEvent != nil {
		self.opt.OnEvent(false, err)
	}
}
