// Package broker is the bridge side of MQTT broker session:
// connect with credentials, report connection events, publish telemetry.
// Two interchangeable clients are supported: gomqtt based tele/mqtt and paho.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/vcutele/log2"
)

const (
	ClientGomqtt = "gomqtt"
	ClientPaho   = "paho"
)

const (
	HandshakeTopic   = "/siema"
	HandshakePayload = "Siema"
)

const (
	DefaultKeepalive      = 30 * time.Second
	DefaultNetworkTimeout = 10 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

var ErrNotConnected = errors.New("broker session is not connected")

func IsNotConnected(e error) bool { return errors.Cause(e) == ErrNotConnected }

// EventFunc is called on every connect and disconnect, never concurrently.
// err is nil on connect and for clean disconnect.
type EventFunc func(connected bool, err error)

type Session interface {
	// Publish returns ErrNotConnected immediately when offline.
	Publish(ctx context.Context, topic string, payload []byte) error
	Connected() bool
	Close() error
}

type Options struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	TLS            bool
	TLSCAFile      string
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	ReconnectDelay time.Duration
	QOS            byte
	// Publish HandshakePayload to HandshakeTopic after each connect.
	Handshake bool
	Log       *log2.Log
	OnEvent   EventFunc
}

func (o *Options) setDefaults() {
	if o.Keepalive == 0 {
		o.Keepalive = DefaultKeepalive
	}
	if o.NetworkTimeout == 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ClientID == "" {
		o.ClientID = defaultClientID()
	}
}

// URL in paho notation, gomqtt spells TLS scheme as mqtts.
func (o *Options) URL() string { return o.url("ssl") }

func (o *Options) url(tlsScheme string) string {
	scheme := "tcp"
	if o.TLS {
		scheme = tlsScheme
	}
	return (&url.URL{Scheme: scheme, Host: net.JoinHostPort(o.Host, strconv.Itoa(o.Port))}).String()
}

func (o *Options) tlsConfig() (*tls.Config, error) {
	if !o.TLS {
		return nil, nil
	}
	tc := &tls.Config{ServerName: o.Host}
	if o.TLSCAFile != "" {
		pem, err := ioutil.ReadFile(o.TLSCAFile)
		if err != nil {
			return nil, errors.Annotate(err, "broker tls ca")
		}
		tc.RootCAs = x509.NewCertPool()
		if !tc.RootCAs.AppendCertsFromPEM(pem) {
			return nil, errors.NotValidf("broker tls ca file=%s", o.TLSCAFile)
		}
	}
	return tc, nil
}

// New connects in background, connection state is reported via opt.OnEvent.
func New(kind string, opt Options) (Session, error) {
	switch kind {
	case "", ClientGomqtt:
		return NewGomqtt(opt)
	case ClientPaho:
		return NewPaho(opt)
	}
	return nil, errors.NotSupportedf("broker client=%s", kind)
}

func defaultClientID() string {
	return fmt.Sprintf("vcutele-%d", time.Now().Unix()%100000)
}
