package broker_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/vcutele/internal/broker"
	"github.com/temoto/vcutele/log2"
	"github.com/temoto/vcutele/tele/mqtt"
)

type event struct {
	connected bool
	err       error
}

type testBroker struct {
	s    *mqtt.Server
	host string
	port int
	msgs chan packet.Message
}

func newTestBroker(t testing.TB) *testBroker { return newTestBrokerAt(t, "127.0.0.1:0") }

func newTestBrokerAt(t testing.TB, addr string) *testBroker {
	tb := &testBroker{msgs: make(chan packet.Message, 16)}
	tb.s = mqtt.NewServer(mqtt.ServerOptions{
		Log:    log2.NewTest(t, log2.LDebug),
		OnAuth: mqtt.AuthFromMap(map[string]string{"vcu": "secret"}),
		OnPublish: func(ctx context.Context, clientID string, msg *packet.Message) error {
			tb.msgs <- *msg.Copy()
			return nil
		},
	})
	lopts := []*mqtt.ListenOptions{{URL: "tcp://" + addr, NetworkTimeout: time.Second}}
	require.NoError(t, tb.s.Listen(context.Background(), lopts))
	host, port, err := net.SplitHostPort(tb.s.Addrs()[0])
	require.NoError(t, err)
	tb.host = host
	tb.port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return tb
}

func (tb *testBroker) expect(t testing.TB, topic string, payload []byte) {
	select {
	case m := <-tb.msgs:
		assert.Equal(t, topic, m.Topic)
		assert.Equal(t, payload, m.Payload)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting message topic=%s", topic)
	}
}

func expectEvent(t testing.TB, ch <-chan event, connected bool) event {
	select {
	case e := <-ch:
		require.Equal(t, connected, e.connected, "event err=%v", e.err)
		return e
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting event connected=%t", connected)
	}
	return event{}
}

func TestSession(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{broker.ClientGomqtt, broker.ClientPaho} {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()
			tb := newTestBroker(t)
			defer tb.s.Close()

			events := make(chan event, 8)
			s, err := broker.New(kind, broker.Options{
				Host:           tb.host,
				Port:           tb.port,
				Username:       "vcu",
				Password:       "secret",
				ClientID:       "vcu-" + kind,
				NetworkTimeout: 2 * time.Second,
				ReconnectDelay: 50 * time.Millisecond,
				QOS:            1,
				Handshake:      true,
				Log:            log2.NewTest(t, log2.LDebug),
				OnEvent:        func(c bool, err error) { events <- event{c, err} },
			})
			require.NoError(t, err)

			expectEvent(t, events, true)
			tb.expect(t, broker.HandshakeTopic, []byte(broker.HandshakePayload))
			assert.True(t, s.Connected())

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, s.Publish(ctx, "/sensors/vehicle_speed", []byte{0, 0, 0x2a, 0x42}))
			tb.expect(t, "/sensors/vehicle_speed", []byte{0, 0, 0x2a, 0x42})

			require.NoError(t, s.Close())
			e := expectEvent(t, events, false)
			assert.NoError(t, e.err)
			assert.False(t, s.Connected())
		})
	}
}

func TestPahoServerLost(t *testing.T) {
	t.Parallel()
	tb := newTestBroker(t)
	addr := tb.s.Addrs()[0]

	events := make(chan event, 8)
	s, err := broker.NewPaho(broker.Options{
		Host:           tb.host,
		Port:           tb.port,
		Username:       "vcu",
		Password:       "secret",
		ClientID:       "vcu-lost",
		NetworkTimeout: 2 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
		QOS:            1,
		Log:            log2.NewTest(t, log2.LDebug),
		OnEvent:        func(c bool, err error) { events <- event{c, err} },
	})
	require.NoError(t, err)
	defer s.Close()
	expectEvent(t, events, true)

	require.NoError(t, tb.s.Close())
	e := expectEvent(t, events, false)
	assert.Error(t, e.err)
	assert.False(t, s.Connected(), "reconnecting is not connected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	err = s.Publish(ctx, "/logic", []byte{1})
	require.Error(t, err)
	assert.True(t, broker.IsNotConnected(err), "err=%v", err)
	assert.Less(t, int64(time.Since(begin)), int64(time.Second), "publish must fail fast")

	tb2 := newTestBrokerAt(t, addr)
	defer tb2.s.Close()
	expectEvent(t, events, true)
	assert.True(t, s.Connected())
}

func TestSessionNotConnected(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{broker.ClientGomqtt, broker.ClientPaho} {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()
			s, err := broker.New(kind, broker.Options{
				Host:           "127.0.0.1",
				Port:           1,
				NetworkTimeout: 100 * time.Millisecond,
				Log:            log2.NewTest(t, log2.LDebug),
			})
			require.NoError(t, err)
			defer s.Close()

			err = s.Publish(context.Background(), "/logic", []byte{1})
			require.Error(t, err)
			assert.True(t, broker.IsNotConnected(err), "err=%v", err)
			assert.False(t, s.Connected())
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	_, err := broker.New("amqp", broker.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	_, err = broker.New(broker.ClientGomqtt, broker.Options{Host: "h", Port: 1883, TLS: true, TLSCAFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker tls ca")
}

func TestOptionsURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		opt    broker.Options
		expect string
	}{
		{broker.Options{Host: "broker.local", Port: 1883}, "tcp://broker.local:1883"},
		{broker.Options{Host: "broker.local", Port: 8883, TLS: true}, "ssl://broker.local:8883"},
		{broker.Options{Host: "::1", Port: 1883}, "tcp://[::1]:1883"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.expect, func(t *testing.T) {
			assert.Equal(t, c.expect, c.opt.URL())
		})
	}
}
