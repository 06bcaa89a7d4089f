package mqtt_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/log2"
	"github.com/temoto/vcutele/tele/mqtt"
)

const testDefaultTimeout = 1000 * time.Millisecond

type tenv struct {
	t    testing.TB
	ctx  context.Context
	log  *log2.Log
	s    *mqtt.Server
	addr string
	rand *rand.Rand
}

func newTestEnv(t testing.TB) *tenv {
	env := &tenv{
		t:    t,
		ctx:  context.Background(),
		log:  log2.NewTest(t, log2.LDebug),
		rand: helpers.RandUnix(),
	}
	if os.Getenv("vcutele_test_log_stderr") == "1" {
		env.log = log2.NewStderr(log2.LDebug) // useful with panics
	}
	return env
}

func TestServer(t *testing.T) {
	cases := []struct {
		name  string
		check func(*tenv)
	}{
		{"invalid-credentials", func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.CleanSession = true
			pktConnect.ClientID = "cli"
			pktConnect.Username = "unknown"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.False(env.t, pktConnack.SessionPresent)
			assert.Equal(env.t, packet.NotAuthorized, pktConnack.ReturnCode)
		}},
		{"empty-clientid", func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.CleanSession = true
			pktConnect.Username = "testuser"
			pktConnect.Password = "testsecret"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.IdentifierRejected, pktConnack.ReturnCode)
		}},
		{"accepted-clean", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
		}},
		{"ping", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			require.NoError(env.t, conn.Send(packet.NewPingreq(), false))
			_, ok := connReceive(env, conn).(*packet.Pingresp)
			assert.True(env.t, ok)
		}},
		{"sub-qos0", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})
			msgout := packet.Message{Topic: "/sensors/fan_rpm", QOS: packet.QOSAtMostOnce, Payload: []byte{0, 0, 0x40, 0x45}}
			connPublish(env, conn, msgout)
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
		}},
		{"sub-qos1-pub-qos1", func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "/sensors/+", QOS: packet.QOSAtLeastOnce}})

			pub := connDial(env)
			connConnect(env, pub, "", nil)
			msgout := packet.Message{Topic: "/sensors/vehicle_speed", QOS: packet.QOSAtLeastOnce, Payload: []byte{0, 0, 0x2a, 0x42}}
			done := make(chan struct{})
			go func() {
				defer close(done)
				connPublish(env, pub, msgout)
			}()
			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
			require.Equal(env.t, packet.QOSAtLeastOnce, pktPublish.Message.QOS)
			connPuback(env, sub, pktPublish.ID)
			<-done
		}},
		{"sub-qos0-downgrade", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "/logic", QOS: packet.QOSAtMostOnce}})
			n, err := env.s.Publish(env.ctx, &packet.Message{Topic: "/logic", QOS: packet.QOSAtLeastOnce, Payload: []byte{5}})
			require.NoError(env.t, err)
			assert.Equal(env.t, 1, n)
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, packet.QOSAtMostOnce, pktPublish.Message.QOS)
		}},
		{"retain", func(env *tenv) {
			n, err := env.s.Publish(env.ctx, &packet.Message{Topic: "/siema", Payload: []byte("Siema"), Retain: true})
			require.NoError(env.t, err)
			assert.Equal(env.t, 0, n)
			require.Len(env.t, env.s.Retain(), 1)

			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, "/siema", pktPublish.Message.Topic)
			assert.Equal(env.t, []byte("Siema"), pktPublish.Message.Payload)
		}},
		{"will", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})

			connTrigger := connDial(env)
			will := &packet.Message{Topic: "/status", Payload: []byte("offline")}
			connConnect(env, connTrigger, "", will)
			require.NoError(env.t, connTrigger.Close())

			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, will.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, will.Payload, pktPublish.Message.Payload)
		}},
		{"disconnect-clean", func(env *tenv) {
			connTrigger := connDial(env)
			will := &packet.Message{Topic: "/status", Payload: []byte("offline"), Retain: true}
			connConnect(env, connTrigger, "", will)
			require.NoError(env.t, connTrigger.Send(packet.NewDisconnect(), false))
			require.NoError(env.t, connTrigger.Close())
			time.Sleep(testDefaultTimeout / 10)
			require.Len(env.t, env.s.Retain(), 0)
		}},
		{"overtake", func(env *tenv) {
			c1 := connDial(env)
			connConnect(env, c1, "same", nil)
			c2 := connDial(env)
			connConnect(env, c2, "same", nil)
			_, err := c1.Receive()
			assert.Error(env.t, err, "first connection must be closed")
			assert.Equal(env.t, []string{"same"}, env.s.Clients())
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			testServerSetup(env)
			defer func() {
				assert.NoError(t, env.s.Close())
			}()
			c.check(env)
		})
	}
}

func TestServerCloseListen(t *testing.T) {
	t.Parallel()

	s := mqtt.NewServer(mqtt.ServerOptions{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, s.Close())
	lopts := []*mqtt.ListenOptions{{URL: "tcp://127.0.0.1:0"}}
	err := s.Listen(context.Background(), lopts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Listen after Close")
}

func TestServerListenInvalid(t *testing.T) {
	t.Parallel()

	s := mqtt.NewServer(mqtt.ServerOptions{Log: log2.NewTest(t, log2.LDebug)})
	defer s.Close()
	err := s.Listen(context.Background(), []*mqtt.ListenOptions{{URL: "ws://127.0.0.1:0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func testServerSetup(env *tenv) {
	sopt := mqtt.ServerOptions{
		Log:    env.log,
		OnAuth: mqtt.AuthFromMap(map[string]string{"testuser": "testsecret"}),
	}
	lopts := []*mqtt.ListenOptions{{
		URL:            "tcp://127.0.0.1:0",
		NetworkTimeout: testDefaultTimeout,
	}}
	env.s = mqtt.NewServer(sopt)
	require.NoError(env.t, env.s.Listen(env.ctx, lopts))
	addrs := env.s.Addrs()
	require.Len(env.t, addrs, 1)
	env.addr = addrs[0]
}

func connDial(env *tenv) transport.Conn {
	addr := "tcp://" + env.addr
	c, err := transport.Dial(addr)
	require.NoError(env.t, err)
	c.SetReadTimeout(testDefaultTimeout)
	return c
}

func connConnect(env *tenv, c transport.Conn, id string, will *packet.Message) {
	if id == "" {
		id = fmt.Sprintf("cli%d", env.rand.Int31())
	}
	pktConnect := packet.NewConnect()
	pktConnect.CleanSession = true
	pktConnect.ClientID = id
	pktConnect.Username = "testuser"
	pktConnect.Password = "testsecret"
	pktConnect.Will = will
	require.NoError(env.t, c.Send(pktConnect, false))
	pktConnack := connReceive(env, c).(*packet.Connack)
	assert.False(env.t, pktConnack.SessionPresent)
	assert.Equal(env.t, packet.ConnectionAccepted, pktConnack.ReturnCode)
}

func connPublish(env *tenv, c transport.Conn, msg packet.Message) {
	pktPublish := packet.NewPublish()
	pktPublish.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktPublish.Message = msg
	require.NoError(env.t, c.Send(pktPublish, false))
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		return

	case packet.QOSAtLeastOnce:
		pktPuback := connReceive(env, c).(*packet.Puback)
		assert.Equal(env.t, pktPublish.ID, pktPuback.ID)

	default:
		panic("code error qos=2 not supported")
	}
}

func connReceive(env *tenv, c transport.Conn) packet.Generic {
	pkt, err := c.Receive()
	env.log.Debugf("testClient recv pkt=%s err=%v", mqtt.PacketString(pkt), err)
	require.NoError(env.t, err)
	return pkt
}

func connSubscribe(env *tenv, c transport.Conn, subs []packet.Subscription) {
	pktSubscribe := packet.NewSubscribe()
	pktSubscribe.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktSubscribe.Subscriptions = subs
	require.NoError(env.t, c.Send(pktSubscribe, false))
	pktSuback := connReceive(env, c).(*packet.Suback)
	expect := make([]packet.QOS, 0, len(subs))
	for _, sub := range subs {
		expect = append(expect, sub.QOS)
	}
	assert.Equal(env.t, expect, pktSuback.ReturnCodes)
}

func connPuback(env *tenv, c transport.Conn, id packet.ID) {
	pkt := packet.NewPuback()
	pkt.ID = id
	require.NoError(env.t, c.Send(pkt, false))
}
