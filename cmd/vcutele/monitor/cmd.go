// Subscribe to telemetry topics and print decoded values.
package monitor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/vcutele/cmd/vcutele/subcmd"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/internal/config"
	"github.com/temoto/vcutele/internal/dispatch"
	"github.com/temoto/vcutele/log2"
	"github.com/temoto/vcutele/tele/mqtt"
)

const modName = "monitor"

var Mod = subcmd.Mod{Name: modName, Desc: "subscribe and print telemetry from broker", Main: Main}

func Main(ctx context.Context, cfg *config.Config, _ []string) error {
	log := log2.ContextValueLogger(ctx)
	topics := dispatch.Topics(cfg.TopicPrefix, true)
	subs := make([]packet.Subscription, 0, len(topics)+1)
	for _, t := range topics {
		subs = append(subs, packet.Subscription{Topic: t, QOS: packet.QOSAtMostOnce})
	}
	subs = append(subs, packet.Subscription{Topic: "/siema", QOS: packet.QOSAtMostOnce})

	scheme := "tcp"
	if cfg.BrokerTLS {
		scheme = "mqtts"
	}
	c, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      (&url.URL{Scheme: scheme, Host: net.JoinHostPort(cfg.BrokerHost, strconv.Itoa(cfg.BrokerPort))}).String(),
		ClientID:       fmt.Sprintf("vcutele-monitor-%d", helpers.RandUnix().Int31()),
		Username:       cfg.BrokerUser,
		Password:       cfg.BrokerPassword,
		KeepaliveSec:   uint16(cfg.BrokerKeepaliveSec),
		NetworkTimeout: cfg.BrokerNetworkTimeout(),
		Subscriptions:  subs,
		Log:            log.Clone(log2.LInfo),
		OnConnect:      func() { log.Infof("monitor subscribed topics=%d", len(subs)) },
		OnDisconnect:   func(err error) { log.Infof("monitor disconnected err=%v", err) },
		OnMessage: func(msg *packet.Message) error {
			log.Info(dispatch.Describe(cfg.TopicPrefix, msg.Topic, msg.Payload))
			return nil
		},
	})
	if err != nil {
		return errors.Annotate(err, "monitor")
	}
	<-ctx.Done()
	return errors.Annotate(c.Close(), "monitor close")
}
