// Small MQTT broker for bench testing bridge without infrastructure.
package broker

import (
	"context"
	"flag"
	"fmt"

	"github.com/256dpi/gomqtt/packet"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/vcutele/cmd/vcutele/subcmd"
	"github.com/temoto/vcutele/internal/config"
	"github.com/temoto/vcutele/internal/dispatch"
	"github.com/temoto/vcutele/log2"
	"github.com/temoto/vcutele/tele/mqtt"
)

const modName = "broker"

var Mod = subcmd.Mod{Name: modName, Desc: "run test MQTT broker, credentials from broker_user/broker_password", Main: Main}

func Main(ctx context.Context, cfg *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	fs := flag.NewFlagSet(modName, flag.ContinueOnError)
	listen := fs.String("listen", fmt.Sprintf("tcp://0.0.0.0:%d", cfg.BrokerPort), "listen URL, tcp:// or tls://")
	verbose := fs.Bool("v", false, "log every received message")
	if err := fs.Parse(args); err != nil {
		return errors.Trace(err)
	}

	opt := mqtt.ServerOptions{
		Log: log.Clone(log2.LInfo),
		OnClose: func(clientID string, clean bool, e error) {
			log.Infof("broker client=%s disconnected clean=%t err=%v", clientID, clean, e)
		},
	}
	if cfg.BrokerUser != "" {
		opt.OnAuth = mqtt.AuthFromMap(map[string]string{cfg.BrokerUser: cfg.BrokerPassword})
	}
	if *verbose {
		opt.OnPublish = func(ctx context.Context, clientID string, msg *packet.Message) error {
			log.Infof("broker client=%s %s", clientID, dispatch.Describe(cfg.TopicPrefix, msg.Topic, msg.Payload))
			return nil
		}
	}
	s := mqtt.NewServer(opt)
	lopts := []*mqtt.ListenOptions{{
		URL:            *listen,
		NetworkTimeout: cfg.BrokerNetworkTimeout(),
		AckTimeout:     cfg.PublishTimeout(),
	}}
	if err := s.Listen(ctx, lopts); err != nil {
		return errors.Annotate(err, "broker")
	}
	log.Infof("broker listening addrs=%v", s.Addrs())
	subcmd.SdNotify(daemon.SdNotifyReady)
	<-ctx.Done()
	return errors.Annotate(s.Close(), "broker close")
}
