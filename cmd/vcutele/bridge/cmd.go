// Bridge serial telemetry frames to MQTT broker, default command.
package bridge

import (
	"context"
	"io"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/vcutele/cmd/vcutele/subcmd"
	"github.com/temoto/vcutele/hardware/uart"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/internal/bridge"
	"github.com/temoto/vcutele/internal/broker"
	"github.com/temoto/vcutele/internal/config"
	"github.com/temoto/vcutele/internal/dispatch"
	"github.com/temoto/vcutele/internal/link"
	"github.com/temoto/vcutele/internal/metrics"
	"github.com/temoto/vcutele/internal/snapshot"
	"github.com/temoto/vcutele/log2"
)

const modName = "bridge"

var Mod = subcmd.Mod{Name: modName, Desc: "read VCU frames from serial, publish to broker", Main: Main}

func Main(ctx context.Context, cfg *config.Config, _ []string) error {
	log := log2.ContextValueLogger(ctx)
	m := metrics.New()
	log.SetErrorFunc(m.LoggedError)

	pins, err := cfg.Pins()
	if err != nil {
		return errors.Trace(err)
	}
	log.Infof("vcutele bridge serial=%s baud=%d pins=%s broker=%s:%d ssid=%s",
		cfg.SerialDevice, cfg.SerialBaud, pins.String(), cfg.BrokerHost, cfg.BrokerPort, cfg.SSID)

	store := snapshot.NewStore()
	m.RegisterAge(store.Age)
	if cfg.MetricsListen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsListen); err != nil {
				log.Fatal(errors.ErrorStack(err))
			}
		}()
	}

	gate := &link.Signal{Log: log, Metrics: m}
	watcher := &link.Watcher{Interface: cfg.LinkInterface, Interval: cfg.LinkPoll(), Signal: gate, Log: log}
	go watcher.Run(ctx)

	brokerLog := log.Clone(log2.LInfo)
	if cfg.BrokerLogDebug {
		brokerLog.SetLevel(log2.LDebug)
	}
	session, err := broker.New(cfg.BrokerClient, broker.Options{
		Host:           cfg.BrokerHost,
		Port:           cfg.BrokerPort,
		Username:       cfg.BrokerUser,
		Password:       cfg.BrokerPassword,
		ClientID:       cfg.BrokerClientID,
		TLS:            cfg.BrokerTLS,
		TLSCAFile:      cfg.BrokerTLSCAFile,
		Keepalive:      cfg.BrokerKeepalive(),
		NetworkTimeout: cfg.BrokerNetworkTimeout(),
		QOS:            byte(cfg.PublishQOS),
		Handshake:      cfg.Handshake,
		Log:            brokerLog,
		OnEvent:        func(connected bool, _ error) { gate.SetBroker(connected) },
	})
	if err != nil {
		return errors.Annotate(err, "broker")
	}
	defer session.Close()

	b := bridge.New(bridge.Options{
		Log:     log,
		Metrics: m,
		Store:   store,
		Gate:    gate,
		Dispatcher: &dispatch.Dispatcher{
			Log:     log,
			Metrics: m,
			Pub:     session,
			Timeout: cfg.PublishTimeout(),
		},
		Job: dispatch.JobOptions{Prefix: cfg.TopicPrefix, WithErrors: cfg.PublishErrorCodes},
		OnReport: func(r dispatch.Report) {
			if r.Failed != 0 {
				log.Infof("dispatch %s", r.String())
			}
		},
	})

	open := func() (io.ReadCloser, error) {
		port, err := uart.Open(uart.Options{
			Device:      cfg.SerialDevice,
			Baud:        cfg.SerialBaud,
			ReadTimeout: cfg.SerialReadTimeout(),
		})
		if err != nil {
			return nil, err
		}
		// stale bytes from before open are likely partial frames
		if err := port.ResetRead(); err != nil {
			log.Errorf("serial reset err=%v", err)
		}
		return port, nil
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	b.RunReopen(ctx, open, &helpers.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, K: 2})

	log.Infof("vcutele bridge stopped %s snapshot=%s", b.Stats().String(), store.Read().String())
	return nil
}
