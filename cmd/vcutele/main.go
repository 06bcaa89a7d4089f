package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	cmd_bridge "github.com/temoto/vcutele/cmd/vcutele/bridge"
	cmd_broker "github.com/temoto/vcutele/cmd/vcutele/broker"
	cmd_decode "github.com/temoto/vcutele/cmd/vcutele/decode"
	cmd_monitor "github.com/temoto/vcutele/cmd/vcutele/monitor"
	cmd_simulate "github.com/temoto/vcutele/cmd/vcutele/simulate"
	"github.com/temoto/vcutele/cmd/vcutele/subcmd"
	"github.com/temoto/vcutele/internal/config"
	"github.com/temoto/vcutele/log2"
)

var modules = []subcmd.Mod{
	cmd_bridge.Mod,
	cmd_decode.Mod,
	cmd_monitor.Mod,
	cmd_broker.Mod,
	cmd_simulate.Mod,
}

func main() {
	flagConfig := flag.String("config", "vcutele.hcl", "")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] [command [args]]\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprint(flag.CommandLine.Output(), subcmd.Usage(modules))
	}
	flag.Parse()

	log := log2.NewStderr(log2.LDebug)
	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	command := "bridge"
	var args []string
	if flag.NArg() > 0 {
		command, args = flag.Arg(0), flag.Args()[1:]
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	cfg := config.Default()
	if !mod.NoConfig {
		cfg = config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	}
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		s := <-sigch
		log.Infof("signal=%v stopping", s)
		subcmd.SdNotify(daemon.SdNotifyStopping)
		cancel()
	}()

	log.Debugf("vcutele command=%s", mod.Name)
	if err := mod.Main(ctx, cfg, args); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	cancel()
}
