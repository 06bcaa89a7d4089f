// Write synthetic telemetry frames to serial device, stands in for VCU on bench.
package simulate

import (
	"context"
	"flag"
	"math"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/vcutele/cmd/vcutele/subcmd"
	"github.com/temoto/vcutele/frame"
	"github.com/temoto/vcutele/hardware/uart"
	"github.com/temoto/vcutele/helpers"
	"github.com/temoto/vcutele/internal/config"
	"github.com/temoto/vcutele/log2"
)

const modName = "simulate"

var Mod = subcmd.Mod{Name: modName, Desc: "write synthetic frames to serial device", Main: Main}

func Main(ctx context.Context, cfg *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	fs := flag.NewFlagSet(modName, flag.ContinueOnError)
	device := fs.String("device", cfg.SerialDevice, "serial device, empty to list available")
	interval := fs.Duration("interval", 100*time.Millisecond, "frame interval")
	noise := fs.Bool("noise", false, "inject garbage and corrupt frames")
	if err := fs.Parse(args); err != nil {
		return errors.Trace(err)
	}
	if *interval <= 0 {
		return errors.NotValidf("interval=%v", *interval)
	}
	if *device == "" {
		ports, err := uart.List()
		if err != nil {
			return errors.Trace(err)
		}
		for _, p := range ports {
			log.Infof("simulate available device=%s", p)
		}
		return errors.NotValidf("empty device, found %d", len(ports))
	}

	port, err := uart.Open(uart.Options{Device: *device, Baud: cfg.SerialBaud, ReadTimeout: cfg.SerialReadTimeout()})
	if err != nil {
		return errors.Trace(err)
	}
	defer port.Close()
	log.Infof("simulate device=%s interval=%v", *device, *interval)

	t := time.NewTicker(*interval)
	defer t.Stop()
	for i := 0; ; i++ {
		b := frame.Encode(Synth(i))
		if *noise && i%10 == 9 {
			b[len(b)-1] ^= 0xff
			b = append([]byte{0x00, frame.Sync0}, b...)
		}
		if err := helpers.WriteAll(port, b); err != nil {
			return errors.Annotate(err, "simulate")
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			log.Infof("simulate stopped frames=%d", i+1)
			return nil
		}
	}
}

// Synth returns plausible frame for step i, values cycle slowly.
func Synth(i int) frame.Frame {
	phase := float64(i) / 50
	wave := float32(math.Sin(phase))
	speed := 25 + 20*wave
	var logic frame.Logic
	logic = logic.Set(frame.LogicSpeedButton, i%40 < 20)
	logic = logic.Set(frame.LogicRelayClosed, true)
	logic = logic.WithHydrogenCellButton(uint8(i/100) % 3)
	return frame.Frame{
		FuelCellVoltage:       48 + 2*wave,
		FuelCellCurrent:       12 + 4*wave,
		SuperCapacitorCurrent: 3 * wave,
		SuperCapacitorVoltage: 45 + wave,
		VehicleSpeed:          speed,
		FanRPM:                2000 + 1000*wave,
		FuelCellTemperature:   55 + 5*wave,
		HydrogenPressure:      200 - float32(i%1000)/10,
		MotorCurrent:          speed / 2,
		Logic:                 logic,
	}
}
