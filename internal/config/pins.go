package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Pins of the UART on VCU side firmware build, host serial ports have them fixed.
type Pins struct {
	TX int
	RX int
}

func (p Pins) IsZero() bool { return p == Pins{} }

func (p Pins) String() string {
	if p.IsZero() {
		return "default"
	}
	return fmt.Sprintf("tx=%d,rx=%d", p.TX, p.RX)
}

// ParsePins accepts "tx=17,rx=16" in any order, both keys required.
func ParsePins(s string) (Pins, error) {
	var p Pins
	s = strings.TrimSpace(s)
	if s == "" {
		return p, nil
	}
	seen := 0
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return Pins{}, errors.NotValidf("serial_pins=%s part=%s", s, part)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 8)
		if err != nil {
			return Pins{}, errors.NotValidf("serial_pins=%s part=%s", s, part)
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "tx":
			p.TX = int(n)
			seen |= 1
		case "rx":
			p.RX = int(n)
			seen |= 2
		default:
			return Pins{}, errors.NotValidf("serial_pins=%s key=%s", s, kv[0])
		}
	}
	if seen != 3 {
		return Pins{}, errors.NotValidf("serial_pins=%s requires tx and rx", s)
	}
	if p.TX == p.RX {
		return Pins{}, errors.NotValidf("serial_pins=%s tx equals rx", s)
	}
	return p, nil
}
