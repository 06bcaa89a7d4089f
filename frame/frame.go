// Package frame implements VCU telemetry frames: the 40 byte payload model,
// bit accessors for logic flags and the sealed wire envelope codec.
//
// Envelope:
//
//	A5 5A | len=40 | payload[40] | crc8(len+payload)
//
// Payload is firmware struct order, little-endian float32:
// fuel cell voltage, fuel cell current, super capacitor current, super capacitor voltage,
// vehicle speed, fan rpm, fuel cell temperature, hydrogen pressure, motor current,
// then error byte, logic byte and 2 reserved padding bytes.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/juju/errors"
)

const (
	PayloadSize  = 40
	EnvelopeSize = envelopeOverhead + PayloadSize

	floatCount       = 9
	envelopeOverhead = 4 // sync pair, length, crc
	offsetErrors     = floatCount * 4
	offsetLogic      = offsetErrors + 1
)

// Sync pair which starts every envelope.
const (
	Sync0 byte = 0xa5
	Sync1 byte = 0x5a
)

// Payload floats are little-endian regardless of host.
var ByteOrder = binary.LittleEndian

type Frame struct {
	FuelCellVoltage       float32
	FuelCellCurrent       float32
	SuperCapacitorCurrent float32
	SuperCapacitorVoltage float32
	VehicleSpeed          float32
	FanRPM                float32
	FuelCellTemperature   float32
	HydrogenPressure      float32
	MotorCurrent          float32
	Errors                ErrorCodes
	Logic                 Logic
}

func (f *Frame) floats() [floatCount]*float32 {
	return [floatCount]*float32{
		&f.FuelCellVoltage,
		&f.FuelCellCurrent,
		&f.SuperCapacitorCurrent,
		&f.SuperCapacitorVoltage,
		&f.VehicleSpeed,
		&f.FanRPM,
		&f.FuelCellTemperature,
		&f.HydrogenPressure,
		&f.MotorCurrent,
	}
}

func (f Frame) MarshalPayload() []byte {
	b := make([]byte, PayloadSize)
	for i, p := range f.floats() {
		ByteOrder.PutUint32(b[i*4:], math.Float32bits(*p))
	}
	b[offsetErrors] = byte(f.Errors)
	b[offsetLogic] = byte(f.Logic)
	return b
}

// Overwrites frame state. Reserved bytes are ignored.
func (f *Frame) UnmarshalPayload(b []byte) error {
	if len(b) != PayloadSize {
		return errors.NotValidf("payload=%x length=%d expected=%d", b, len(b), PayloadSize)
	}
	*f = Frame{}
	for i, p := range f.floats() {
		*p = math.Float32frombits(ByteOrder.Uint32(b[i*4:]))
	}
	f.Errors = ErrorCodes(b[offsetErrors])
	f.Logic = Logic(b[offsetLogic])
	return nil
}

func (f Frame) String() string {
	return fmt.Sprintf("fc_voltage=%g fc_current=%g sc_current=%g sc_voltage=%g speed=%g fan_rpm=%g fc_temp=%g h2_pressure=%g motor_current=%g errors=%02x logic=%s",
		f.FuelCellVoltage, f.FuelCellCurrent, f.SuperCapacitorCurrent, f.SuperCapacitorVoltage,
		f.VehicleSpeed, f.FanRPM, f.FuelCellTemperature, f.HydrogenPressure, f.MotorCurrent,
		byte(f.Errors), f.Logic.String())
}

// Coded error flags, opaque to the bridge.
type ErrorCodes uint8

// Bit-packed discrete logic state, bit 0 first.
type Logic uint8

const (
	LogicSpeedButton Logic = 1 << iota
	LogicHalfSpeedButton
	LogicEmergency
	logicHydrogenCellLow
	logicHydrogenCellHigh
	LogicSuperCapacitorButton
	LogicRelayClosed
	LogicHydrogenLeak

	logicHydrogenCellShift      = 3
	LogicHydrogenCellMask Logic = logicHydrogenCellLow | logicHydrogenCellHigh
)

func (l Logic) Has(flag Logic) bool          { return l&flag == flag }
func (l Logic) SpeedButton() bool            { return l.Has(LogicSpeedButton) }
func (l Logic) HalfSpeedButton() bool        { return l.Has(LogicHalfSpeedButton) }
func (l Logic) Emergency() bool              { return l.Has(LogicEmergency) }
func (l Logic) SuperCapacitorButton() bool   { return l.Has(LogicSuperCapacitorButton) }
func (l Logic) RelayClosed() bool            { return l.Has(LogicRelayClosed) }
func (l Logic) HydrogenLeak() bool           { return l.Has(LogicHydrogenLeak) }
func (l Logic) HydrogenCellButton() uint8    { return uint8(l&LogicHydrogenCellMask) >> logicHydrogenCellShift }
func (l Logic) Set(flag Logic, on bool) Logic {
	if on {
		return l | flag
	}
	return l &^ flag
}

// Only low 2 bits of state are used.
func (l Logic) WithHydrogenCellButton(state uint8) Logic {
	return l&^LogicHydrogenCellMask | Logic(state&3)<<logicHydrogenCellShift
}

func (l Logic) String() string {
	buf := make([]byte, 0, 64)
	add := func(on bool, name string) {
		if !on {
			return
		}
		if len(buf) > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, name...)
	}
	add(l.SpeedButton(), "speed")
	add(l.HalfSpeedButton(), "half_speed")
	add(l.Emergency(), "emergency")
	add(l.SuperCapacitorButton(), "sc_button")
	add(l.RelayClosed(), "relay")
	add(l.HydrogenLeak(), "h2_leak")
	if s := l.HydrogenCellButton(); s != 0 {
		add(true, fmt.Sprintf("h2_cell=%d", s))
	}
	if len(buf) == 0 {
		return "-"
	}
	return string(buf)
}
