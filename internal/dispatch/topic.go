package dispatch

import (
	"fmt"
	"math"
	"strings"

	"github.com/temoto/vcutele/frame"
	"github.com/temoto/vcutele/internal/snapshot"
)

// Topic names consumed by dashboards, do not rename.
const (
	TopicFuelCellCurrent       = "/sensors/fuel_cell_current"
	TopicFuelCellVoltage       = "/sensors/fuel_cell_voltage"
	TopicSuperCapacitorCurrent = "/sensors/super_capacitor_current"
	TopicSuperCapacitorVoltage = "/sensors/super_capacitor_voltage"
	TopicVehicleSpeed          = "/sensors/vehicle_speed"
	TopicFanRPM                = "/sensors/fan_rpm"
	TopicFuelCellTemperature   = "/sensors/fuel_cell_temperature"
	TopicHydrogenPressure      = "/sensors/hydrogen_pressure"
	TopicMotorCurrent          = "/sensors/motor_current"
	TopicLogic                 = "/logic"
	TopicErrors                = "/errors"
)

type floatField struct {
	topic string
	get   func(*frame.Frame) float32
}

// Publish order is part of the contract with consumers.
var floatFields = [...]floatField{
	{TopicFuelCellCurrent, func(f *frame.Frame) float32 { return f.FuelCellCurrent }},
	{TopicFuelCellVoltage, func(f *frame.Frame) float32 { return f.FuelCellVoltage }},
	{TopicSuperCapacitorCurrent, func(f *frame.Frame) float32 { return f.SuperCapacitorCurrent }},
	{TopicSuperCapacitorVoltage, func(f *frame.Frame) float32 { return f.SuperCapacitorVoltage }},
	{TopicVehicleSpeed, func(f *frame.Frame) float32 { return f.VehicleSpeed }},
	{TopicFanRPM, func(f *frame.Frame) float32 { return f.FanRPM }},
	{TopicFuelCellTemperature, func(f *frame.Frame) float32 { return f.FuelCellTemperature }},
	{TopicHydrogenPressure, func(f *frame.Frame) float32 { return f.HydrogenPressure }},
	{TopicMotorCurrent, func(f *frame.Frame) float32 { return f.MotorCurrent }},
}

// Topics returns telemetry topics in publish order with prefix applied.
func Topics(prefix string, withErrors bool) []string {
	ts := make([]string, 0, len(floatFields)+2)
	for _, ff := range floatFields {
		ts = append(ts, prefix+ff.topic)
	}
	ts = append(ts, prefix+TopicLogic)
	if withErrors {
		ts = append(ts, prefix+TopicErrors)
	}
	return ts
}

type Message struct {
	Topic   string
	Payload []byte
}

// Job is immutable list of messages built from one snapshot.
type Job struct {
	Snapshot snapshot.Snapshot
	Messages []Message
}

type JobOptions struct {
	Prefix     string
	WithErrors bool
}

func NewJob(s snapshot.Snapshot, opt JobOptions) Job {
	f := s.Frame
	ms := make([]Message, 0, len(floatFields)+2)
	for _, ff := range floatFields {
		ms = append(ms, Message{Topic: opt.Prefix + ff.topic, Payload: FloatPayload(ff.get(&f))})
	}
	ms = append(ms, Message{Topic: opt.Prefix + TopicLogic, Payload: []byte{byte(f.Logic)}})
	if opt.WithErrors {
		ms = append(ms, Message{Topic: opt.Prefix + TopicErrors, Payload: []byte{byte(f.Errors)}})
	}
	return Job{Snapshot: s, Messages: ms}
}

// FloatPayload is IEEE-754 binary32 little-endian.
func FloatPayload(v float32) []byte {
	b := make([]byte, 4)
	frame.ByteOrder.PutUint32(b, math.Float32bits(v))
	return b
}

func ParseFloatPayload(b []byte) (float32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return math.Float32frombits(frame.ByteOrder.Uint32(b)), true
}

// Describe renders received telemetry message for humans, inverse of NewJob.
func Describe(prefix, topic string, payload []byte) string {
	name := strings.TrimPrefix(topic, prefix)
	switch name {
	case TopicLogic:
		if len(payload) == 1 {
			return fmt.Sprintf("%s=%s", name, frame.Logic(payload[0]).String())
		}
	case TopicErrors:
		if len(payload) == 1 {
			return fmt.Sprintf("%s=%02x", name, payload[0])
		}
	default:
		for _, ff := range floatFields {
			if ff.topic == name {
				if v, ok := ParseFloatPayload(payload); ok {
					return fmt.Sprintf("%s=%g", name, v)
				}
			}
		}
	}
	return fmt.Sprintf("%s payload=%x", topic, payload)
}
