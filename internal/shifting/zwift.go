package shifting

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
)

// Zwift hub message op codes, first byte of every message.
const (
	zwiftOpRidingData byte = 0x03
	zwiftOpHubCommand byte = 0x04
)

var (
	zwiftRideOn      = []byte("RideOn")
	zwiftRideOnReply = []byte{'R', 'i', 'd', 'e', 'O', 'n', 0x01, 0x03}

	ErrUnknownHubMessage = errors.New("unknown zwift hub message")
)

// HubCommand holds the fields of a hub command that were present.
type HubCommand struct {
	HasPowerTarget bool
	PowerTarget    uint32

	HasSimulation bool
	Simulation    ftms.SimulationParams

	HasGearRatio bool
	GearRatio    float64

	HasWeights bool
	RiderKg    float64
	BikeKg     float64
}

// RidingData is the telemetry pushed on the async characteristic.
type RidingData struct {
	Power     uint32
	Cadence   uint32
	SpeedX100 uint32
	HeartRate uint32
}

// IsRideOn reports whether b is the hub handshake.
func IsRideOn(b []byte) bool {
	return bytes.Equal(b, zwiftRideOn)
}

// RideOnReply is the handshake answer sent on the sync tx characteristic.
func RideOnReply() []byte {
	return bytes.Clone(zwiftRideOnReply)
}

// DecodeHubCommand parses a sync rx write carrying op code 0x04.
func DecodeHubCommand(b []byte) (HubCommand, error) {
	if len(b) == 0 || b[0] != zwiftOpHubCommand {
		return HubCommand{}, ErrUnknownHubMessage
	}
	var cmd HubCommand
	err := walkFields(b[1:], func(num protowire.Number, v uint64, nested []byte) error {
		switch num {
		case 3:
			cmd.HasPowerTarget = true
			cmd.PowerTarget = uint32(v)
		case 4:
			cmd.HasSimulation = true
			cmd.Simulation = ftms.DefaultSimulation
			return walkFields(nested, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case 1:
					cmd.Simulation.WindSpeedMps = float64(protowire.DecodeZigZag(v)) / 100
				case 2:
					cmd.Simulation.GradePercent = float64(protowire.DecodeZigZag(v)) / 100
				case 3:
					cmd.Simulation.Cw = float64(v) / 10000
				case 4:
					cmd.Simulation.Crr = float64(v) / 100000
				}
				return nil
			})
		case 5:
			return walkFields(nested, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case 2:
					cmd.HasGearRatio = true
					cmd.GearRatio = float64(v) / 10000
				case 4:
					cmd.HasWeights = true
					cmd.BikeKg = float64(v) / 100
				case 5:
					cmd.HasWeights = true
					cmd.RiderKg = float64(v) / 100
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return HubCommand{}, fmt.Errorf("hub command: %w", err)
	}
	return cmd, nil
}

// EncodeHubCommand is the inverse of DecodeHubCommand.
func EncodeHubCommand(cmd HubCommand) []byte {
	b := []byte{zwiftOpHubCommand}
	if cmd.HasPowerTarget {
		b = appendVarintField(b, 3, uint64(cmd.PowerTarget))
	}
	if cmd.HasSimulation {
		var sim []byte
		sim = appendVarintField(sim, 1, protowire.EncodeZigZag(int64(roundInt(cmd.Simulation.WindSpeedMps*100))))
		sim = appendVarintField(sim, 2, protowire.EncodeZigZag(int64(roundInt(cmd.Simulation.GradePercent*100))))
		sim = appendVarintField(sim, 3, uint64(roundInt(cmd.Simulation.Cw*10000)))
		sim = appendVarintField(sim, 4, uint64(roundInt(cmd.Simulation.Crr*100000)))
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, sim)
	}
	if cmd.HasGearRatio || cmd.HasWeights {
		var phys []byte
		if cmd.HasGearRatio {
			phys = appendVarintField(phys, 2, uint64(roundInt(cmd.GearRatio*10000)))
		}
		if cmd.HasWeights {
			phys = appendVarintField(phys, 4, uint64(roundInt(cmd.BikeKg*100)))
			phys = appendVarintField(phys, 5, uint64(roundInt(cmd.RiderKg*100)))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, phys)
	}
	return b
}

// EncodeRidingData builds the async notification.
func EncodeRidingData(d RidingData) []byte {
	b := []byte{zwiftOpRidingData}
	b = appendVarintField(b, 1, uint64(d.Power))
	b = appendVarintField(b, 2, uint64(d.Cadence))
	b = appendVarintField(b, 3, uint64(d.SpeedX100))
	b = appendVarintField(b, 4, uint64(d.HeartRate))
	return b
}

// DecodeRidingData parses an async notification.
func DecodeRidingData(b []byte) (RidingData, error) {
	if len(b) == 0 || b[0] != zwiftOpRidingData {
		return RidingData{}, ErrUnknownHubMessage
	}
	var d RidingData
	err := walkFields(b[1:], func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			d.Power = uint32(v)
		case 2:
			d.Cadence = uint32(v)
		case 3:
			d.SpeedX100 = uint32(v)
		case 4:
			d.HeartRate = uint32(v)
		}
		return nil
	})
	if err != nil {
		return RidingData{}, fmt.Errorf("riding data: %w", err)
	}
	return d, nil
}

// walkFields calls fn for each varint and length-delimited field; other wire
// types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, nested []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func roundInt(v float64) int64 {
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}
