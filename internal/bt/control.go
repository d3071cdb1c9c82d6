package bt

import (
	"fmt"
	"math"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
)

// ControlProtocol is how targets reach the trainer.
type ControlProtocol int

const (
	ControlNone ControlProtocol = iota
	ControlFTMS
	ControlFEC
)

func (p ControlProtocol) String() string {
	switch p {
	case ControlFTMS:
		return "FTMS"
	case ControlFEC:
		return "FE-C"
	default:
		return "none"
	}
}

// Char is the characteristic control writes go to.
func (p ControlProtocol) Char() gatt.UUID {
	switch p {
	case ControlFTMS:
		return gatt.CharFTMSControlPoint
	case ControlFEC:
		return gatt.CharFECWrite
	default:
		return gatt.UUID{}
	}
}

// SelectControl prefers FTMS over FE-C when the trainer offers both.
func SelectControl(chars []gatt.UUID) ControlProtocol {
	var fec bool
	for _, c := range chars {
		switch c {
		case gatt.CharFTMSControlPoint:
			return ControlFTMS
		case gatt.CharFECWrite:
			fec = true
		}
	}
	if fec {
		return ControlFEC
	}
	return ControlNone
}

// TrainerProfile carries what FE-C trainers need to know about the rider.
type TrainerProfile struct {
	RiderKg             float64
	BikeKg              float64
	WheelCircumferenceM float64
}

// StartupWrites are sent once right after connecting.
func StartupWrites(p ControlProtocol, profile TrainerProfile) [][]byte {
	switch p {
	case ControlFTMS:
		return [][]byte{ftms.RequestControl(), ftms.StartOrResume()}
	case ControlFEC:
		return [][]byte{FECUserConfig(profile.RiderKg, profile.BikeKg, profile.WheelCircumferenceM/math.Pi)}
	default:
		return nil
	}
}

// EncodeTarget returns the writes that apply t on a trainer using p.
func EncodeTarget(p ControlProtocol, t shifting.Target) ([][]byte, error) {
	switch p {
	case ControlFTMS:
		switch t.Kind {
		case shifting.TargetPower:
			return [][]byte{ftms.SetTargetPower(t.PowerWatts)}, nil
		case shifting.TargetResistance:
			return [][]byte{ftms.SetTargetResistance(t.ResistancePercent)}, nil
		case shifting.TargetSimulation:
			return [][]byte{ftms.SetIndoorBikeSimulation(t.Simulation)}, nil
		}
	case ControlFEC:
		switch t.Kind {
		case shifting.TargetPower:
			return [][]byte{FECTargetPower(float64(t.PowerWatts))}, nil
		case shifting.TargetResistance:
			return [][]byte{FECBasicResistance(t.ResistancePercent)}, nil
		case shifting.TargetSimulation:
			return [][]byte{
				FECWindResistance(t.Simulation.Cw, t.Simulation.WindSpeedMps),
				FECTrackResistance(t.Simulation.GradePercent, t.Simulation.Crr),
			}, nil
		}
	default:
		return nil, fmt.Errorf("no control protocol for target %s", t)
	}
	return nil, fmt.Errorf("%s cannot encode %s target", p, t.Kind)
}
