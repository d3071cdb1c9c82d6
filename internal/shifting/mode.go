package shifting

import (
	"fmt"
	"strings"
)

// TrainerMode is how the trainer is being driven, derived from the last
// control command and the virtual shifting setting.
type TrainerMode int

const (
	ERGMode TrainerMode = iota
	SIMMode
	SIMModeVirtualShifting
)

func (m TrainerMode) String() string {
	switch m {
	case ERGMode:
		return "ERG mode"
	case SIMMode:
		return "SIM mode"
	case SIMModeVirtualShifting:
		return "SIM + VS mode"
	default:
		return fmt.Sprintf("TrainerMode(%d)", int(m))
	}
}

// CommandKind identifies the last mode-relevant control command.
type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandTargetPower
	CommandSimulation
)

func (c CommandKind) String() string {
	switch c {
	case CommandTargetPower:
		return "Set Target Power"
	case CommandSimulation:
		return "Set Simulation Parameters"
	default:
		return "None"
	}
}

// DeriveMode maps the last command and the virtual shifting setting to a
// TrainerMode. Before any command the trainer is reported in ERG mode.
func DeriveMode(last CommandKind, virtualShifting bool) TrainerMode {
	switch last {
	case CommandSimulation:
		if virtualShifting {
			return SIMModeVirtualShifting
		}
		return SIMMode
	default:
		return ERGMode
	}
}

// VirtualShiftingMode selects how a shifted grade is turned into a trainer target.
type VirtualShiftingMode int

const (
	BasicResistance VirtualShiftingMode = iota
	TargetPowerMode
	TrackResistance
)

func (m VirtualShiftingMode) String() string {
	switch m {
	case BasicResistance:
		return "basic_resistance"
	case TargetPowerMode:
		return "target_power"
	case TrackResistance:
		return "track_resistance"
	default:
		return fmt.Sprintf("VirtualShiftingMode(%d)", int(m))
	}
}

// ParseVirtualShiftingMode accepts the names produced by String.
func ParseVirtualShiftingMode(s string) (VirtualShiftingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic_resistance":
		return BasicResistance, nil
	case "target_power":
		return TargetPowerMode, nil
	case "track_resistance":
		return TrackResistance, nil
	default:
		return 0, fmt.Errorf("unknown virtual shifting mode %q", s)
	}
}
