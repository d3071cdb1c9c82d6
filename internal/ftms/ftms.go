// Package ftms encodes and decodes the Fitness Machine Service values the
// bridge exchanges with DirCon clients and with FTMS trainers.
package ftms

import "fmt"

// Control point op codes
const (
	OpRequestControl          byte = 0x00
	OpReset                   byte = 0x01
	OpSetTargetResistance     byte = 0x04
	OpSetTargetPower          byte = 0x05
	OpStartOrResume           byte = 0x07
	OpStopOrPause             byte = 0x08
	OpSetIndoorBikeSimulation byte = 0x11
	OpResponseCode            byte = 0x80
)

// Control point result codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)

// Fitness machine status op codes
const (
	StatusReset                   byte = 0x01
	StatusStoppedOrPaused         byte = 0x02
	StatusStartedOrResumed        byte = 0x04
	StatusTargetPowerChanged      byte = 0x08
	StatusTargetResistanceChanged byte = 0x07
	StatusSimulationParamsChanged byte = 0x12
	StatusControlPermissionLost   byte = 0xFF
)

// Training status values
const (
	TrainingIdle       byte = 0x01
	TrainingManualMode byte = 0x0D
)

// Feature bits advertised by the emulated machine.
const (
	MachineFeatures       uint32 = 0x00004082 // cadence, resistance level, power measurement
	TargetSettingFeatures uint32 = 0x00002008 // power target, indoor bike simulation
)

const (
	MinTargetPowerWatts = 0
	MaxTargetPowerWatts = 2000
)

// Stop/pause parameter values
const (
	StopParamStop  byte = 0x01
	StopParamPause byte = 0x02
)

// FeatureValue is the Fitness Machine Feature characteristic value.
func FeatureValue() []byte {
	b := make([]byte, 8)
	putUint32(b[0:4], MachineFeatures)
	putUint32(b[4:8], TargetSettingFeatures)
	return b
}

// TrainingStatusValue encodes the Training Status characteristic without a string.
func TrainingStatusValue(status byte) []byte {
	return []byte{0x00, status}
}

// MachineStatusValue encodes a Fitness Machine Status notification.
func MachineStatusValue(op byte, params ...byte) []byte {
	return append([]byte{op}, params...)
}

// SupportedPowerRangeValue encodes min, max and increment in watts.
func SupportedPowerRangeValue(min, max int16, step uint16) []byte {
	b := make([]byte, 6)
	putUint16(b[0:2], uint16(min))
	putUint16(b[2:4], uint16(max))
	putUint16(b[4:6], step)
	return b
}

// OpName returns a readable control point op code.
func OpName(op byte) string {
	switch op {
	case OpRequestControl:
		return "Request Control"
	case OpReset:
		return "Reset"
	case OpSetTargetResistance:
		return "Set Target Resistance"
	case OpSetTargetPower:
		return "Set Target Power"
	case OpStartOrResume:
		return "Start/Resume"
	case OpStopOrPause:
		return "Stop/Pause"
	case OpSetIndoorBikeSimulation:
		return "Set Indoor Bike Simulation"
	default:
		return fmt.Sprintf("OpCode 0x%02X", op)
	}
}

// ResultName returns a readable control point result code.
func ResultName(result byte) string {
	switch result {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", result)
	}
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
