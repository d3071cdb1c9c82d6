package ftms

import (
	"errors"
	"fmt"
	"math"
)

var ErrMalformedRequest = errors.New("malformed control point request")

// SimulationParams are the Indoor Bike Simulation parameters.
type SimulationParams struct {
	WindSpeedMps float64 // positive values are headwind
	GradePercent float64
	Crr          float64 // rolling resistance coefficient
	Cw           float64 // wind resistance coefficient, kg/m
}

// DefaultSimulation is used until a client supplies its own coefficients.
var DefaultSimulation = SimulationParams{Crr: 0.004, Cw: 0.51}

// Request is a decoded control point write.
type Request struct {
	Op               byte
	TargetPowerWatts int16
	ResistanceLevel  float64
	StopParam        byte
	Simulation       SimulationParams
}

// DecodeRequest parses a control point write. Unknown op codes decode with
// only Op set so the caller can answer "not supported".
func DecodeRequest(b []byte) (Request, error) {
	if len(b) == 0 {
		return Request{}, fmt.Errorf("%w: empty", ErrMalformedRequest)
	}
	req := Request{Op: b[0]}
	r := newReader(b[1:])
	switch req.Op {
	case OpSetTargetPower:
		req.TargetPowerWatts = r.s16()
	case OpSetTargetResistance:
		if len(b) >= 3 {
			req.ResistanceLevel = float64(r.s16()) * 0.1
		} else {
			req.ResistanceLevel = float64(r.u8()) * 0.1
		}
	case OpStopOrPause:
		if len(b) >= 2 {
			req.StopParam = r.u8()
		} else {
			req.StopParam = StopParamStop
		}
	case OpSetIndoorBikeSimulation:
		req.Simulation = SimulationParams{
			WindSpeedMps: float64(r.s16()) * 0.001,
			GradePercent: float64(r.s16()) * 0.01,
			Crr:          float64(r.u8()) * 0.0001,
			Cw:           float64(r.u8()) * 0.01,
		}
	}
	if r.err != nil {
		return Request{}, fmt.Errorf("%w: %s: %v", ErrMalformedRequest, OpName(req.Op), r.err)
	}
	return req, nil
}

// EncodeResponse builds the indication answering a control point request.
func EncodeResponse(op, result byte) []byte {
	return []byte{OpResponseCode, op, result}
}

// DecodeResponse parses a control point indication from a trainer.
func DecodeResponse(b []byte) (op, result byte, err error) {
	if len(b) < 3 {
		return 0, 0, fmt.Errorf("control point response too short: %d bytes", len(b))
	}
	if b[0] != OpResponseCode {
		return 0, 0, fmt.Errorf("unexpected control point op code: 0x%02X", b[0])
	}
	return b[1], b[2], nil
}

// RequestControl is the first write a controller sends.
func RequestControl() []byte {
	return []byte{OpRequestControl}
}

// StartOrResume starts the session on the trainer.
func StartOrResume() []byte {
	return []byte{OpStartOrResume}
}

// SetTargetPower encodes an ERG target in watts.
func SetTargetPower(watts int16) []byte {
	b := []byte{OpSetTargetPower, 0, 0}
	putUint16(b[1:], uint16(watts))
	return b
}

// SetTargetResistance encodes a resistance level with 0.1 resolution.
func SetTargetResistance(level float64) []byte {
	b := []byte{OpSetTargetResistance, 0, 0}
	putUint16(b[1:], uint16(clampInt16(level*10)))
	return b
}

// SetIndoorBikeSimulation encodes simulation parameters.
func SetIndoorBikeSimulation(p SimulationParams) []byte {
	b := make([]byte, 7)
	b[0] = OpSetIndoorBikeSimulation
	putUint16(b[1:3], uint16(clampInt16(p.WindSpeedMps*1000)))
	putUint16(b[3:5], uint16(clampInt16(p.GradePercent*100)))
	b[5] = clampUint8(p.Crr * 10000)
	b[6] = clampUint8(p.Cw * 100)
	return b
}

func clampInt16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

func clampUint8(v float64) byte {
	v = math.Round(v)
	switch {
	case v > math.MaxUint8:
		return math.MaxUint8
	case v < 0:
		return 0
	default:
		return byte(v)
	}
}
