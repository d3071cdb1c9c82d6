package ftms

import (
	"fmt"
	"math"
)

// Indoor Bike Data flag bits
const (
	ibdFlagMoreData             = 1 << 0 // clear when instantaneous speed is present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

// IndoorBikeData holds the Indoor Bike Data fields the bridge uses.
// Fields that are skipped while parsing still advance the offset.
type IndoorBikeData struct {
	HasSpeed      bool
	HasCadence    bool
	HasResistance bool
	HasPower      bool
	HasHeartRate  bool

	SpeedKmh        float64
	CadenceRpm      float64
	ResistanceLevel int16
	PowerWatts      int16
	HeartRateBpm    uint8
}

// ParseIndoorBikeData decodes an Indoor Bike Data notification.
func ParseIndoorBikeData(buf []byte) (IndoorBikeData, error) {
	if len(buf) < 2 {
		return IndoorBikeData{}, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}
	flags := uint16(buf[0]) | uint16(buf[1])<<8
	r := newReader(buf[2:])
	var d IndoorBikeData

	if flags&ibdFlagMoreData == 0 {
		d.HasSpeed = true
		d.SpeedKmh = float64(r.u16()) * 0.01
	}
	if flags&ibdFlagAverageSpeed != 0 {
		r.u16()
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		d.HasCadence = true
		d.CadenceRpm = float64(r.u16()) * 0.5
	}
	if flags&ibdFlagAverageCadence != 0 {
		r.u16()
	}
	if flags&ibdFlagTotalDistance != 0 {
		r.u24()
	}
	if flags&ibdFlagResistanceLevel != 0 {
		d.HasResistance = true
		d.ResistanceLevel = r.s16()
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		d.HasPower = true
		d.PowerWatts = r.s16()
	}
	if flags&ibdFlagAveragePower != 0 {
		r.s16()
	}
	if flags&ibdFlagExpendedEnergy != 0 {
		r.take(5)
	}
	if flags&ibdFlagHeartRate != 0 {
		d.HasHeartRate = true
		d.HeartRateBpm = r.u8()
	}
	if r.err != nil {
		return IndoorBikeData{}, fmt.Errorf("indoor bike data: %w", r.err)
	}
	return d, nil
}

// Encode produces the notification with speed always present and cadence,
// resistance, power and heart rate present when flagged.
func (d IndoorBikeData) Encode() []byte {
	var flags uint16
	b := make([]byte, 2, 12)

	b = appendUint16(b, uint16(clampUnsigned16(d.SpeedKmh*100)))
	if d.HasCadence {
		flags |= ibdFlagInstantaneousCadence
		b = appendUint16(b, uint16(clampUnsigned16(d.CadenceRpm*2)))
	}
	if d.HasResistance {
		flags |= ibdFlagResistanceLevel
		b = appendUint16(b, uint16(d.ResistanceLevel))
	}
	if d.HasPower {
		flags |= ibdFlagInstantaneousPower
		b = appendUint16(b, uint16(d.PowerWatts))
	}
	if d.HasHeartRate {
		flags |= ibdFlagHeartRate
		b = append(b, d.HeartRateBpm)
	}
	putUint16(b[0:2], flags)
	return b
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func clampUnsigned16(v float64) uint16 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(v)
	}
}
