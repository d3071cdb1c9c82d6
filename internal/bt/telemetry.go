package bt

import (
	"encoding/binary"
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
)

// Cycling Power Measurement flag bits
const (
	cpsFlagPedalPowerBalance = 1 << 0
	cpsFlagAccumulatedTorque = 1 << 2
	cpsFlagWheelRevolution   = 1 << 4
	cpsFlagCrankRevolution   = 1 << 5
	maxPlausibleCadenceRpm   = 300
	crankEventTicksPerSecond = 1024
)

// TelemetryDecoder merges notifications from the trainer's telemetry
// characteristics into one IndoorBikeData record. It keeps the crank state
// needed to derive cadence from cycling power data, so one decoder serves one
// connection.
type TelemetryDecoder struct {
	latest ftms.IndoorBikeData

	lastCrankRevolutions    uint16
	lastCrankEventTime      uint16
	hasPreviousCrankReading bool
}

// Reset drops all state, used when the trainer disconnects.
func (d *TelemetryDecoder) Reset() {
	*d = TelemetryDecoder{}
}

// Latest returns the merged record.
func (d *TelemetryDecoder) Latest() ftms.IndoorBikeData {
	return d.latest
}

// IsTelemetry reports whether notifications from char are decoded.
func IsTelemetry(char gatt.UUID) bool {
	return char == gatt.CharIndoorBikeData || char == gatt.CharCyclingPowerMeasurement || char == gatt.CharFECRead
}

// Decode folds one notification into the record. It reports false when the
// notification carried nothing new.
func (d *TelemetryDecoder) Decode(char gatt.UUID, buf []byte) (ftms.IndoorBikeData, bool, error) {
	var (
		changed bool
		err     error
	)
	switch char {
	case gatt.CharIndoorBikeData:
		changed, err = d.indoorBikeData(buf)
	case gatt.CharCyclingPowerMeasurement:
		changed, err = d.cyclingPower(buf)
	case gatt.CharFECRead:
		changed, err = d.fec(buf)
	default:
		return d.latest, false, nil
	}
	return d.latest, changed, err
}

func (d *TelemetryDecoder) indoorBikeData(buf []byte) (bool, error) {
	ibd, err := ftms.ParseIndoorBikeData(buf)
	if err != nil {
		return false, err
	}
	if ibd.HasSpeed {
		d.latest.HasSpeed = true
		d.latest.SpeedKmh = ibd.SpeedKmh
	}
	if ibd.HasCadence {
		d.latest.HasCadence = true
		d.latest.CadenceRpm = ibd.CadenceRpm
	}
	if ibd.HasResistance {
		d.latest.HasResistance = true
		d.latest.ResistanceLevel = ibd.ResistanceLevel
	}
	if ibd.HasPower {
		d.latest.HasPower = true
		d.latest.PowerWatts = ibd.PowerWatts
	}
	if ibd.HasHeartRate {
		d.latest.HasHeartRate = true
		d.latest.HeartRateBpm = ibd.HeartRateBpm
	}
	return true, nil
}

// cyclingPower decodes a Cycling Power Measurement. Cadence comes from the
// difference in cumulative crank revolutions and event times between two
// notifications.
func (d *TelemetryDecoder) cyclingPower(buf []byte) (bool, error) {
	if len(buf) < 4 {
		return false, fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf[0:2])
	d.latest.HasPower = true
	d.latest.PowerWatts = int16(binary.LittleEndian.Uint16(buf[2:4]))

	offset := 4
	if flags&cpsFlagPedalPowerBalance != 0 {
		offset++
	}
	if flags&cpsFlagAccumulatedTorque != 0 {
		offset += 2
	}
	if flags&cpsFlagWheelRevolution != 0 {
		offset += 6
	}
	if flags&cpsFlagCrankRevolution == 0 {
		return true, nil
	}
	if offset+4 > len(buf) {
		return true, fmt.Errorf("cycling power data too short for crank data at offset %d", offset)
	}

	crankRevolutions := binary.LittleEndian.Uint16(buf[offset : offset+2])
	crankEventTime := binary.LittleEndian.Uint16(buf[offset+2 : offset+4])

	if !d.hasPreviousCrankReading {
		d.lastCrankRevolutions = crankRevolutions
		d.lastCrankEventTime = crankEventTime
		d.hasPreviousCrankReading = true
		return true, nil
	}

	// uint16 arithmetic handles rollover
	revDiff := crankRevolutions - d.lastCrankRevolutions
	timeDiff := crankEventTime - d.lastCrankEventTime
	d.lastCrankRevolutions = crankRevolutions
	d.lastCrankEventTime = crankEventTime

	if timeDiff == 0 {
		return true, nil
	}
	cadence := float64(revDiff) * 60 * crankEventTicksPerSecond / float64(timeDiff)
	if cadence > maxPlausibleCadenceRpm {
		return true, nil
	}
	d.latest.HasCadence = true
	d.latest.CadenceRpm = cadence
	return true, nil
}

func (d *TelemetryDecoder) fec(buf []byte) (bool, error) {
	page, err := DecodeFECPage(buf)
	if err != nil {
		return false, err
	}
	switch page.Number {
	case fecPageGeneralFEData:
		d.latest.HasSpeed = true
		d.latest.SpeedKmh = page.SpeedMps * 3.6
		if page.HasHeartRate {
			d.latest.HasHeartRate = true
			d.latest.HeartRateBpm = page.HeartRateBpm
		}
		return true, nil
	case fecPageTrainerData:
		d.latest.HasPower = true
		d.latest.PowerWatts = page.PowerWatts
		if page.HasCadence {
			d.latest.HasCadence = true
			d.latest.CadenceRpm = float64(page.CadenceRpm)
		}
		return true, nil
	default:
		return false, nil
	}
}
