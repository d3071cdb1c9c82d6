package bt

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ANT+ FE-C messages tunnelled over BLE
const (
	fecSyncByte        = 0xA4
	fecMsgLen          = 0x09
	fecMsgAcknowledged = 0x4F
	fecMsgBroadcast    = 0x4E
	fecChannel         = 0x05
	fecFrameLen        = 13

	fecPageGeneralFEData   = 16
	fecPageTrainerData     = 25
	fecPageBasicResistance = 48
	fecPageTargetPower     = 49
	fecPageWindResistance  = 50
	fecPageTrackResistance = 51
	fecPageUserConfig      = 55
)

// FECPage holds the fields decoded from a trainer data page.
type FECPage struct {
	Number byte

	// page 16
	SpeedMps     float64
	HasHeartRate bool
	HeartRateBpm uint8

	// page 25
	HasCadence bool
	CadenceRpm uint8
	PowerWatts int16
}

func encodeFEC(page byte, payload [7]byte) []byte {
	msg := make([]byte, fecFrameLen)
	msg[0] = fecSyncByte
	msg[1] = fecMsgLen
	msg[2] = fecMsgAcknowledged
	msg[3] = fecChannel
	msg[4] = page
	copy(msg[5:12], payload[:])
	msg[12] = fecChecksum(msg[:12])
	return msg
}

func fecChecksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}

// FECTargetPower encodes page 49 with 0.25 W resolution.
func FECTargetPower(watts float64) []byte {
	p := [7]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	binary.LittleEndian.PutUint16(p[5:7], uint16(clamp(math.Round(watts*4), 0, 4000*4)))
	return encodeFEC(fecPageTargetPower, p)
}

// FECBasicResistance encodes page 48 with 0.5 % resolution.
func FECBasicResistance(percent float64) []byte {
	p := [7]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	p[6] = byte(clamp(math.Round(percent*2), 0, 200))
	return encodeFEC(fecPageBasicResistance, p)
}

// FECTrackResistance encodes page 51: grade with 0.01 % resolution and a
// -200 % offset, rolling resistance with 5e-5 resolution.
func FECTrackResistance(gradePercent, crr float64) []byte {
	p := [7]byte{0xFF, 0xFF, 0xFF, 0xFF}
	binary.LittleEndian.PutUint16(p[4:6], uint16(clamp(math.Round((gradePercent+200)*100), 0, 40000)))
	p[6] = byte(clamp(math.Round(crr/0.00005), 0, 254))
	return encodeFEC(fecPageTrackResistance, p)
}

// FECWindResistance encodes page 50: wind resistance coefficient in 0.01
// kg/m, wind speed in km/h offset by 127 and a drafting factor of 1.
func FECWindResistance(cw, windSpeedMps float64) []byte {
	p := [7]byte{0xFF, 0xFF, 0xFF, 0xFF}
	p[4] = byte(clamp(math.Round(cw*100), 0, 186))
	p[5] = byte(clamp(math.Round(windSpeedMps*3.6)+127, 0, 254))
	p[6] = 100
	return encodeFEC(fecPageWindResistance, p)
}

// FECUserConfig encodes page 55, which some trainers need before accepting
// other pages.
func FECUserConfig(riderKg, bikeKg, wheelDiameterM float64) []byte {
	var p [7]byte
	binary.LittleEndian.PutUint16(p[0:2], uint16(clamp(math.Round(riderKg*100), 0, 65534)))
	p[2] = 0xFF
	bike := uint16(clamp(math.Round(bikeKg*20), 0, 0x0FFE))
	p[3] = byte(bike&0x0F)<<4 | 0x0F
	p[4] = byte(bike >> 4)
	p[5] = byte(clamp(math.Round(wheelDiameterM*100), 0, 254))
	p[6] = 0x00
	return encodeFEC(fecPageUserConfig, p)
}

// DecodeFECPage parses a notification from the FE-C read characteristic.
// Pages other than 16 and 25 decode with only Number set.
func DecodeFECPage(b []byte) (FECPage, error) {
	if len(b) < fecFrameLen {
		return FECPage{}, fmt.Errorf("fec message too short: %d bytes", len(b))
	}
	if b[0] != fecSyncByte {
		return FECPage{}, fmt.Errorf("fec message has bad sync byte 0x%02X", b[0])
	}
	if fecChecksum(b[:12]) != b[12] {
		return FECPage{}, fmt.Errorf("fec checksum mismatch")
	}

	page := FECPage{Number: b[4]}
	switch page.Number {
	case fecPageGeneralFEData:
		page.SpeedMps = float64(binary.LittleEndian.Uint16(b[8:10])) / 1000
		if b[10] != 0xFF {
			page.HasHeartRate = true
			page.HeartRateBpm = b[10]
		}
	case fecPageTrainerData:
		if b[6] != 0xFF {
			page.HasCadence = true
			page.CadenceRpm = b[6]
		}
		page.PowerWatts = int16(binary.LittleEndian.Uint16(b[9:11]) & 0x0FFF)
	}
	return page, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
