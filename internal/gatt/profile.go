package gatt

import (
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
)

// cyclingPowerCrankData is the Cycling Power Feature bit for crank revolution data.
const cyclingPowerCrankData = 0x08

// ProfileOptions selects the services exposed to DirCon clients.
type ProfileOptions struct {
	FTMS            bool
	VirtualShifting bool
	Passthrough     bool
}

// Profile records the characteristics registered by BuildProfile. IDs are only
// meaningful when the matching flag is set.
type Profile struct {
	FTMS             bool
	FTMSFeature      CharID
	IndoorBikeData   CharID
	TrainingStatus   CharID
	PowerRange       CharID
	FTMSControlPoint CharID
	MachineStatus    CharID

	Zwift       bool
	ZwiftAsync  CharID
	ZwiftSyncRx CharID
	ZwiftSyncTx CharID

	Passthrough      bool
	PowerMeasurement CharID
	PowerFeature     CharID
}

// BuildProfile registers the services selected by opts with their initial
// values. It is called once at startup.
func BuildProfile(r *Registry, opts ProfileOptions) (Profile, error) {
	var p Profile

	if opts.Passthrough {
		if _, err := r.RegisterService(ServiceDef{
			UUID:       ServiceCyclingPower,
			Primary:    true,
			Advertised: true,
			Characteristics: []CharacteristicDef{
				{UUID: CharCyclingPowerMeasurement, Properties: PropNotify, Value: make([]byte, 4)},
				{UUID: CharCyclingPowerFeature, Properties: PropRead, Value: []byte{cyclingPowerCrankData, 0, 0, 0}},
			},
		}); err != nil {
			return Profile{}, fmt.Errorf("register cycling power service: %w", err)
		}
		p.Passthrough = true
		p.PowerMeasurement = mustFind(r, ServiceCyclingPower, CharCyclingPowerMeasurement)
		p.PowerFeature = mustFind(r, ServiceCyclingPower, CharCyclingPowerFeature)
	}

	if opts.FTMS {
		if _, err := r.RegisterService(ServiceDef{
			UUID:       ServiceFTMS,
			Primary:    true,
			Advertised: true,
			Characteristics: []CharacteristicDef{
				{UUID: CharFTMSFeature, Properties: PropRead, Value: ftms.FeatureValue()},
				{UUID: CharIndoorBikeData, Properties: PropNotify, Value: ftms.IndoorBikeData{}.Encode()},
				{UUID: CharTrainingStatus, Properties: PropRead | PropNotify, Value: ftms.TrainingStatusValue(ftms.TrainingIdle)},
				{UUID: CharSupportedPowerRange, Properties: PropRead, Value: ftms.SupportedPowerRangeValue(ftms.MinTargetPowerWatts, ftms.MaxTargetPowerWatts, 1)},
				{UUID: CharFTMSControlPoint, Properties: PropWrite | PropIndicate},
				{UUID: CharMachineStatus, Properties: PropNotify},
			},
		}); err != nil {
			return Profile{}, fmt.Errorf("register fitness machine service: %w", err)
		}
		p.FTMS = true
		p.FTMSFeature = mustFind(r, ServiceFTMS, CharFTMSFeature)
		p.IndoorBikeData = mustFind(r, ServiceFTMS, CharIndoorBikeData)
		p.TrainingStatus = mustFind(r, ServiceFTMS, CharTrainingStatus)
		p.PowerRange = mustFind(r, ServiceFTMS, CharSupportedPowerRange)
		p.FTMSControlPoint = mustFind(r, ServiceFTMS, CharFTMSControlPoint)
		p.MachineStatus = mustFind(r, ServiceFTMS, CharMachineStatus)
	}

	if opts.VirtualShifting {
		if _, err := r.RegisterService(ServiceDef{
			UUID:    ServiceZwiftHub,
			Primary: true,
			Characteristics: []CharacteristicDef{
				{UUID: CharZwiftAsync, Properties: PropNotify},
				{UUID: CharZwiftSyncRx, Properties: PropWrite},
				{UUID: CharZwiftSyncTx, Properties: PropIndicate},
			},
		}); err != nil {
			return Profile{}, fmt.Errorf("register zwift hub service: %w", err)
		}
		p.Zwift = true
		p.ZwiftAsync = mustFind(r, ServiceZwiftHub, CharZwiftAsync)
		p.ZwiftSyncRx = mustFind(r, ServiceZwiftHub, CharZwiftSyncRx)
		p.ZwiftSyncTx = mustFind(r, ServiceZwiftHub, CharZwiftSyncTx)
	}

	return p, nil
}

func mustFind(r *Registry, svc, char UUID) CharID {
	id, err := r.FindCharacteristic(svc, char)
	if err != nil {
		panic(err)
	}
	return id
}
