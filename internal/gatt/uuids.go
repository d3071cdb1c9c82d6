package gatt

// Services and characteristics used on either side of the bridge.
var (
	// Fitness Machine Service (FTMS)
	ServiceFTMS             = UUID16(0x1826)
	CharFTMSFeature         = UUID16(0x2ACC)
	CharIndoorBikeData      = UUID16(0x2AD2)
	CharTrainingStatus      = UUID16(0x2AD3)
	CharSupportedPowerRange = UUID16(0x2AD8)
	CharFTMSControlPoint    = UUID16(0x2AD9)
	CharMachineStatus       = UUID16(0x2ADA)

	// Cycling Power Service
	ServiceCyclingPower         = UUID16(0x1818)
	CharCyclingPowerMeasurement = UUID16(0x2A63)
	CharCyclingPowerFeature     = UUID16(0x2A65)

	// Cycling Speed and Cadence Service
	ServiceCyclingSpeedCadence = UUID16(0x1816)
	CharCSCMeasurement         = UUID16(0x2A5B)

	// Zwift hub service used for virtual shifting
	ServiceZwiftHub = MustParseUUID("00000001-19ca-4651-86e5-fa29dcdd09d1")
	CharZwiftAsync  = MustParseUUID("00000002-19ca-4651-86e5-fa29dcdd09d1")
	CharZwiftSyncRx = MustParseUUID("00000003-19ca-4651-86e5-fa29dcdd09d1")
	CharZwiftSyncTx = MustParseUUID("00000004-19ca-4651-86e5-fa29dcdd09d1")

	// ANT+ FE-C tunnelled over BLE (Tacx)
	ServiceFEC   = MustParseUUID("6e40fec1-b5a3-f393-e0a9-e50e24dcca9e")
	CharFECRead  = MustParseUUID("6e40fec2-b5a3-f393-e0a9-e50e24dcca9e")
	CharFECWrite = MustParseUUID("6e40fec3-b5a3-f393-e0a9-e50e24dcca9e")
)
