package bt

import (
	"bytes"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
)

type connectCall struct {
	attempt   uint64
	address   string
	subscribe []gatt.UUID
}

type writeCall struct {
	char gatt.UUID
	data []byte
}

// fakeCentral records calls and hands out scripted events.
type fakeCentral struct {
	pending     []CentralEvent
	scanning    bool
	scans       int
	scanErrs    int
	connects    []connectCall
	disconnects int
	writes      []writeCall
	writeErr    error
}

func (f *fakeCentral) Enable() error { return nil }

func (f *fakeCentral) StartScan() error {
	f.scans++
	if f.scanErrs > 0 {
		f.scanErrs--
		return errors.New("adapter busy")
	}
	f.scanning = true
	return nil
}

func (f *fakeCentral) StopScan() error {
	f.scanning = false
	return nil
}

func (f *fakeCentral) Connect(attempt uint64, address string, subscribe []gatt.UUID) error {
	f.connects = append(f.connects, connectCall{attempt, address, subscribe})
	return nil
}

func (f *fakeCentral) Disconnect() error {
	f.disconnects++
	return nil
}

func (f *fakeCentral) Write(char gatt.UUID, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, writeCall{char, data})
	return nil
}

func (f *fakeCentral) Poll() []CentralEvent {
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeCentral) Close() {}

func (f *fakeCentral) push(ev CentralEvent) {
	f.pending = append(f.pending, ev)
}

func (f *fakeCentral) lastConnect(t *testing.T) connectCall {
	t.Helper()
	require.NotEmpty(t, f.connects)
	return f.connects[len(f.connects)-1]
}

var (
	kickr   = ScannedDevice{Address: "AA:BB:CC:00:00:01", Name: "Wahoo KICKR CORE 1234", RSSI: -60}
	strap   = ScannedDevice{Address: "AA:BB:CC:00:00:02", Name: "TICKR FIT 77", RSSI: -50}
	assioma = ScannedDevice{Address: "AA:BB:CC:00:00:03", Name: "Assioma 12", RSSI: -40}
)

var ftmsTrainerChars = []gatt.UUID{gatt.CharIndoorBikeData, gatt.CharFTMSControlPoint, gatt.CharCyclingPowerMeasurement}

type bridgeFixture struct {
	central *fakeCentral
	bridge  *Bridge
	now     time.Time
	logs    *bytes.Buffer
}

func newBridgeFixture(t *testing.T, filter string) *bridgeFixture {
	t.Helper()
	var buf bytes.Buffer
	central := &fakeCentral{}
	b := NewBridge(central, Options{
		NameFilter:     filter,
		ScanInterval:   time.Second,
		RetryInterval:  time.Second,
		ConnectTimeout: 10 * time.Second,
		Profile:        TrainerProfile{RiderKg: 75, BikeKg: 9, WheelCircumferenceM: 2.096},
	}, log.New(&buf, "", 0))
	return &bridgeFixture{central: central, bridge: b, now: time.Unix(1_700_000_000, 0), logs: &buf}
}

func (f *bridgeFixture) step(d time.Duration) []Event {
	f.now = f.now.Add(d)
	return f.bridge.Update(f.now)
}

func (f *bridgeFixture) advertise(devs ...ScannedDevice) {
	for _, d := range devs {
		f.central.push(CentralEvent{Kind: CentralScanResult, Device: d})
	}
}

// connectKICKR runs the bridge until it is connected to kickr.
func (f *bridgeFixture) connectKICKR(t *testing.T, chars []gatt.UUID) []Event {
	t.Helper()
	f.step(0)
	f.advertise(kickr, strap)
	f.step(time.Second)
	require.Equal(t, StateConnecting, f.bridge.State())
	f.central.push(CentralEvent{Kind: CentralConnected, Attempt: f.central.lastConnect(t).attempt, Device: kickr, Characteristics: chars})
	evs := f.step(100 * time.Millisecond)
	require.Equal(t, StateConnected, f.bridge.State())
	return evs
}

func TestMatchesFilter(t *testing.T) {
	tests := []struct {
		filter, name string
		want         bool
	}{
		{"KICKR", "Wahoo KICKR CORE 1234", true},
		{"kickr", "Wahoo KICKR CORE 1234", true},
		{"KICKR", "TICKR FIT 77", false},
		{"KICKR", "", false},
		{"", "Wahoo KICKR CORE 1234", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchesFilter(tt.filter, tt.name), "%q in %q", tt.filter, tt.name)
	}
}

func TestBridge_FilterSelectsOnlyMatchingDevice(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.step(0)
	assert.Equal(t, StateScanning, f.bridge.State())
	assert.True(t, f.central.scanning)

	f.advertise(strap, assioma, kickr)
	f.step(time.Second)

	require.Len(t, f.central.connects, 1)
	call := f.central.connects[0]
	assert.Equal(t, kickr.Address, call.address)
	assert.Equal(t, uint64(1), call.attempt)
	assert.Contains(t, call.subscribe, gatt.CharIndoorBikeData)
	assert.Equal(t, StateConnecting, f.bridge.State())
	assert.False(t, f.central.scanning, "scan stops while connecting")
	assert.Equal(t, "Connecting to Wahoo KICKR CORE 1234 (AA:BB:CC:00:00:01)", f.bridge.StatusMessage())
}

func TestBridge_EmptyFilterOnlyScans(t *testing.T) {
	f := newBridgeFixture(t, "")
	f.step(0)
	for i := 0; i < 5; i++ {
		f.advertise(kickr, strap)
		f.step(time.Second)
	}
	assert.Empty(t, f.central.connects)
	assert.Equal(t, []string{"TICKR FIT 77", "Wahoo KICKR CORE 1234"}, f.bridge.ScannedNames())
	assert.Equal(t, "Scanning, 2 devices found, no trainer filter set", f.bridge.StatusMessage())
}

func TestBridge_RestartsScanThatFailedToStart(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.central.scanErrs = 2

	f.step(0)
	assert.Equal(t, StateScanning, f.bridge.State())
	assert.False(t, f.central.scanning)

	f.step(time.Second)
	assert.False(t, f.central.scanning, "second start fails too")

	f.step(time.Second)
	assert.True(t, f.central.scanning)
	assert.Equal(t, 3, f.central.scans)
	assert.Contains(t, f.logs.String(), "adapter busy")

	f.advertise(kickr)
	f.step(time.Second)
	require.Len(t, f.central.connects, 1)
	assert.Equal(t, StateConnecting, f.bridge.State())
}

func TestBridge_RestartsScanThatEnded(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.step(0)
	require.True(t, f.central.scanning)

	// the stack stopped scanning on its own
	f.central.scanning = false
	f.step(time.Second)
	assert.True(t, f.central.scanning)
}

func TestBridge_ScanListDropsStaleDevices(t *testing.T) {
	f := newBridgeFixture(t, "")
	f.step(0)
	f.advertise(kickr, strap)
	f.step(time.Second)
	require.Len(t, f.bridge.ScannedDevices(), 2)

	for i := 0; i < 3; i++ {
		f.advertise(strap)
		f.step(time.Second)
	}
	f.advertise(strap)
	f.step(time.Second)
	assert.Equal(t, []string{"TICKR FIT 77"}, f.bridge.ScannedNames())
}

func TestBridge_ConnectTimeoutReturnsToScanningAndRetries(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.step(0)
	f.advertise(kickr)
	f.step(time.Second)
	require.Equal(t, StateConnecting, f.bridge.State())

	f.step(9 * time.Second)
	assert.Equal(t, StateConnecting, f.bridge.State())

	f.step(time.Second)
	assert.Equal(t, StateScanning, f.bridge.State())
	assert.Equal(t, 1, f.central.disconnects)
	assert.True(t, f.central.scanning)

	f.advertise(kickr)
	f.step(time.Second)
	require.Len(t, f.central.connects, 2, "retries are unbounded")
	assert.Equal(t, StateConnecting, f.bridge.State())
}

func TestBridge_StaleAttemptIgnored(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.step(0)
	f.advertise(kickr)
	f.step(time.Second)
	first := f.central.lastConnect(t).attempt

	f.step(10 * time.Second)
	require.Equal(t, StateScanning, f.bridge.State())
	f.advertise(kickr)
	f.step(time.Second)
	second := f.central.lastConnect(t).attempt
	require.NotEqual(t, first, second)

	f.central.push(CentralEvent{Kind: CentralConnected, Attempt: first, Device: kickr, Characteristics: ftmsTrainerChars})
	f.step(100 * time.Millisecond)
	assert.Equal(t, StateConnecting, f.bridge.State())
	assert.Equal(t, 2, f.central.disconnects, "timeout plus stale connection")

	f.central.push(CentralEvent{Kind: CentralConnectFailed, Attempt: first, Device: kickr})
	f.step(100 * time.Millisecond)
	assert.Equal(t, StateConnecting, f.bridge.State())

	f.central.push(CentralEvent{Kind: CentralConnected, Attempt: second, Device: kickr, Characteristics: ftmsTrainerChars})
	f.step(100 * time.Millisecond)
	assert.Equal(t, StateConnected, f.bridge.State())
}

func TestBridge_ConnectFailureRetriesAfterInterval(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.step(0)
	f.advertise(kickr)
	f.step(time.Second)

	f.central.push(CentralEvent{Kind: CentralConnectFailed, Attempt: f.central.lastConnect(t).attempt, Device: kickr})
	f.step(100 * time.Millisecond)
	assert.Equal(t, StateScanning, f.bridge.State())

	f.advertise(kickr)
	f.step(500 * time.Millisecond)
	assert.Len(t, f.central.connects, 1)

	f.advertise(kickr)
	f.step(time.Second)
	assert.Len(t, f.central.connects, 2)
}

func TestBridge_ConnectSendsFTMSStartup(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	evs := f.connectKICKR(t, ftmsTrainerChars)

	require.Len(t, evs, 1)
	assert.Equal(t, TrainerConnected, evs[0].Kind)
	assert.Equal(t, kickr.Address, evs[0].Device.Address)
	assert.Equal(t, ControlFTMS, f.bridge.Control())
	require.Len(t, f.central.writes, 2)
	assert.Equal(t, []byte{ftms.OpRequestControl}, f.central.writes[0].data)
	assert.Equal(t, []byte{ftms.OpStartOrResume}, f.central.writes[1].data)
	assert.Equal(t, gatt.CharFTMSControlPoint, f.central.writes[0].char)
	assert.Equal(t, "Connected to Wahoo KICKR CORE 1234 (AA:BB:CC:00:00:01), FTMS control", f.bridge.StatusMessage())

	dev, ok := f.bridge.Device()
	require.True(t, ok)
	assert.Equal(t, kickr.Name, dev.Name)
}

func TestBridge_ConnectSendsFECUserConfig(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.connectKICKR(t, []gatt.UUID{gatt.CharFECRead, gatt.CharFECWrite})

	assert.Equal(t, ControlFEC, f.bridge.Control())
	require.Len(t, f.central.writes, 1)
	assert.Equal(t, gatt.CharFECWrite, f.central.writes[0].char)
	assert.Equal(t, byte(fecPageUserConfig), f.central.writes[0].data[4])
}

func TestBridge_SendTarget(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	assert.False(t, f.bridge.SendTarget(shifting.Target{Kind: shifting.TargetPower, PowerWatts: 200}), "no trainer yet")

	f.connectKICKR(t, ftmsTrainerChars)
	f.central.writes = nil

	require.True(t, f.bridge.SendTarget(shifting.Target{Kind: shifting.TargetPower, PowerWatts: 200}))
	require.Len(t, f.central.writes, 1)
	assert.Equal(t, []byte{ftms.OpSetTargetPower, 0xC8, 0x00}, f.central.writes[0].data)

	f.central.writeErr = ErrWriteQueueFull
	assert.False(t, f.bridge.SendTarget(shifting.Target{Kind: shifting.TargetPower, PowerWatts: 210}))
}

func TestBridge_TelemetryOnlyTrainerCannotBeControlled(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.connectKICKR(t, []gatt.UUID{gatt.CharCyclingPowerMeasurement})
	assert.Equal(t, ControlNone, f.bridge.Control())
	assert.Empty(t, f.central.writes)
	assert.False(t, f.bridge.SendTarget(shifting.Target{Kind: shifting.TargetPower, PowerWatts: 200}))
}

func TestBridge_DisconnectClearsHandles(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.connectKICKR(t, ftmsTrainerChars)
	require.True(t, f.bridge.HasCharacteristic(gatt.CharFTMSControlPoint))

	f.central.push(CentralEvent{Kind: CentralDisconnected, Device: kickr})
	evs := f.step(100 * time.Millisecond)

	require.Len(t, evs, 1)
	assert.Equal(t, TrainerDisconnected, evs[0].Kind)
	assert.Equal(t, kickr.Address, evs[0].Device.Address)
	assert.Equal(t, StateScanning, f.bridge.State())
	assert.False(t, f.bridge.HasCharacteristic(gatt.CharFTMSControlPoint))
	assert.Equal(t, ControlNone, f.bridge.Control())
	_, ok := f.bridge.Device()
	assert.False(t, ok)
	assert.False(t, f.bridge.SendTarget(shifting.Target{Kind: shifting.TargetPower, PowerWatts: 200}))
	assert.True(t, f.central.scanning)
}

func TestBridge_NotificationsBecomeEvents(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.connectKICKR(t, ftmsTrainerChars)

	ibd := ftms.IndoorBikeData{HasSpeed: true, SpeedKmh: 30, HasCadence: true, CadenceRpm: 90, HasPower: true, PowerWatts: 250}
	cps := []byte{0x00, 0x00, 0xFA, 0x00}
	f.central.push(CentralEvent{Kind: CentralNotification, Char: gatt.CharIndoorBikeData, Data: ibd.Encode()})
	f.central.push(CentralEvent{Kind: CentralNotification, Char: gatt.CharCyclingPowerMeasurement, Data: cps})
	f.central.push(CentralEvent{Kind: CentralNotification, Char: gatt.CharFTMSControlPoint, Data: []byte{0x80, 0x05, 0x05}})
	evs := f.step(100 * time.Millisecond)

	require.Len(t, evs, 3)
	assert.Equal(t, TelemetryReceived, evs[0].Kind)
	assert.InDelta(t, 30, evs[0].Telemetry.SpeedKmh, 0.01)
	assert.Equal(t, int16(250), evs[0].Telemetry.PowerWatts)
	assert.Equal(t, PowerMeasurementReceived, evs[1].Kind)
	assert.Equal(t, cps, evs[1].Raw)
	assert.Equal(t, TelemetryReceived, evs[2].Kind)
	assert.Contains(t, f.logs.String(), "Control Not Permitted")
}

func TestBridge_NotificationsIgnoredWhenNotConnected(t *testing.T) {
	f := newBridgeFixture(t, "KICKR")
	f.step(0)
	f.central.push(CentralEvent{Kind: CentralNotification, Char: gatt.CharIndoorBikeData, Data: []byte{0x00, 0x00, 0x10, 0x00}})
	assert.Empty(t, f.step(100*time.Millisecond))
}
