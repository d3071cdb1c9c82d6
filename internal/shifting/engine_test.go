package shifting

import (
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
)

const tick = 500 * time.Millisecond

type recordingOutput struct {
	targets      []Target
	disconnected bool
}

func (o *recordingOutput) SendTarget(t Target) bool {
	o.targets = append(o.targets, t)
	return !o.disconnected
}

type engineFixture struct {
	engine   *Engine
	registry *gatt.Registry
	profile  gatt.Profile
	out      *recordingOutput
	now      time.Time
}

func newEngineFixture(t *testing.T, opts gatt.ProfileOptions, mutate func(*Settings)) *engineFixture {
	t.Helper()
	r := gatt.NewRegistry()
	p, err := gatt.BuildProfile(r, opts)
	require.NoError(t, err)

	settings := Settings{
		Gearing:             Gearing{ChainringTeeth: 50, SprocketTeeth: 17},
		DifficultyPercent:   100,
		VirtualShifting:     opts.VirtualShifting,
		VirtualShiftingMode: TrackResistance,
		MaxGradeStep:        0.5,
		ControlInterval:     tick,
		Physics:             Physics{RiderKg: 75, BikeKg: 9},
		WheelCircumferenceM: 2.096,
	}
	if mutate != nil {
		mutate(&settings)
	}
	out := &recordingOutput{}
	e := NewEngine(r, p, out, settings, log.New(io.Discard, "", 0))
	return &engineFixture{engine: e, registry: r, profile: p, out: out, now: time.Unix(1700000000, 0)}
}

// write queues a client write and runs one polling cycle.
func (f *engineFixture) write(t *testing.T, id gatt.CharID, b []byte) {
	t.Helper()
	require.NoError(t, f.registry.WriteValue(id, b))
	f.cycle(10 * time.Millisecond)
}

func (f *engineFixture) cycle(d time.Duration) {
	f.now = f.now.Add(d)
	f.engine.Update(f.now)
}

func (f *engineFixture) lastTarget(t *testing.T) Target {
	t.Helper()
	require.NotEmpty(t, f.out.targets)
	return f.out.targets[len(f.out.targets)-1]
}

var ftmsOnly = gatt.ProfileOptions{FTMS: true}
var zwiftOnly = gatt.ProfileOptions{VirtualShifting: true}

func TestEngine_ControlNotPermittedBeforeRequestControl(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, nil)

	f.write(t, f.profile.FTMSControlPoint, ftms.SetTargetPower(150))
	assert.Equal(t, ftms.EncodeResponse(ftms.OpSetTargetPower, ftms.ResultControlNotPermitted), f.registry.Value(f.profile.FTMSControlPoint))

	f.cycle(tick)
	assert.Empty(t, f.out.targets)
	assert.Equal(t, ERGMode, f.engine.Mode())
	assert.False(t, f.engine.Snapshot().ControlGranted)
}

func TestEngine_ErgAfterSetTargetPower(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, nil)

	f.write(t, f.profile.FTMSControlPoint, ftms.RequestControl())
	assert.Equal(t, ftms.EncodeResponse(ftms.OpRequestControl, ftms.ResultSuccess), f.registry.Value(f.profile.FTMSControlPoint))
	assert.Empty(t, f.out.targets, "no target before a command")

	f.write(t, f.profile.FTMSControlPoint, ftms.SetIndoorBikeSimulation(ftms.SimulationParams{GradePercent: 2, Crr: 0.004, Cw: 0.51}))
	assert.Equal(t, SIMMode, f.engine.Mode())

	f.write(t, f.profile.FTMSControlPoint, ftms.SetTargetPower(150))
	assert.Equal(t, ERGMode, f.engine.Mode())
	assert.Equal(t, ftms.EncodeResponse(ftms.OpSetTargetPower, ftms.ResultSuccess), f.registry.Value(f.profile.FTMSControlPoint))
	assert.Equal(t, []byte{ftms.StatusTargetPowerChanged, 150, 0}, f.registry.Value(f.profile.MachineStatus))

	f.cycle(tick)
	assert.Equal(t, Target{Kind: TargetPower, PowerWatts: 150}, f.lastTarget(t))
	sent := len(f.out.targets)

	f.cycle(tick)
	assert.Len(t, f.out.targets, sent, "unchanged target is not resent")
}

func TestEngine_ErgTargetClamped(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, nil)
	f.write(t, f.profile.FTMSControlPoint, ftms.RequestControl())
	f.write(t, f.profile.FTMSControlPoint, ftms.SetTargetPower(3000))
	f.cycle(tick)
	assert.Equal(t, int16(ftms.MaxTargetPowerWatts), f.lastTarget(t).PowerWatts)
}

func TestEngine_StartStopAndUnsupported(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, nil)
	f.write(t, f.profile.FTMSControlPoint, ftms.RequestControl())

	f.write(t, f.profile.FTMSControlPoint, ftms.StartOrResume())
	assert.Equal(t, ftms.TrainingStatusValue(ftms.TrainingManualMode), f.registry.Value(f.profile.TrainingStatus))
	assert.Equal(t, []byte{ftms.StatusStartedOrResumed}, f.registry.Value(f.profile.MachineStatus))
	assert.True(t, f.engine.Snapshot().Training)

	f.write(t, f.profile.FTMSControlPoint, []byte{ftms.OpStopOrPause, ftms.StopParamPause})
	assert.Equal(t, ftms.TrainingStatusValue(ftms.TrainingIdle), f.registry.Value(f.profile.TrainingStatus))
	assert.Equal(t, []byte{ftms.StatusStoppedOrPaused, ftms.StopParamPause}, f.registry.Value(f.profile.MachineStatus))

	f.write(t, f.profile.FTMSControlPoint, ftms.SetTargetResistance(20))
	assert.Equal(t, ftms.EncodeResponse(ftms.OpSetTargetResistance, ftms.ResultOpCodeNotSupported), f.registry.Value(f.profile.FTMSControlPoint))

	f.write(t, f.profile.FTMSControlPoint, []byte{ftms.OpSetTargetPower, 0x10})
	assert.Equal(t, ftms.EncodeResponse(ftms.OpSetTargetPower, ftms.ResultInvalidParameter), f.registry.Value(f.profile.FTMSControlPoint))
}

func TestEngine_ConsumesOneWritePerCycle(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, nil)
	require.NoError(t, f.registry.WriteValue(f.profile.FTMSControlPoint, ftms.RequestControl()))
	require.NoError(t, f.registry.WriteValue(f.profile.FTMSControlPoint, ftms.SetTargetPower(100)))

	f.cycle(0)
	assert.Equal(t, 1, f.registry.PendingWrites(f.profile.FTMSControlPoint))
	assert.Equal(t, ftms.EncodeResponse(ftms.OpRequestControl, ftms.ResultSuccess), f.registry.Value(f.profile.FTMSControlPoint))

	f.cycle(0)
	assert.Equal(t, 0, f.registry.PendingWrites(f.profile.FTMSControlPoint))
	assert.Equal(t, ftms.EncodeResponse(ftms.OpSetTargetPower, ftms.ResultSuccess), f.registry.Value(f.profile.FTMSControlPoint))
}

func TestEngine_SimModePassesRawGrade(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, nil)
	f.write(t, f.profile.FTMSControlPoint, ftms.RequestControl())

	sim := ftms.SimulationParams{WindSpeedMps: 1.5, GradePercent: 4.5, Crr: 0.004, Cw: 0.51}
	w := ftms.SetIndoorBikeSimulation(sim)
	f.write(t, f.profile.FTMSControlPoint, w)
	assert.Equal(t, append([]byte{ftms.StatusSimulationParamsChanged}, w[1:]...), f.registry.Value(f.profile.MachineStatus))

	f.cycle(tick)
	assert.Equal(t, SIMMode, f.engine.Mode())
	got := f.lastTarget(t)
	require.Equal(t, TargetSimulation, got.Kind)
	assert.InDelta(t, 4.5, got.Simulation.GradePercent, 1e-9)
	assert.InDelta(t, 1.5, got.Simulation.WindSpeedMps, 1e-9)
	assert.InDelta(t, 0.004, got.Simulation.Crr, 1e-9)
	assert.InDelta(t, 0.51, got.Simulation.Cw, 1e-9)
	assert.InDelta(t, 4.5, f.engine.EffectiveGrade(), 1e-9)
}

func TestEngine_GradeSmoothingRateLimitsTargets(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, func(s *Settings) { s.GradeSmoothing = true })
	f.write(t, f.profile.FTMSControlPoint, ftms.RequestControl())
	f.write(t, f.profile.FTMSControlPoint, ftms.SetIndoorBikeSimulation(ftms.SimulationParams{GradePercent: 10, Crr: 0.004, Cw: 0.51}))

	prev := 0.0
	for i := 0; i < 30; i++ {
		f.cycle(tick)
		g := f.engine.EffectiveGrade()
		assert.LessOrEqual(t, math.Abs(g-prev), 0.5+1e-9)
		prev = g
	}
	assert.InDelta(t, 10, f.engine.EffectiveGrade(), 1e-9)
	assert.InDelta(t, 10, f.lastTarget(t).Simulation.GradePercent, 1e-9)
	assert.Greater(t, len(f.out.targets), 10, "the ramp takes several ticks")
}

func TestEngine_ResyncAfterReconnect(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, nil)
	f.out.disconnected = true
	f.write(t, f.profile.FTMSControlPoint, ftms.RequestControl())
	f.write(t, f.profile.FTMSControlPoint, ftms.SetTargetPower(180))
	f.cycle(tick)
	require.Len(t, f.out.targets, 1)

	f.cycle(tick)
	assert.Len(t, f.out.targets, 1, "a dropped target is not retried")

	f.out.disconnected = false
	f.engine.Resync()
	f.cycle(tick)
	require.Len(t, f.out.targets, 2)
	assert.Equal(t, Target{Kind: TargetPower, PowerWatts: 180}, f.out.targets[1])
}

func TestEngine_TelemetryCommittedToIndoorBikeData(t *testing.T) {
	f := newEngineFixture(t, ftmsOnly, nil)
	before := f.registry.Version(f.profile.IndoorBikeData)

	d := ftms.IndoorBikeData{HasSpeed: true, HasCadence: true, HasPower: true, SpeedKmh: 32.4, CadenceRpm: 88, PowerWatts: 210}
	f.engine.OnTelemetry(d)

	assert.Equal(t, d.Encode(), f.registry.Value(f.profile.IndoorBikeData))
	assert.Greater(t, f.registry.Version(f.profile.IndoorBikeData), before)
	assert.Equal(t, d, f.engine.Snapshot().Telemetry)
}

func TestEngine_HubRideOnAndRidingData(t *testing.T) {
	f := newEngineFixture(t, zwiftOnly, nil)

	f.write(t, f.profile.ZwiftSyncRx, []byte("RideOn"))
	assert.Equal(t, RideOnReply(), f.registry.Value(f.profile.ZwiftSyncTx))

	f.engine.OnTelemetry(ftms.IndoorBikeData{HasSpeed: true, HasCadence: true, HasPower: true, SpeedKmh: 30, CadenceRpm: 91, PowerWatts: 240, HeartRateBpm: 140})
	d, err := DecodeRidingData(f.registry.Value(f.profile.ZwiftAsync))
	require.NoError(t, err)
	assert.Equal(t, RidingData{Power: 240, Cadence: 91, SpeedX100: 3000, HeartRate: 140}, d)
}

func hubSimulation(grade float64) []byte {
	return EncodeHubCommand(HubCommand{
		HasSimulation: true,
		Simulation:    ftms.SimulationParams{GradePercent: grade, Crr: 0.004, Cw: 0.51},
	})
}

func TestEngine_VirtualShiftingScalesGrade(t *testing.T) {
	f := newEngineFixture(t, zwiftOnly, func(s *Settings) { s.DifficultyPercent = 50 })

	f.write(t, f.profile.ZwiftSyncRx, hubSimulation(4))
	f.cycle(tick)
	assert.Equal(t, SIMModeVirtualShifting, f.engine.Mode())
	assert.InDelta(t, 2.0, f.engine.EffectiveGrade(), 1e-9)
	require.Equal(t, TargetSimulation, f.lastTarget(t).Kind)
	assert.InDelta(t, 2.0, f.lastTarget(t).Simulation.GradePercent, 1e-9)

	// Shift into a gear twice as hard as the configured one.
	harder := 2 * Gearing{ChainringTeeth: 50, SprocketTeeth: 17}.Ratio()
	f.write(t, f.profile.ZwiftSyncRx, EncodeHubCommand(HubCommand{HasGearRatio: true, GearRatio: harder}))
	f.cycle(tick)
	assert.Equal(t, SIMModeVirtualShifting, f.engine.Mode(), "a gear change is not a mode command")
	assert.InDelta(t, harder, f.engine.GearRatio(), 1e-3)
	assert.InDelta(t, 4.0, f.engine.EffectiveGrade(), 1e-3)
}

func TestEngine_VirtualShiftingBasicResistance(t *testing.T) {
	f := newEngineFixture(t, zwiftOnly, func(s *Settings) { s.VirtualShiftingMode = BasicResistance })

	f.write(t, f.profile.ZwiftSyncRx, hubSimulation(5))
	f.cycle(tick)
	got := f.lastTarget(t)
	require.Equal(t, TargetResistance, got.Kind)
	assert.InDelta(t, 40, got.ResistancePercent, 1e-9)

	f.write(t, f.profile.ZwiftSyncRx, hubSimulation(-10))
	f.cycle(tick)
	assert.InDelta(t, 0, f.lastTarget(t).ResistancePercent, 1e-9)
}

func TestEngine_VirtualShiftingTargetPower(t *testing.T) {
	f := newEngineFixture(t, zwiftOnly, func(s *Settings) { s.VirtualShiftingMode = TargetPowerMode })
	f.engine.OnTelemetry(ftms.IndoorBikeData{HasCadence: true, CadenceRpm: 90})

	f.write(t, f.profile.ZwiftSyncRx, hubSimulation(0))
	f.cycle(tick)

	got := f.lastTarget(t)
	require.Equal(t, TargetPower, got.Kind)
	speed := CadenceSpeed(90, 50.0/17, 2.096)
	want := Physics{RiderKg: 75, BikeKg: 9}.PowerForSpeed(speed, 0, ftms.SimulationParams{Crr: 0.004, Cw: 0.51})
	assert.InDelta(t, want, float64(got.PowerWatts), 1)
	assert.Greater(t, got.PowerWatts, int16(100))
}

func TestEngine_HubPowerTargetIsErg(t *testing.T) {
	f := newEngineFixture(t, zwiftOnly, nil)
	f.write(t, f.profile.ZwiftSyncRx, EncodeHubCommand(HubCommand{HasPowerTarget: true, PowerTarget: 220}))
	f.cycle(tick)
	assert.Equal(t, ERGMode, f.engine.Mode())
	assert.Equal(t, Target{Kind: TargetPower, PowerWatts: 220}, f.lastTarget(t))
}
