package shifting

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
)

// TargetKind selects which field of a Target the trainer should follow.
type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetPower
	TargetResistance
	TargetSimulation
)

func (k TargetKind) String() string {
	switch k {
	case TargetPower:
		return "power"
	case TargetResistance:
		return "resistance"
	case TargetSimulation:
		return "simulation"
	default:
		return "none"
	}
}

// Target is the command sent to the physical trainer.
type Target struct {
	Kind              TargetKind
	PowerWatts        int16
	ResistancePercent float64
	Simulation        ftms.SimulationParams
}

func (t Target) String() string {
	switch t.Kind {
	case TargetPower:
		return fmt.Sprintf("%d W", t.PowerWatts)
	case TargetResistance:
		return fmt.Sprintf("%.1f %%", t.ResistancePercent)
	case TargetSimulation:
		return fmt.Sprintf("%.2f %% grade", t.Simulation.GradePercent)
	default:
		return "none"
	}
}

// TrainerOutput forwards targets to the trainer. SendTarget reports false
// when no trainer is connected and the target was dropped.
type TrainerOutput interface {
	SendTarget(t Target) bool
}

// Settings are the engine inputs taken from configuration.
type Settings struct {
	Gearing             Gearing
	DifficultyPercent   float64
	VirtualShifting     bool
	VirtualShiftingMode VirtualShiftingMode
	GradeSmoothing      bool
	MaxGradeStep        float64
	ControlInterval     time.Duration
	Physics             Physics
	WheelCircumferenceM float64
}

// Snapshot is the engine state shown in status output.
type Snapshot struct {
	Mode           TrainerMode
	LastCommand    CommandKind
	ControlGranted bool
	Training       bool
	RawGrade       float64
	EffectiveGrade float64
	GearRatio      float64
	LastTarget     Target
	Telemetry      ftms.IndoorBikeData
}

// Engine translates control writes from DirCon clients into trainer targets
// and commits trainer telemetry back into the registry. All methods run on
// the polling loop.
type Engine struct {
	registry *gatt.Registry
	profile  gatt.Profile
	out      TrainerOutput
	settings Settings
	logger   *log.Logger

	configuredRatio float64
	currentRatio    float64
	physics         Physics

	controlGranted bool
	training       bool
	lastCommand    CommandKind
	powerTarget    int16
	simulation     ftms.SimulationParams

	smoother       *GradeSmoother
	effectiveGrade float64
	lastControl    time.Time
	lastSent       Target
	resync         bool

	telemetry ftms.IndoorBikeData
}

func NewEngine(registry *gatt.Registry, profile gatt.Profile, out TrainerOutput, settings Settings, logger *log.Logger) *Engine {
	if registry == nil {
		panic("VirtualShiftingEngine: registry cannot be nil")
	}
	if out == nil {
		panic("VirtualShiftingEngine: trainer output cannot be nil")
	}
	if logger == nil {
		panic("VirtualShiftingEngine: logger cannot be nil")
	}
	ratio := settings.Gearing.Ratio()
	return &Engine{
		registry:        registry,
		profile:         profile,
		out:             out,
		settings:        settings,
		logger:          logger,
		configuredRatio: ratio,
		currentRatio:    ratio,
		physics:         settings.Physics,
		simulation:      ftms.DefaultSimulation,
		smoother:        NewGradeSmoother(settings.MaxGradeStep),
	}
}

// Update consumes at most one pending write per control characteristic and,
// once per control interval, sends the current target to the trainer.
func (e *Engine) Update(now time.Time) {
	if e.profile.FTMS {
		if w, ok := e.registry.ConsumeWrite(e.profile.FTMSControlPoint); ok {
			e.handleControlPoint(w)
		}
	}
	if e.profile.Zwift {
		if w, ok := e.registry.ConsumeWrite(e.profile.ZwiftSyncRx); ok {
			e.handleHubWrite(w)
		}
	}

	if !e.lastControl.IsZero() && now.Sub(e.lastControl) < e.settings.ControlInterval {
		return
	}
	e.lastControl = now
	e.control()
}

// Resync makes the next control tick resend the current target, used after
// the trainer reconnects.
func (e *Engine) Resync() {
	e.resync = true
}

// Mode is derived on demand from the last command and the settings.
func (e *Engine) Mode() TrainerMode {
	return DeriveMode(e.lastCommand, e.settings.VirtualShifting)
}

// EffectiveGrade is the grade used for the last simulation target.
func (e *Engine) EffectiveGrade() float64 {
	return e.effectiveGrade
}

// GearRatio is the ratio currently selected by the rider.
func (e *Engine) GearRatio() float64 {
	return e.currentRatio
}

func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Mode:           e.Mode(),
		LastCommand:    e.lastCommand,
		ControlGranted: e.controlGranted,
		Training:       e.training,
		RawGrade:       e.simulation.GradePercent,
		EffectiveGrade: e.effectiveGrade,
		GearRatio:      e.currentRatio,
		LastTarget:     e.lastSent,
		Telemetry:      e.telemetry,
	}
}

// OnTelemetry commits trainer telemetry into the exposed characteristics.
func (e *Engine) OnTelemetry(d ftms.IndoorBikeData) {
	e.telemetry = d
	if e.profile.FTMS {
		e.registry.SetValue(e.profile.IndoorBikeData, d.Encode())
	}
	if e.profile.Zwift {
		e.registry.SetValue(e.profile.ZwiftAsync, EncodeRidingData(RidingData{
			Power:     uint32(max(d.PowerWatts, 0)),
			Cadence:   uint32(math.Round(d.CadenceRpm)),
			SpeedX100: uint32(math.Round(d.SpeedKmh * 100)),
			HeartRate: uint32(d.HeartRateBpm),
		}))
	}
}

func (e *Engine) handleControlPoint(w []byte) {
	req, err := ftms.DecodeRequest(w)
	if err != nil {
		e.logger.Printf("VirtualShiftingEngine: %v", err)
		if len(w) > 0 {
			e.respond(w[0], ftms.ResultInvalidParameter)
		}
		return
	}

	if req.Op == ftms.OpRequestControl {
		e.controlGranted = true
		e.logger.Printf("VirtualShiftingEngine: control granted")
		e.respond(req.Op, ftms.ResultSuccess)
		return
	}
	if !e.controlGranted && isKnownOp(req.Op) {
		e.respond(req.Op, ftms.ResultControlNotPermitted)
		return
	}

	switch req.Op {
	case ftms.OpReset:
		e.lastCommand = CommandNone
		e.training = false
		e.respond(req.Op, ftms.ResultSuccess)
		e.machineStatus(ftms.StatusReset)
		e.trainingStatus(ftms.TrainingIdle)
	case ftms.OpSetTargetPower:
		e.setPowerTarget(req.TargetPowerWatts)
		e.respond(req.Op, ftms.ResultSuccess)
		e.machineStatus(ftms.StatusTargetPowerChanged, byte(req.TargetPowerWatts), byte(uint16(req.TargetPowerWatts)>>8))
	case ftms.OpStartOrResume:
		e.training = true
		e.respond(req.Op, ftms.ResultSuccess)
		e.trainingStatus(ftms.TrainingManualMode)
		e.machineStatus(ftms.StatusStartedOrResumed)
	case ftms.OpStopOrPause:
		e.training = false
		e.respond(req.Op, ftms.ResultSuccess)
		e.machineStatus(ftms.StatusStoppedOrPaused, req.StopParam)
		e.trainingStatus(ftms.TrainingIdle)
	case ftms.OpSetIndoorBikeSimulation:
		e.setSimulation(req.Simulation)
		e.respond(req.Op, ftms.ResultSuccess)
		e.machineStatus(ftms.StatusSimulationParamsChanged, w[1:7]...)
	default:
		e.logger.Printf("VirtualShiftingEngine: unsupported control point op %s", ftms.OpName(req.Op))
		e.respond(req.Op, ftms.ResultOpCodeNotSupported)
	}
}

func isKnownOp(op byte) bool {
	switch op {
	case ftms.OpReset, ftms.OpSetTargetPower, ftms.OpStartOrResume, ftms.OpStopOrPause, ftms.OpSetIndoorBikeSimulation:
		return true
	}
	return false
}

func (e *Engine) handleHubWrite(w []byte) {
	if IsRideOn(w) {
		e.logger.Printf("VirtualShiftingEngine: RideOn handshake")
		e.registry.SetValue(e.profile.ZwiftSyncTx, RideOnReply())
		return
	}
	cmd, err := DecodeHubCommand(w)
	if err != nil {
		e.logger.Printf("VirtualShiftingEngine: ignoring hub write % X: %v", w, err)
		return
	}
	if cmd.HasWeights {
		if cmd.RiderKg > 0 {
			e.physics.RiderKg = cmd.RiderKg
		}
		if cmd.BikeKg > 0 {
			e.physics.BikeKg = cmd.BikeKg
		}
	}
	if cmd.HasGearRatio && cmd.GearRatio > 0 {
		if cmd.GearRatio != e.currentRatio {
			e.logger.Printf("VirtualShiftingEngine: gear ratio %.2f", cmd.GearRatio)
		}
		e.currentRatio = cmd.GearRatio
	}
	switch {
	case cmd.HasPowerTarget:
		e.setPowerTarget(int16(min(cmd.PowerTarget, ftms.MaxTargetPowerWatts)))
	case cmd.HasSimulation:
		e.setSimulation(cmd.Simulation)
	}
}

func (e *Engine) setPowerTarget(watts int16) {
	if e.lastCommand != CommandTargetPower || e.powerTarget != watts {
		e.logger.Printf("VirtualShiftingEngine: target power %d W", watts)
	}
	e.lastCommand = CommandTargetPower
	e.powerTarget = watts
}

func (e *Engine) setSimulation(p ftms.SimulationParams) {
	e.lastCommand = CommandSimulation
	e.simulation = p
}

func (e *Engine) respond(op, result byte) {
	e.registry.SetValue(e.profile.FTMSControlPoint, ftms.EncodeResponse(op, result))
}

func (e *Engine) machineStatus(op byte, params ...byte) {
	e.registry.SetValue(e.profile.MachineStatus, ftms.MachineStatusValue(op, params...))
}

func (e *Engine) trainingStatus(status byte) {
	e.registry.SetValue(e.profile.TrainingStatus, ftms.TrainingStatusValue(status))
}

// control runs once per control tick.
func (e *Engine) control() {
	target := e.target()
	if target.Kind == TargetNone {
		return
	}
	if target == e.lastSent && !e.resync {
		return
	}
	if !e.out.SendTarget(target) {
		e.logger.Printf("VirtualShiftingEngine: trainer not connected, dropped target %s", target)
	}
	e.lastSent = target
	e.resync = false
}

// target computes the trainer target for the current mode, stepping the
// grade smoother once.
func (e *Engine) target() Target {
	mode := e.Mode()
	if mode == ERGMode {
		if e.lastCommand != CommandTargetPower {
			return Target{}
		}
		watts := min(max(e.powerTarget, ftms.MinTargetPowerWatts), ftms.MaxTargetPowerWatts)
		return Target{Kind: TargetPower, PowerWatts: watts}
	}

	vs := mode == SIMModeVirtualShifting
	grade := ScaleGrade(e.simulation.GradePercent, e.settings.DifficultyPercent, e.currentRatio/e.configuredRatio, vs)
	if e.settings.GradeSmoothing {
		grade = e.smoother.Step(grade)
	} else {
		e.smoother.Reset(grade)
	}
	e.effectiveGrade = grade

	sim := e.simulation
	sim.GradePercent = grade
	if !vs {
		return Target{Kind: TargetSimulation, Simulation: sim}
	}

	switch e.settings.VirtualShiftingMode {
	case BasicResistance:
		return Target{Kind: TargetResistance, ResistancePercent: min(max(20+4*grade, 0), 100)}
	case TargetPowerMode:
		speed := CadenceSpeed(e.telemetry.CadenceRpm, e.currentRatio, e.settings.WheelCircumferenceM)
		watts := e.physics.PowerForSpeed(speed, grade, sim)
		watts = min(max(math.Round(watts), ftms.MinTargetPowerWatts), ftms.MaxTargetPowerWatts)
		return Target{Kind: TargetPower, PowerWatts: int16(watts)}
	default:
		return Target{Kind: TargetSimulation, Simulation: sim}
	}
}
