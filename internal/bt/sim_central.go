package bt

import (
	"context"
	"encoding/binary"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/events"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
)

const (
	simGearRatio          = 2.5
	simWheelCircumference = 2.105
	simRiderWatts         = 150
	simHeartRate          = 128
)

// SimOptions configure the simulated trainer.
type SimOptions struct {
	Name       string
	Address    string
	Interval   time.Duration
	CadenceRpm float64
	// FEC makes the trainer speak ANT+ FE-C over BLE instead of FTMS.
	FEC     bool
	Physics shifting.Physics
	// ConnectAsync completes connects on the next Tick instead of inside
	// Connect, the way a radio link does.
	ConnectAsync bool
}

// DefaultSimOptions returns a FTMS trainer pedalled at 85 rpm.
func DefaultSimOptions() SimOptions {
	return SimOptions{
		Name:       "SIM KICKR 0001",
		Address:    "00:11:22:33:44:02",
		Interval:   time.Second,
		CadenceRpm: 85,
		Physics:    shifting.Physics{RiderKg: 75, BikeKg: 10},
	}
}

// SimCentral implements Central without Bluetooth hardware. It advertises a
// trainer and a heart rate strap, answers control writes and emits telemetry
// that follows the last target it received.
type SimCentral struct {
	opts   SimOptions
	logger *log.Logger
	queue  *events.Queue[CentralEvent]
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	scanning  bool
	gate      connectGate
	inflight  []uint64
	connected bool
	target    shifting.Target
	writes    [][]byte

	// cumulative crank data for realistic cadence
	crankRevolutions uint16
	crankEventTime   uint16
	crankRemainder   float64
	lastTick         time.Time
}

var _ Central = (*SimCentral)(nil)

func NewSimCentral(opts SimOptions, logger *log.Logger) *SimCentral {
	if logger == nil {
		panic("SimCentral: logger cannot be nil")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SimCentral{
		opts:   opts,
		logger: logger,
		queue:  events.NewQueue[CentralEvent](centralEventQueueLen),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *SimCentral) devices() []ScannedDevice {
	services := []gatt.UUID{gatt.ServiceFTMS, gatt.ServiceCyclingPower}
	if s.opts.FEC {
		services = []gatt.UUID{gatt.ServiceFEC, gatt.ServiceCyclingPower}
	}
	return []ScannedDevice{
		{Address: "00:11:22:33:44:01", Name: "SIM HR Strap", RSSI: -70, Services: []gatt.UUID{gatt.UUID16(0x180D)}},
		{Address: s.opts.Address, Name: s.opts.Name, RSSI: -48, Services: services},
	}
}

func (s *SimCentral) characteristics() []gatt.UUID {
	if s.opts.FEC {
		return []gatt.UUID{gatt.CharFECRead, gatt.CharFECWrite, gatt.CharCyclingPowerMeasurement}
	}
	return []gatt.UUID{gatt.CharIndoorBikeData, gatt.CharFTMSControlPoint, gatt.CharCyclingPowerMeasurement}
}

// Enable starts the ticker that drives scan results and telemetry.
func (s *SimCentral) Enable() error {
	s.logger.Printf("SimCentral: enabled, simulating %q", s.opts.Name)
	go_func_utils.SafeGo(s.logger, "sim central", &s.wg, func() {
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case now := <-ticker.C:
				s.Tick(now)
			}
		}
	})
	return nil
}

func (s *SimCentral) StartScan() error {
	s.mu.Lock()
	s.scanning = true
	s.mu.Unlock()
	s.pushScanResults(time.Now())
	return nil
}

func (s *SimCentral) StopScan() error {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
	return nil
}

func (s *SimCentral) Connect(attempt uint64, address string, subscribe []gatt.UUID) error {
	if address != s.opts.Address {
		return ErrUnknownDevice
	}
	s.mu.Lock()
	s.gate.begin(attempt)
	s.inflight = append(s.inflight, attempt)
	s.mu.Unlock()
	if !s.opts.ConnectAsync {
		s.finishConnects()
	}
	return nil
}

// finishConnects completes every connect in flight. Only the attempt still
// wanted connects; the others are dropped silently.
func (s *SimCentral) finishConnects() {
	s.mu.Lock()
	attempts := s.inflight
	s.inflight = nil
	var connected uint64
	for _, a := range attempts {
		if s.gate.complete(a) {
			connected = a
			s.connected = true
			s.target = shifting.Target{}
			s.lastTick = time.Time{}
		}
	}
	s.mu.Unlock()

	for _, a := range attempts {
		if a != connected {
			s.logger.Printf("SimCentral: attempt %d finished after it was abandoned", a)
		}
	}
	if connected == 0 {
		return
	}
	s.logger.Printf("SimCentral: attempt %d connected to %s", connected, s.opts.Address)
	s.queue.Push(CentralEvent{
		Kind:            CentralConnected,
		Attempt:         connected,
		Device:          ScannedDevice{Address: s.opts.Address, Name: s.opts.Name},
		Characteristics: s.characteristics(),
	})
}

func (s *SimCentral) Disconnect() error {
	s.mu.Lock()
	s.gate.cancel()
	was := s.connected
	s.connected = false
	s.mu.Unlock()
	if was {
		s.queue.Push(CentralEvent{Kind: CentralDisconnected, Device: ScannedDevice{Address: s.opts.Address, Name: s.opts.Name}})
	}
	return nil
}

// Write applies a control write. FTMS control point writes are answered with
// a success indication.
func (s *SimCentral) Write(char gatt.UUID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.writes = append(s.writes, append([]byte(nil), data...))

	switch {
	case char == gatt.CharFTMSControlPoint && !s.opts.FEC:
		req, err := ftms.DecodeRequest(data)
		if err != nil {
			return err
		}
		switch req.Op {
		case ftms.OpSetTargetPower:
			s.target = shifting.Target{Kind: shifting.TargetPower, PowerWatts: req.TargetPowerWatts}
		case ftms.OpSetTargetResistance:
			s.target = shifting.Target{Kind: shifting.TargetResistance, ResistancePercent: req.ResistanceLevel}
		case ftms.OpSetIndoorBikeSimulation:
			s.target = shifting.Target{Kind: shifting.TargetSimulation, Simulation: req.Simulation}
		}
		s.queue.Push(CentralEvent{Kind: CentralNotification, Char: gatt.CharFTMSControlPoint, Data: ftms.EncodeResponse(req.Op, ftms.ResultSuccess)})
	case char == gatt.CharFECWrite && s.opts.FEC:
		if t, ok := decodeFECTarget(data, s.target); ok {
			s.target = t
		}
	default:
		return ErrNoCharacteristic
	}
	return nil
}

// Writes returns every control write the trainer accepted.
func (s *SimCentral) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *SimCentral) Poll() []CentralEvent {
	return s.queue.Drain()
}

func (s *SimCentral) Close() {
	s.cancel()
	s.wg.Wait()
	s.logger.Printf("SimCentral: shutdown complete")
}

// Tick emits scan results while scanning, finishes pending connects and
// emits telemetry while connected.
func (s *SimCentral) Tick(now time.Time) {
	s.pushScanResults(now)
	s.finishConnects()

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	data := s.telemetryLocked()
	revs, eventTime := s.advanceCrankLocked(now)
	fec := s.opts.FEC
	s.mu.Unlock()

	cps := make([]byte, 8)
	binary.LittleEndian.PutUint16(cps[0:2], cpsFlagCrankRevolution)
	binary.LittleEndian.PutUint16(cps[2:4], uint16(data.PowerWatts))
	binary.LittleEndian.PutUint16(cps[4:6], revs)
	binary.LittleEndian.PutUint16(cps[6:8], eventTime)

	if fec {
		s.queue.Push(CentralEvent{Kind: CentralNotification, Char: gatt.CharFECRead, Data: fecGeneralData(data)})
		s.queue.Push(CentralEvent{Kind: CentralNotification, Char: gatt.CharFECRead, Data: fecTrainerData(data)})
	} else {
		s.queue.Push(CentralEvent{Kind: CentralNotification, Char: gatt.CharIndoorBikeData, Data: data.Encode()})
	}
	s.queue.Push(CentralEvent{Kind: CentralNotification, Char: gatt.CharCyclingPowerMeasurement, Data: cps})
}

func (s *SimCentral) pushScanResults(now time.Time) {
	s.mu.Lock()
	scanning := s.scanning
	s.mu.Unlock()
	if !scanning {
		return
	}
	for _, d := range s.devices() {
		d.LastSeen = now
		s.queue.Push(CentralEvent{Kind: CentralScanResult, Device: d})
	}
}

// telemetryLocked derives what the trainer would measure with the rider at a
// constant cadence in a fixed gear.
func (s *SimCentral) telemetryLocked() ftms.IndoorBikeData {
	cadence := s.opts.CadenceRpm
	speed := shifting.CadenceSpeed(cadence, simGearRatio, simWheelCircumference)

	var power float64
	switch s.target.Kind {
	case shifting.TargetPower:
		power = float64(s.target.PowerWatts)
		speed = s.opts.Physics.SpeedForPower(power, 0, ftms.DefaultSimulation)
	case shifting.TargetResistance:
		power = simRiderWatts * (0.5 + s.target.ResistancePercent/100)
	case shifting.TargetSimulation:
		power = s.opts.Physics.PowerForSpeed(speed, s.target.Simulation.GradePercent, s.target.Simulation)
	default:
		power = simRiderWatts
	}
	power = math.Min(power, ftms.MaxTargetPowerWatts)

	return ftms.IndoorBikeData{
		HasSpeed:     true,
		SpeedKmh:     speed * 3.6,
		HasCadence:   true,
		CadenceRpm:   cadence,
		HasPower:     true,
		PowerWatts:   int16(math.Round(power)),
		HasHeartRate: true,
		HeartRateBpm: simHeartRate,
	}
}

func (s *SimCentral) advanceCrankLocked(now time.Time) (uint16, uint16) {
	if s.lastTick.IsZero() {
		s.lastTick = now
	}
	elapsed := now.Sub(s.lastTick).Seconds()
	if s.opts.CadenceRpm > 0 && elapsed > 0 {
		revsTotal := s.opts.CadenceRpm/60*elapsed + s.crankRemainder
		revs := uint16(revsTotal)
		s.crankRemainder = revsTotal - float64(revs)
		if revs > 0 {
			s.crankRevolutions += revs
			// event time of the last whole revolution
			s.crankEventTime += uint16(math.Round(float64(revs) / (s.opts.CadenceRpm / 60) * crankEventTicksPerSecond))
		}
	}
	s.lastTick = now
	return s.crankRevolutions, s.crankEventTime
}

func fecGeneralData(d ftms.IndoorBikeData) []byte {
	var p [7]byte
	p[0] = 0x19 // trainer
	binary.LittleEndian.PutUint16(p[3:5], uint16(math.Round(d.SpeedKmh/3.6*1000)))
	p[5] = d.HeartRateBpm
	msg := encodeFEC(fecPageGeneralFEData, p)
	msg[2] = fecMsgBroadcast
	msg[12] = fecChecksum(msg[:12])
	return msg
}

func fecTrainerData(d ftms.IndoorBikeData) []byte {
	var p [7]byte
	p[1] = byte(math.Round(d.CadenceRpm))
	binary.LittleEndian.PutUint16(p[4:6], uint16(d.PowerWatts)&0x0FFF)
	msg := encodeFEC(fecPageTrainerData, p)
	msg[2] = fecMsgBroadcast
	msg[12] = fecChecksum(msg[:12])
	return msg
}

// decodeFECTarget reads the control pages a FE-C trainer accepts. Wind
// resistance only refines the current simulation.
func decodeFECTarget(b []byte, current shifting.Target) (shifting.Target, bool) {
	if len(b) < fecFrameLen || b[0] != fecSyncByte || fecChecksum(b[:12]) != b[12] {
		return current, false
	}
	sim := ftms.DefaultSimulation
	if current.Kind == shifting.TargetSimulation {
		sim = current.Simulation
	}
	switch b[4] {
	case fecPageTargetPower:
		watts := float64(binary.LittleEndian.Uint16(b[10:12])) / 4
		return shifting.Target{Kind: shifting.TargetPower, PowerWatts: int16(math.Round(watts))}, true
	case fecPageBasicResistance:
		return shifting.Target{Kind: shifting.TargetResistance, ResistancePercent: float64(b[11]) / 2}, true
	case fecPageTrackResistance:
		sim.GradePercent = float64(binary.LittleEndian.Uint16(b[9:11]))/100 - 200
		sim.Crr = float64(b[11]) * 0.00005
		return shifting.Target{Kind: shifting.TargetSimulation, Simulation: sim}, true
	case fecPageWindResistance:
		sim.Cw = float64(b[9]) / 100
		sim.WindSpeedMps = (float64(b[10]) - 127) / 3.6
		return shifting.Target{Kind: shifting.TargetSimulation, Simulation: sim}, true
	default:
		return current, false
	}
}
