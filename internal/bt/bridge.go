package bt

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
)

// State of the single trainer connection.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// subscribedChars are enabled on the trainer when it offers them.
var subscribedChars = []gatt.UUID{
	gatt.CharIndoorBikeData,
	gatt.CharCyclingPowerMeasurement,
	gatt.CharFTMSControlPoint,
	gatt.CharFECRead,
}

type Options struct {
	// NameFilter selects the trainer by case-insensitive substring of its
	// advertised name. Empty means scan only.
	NameFilter     string
	ScanInterval   time.Duration
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
	Profile        TrainerProfile
}

// EventKind tells what the bridge reported to its owner.
type EventKind int

const (
	TrainerConnected EventKind = iota
	TrainerDisconnected
	TelemetryReceived
	PowerMeasurementReceived
)

// Event is returned from Update for the owner to act on in the same cycle.
type Event struct {
	Kind      EventKind
	Device    ScannedDevice
	Telemetry ftms.IndoorBikeData
	// Raw cycling power measurement for pass-through.
	Raw []byte
}

// Bridge keeps one trainer connection through a Central. All methods run on
// the polling loop.
type Bridge struct {
	central Central
	opts    Options
	logger  *log.Logger

	state          State
	retry          *rate.Limiter
	attempt        uint64
	connectStarted time.Time
	lastScanCheck  time.Time
	device         ScannedDevice
	scanned        map[string]ScannedDevice

	control ControlProtocol
	chars   map[gatt.UUID]bool
	decoder TelemetryDecoder

	events []Event
}

var _ shifting.TrainerOutput = (*Bridge)(nil)

func NewBridge(central Central, opts Options, logger *log.Logger) *Bridge {
	if central == nil {
		panic("BLECentralBridge: central cannot be nil")
	}
	if logger == nil {
		panic("BLECentralBridge: logger cannot be nil")
	}
	return &Bridge{
		central: central,
		opts:    opts,
		logger:  logger,
		state:   StateDisconnected,
		retry:   rate.NewLimiter(rate.Every(opts.RetryInterval), 1),
		scanned: make(map[string]ScannedDevice),
	}
}

// MatchesFilter reports whether name contains filter, ignoring case. An
// empty filter matches nothing.
func MatchesFilter(filter, name string) bool {
	if filter == "" || name == "" {
		return false
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(filter))
}

// Update drains the central's events and advances the connection state.
// The returned slice is valid until the next call.
func (b *Bridge) Update(now time.Time) []Event {
	b.events = b.events[:0]

	if b.state == StateDisconnected {
		b.startScan(now)
	}

	for _, ev := range b.central.Poll() {
		b.handle(now, ev)
	}

	switch b.state {
	case StateScanning:
		if now.Sub(b.lastScanCheck) >= b.opts.ScanInterval {
			b.lastScanCheck = now
			// a scan that failed to start or ended on an error is restarted
			if err := b.central.StartScan(); err != nil {
				b.logger.Printf("BLECentralBridge: restart scan: %v", err)
			}
			b.pruneScanned(now)
			if dev, ok := b.findTarget(); ok && b.retry.AllowN(now, 1) {
				b.connect(now, dev)
			}
		}
	case StateConnecting:
		if now.Sub(b.connectStarted) >= b.opts.ConnectTimeout {
			b.logger.Printf("BLECentralBridge: connect to %s timed out after %v", b.device, b.opts.ConnectTimeout)
			// invalidate the attempt so a late result is ignored
			b.attempt++
			if err := b.central.Disconnect(); err != nil {
				b.logger.Printf("BLECentralBridge: disconnect after timeout: %v", err)
			}
			b.startScan(now)
		}
	}
	return b.events
}

func (b *Bridge) handle(now time.Time, ev CentralEvent) {
	switch ev.Kind {
	case CentralScanResult:
		dev := ev.Device
		if prev, ok := b.scanned[dev.Address]; ok && dev.Name == "" {
			dev.Name = prev.Name
		}
		dev.LastSeen = now
		b.scanned[dev.Address] = dev

	case CentralConnected:
		if b.state != StateConnecting || ev.Attempt != b.attempt {
			b.logger.Printf("BLECentralBridge: ignoring stale connect result for attempt %d", ev.Attempt)
			if b.state != StateConnected {
				if err := b.central.Disconnect(); err != nil {
					b.logger.Printf("BLECentralBridge: disconnect stale connection: %v", err)
				}
			}
			return
		}
		b.onConnected(ev)

	case CentralConnectFailed:
		if b.state != StateConnecting || ev.Attempt != b.attempt {
			return
		}
		b.logger.Printf("BLECentralBridge: connect to %s failed: %v", b.device, ev.Err)
		b.startScan(now)

	case CentralDisconnected:
		if b.state != StateConnected {
			return
		}
		b.logger.Printf("BLECentralBridge: %s disconnected", b.device)
		dev := b.device
		b.clearHandles()
		b.startScan(now)
		b.events = append(b.events, Event{Kind: TrainerDisconnected, Device: dev})

	case CentralNotification:
		if b.state != StateConnected {
			return
		}
		b.onNotification(ev)
	}
}

func (b *Bridge) onConnected(ev CentralEvent) {
	b.state = StateConnected
	b.chars = make(map[gatt.UUID]bool, len(ev.Characteristics))
	for _, u := range ev.Characteristics {
		b.chars[u] = true
	}
	b.control = SelectControl(ev.Characteristics)
	b.decoder.Reset()
	b.logger.Printf("BLECentralBridge: connected to %s, control via %s", b.device, b.control)

	for _, w := range StartupWrites(b.control, b.opts.Profile) {
		if err := b.central.Write(b.control.Char(), w); err != nil {
			b.logger.Printf("BLECentralBridge: startup write failed: %v", err)
		}
	}
	b.events = append(b.events, Event{Kind: TrainerConnected, Device: b.device})
}

func (b *Bridge) onNotification(ev CentralEvent) {
	if ev.Char == gatt.CharFTMSControlPoint {
		op, result, err := ftms.DecodeResponse(ev.Data)
		switch {
		case err != nil:
			b.logger.Printf("BLECentralBridge: %v", err)
		case result != ftms.ResultSuccess:
			b.logger.Printf("BLECentralBridge: trainer answered %s with %s", ftms.OpName(op), ftms.ResultName(result))
		}
		return
	}

	if ev.Char == gatt.CharCyclingPowerMeasurement {
		b.events = append(b.events, Event{Kind: PowerMeasurementReceived, Device: b.device, Raw: ev.Data})
	}
	if !IsTelemetry(ev.Char) {
		return
	}
	data, changed, err := b.decoder.Decode(ev.Char, ev.Data)
	if err != nil {
		b.logger.Printf("BLECentralBridge: telemetry from %s: %v", gatt.DisplayUUID(ev.Char), err)
		return
	}
	if changed {
		b.events = append(b.events, Event{Kind: TelemetryReceived, Device: b.device, Telemetry: data})
	}
}

// SendTarget forwards a target to the connected trainer. It reports false
// when there is no controllable trainer or the write could not be queued.
func (b *Bridge) SendTarget(t shifting.Target) bool {
	if b.state != StateConnected || b.control == ControlNone {
		return false
	}
	writes, err := EncodeTarget(b.control, t)
	if err != nil {
		b.logger.Printf("BLECentralBridge: %v", err)
		return false
	}
	for _, w := range writes {
		if err := b.central.Write(b.control.Char(), w); err != nil {
			b.logger.Printf("BLECentralBridge: write %s target: %v", t, err)
			return false
		}
	}
	return true
}

func (b *Bridge) connect(now time.Time, dev ScannedDevice) {
	if err := b.central.StopScan(); err != nil {
		b.logger.Printf("BLECentralBridge: stop scan: %v", err)
	}
	b.attempt++
	b.device = dev
	b.connectStarted = now
	b.state = StateConnecting
	b.logger.Printf("BLECentralBridge: connecting to %s (attempt %d)", dev, b.attempt)
	if err := b.central.Connect(b.attempt, dev.Address, subscribedChars); err != nil {
		b.logger.Printf("BLECentralBridge: connect to %s: %v", dev, err)
		b.startScan(now)
	}
}

func (b *Bridge) startScan(now time.Time) {
	b.state = StateScanning
	b.lastScanCheck = now
	if err := b.central.StartScan(); err != nil {
		b.logger.Printf("BLECentralBridge: start scan: %v", err)
	}
}

// clearHandles forgets everything negotiated with the last trainer.
func (b *Bridge) clearHandles() {
	b.chars = nil
	b.control = ControlNone
	b.decoder.Reset()
	b.device = ScannedDevice{}
}

func (b *Bridge) findTarget() (ScannedDevice, bool) {
	var (
		best  ScannedDevice
		found bool
	)
	for _, d := range b.scanned {
		if !MatchesFilter(b.opts.NameFilter, d.Name) {
			continue
		}
		if !found || d.RSSI > best.RSSI || (d.RSSI == best.RSSI && d.Address < best.Address) {
			best, found = d, true
		}
	}
	return best, found
}

// pruneScanned drops devices not seen for a few scan intervals.
func (b *Bridge) pruneScanned(now time.Time) {
	stale := 3 * b.opts.ScanInterval
	if stale < 3*time.Second {
		stale = 3 * time.Second
	}
	for addr, d := range b.scanned {
		if now.Sub(d.LastSeen) > stale {
			delete(b.scanned, addr)
		}
	}
}

func (b *Bridge) State() State {
	return b.state
}

// Device is the trainer being connected to or connected.
func (b *Bridge) Device() (ScannedDevice, bool) {
	if b.state != StateConnecting && b.state != StateConnected {
		return ScannedDevice{}, false
	}
	return b.device, true
}

func (b *Bridge) Control() ControlProtocol {
	return b.control
}

// HasCharacteristic reports whether the connected trainer offers u.
func (b *Bridge) HasCharacteristic(u gatt.UUID) bool {
	return b.chars[u]
}

// ScannedDevices returns the current scan list sorted by name.
func (b *Bridge) ScannedDevices() []ScannedDevice {
	out := make([]ScannedDevice, 0, len(b.scanned))
	for _, d := range b.scanned {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// ScannedNames lists the names of named devices in the scan list.
func (b *Bridge) ScannedNames() []string {
	var names []string
	for _, d := range b.ScannedDevices() {
		if d.Name != "" {
			names = append(names, d.Name)
		}
	}
	return names
}

func (b *Bridge) StatusMessage() string {
	switch b.state {
	case StateScanning:
		if b.opts.NameFilter == "" {
			return fmt.Sprintf("Scanning, %d devices found, no trainer filter set", len(b.scanned))
		}
		return fmt.Sprintf("Scanning for %q, %d devices found", b.opts.NameFilter, len(b.scanned))
	case StateConnecting:
		return fmt.Sprintf("Connecting to %s", b.device)
	case StateConnected:
		return fmt.Sprintf("Connected to %s, %s control", b.device, b.control)
	default:
		return "Disconnected"
	}
}

// Close disconnects and releases the central.
func (b *Bridge) Close() {
	b.central.Close()
	b.clearHandles()
	b.state = StateDisconnected
}
