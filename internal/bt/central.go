// Package bt keeps a BLE central connection to the physical trainer and
// relays telemetry and control targets across it.
package bt

import (
	"errors"
	"fmt"
	"time"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
)

var (
	ErrNotConnected     = errors.New("no trainer connected")
	ErrWriteQueueFull   = errors.New("write queue full")
	ErrUnknownDevice    = errors.New("device not seen in scan")
	ErrNoCharacteristic = errors.New("characteristic not found on trainer")
)

// ScannedDevice is one advertisement seen during the current scan window.
type ScannedDevice struct {
	Address  string
	Name     string
	RSSI     int16
	Services []gatt.UUID
	LastSeen time.Time
}

func (d ScannedDevice) String() string {
	name := d.Name
	if name == "" {
		name = "Unknown"
	}
	return fmt.Sprintf("%s (%s)", name, d.Address)
}

// CentralEventKind tells what a Central reported.
type CentralEventKind int

const (
	CentralScanResult CentralEventKind = iota
	CentralConnected
	CentralConnectFailed
	CentralDisconnected
	CentralNotification
)

func (k CentralEventKind) String() string {
	switch k {
	case CentralScanResult:
		return "scan result"
	case CentralConnected:
		return "connected"
	case CentralConnectFailed:
		return "connect failed"
	case CentralDisconnected:
		return "disconnected"
	case CentralNotification:
		return "notification"
	default:
		return fmt.Sprintf("CentralEventKind(%d)", int(k))
	}
}

// CentralEvent is produced by BLE stack callbacks and consumed by
// Bridge.Update on the polling loop.
type CentralEvent struct {
	Kind    CentralEventKind
	Attempt uint64
	Device  ScannedDevice
	// Characteristics discovered on connect.
	Characteristics []gatt.UUID
	Char            gatt.UUID
	Data            []byte
	Err             error
}

// Central is the BLE central role. Calls return quickly; connection results
// and notifications are reported through Poll.
type Central interface {
	Enable() error
	// StartScan is repeated every scan interval while the bridge scans and
	// must not disturb a scan that is already running.
	StartScan() error
	StopScan() error
	// Connect starts connecting to a scanned device. Once connected the
	// implementation discovers all characteristics and subscribes to those in
	// subscribe that the trainer offers. The result carries attempt.
	Connect(attempt uint64, address string, subscribe []gatt.UUID) error
	// Disconnect drops the trainer and abandons a connect still in flight.
	Disconnect() error
	// Write queues a write to the connected trainer.
	Write(char gatt.UUID, data []byte) error
	Poll() []CentralEvent
	Close()
}

// connectGate remembers the connect attempt still wanted. A connection that
// completes for any other attempt is torn down by the central without
// reporting it. The owner's lock guards it.
type connectGate struct {
	current uint64
}

func (g *connectGate) begin(attempt uint64) {
	g.current = attempt
}

// cancel abandons the attempt in flight.
func (g *connectGate) cancel() {
	g.current = 0
}

// complete reports whether attempt is still wanted and closes the gate.
func (g *connectGate) complete(attempt uint64) bool {
	if attempt == 0 || g.current != attempt {
		return false
	}
	g.current = 0
	return true
}
