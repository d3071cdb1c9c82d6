package trainer

import (
	"time"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/dircon"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
)

// Status is the snapshot handed to the dashboard.
type Status struct {
	DeviceName    string
	Version       string
	ServiceStatus string
	DirConStatus  string
	BLEStatus     string
	// Mode lists the exposed services, e.g. "Pass-through + virtual shifting".
	Mode           string
	TrainerMode    string
	Engine         shifting.Snapshot
	ScannedDevices []string
	// Subscriptions counts subscribers per characteristic, keyed by service.
	Subscriptions map[string]map[string]int
	Clients       []dircon.ClientInfo
	UpdatedAt     time.Time
}

// Status builds a snapshot. It must be called from the polling loop.
func (a *App) Status(now time.Time) Status {
	return Status{
		DeviceName:     a.cfg.DeviceName,
		Version:        Version,
		ServiceStatus:  a.registry.StatusMessage(),
		DirConStatus:   a.server.StatusMessage(),
		BLEStatus:      a.bridge.StatusMessage(),
		Mode:           a.cfg.ModeString(),
		TrainerMode:    a.engine.Mode().String(),
		Engine:         a.engine.Snapshot(),
		ScannedDevices: a.bridge.ScannedNames(),
		Subscriptions:  a.registry.SubscriptionCounts(),
		Clients:        a.server.Clients(),
		UpdatedAt:      now,
	}
}
