// Package trainer wires the bridge components into one polling loop.
package trainer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/config"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/dircon"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/events"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
)

const (
	Version        = "1.0.0"
	statusInterval = time.Second
)

// App is the root object. It owns one instance of each core component and
// runs them in order on every cycle.
type App struct {
	cfg    config.Config
	logger *log.Logger

	registry *gatt.Registry
	profile  gatt.Profile
	server   *dircon.Server
	bridge   *bt.Bridge
	engine   *shifting.Engine

	statusEvent *events.ChannelEvent[Status]
	lastStatus  time.Time
}

// NewApp builds the exposed profile and the components around it. cfg must
// already be validated.
func NewApp(cfg config.Config, central bt.Central, transport dircon.Transport, logger *log.Logger) (*App, error) {
	if central == nil {
		panic("App: central cannot be nil")
	}
	if transport == nil {
		panic("App: transport cannot be nil")
	}
	if logger == nil {
		panic("App: logger cannot be nil")
	}

	registry := gatt.NewRegistry()
	profile, err := gatt.BuildProfile(registry, gatt.ProfileOptions{
		FTMS:            cfg.FTMS.Enabled,
		VirtualShifting: cfg.VirtualShifting.Enabled,
		Passthrough:     cfg.Passthrough.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("build profile: %w", err)
	}

	server := dircon.NewServer(registry, transport, dircon.Options{
		Addr:                 fmt.Sprintf(":%d", cfg.DirCon.Port),
		MaxClients:           cfg.DirCon.MaxClients,
		NotificationInterval: cfg.DirCon.NotificationInterval,
		IdleTimeout:          cfg.DirCon.IdleTimeout,
		Verbose:              cfg.Log.Verbose,
	}, logger)

	bridge := bt.NewBridge(central, bt.Options{
		NameFilter:     cfg.Trainer.NameFilter,
		ScanInterval:   cfg.BLE.ScanInterval,
		RetryInterval:  cfg.BLE.ConnectRetryInterval,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		Profile: bt.TrainerProfile{
			RiderKg:             cfg.Rider.WeightKg,
			BikeKg:              cfg.Rider.BikeWeightKg,
			WheelCircumferenceM: cfg.Rider.WheelCircumferenceM,
		},
	}, logger)

	engine := shifting.NewEngine(registry, profile, bridge, EngineSettings(cfg), logger)

	logger.Printf("App: %s, %s", cfg.ModeString(), registry.StatusMessage())
	return &App{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		profile:     profile,
		server:      server,
		bridge:      bridge,
		engine:      engine,
		statusEvent: events.NewChannelEvent[Status](true),
	}, nil
}

// EngineSettings maps the configuration onto the shifting engine.
func EngineSettings(cfg config.Config) shifting.Settings {
	return shifting.Settings{
		Gearing: shifting.Gearing{
			ChainringTeeth: uint16(cfg.Gear.ChainringTeeth),
			SprocketTeeth:  uint16(cfg.Gear.SprocketTeeth),
		},
		DifficultyPercent:   cfg.Difficulty,
		VirtualShifting:     cfg.VirtualShifting.Enabled,
		VirtualShiftingMode: cfg.ShiftingMode(),
		GradeSmoothing:      cfg.GradeSmoothing.Enabled,
		MaxGradeStep:        cfg.GradeSmoothing.MaxStep,
		ControlInterval:     cfg.ControlInterval,
		Physics:             shifting.Physics{RiderKg: cfg.Rider.WeightKg, BikeKg: cfg.Rider.BikeWeightKg},
		WheelCircumferenceM: cfg.Rider.WheelCircumferenceM,
	}
}

// Update runs one polling cycle. Trainer events are applied before the
// engine runs, and the server runs last so clients see the values committed
// in this cycle.
func (a *App) Update(now time.Time) {
	for _, ev := range a.bridge.Update(now) {
		switch ev.Kind {
		case bt.TrainerConnected:
			a.engine.Resync()
		case bt.TrainerDisconnected:
			a.logger.Printf("App: trainer %s lost, targets paused until it reconnects", ev.Device)
		case bt.TelemetryReceived:
			a.engine.OnTelemetry(ev.Telemetry)
		case bt.PowerMeasurementReceived:
			if a.profile.Passthrough {
				a.registry.SetValue(a.profile.PowerMeasurement, ev.Raw)
			}
		}
	}

	a.engine.Update(now)
	a.server.Update(now)

	if a.lastStatus.IsZero() || now.Sub(a.lastStatus) >= statusInterval {
		a.lastStatus = now
		a.statusEvent.Notify(a.Status(now))
	}
}

// Run drives Update every poll interval until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.logger.Printf("App: running, polling every %v", a.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			a.logger.Printf("App: stopping")
			a.Close()
			return nil
		case now := <-ticker.C:
			a.Update(now)
		}
	}
}

// ListenToStatus registers a channel for status snapshots.
// Returns a deregistration function that can be called to remove the listener
func (a *App) ListenToStatus(ch chan<- Status) func() {
	return a.statusEvent.Listen(ch)
}

// AdvertisedServices are the service UUIDs to announce over mDNS.
func (a *App) AdvertisedServices() []gatt.UUID {
	return a.registry.AdvertisedServices()
}

// Close disconnects every DirCon client and the trainer.
func (a *App) Close() {
	a.server.Close()
	a.bridge.Close()
}
