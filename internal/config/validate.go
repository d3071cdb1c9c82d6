package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(v.Problems, "\n  - ")
}

func (v *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

func (v *ValidationError) add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the configuration boundary. Tooth counts are checked here
// so gear ratios never divide by zero at runtime.
func Validate(cfg Config) error {
	ve := &ValidationError{}

	if cfg.Gear.ChainringTeeth <= 0 || cfg.Gear.ChainringTeeth > math.MaxUint16 {
		ve.add("gear.chainring_teeth must be > 0, got %d", cfg.Gear.ChainringTeeth)
	}
	if cfg.Gear.SprocketTeeth <= 0 || cfg.Gear.SprocketTeeth > math.MaxUint16 {
		ve.add("gear.sprocket_teeth must be > 0, got %d", cfg.Gear.SprocketTeeth)
	}
	if cfg.Difficulty < 0 || cfg.Difficulty > 100 {
		ve.add("difficulty must be within 0..100, got %g", cfg.Difficulty)
	}
	if _, err := shifting.ParseVirtualShiftingMode(cfg.VirtualShifting.Mode); err != nil {
		ve.add("virtual_shifting.mode: %v", err)
	}
	if cfg.GradeSmoothing.Enabled && cfg.GradeSmoothing.MaxStep <= 0 {
		ve.add("grade_smoothing.max_step must be > 0 when smoothing is enabled")
	}
	if cfg.Rider.WeightKg <= 0 {
		ve.add("rider.weight_kg must be > 0")
	}
	if cfg.Rider.BikeWeightKg < 0 {
		ve.add("rider.bike_weight_kg must be >= 0")
	}
	if cfg.Rider.WheelCircumferenceM <= 0 {
		ve.add("rider.wheel_circumference_m must be > 0")
	}

	if cfg.DirCon.Port < 0 || cfg.DirCon.Port > math.MaxUint16 {
		ve.add("dircon.port must be within 0..65535, got %d", cfg.DirCon.Port)
	}
	if cfg.DirCon.MaxClients < 1 {
		ve.add("dircon.max_clients must be >= 1")
	}
	if cfg.DirCon.NotificationInterval <= 0 {
		ve.add("dircon.notification_interval must be > 0")
	}
	if cfg.DirCon.IdleTimeout < 0 {
		ve.add("dircon.idle_timeout must be >= 0")
	}

	if cfg.BLE.ScanInterval <= 0 {
		ve.add("ble.scan_interval must be > 0")
	}
	if cfg.BLE.ConnectRetryInterval <= 0 {
		ve.add("ble.connect_retry_interval must be > 0")
	}
	if cfg.BLE.ConnectTimeout <= 0 {
		ve.add("ble.connect_timeout must be > 0")
	}
	if cfg.ControlInterval <= 0 {
		ve.add("control_interval must be > 0")
	}
	if cfg.PollInterval <= 0 {
		ve.add("poll_interval must be > 0")
	}

	if len(ve.Problems) > 0 {
		return ve
	}
	return nil
}
