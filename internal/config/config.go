// Package config loads the bridge configuration from defaults, an optional
// config file, TRAINER_BRIDGE_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/shifting"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const envPrefix = "TRAINER_BRIDGE"

type Config struct {
	DeviceName      string                `mapstructure:"device_name"`
	Trainer         TrainerConfig         `mapstructure:"trainer"`
	Gear            GearConfig            `mapstructure:"gear"`
	Difficulty      float64               `mapstructure:"difficulty"`
	VirtualShifting VirtualShiftingConfig `mapstructure:"virtual_shifting"`
	GradeSmoothing  GradeSmoothingConfig  `mapstructure:"grade_smoothing"`
	FTMS            Toggle                `mapstructure:"ftms"`
	Passthrough     Toggle                `mapstructure:"passthrough"`
	Rider           RiderConfig           `mapstructure:"rider"`
	DirCon          DirConConfig          `mapstructure:"dircon"`
	BLE             BLEConfig             `mapstructure:"ble"`
	ControlInterval time.Duration         `mapstructure:"control_interval"`
	PollInterval    time.Duration         `mapstructure:"poll_interval"`
	Log             LogConfig             `mapstructure:"log"`
	Dashboard       bool                  `mapstructure:"dashboard"`
}

type TrainerConfig struct {
	// NameFilter is matched as a case-insensitive substring. Empty disables
	// auto-connect.
	NameFilter string `mapstructure:"name_filter"`
}

type GearConfig struct {
	ChainringTeeth int `mapstructure:"chainring_teeth"`
	SprocketTeeth  int `mapstructure:"sprocket_teeth"`
}

type VirtualShiftingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Mode    string `mapstructure:"mode"`
}

type GradeSmoothingConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	MaxStep float64 `mapstructure:"max_step"`
}

type Toggle struct {
	Enabled bool `mapstructure:"enabled"`
}

type RiderConfig struct {
	WeightKg            float64 `mapstructure:"weight_kg"`
	BikeWeightKg        float64 `mapstructure:"bike_weight_kg"`
	WheelCircumferenceM float64 `mapstructure:"wheel_circumference_m"`
}

type DirConConfig struct {
	Port                 int           `mapstructure:"port"`
	MaxClients           int           `mapstructure:"max_clients"`
	NotificationInterval time.Duration `mapstructure:"notification_interval"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	MDNS                 bool          `mapstructure:"mdns"`
}

type BLEConfig struct {
	ScanInterval         time.Duration `mapstructure:"scan_interval"`
	ConnectRetryInterval time.Duration `mapstructure:"connect_retry_interval"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	Simulate             bool          `mapstructure:"simulate"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

var defaults = map[string]any{
	"device_name":                  "SHIFTR",
	"trainer.name_filter":          "",
	"gear.chainring_teeth":         50,
	"gear.sprocket_teeth":          17,
	"difficulty":                   100.0,
	"virtual_shifting.enabled":     true,
	"virtual_shifting.mode":        shifting.TrackResistance.String(),
	"grade_smoothing.enabled":      true,
	"grade_smoothing.max_step":     0.5,
	"ftms.enabled":                 false,
	"passthrough.enabled":          true,
	"rider.weight_kg":              75.0,
	"rider.bike_weight_kg":         9.0,
	"rider.wheel_circumference_m":  2.096,
	"dircon.port":                  8080,
	"dircon.max_clients":           3,
	"dircon.notification_interval": time.Second,
	"dircon.idle_timeout":          5 * time.Minute,
	"dircon.mdns":                  true,
	"ble.scan_interval":            time.Second,
	"ble.connect_retry_interval":   time.Second,
	"ble.connect_timeout":          10 * time.Second,
	"ble.simulate":                 false,
	"control_interval":             500 * time.Millisecond,
	"poll_interval":                20 * time.Millisecond,
	"log.file":                     "trainer-bridge.log",
	"log.max_size_mb":              10,
	"log.max_backups":              3,
	"log.max_age_days":             28,
	"log.verbose":                  false,
	"dashboard":                    false,
}

// flagKeys binds command line flags to configuration keys.
var flagKeys = map[string]string{
	"device-name":      "device_name",
	"trainer":          "trainer.name_filter",
	"chainring":        "gear.chainring_teeth",
	"sprocket":         "gear.sprocket_teeth",
	"difficulty":       "difficulty",
	"virtual-shifting": "virtual_shifting.enabled",
	"vs-mode":          "virtual_shifting.mode",
	"ftms":             "ftms.enabled",
	"port":             "dircon.port",
	"max-clients":      "dircon.max_clients",
	"simulate":         "ble.simulate",
	"log-file":         "log.file",
	"verbose":          "log.verbose",
	"dashboard":        "dashboard",
}

// RegisterFlags adds the bridge flags to fs. Flag defaults come from the
// configuration defaults so --help shows them.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("device-name", "SHIFTR", "name advertised over mDNS")
	fs.String("trainer", "", "connect to the first trainer whose name contains this text")
	fs.Int("chainring", 50, "chainring teeth")
	fs.Int("sprocket", 17, "sprocket teeth")
	fs.Float64("difficulty", 100, "virtual shifting difficulty in percent")
	fs.Bool("virtual-shifting", true, "expose the virtual shifting service")
	fs.String("vs-mode", shifting.TrackResistance.String(), "virtual shifting mode: track_resistance, basic_resistance or target_power")
	fs.Bool("ftms", false, "emulate an FTMS trainer (turns virtual shifting off)")
	fs.Int("port", 8080, "DirCon TCP port")
	fs.Int("max-clients", 3, "maximum concurrent DirCon clients")
	fs.Bool("simulate", false, "use a simulated trainer instead of Bluetooth")
	fs.String("log-file", "trainer-bridge.log", "log file path, empty to log to stderr only")
	fs.BoolP("verbose", "v", false, "log every DirCon frame")
	fs.Bool("dashboard", false, "show the terminal dashboard")
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}
	return cfg, nil
}

// Load merges all configuration sources. fs must have been set up with
// RegisterFlags and parsed; flags that were not set on the command line do
// not override the file or environment. The result is normalised and
// validated.
func Load(fs *pflag.FlagSet) (Config, []string, error) {
	v := newViper()
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, nil, err
	}
	notes := Normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, notes, err
	}
	return cfg, notes, nil
}

// Normalize resolves settings that exclude each other and returns a note for
// every change it made.
func Normalize(cfg *Config) []string {
	var notes []string
	if cfg.FTMS.Enabled && cfg.VirtualShifting.Enabled {
		cfg.VirtualShifting.Enabled = false
		notes = append(notes, "FTMS emulation enabled, virtual shifting turned off")
	}
	return notes
}

// ShiftingMode is the parsed virtual shifting mode. Validate rejects unknown
// names, so this only falls back for unvalidated configs.
func (c Config) ShiftingMode() shifting.VirtualShiftingMode {
	m, err := shifting.ParseVirtualShiftingMode(c.VirtualShifting.Mode)
	if err != nil {
		return shifting.TrackResistance
	}
	return m
}

// ModeString describes which services are exposed.
func (c Config) ModeString() string {
	s := "Pass-through"
	if !c.Passthrough.Enabled {
		s = "Bridge"
	}
	if c.FTMS.Enabled {
		s += " + FTMS emulation"
	}
	if c.VirtualShifting.Enabled {
		s += " + virtual shifting"
	}
	return s
}
