// Package config persists the connection and machine settings.
//
// Files are read and written with viper, so the format follows the file extension (YAML when
// there is none). Viper keys are case insensitive: machine setting names are stored in lower
// case.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	keyPortName        = "portname"
	keyBaudRate        = "baudrate"
	keyPollingInterval = "pollinginterval"
	keyMachineSettings = "machinesettings"
)

const (
	StepsPerMMSetting = "stepspermm"
	MaxSpeedSetting   = "maxspeed"
)

type Config struct {
	PortName        string            `mapstructure:"portname"`
	BaudRate        int               `mapstructure:"baudrate"`
	PollingInterval time.Duration     `mapstructure:"pollinginterval"`
	MachineSettings map[string]string `mapstructure:"machinesettings"`
}

func DefaultConfig() Config {
	return Config{
		PortName:        "COM1",
		BaudRate:        115200,
		PollingInterval: 1000 * time.Millisecond,
		MachineSettings: map[string]string{
			StepsPerMMSetting: "200",
			MaxSpeedSetting:   "5000",
		},
	}
}

// DefaultPath is where the config lives when no path is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "cncctl", "config.yaml")
}

func (c Config) Validate() error {
	var errs []error
	if c.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud rate must be positive: %d", c.BaudRate))
	}
	if c.PollingInterval <= 0 {
		errs = append(errs, fmt.Errorf("polling interval must be positive: %s", c.PollingInterval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	return v
}

// Load reads the config at path. When it does not exist, the defaults are saved to it and
// returned.
func Load(ctx context.Context, path string) (Config, error) {
	ctx, logger := log.MustWithAttrs(ctx, "path", path)

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load: %w: %w", ErrInvalidConfig, err)
		}
		logger.Info("Config not found, creating it with defaults")
		cfg := DefaultConfig()
		if err := Save(ctx, path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	defaults := DefaultConfig()
	v := newViper(path)
	v.SetDefault(keyPortName, defaults.PortName)
	v.SetDefault(keyBaudRate, defaults.BaudRate)
	v.SetDefault(keyPollingInterval, defaults.PollingInterval.String())
	v.SetDefault(keyMachineSettings, defaults.MachineSettings)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: load: %w: %w", ErrInvalidConfig, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(pollingIntervalHook)); err != nil {
		return Config{}, fmt.Errorf("config: load: %w: %w", ErrInvalidConfig, err)
	}
	if cfg.MachineSettings == nil {
		cfg.MachineSettings = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	logger.Debug("Loaded", "config", cfg)
	return cfg, nil
}

// Save writes cfg to path, creating its directory when needed.
func Save(ctx context.Context, path string, cfg Config) error {
	logger := log.MustLogger(ctx)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}

	machineSettings := map[string]string{}
	for name, value := range cfg.MachineSettings {
		machineSettings[strings.ToLower(name)] = value
	}

	v := newViper(path)
	v.Set(keyPortName, cfg.PortName)
	v.Set(keyBaudRate, cfg.BaudRate)
	v.Set(keyPollingInterval, cfg.PollingInterval.String())
	v.Set(keyMachineSettings, machineSettings)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}

	logger.Debug("Saved", "path", path)
	return nil
}

func parsePollingInterval(value string) (time.Duration, error) {
	if milliseconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(milliseconds) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

// pollingIntervalHook decodes durations written as numbers as milliseconds, and strings as
// milliseconds or Go durations.
func pollingIntervalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeFor[time.Duration]() {
		return data, nil
	}
	value := reflect.ValueOf(data)
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(value.Int()) * time.Millisecond, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(value.Uint()) * time.Millisecond, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(value.Float() * float64(time.Millisecond)), nil
	case reflect.String:
		return parsePollingInterval(value.String())
	default:
		return data, nil
	}
}

// Update sets key to value and saves. Known keys are PortName, BaudRate and PollingInterval
// (a duration, or milliseconds); any other key is a machine setting.
func Update(ctx context.Context, path string, key string, value string) (Config, error) {
	ctx, logger := log.MustWithAttrs(ctx, "key", key, "value", value)

	cfg, err := Load(ctx, path)
	if err != nil {
		return Config{}, err
	}
	cfg.MachineSettings = maps.Clone(cfg.MachineSettings)

	switch strings.ToLower(key) {
	case keyPortName:
		cfg.PortName = value
	case keyBaudRate:
		baudRate, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("config: update: %w: bad baud rate: %w", ErrInvalidConfig, err)
		}
		cfg.BaudRate = baudRate
	case keyPollingInterval:
		pollingInterval, err := parsePollingInterval(value)
		if err != nil {
			return Config{}, fmt.Errorf("config: update: %w: bad polling interval: %w", ErrInvalidConfig, err)
		}
		cfg.PollingInterval = pollingInterval
	case "":
		return Config{}, fmt.Errorf("config: update: %w: empty key", ErrInvalidConfig)
	default:
		cfg.MachineSettings[strings.ToLower(key)] = value
	}

	if err := Save(ctx, path, cfg); err != nil {
		return Config{}, err
	}
	logger.Info("Config updated")
	return cfg, nil
}

// ResetToDefaults overwrites path with the defaults.
func ResetToDefaults(ctx context.Context, path string) (Config, error) {
	cfg := DefaultConfig()
	if err := Save(ctx, path, cfg); err != nil {
		return Config{}, err
	}
	log.MustLogger(ctx).Info("Config reset to defaults", "path", path)
	return cfg, nil
}
