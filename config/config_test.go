package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))
}

func TestLoadMissingCreatesDefaults(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg, err := Load(ctx, path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.FileExists(t, path)

	cfg, err = Load(ctx, path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestSaveLoad(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.json", "config.toml", "config"} {
		t.Run(name, func(t *testing.T) {
			ctx := testContext(t)
			path := filepath.Join(t.TempDir(), name)
			expected := Config{
				PortName:        "/dev/ttyUSB0",
				BaudRate:        9600,
				PollingInterval: 250 * time.Millisecond,
				MachineSettings: map[string]string{
					StepsPerMMSetting: "80",
					MaxSpeedSetting:   "3000",
					"spindle":         "on",
				},
			}
			require.NoError(t, Save(ctx, path, expected))
			cfg, err := Load(ctx, path)
			require.NoError(t, err)
			require.Equal(t, expected, cfg)
		})
	}
}

func TestLoadPartialUsesDefaults(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portname: /dev/ttyACM0\n"), 0644))

	cfg, err := Load(ctx, path)
	require.NoError(t, err)
	expected := DefaultConfig()
	expected.PortName = "/dev/ttyACM0"
	require.Equal(t, expected, cfg)
}

func TestLoadPollingInterval(t *testing.T) {
	for _, tc := range []struct {
		name     string
		file     string
		content  string
		expected time.Duration
	}{
		{"yaml integer", "config.yaml", "pollinginterval: 1000\n", time.Second},
		{"yaml integer string", "config.yaml", "pollinginterval: \"250\"\n", 250 * time.Millisecond},
		{"yaml duration", "config.yaml", "pollinginterval: 1m\n", time.Minute},
		{"json number", "config.json", `{"pollinginterval": 500}`, 500 * time.Millisecond},
		{"toml integer", "config.toml", "pollinginterval = 750\n", 750 * time.Millisecond},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			path := filepath.Join(t.TempDir(), tc.file)
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))
			cfg, err := Load(ctx, path)
			require.NoError(t, err)
			require.Equal(t, tc.expected, cfg.PollingInterval)
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{"corrupt", "portname: [\n"},
		{"bad baud rate", "baudrate: 0\n"},
		{"bad polling interval", "pollinginterval: -1s\n"},
		{"zero polling interval", "pollinginterval: 0\n"},
		{"polling interval not a duration", "pollinginterval: soon\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))
			_, err := Load(ctx, path)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestUpdate(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Update(ctx, path, "PortName", "COM3")
	require.NoError(t, err)
	require.Equal(t, "COM3", cfg.PortName)

	cfg, err = Update(ctx, path, "BaudRate", "57600")
	require.NoError(t, err)
	require.Equal(t, 57600, cfg.BaudRate)

	cfg, err = Update(ctx, path, "PollingInterval", "500")
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.PollingInterval)

	cfg, err = Update(ctx, path, "pollinginterval", "2s")
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.PollingInterval)

	cfg, err = Update(ctx, path, "StepsPerMM", "100")
	require.NoError(t, err)
	require.Equal(t, "100", cfg.MachineSettings[StepsPerMMSetting])

	loaded, err := Load(ctx, path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)

	for _, tc := range []struct{ key, value string }{
		{"BaudRate", "fast"},
		{"BaudRate", "-1"},
		{"PollingInterval", "0"},
		{"PollingInterval", "later"},
		{"", "x"},
	} {
		_, err := Update(ctx, path, tc.key, tc.value)
		require.ErrorIs(t, err, ErrInvalidConfig, "%s=%s", tc.key, tc.value)
	}

	loaded, err = Load(ctx, path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestResetToDefaults(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, err := Update(ctx, path, "PortName", "COM9")
	require.NoError(t, err)

	cfg, err := ResetToDefaults(ctx, path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	loaded, err := Load(ctx, path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), loaded)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BaudRate = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.PollingInterval = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
