package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topiary/internal/plant"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAPIURL, EnvDebounceMS, EnvLogLevel, EnvRefresh, EnvAltScreen} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "twin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIURL, cfg.APIURL)
	assert.Equal(t, 300*time.Millisecond, cfg.Debounce)
	assert.Equal(t, plant.DefaultSetpoints(), cfg.InitialSetpoints)
	assert.True(t, cfg.AltScreen)
	assert.Empty(t, cfg.RefreshSchedule)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
api_url: http://twin.plant.local:9000
debounce: 450ms
refresh_schedule: "@every 30s"
initial_setpoints:
  sulfur_in: 90
  adm1: 120
  adm2: 130
  adm3: 140
slider_step: 2.5
log_level: debug
alt_screen: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://twin.plant.local:9000", cfg.APIURL)
	assert.Equal(t, 450*time.Millisecond, cfg.Debounce)
	assert.Equal(t, "@every 30s", cfg.RefreshSchedule)
	assert.Equal(t, plant.Setpoints{SulfurIn: 90, Admission1: 120, Admission2: 130, Admission3: 140}, cfg.InitialSetpoints)
	assert.Equal(t, 2.5, cfg.SliderStep)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultLogFile, cfg.LogFile, "unset keys keep their defaults")
	assert.False(t, cfg.AltScreen)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "api_url: http://from-file:8000\nlog_level: warn\n")
	t.Setenv(EnvAPIURL, "https://from-env:8443")
	t.Setenv(EnvDebounceMS, "120")
	t.Setenv(EnvRefresh, "*/5 * * * *")
	t.Setenv(EnvAltScreen, "off")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env:8443", cfg.APIURL)
	assert.Equal(t, 120*time.Millisecond, cfg.Debounce)
	assert.Equal(t, "*/5 * * * *", cfg.RefreshSchedule)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.False(t, cfg.AltScreen)
}

func TestBadDebounceEnvIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDebounceMS, "soon")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, cfg.Debounce)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeFile(t, "api_url: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeFile(t, "api_url: http://plant:8000\ndebonce: 150ms\n"))
	assert.ErrorContains(t, err, "failed to parse config file")
	assert.ErrorContains(t, err, "debonce", "a misspelled key is reported, not ignored")

	_, err = Load(writeFile(t, "initial_setpoints:\n  adm4: 10\n"))
	assert.ErrorContains(t, err, "adm4")
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad scheme", func(c *Config) { c.APIURL = "ftp://plant" }, "api_url"},
		{"no host", func(c *Config) { c.APIURL = "http://" }, "api_url"},
		{"zero debounce", func(c *Config) { c.Debounce = 0 }, "debounce"},
		{"setpoint too high", func(c *Config) { c.InitialSetpoints.Admission2 = 500 }, "initial_setpoints.adm2"},
		{"negative setpoint", func(c *Config) { c.InitialSetpoints.SulfurIn = -1 }, "initial_setpoints.sulfur_in"},
		{"zero step", func(c *Config) { c.SliderStep = 0 }, "slider_step"},
		{"huge step", func(c *Config) { c.SliderStep = 80 }, "slider_step"},
		{"log level", func(c *Config) { c.LogLevel = "chatty" }, "log_level"},
		{"cron", func(c *Config) { c.RefreshSchedule = "whenever" }, "refresh_schedule"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.RefreshSchedule = "@hourly"
	cfg.InitialSetpoints.Admission3 = 175
	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEnvOrHelpers(t *testing.T) {
	t.Setenv("TOPIARY_TEST_VALUE", "  42 ")
	assert.Equal(t, "42", EnvOr("TOPIARY_TEST_VALUE", "x"))
	assert.Equal(t, 42, EnvOrInt("TOPIARY_TEST_VALUE", 7))
	assert.True(t, EnvOrBool("TOPIARY_TEST_VALUE", true), "unparsable bool keeps the fallback")

	t.Setenv("TOPIARY_TEST_VALUE", "")
	assert.Equal(t, "x", EnvOr("TOPIARY_TEST_VALUE", "x"))
	assert.Equal(t, 7, EnvOrInt("TOPIARY_TEST_VALUE", 7))
	assert.False(t, EnvOrBool("TOPIARY_TEST_VALUE", false))

	t.Setenv("TOPIARY_TEST_VALUE", "YES")
	assert.True(t, EnvOrBool("TOPIARY_TEST_VALUE", false))
}
