// Package config loads the dashboard settings: defaults, then an optional YAML file, then
// TOPIARY_* environment variables. Command-line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"topiary/internal/debounce"
	"topiary/internal/plant"
)

const (
	DefaultAPIURL     = "http://localhost:8000"
	DefaultLogFile    = "topiary-twin.log"
	DefaultLogLevel   = "info"
	DefaultSliderStep = 5.0

	EnvConfig     = "TOPIARY_CONFIG"
	EnvAPIURL     = "TOPIARY_API_URL"
	EnvDebounceMS = "TOPIARY_DEBOUNCE_MS"
	EnvLogLevel   = "TOPIARY_LOG_LEVEL"
	EnvRefresh    = "TOPIARY_REFRESH"
	EnvAltScreen  = "TOPIARY_ALT_SCREEN"

	maxSliderStep = 50.0
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	APIURL           string          `yaml:"api_url"`
	Debounce         time.Duration   `yaml:"debounce"`
	RefreshSchedule  string          `yaml:"refresh_schedule,omitempty"`
	InitialSetpoints plant.Setpoints `yaml:"initial_setpoints"`
	SliderStep       float64         `yaml:"slider_step"`
	LogLevel         string          `yaml:"log_level"`
	LogFile          string          `yaml:"log_file"`
	AltScreen        bool            `yaml:"alt_screen"`
}

func Default() *Config {
	return &Config{
		APIURL:           DefaultAPIURL,
		Debounce:         debounce.DefaultQuietPeriod,
		InitialSetpoints: plant.DefaultSetpoints(),
		SliderStep:       DefaultSliderStep,
		LogLevel:         DefaultLogLevel,
		LogFile:          DefaultLogFile,
		AltScreen:        true,
	}
}

// Load reads path over the defaults and applies environment overrides. An empty path
// skips the file. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.APIURL = EnvOr(EnvAPIURL, c.APIURL)
	if ms := EnvOrInt(EnvDebounceMS, 0); ms > 0 {
		c.Debounce = time.Duration(ms) * time.Millisecond
	}
	c.LogLevel = EnvOr(EnvLogLevel, c.LogLevel)
	c.RefreshSchedule = EnvOr(EnvRefresh, c.RefreshSchedule)
	c.AltScreen = EnvOrBool(EnvAltScreen, c.AltScreen)
}

// Validate reports the first problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.APIURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: api_url %q must be an http(s) address", ErrInvalid, c.APIURL)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("%w: debounce must be greater than 0", ErrInvalid)
	}
	for _, field := range plant.Fields {
		v, _ := c.InitialSetpoints.Get(field)
		if math.IsNaN(v) || v < plant.SetpointMin || v > plant.SetpointMax {
			return fmt.Errorf("%w: initial_setpoints.%s = %v is outside [%v, %v]", ErrInvalid, field, v, plant.SetpointMin, plant.SetpointMax)
		}
	}
	if !(c.SliderStep > 0 && c.SliderStep <= maxSliderStep) {
		return fmt.Errorf("%w: slider_step must be in (0, %v]", ErrInvalid, maxSliderStep)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	if c.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
			return fmt.Errorf("%w: refresh_schedule %q: %v", ErrInvalid, c.RefreshSchedule, err)
		}
	}
	return nil
}

func EnvOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func EnvOrInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func EnvOrBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
