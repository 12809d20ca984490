// Package config loads jetcam settings from defaults, an optional YAML file
// and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ayusman/jetcam/internal/capture"
	"github.com/ayusman/jetcam/internal/reclaim"
	"github.com/ayusman/jetcam/internal/session"
	"gopkg.in/yaml.v3"
)

// Config holds all jetcam settings.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Camera CameraConfig `yaml:"camera"`
	Timing TimingConfig `yaml:"timing"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CameraConfig selects the capture device. Resolution and frame rate are fixed.
type CameraConfig struct {
	Mode     string `yaml:"mode"`
	Backend  string `yaml:"backend"` // csi, usb or mock
	SensorID int    `yaml:"sensor_id"`
	DeviceID int    `yaml:"device_id"`
	Pipeline string `yaml:"pipeline"`
	Resize   string `yaml:"resize"` // gocv or imaging
}

// TimingConfig holds the hardware settling delays.
type TimingConfig struct {
	Settle      time.Duration `yaml:"settle"`
	Init        time.Duration `yaml:"init"`
	Reclaim     time.Duration `yaml:"reclaim"`
	ProbeWarmup time.Duration `yaml:"probe_warmup"`
}

// StoreConfig locates the session journal.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Camera: CameraConfig{
			Mode:    string(session.ModeInference),
			Backend: capture.BackendCSI,
			Resize:  capture.ResizeBackendGoCV,
		},
		Timing: TimingConfig{
			Settle:      session.SettleDelay,
			Init:        session.InitDelay,
			Reclaim:     reclaim.SettleDelay,
			ProbeWarmup: session.ProbeWarmup,
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Mode = getEnvOrDefault("JETCAM_MODE", c.Camera.Mode)
	c.Camera.Backend = getEnvOrDefault("JETCAM_BACKEND", c.Camera.Backend)
	c.Camera.SensorID = getEnvAsIntOrDefault("JETCAM_SENSOR_ID", c.Camera.SensorID)
	c.Store.Path = getEnvOrDefault("JETCAM_DB", c.Store.Path)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate checks the configuration for invalid values.
// Unknown camera modes are accepted and later treated as the default mode.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}

	switch c.Camera.Backend {
	case capture.BackendCSI, capture.BackendUSB, capture.BackendMock:
	default:
		errs = append(errs, fmt.Errorf("unknown camera backend %q", c.Camera.Backend))
	}

	if _, err := capture.ResizerByName(c.Camera.Resize); err != nil {
		errs = append(errs, err)
	}

	if c.Timing.Settle < 0 || c.Timing.Init < 0 || c.Timing.Reclaim < 0 || c.Timing.ProbeWarmup < 0 {
		errs = append(errs, errors.New("timing delays must not be negative"))
	}

	if c.Store.Path == "" {
		errs = append(errs, errors.New("store path is required"))
	}

	return errors.Join(errs...)
}

// ServerAddress returns the listen address of the control server.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Mode returns the parsed camera mode.
func (c *Config) Mode() session.Mode {
	return session.ParseMode(c.Camera.Mode)
}

// CaptureConfig returns the device settings for the capture package.
func (c *Config) CaptureConfig() capture.Config {
	cfg := capture.DefaultConfig()
	cfg.Backend = c.Camera.Backend
	cfg.SensorID = c.Camera.SensorID
	cfg.DeviceID = c.Camera.DeviceID
	cfg.Pipeline = c.Camera.Pipeline
	return cfg
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "jetcam.db"
	}
	return filepath.Join(home, ".jetcam", "jetcam.db")
}

// getEnvOrDefault returns the environment variable or defaultValue if unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault returns the environment variable as an int, or
// defaultValue if unset or not a number.
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
