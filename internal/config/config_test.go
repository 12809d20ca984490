package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ayusman/jetcam/internal/capture"
	"github.com/ayusman/jetcam/internal/session"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"SERVER_HOST", "PORT", "JETCAM_MODE", "JETCAM_BACKEND", "JETCAM_SENSOR_ID", "JETCAM_DB", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jetcam.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Mode() != session.ModeInference {
		t.Errorf("Mode() = %q, want inference", cfg.Mode())
	}
	if cfg.Camera.Backend != "csi" {
		t.Errorf("Backend = %q, want csi", cfg.Camera.Backend)
	}
	if cfg.Timing.Settle != time.Second || cfg.Timing.Init != 3*time.Second || cfg.Timing.Reclaim != 3*time.Second {
		t.Errorf("Timing = %+v, want 1s/3s/3s", cfg.Timing)
	}
	if cfg.Store.Path == "" {
		t.Error("Store.Path should have a default")
	}

	capCfg := cfg.CaptureConfig()
	if capCfg.Width != 640 || capCfg.Height != 480 || capCfg.FPS != 21 {
		t.Errorf("CaptureConfig() = %dx%d@%d, want 640x480@21", capCfg.Width, capCfg.Height, capCfg.FPS)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
server:
  port: 9090
camera:
  mode: safe
  backend: usb
  device_id: 2
  resize: imaging
timing:
  settle: 500ms
  reclaim: 2s
store:
  path: /tmp/jetcam-test.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want default 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Mode() != session.ModeSafe {
		t.Errorf("Mode() = %q, want safe", cfg.Mode())
	}
	if cfg.Camera.DeviceID != 2 || cfg.Camera.Resize != "imaging" {
		t.Errorf("Camera = %+v", cfg.Camera)
	}
	if cfg.Timing.Settle != 500*time.Millisecond || cfg.Timing.Reclaim != 2*time.Second {
		t.Errorf("Timing = %+v", cfg.Timing)
	}
	if cfg.Timing.Init != 3*time.Second {
		t.Errorf("Init = %v, want default 3s", cfg.Timing.Init)
	}
	if cfg.ServerAddress() != "0.0.0.0:9090" {
		t.Errorf("ServerAddress() = %q", cfg.ServerAddress())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("JETCAM_MODE", "training")
	t.Setenv("JETCAM_DB", "/tmp/env.db")

	path := writeConfig(t, "server:\n  port: 9090\ncamera:\n  mode: safe\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Mode() != session.ModeTraining {
		t.Errorf("Mode() = %q, want training", cfg.Mode())
	}
	if cfg.Store.Path != "/tmp/env.db" {
		t.Errorf("Store.Path = %q, want /tmp/env.db", cfg.Store.Path)
	}
}

func TestLoad_UnknownModeFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("JETCAM_MODE", "turbo")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode() != session.ModeDefault {
		t.Errorf("Mode() = %q, want default", cfg.Mode())
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() with missing file should fail")
	}

	bad := writeConfig(t, "server: [not, a, map")
	if _, err := Load(bad); err == nil {
		t.Error("Load() with malformed YAML should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"unknown backend", func(c *Config) { c.Camera.Backend = "firewire" }, "unknown camera backend"},
		{"mock backend", func(c *Config) { c.Camera.Backend = capture.BackendMock }, ""},
		{"unknown resize", func(c *Config) { c.Camera.Resize = "lanczos-gpu" }, "unknown resize backend"},
		{"negative delay", func(c *Config) { c.Timing.Settle = -time.Second }, "must not be negative"},
		{"empty store", func(c *Config) { c.Store.Path = "" }, "store path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
