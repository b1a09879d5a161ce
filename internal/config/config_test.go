package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.BLE.ConnectTimeout != 10*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want 10s", cfg.BLE.ConnectTimeout)
	}
	if cfg.BLE.WriteInterval != 100*time.Millisecond {
		t.Errorf("BLE.WriteInterval = %v, want 100ms", cfg.BLE.WriteInterval)
	}
	if cfg.BLE.DefaultPacketSize != 20 {
		t.Errorf("BLE.DefaultPacketSize = %d, want 20", cfg.BLE.DefaultPacketSize)
	}
	if cfg.BLE.TelemetryCharUUID != "00002a19-0000-1000-8000-00805f9b34fb" {
		t.Errorf("BLE.TelemetryCharUUID = %q", cfg.BLE.TelemetryCharUUID)
	}
	if cfg.BLE.WriteWithResponse {
		t.Error("BLE.WriteWithResponse = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
ble:
  required_service_uuid: "1812"
  telemetry_char_uuid: "0x2A19"
  write_char_uuid: 6E400002-B5A3-F393-E0A9-E50E24DCCA9E
  device_name: Pad-S3
  device_address: "AA:BB:CC:DD:EE:FF"
  connect_timeout: 4s
  disconnect_timeout: 1500ms
  write_interval: 50ms
  write_with_response: true
  default_packet_size: 64
  event_buffer: 128
  reconnect_max: 15
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.BLE.RequiredServiceUUID != "00001812-0000-1000-8000-00805f9b34fb" {
		t.Errorf("BLE.RequiredServiceUUID = %q, want expanded HID uuid", cfg.BLE.RequiredServiceUUID)
	}
	if cfg.BLE.TelemetryCharUUID != "00002a19-0000-1000-8000-00805f9b34fb" {
		t.Errorf("BLE.TelemetryCharUUID = %q, want expanded battery level uuid", cfg.BLE.TelemetryCharUUID)
	}
	if cfg.BLE.WriteCharUUID != "6e400002-b5a3-f393-e0a9-e50e24dcca9e" {
		t.Errorf("BLE.WriteCharUUID = %q, want lower-case", cfg.BLE.WriteCharUUID)
	}
	if cfg.BLE.DeviceName != "Pad-S3" {
		t.Errorf("BLE.DeviceName = %q, want %q", cfg.BLE.DeviceName, "Pad-S3")
	}
	if cfg.BLE.ConnectTimeout != 4*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want 4s", cfg.BLE.ConnectTimeout)
	}
	if cfg.BLE.DisconnectTimeout != 1500*time.Millisecond {
		t.Errorf("BLE.DisconnectTimeout = %v, want 1.5s", cfg.BLE.DisconnectTimeout)
	}
	if cfg.BLE.WriteInterval != 50*time.Millisecond {
		t.Errorf("BLE.WriteInterval = %v, want 50ms", cfg.BLE.WriteInterval)
	}
	if !cfg.BLE.WriteWithResponse {
		t.Error("BLE.WriteWithResponse = false, want true")
	}
	if cfg.BLE.DefaultPacketSize != 64 {
		t.Errorf("BLE.DefaultPacketSize = %d, want 64", cfg.BLE.DefaultPacketSize)
	}
	if cfg.BLE.EventBuffer != 128 {
		t.Errorf("BLE.EventBuffer = %d, want 128", cfg.BLE.EventBuffer)
	}
	if cfg.BLE.ReconnectMax != 15 {
		t.Errorf("BLE.ReconnectMax = %d, want 15", cfg.BLE.ReconnectMax)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	yamlContent := `
ble:
  device_name: Pad-S3
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default", cfg.LogLevel)
	}
	if cfg.BLE.ConnectTimeout != 10*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want default 10s", cfg.BLE.ConnectTimeout)
	}
	if cfg.BLE.EventBuffer != 64 {
		t.Errorf("BLE.EventBuffer = %d, want default 64", cfg.BLE.EventBuffer)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("ble: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid service uuid",
			modify:  func(c *Config) { c.BLE.RequiredServiceUUID = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "short form write uuid",
			modify:  func(c *Config) { c.BLE.WriteCharUUID = "2a4d" },
			wantErr: false,
		},
		{
			name:    "empty telemetry uuid",
			modify:  func(c *Config) { c.BLE.TelemetryCharUUID = "" },
			wantErr: false,
		},
		{
			name:    "mac address",
			modify:  func(c *Config) { c.BLE.DeviceAddress = "AA:BB:CC:DD:EE:FF" },
			wantErr: false,
		},
		{
			name:    "corebluetooth address",
			modify:  func(c *Config) { c.BLE.DeviceAddress = "5b1c3b5e-7f0a-4e52-9b8f-2d6c1a0e9f11" },
			wantErr: false,
		},
		{
			name:    "bad address",
			modify:  func(c *Config) { c.BLE.DeviceAddress = "AA:BB" },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.BLE.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero disconnect timeout",
			modify:  func(c *Config) { c.BLE.DisconnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative write interval",
			modify:  func(c *Config) { c.BLE.WriteInterval = -time.Millisecond },
			wantErr: true,
		},
		{
			name:    "packet size below minimum",
			modify:  func(c *Config) { c.BLE.DefaultPacketSize = 10 },
			wantErr: true,
		},
		{
			name:    "zero event buffer",
			modify:  func(c *Config) { c.BLE.EventBuffer = 0 },
			wantErr: true,
		},
		{
			name:    "negative reconnect max",
			modify:  func(c *Config) { c.BLE.ReconnectMax = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "padlink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# padlink") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.BLE.ConnectTimeout != 10*time.Second {
		t.Errorf("written config BLE.ConnectTimeout = %v, want 10s", cfg.BLE.ConnectTimeout)
	}

	// The written file loads back to the defaults.
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config: %v", err)
	}
	if *loaded != *Default() {
		t.Errorf("round trip = %+v, want %+v", *loaded, *Default())
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "padlink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestLoadExpandsTildeInPath(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	if err := os.WriteFile(filepath.Join(tmpHome, "padlink.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	cfg, err := Load("~/padlink.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
