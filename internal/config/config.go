package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string    `yaml:"log_level"`
	BLE      BLEConfig `yaml:"ble"`
}

// BLEConfig holds peripheral selection and connection manager settings.
type BLEConfig struct {
	RequiredServiceUUID string `yaml:"required_service_uuid"`
	TelemetryCharUUID   string `yaml:"telemetry_char_uuid"`
	WriteCharUUID       string `yaml:"write_char_uuid"`

	// Either selects the peripheral to auto-connect to. The address wins
	// when both are set.
	DeviceName    string `yaml:"device_name"`
	DeviceAddress string `yaml:"device_address"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	WriteInterval     time.Duration `yaml:"write_interval"`
	WriteWithResponse bool          `yaml:"write_with_response"`
	DefaultPacketSize int           `yaml:"default_packet_size"`
	EventBuffer       int           `yaml:"event_buffer"`
	ReconnectMax      int           `yaml:"reconnect_max"` // seconds; 0 disables reconnect
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "padlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			RequiredServiceUUID: "00001812-0000-1000-8000-00805f9b34fb",
			TelemetryCharUUID:   "00002a19-0000-1000-8000-00805f9b34fb",
			ConnectTimeout:      10 * time.Second,
			DisconnectTimeout:   5 * time.Second,
			WriteInterval:       100 * time.Millisecond,
			DefaultPacketSize:   20,
			EventBuffer:         64,
			ReconnectMax:        30,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. UUID fields are normalised to their canonical form.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.BLE.RequiredServiceUUID = normalizeUUID(cfg.BLE.RequiredServiceUUID)
	cfg.BLE.TelemetryCharUUID = normalizeUUID(cfg.BLE.TelemetryCharUUID)
	cfg.BLE.WriteCharUUID = normalizeUUID(cfg.BLE.WriteCharUUID)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	uuids := []struct {
		key, value string
	}{
		{"ble.required_service_uuid", c.BLE.RequiredServiceUUID},
		{"ble.telemetry_char_uuid", c.BLE.TelemetryCharUUID},
		{"ble.write_char_uuid", c.BLE.WriteCharUUID},
	}
	for _, u := range uuids {
		if u.value == "" {
			continue
		}
		if _, err := uuid.Parse(normalizeUUID(u.value)); err != nil {
			return fmt.Errorf("%s: %q is not a valid uuid: %w", u.key, u.value, err)
		}
	}

	if c.BLE.DeviceAddress != "" && !validAddress(c.BLE.DeviceAddress) {
		return fmt.Errorf("ble.device_address must be a MAC address or a uuid, got %q", c.BLE.DeviceAddress)
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.DisconnectTimeout <= 0 {
		return fmt.Errorf("ble.disconnect_timeout must be > 0")
	}
	if c.BLE.WriteInterval < 0 {
		return fmt.Errorf("ble.write_interval must be >= 0")
	}
	if c.BLE.DefaultPacketSize < 20 {
		return fmt.Errorf("ble.default_packet_size must be >= 20, got %d", c.BLE.DefaultPacketSize)
	}
	if c.BLE.EventBuffer <= 0 {
		return fmt.Errorf("ble.event_buffer must be > 0")
	}
	if c.BLE.ReconnectMax < 0 {
		return fmt.Errorf("ble.reconnect_max must be >= 0")
	}

	return nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# padlink configuration\n" +
		"# Set ble.device_name or ble.device_address to auto-connect,\n" +
		"# and ble.write_char_uuid to forward stdin lines to the device.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// normalizeUUID expands 16-bit SIG short forms against the Bluetooth base
// UUID and lower-cases everything else. Values that do not parse are
// returned unchanged so Validate can report them.
func normalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(s, "0x")
	if len(s) == 4 {
		s = "0000" + s + "-0000-1000-8000-00805f9b34fb"
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	return u.String()
}

// validAddress accepts a BlueZ MAC address or a CoreBluetooth peripheral UUID.
func validAddress(s string) bool {
	if _, err := net.ParseMAC(s); err == nil && strings.Count(s, ":") == 5 {
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
