package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/soundleap-link/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	BLE      BLEConfig      `yaml:"ble"`
	Transfer TransferConfig `yaml:"transfer"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Hotkey   HotkeyConfig   `yaml:"hotkey"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig identifies the hub to connect to.
type DeviceConfig struct {
	Code string `yaml:"code"` // 6-digit pairing code, advertised as "SL-<code>"
}

// BLEConfig holds Bluetooth settings.
type BLEConfig struct {
	Backend      string        `yaml:"backend"`       // "tinygo" or "bluez"
	Adapter      string        `yaml:"adapter"`       // BlueZ controller, e.g. "hci0"
	SelectPolicy string        `yaml:"select_policy"` // "first" or "last"
	WriteUUIDs   []string      `yaml:"write_uuids"`   // tinygo capability hints
	NotifyUUIDs  []string      `yaml:"notify_uuids"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
}

// TransferConfig holds game upload pacing.
type TransferConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	AfterStart    time.Duration `yaml:"after_start"`
	AfterConfig   time.Duration `yaml:"after_config"`
	BetweenChunks time.Duration `yaml:"between_chunks"`
}

// BridgeConfig holds WebSocket event bridge settings.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// HotkeyConfig holds the cancel-game hotkey.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "soundleap-link")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			Backend:      "tinygo",
			Adapter:      "hci0",
			SelectPolicy: "first",
			WriteUUIDs:   []string{"0000ffe1-0000-1000-8000-00805f9b34fb"},
			NotifyUUIDs:  []string{"0000ffe1-0000-1000-8000-00805f9b34fb"},
			ScanTimeout:  30 * time.Second,
		},
		Transfer: TransferConfig{
			ChunkSize:     200,
			AfterStart:    100 * time.Millisecond,
			AfterConfig:   1000 * time.Millisecond,
			BetweenChunks: 500 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
		},
		Hotkey: HotkeyConfig{
			Enabled: true,
			Keys:    []string{"ctrl", "shift", "q"},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Device.Code = strings.TrimSpace(cfg.Device.Code)

	return cfg, nil
}

// Validate checks the config for invalid values. An empty device code is
// allowed; the CLI then requires -code.
func (c *Config) Validate() error {
	if c.Device.Code != "" && !protocol.ValidCode(c.Device.Code) {
		return fmt.Errorf("device.code must be 6 digits, got %q", c.Device.Code)
	}

	switch c.BLE.Backend {
	case "tinygo", "bluez":
	default:
		return fmt.Errorf("ble.backend must be \"tinygo\" or \"bluez\", got %q", c.BLE.Backend)
	}

	if c.BLE.Backend == "bluez" && c.BLE.Adapter == "" {
		return fmt.Errorf("ble.adapter must not be empty for the bluez backend")
	}

	switch c.BLE.SelectPolicy {
	case "first", "last":
	default:
		return fmt.Errorf("ble.select_policy must be \"first\" or \"last\", got %q", c.BLE.SelectPolicy)
	}

	if c.BLE.Backend == "tinygo" && len(c.BLE.WriteUUIDs) == 0 {
		return fmt.Errorf("ble.write_uuids must not be empty for the tinygo backend")
	}

	if c.BLE.ScanTimeout < 0 {
		return fmt.Errorf("ble.scan_timeout must be >= 0")
	}

	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be > 0")
	}

	if c.Transfer.AfterStart < 0 || c.Transfer.AfterConfig < 0 || c.Transfer.BetweenChunks < 0 {
		return fmt.Errorf("transfer delays must be >= 0")
	}

	if c.Bridge.Enabled && c.Bridge.Listen == "" {
		return fmt.Errorf("bridge.listen must not be empty when the bridge is enabled")
	}

	if c.Hotkey.Enabled && len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level, defaulting to Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

const defaultHeader = `# soundleap-link configuration
#
# device.code is the 6-digit pairing code shown on the hub; the hub
# advertises itself as "SL-<code>".
# ble.backend selects "tinygo" (macOS/Linux/Windows) or "bluez" (Linux D-Bus).
# Durations use Go syntax, e.g. 500ms or 30s.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns the
// path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
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
