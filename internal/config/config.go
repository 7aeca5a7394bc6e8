package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TestModeEnv forces every hardware capability to its simulated variant when set to "1".
const TestModeEnv = "MINIK_TEST_MODE"

// Config holds all application configuration.
type Config struct {
	RegistryPath string          `yaml:"registry_path"`
	Hardware     HardwareMode    `yaml:"hardware"`
	BLE          BLEConfig       `yaml:"ble"`
	WiFi         WiFiConfig      `yaml:"wifi"`
	Pairing      PairingConfig   `yaml:"pairing"`
	Heartbeat    HeartbeatConfig `yaml:"heartbeat"`
	Exchange     ExchangeConfig  `yaml:"exchange"`
	Controls     ControlsConfig  `yaml:"controls"`
	LogLevel     string          `yaml:"log_level"`
}

// HardwareMode selects real or simulated implementations at construction
// time. Nothing reads these flags after startup.
type HardwareMode struct {
	UseRealCamera  bool `yaml:"use_real_camera"`
	UseRealSensors bool `yaml:"use_real_sensors"`
	UseRealDHT11   bool `yaml:"use_real_dht11"`
	UseRealNetwork bool `yaml:"use_real_network"` // BLE + WiFi
}

// BLEConfig holds provisioning peripheral settings.
type BLEConfig struct {
	Adapter          string        `yaml:"adapter"`     // BlueZ adapter, e.g. "hci0"
	NamePrefix       string        `yaml:"name_prefix"` // advertised as prefix + last 6 of device id
	AdvertiseTimeout time.Duration `yaml:"advertise_timeout"`
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	IPGrace          time.Duration `yaml:"ip_grace"` // time the phone gets to read the IP characteristic
}

// WiFiConfig holds hotspot connection settings.
type WiFiConfig struct {
	Interface      string        `yaml:"interface"`
	ConnectDelay   time.Duration `yaml:"connect_delay"`
	VerifyAttempts int           `yaml:"verify_attempts"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	LinkCheck      time.Duration `yaml:"link_check"` // how often the connected SSID is re-checked; 0 disables
}

// PairingConfig holds orchestrator settings.
type PairingConfig struct {
	RetryLimit    int           `yaml:"retry_limit"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	QRScheme      string        `yaml:"qr_scheme"`
	AllowReset    bool          `yaml:"allow_reset"` // dev-only bulk clear of known devices
}

// HeartbeatConfig holds phone liveness probe settings.
type HeartbeatConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Port        int           `yaml:"port"`
	MaxFailures int           `yaml:"max_failures"`
}

// ExchangeConfig holds the data-exchange endpoint settings.
type ExchangeConfig struct {
	Port int  `yaml:"port"`
	MDNS bool `yaml:"mdns"`
}

// ControlsConfig selects the operator input and output surfaces.
type ControlsConfig struct {
	Console  bool              `yaml:"console"`  // single-letter commands on stdin
	Hotkeys  bool              `yaml:"hotkeys"`  // global key combinations, needs a desktop session
	Bindings map[string]string `yaml:"bindings"` // action name -> combination, e.g. pair_new: ctrl+shift+p
	QRPNG    string            `yaml:"qr_png"`   // also write the pairing QR code to this PNG
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "minik-link")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		RegistryPath: "~/.minik_config.json",
		Hardware: HardwareMode{
			UseRealCamera:  true,
			UseRealNetwork: true,
		},
		BLE: BLEConfig{
			Adapter:          "hci0",
			NamePrefix:       "MiniK-",
			AdvertiseTimeout: 180 * time.Second,
			ScanTimeout:      15 * time.Second,
			IPGrace:          2 * time.Second,
		},
		WiFi: WiFiConfig{
			Interface:      "wlan0",
			ConnectDelay:   2 * time.Second,
			VerifyAttempts: 15,
			VerifyInterval: time.Second,
			CommandTimeout: 30 * time.Second,
			LinkCheck:      15 * time.Second,
		},
		Pairing: PairingConfig{
			RetryLimit:    3,
			RetryInterval: 10 * time.Second,
			QRScheme:      "minik",
		},
		Heartbeat: HeartbeatConfig{
			Interval:    30 * time.Second,
			Timeout:     5 * time.Second,
			Port:        8765,
			MaxFailures: 3,
		},
		Exchange: ExchangeConfig{
			Port: 8765,
			MDNS: true,
		},
		Controls: ControlsConfig{
			Console: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in registry_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Finalize()
	return cfg, nil
}

// Finalize expands paths and applies the test-mode override. Load calls it;
// callers building a Config by hand should too.
func (c *Config) Finalize() {
	c.RegistryPath = expandTilde(c.RegistryPath)
	c.Controls.QRPNG = expandTilde(c.Controls.QRPNG)
	if os.Getenv(TestModeEnv) == "1" {
		c.Hardware = HardwareMode{}
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.RegistryPath == "" {
		return fmt.Errorf("registry_path must not be empty")
	}

	if c.BLE.NamePrefix == "" {
		return fmt.Errorf("ble.name_prefix must not be empty")
	}
	if c.BLE.AdvertiseTimeout <= 0 {
		return fmt.Errorf("ble.advertise_timeout must be > 0")
	}
	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.IPGrace < 0 {
		return fmt.Errorf("ble.ip_grace must be >= 0")
	}

	if c.WiFi.Interface == "" {
		return fmt.Errorf("wifi.interface must not be empty")
	}
	if c.WiFi.VerifyAttempts <= 0 {
		return fmt.Errorf("wifi.verify_attempts must be > 0")
	}
	if c.WiFi.ConnectDelay < 0 || c.WiFi.VerifyInterval < 0 || c.WiFi.LinkCheck < 0 {
		return fmt.Errorf("wifi delays must be >= 0")
	}
	if c.WiFi.CommandTimeout <= 0 {
		return fmt.Errorf("wifi.command_timeout must be > 0")
	}

	if c.Pairing.RetryLimit <= 0 {
		return fmt.Errorf("pairing.retry_limit must be > 0")
	}
	if c.Pairing.RetryInterval < 0 {
		return fmt.Errorf("pairing.retry_interval must be >= 0")
	}
	if c.Pairing.QRScheme == "" || strings.ContainsAny(c.Pairing.QRScheme, ":/?") {
		return fmt.Errorf("pairing.qr_scheme must be a bare scheme name, got %q", c.Pairing.QRScheme)
	}

	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("heartbeat.interval and heartbeat.timeout must be > 0")
	}
	if c.Heartbeat.MaxFailures <= 0 {
		return fmt.Errorf("heartbeat.max_failures must be > 0")
	}
	if err := validPort("heartbeat.port", c.Heartbeat.Port); err != nil {
		return err
	}
	if err := validPort("exchange.port", c.Exchange.Port); err != nil {
		return err
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

const defaultHeader = `# minik-link configuration
# Durations use Go syntax (e.g. 10s, 3m). Delete a key to use its default.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be in 1-65535, got %d", name, port)
	}
	return nil
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
