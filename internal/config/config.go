package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/doorway.report/internal/doorway"
	"github.com/banshee-data/doorway.report/internal/history"
	"github.com/banshee-data/doorway.report/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical defaults file shipped with
// the repository.
const DefaultConfigPath = "config/doorway.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the deployment configuration. Every field is optional; the Get*
// methods supply defaults for anything the file leaves out.
type Config struct {
	// Doorway window and classifier debounce
	MinAngle               *float64 `json:"min_angle,omitempty"`
	MaxAngle               *float64 `json:"max_angle,omitempty"`
	DoorDistance           *int     `json:"door_distance,omitempty"`
	FloorDistance          *int     `json:"floor_distance,omitempty"`
	ClosedConfirmThreshold *int     `json:"closed_confirm_threshold,omitempty"`
	FloorConfirmThreshold  *int     `json:"floor_confirm_threshold,omitempty"`

	// Pipeline
	HistoryCapacity *int    `json:"history_capacity,omitempty"`
	VerifyChecksum  *bool   `json:"verify_checksum,omitempty"`
	AutoCloseAfter  *string `json:"auto_close_after,omitempty"` // duration string like "30s"; empty disables

	// Serial link
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty"`
	Parity     *string `json:"parity,omitempty"`

	// Service
	Listen      *string  `json:"listen,omitempty"`
	DBPath      *string  `json:"db_path,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

func ptrString(v string) *string { return &v }

// LoadConfig loads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Fields omitted from the file keep their
// defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	for name, v := range map[string]*int{
		"door_distance":  c.DoorDistance,
		"floor_distance": c.FloorDistance,
	} {
		if v != nil && (*v < 0 || *v > 0xFFFF) {
			return fmt.Errorf("%s must be between 0 and 65535 mm, got %d", name, *v)
		}
	}

	if err := c.Thresholds().Validate(); err != nil {
		return err
	}

	if c.HistoryCapacity != nil && *c.HistoryCapacity <= 0 {
		return fmt.Errorf("history_capacity must be positive, got %d", *c.HistoryCapacity)
	}

	if c.AutoCloseAfter != nil && *c.AutoCloseAfter != "" {
		d, err := time.ParseDuration(*c.AutoCloseAfter)
		if err != nil {
			return fmt.Errorf("invalid auto_close_after '%s': %w", *c.AutoCloseAfter, err)
		}
		if d < 0 {
			return fmt.Errorf("auto_close_after must not be negative, got %s", d)
		}
	}

	if _, err := c.PortOptions().Normalise(); err != nil {
		return fmt.Errorf("serial options: %w", err)
	}

	return nil
}

// Thresholds assembles the classifier thresholds, applying defaults for
// unset fields.
func (c *Config) Thresholds() doorway.Thresholds {
	t := doorway.DefaultThresholds()
	if c.MinAngle != nil {
		t.MinAngle = *c.MinAngle
	}
	if c.MaxAngle != nil {
		t.MaxAngle = *c.MaxAngle
	}
	if c.DoorDistance != nil {
		t.DoorDistance = uint16(*c.DoorDistance)
	}
	if c.FloorDistance != nil {
		t.FloorDistance = uint16(*c.FloorDistance)
	}
	if c.ClosedConfirmThreshold != nil {
		t.ClosedConfirm = *c.ClosedConfirmThreshold
	}
	if c.FloorConfirmThreshold != nil {
		t.FloorConfirm = *c.FloorConfirmThreshold
	}
	return t
}

// PortOptions returns the serial parameters; zero values are filled in by
// serialmux.PortOptions.Normalise.
func (c *Config) PortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetHistoryCapacity returns the history_capacity value or the default.
func (c *Config) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return history.DefaultCapacity
	}
	return *c.HistoryCapacity
}

// GetVerifyChecksum returns the verify_checksum value or the default.
func (c *Config) GetVerifyChecksum() bool {
	if c.VerifyChecksum == nil {
		return false // mismatches are counted, not dropped
	}
	return *c.VerifyChecksum
}

// GetAutoCloseAfter parses auto_close_after. Zero means the watchdog is off.
func (c *Config) GetAutoCloseAfter() time.Duration {
	if c.AutoCloseAfter == nil || *c.AutoCloseAfter == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.AutoCloseAfter)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GetSerialPort returns the serial_port value or the default.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetListen returns the listen value or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":3001"
	}
	return *c.Listen
}

// GetDBPath returns the db_path value or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "doorway.db"
	}
	return *c.DBPath
}

// GetCORSOrigins returns the allowed origins, defaulting to any origin.
func (c *Config) GetCORSOrigins() []string {
	if len(c.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return append([]string(nil), c.CORSOrigins...)
}

// ApplyOverrides sets the fields that command-line flags may replace. Empty
// strings leave the current value alone.
func (c *Config) ApplyOverrides(listen, serialPort, dbPath string) {
	if listen != "" {
		c.Listen = ptrString(listen)
	}
	if serialPort != "" {
		c.SerialPort = ptrString(serialPort)
	}
	if dbPath != "" {
		c.DBPath = ptrString(dbPath)
	}
}
