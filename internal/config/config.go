// Package config loads the service configuration from a YAML or JSON file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the CLI looks for a config file when --config
// is not given. A missing file means defaults.
const DefaultConfigPath = "config.yaml"

// maxFileSize bounds the config file we are willing to parse.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration value. It is constructed once at startup
// and passed to each component; nothing reads it from a global.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Moonraker MoonrakerConfig `yaml:"moonraker"`
	Slicer    SlicerConfig    `yaml:"slicer"`
	Paths     PathsConfig     `yaml:"paths"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Debug mounts the /debug/ admin routes.
	Debug bool `yaml:"debug"`
	// MaxUploadMB bounds the multipart body accepted for a mesh upload.
	MaxUploadMB int64 `yaml:"max_upload_mb"`
	// StaticDir holds index.html and the /static/ assets of the browser UI.
	// Empty disables the UI routes.
	StaticDir string `yaml:"static_dir"`
}

// MoonrakerConfig describes the remote print controller.
type MoonrakerConfig struct {
	URL           string `yaml:"url"`
	APIKey        string `yaml:"api_key"`
	UploadTimeout string `yaml:"upload_timeout"` // duration string like "30s"
	StartTimeout  string `yaml:"start_timeout"`
}

// SlicerConfig selects the slicer variant and where to find it.
type SlicerConfig struct {
	Variant    string `yaml:"variant"`
	Executable string `yaml:"executable"`
	Profile    string `yaml:"profile"`
	Timeout    string `yaml:"timeout"`
	WorkDir    string `yaml:"work_dir"`
}

// PathsConfig holds local storage locations.
type PathsConfig struct {
	GcodesDir string `yaml:"gcodes_dir"`
	TempDir   string `yaml:"temp_dir"`
	// Database is the artifact catalog file. Empty disables the catalog.
	Database string `yaml:"database"`
}

// LoggingConfig is handed to monitoring.NewLogger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:      ":5000",
			MaxUploadMB: 256,
		},
		Moonraker: MoonrakerConfig{
			URL:           "http://localhost:7125",
			UploadTimeout: "30s",
			StartTimeout:  "10s",
		},
		Slicer: SlicerConfig{
			Variant:    "prusaslicer",
			Executable: "/usr/bin/prusa-slicer",
			Profile:    "config.ini",
			Timeout:    "10m",
		},
		Paths: PathsConfig{
			GcodesDir: "gcodes",
			Database:  "piy.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration from path, layered over DefaultConfig, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	cleanPath := filepath.Clean(path)
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	// JSON is valid YAML, so one decoder covers both formats.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MOONRAKER_URL"); v != "" {
		c.Moonraker.URL = v
	}
	if v, ok := os.LookupEnv("MOONRAKER_API_KEY"); ok {
		c.Moonraker.APIKey = v
	}
	if v := os.Getenv("PRUSASLICER_EXECUTABLE"); v != "" {
		c.Slicer.Executable = v
	}
	if v := os.Getenv("PRUSASLICER_PROFILE"); v != "" {
		c.Slicer.Profile = v
	}
	if v := os.Getenv("PIY_SLICER_VARIANT"); v != "" {
		c.Slicer.Variant = v
	}
	if v := os.Getenv("PIY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("PIY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Moonraker.URL) == "" {
		return fmt.Errorf("moonraker.url must be set")
	}
	if c.Slicer.Variant == "" {
		return fmt.Errorf("slicer.variant must be set")
	}
	if c.Paths.GcodesDir == "" {
		return fmt.Errorf("paths.gcodes_dir must be set")
	}
	if c.Server.MaxUploadMB < 0 {
		return fmt.Errorf("server.max_upload_mb must not be negative")
	}
	for name, value := range map[string]string{
		"moonraker.upload_timeout": c.Moonraker.UploadTimeout,
		"moonraker.start_timeout":  c.Moonraker.StartTimeout,
		"slicer.timeout":           c.Slicer.Timeout,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// UploadTimeoutDuration returns the upload phase timeout, 30s when unset.
func (c MoonrakerConfig) UploadTimeoutDuration() time.Duration {
	return parseDuration(c.UploadTimeout, 30*time.Second)
}

// StartTimeoutDuration returns the per-candidate start timeout, 10s when unset.
func (c MoonrakerConfig) StartTimeoutDuration() time.Duration {
	return parseDuration(c.StartTimeout, 10*time.Second)
}

// TimeoutDuration returns how long a single slicer run may take.
func (c SlicerConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 10*time.Minute)
}

// TempDirOrDefault resolves where uploaded meshes are staged.
func (c PathsConfig) TempDirOrDefault() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return os.TempDir()
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
