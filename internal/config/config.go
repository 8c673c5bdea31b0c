// Package config provides configuration management for resourced.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the resource build server configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Paths       PathsConfig       `toml:"paths"`
	Compilation CompilationConfig `toml:"compilation"`
	Watcher     WatcherConfig     `toml:"watcher"`
	Logging     LoggingConfig     `toml:"logging"`
	Status      StatusConfig      `toml:"status"`
}

// ServerConfig contains process-level settings (§4.11, §6).
type ServerConfig struct {
	// Address and Port form the IPC listen endpoint clients connect to
	// (TOML keys address and port under [server]).
	Address         string `toml:"address"`
	Port            int    `toml:"port"`
	DataDir         string `toml:"data_dir"`
	PIDFile         string `toml:"pid_file"`
	ShutdownTimeout int    `toml:"shutdown_timeout_seconds"`
}

// PathsConfig contains the raw/compiled resource roots and supporting files (§6).
type PathsConfig struct {
	RawResourcePath    string `toml:"raw_resource_path"`
	CompiledResourcePath string `toml:"compiled_resource_path"`
	WorkerBinaryPath     string `toml:"worker_binary_path"`
	CompiledRecordDBPath string `toml:"compiled_record_db_path"`
}

// CompilationConfig controls the worker pool and compile behavior (§4.6, §9).
type CompilationConfig struct {
	MaxSimultaneousCompilationTasks int `toml:"max_simultaneous_compilation_tasks"`
	SubprocessTimeoutSeconds        int `toml:"subprocess_timeout_seconds"`
	PendingWatermark                int `toml:"pending_watermark"`
}

// WatcherConfig controls the file-system watcher adapter (§4.3).
type WatcherConfig struct {
	Enabled    bool `toml:"enabled"`
	DebounceMs int  `toml:"debounce_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Console    bool   `toml:"console"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// StatusConfig controls the HTTP status and packaging-control surface (ambient, not IPC).
type StatusConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// DefaultConfig returns the default configuration with all values set.
// Environment variables RESOURCED_ADDRESS and RESOURCED_PORT can override
// the IPC listen endpoint.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	address := "127.0.0.1"
	if envAddr := os.Getenv("RESOURCED_ADDRESS"); envAddr != "" {
		address = envAddr
	}

	port := 28816
	if envPort := os.Getenv("RESOURCED_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	return &Config{
		Server: ServerConfig{
			Address:         address,
			Port:            port,
			DataDir:         dataDir,
			PIDFile:         filepath.Join(dataDir, "resourced.pid"),
			ShutdownTimeout: 30,
		},
		Paths: PathsConfig{
			RawResourcePath:      filepath.Join(dataDir, "raw"),
			CompiledResourcePath: filepath.Join(dataDir, "compiled"),
			WorkerBinaryPath:     "resource-compiler",
			CompiledRecordDBPath: filepath.Join(dataDir, "records.db"),
		},
		Compilation: CompilationConfig{
			MaxSimultaneousCompilationTasks: 16,
			SubprocessTimeoutSeconds:        600,
			PendingWatermark:                10000,
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			DebounceMs: 250,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Console:    true,
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Status: StatusConfig{
			Enabled: true,
			Address: "127.0.0.1:28817",
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "resourced")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".resourced")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load loads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// LoadFromString loads configuration from a TOML string, merging with defaults.
func LoadFromString(tomlStr string) (*Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(tomlStr)
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config string: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// expandPaths expands a leading "~/" in path fields.
func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expandTilde := func(path string) string {
		if strings.HasPrefix(path, "~/") {
			return filepath.Join(home, path[2:])
		}
		return path
	}

	c.Server.DataDir = expandTilde(c.Server.DataDir)
	c.Server.PIDFile = expandTilde(c.Server.PIDFile)
	c.Paths.RawResourcePath = expandTilde(c.Paths.RawResourcePath)
	c.Paths.CompiledResourcePath = expandTilde(c.Paths.CompiledResourcePath)
	c.Paths.CompiledRecordDBPath = expandTilde(c.Paths.CompiledRecordDBPath)
}

// Save saves the configuration to a file in TOML format.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// WriteExampleConfig writes an example config file with comments.
func WriteExampleConfig(path string) error {
	example := `# resourced configuration file
# All values shown are defaults - uncomment and modify as needed

[server]
# IPC listen address/port for editor and engine clients
address = "127.0.0.1"
port = 28816
# Directory for server data (records db, pid file, logs)
# data_dir = "~/.resourced"
shutdown_timeout_seconds = 30

[paths]
# Absolute path of the raw-asset root
raw_resource_path = "~/.resourced/raw"
# Absolute path of the compiled-artifact root
compiled_resource_path = "~/.resourced/compiled"
# Absolute path of the compiler worker executable
worker_binary_path = "resource-compiler"
# File backing the compiled-resource record store
compiled_record_db_path = "~/.resourced/records.db"

[compilation]
# Worker-pool size
max_simultaneous_compilation_tasks = 16
# Subprocess timeout before a worker is killed and the request Failed
subprocess_timeout_seconds = 600
# Reject RequestResource once pending exceeds this many entries
pending_watermark = 10000

[watcher]
enabled = true
debounce_ms = 250

[logging]
level = "info"
format = "text"
console = true
max_size_mb = 100
max_backups = 5

[status]
# HTTP status surface (busy state, worker table, packaging progress) and packaging control
enabled = true
address = "127.0.0.1:28817"
`

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return os.WriteFile(path, []byte(example), 0644)
}

// Address returns the IPC listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// LogPath returns the path to the server log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Server.DataDir, "logs", "resourced.log")
}

// PIDPath returns the path to the PID file.
func (c *Config) PIDPath() string {
	if c.Server.PIDFile != "" {
		return c.Server.PIDFile
	}
	return filepath.Join(c.Server.DataDir, "resourced.pid")
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Server.DataDir,
		filepath.Dir(c.LogPath()),
		c.Paths.RawResourcePath,
		c.Paths.CompiledResourcePath,
		filepath.Dir(c.Paths.CompiledRecordDBPath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate validates the configuration and returns any errors.
// A failure here is the ConfigInvalid fatal error class of §7.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout_seconds must be at least 1")
	}
	if c.Paths.RawResourcePath == "" {
		return fmt.Errorf("raw_resource_path must be set")
	}
	if c.Paths.CompiledResourcePath == "" {
		return fmt.Errorf("compiled_resource_path must be set")
	}
	if c.Paths.WorkerBinaryPath == "" {
		return fmt.Errorf("worker_binary_path must be set")
	}
	if c.Compilation.MaxSimultaneousCompilationTasks < 1 {
		return fmt.Errorf("max_simultaneous_compilation_tasks must be at least 1")
	}
	if c.Compilation.PendingWatermark < 1 {
		return fmt.Errorf("pending_watermark must be at least 1")
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
