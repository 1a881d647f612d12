package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/NeverVane/promptledger/internal/logger"
)

// DefaultRelayURL is the hosted relay used when sync.server_url is empty
const DefaultRelayURL = "https://relay.promptledger.dev"

// DataDirEnv overrides the data and config directory (isolated environments, tests)
const DataDirEnv = "PL_DATA_DIR"

// Session scopes for the short-lived session secret
const (
	SessionScopeMemory  = "memory"
	SessionScopeRuntime = "runtime"
)

// Config represents the complete configuration for promptledger
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Security SecurityConfig `toml:"security"`
	Sync     SyncConfig     `toml:"sync"`
	Relay    RelayConfig    `toml:"relay"`
	Log      logger.Config  `toml:"log"`
	Sentry   SentryConfig   `toml:"sentry"`
	Output   OutputConfig   `toml:"output"`

	// Directory paths (computed, not stored in TOML)
	DataDir   string `toml:"-"`
	ConfigDir string `toml:"-"`
}

// StorageConfig contains local durable storage settings
type StorageConfig struct {
	// Path to the SQLite slot store
	Path string `toml:"path"`

	// Synchronous mode (NORMAL, FULL)
	SyncMode string `toml:"sync_mode"`

	BusyTimeoutMS int `toml:"busy_timeout_ms"`
}

// SecurityConfig contains key derivation and session settings
type SecurityConfig struct {
	// PBKDF2-SHA256 iterations
	KDFIterations int `toml:"kdf_iterations"`

	// Where the session secret lives: "memory" (dies with the process) or
	// "runtime" (a 0600 file in the runtime directory, expires after SessionTimeout)
	SessionScope string `toml:"session_scope"`

	// Runtime session file path, only used with the runtime scope
	SessionPath string `toml:"session_path"`

	// Session lifetime in seconds for the runtime scope
	SessionTimeout int `toml:"session_timeout"`
}

// SyncConfig contains remote relay client settings
type SyncConfig struct {
	// Relay base URL (REST + websocket)
	ServerURL string `toml:"server_url"`

	// Per-request timeout in seconds; a timeout is treated like any remote error
	Timeout int `toml:"timeout_seconds"`

	// Subscribe to change broadcasts while unlocked
	Realtime bool `toml:"realtime"`

	// Reconnect backoff bounds for the broadcast subscription, in seconds
	ReconnectMin int `toml:"reconnect_min_seconds"`
	ReconnectMax int `toml:"reconnect_max_seconds"`
}

// RelayConfig contains settings for the bundled relay server
type RelayConfig struct {
	ListenAddr string `toml:"listen_addr"`

	// Maximum request body in KB
	MaxBodyKB int `toml:"max_body_kb"`
}

// SentryConfig contains Sentry error monitoring settings
type SentryConfig struct {
	Enabled     bool    `toml:"enabled"`
	DSN         string  `toml:"dsn"`
	Environment string  `toml:"environment"`
	SampleRate  float64 `toml:"sample_rate"`
	Debug       bool    `toml:"debug"`
}

// OutputConfig contains CLI output formatting settings
type OutputConfig struct {
	ColorsEnabled bool `toml:"colors_enabled"`

	// Automatically disable colors when not in a TTY
	AutoDetectTTY bool `toml:"auto_detect_tty"`

	// Time layout used in record listings
	TimeFormat string `toml:"time_format"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".config", "promptledger")
	dataDir := filepath.Join(homeDir, ".local", "share", "promptledger")

	return &Config{
		Storage: StorageConfig{
			Path:          filepath.Join(dataDir, "ledger.db"),
			SyncMode:      "NORMAL",
			BusyTimeoutMS: 5000,
		},
		Security: SecurityConfig{
			KDFIterations:  100000,
			SessionScope:   SessionScopeMemory,
			SessionPath:    filepath.Join(runtimeDir(), "promptledger", "session"),
			SessionTimeout: 12 * 60 * 60,
		},
		Sync: SyncConfig{
			ServerURL:    DefaultRelayURL,
			Timeout:      15,
			Realtime:     true,
			ReconnectMin: 1,
			ReconnectMax: 30,
		},
		Relay: RelayConfig{
			ListenAddr: "127.0.0.1:8787",
			MaxBodyKB:  2048,
		},
		Log: *logger.DefaultConfig(),
		Sentry: SentryConfig{
			Enabled:     false,
			Environment: "production",
			SampleRate:  1.0,
		},
		Output: OutputConfig{
			ColorsEnabled: true,
			AutoDetectTTY: true,
			TimeFormat:    "2006-01-02 15:04",
		},
		DataDir:   dataDir,
		ConfigDir: configDir,
	}
}

// Load loads configuration from the specified file path. An empty path means
// the default location; a missing file yields defaults.
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if dataDir := os.Getenv(DataDirEnv); dataDir != "" {
		config.UseDataDir(dataDir)
	}

	if configPath == "" {
		configPath = filepath.Join(config.ConfigDir, "config.toml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config.ApplyDefaults()
		return config, nil
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// UseDataDir points every path at a single directory
func (c *Config) UseDataDir(dir string) {
	dir = filepath.Clean(dir)
	c.DataDir = dir
	c.ConfigDir = dir
	c.Storage.Path = filepath.Join(dir, "ledger.db")
	c.Security.SessionPath = filepath.Join(dir, "run", "session")
}

// Save saves the configuration to the specified file path
func (c *Config) Save(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(configPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config as TOML: %w", err)
	}

	return nil
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	validSyncModes := map[string]bool{"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true}
	if !validSyncModes[c.Storage.SyncMode] {
		return fmt.Errorf("storage.sync_mode must be one of: OFF, NORMAL, FULL, EXTRA")
	}

	if c.Security.KDFIterations < 10000 {
		return fmt.Errorf("security.kdf_iterations must be at least 10000")
	}
	switch c.Security.SessionScope {
	case SessionScopeMemory:
	case SessionScopeRuntime:
		if c.Security.SessionPath == "" {
			return fmt.Errorf("security.session_path is required for the runtime session scope")
		}
		if c.Security.SessionTimeout <= 0 {
			return fmt.Errorf("security.session_timeout must be positive")
		}
	default:
		return fmt.Errorf("security.session_scope must be one of: memory, runtime")
	}

	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout_seconds must be positive")
	}
	if c.Sync.ReconnectMin <= 0 || c.Sync.ReconnectMax < c.Sync.ReconnectMin {
		return fmt.Errorf("sync.reconnect_min_seconds must be positive and not exceed reconnect_max_seconds")
	}

	if c.Relay.MaxBodyKB <= 0 {
		return fmt.Errorf("relay.max_body_kb must be positive")
	}

	if c.Sentry.Enabled && (c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1) {
		return fmt.Errorf("sentry.sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// ApplyDefaults fills zero values left behind by a partial TOML file
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.Storage.SyncMode == "" {
		c.Storage.SyncMode = d.Storage.SyncMode
	}
	if c.Storage.BusyTimeoutMS <= 0 {
		c.Storage.BusyTimeoutMS = d.Storage.BusyTimeoutMS
	}

	if c.Security.KDFIterations == 0 {
		c.Security.KDFIterations = d.Security.KDFIterations
	}
	if c.Security.SessionScope == "" {
		c.Security.SessionScope = SessionScopeMemory
	}
	if c.Security.SessionPath == "" {
		c.Security.SessionPath = d.Security.SessionPath
	}
	if c.Security.SessionTimeout == 0 {
		c.Security.SessionTimeout = d.Security.SessionTimeout
	}

	if c.Sync.ServerURL == "" {
		c.Sync.ServerURL = DefaultRelayURL
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = d.Sync.Timeout
	}
	if c.Sync.ReconnectMin == 0 {
		c.Sync.ReconnectMin = d.Sync.ReconnectMin
	}
	if c.Sync.ReconnectMax == 0 {
		c.Sync.ReconnectMax = d.Sync.ReconnectMax
	}

	if c.Relay.ListenAddr == "" {
		c.Relay.ListenAddr = d.Relay.ListenAddr
	}
	if c.Relay.MaxBodyKB == 0 {
		c.Relay.MaxBodyKB = d.Relay.MaxBodyKB
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Output.TimeFormat == "" {
		c.Output.TimeFormat = d.Output.TimeFormat
	}
}

// EnsureDirectories creates necessary directories for the configuration
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Storage.Path)}
	if c.Security.SessionScope == SessionScopeRuntime {
		dirs = append(dirs, filepath.Dir(c.Security.SessionPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// GetSyncTimeout returns the sync timeout as a time.Duration
func (c *Config) GetSyncTimeout() time.Duration {
	return time.Duration(c.Sync.Timeout) * time.Second
}

// GetSessionTimeout returns the runtime session lifetime
func (c *Config) GetSessionTimeout() time.Duration {
	return time.Duration(c.Security.SessionTimeout) * time.Second
}

// GetReconnectBounds returns the broadcast reconnect backoff bounds
func (c *Config) GetReconnectBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Sync.ReconnectMin) * time.Second, time.Duration(c.Sync.ReconnectMax) * time.Second
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}
