package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tobert/tracelanes/internal/storage"
)

// projectConfigNames are tried in order in each directory while walking up.
var projectConfigNames = []string{".tracelanes.json", ".tracelanes.yaml", ".tracelanes.yml"}

// Config holds the runtime configuration of tracelanes.
// It can be populated from CLI flags, config files, or both.
type Config struct {
	// Comment field for user documentation (ignored by the application)
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`

	// Buffer sizes
	SpanBufferSize     int `json:"span_buffer_size,omitempty" yaml:"span_buffer_size,omitempty"`
	LogBufferSize      int `json:"log_buffer_size,omitempty" yaml:"log_buffer_size,omitempty"`
	SnapshotBufferSize int `json:"snapshot_buffer_size,omitempty" yaml:"snapshot_buffer_size,omitempty"`

	// OTLP server configuration
	OTLPHost    string `json:"otlp_host,omitempty" yaml:"otlp_host,omitempty"`
	OTLPPort    int    `json:"otlp_port,omitempty" yaml:"otlp_port,omitempty"`
	OTLPMaxRecv int    `json:"otlp_max_recv_bytes,omitempty" yaml:"otlp_max_recv_bytes,omitempty"`
	NoOTLP      bool   `json:"no_otlp,omitempty" yaml:"no_otlp,omitempty"` // file sources only

	// MCP transport configuration
	Transport      string   `json:"transport,omitempty" yaml:"transport,omitempty"`             // "stdio" (default) or "http"
	HTTPHost       string   `json:"http_host,omitempty" yaml:"http_host,omitempty"`             // HTTP server bind address
	HTTPPort       int      `json:"http_port,omitempty" yaml:"http_port,omitempty"`             // HTTP server port
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // Allowed Origin headers
	Stateless      bool     `json:"stateless,omitempty" yaml:"stateless,omitempty"`             // Run HTTP transport in stateless mode

	// Web UI configuration
	WebUIPort int    `json:"webui_port,omitempty" yaml:"webui_port,omitempty"` // 0 = use same port as HTTP (default)
	WebUIHost string `json:"webui_host,omitempty" yaml:"webui_host,omitempty"` // default: 127.0.0.1

	// Trace sources read at startup
	FileSources []string `json:"file_sources,omitempty" yaml:"file_sources,omitempty"`
	OtelConfig  string   `json:"otel_config,omitempty" yaml:"otel_config,omitempty"` // Collector config to discover file exporters
	ActiveOnly  bool     `json:"active_only,omitempty" yaml:"active_only,omitempty"`

	// Redis archive; empty address disables it
	RedisAddr      string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword  string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB        int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	RedisKeyPrefix string `json:"redis_key_prefix,omitempty" yaml:"redis_key_prefix,omitempty"`
	RedisTTL       string `json:"redis_ttl,omitempty" yaml:"redis_ttl,omitempty"` // e.g. "168h"; "0" keeps forever

	// Logging configuration
	Verbose bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// DefaultConfig returns a Config with sensible default values:
// - 10,000 spans, 10,000 log records and 500 snapshots held in memory
// - Localhost binding on an ephemeral OTLP port
// - stdio transport (or http on port 4390)
// - no archive
func DefaultConfig() *Config {
	return &Config{
		SpanBufferSize:     storage.DefaultSpanCapacity,
		LogBufferSize:      storage.DefaultLogCapacity,
		SnapshotBufferSize: storage.DefaultSnapshotCapacity,
		OTLPHost:           "127.0.0.1",
		OTLPPort:           0, // 0 means ephemeral port assignment
		Transport:          "stdio",
		HTTPHost:           "127.0.0.1",
		HTTPPort:           4390,
		AllowedOrigins:     []string{"http://localhost:*", "http://127.0.0.1:*"},
		WebUIPort:          0,
		WebUIHost:          "127.0.0.1",
		RedisKeyPrefix:     "tracelanes",
		RedisTTL:           "168h",
	}
}

// LoadConfigFromFile loads configuration from a JSON or YAML file. The
// format is chosen by extension: .yaml and .yml are YAML, anything else JSON.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// FindProjectConfig searches for a .tracelanes.json or .tracelanes.yaml
// config file. It starts in the current directory and walks up looking for
// the file, stopping when it finds a .git directory (project root) or
// reaches root.
func FindProjectConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return findProjectConfigFrom(dir)
}

func findProjectConfigFrom(dir string) (string, error) {
	for {
		for _, name := range projectConfigNames {
			configPath := filepath.Join(dir, name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath, nil
			}
		}

		// Check if we're at a git repo root (stop here even if no config)
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", os.ErrNotExist
}

// GlobalConfigPath returns the path to the global config file.
// This is ~/.config/tracelanes/config.json
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tracelanes", "config.json")
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Fields in overlay override corresponding fields in base.
// Returns a new Config with the merged values.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	if overlay.SpanBufferSize > 0 {
		merged.SpanBufferSize = overlay.SpanBufferSize
	}
	if overlay.LogBufferSize > 0 {
		merged.LogBufferSize = overlay.LogBufferSize
	}
	if overlay.SnapshotBufferSize > 0 {
		merged.SnapshotBufferSize = overlay.SnapshotBufferSize
	}

	if overlay.OTLPHost != "" {
		merged.OTLPHost = overlay.OTLPHost
	}
	if overlay.OTLPPort != 0 {
		merged.OTLPPort = overlay.OTLPPort
	}
	if overlay.OTLPMaxRecv > 0 {
		merged.OTLPMaxRecv = overlay.OTLPMaxRecv
	}
	if overlay.NoOTLP {
		merged.NoOTLP = true
	}

	// Merge HTTP transport settings
	if overlay.Transport != "" {
		merged.Transport = overlay.Transport
	}
	if overlay.HTTPHost != "" {
		merged.HTTPHost = overlay.HTTPHost
	}
	if overlay.HTTPPort > 0 {
		merged.HTTPPort = overlay.HTTPPort
	}
	if len(overlay.AllowedOrigins) > 0 {
		merged.AllowedOrigins = overlay.AllowedOrigins
	}
	if overlay.Stateless {
		merged.Stateless = true
	}

	// Merge Web UI settings
	if overlay.WebUIPort > 0 {
		merged.WebUIPort = overlay.WebUIPort
	}
	if overlay.WebUIHost != "" {
		merged.WebUIHost = overlay.WebUIHost
	}

	// File sources accumulate across layers
	merged.FileSources = slices.Clone(base.FileSources)
	for _, dir := range overlay.FileSources {
		if !slices.Contains(merged.FileSources, dir) {
			merged.FileSources = append(merged.FileSources, dir)
		}
	}
	if overlay.OtelConfig != "" {
		merged.OtelConfig = overlay.OtelConfig
	}
	if overlay.ActiveOnly {
		merged.ActiveOnly = true
	}

	// Merge archive settings
	if overlay.RedisAddr != "" {
		merged.RedisAddr = overlay.RedisAddr
	}
	if overlay.RedisPassword != "" {
		merged.RedisPassword = overlay.RedisPassword
	}
	if overlay.RedisDB != 0 {
		merged.RedisDB = overlay.RedisDB
	}
	if overlay.RedisKeyPrefix != "" {
		merged.RedisKeyPrefix = overlay.RedisKeyPrefix
	}
	if overlay.RedisTTL != "" {
		merged.RedisTTL = overlay.RedisTTL
	}

	if overlay.Verbose {
		merged.Verbose = true
	}

	return &merged
}

// RedisConfig returns the archive settings, or false when no archive is
// configured.
func (c *Config) RedisConfig() (storage.RedisConfig, bool, error) {
	if c.RedisAddr == "" {
		return storage.RedisConfig{}, false, nil
	}
	rc := storage.DefaultRedisConfig()
	rc.Addr = c.RedisAddr
	rc.Password = c.RedisPassword
	rc.DB = c.RedisDB
	if c.RedisKeyPrefix != "" {
		rc.KeyPrefix = c.RedisKeyPrefix
	}
	if c.RedisTTL != "" {
		ttl, err := time.ParseDuration(c.RedisTTL)
		if err != nil {
			return storage.RedisConfig{}, false, fmt.Errorf("invalid redis_ttl %q: %w", c.RedisTTL, err)
		}
		rc.TTL = ttl
	}
	return rc, true, nil
}

// LoadEffectiveConfig loads the effective configuration by merging:
// 1. Built-in defaults
// 2. Global config file (if exists)
// 3. Project config file (if exists)
// 4. Explicit config file (if specified via configPath)
// Later sources override earlier ones.
func LoadEffectiveConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Layer 2: Global config (if exists)
	if globalPath := GlobalConfigPath(); globalPath != "" {
		if globalCfg, err := LoadConfigFromFile(globalPath); err == nil {
			config = MergeConfigs(config, globalCfg)
		}
		// Ignore errors for global config (it's optional)
	}

	// Layer 3: Project config (if exists and no explicit path)
	if configPath == "" {
		if projectPath, err := FindProjectConfig(); err == nil {
			projectCfg, err := LoadConfigFromFile(projectPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load project config: %w", err)
			}
			config = MergeConfigs(config, projectCfg)
		}
	} else {
		explicitCfg, err := LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = MergeConfigs(config, explicitCfg)
	}

	return config, nil
}
