package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/sharescan/internal/errors"
)

// Config represents the complete sharescan configuration
type Config struct {
	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Named SOCKS5 proxies that a scan or browse session may route through
	Proxies map[string]ProxyConfig `yaml:"proxies" json:"proxies"`

	// Browse and index configuration
	Browse BrowseConfig `yaml:"browse" json:"browse"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ScanningConfig holds scanning-related settings
type ScanningConfig struct {
	// TCP port probed for liveness and used for SMB sessions
	Port int `yaml:"port" json:"port"`

	// Per-address liveness probe timeout
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// Probes in flight at once
	PortScanConcurrency int `yaml:"port_scan_concurrency" json:"port_scan_concurrency"`

	// Hosts enumerated at once
	EnumConcurrency int `yaml:"enum_concurrency" json:"enum_concurrency"`

	// Timeout for a single SMB operation (session setup, share listing, permission probe)
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`

	// Report administrative shares whose names end in '$'
	IncludeHidden bool `yaml:"include_hidden" json:"include_hidden"`

	// Largest number of addresses a single scan may cover
	MaxRangeSize uint64 `yaml:"max_range_size" json:"max_range_size"`

	// Progress messages buffered between a worker and its controller
	MessageBuffer int `yaml:"message_buffer" json:"message_buffer"`
}

// ProxyConfig describes a SOCKS5 endpoint
type ProxyConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// Address returns host:port for the proxy.
func (p ProxyConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// BrowseConfig holds settings for browse sessions and the share index
type BrowseConfig struct {
	// Directory listings issued in parallel while building an index
	IndexWorkers int `yaml:"index_workers" json:"index_workers"`

	// Upper bound on a single index build
	BuildTimeout time.Duration `yaml:"build_timeout" json:"build_timeout"`

	// Browse sessions allowed to be open at once
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// bcrypt hashes of accepted API keys; empty disables authentication
	APIKeyHashes []string `yaml:"api_key_hashes" json:"-"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Request timeout
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Maximum request size
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	// Finished scan jobs kept for GET /api/v1/scans
	JobHistory int `yaml:"job_history" json:"job_history"`

	// Silence allowed on a scan stream connection before it is dropped.
	// Pings go out at nine tenths of this.
	StreamKeepalive time.Duration `yaml:"stream_keepalive" json:"stream_keepalive"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	// Enable CORS
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Allowed origins
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	// Allowed methods
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`

	// Allowed headers
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, discard, file path)
	Output string `yaml:"output" json:"output"`

	// Enable request logging for API
	RequestLogging bool `yaml:"request_logging" json:"request_logging"`
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Port:                445,
			ProbeTimeout:        2 * time.Second,
			PortScanConcurrency: 100,
			EnumConcurrency:     25,
			OperationTimeout:    5 * time.Second,
			IncludeHidden:       false,
			MaxRangeSize:        1 << 16,
			MessageBuffer:       256,
		},
		Proxies: map[string]ProxyConfig{
			"example1": {Host: "127.0.0.1", Port: 1337},
			"example2": {Host: "127.0.0.1", Port: 1338},
			"example3": {Host: "127.0.0.1", Port: 1339},
		},
		Browse: BrowseConfig{
			IndexWorkers: 20,
			BuildTimeout: 10 * time.Minute,
			MaxSessions:  16,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1",
			Port:       8445,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxRequestSize:  1024 * 1024, // 1MB
			JobHistory:      100,
			StreamKeepalive: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stderr",
			RequestLogging: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Start with defaults
	config := Default()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil // Return defaults if no config file
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// YAML is a superset of JSON, so one decoder covers .yaml, .yml and .json
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	s := c.Scanning
	if s.Port <= 0 || s.Port > 65535 {
		return errors.ErrConfigInvalid("scanning.port", s.Port)
	}
	if s.ProbeTimeout <= 0 {
		return errors.ErrConfigInvalid("scanning.probe_timeout", s.ProbeTimeout)
	}
	if s.PortScanConcurrency <= 0 {
		return errors.ErrConfigInvalid("scanning.port_scan_concurrency", s.PortScanConcurrency)
	}
	if s.EnumConcurrency <= 0 {
		return errors.ErrConfigInvalid("scanning.enum_concurrency", s.EnumConcurrency)
	}
	if s.OperationTimeout <= 0 {
		return errors.ErrConfigInvalid("scanning.operation_timeout", s.OperationTimeout)
	}
	if s.MaxRangeSize == 0 {
		return errors.ErrConfigInvalid("scanning.max_range_size", s.MaxRangeSize)
	}
	if s.MessageBuffer <= 0 {
		return errors.ErrConfigInvalid("scanning.message_buffer", s.MessageBuffer)
	}

	for name, p := range c.Proxies {
		if p.Host == "" {
			return errors.ErrConfigMissing("proxies." + name + ".host")
		}
		if p.Port <= 0 || p.Port > 65535 {
			return errors.ErrConfigInvalid("proxies."+name+".port", p.Port)
		}
	}

	if c.Browse.IndexWorkers <= 0 {
		return errors.ErrConfigInvalid("browse.index_workers", c.Browse.IndexWorkers)
	}
	if c.Browse.BuildTimeout <= 0 {
		return errors.ErrConfigInvalid("browse.build_timeout", c.Browse.BuildTimeout)
	}
	if c.Browse.MaxSessions <= 0 {
		return errors.ErrConfigInvalid("browse.max_sessions", c.Browse.MaxSessions)
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errors.ErrConfigInvalid("api.port", c.API.Port)
	}
	if c.API.ListenAddr == "" {
		return errors.ErrConfigMissing("api.listen_addr")
	}
	if c.API.StreamKeepalive < 0 {
		return errors.ErrConfigInvalid("api.stream_keepalive", c.API.StreamKeepalive)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return nil
}

// Proxy looks up a named proxy.
func (c *Config) Proxy(name string) (ProxyConfig, bool) {
	p, ok := c.Proxies[name]
	return p, ok
}

// ProxyNames returns configured proxy names in sorted order.
func (c *Config) ProxyNames() []string {
	names := make([]string, 0, len(c.Proxies))
	for name := range c.Proxies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.ListenAddr, strconv.Itoa(c.API.Port))
}
