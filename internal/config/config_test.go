package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/sharescan/internal/errors"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 445, cfg.Scanning.Port)
	assert.Equal(t, 2*time.Second, cfg.Scanning.ProbeTimeout)
	assert.Equal(t, 100, cfg.Scanning.PortScanConcurrency)
	assert.Equal(t, 25, cfg.Scanning.EnumConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Scanning.OperationTimeout)
	assert.False(t, cfg.Scanning.IncludeHidden)
	assert.Equal(t, 20, cfg.Browse.IndexWorkers)
	assert.Equal(t, []string{"example1", "example2", "example3"}, cfg.ProxyNames())
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "valid yaml config",
			path: func(t *testing.T) string {
				return writeConfig(t, "config.yaml", `
scanning:
  probe_timeout: 750ms
  port_scan_concurrency: 10
  enum_concurrency: 3
proxies:
  lab:
    host: 10.9.9.9
    port: 9050
browse:
  index_workers: 4
`)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 750*time.Millisecond, cfg.Scanning.ProbeTimeout)
				assert.Equal(t, 10, cfg.Scanning.PortScanConcurrency)
				assert.Equal(t, 3, cfg.Scanning.EnumConcurrency)
				assert.Equal(t, 445, cfg.Scanning.Port, "unset fields keep defaults")
				lab, ok := cfg.Proxy("lab")
				require.True(t, ok)
				assert.Equal(t, "10.9.9.9:9050", lab.Address())
				_, ok = cfg.Proxy("example1")
				assert.True(t, ok, "default proxies are kept")
				assert.Equal(t, 4, cfg.Browse.IndexWorkers)
			},
		},
		{
			name: "valid json config",
			path: func(t *testing.T) string {
				return writeConfig(t, "config.json", `{"scanning": {"enum_concurrency": 7}, "logging": {"format": "json"}}`)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7, cfg.Scanning.EnumConcurrency)
				assert.Equal(t, "json", cfg.Logging.Format)
			},
		},
		{
			name: "missing file returns defaults",
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "absent.yaml")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Default(), cfg)
			},
		},
		{
			name: "invalid yaml syntax",
			path: func(t *testing.T) string {
				return writeConfig(t, "bad.yaml", "scanning: [unterminated")
			},
			wantErr: true,
		},
		{
			name: "invalid values",
			path: func(t *testing.T) string {
				return writeConfig(t, "bad.yaml", "scanning:\n  port_scan_concurrency: 0\n")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path(t))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"port", func(c *Config) { c.Scanning.Port = 70000 }, "scanning.port"},
		{"probe timeout", func(c *Config) { c.Scanning.ProbeTimeout = 0 }, "scanning.probe_timeout"},
		{"enum concurrency", func(c *Config) { c.Scanning.EnumConcurrency = -1 }, "scanning.enum_concurrency"},
		{"operation timeout", func(c *Config) { c.Scanning.OperationTimeout = 0 }, "scanning.operation_timeout"},
		{"max range", func(c *Config) { c.Scanning.MaxRangeSize = 0 }, "scanning.max_range_size"},
		{"message buffer", func(c *Config) { c.Scanning.MessageBuffer = 0 }, "scanning.message_buffer"},
		{"proxy host", func(c *Config) { c.Proxies["x"] = ProxyConfig{Port: 1} }, "proxies.x.host"},
		{"proxy port", func(c *Config) { c.Proxies["x"] = ProxyConfig{Host: "h"} }, "proxies.x.port"},
		{"index workers", func(c *Config) { c.Browse.IndexWorkers = 0 }, "browse.index_workers"},
		{"max sessions", func(c *Config) { c.Browse.MaxSessions = 0 }, "browse.max_sessions"},
		{"api port", func(c *Config) { c.API.Port = 0 }, "api.port"},
		{"listen addr", func(c *Config) { c.API.ListenAddr = "" }, "api.listen_addr"},
		{"stream keepalive", func(c *Config) { c.API.StreamKeepalive = -time.Second }, "api.stream_keepalive"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sharescan.yaml")

	cfg := Default()
	cfg.Scanning.EnumConcurrency = 12
	cfg.Proxies["lab"] = ProxyConfig{Host: "192.0.2.10", Port: 1080}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.Scanning.EnumConcurrency)
	assert.Equal(t, cfg.Scanning.ProbeTimeout, loaded.Scanning.ProbeTimeout)
	assert.Contains(t, loaded.ProxyNames(), "lab")
}

func TestGetAPIAddress(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8445", cfg.GetAPIAddress())

	cfg.API.ListenAddr = "::1"
	assert.Equal(t, "[::1]:8445", cfg.GetAPIAddress())
}
