package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from the file given to
// `cordon serve --config`.
type Config struct {
	BindREST      string `yaml:"bind_rest"`
	BindDiscovery string `yaml:"bind_discovery"`

	StoreDSN string `yaml:"store_dsn"` // path of the bbolt data directory
	CacheDSN string `yaml:"cache_dsn"` // optional redis address

	SecretSink string `yaml:"secret_sink"` // file:<path> URI of the key sink

	LicenseEndpoint string        `yaml:"license_endpoint"`
	LicenseTimeout  time.Duration `yaml:"license_timeout"`
	LicenseCacheTTL time.Duration `yaml:"license_cache_ttl"`
	LicenseGrace    time.Duration `yaml:"license_grace"`

	TLSListenerCert string `yaml:"tls_listener_cert"`
	TLSListenerKey  string `yaml:"tls_listener_key"`

	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`

	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutWindow    time.Duration `yaml:"lockout_window"`

	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMissThreshold int           `yaml:"heartbeat_miss_threshold"`

	RotationOverlapWindow time.Duration `yaml:"rotation_overlap_window"`

	MaxRequestBody        int64 `yaml:"max_request_body"`
	MaxStreamsPerCluster  int   `yaml:"max_streams_per_cluster"`
	MaxSnapshotResources  int   `yaml:"max_snapshot_resources"`
	RequestRatePerSecond  int   `yaml:"request_rate_per_second"`
	RequestRateBurst      int   `yaml:"request_rate_burst"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"
}

// Default returns the configuration defaults applied before the file
// is merged on top.
func Default() *Config {
	return &Config{
		BindREST:               "127.0.0.1:8440",
		BindDiscovery:          "127.0.0.1:8441",
		StoreDSN:               "/var/lib/cordon",
		SecretSink:             "file:/var/lib/cordon/keys",
		LicenseTimeout:         10 * time.Second,
		LicenseCacheTTL:        time.Hour,
		LicenseGrace:           24 * time.Hour,
		AccessTokenTTL:         time.Hour,
		RefreshTokenTTL:        7 * 24 * time.Hour,
		LockoutThreshold:       5,
		LockoutWindow:          15 * time.Minute,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatMissThreshold: 3,
		RotationOverlapWindow:  60 * 24 * time.Hour,
		MaxRequestBody:         1 << 20, // 1 MiB
		MaxStreamsPerCluster:   256,
		MaxSnapshotResources:   10000,
		RequestRatePerSecond:   50,
		RequestRateBurst:       100,
		RequestTimeout:         30 * time.Second,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// Load reads and validates a config file, applying defaults for any
// option the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working
// daemon.
func (c *Config) Validate() error {
	if c.BindREST == "" {
		return fmt.Errorf("bind_rest must be set")
	}
	if c.BindDiscovery == "" {
		return fmt.Errorf("bind_discovery must be set")
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("store_dsn must be set")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("access_token_ttl must be positive")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("refresh_token_ttl must exceed access_token_ttl")
	}
	if c.LockoutThreshold < 1 {
		return fmt.Errorf("lockout_threshold must be at least 1")
	}
	if c.HeartbeatMissThreshold < 1 {
		return fmt.Errorf("heartbeat_miss_threshold must be at least 1")
	}
	if (c.TLSListenerCert == "") != (c.TLSListenerKey == "") {
		return fmt.Errorf("tls_listener_cert and tls_listener_key must be set together")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	return nil
}
