package config

import (
	"errors"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Listener   ListenerConfig   `yaml:"listener"`
	Device     DeviceConfig     `yaml:"device"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	NATS       NATSConfig       `yaml:"nats"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// ListenerConfig holds the device-facing TCP listener configuration.
type ListenerConfig struct {
	BindAddress        string        `yaml:"bind_address"`
	Port               int           `yaml:"port"`
	IdleTimeoutSeconds int           `yaml:"idle_timeout_seconds"`
	IdleTimeout        time.Duration `yaml:"-"`
	WriteTimeoutMillis int           `yaml:"write_timeout_millis"`
	WriteTimeout       time.Duration `yaml:"-"`
	MaxFrameBytes      int           `yaml:"max_frame_bytes"`
	// Per remote IP connection admission.
	ConnectionsPerSec float64 `yaml:"connections_per_sec"`
	ConnectionBurst   int     `yaml:"connection_burst"`
}

// DeviceConfig holds the settings used when dialing out to devices.
type DeviceConfig struct {
	Port                       int           `yaml:"port"`
	ConnectTimeoutSeconds      int           `yaml:"connect_timeout_seconds"`
	ConnectTimeout             time.Duration `yaml:"-"`
	IOTimeoutSeconds           int           `yaml:"io_timeout_seconds"`
	IOTimeout                  time.Duration `yaml:"-"`
	ConfigReplyTimeoutSeconds  int           `yaml:"config_reply_timeout_seconds"`
	ConfigReplyTimeout         time.Duration `yaml:"-"`
	SerialChangeTimeoutSeconds int           `yaml:"serial_change_timeout_seconds"`
	SerialChangeTimeout        time.Duration `yaml:"-"`
}

// DedupConfig holds the duplicate message window settings.
type DedupConfig struct {
	MaxEntries          int           `yaml:"max_entries"`
	TrimIntervalSeconds int           `yaml:"trim_interval_seconds"`
	TrimInterval        time.Duration `yaml:"-"`
	RetentionHours      int           `yaml:"retention_hours"`
	Retention           time.Duration `yaml:"-"`
}

// LivenessConfig holds the passive sweep and active probe settings.
type LivenessConfig struct {
	Enabled                    bool          `yaml:"enabled"`
	SweepIntervalSeconds       int           `yaml:"sweep_interval_seconds"`
	SweepInterval              time.Duration `yaml:"-"`
	InactivityThresholdSeconds int           `yaml:"inactivity_threshold_seconds"`
	InactivityThreshold        time.Duration `yaml:"-"`
	ProbeEnabled               bool          `yaml:"probe_enabled"`
	ProbeIntervalSeconds       int           `yaml:"probe_interval_seconds"`
	ProbeInterval              time.Duration `yaml:"-"`
	ProbeTimeoutSeconds        int           `yaml:"probe_timeout_seconds"`
	ProbeTimeout               time.Duration `yaml:"-"`
	FailureThreshold           int           `yaml:"failure_threshold"`
	ProbeConcurrency           int           `yaml:"probe_concurrency"`
}

// RetrievalConfig holds the periodic buffer retrieval settings.
type RetrievalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
	TimeoutSeconds  int           `yaml:"timeout_seconds"`
	Timeout         time.Duration `yaml:"-"`
	Concurrency     int           `yaml:"concurrency"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// NATSConfig holds the event bus connection. An empty URL disables publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Switches that default to on are set before decoding so that only an
	// explicit false in the file turns them off.
	cfg := switches()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns the configuration Load yields for an empty file.
func Default() *Config {
	cfg := switches()
	cfg.ApplyDefaults()
	return cfg
}

// switches returns a Config holding the default on/off settings. Liveness
// tracking and its active checks are on; periodic retrieval is opt-in.
func switches() *Config {
	return &Config{
		Liveness: LivenessConfig{Enabled: true, ProbeEnabled: true},
	}
}

// ApplyDefaults fills unset values and derives durations.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Listener.Port <= 0 {
		cfg.Listener.Port = 5000
	}
	if cfg.Listener.IdleTimeoutSeconds <= 0 {
		cfg.Listener.IdleTimeoutSeconds = 300
	}
	cfg.Listener.IdleTimeout = time.Duration(cfg.Listener.IdleTimeoutSeconds) * time.Second
	if cfg.Listener.WriteTimeoutMillis <= 0 {
		cfg.Listener.WriteTimeoutMillis = 5000
	}
	cfg.Listener.WriteTimeout = time.Duration(cfg.Listener.WriteTimeoutMillis) * time.Millisecond
	if cfg.Listener.MaxFrameBytes <= 0 {
		cfg.Listener.MaxFrameBytes = 64 * 1024
	}
	if cfg.Listener.ConnectionsPerSec <= 0 {
		cfg.Listener.ConnectionsPerSec = 5
	}
	if cfg.Listener.ConnectionBurst <= 0 {
		cfg.Listener.ConnectionBurst = 20
	}

	if cfg.Device.Port <= 0 {
		cfg.Device.Port = 5000
	}
	if cfg.Device.ConnectTimeoutSeconds <= 0 {
		cfg.Device.ConnectTimeoutSeconds = 5
	}
	cfg.Device.ConnectTimeout = time.Duration(cfg.Device.ConnectTimeoutSeconds) * time.Second
	if cfg.Device.IOTimeoutSeconds <= 0 {
		cfg.Device.IOTimeoutSeconds = 5
	}
	cfg.Device.IOTimeout = time.Duration(cfg.Device.IOTimeoutSeconds) * time.Second
	if cfg.Device.ConfigReplyTimeoutSeconds <= 0 {
		cfg.Device.ConfigReplyTimeoutSeconds = 30
	}
	cfg.Device.ConfigReplyTimeout = time.Duration(cfg.Device.ConfigReplyTimeoutSeconds) * time.Second
	if cfg.Device.SerialChangeTimeoutSeconds <= 0 {
		cfg.Device.SerialChangeTimeoutSeconds = 10
	}
	cfg.Device.SerialChangeTimeout = time.Duration(cfg.Device.SerialChangeTimeoutSeconds) * time.Second

	if cfg.Dedup.MaxEntries <= 0 {
		cfg.Dedup.MaxEntries = 1000
	}
	if cfg.Dedup.TrimIntervalSeconds <= 0 {
		cfg.Dedup.TrimIntervalSeconds = 60
	}
	cfg.Dedup.TrimInterval = time.Duration(cfg.Dedup.TrimIntervalSeconds) * time.Second
	if cfg.Dedup.RetentionHours <= 0 {
		cfg.Dedup.RetentionHours = 24
	}
	cfg.Dedup.Retention = time.Duration(cfg.Dedup.RetentionHours) * time.Hour

	if cfg.Liveness.SweepIntervalSeconds <= 0 {
		cfg.Liveness.SweepIntervalSeconds = 5
	}
	cfg.Liveness.SweepInterval = time.Duration(cfg.Liveness.SweepIntervalSeconds) * time.Second
	if cfg.Liveness.InactivityThresholdSeconds <= 0 {
		cfg.Liveness.InactivityThresholdSeconds = 10
	}
	cfg.Liveness.InactivityThreshold = time.Duration(cfg.Liveness.InactivityThresholdSeconds) * time.Second
	if cfg.Liveness.ProbeIntervalSeconds <= 0 {
		cfg.Liveness.ProbeIntervalSeconds = 60
	}
	cfg.Liveness.ProbeInterval = time.Duration(cfg.Liveness.ProbeIntervalSeconds) * time.Second
	if cfg.Liveness.ProbeTimeoutSeconds <= 0 {
		cfg.Liveness.ProbeTimeoutSeconds = 3
	}
	cfg.Liveness.ProbeTimeout = time.Duration(cfg.Liveness.ProbeTimeoutSeconds) * time.Second
	if cfg.Liveness.FailureThreshold <= 0 {
		cfg.Liveness.FailureThreshold = 3
	}
	if cfg.Liveness.ProbeConcurrency <= 0 {
		cfg.Liveness.ProbeConcurrency = 8
	}

	if cfg.Retrieval.IntervalSeconds <= 0 {
		cfg.Retrieval.IntervalSeconds = 300
	}
	cfg.Retrieval.Interval = time.Duration(cfg.Retrieval.IntervalSeconds) * time.Second
	if cfg.Retrieval.TimeoutSeconds <= 0 {
		cfg.Retrieval.TimeoutSeconds = 30
	}
	cfg.Retrieval.Timeout = time.Duration(cfg.Retrieval.TimeoutSeconds) * time.Second
	if cfg.Retrieval.Concurrency <= 0 {
		cfg.Retrieval.Concurrency = 4
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "lab"
	}
}
