package config

import "time"

type AppConfig struct {
	DBDriver   string `yaml:"db_driver" env:"PULSEWARD_DB_DRIVER" env-default:"sqlite"`
	DBURL      string `yaml:"db_url" env:"PULSEWARD_DB_URL" env-default:"pulseward.db"`
	ListenAddr string `yaml:"listen_addr" env:"PULSEWARD_LISTEN_ADDR" env-default:"127.0.0.1:8080"`
	LogLevel   string `yaml:"log_level" env:"PULSEWARD_LOG_LEVEL" env-default:"info"`

	// Runtime selects the keep-alive primitive backing the check loop:
	// "foreground" (persistent worker) or "scheduled" (opportunistic task).
	Runtime string `yaml:"runtime" env:"PULSEWARD_RUNTIME" env-default:"foreground"`

	Service  ServiceDefaults `yaml:"service"`
	Probe    ProbeConfig     `yaml:"probe"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Queue    QueueConfig     `yaml:"queue"`
	Watchdog WatchdogConfig  `yaml:"watchdog"`
	Sync     SyncConfig      `yaml:"sync"`
	API      APIConfig       `yaml:"api"`
	Device   DeviceConfig    `yaml:"device"`
	Network  NetworkConfig   `yaml:"network"`
}

// ServiceDefaults seed a ServiceConfig when the control API starts the
// service without overriding them.
type ServiceDefaults struct {
	IntervalMinutes int  `yaml:"interval_minutes" env:"PULSEWARD_INTERVAL_MINUTES" env-default:"15"`
	TimeoutMs       int  `yaml:"timeout_ms" env:"PULSEWARD_TIMEOUT_MS" env-default:"10000"`
	RetryAttempts   int  `yaml:"retry_attempts" env:"PULSEWARD_RETRY_ATTEMPTS" env-default:"2"`
	JitterMinSec    int  `yaml:"jitter_min_sec" env:"PULSEWARD_JITTER_MIN_SEC" env-default:"2"`
	JitterMaxSec    int  `yaml:"jitter_max_sec" env:"PULSEWARD_JITTER_MAX_SEC" env-default:"30"`
	RetentionDays   int  `yaml:"retention_days" env:"PULSEWARD_RETENTION_DAYS" env-default:"30"`
	AutoResume      bool `yaml:"auto_resume" env:"PULSEWARD_AUTO_RESUME" env-default:"true"`
}

type ProbeConfig struct {
	InsecureTLS bool `yaml:"insecure_tls" env:"PULSEWARD_PROBE_INSECURE_TLS" env-default:"false"`
}

type DispatchConfig struct {
	TimeoutSec     int `yaml:"timeout_sec" env:"PULSEWARD_DISPATCH_TIMEOUT_SEC" env-default:"15"`
	MaxAttempts    int `yaml:"max_attempts" env:"PULSEWARD_DISPATCH_MAX_ATTEMPTS" env-default:"3"`
	BackoffBaseSec int `yaml:"backoff_base_sec" env:"PULSEWARD_DISPATCH_BACKOFF_BASE_SEC" env-default:"5"`
	BackoffCapSec  int `yaml:"backoff_cap_sec" env:"PULSEWARD_DISPATCH_BACKOFF_CAP_SEC" env-default:"30"`
}

type QueueConfig struct {
	Cap            int `yaml:"cap" env:"PULSEWARD_QUEUE_CAP" env-default:"10"`
	SettleDelaySec int `yaml:"settle_delay_sec" env:"PULSEWARD_QUEUE_SETTLE_DELAY_SEC" env-default:"2"`
}

type WatchdogConfig struct {
	Enabled         bool `yaml:"enabled" env:"PULSEWARD_WATCHDOG_ENABLED" env-default:"true"`
	IntervalMinutes int  `yaml:"interval_minutes" env:"PULSEWARD_WATCHDOG_INTERVAL_MINUTES" env-default:"5"`
}

// SyncConfig drives the optional remote endpoint-feed task. It runs on its
// own schedule and feeds the service through a config update; it is not part
// of the check loop.
type SyncConfig struct {
	Enabled    bool   `yaml:"enabled" env:"PULSEWARD_SYNC_ENABLED" env-default:"false"`
	FeedURL    string `yaml:"feed_url" env:"PULSEWARD_SYNC_FEED_URL"`
	Schedule   string `yaml:"schedule" env:"PULSEWARD_SYNC_SCHEDULE" env-default:"@every 1h"`
	TimeoutSec int    `yaml:"timeout_sec" env:"PULSEWARD_SYNC_TIMEOUT_SEC" env-default:"20"`
}

type APIConfig struct {
	// Keys hold bcrypt hashes, never plaintext. An empty list disables
	// authentication (local single-user setups).
	Keys []APIKey `yaml:"keys"`
}

type APIKey struct {
	Role    string `yaml:"role"`
	KeyHash string `yaml:"key_hash"`
}

type DeviceConfig struct {
	Model    string `yaml:"model" env:"PULSEWARD_DEVICE_MODEL"`
	Brand    string `yaml:"brand" env:"PULSEWARD_DEVICE_BRAND"`
	Platform string `yaml:"platform" env:"PULSEWARD_DEVICE_PLATFORM"`
	Version  string `yaml:"version" env:"PULSEWARD_DEVICE_VERSION"`
}

type NetworkConfig struct {
	Type        string `yaml:"type" env:"PULSEWARD_NETWORK_TYPE"`
	Carrier     string `yaml:"carrier" env:"PULSEWARD_NETWORK_CARRIER"`
	DisplayName string `yaml:"display_name" env:"PULSEWARD_NETWORK_DISPLAY_NAME"`
}

func (c *AppConfig) CheckInterval() time.Duration {
	if c == nil || c.Service.IntervalMinutes < 1 {
		return time.Minute
	}
	return time.Duration(c.Service.IntervalMinutes) * time.Minute
}

func (c *AppConfig) WatchdogInterval() time.Duration {
	if c == nil || c.Watchdog.IntervalMinutes < 1 {
		return 5 * time.Minute
	}
	return time.Duration(c.Watchdog.IntervalMinutes) * time.Minute
}

func (c *AppConfig) QueueSettleDelay() time.Duration {
	if c == nil || c.Queue.SettleDelaySec < 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Queue.SettleDelaySec) * time.Second
}

func (c *AppConfig) AuthEnabled() bool {
	return c != nil && len(c.API.Keys) > 0
}
