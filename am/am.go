// Package am loads groupcast configuration: built-in defaults, then toml files
// (system < user < project), then GROUPCAST_* environment variables.
package am

// Config represents the groupcast configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server" yaml:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway" toml:"gateway" yaml:"gateway"`
	Dispatch DispatchConfig `mapstructure:"dispatch" toml:"dispatch" yaml:"dispatch"`
	Schedule ScheduleConfig `mapstructure:"schedule" toml:"schedule" yaml:"schedule"`
	History  HistoryConfig  `mapstructure:"history" toml:"history" yaml:"history"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path          string `mapstructure:"path" toml:"path" yaml:"path"`
	BusyRetries   int    `mapstructure:"busy_retries" toml:"busy_retries" yaml:"busy_retries"`             // attempts on SQLITE_BUSY before ErrStoreContention (default: 3)
	BusyBaseDelay int    `mapstructure:"busy_base_delay_ms" toml:"busy_base_delay_ms" yaml:"busy_base_delay_ms"` // first backoff step in ms (default: 1000)
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Host string `mapstructure:"host" toml:"host" yaml:"host"`
	Port *int   `mapstructure:"port" toml:"port" yaml:"port"` // nil = default 8787, 0 is invalid (omit for default)
}

// Server port constants
const (
	DefaultServerPort = 8787
	DefaultServerHost = "127.0.0.1"
)

// GatewayConfig configures the messaging gateway client
type GatewayConfig struct {
	BaseURL               string  `mapstructure:"base_url" toml:"base_url" yaml:"base_url"`
	ConnectTimeoutSeconds int     `mapstructure:"connect_timeout_seconds" toml:"connect_timeout_seconds" yaml:"connect_timeout_seconds"` // default: 10
	ReadTimeoutSeconds    int     `mapstructure:"read_timeout_seconds" toml:"read_timeout_seconds" yaml:"read_timeout_seconds"`          // default: 180
	HealthTimeoutSeconds  int     `mapstructure:"health_timeout_seconds" toml:"health_timeout_seconds" yaml:"health_timeout_seconds"`    // default: 5
	MaxAttempts           int     `mapstructure:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`                                  // /send attempts on timeout (default: 3)
	RetryBaseDelayMS      int     `mapstructure:"retry_base_delay_ms" toml:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`             // default: 1000, hot-reloadable
	RatePerSecond         float64 `mapstructure:"rate_per_second" toml:"rate_per_second" yaml:"rate_per_second"`                         // 0 = unlimited, hot-reloadable
}

// DispatchConfig configures the dispatcher loop
type DispatchConfig struct {
	IntervalSeconds        int `mapstructure:"interval_seconds" toml:"interval_seconds" yaml:"interval_seconds"`                         // poll interval (default: 30)
	RetryDelaySeconds      int `mapstructure:"retry_delay_seconds" toml:"retry_delay_seconds" yaml:"retry_delay_seconds"`                // next-due offset after a transient failure (default: 300), hot-reloadable
	MaxErrorBackoffSeconds int `mapstructure:"max_error_backoff_seconds" toml:"max_error_backoff_seconds" yaml:"max_error_backoff_seconds"` // default: 300
	BatchSize              int `mapstructure:"batch_size" toml:"batch_size" yaml:"batch_size"`                                           // default: 100
}

// ScheduleConfig configures recurrence computation
type ScheduleConfig struct {
	Timezone string `mapstructure:"timezone" toml:"timezone" yaml:"timezone"` // IANA zone (default: America/Sao_Paulo)
}

// HistoryConfig configures dispatch history retention
type HistoryConfig struct {
	RetentionDays int    `mapstructure:"retention_days" toml:"retention_days" yaml:"retention_days"` // 0 = keep forever
	RetentionCron string `mapstructure:"retention_cron" toml:"retention_cron" yaml:"retention_cron"` // default: @daily
	DeleteWithJob bool   `mapstructure:"delete_with_job" toml:"delete_with_job" yaml:"delete_with_job"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
