package am

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "groupcast.db")
	v.SetDefault("database.busy_retries", 3)
	v.SetDefault("database.busy_base_delay_ms", 1000)

	// Server defaults
	v.SetDefault("server.host", DefaultServerHost)
	v.SetDefault("server.port", DefaultServerPort)

	// Gateway defaults
	v.SetDefault("gateway.base_url", "http://localhost:3002")
	v.SetDefault("gateway.connect_timeout_seconds", 10)
	v.SetDefault("gateway.read_timeout_seconds", 180) // media uploads are slow
	v.SetDefault("gateway.health_timeout_seconds", 5)
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("gateway.retry_base_delay_ms", 1000)
	v.SetDefault("gateway.rate_per_second", 0.0)

	// Dispatch defaults
	v.SetDefault("dispatch.interval_seconds", 30)
	v.SetDefault("dispatch.retry_delay_seconds", 300)
	v.SetDefault("dispatch.max_error_backoff_seconds", 300)
	v.SetDefault("dispatch.batch_size", 100)

	// Schedule defaults
	v.SetDefault("schedule.timezone", "America/Sao_Paulo")

	// History defaults
	v.SetDefault("history.retention_days", 90)
	v.SetDefault("history.retention_cron", "@daily")
	v.SetDefault("history.delete_with_job", false)
}

// BindSensitiveEnvVars explicitly binds deployment-specific settings to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "GROUPCAST_DATABASE_PATH")
	v.BindEnv("gateway.base_url", "GROUPCAST_GATEWAY_BASE_URL")
	v.BindEnv("server.port", "GROUPCAST_SERVER_PORT")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "groupcast.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAddr returns host:port for the HTTP API
func (c *Config) GetServerAddr() string {
	host := c.Server.Host
	if host == "" {
		host = DefaultServerHost
	}
	port := DefaultServerPort
	if c.Server.Port != nil {
		port = *c.Server.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// BusyBaseDelayDuration is the first SQLITE_BUSY backoff step.
func (d DatabaseConfig) BusyBaseDelayDuration() time.Duration {
	return time.Duration(d.BusyBaseDelay) * time.Millisecond
}

func (g GatewayConfig) ConnectTimeout() time.Duration {
	return time.Duration(g.ConnectTimeoutSeconds) * time.Second
}

func (g GatewayConfig) ReadTimeout() time.Duration {
	return time.Duration(g.ReadTimeoutSeconds) * time.Second
}

func (g GatewayConfig) HealthTimeout() time.Duration {
	return time.Duration(g.HealthTimeoutSeconds) * time.Second
}

func (g GatewayConfig) RetryBaseDelay() time.Duration {
	return time.Duration(g.RetryBaseDelayMS) * time.Millisecond
}

func (d DispatchConfig) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}

func (d DispatchConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelaySeconds) * time.Second
}

func (d DispatchConfig) MaxErrorBackoff() time.Duration {
	return time.Duration(d.MaxErrorBackoffSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Gateway: %s, Timezone: %s, Interval: %ds}",
		c.Database.Path, c.Gateway.BaseURL, c.Schedule.Timezone, c.Dispatch.IntervalSeconds)
}
