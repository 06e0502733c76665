package am

import (
	"net/url"
	"time"

	"github.com/teranos/groupcast/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be in 1-65535, got %d", *c.Server.Port)
	}

	if c.Database.BusyRetries < 1 {
		return errors.Newf("database.busy_retries must be >= 1, got %d", c.Database.BusyRetries)
	}
	if c.Database.BusyBaseDelay < 0 {
		return errors.Newf("database.busy_base_delay_ms must be >= 0, got %d", c.Database.BusyBaseDelay)
	}

	u, err := url.Parse(c.Gateway.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WithHint(
			errors.Newf("gateway.base_url must be an http(s) URL, got %q", c.Gateway.BaseURL),
			"e.g. http://localhost:3002 or set GROUPCAST_GATEWAY_BASE_URL")
	}
	if c.Gateway.ConnectTimeoutSeconds <= 0 {
		return errors.Newf("gateway.connect_timeout_seconds must be > 0, got %d", c.Gateway.ConnectTimeoutSeconds)
	}
	if c.Gateway.ReadTimeoutSeconds <= 0 {
		return errors.Newf("gateway.read_timeout_seconds must be > 0, got %d", c.Gateway.ReadTimeoutSeconds)
	}
	if c.Gateway.MaxAttempts < 1 {
		return errors.Newf("gateway.max_attempts must be >= 1, got %d", c.Gateway.MaxAttempts)
	}
	// Rate: 0 = unlimited, negative = invalid
	if c.Gateway.RatePerSecond < 0 {
		return errors.Newf("gateway.rate_per_second must be >= 0, got %f", c.Gateway.RatePerSecond)
	}

	if c.Dispatch.IntervalSeconds <= 0 {
		return errors.Newf("dispatch.interval_seconds must be > 0, got %d", c.Dispatch.IntervalSeconds)
	}
	if c.Dispatch.RetryDelaySeconds <= 0 {
		return errors.Newf("dispatch.retry_delay_seconds must be > 0, got %d", c.Dispatch.RetryDelaySeconds)
	}
	if c.Dispatch.MaxErrorBackoffSeconds < c.Dispatch.IntervalSeconds {
		return errors.Newf("dispatch.max_error_backoff_seconds must be >= interval_seconds (%d), got %d",
			c.Dispatch.IntervalSeconds, c.Dispatch.MaxErrorBackoffSeconds)
	}
	if c.Dispatch.BatchSize < 1 {
		return errors.Newf("dispatch.batch_size must be >= 1, got %d", c.Dispatch.BatchSize)
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil || c.Schedule.Timezone == "" {
		return errors.WithHint(
			errors.Newf("schedule.timezone %q is not a known IANA zone", c.Schedule.Timezone),
			"e.g. America/Sao_Paulo")
	}

	// Retention: 0 = keep forever, negative = invalid
	if c.History.RetentionDays < 0 {
		return errors.Newf("history.retention_days must be >= 0, got %d", c.History.RetentionDays)
	}

	return nil
}
