package config

import (
	"encoding/json"
	"os"
	"strconv"

	"convsync/internal/constants"
	"convsync/internal/models"
)

var (
	ErrMissingAPIBaseURL = models.ConfigError{Message: "missing API base URL"}
	ErrMissingCompanyID  = models.ConfigError{Message: "missing company id"}
	ErrMissingPushURL    = models.ConfigError{Message: "missing push channel URL"}
	ErrMissingCachePath  = models.ConfigError{Message: "missing cache database path"}
)

// LoadConfig reads the JSON config file, fills defaults and applies
// environment overrides.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIBaseURL
	}
	if c.API.CompanyID == "" {
		return ErrMissingCompanyID
	}
	if c.Push.URL == "" {
		return ErrMissingPushURL
	}
	if c.Cache.Path == "" {
		return ErrMissingCachePath
	}

	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = constants.DefaultPollTimeoutSec
	}
	if c.API.RetryCount <= 0 {
		c.API.RetryCount = constants.DefaultSendRetryCount
	}

	if c.Push.ReconnectBaseDelayMs <= 0 {
		c.Push.ReconnectBaseDelayMs = constants.DefaultReconnectBaseDelayMs
	}
	if c.Push.ReconnectMaxDelayMs <= 0 {
		c.Push.ReconnectMaxDelayMs = constants.DefaultReconnectMaxDelayMs
	}
	if c.Push.MaxReconnectAttempts <= 0 {
		c.Push.MaxReconnectAttempts = constants.DefaultMaxReconnectAttempts
	}
	if c.Push.DialTimeoutSec <= 0 {
		c.Push.DialTimeoutSec = constants.DefaultDialTimeoutSec
	}

	if c.Poll.IntervalSec <= 0 {
		c.Poll.IntervalSec = constants.DefaultPollIntervalSec
	}
	if c.Poll.TimeoutSec <= 0 {
		c.Poll.TimeoutSec = constants.DefaultPollTimeoutSec
	}

	if c.Cache.TTLMin <= 0 {
		c.Cache.TTLMin = constants.DefaultCacheTTLMin
	}
	if c.Cache.SweepMin <= 0 {
		c.Cache.SweepMin = constants.DefaultCacheSweepMin
	}
	if c.Cache.ByteBudget <= 0 {
		c.Cache.ByteBudget = constants.DefaultCacheByteBudget
	}
	if c.Cache.EntryCap <= 0 {
		c.Cache.EntryCap = constants.DefaultEntryMessageCap
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultStoreBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultStoreMaxBackoffSec * 1000
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultStoreRetryAttempts
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("CONVSYNC_API_URL"); url != "" {
		c.API.BaseURL = url
	}
	if id := os.Getenv("CONVSYNC_COMPANY_ID"); id != "" {
		c.API.CompanyID = id
	}
	if url := os.Getenv("CONVSYNC_PUSH_URL"); url != "" {
		c.Push.URL = url
	}
	if path := os.Getenv("CONVSYNC_CACHE_PATH"); path != "" {
		c.Cache.Path = path
	}
	if port := os.Getenv("CONVSYNC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("CONVSYNC_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}
