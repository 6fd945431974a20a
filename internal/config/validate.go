package config

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Validate checks the loaded configuration. Load calls it automatically.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range (got %d)", c.Server.Port)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) exceeds max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if err := c.Compliance.validate(); err != nil {
		return fmt.Errorf("compliance: %w", err)
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox: batch_size and poll_interval must be > 0")
	}
	if c.Scheduling.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Scheduling.BaseURL); err != nil {
			return fmt.Errorf("scheduling.base_url: %w", err)
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1] (got %v)", c.Tracing.SampleRate)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *ComplianceConfig) validate() error {
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be > 0 (got %s)", c.DedupWindow)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be > 0 (got %s)", c.LockTTL)
	}
	if c.AtRiskThreshold <= 0 || c.AtRiskThreshold > 1 {
		return fmt.Errorf("at_risk_threshold must be within (0,1] (got %v)", c.AtRiskThreshold)
	}
	if c.ScanWorkers <= 0 {
		return fmt.Errorf("scan_workers must be > 0 (got %d)", c.ScanWorkers)
	}
	return nil
}

// NewLogger builds a zap logger for the configured level.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
