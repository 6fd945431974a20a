package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"8080"`
	MetricsPort     int           `yaml:"metrics_port"     env:"SERVER_METRICS_PORT"     env-default:"9090"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"30s"`
	// APIKey guards /api routes when set.
	APIKey string `yaml:"api_key" env:"SERVER_API_KEY"`
}

// DatabaseConfig holds PostgreSQL connection settings. An empty DSN runs the
// API on in-memory storage.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"                env:"DATABASE_DSN"`
	MaxConns        int32         `yaml:"max_conns"          env:"DATABASE_MAX_CONNS"          env-default:"25"`
	MinConns        int32         `yaml:"min_conns"          env:"DATABASE_MIN_CONNS"          env-default:"5"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"DATABASE_MAX_CONN_LIFETIME"  env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DATABASE_MAX_CONN_IDLE_TIME" env-default:"30m"`
	AutoMigrate     bool          `yaml:"auto_migrate"       env:"DATABASE_AUTO_MIGRATE"       env-default:"true"`
}

// RedisConfig holds the scan lock store settings. An empty Addr uses a
// process-local lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"     env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"       env:"REDIS_DB" env-default:"0"`
}

// KafkaConfig holds Redpanda settings for the outbox relay.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"            env:"KAFKA_BROKERS"            env-separator:"," env-default:"localhost:9092"`
	ClientID          string   `yaml:"client_id"          env:"KAFKA_CLIENT_ID"          env-default:"telemed"`
	Partitions        int32    `yaml:"partitions"         env:"KAFKA_PARTITIONS"         env-default:"6"`
	ReplicationFactor int16    `yaml:"replication_factor" env:"KAFKA_REPLICATION_FACTOR" env-default:"1"`
	EnsureTopics      bool     `yaml:"ensure_topics"      env:"KAFKA_ENSURE_TOPICS"      env-default:"true"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"OTEL_ENABLED"                     env-default:"false"`
	Endpoint    string  `yaml:"endpoint"     env:"OTEL_EXPORTER_OTLP_ENDPOINT"      env-default:"localhost:4317"`
	Insecure    bool    `yaml:"insecure"     env:"OTEL_EXPORTER_OTLP_INSECURE"      env-default:"true"`
	SampleRate  float64 `yaml:"sample_rate"  env:"OTEL_SAMPLE_RATE"                 env-default:"1.0"`
	Environment string  `yaml:"environment"  env:"ENVIRONMENT"                      env-default:"development"`
}

// SchedulingConfig points at the meeting scheduling service. An empty
// BaseURL disables meeting linkage.
type SchedulingConfig struct {
	BaseURL string        `yaml:"base_url" env:"SCHEDULING_BASE_URL"`
	Timeout time.Duration `yaml:"timeout"  env:"SCHEDULING_TIMEOUT"  env-default:"5s"`
}

// ComplianceConfig holds follow-up planning settings.
type ComplianceConfig struct {
	DedupWindow     time.Duration `yaml:"dedup_window"      env:"COMPLIANCE_DEDUP_WINDOW"      env-default:"48h"`
	LockTTL         time.Duration `yaml:"lock_ttl"          env:"COMPLIANCE_LOCK_TTL"          env-default:"30s"`
	AtRiskThreshold float64       `yaml:"at_risk_threshold" env:"COMPLIANCE_AT_RISK_THRESHOLD" env-default:"0.4"`
	ScanWorkers     int           `yaml:"scan_workers"      env:"COMPLIANCE_SCAN_WORKERS"      env-default:"4"`
}

// OutboxConfig holds outbox relay settings.
type OutboxConfig struct {
	BatchSize       int           `yaml:"batch_size"        env:"OUTBOX_BATCH_SIZE"        env-default:"100"`
	PollInterval    time.Duration `yaml:"poll_interval"     env:"OUTBOX_POLL_INTERVAL"     env-default:"500ms"`
	MaxRetries      int           `yaml:"max_retries"       env:"OUTBOX_MAX_RETRIES"       env-default:"5"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"  env:"OUTBOX_CLEANUP_INTERVAL"  env-default:"1h"`
	Retention       time.Duration `yaml:"retention"         env:"OUTBOX_RETENTION"         env-default:"168h"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `yaml:"level"       env:"LOG_LEVEL"       env-default:"info"`
	Development bool   `yaml:"development" env:"LOG_DEVELOPMENT" env-default:"false"`
}
