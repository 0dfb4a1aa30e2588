package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings (ops endpoints only)
	Server ServerConfig `koanf:"server"`

	// Tier determines which collaborators are used
	Tier Tier `koanf:"tier"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"eventbus"`
	Worker     WorkerConfig     `koanf:"worker"`

	// Detection engine tuning
	Detection DetectionConfig `koanf:"detection"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	Endpoint     string  `koanf:"endpoint"` // OTLP gRPC collector
	SamplingRate float64 `koanf:"sampling_rate"`
}

// WorkerConfig controls event-driven and scheduled runs.
type WorkerConfig struct {
	// Tenants to subscribe for; empty subscribes the global channel.
	Tenants []string `koanf:"tenants"`

	// Interval between scheduled runs per tenant; 0 disables scheduling.
	Interval time.Duration `koanf:"interval"`

	// RunOnStart publishes one run request per tenant at startup.
	RunOnStart bool `koanf:"run_on_start"`

	// LookbackHours limits the transactions loaded per run; 0 loads all.
	LookbackHours int `koanf:"lookback_hours"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// CustomRule is a CEL expression that adds a risk factor when it matches.
type CustomRule struct {
	Name       string  `koanf:"name"`
	Expression string  `koanf:"expression"`
	Score      float64 `koanf:"score"`
}

// DetectionConfig holds every tunable of the detection engine.
type DetectionConfig struct {
	HighRiskJurisdictions []string `koanf:"high_risk_jurisdictions"`

	ReportingThreshold float64 `koanf:"reporting_threshold"`
	SmallThreshold     float64 `koanf:"small_threshold"`

	StructuringWindow time.Duration `koanf:"structuring_window"`
	RoundTripWindow   time.Duration `koanf:"round_trip_window"`
	SmurfingWindow    time.Duration `koanf:"smurfing_window"`
	LayeringWindow    time.Duration `koanf:"layering_window"`
	FanWindow         time.Duration `koanf:"fan_window"`

	Bands RiskBands `koanf:"bands"`

	// Alert emission thresholds
	TransactionAlertScore float64       `koanf:"transaction_alert_score"`
	EntityAlertScore      float64       `koanf:"entity_alert_score"`
	EntityAlertWindow     time.Duration `koanf:"entity_alert_window"`

	// Traversal bounds for graph scans
	MaxTraversalDepth      int `koanf:"max_traversal_depth"`
	MaxTraversalExpansions int `koanf:"max_traversal_expansions"`

	// Workers bounds per-entity parallelism.
	Workers    int           `koanf:"workers"`
	RunTimeout time.Duration `koanf:"run_timeout"`

	NewEntityAge       time.Duration `koanf:"new_entity_age"`
	VaguePhrases       []string      `koanf:"vague_phrases"`
	SuspiciousKeywords []string      `koanf:"suspicious_keywords"`
	CustomRules        []CustomRule  `koanf:"custom_rules"`
}

// DefaultDetectionConfig returns the engine defaults.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		HighRiskJurisdictions: []string{
			"north korea", "iran", "myanmar", "syria", "yemen",
			"afghanistan", "panama", "cayman islands", "british virgin islands",
		},
		ReportingThreshold:     10000,
		SmallThreshold:         3000,
		StructuringWindow:      7 * 24 * time.Hour,
		RoundTripWindow:        7 * 24 * time.Hour,
		SmurfingWindow:         14 * 24 * time.Hour,
		LayeringWindow:         72 * time.Hour,
		FanWindow:              72 * time.Hour,
		Bands:                  DefaultRiskBands(),
		TransactionAlertScore:  70,
		EntityAlertScore:       75,
		EntityAlertWindow:      24 * time.Hour,
		MaxTraversalDepth:      8,
		MaxTraversalExpansions: 200000,
		Workers:                8,
		RunTimeout:             5 * time.Minute,
		NewEntityAge:           90 * 24 * time.Hour,
		VaguePhrases: []string{
			"services", "consulting", "misc", "miscellaneous", "payment",
			"transfer", "goods", "other", "general",
		},
		SuspiciousKeywords: []string{
			"cash", "urgent", "offshore", "anonymous", "bearer", "shell",
			"bitcoin", "gift card", "loan repayment", "invoice",
		},
	}
}

// Validate fails fast on malformed detection configuration.
func (c *DetectionConfig) Validate() error {
	if err := c.Bands.Validate(); err != nil {
		return err
	}
	if c.ReportingThreshold <= 0 {
		return fmt.Errorf("%w: reporting_threshold must be positive", ErrInvalidConfig)
	}
	if c.SmallThreshold <= 0 {
		return fmt.Errorf("%w: small_threshold must be positive", ErrInvalidConfig)
	}
	windows := map[string]time.Duration{
		"structuring_window": c.StructuringWindow,
		"round_trip_window":  c.RoundTripWindow,
		"smurfing_window":    c.SmurfingWindow,
		"layering_window":    c.LayeringWindow,
		"fan_window":         c.FanWindow,
	}
	for name, w := range windows {
		if w <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.MaxTraversalDepth < 3 {
		return fmt.Errorf("%w: max_traversal_depth must be at least 3", ErrInvalidConfig)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	if c.MaxTraversalExpansions <= 0 {
		return fmt.Errorf("%w: max_traversal_expansions must be positive", ErrInvalidConfig)
	}
	for _, r := range c.CustomRules {
		if r.Name == "" || r.Expression == "" {
			return fmt.Errorf("%w: custom rules need a name and an expression", ErrInvalidConfig)
		}
	}
	return nil
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         9090,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ClaimTTL:     7 * 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Interval: 15 * time.Minute,
		},
		Detection: DefaultDetectionConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "harrier",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		ClaimTTL:       7 * 24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
