// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/internal/dedup"
	"github.com/conveyorhq/conveyor/internal/domain/work"
	"github.com/conveyorhq/conveyor/internal/resilience"
)

// Environment names the deployment environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// RouterConfig sets the partition count per priority class. Zero values fall
// back to the 4:3:2:1 default weighting.
type RouterConfig struct {
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Normal   int `yaml:"normal"`
	Low      int `yaml:"low"`
}

// Weights resolves the configured partition counts into router weights.
func (c RouterConfig) Weights() map[work.Priority]int {
	weights := map[work.Priority]int{
		work.PriorityCritical: c.Critical,
		work.PriorityHigh:     c.High,
		work.PriorityNormal:   c.Normal,
		work.PriorityLow:      c.Low,
	}
	defaults := map[work.Priority]int{
		work.PriorityCritical: 4,
		work.PriorityHigh:     3,
		work.PriorityNormal:   2,
		work.PriorityLow:      1,
	}
	for priority, count := range weights {
		if count <= 0 {
			weights[priority] = defaults[priority]
		}
	}
	return weights
}

// WorkerSetting allows numeric, "auto", and "default" worker counts.
type WorkerSetting struct {
	kind  string
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*s = WorkerSetting{}
		return nil
	}
	text := strings.ToLower(strings.TrimSpace(node.Value))
	switch text {
	case "auto", "default":
		*s = WorkerSetting{kind: text}
		return nil
	}
	var val int
	if err := node.Decode(&val); err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: "explicit", value: val}
	return nil
}

// Resolve returns the effective worker count.
func (s WorkerSetting) Resolve() int {
	switch s.kind {
	case "explicit":
		return s.value
	case "auto":
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// DispatcherConfig sizes mailboxes and their workers.
type DispatcherConfig struct {
	MailboxBuffer  int           `yaml:"mailboxBuffer"`
	Concurrency    int           `yaml:"concurrency"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	RecoveryBatch  int           `yaml:"recoveryBatch"`
	ProgressBuffer int           `yaml:"progressBuffer"`
}

// RetryConfig mirrors the resilience retry schedule knobs.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	MaxElapsed      time.Duration `yaml:"maxElapsed"`
	RecoveryWindow  time.Duration `yaml:"recoveryWindow"`
}

// CircuitBreakerConfig describes halt behaviour for repeatedly failing scopes.
type CircuitBreakerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// ResilienceConfig aggregates retry, breaker, and bulkhead settings.
type ResilienceConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	BulkheadSlots  int                  `yaml:"bulkheadSlots"`
	AttemptTimeout time.Duration        `yaml:"attemptTimeout"`
}

// Policy resolves the configured values into a resilience policy config.
func (c ResilienceConfig) Policy() resilience.Config {
	return resilience.Config{
		Retry: resilience.RetryConfig{
			InitialInterval: c.Retry.InitialInterval,
			MaxInterval:     c.Retry.MaxInterval,
			Multiplier:      c.Retry.Multiplier,
			Jitter:          c.Retry.Jitter,
			MaxAttempts:     c.Retry.MaxAttempts,
			MaxElapsed:      c.Retry.MaxElapsed,
			RecoveryWindow:  c.Retry.RecoveryWindow,
		},
		Breaker: resilience.BreakerConfig{
			Enabled:   c.CircuitBreaker.Enabled,
			Threshold: c.CircuitBreaker.Threshold,
			Cooldown:  c.CircuitBreaker.Cooldown,
		},
		Bulkhead:       c.BulkheadSlots,
		AttemptTimeout: c.AttemptTimeout,
	}.Normalise()
}

// DedupConfig sets deduplication cache sizing and claim lifetimes.
type DedupConfig struct {
	LocalCapacity int           `yaml:"localCapacity"`
	LocalTTL      time.Duration `yaml:"localTtl"`
	ClaimTTL      time.Duration `yaml:"claimTtl"`
	ResultTTL     time.Duration `yaml:"resultTtl"`
}

// Cache resolves the configured values into a dedup cache config.
func (c DedupConfig) Cache() dedup.Config {
	return dedup.Config{
		LocalCapacity: c.LocalCapacity,
		LocalTTL:      c.LocalTTL,
		ClaimTTL:      c.ClaimTTL,
		ResultTTL:     c.ResultTTL,
	}.Normalise()
}

// BusConfig sizes the event bus and its outbox publisher.
type BusConfig struct {
	BufferSize      int           `yaml:"bufferSize"`
	FanoutWorkers   WorkerSetting `yaml:"fanoutWorkers"`
	PublishInterval time.Duration `yaml:"publishInterval"`
	PublishBatch    int           `yaml:"publishBatch"`
	PublishRate     float64       `yaml:"publishRate"`
	MaxPublishTries int           `yaml:"maxPublishTries"`
}

// ReplayConfig controls the automatic dead-letter replay poller.
type ReplayConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Rate         float64       `yaml:"rate"`
	Burst        int           `yaml:"burst"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if strings.TrimSpace(c.MigrationsDir) == "" {
		c.MigrationsDir = "db/migrations"
	}
	c.MigrationsDir = filepath.Clean(c.MigrationsDir)
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// TransportConfig configures the optional websocket peer transport. ListenAddr
// accepts inbound peers; PeerURL dials an outbound one.
type TransportConfig struct {
	ListenAddr   string        `yaml:"listenAddr"`
	PeerURL      string        `yaml:"peerUrl"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
}

// AppConfig is the unified Conveyor configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Router      RouterConfig     `yaml:"router"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	Resilience  ResilienceConfig `yaml:"resilience"`
	Dedup       DedupConfig      `yaml:"dedup"`
	Bus         BusConfig        `yaml:"bus"`
	Replay      ReplayConfig     `yaml:"replay"`
	Database    DatabaseConfig   `yaml:"database"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Transport   TransportConfig  `yaml:"transport"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Dispatcher: DispatcherConfig{
			MailboxBuffer:  64,
			Concurrency:    1,
			IdleTimeout:    time.Minute,
			RecoveryBatch:  256,
			ProgressBuffer: 16,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{Enabled: true, Threshold: 4, Cooldown: 90 * time.Second},
		},
		Bus: BusConfig{
			BufferSize:      1024,
			PublishInterval: 250 * time.Millisecond,
			PublishBatch:    128,
			MaxPublishTries: 8,
		},
		Replay: ReplayConfig{
			PollInterval: 30 * time.Second,
			Rate:         2,
			Burst:        4,
		},
		Telemetry: TelemetryConfig{ServiceName: "conveyor"},
	}
	cfg.normalise()
	return cfg
}

// Load reads, normalises, and validates a configuration file.
func Load(configPath string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	if c.Dispatcher.MailboxBuffer <= 0 {
		c.Dispatcher.MailboxBuffer = 64
	}
	if c.Dispatcher.Concurrency <= 0 {
		c.Dispatcher.Concurrency = 1
	}
	if c.Dispatcher.IdleTimeout <= 0 {
		c.Dispatcher.IdleTimeout = time.Minute
	}
	if c.Dispatcher.RecoveryBatch <= 0 {
		c.Dispatcher.RecoveryBatch = 256
	}
	if c.Dispatcher.ProgressBuffer <= 0 {
		c.Dispatcher.ProgressBuffer = 16
	}
	if c.Bus.BufferSize <= 0 {
		c.Bus.BufferSize = 1024
	}
	if c.Bus.PublishInterval <= 0 {
		c.Bus.PublishInterval = 250 * time.Millisecond
	}
	if c.Bus.PublishBatch <= 0 {
		c.Bus.PublishBatch = 128
	}
	if c.Bus.MaxPublishTries <= 0 {
		c.Bus.MaxPublishTries = 8
	}
	if c.Replay.PollInterval <= 0 {
		c.Replay.PollInterval = 30 * time.Second
	}
	if c.Replay.Rate <= 0 {
		c.Replay.Rate = 2
	}
	if c.Replay.Burst <= 0 {
		c.Replay.Burst = 4
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "conveyor"
	}
	c.Transport.PeerURL = strings.TrimSpace(c.Transport.PeerURL)
	if c.Transport.WriteTimeout <= 0 {
		c.Transport.WriteTimeout = 5 * time.Second
	}
	if c.Transport.DialTimeout <= 0 {
		c.Transport.DialTimeout = 10 * time.Second
	}
	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Bus.FanoutWorkers.Resolve() <= 0 {
		return fmt.Errorf("bus fanoutWorkers must be >0")
	}
	if c.Resilience.CircuitBreaker.Threshold < 0 {
		return fmt.Errorf("resilience circuitBreaker threshold must be >= 0")
	}
	if c.Resilience.CircuitBreaker.Enabled && c.Resilience.CircuitBreaker.Cooldown < 0 {
		return fmt.Errorf("resilience circuitBreaker cooldown must be >= 0")
	}
	if c.Database.RunMigrations && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn required when runMigrations is set")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
