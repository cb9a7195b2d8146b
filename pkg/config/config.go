package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
)

// Config represents the complete configuration for the MultiChainIndexor.
type Config struct {
	// Database is the SQLite database holding deployments, chain cursors, block hashes and entities
	Database DatabaseConfig `yaml:"database" json:"database" toml:"database"`

	// Maintenance contains optional database maintenance settings
	Maintenance *MaintenanceConfig `yaml:"maintenance,omitempty" json:"maintenance,omitempty" toml:"maintenance,omitempty"`

	// Store selects the entity store backend
	Store StoreConfig `yaml:"store" json:"store" toml:"store"`

	// Chains contains one watcher configuration per chain type
	Chains []ChainConfig `yaml:"chains" json:"chains" toml:"chains"`

	// Hub contains the broadcast hub configuration
	Hub HubConfig `yaml:"hub" json:"hub" toml:"hub"`

	// Runtime contains indexer runtime settings shared by all deployments
	Runtime RuntimeConfig `yaml:"runtime" json:"runtime" toml:"runtime"`

	// Indexers lists deployments that are created (and optionally started) on startup
	Indexers []IndexerConfig `yaml:"indexers,omitempty" json:"indexers,omitempty" toml:"indexers,omitempty"`

	// ObjectStore is used to fetch handler modules referenced as s3://bucket/key
	ObjectStore *ObjectStoreConfig `yaml:"object_store,omitempty" json:"object_store,omitempty" toml:"object_store,omitempty"` //nolint:lll

	// Redis enables a distributed lock so a deployment runs in at most one process
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty" toml:"redis,omitempty"`

	// Kafka enables publishing deployment status and block commit events
	Kafka *KafkaConfig `yaml:"kafka,omitempty" json:"kafka,omitempty" toml:"kafka,omitempty"`

	// Logging contains logging configuration
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Metrics contains Prometheus metrics configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`

	// API contains the admin REST API configuration
	API *APIConfig `yaml:"api,omitempty" json:"api,omitempty" toml:"api,omitempty"`
}

// ChainConfig configures the watcher of a single chain.
type ChainConfig struct {
	// Type is the chain type: "ethereum", "solana" or "substrate"
	Type string `yaml:"type" json:"type" toml:"type"`

	// Network is the network name (e.g. "mainnet", "sepolia", "polkadot")
	Network string `yaml:"network" json:"network" toml:"network"`

	// RPCURL is the node endpoint (JSON-RPC for ethereum/solana, sidecar REST for substrate)
	RPCURL string `yaml:"rpc_url" json:"rpc_url" toml:"rpc_url"`

	// WSURL is an optional websocket endpoint used to wake up the poll loop (solana)
	WSURL string `yaml:"ws_url,omitempty" json:"ws_url,omitempty" toml:"ws_url,omitempty"`

	// Finality selects the head the watcher follows.
	// ethereum: "finalized", "safe" or "latest"; solana: "finalized", "confirmed" or "processed";
	// substrate: "finalized" or "best"
	Finality string `yaml:"finality" json:"finality" toml:"finality"`

	// FinalizedLag is the number of blocks behind head to stay when Finality is "latest"
	FinalizedLag uint64 `yaml:"finalized_lag" json:"finalized_lag" toml:"finalized_lag"`

	// StartBlock is the first block to publish when no cursor is persisted (0 = current head)
	StartBlock uint64 `yaml:"start_block" json:"start_block" toml:"start_block"`

	// PollInterval is how often the head is polled
	PollInterval common.Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`

	// BatchSize is the maximum number of blocks fetched per iteration
	BatchSize uint64 `yaml:"batch_size" json:"batch_size" toml:"batch_size"`

	// ReorgWindow is the number of published block hashes kept for reorg detection
	ReorgWindow uint64 `yaml:"reorg_window" json:"reorg_window" toml:"reorg_window"`

	// Retry contains RPC retry configuration with exponential backoff
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// ApplyDefaults sets default values for optional chain configuration fields.
func (c *ChainConfig) ApplyDefaults() {
	c.Type = common.ToLowerWithTrim(c.Type)
	if c.Network == "" {
		c.Network = "mainnet"
	}
	if c.Finality == "" {
		c.Finality = "finalized"
	}
	if c.PollInterval.Duration == 0 {
		c.PollInterval = common.NewDuration(2 * time.Second) //nolint:mnd
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.ReorgWindow == 0 {
		c.ReorgWindow = DefaultReorgWindow
	}
	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	c.Retry.ApplyDefaults()
}

// Validate checks if the chain configuration is valid.
func (c *ChainConfig) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}

	switch c.Type {
	case "ethereum":
		if !slices.Contains([]string{"finalized", "safe", "latest"}, c.Finality) {
			return fmt.Errorf("finality must be one of: 'finalized', 'safe', or 'latest'")
		}
	case "solana":
		if !slices.Contains([]string{"finalized", "confirmed", "processed"}, c.Finality) {
			return fmt.Errorf("finality must be one of: 'finalized', 'confirmed', or 'processed'")
		}
	case "substrate":
		if !slices.Contains([]string{"finalized", "best"}, c.Finality) {
			return fmt.Errorf("finality must be one of: 'finalized' or 'best'")
		}
	default:
		return fmt.Errorf("type must be one of: ethereum, solana, substrate")
	}

	return nil
}

// DefaultReorgWindow is the default number of blocks that can be rolled back.
const DefaultReorgWindow = 64

// RetryConfig represents RPC retry configuration with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial request)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the initial backoff duration before first retry
	InitialBackoff common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration
	MaxBackoff common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default values for retry configuration.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(1 * time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// DatabaseConfig represents database configuration.
type DatabaseConfig struct {
	// Path is the file path to the SQLite database
	Path string `yaml:"path" json:"path" toml:"path"`

	// JournalMode sets the SQLite journal mode (e.g., "WAL", "DELETE")
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// CacheSize is the size of the page cache (negative = KB, positive = pages)
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`

	// EnableForeignKeys enables foreign key constraint enforcement
	EnableForeignKeys bool `yaml:"enable_foreign_keys" json:"enable_foreign_keys" toml:"enable_foreign_keys"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
}

// Validate checks if the database configuration is valid.
func (d *DatabaseConfig) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("path is required")
	}

	if d.JournalMode != "" &&
		!slices.Contains([]string{"WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY"}, d.JournalMode) {
		return fmt.Errorf("journal_mode must be one of: WAL, DELETE, TRUNCATE, PERSIST, MEMORY")
	}

	if d.Synchronous != "" && !slices.Contains([]string{"FULL", "NORMAL", "OFF"}, d.Synchronous) {
		return fmt.Errorf("synchronous must be one of: FULL, NORMAL, OFF")
	}

	return nil
}

// MaintenanceConfig configures database maintenance behavior.
type MaintenanceConfig struct {
	// Enabled controls whether background maintenance runs
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// CheckInterval is how often to run maintenance (e.g., "30m", "1h")
	CheckInterval common.Duration `yaml:"check_interval" json:"check_interval" toml:"check_interval"`

	// VacuumOnStartup runs maintenance immediately on startup and always vacuums on that run
	VacuumOnStartup bool `yaml:"vacuum_on_startup" json:"vacuum_on_startup" toml:"vacuum_on_startup"`

	// VacuumFreeRatio is the share of free pages above which a periodic run vacuums. Pruned entity
	// versions and block hashes leave free pages behind; below the ratio they are reused in place.
	VacuumFreeRatio float64 `yaml:"vacuum_free_ratio" json:"vacuum_free_ratio" toml:"vacuum_free_ratio"`

	// WALCheckpointMode controls the WAL checkpoint aggressiveness
	// Options: PASSIVE, FULL, RESTART, TRUNCATE
	WALCheckpointMode string `yaml:"wal_checkpoint_mode" json:"wal_checkpoint_mode" toml:"wal_checkpoint_mode"`
}

// ApplyDefaults sets default values for optional maintenance configuration fields.
func (m *MaintenanceConfig) ApplyDefaults() {
	if m.CheckInterval.Duration == 0 {
		m.CheckInterval = common.NewDuration(30 * time.Minute) //nolint:mnd
	}
	if m.WALCheckpointMode == "" {
		m.WALCheckpointMode = "TRUNCATE"
	}
	if m.VacuumFreeRatio == 0 {
		m.VacuumFreeRatio = 0.2 //nolint:mnd
	}
}

// Validate checks if the maintenance configuration is valid.
func (m *MaintenanceConfig) Validate() error {
	if m.WALCheckpointMode != "" {
		validModes := []string{"PASSIVE", "FULL", "RESTART", "TRUNCATE"}
		if !slices.Contains(validModes, m.WALCheckpointMode) {
			return fmt.Errorf("maintenance.wal_checkpoint_mode: must be one of: PASSIVE, FULL, RESTART, TRUNCATE")
		}
	}
	if m.VacuumFreeRatio < 0 || m.VacuumFreeRatio > 1 {
		return fmt.Errorf("maintenance.vacuum_free_ratio: must be between 0 and 1")
	}

	return nil
}

// Store drivers.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// StoreConfig selects where indexed entities are written.
type StoreConfig struct {
	// Driver is "sqlite" (entities live in the main database) or "postgres"
	Driver string `yaml:"driver" json:"driver" toml:"driver"`

	// PostgresURL is the connection string used when Driver is "postgres"
	PostgresURL string `yaml:"postgres_url,omitempty" json:"postgres_url,omitempty" toml:"postgres_url,omitempty"`

	// MaxConnections caps the postgres pool size
	MaxConnections int32 `yaml:"max_connections,omitempty" json:"max_connections,omitempty" toml:"max_connections,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for optional store configuration fields.
func (s *StoreConfig) ApplyDefaults() {
	if s.Driver == "" {
		s.Driver = StoreDriverSQLite
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = 10
	}
}

// Validate checks if the store configuration is valid.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case StoreDriverSQLite:
	case StoreDriverPostgres:
		if s.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required when driver is postgres")
		}
	default:
		return fmt.Errorf("driver must be one of: sqlite, postgres")
	}

	return nil
}

// HubConfig configures the broadcast hub.
type HubConfig struct {
	// PublishBuffer is the capacity of each chain's publish channel
	PublishBuffer int `yaml:"publish_buffer" json:"publish_buffer" toml:"publish_buffer"`

	// SubscriberBuffer is the capacity of each subscriber queue; the oldest item is evicted when full
	SubscriberBuffer int `yaml:"subscriber_buffer" json:"subscriber_buffer" toml:"subscriber_buffer"`

	// HistorySize is the number of recent envelopes kept per chain for late subscribers; negative disables it
	HistorySize int `yaml:"history_size" json:"history_size" toml:"history_size"`

	// RemoteAddress makes runtimes consume a remote hub over gRPC instead of the local one
	RemoteAddress string `yaml:"remote_address,omitempty" json:"remote_address,omitempty" toml:"remote_address,omitempty"` //nolint:lll

	// GRPC exposes the hub's ListBlocks stream
	GRPC *GRPCConfig `yaml:"grpc,omitempty" json:"grpc,omitempty" toml:"grpc,omitempty"`

	// NATS mirrors published envelopes to a JetStream stream
	NATS *NATSConfig `yaml:"nats,omitempty" json:"nats,omitempty" toml:"nats,omitempty"`
}

// ApplyDefaults sets default values for optional hub configuration fields.
func (h *HubConfig) ApplyDefaults() {
	if h.PublishBuffer == 0 {
		h.PublishBuffer = 256
	}
	if h.SubscriberBuffer == 0 {
		h.SubscriberBuffer = 1024
	}
	if h.HistorySize == 0 {
		h.HistorySize = 128
	}
	if h.GRPC != nil {
		h.GRPC.ApplyDefaults()
	}
	if h.NATS != nil {
		h.NATS.ApplyDefaults()
	}
}

// Validate checks if the hub configuration is valid.
func (h *HubConfig) Validate() error {
	if h.PublishBuffer < 0 || h.SubscriberBuffer < 0 {
		return fmt.Errorf("publish_buffer and subscriber_buffer must not be negative")
	}
	if h.NATS != nil && h.NATS.Enabled && h.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	return nil
}

// GRPCConfig configures the hub's streaming RPC server.
type GRPCConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`
}

// ApplyDefaults sets default values for optional gRPC configuration fields.
func (g *GRPCConfig) ApplyDefaults() {
	if g.ListenAddress == "" {
		g.ListenAddress = ":50051"
	}
}

// NATSConfig configures the JetStream mirror of the hub.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	URL     string `yaml:"url" json:"url" toml:"url"`

	// Stream is the JetStream stream name
	Stream string `yaml:"stream" json:"stream" toml:"stream"`

	// SubjectPrefix prefixes subjects as <prefix>.<chain>.<network>
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix" toml:"subject_prefix"`

	// MaxAge bounds how long mirrored envelopes are retained
	MaxAge common.Duration `yaml:"max_age" json:"max_age" toml:"max_age"`
}

// ApplyDefaults sets default values for optional NATS configuration fields.
func (n *NATSConfig) ApplyDefaults() {
	if n.Stream == "" {
		n.Stream = "BLOCKS"
	}
	if n.SubjectPrefix == "" {
		n.SubjectPrefix = "blocks"
	}
	if n.MaxAge.Duration == 0 {
		n.MaxAge = common.NewDuration(24 * time.Hour) //nolint:mnd
	}
}

// RuntimeConfig configures indexer runtimes.
type RuntimeConfig struct {
	// HandlerRetries is the number of retries for a deterministic handler error before the deployment becomes invalid
	HandlerRetries int `yaml:"handler_retries" json:"handler_retries" toml:"handler_retries"`

	// RetryBackoff is the initial backoff between handler or flush retries
	RetryBackoff common.Duration `yaml:"retry_backoff" json:"retry_backoff" toml:"retry_backoff"`

	// MaxRetryBackoff caps the retry backoff
	MaxRetryBackoff common.Duration `yaml:"max_retry_backoff" json:"max_retry_backoff" toml:"max_retry_backoff"`

	// ReorgWindow is the maximum rollback depth
	ReorgWindow uint64 `yaml:"reorg_window" json:"reorg_window" toml:"reorg_window"`

	// StopTimeout is how long a graceful stop may take before the runtime is cancelled
	StopTimeout common.Duration `yaml:"stop_timeout" json:"stop_timeout" toml:"stop_timeout"`

	// ModuleCacheDir is where remote handler modules are downloaded to
	ModuleCacheDir string `yaml:"module_cache_dir" json:"module_cache_dir" toml:"module_cache_dir"`

	// Sandbox limits for wasm handlers
	Sandbox SandboxConfig `yaml:"sandbox" json:"sandbox" toml:"sandbox"`
}

// ApplyDefaults sets default values for optional runtime configuration fields.
func (r *RuntimeConfig) ApplyDefaults() {
	if r.HandlerRetries == 0 {
		r.HandlerRetries = 3
	}
	if r.RetryBackoff.Duration == 0 {
		r.RetryBackoff = common.NewDuration(time.Second)
	}
	if r.MaxRetryBackoff.Duration == 0 {
		r.MaxRetryBackoff = common.NewDuration(time.Minute)
	}
	if r.ReorgWindow == 0 {
		r.ReorgWindow = DefaultReorgWindow
	}
	if r.StopTimeout.Duration == 0 {
		r.StopTimeout = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if r.ModuleCacheDir == "" {
		r.ModuleCacheDir = "modules"
	}
	r.Sandbox.ApplyDefaults()
}

// Validate checks if the runtime configuration is valid.
func (r *RuntimeConfig) Validate() error {
	if r.HandlerRetries < 0 {
		return fmt.Errorf("handler_retries must not be negative")
	}
	if r.MaxRetryBackoff.Duration < r.RetryBackoff.Duration {
		return fmt.Errorf("max_retry_backoff must not be lower than retry_backoff")
	}

	return nil
}

// SandboxConfig limits wasm handler execution.
type SandboxConfig struct {
	// MemoryLimitMB caps the linear memory of a module instance
	MemoryLimitMB uint64 `yaml:"memory_limit_mb" json:"memory_limit_mb" toml:"memory_limit_mb"`

	// FuelPerCall is the instruction budget of a single handler call
	FuelPerCall uint64 `yaml:"fuel_per_call" json:"fuel_per_call" toml:"fuel_per_call"`

	// CallTimeout bounds the wall-clock time of a single handler call
	CallTimeout common.Duration `yaml:"call_timeout" json:"call_timeout" toml:"call_timeout"`
}

// ApplyDefaults sets default values for optional sandbox configuration fields.
func (s *SandboxConfig) ApplyDefaults() {
	if s.MemoryLimitMB == 0 {
		s.MemoryLimitMB = 64
	}
	if s.FuelPerCall == 0 {
		s.FuelPerCall = 1_000_000_000
	}
	if s.CallTimeout.Duration == 0 {
		s.CallTimeout = common.NewDuration(5 * time.Second) //nolint:mnd
	}
}

// IndexerConfig declares a deployment registered on startup.
type IndexerConfig struct {
	// Name is a unique identifier for this indexer
	Name string `yaml:"name" json:"name" toml:"name"`

	// Manifest is the path of the manifest file
	Manifest string `yaml:"manifest" json:"manifest" toml:"manifest"`

	// Start starts the deployment after it is registered
	Start bool `yaml:"start" json:"start" toml:"start"`
}

// ObjectStoreConfig configures the S3 compatible store handler modules are fetched from.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key" toml:"secret_key"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty" toml:"region,omitempty"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl" toml:"use_ssl"`
}

// RedisConfig configures the deployment lock.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address" toml:"address"`
	Password string `yaml:"password,omitempty" json:"password,omitempty" toml:"password,omitempty"`
	DB       int    `yaml:"db" json:"db" toml:"db"`

	// LockTTL is how long a deployment lock lives without being extended
	LockTTL common.Duration `yaml:"lock_ttl" json:"lock_ttl" toml:"lock_ttl"`
}

// ApplyDefaults sets default values for optional redis configuration fields.
func (r *RedisConfig) ApplyDefaults() {
	if r.LockTTL.Duration == 0 {
		r.LockTTL = common.NewDuration(30 * time.Second) //nolint:mnd
	}
}

// KafkaConfig configures the deployment event notifier.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers" json:"brokers" toml:"brokers"`
	Topic             string   `yaml:"topic" json:"topic" toml:"topic"`
	Partitions        int32    `yaml:"partitions" json:"partitions" toml:"partitions"`
	ReplicationFactor int16    `yaml:"replication_factor" json:"replication_factor" toml:"replication_factor"`
}

// ApplyDefaults sets default values for optional kafka configuration fields.
func (k *KafkaConfig) ApplyDefaults() {
	if k.Topic == "" {
		k.Topic = "indexer-events"
	}
	if k.Partitions == 0 {
		k.Partitions = 1
	}
	if k.ReplicationFactor == 0 {
		k.ReplicationFactor = 1
	}
}

// LoggingConfig configures logging behavior with per-component log levels.
type LoggingConfig struct {
	// DefaultLevel is the default log level for all components
	// Options: "debug", "info", "warn", "error"
	DefaultLevel string `yaml:"default_level" json:"default_level" toml:"default_level"`

	// Development enables development mode (stack traces, console encoder)
	Development bool `yaml:"development" json:"development" toml:"development"`

	// ComponentLevels sets log levels for specific components (see internal/common/components.go)
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks if the logging configuration is valid.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
		}
	}

	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}

		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: debug, info, warn, error", component)
		}
	}

	return nil
}

// GetComponentLevel returns the log level for a specific component.
// Falls back to DefaultLevel if no component-specific level is set.
func (l *LoggingConfig) GetComponentLevel(component string) string {
	if level, ok := l.ComponentLevels[component]; ok {
		return common.ToLowerWithTrim(level)
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// GetDefaultLevel returns the default log level.
func (l *LoggingConfig) GetDefaultLevel() string {
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// IsDevelopment returns whether development mode is enabled.
func (l *LoggingConfig) IsDevelopment() bool {
	return l.Development
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP endpoint are active
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the address to bind the metrics HTTP server to
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Path is the HTTP path where metrics are exposed
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults sets default values for optional metrics configuration fields.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// Validate checks if the metrics configuration is valid.
func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.ListenAddress == "" {
			return fmt.Errorf("listen_address is required when metrics are enabled")
		}
		if m.Path == "" {
			return fmt.Errorf("path is required when metrics are enabled")
		}
		if m.Path[0] != '/' {
			return fmt.Errorf("path must start with '/'")
		}
	}
	return nil
}

// APIConfig configures the admin REST API.
type APIConfig struct {
	Enabled       bool            `yaml:"enabled" json:"enabled" toml:"enabled"`
	ListenAddress string          `yaml:"listen_address" json:"listen_address" toml:"listen_address"`
	ReadTimeout   common.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	WriteTimeout  common.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
	IdleTimeout   common.Duration `yaml:"idle_timeout" json:"idle_timeout" toml:"idle_timeout"`
	CORS          CORSConfig      `yaml:"cors" json:"cors" toml:"cors"`
}

// CORSConfig configures cross-origin requests to the API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled" toml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" toml:"allowed_origins"`
}

// ApplyDefaults sets default values for optional API configuration fields.
func (a *APIConfig) ApplyDefaults() {
	if a.ListenAddress == "" {
		a.ListenAddress = ":8080"
	}
	if a.ReadTimeout.Duration == 0 {
		a.ReadTimeout = common.NewDuration(15 * time.Second) //nolint:mnd
	}
	if a.WriteTimeout.Duration == 0 {
		a.WriteTimeout = common.NewDuration(15 * time.Second) //nolint:mnd
	}
	if a.IdleTimeout.Duration == 0 {
		a.IdleTimeout = common.NewDuration(60 * time.Second) //nolint:mnd
	}
	if a.CORS.Enabled && len(a.CORS.AllowedOrigins) == 0 {
		a.CORS.AllowedOrigins = []string{"*"}
	}
}

// ApplyDefaults sets default values for optional configuration fields.
func (c *Config) ApplyDefaults() {
	c.Database.ApplyDefaults()
	c.Store.ApplyDefaults()
	c.Hub.ApplyDefaults()
	c.Runtime.ApplyDefaults()

	for i := range c.Chains {
		c.Chains[i].ApplyDefaults()
	}

	if c.Maintenance != nil {
		c.Maintenance.ApplyDefaults()
	}
	if c.Redis != nil {
		c.Redis.ApplyDefaults()
	}
	if c.Kafka != nil {
		c.Kafka.ApplyDefaults()
	}
	if c.Logging != nil {
		c.Logging.ApplyDefaults()
	}
	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
	if c.API != nil {
		c.API.ApplyDefaults()
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Maintenance != nil {
		if err := c.Maintenance.Validate(); err != nil {
			return err
		}
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := c.Hub.Validate(); err != nil {
		return fmt.Errorf("hub: %w", err)
	}

	if err := c.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	if len(c.Chains) == 0 && c.Hub.RemoteAddress == "" {
		return fmt.Errorf("at least one chain must be configured unless hub.remote_address is set")
	}

	chainTypes := make(map[string]bool)
	for i := range c.Chains {
		chain := &c.Chains[i]
		if err := chain.Validate(); err != nil {
			return fmt.Errorf("chain[%d]: %w", i, err)
		}

		if chainTypes[chain.Type] {
			return fmt.Errorf("chain[%d]: duplicate chain type '%s'", i, chain.Type)
		}
		chainTypes[chain.Type] = true
	}

	indexerNames := make(map[string]bool)
	for i, indexer := range c.Indexers {
		if indexer.Name == "" {
			return fmt.Errorf("indexer[%d]: name is required", i)
		}

		if indexerNames[indexer.Name] {
			return fmt.Errorf("indexer[%d]: duplicate indexer name '%s'", i, indexer.Name)
		}
		indexerNames[indexer.Name] = true

		if indexer.Manifest == "" {
			return fmt.Errorf("indexer[%d] (%s): manifest is required", i, indexer.Name)
		}
	}

	if c.Redis != nil && c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}

	if c.Kafka != nil && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers: at least one broker is required")
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}
