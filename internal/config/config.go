// Package config handles loading, validating, and applying the gpuwarden
// configuration.  Configuration is read from a YAML file and can be
// overridden by CLI flags.
package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/gpuwarden/internal/artifact"
	"github.com/terrpan/gpuwarden/internal/comfy"
	"github.com/terrpan/gpuwarden/internal/dispatch"
	"github.com/terrpan/gpuwarden/internal/engine"
	"github.com/terrpan/gpuwarden/internal/engine/docker"
	"github.com/terrpan/gpuwarden/internal/engine/ec2"
	"github.com/terrpan/gpuwarden/internal/engine/gcp"
	"github.com/terrpan/gpuwarden/internal/instance"
	"github.com/terrpan/gpuwarden/internal/otel"
	"github.com/terrpan/gpuwarden/internal/postgres"
	"github.com/terrpan/gpuwarden/internal/server"
	"github.com/terrpan/gpuwarden/internal/store"
	"github.com/terrpan/gpuwarden/internal/store/dynamo"
	"github.com/terrpan/gpuwarden/internal/store/etcd"
	"github.com/terrpan/gpuwarden/internal/store/memory"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Instance InstanceConfig `yaml:"instance"`
	Service  ServiceConfig  `yaml:"service"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Store    StoreConfig    `yaml:"store"`
	Postgres PostgresConfig `yaml:"postgres"`
	Objects  ObjectsConfig  `yaml:"objects"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the power-control backend.
type EngineConfig struct {
	// Type selects the backend: "gcp", "ec2" or "docker".  Default: "docker".
	Type string `yaml:"type"`

	GCP    GCPEngineConfig    `yaml:"gcp"`
	EC2    EC2EngineConfig    `yaml:"ec2"`
	Docker DockerEngineConfig `yaml:"docker"`
}

// GCPEngineConfig holds Compute Engine settings.  Authentication uses
// Application Default Credentials.
type GCPEngineConfig struct {
	Project         string `yaml:"project"`
	Zone            string `yaml:"zone"`
	Instance        string `yaml:"instance"`
	DiscardLocalSSD bool   `yaml:"discard_local_ssd"`
}

// EC2EngineConfig holds EC2 settings.  Credentials come from the default
// AWS chain.
type EC2EngineConfig struct {
	Region     string `yaml:"region"`
	InstanceID string `yaml:"instance_id"`
}

// DockerEngineConfig holds settings for the local stand-in container.
type DockerEngineConfig struct {
	Container          string `yaml:"container"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`
}

// ---------------------------------------------------------------------------
// Instance access and service client
// ---------------------------------------------------------------------------

// InstanceConfig controls how long gpuwarden waits for the instance.
type InstanceConfig struct {
	// Port is the service port on the instance.  Default: 8188.
	Port int `yaml:"port"`

	// PowerPollInterval / PowerTimeout bound each power transition wait.
	// Defaults: 5s / 3m.
	PowerPollInterval time.Duration `yaml:"power_poll_interval"`
	PowerTimeout      time.Duration `yaml:"power_timeout"`

	// ReadyPollInterval / ReadyTimeout bound the readiness wait.
	// Defaults: 5s / 2m.
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
}

// ServiceConfig tunes the HTTP client for the service on the instance.
type ServiceConfig struct {
	RetryMax       int           `yaml:"retry_max"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// ---------------------------------------------------------------------------
// Dispatch & reaper
// ---------------------------------------------------------------------------

// DispatchConfig holds the status poll budget.
type DispatchConfig struct {
	// PollInterval defaults to 5s, MaxPolls to 60.
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`

	// SuccessStatus is the service status meaning success.  Default: "success".
	SuccessStatus string `yaml:"success_status"`
}

// ReaperConfig controls idle shutdown.
type ReaperConfig struct {
	// IdleThreshold is required for reap and serve; it has no default.
	IdleThreshold time.Duration `yaml:"idle_threshold"`

	// Interval is the serve-mode check period.  Default: 1m.
	Interval time.Duration `yaml:"interval"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// StoreConfig selects the lease and last-access backend.
type StoreConfig struct {
	// Type selects the backend: "dynamo", "etcd" or "memory".  Default: "memory".
	Type string `yaml:"type"`

	Dynamo DynamoStoreConfig `yaml:"dynamo"`
	Etcd   EtcdStoreConfig   `yaml:"etcd"`
	Memory MemoryStoreConfig `yaml:"memory"`
}

// DynamoStoreConfig names the DynamoDB tables.
type DynamoStoreConfig struct {
	Region          string `yaml:"region"`
	LeaseTable      string `yaml:"lease_table"`
	LastAccessTable string `yaml:"last_access_table"`
}

// EtcdStoreConfig holds the etcd connection.
type EtcdStoreConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	// Prefix defaults to "gpuwarden/".
	Prefix string `yaml:"prefix"`
}

// MemoryStoreConfig configures the in-process store.
type MemoryStoreConfig struct {
	// Retention keeps leases this long past their deadline.  Zero keeps
	// them for the life of the process.
	Retention time.Duration `yaml:"retention"`
}

// ---------------------------------------------------------------------------
// Postgres, objects, recovery
// ---------------------------------------------------------------------------

// PostgresConfig is the relational database used by recovery and
// artifact bookkeeping.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ObjectsConfig is the S3-compatible object storage.
type ObjectsConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Limit is the per-user object cap for enforce-limit.  Default: 50.
	Limit int `yaml:"limit"`
}

// RecoveryConfig controls token recovery.
type RecoveryConfig struct {
	// Amount is credited per failed job.  Default: 1.
	Amount int `yaml:"amount"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig holds serve-mode settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	QueueSize       int           `yaml:"queue_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls OTLP push.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus serves /metrics in serve mode.  Default: false.
	Prometheus bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// ${VAR} references are expanded from the environment so secrets can stay
// out of the file.  A missing file yields a zero Config which flags and
// defaults must complete.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for unset fields.  The idle threshold is
// deliberately left alone.
func (c *Config) ApplyDefaults() {
	if c.Engine.Type == "" {
		c.Engine.Type = "docker"
	}
	if c.Instance.Port == 0 {
		c.Instance.Port = 8188
	}
	if c.Instance.PowerPollInterval == 0 {
		c.Instance.PowerPollInterval = 5 * time.Second
	}
	if c.Instance.PowerTimeout == 0 {
		c.Instance.PowerTimeout = 3 * time.Minute
	}
	if c.Instance.ReadyPollInterval == 0 {
		c.Instance.ReadyPollInterval = 5 * time.Second
	}
	if c.Instance.ReadyTimeout == 0 {
		c.Instance.ReadyTimeout = 2 * time.Minute
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = 5 * time.Second
	}
	if c.Dispatch.MaxPolls == 0 {
		c.Dispatch.MaxPolls = 60
	}
	if c.Dispatch.SuccessStatus == "" {
		c.Dispatch.SuccessStatus = "success"
	}
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = time.Minute
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.Etcd.Prefix == "" {
		c.Store.Etcd.Prefix = "gpuwarden/"
	}
	if c.Objects.Limit == 0 {
		c.Objects.Limit = 50
	}
	if c.Recovery.Amount == 0 {
		c.Recovery.Amount = 1
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 64
	}
	if c.Server.MaxAttempts == 0 {
		c.Server.MaxAttempts = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the settings every command needs.  Command-specific
// sections are checked by the Validate* helpers below.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.Engine.Type {
	case "gcp", "ec2", "docker":
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: gcp, ec2, docker)", c.Engine.Type)
	}

	switch c.Store.Type {
	case "dynamo":
		if c.Store.Dynamo.LeaseTable == "" {
			return fmt.Errorf("store.dynamo.lease_table is required when store.type is \"dynamo\"")
		}
		if c.Store.Dynamo.LastAccessTable == "" {
			return fmt.Errorf("store.dynamo.last_access_table is required when store.type is \"dynamo\"")
		}
	case "etcd":
		if len(c.Store.Etcd.Endpoints) == 0 {
			return fmt.Errorf("store.etcd.endpoints is required when store.type is \"etcd\"")
		}
	case "memory":
	default:
		return fmt.Errorf("store.type %q is not supported (supported: dynamo, etcd, memory)", c.Store.Type)
	}

	for name, d := range map[string]time.Duration{
		"instance.power_poll_interval": c.Instance.PowerPollInterval,
		"instance.power_timeout":       c.Instance.PowerTimeout,
		"instance.ready_poll_interval": c.Instance.ReadyPollInterval,
		"instance.ready_timeout":       c.Instance.ReadyTimeout,
		"dispatch.poll_interval":       c.Dispatch.PollInterval,
		"reaper.interval":              c.Reaper.Interval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Dispatch.MaxPolls < 0 {
		return fmt.Errorf("dispatch.max_polls must not be negative")
	}
	if c.Reaper.IdleThreshold < 0 {
		return fmt.Errorf("reaper.idle_threshold must not be negative")
	}
	if c.Server.MaxAttempts < 0 {
		return fmt.Errorf("server.max_attempts must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (supported: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

// ValidateEngine checks the fields of the selected engine.
func (c *Config) ValidateEngine() error {
	switch c.Engine.Type {
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Instance == "" {
			return fmt.Errorf("engine.gcp.instance is required when engine.type is \"gcp\"")
		}
	case "ec2":
		if c.Engine.EC2.InstanceID == "" {
			return fmt.Errorf("engine.ec2.instance_id is required when engine.type is \"ec2\"")
		}
	case "docker":
		if c.Engine.Docker.Container == "" {
			return fmt.Errorf("engine.docker.container is required when engine.type is \"docker\"")
		}
	}
	return nil
}

// ValidateReaper checks the idle threshold, which has no default.
func (c *Config) ValidateReaper() error {
	if c.Reaper.IdleThreshold <= 0 {
		return fmt.Errorf("reaper.idle_threshold is required and must be positive")
	}
	return nil
}

// ValidatePostgres checks the database settings.
func (c *Config) ValidatePostgres() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	return nil
}

// ValidateObjects checks the object storage settings.
func (c *Config) ValidateObjects() error {
	if c.Objects.Endpoint == "" {
		return fmt.Errorf("objects.endpoint is required")
	}
	if c.Objects.Limit < 0 {
		return fmt.Errorf("objects.limit must be positive")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngine creates the power-control backend selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:         c.Engine.GCP.Project,
			Zone:            c.Engine.GCP.Zone,
			Instance:        c.Engine.GCP.Instance,
			DiscardLocalSSD: c.Engine.GCP.DiscardLocalSSD,
		}, logger.WithGroup("engine.gcp"))
	case "ec2":
		return ec2.New(ctx, ec2.Config{
			Region:     c.Engine.EC2.Region,
			InstanceID: c.Engine.EC2.InstanceID,
		}, logger.WithGroup("engine.ec2"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Container:          c.Engine.Docker.Container,
			StopTimeoutSeconds: c.Engine.Docker.StopTimeoutSeconds,
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// Stores bundles the lease and last-access views of one backend.
type Stores struct {
	Leases     store.LeaseStore
	LastAccess store.LastAccess

	close func() error
}

// Close releases the backend connection, if any.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// NewStores connects the backend selected by store.type.
func (c *Config) NewStores(ctx context.Context, logger *slog.Logger) (*Stores, error) {
	switch c.Store.Type {
	case "dynamo":
		st, err := dynamo.New(ctx, dynamo.Config{
			Region:          c.Store.Dynamo.Region,
			LeaseTable:      c.Store.Dynamo.LeaseTable,
			LastAccessTable: c.Store.Dynamo.LastAccessTable,
		}, logger.WithGroup("store.dynamo"))
		if err != nil {
			return nil, err
		}
		return &Stores{Leases: st, LastAccess: st.LastAccess()}, nil
	case "etcd":
		st, err := etcd.New(ctx, etcd.Config{
			Endpoints:   c.Store.Etcd.Endpoints,
			DialTimeout: c.Store.Etcd.DialTimeout,
			Username:    c.Store.Etcd.Username,
			Password:    c.Store.Etcd.Password,
			Prefix:      c.Store.Etcd.Prefix,
		}, logger.WithGroup("store.etcd"))
		if err != nil {
			return nil, err
		}
		return &Stores{Leases: st, LastAccess: st.LastAccess(), close: st.Close}, nil
	case "memory":
		st := memory.New(c.Store.Memory.Retention)
		return &Stores{Leases: st, LastAccess: st.LastAccess()}, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}
}

// NewDB opens the Postgres database.
func (c *Config) NewDB(ctx context.Context) (*sql.DB, error) {
	return postgres.Open(ctx, postgres.Config{
		DSN:             c.Postgres.DSN,
		MaxOpenConns:    c.Postgres.MaxOpenConns,
		ConnMaxLifetime: c.Postgres.ConnMaxLifetime,
	})
}

// NewObjectStore creates the object storage client.
func (c *Config) NewObjectStore(logger *slog.Logger) (*artifact.MinioStore, error) {
	return artifact.NewMinioStore(artifact.ObjectsConfig{
		Endpoint:  c.Objects.Endpoint,
		AccessKey: c.Objects.AccessKey,
		SecretKey: c.Objects.SecretKey,
		Region:    c.Objects.Region,
		UseSSL:    c.Objects.UseSSL,
	}, logger.WithGroup("objects"))
}

// NewServiceClient creates the client for the service on the instance.
func (c *Config) NewServiceClient(logger *slog.Logger) *comfy.Client {
	return comfy.New(comfy.Config{
		RetryMax:       c.Service.RetryMax,
		RequestTimeout: c.Service.RequestTimeout,
		ProbeTimeout:   c.Service.ProbeTimeout,
	}, logger)
}

// InstanceAccess returns the instance access settings.
func (c *Config) InstanceAccess() instance.Config {
	return instance.Config{
		Port:              c.Instance.Port,
		PowerPollInterval: c.Instance.PowerPollInterval,
		PowerTimeout:      c.Instance.PowerTimeout,
		ReadyPollInterval: c.Instance.ReadyPollInterval,
		ReadyTimeout:      c.Instance.ReadyTimeout,
	}
}

// DispatchSettings returns the dispatcher poll budget.
func (c *Config) DispatchSettings() dispatch.Config {
	return dispatch.Config{
		PollInterval:  c.Dispatch.PollInterval,
		MaxPolls:      c.Dispatch.MaxPolls,
		SuccessStatus: c.Dispatch.SuccessStatus,
	}
}

// ServerSettings returns the serve-mode settings.
func (c *Config) ServerSettings() server.Config {
	return server.Config{
		Addr:            c.Server.Addr,
		QueueSize:       c.Server.QueueSize,
		MaxAttempts:     c.Server.MaxAttempts,
		InitialBackoff:  c.Server.InitialBackoff,
		MaxBackoff:      c.Server.MaxBackoff,
		DefaultTTL:      c.Server.DefaultTTL,
		ReapInterval:    c.Reaper.Interval,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		Engine:          c.Engine.Type,
		Store:           c.Store.Type,
	}
}

// Telemetry returns the OpenTelemetry settings.
func (c *Config) Telemetry() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus,
	}
}
