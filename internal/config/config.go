// Package config handles loading and parsing of pixcache configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for pixcache.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Transform     TransformConfig     `yaml:"transform"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// CORSOrigin is sent as Access-Control-Allow-Origin on image responses.
	// Empty disables CORS headers.
	CORSOrigin string `yaml:"cors_origin"`
}

// LoggingConfig holds log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects and configures the object store holding originals
// and durable previews.
type StorageConfig struct {
	// Backend is one of "local", "memory", "sqlite", "aws", "gcp", "azure".
	Backend string       `yaml:"backend"`
	Local   LocalConfig  `yaml:"local"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	AWS     AWSConfig    `yaml:"aws"`
	GCP     GCPConfig    `yaml:"gcp"`
	Azure   AzureConfig  `yaml:"azure"`
}

// LocalConfig holds local filesystem storage settings. Each bucket is a
// directory under RootDir.
type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

// SQLiteConfig holds the path of an embedded SQLite database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// AWSConfig configures the S3 backend. It also covers S3-compatible servers
// such as MinIO through Endpoint and UsePathStyle.
type AWSConfig struct {
	// Bucket, when set, stores every request bucket under one upstream bucket
	// as "{prefix}{bucket}/{key}". When empty, request buckets map directly
	// to upstream buckets.
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig configures the Google Cloud Storage backend.
type GCPConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
}

// AzureConfig configures the Azure Blob Storage backend.
type AzureConfig struct {
	// Container, when set, stores every request bucket under one container.
	// When empty, request buckets map directly to containers.
	Container string `yaml:"container"`
	Account   string `yaml:"account"`
	// AccountURL overrides https://{account}.blob.core.windows.net.
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// CacheConfig configures the ephemeral derivative store.
type CacheConfig struct {
	// Backend is one of "redis", "memory", "none".
	Backend    string      `yaml:"backend"`
	TTLSeconds int         `yaml:"ttl_seconds"`
	KeyPrefix  string      `yaml:"key_prefix"`
	Redis      RedisConfig `yaml:"redis"`
	// MaxEntries bounds the in-process store.
	MaxEntries int `yaml:"max_entries"`
}

// RedisConfig holds Redis connection settings. URL wins over Addr when set.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TransformConfig configures size limits and output encoding.
type TransformConfig struct {
	MaxDimension int `yaml:"max_dimension"`
	Quality      int `yaml:"quality"`
	// Format is the derivative encoding, "webp" or "jpeg".
	Format string `yaml:"format"`
	// Filter is the resampling filter: lanczos, catmullrom, linear, box.
	Filter string `yaml:"filter"`
	// PreviewPrefix is the top-level directory of durable previews.
	PreviewPrefix string `yaml:"preview_prefix"`
}

// PipelineConfig tunes the cache orchestrator.
type PipelineConfig struct {
	// Coalesce collapses concurrent identical transforms in this process.
	Coalesce *bool `yaml:"coalesce"`
}

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	Enabled       *bool `yaml:"enabled"`
	Requests      int   `yaml:"requests"`
	WindowSeconds int   `yaml:"window_seconds"`
	Burst         int   `yaml:"burst"`
	// TrustedProxies lists CIDRs or addresses whose X-Forwarded-For and
	// X-Real-IP headers identify the client. Other peers are keyed by their
	// connection address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// CatalogConfig selects the preview catalog backend.
type CatalogConfig struct {
	// Backend is one of "none", "memory", "sqlite", "dynamodb", "firestore", "cosmos".
	Backend   string          `yaml:"backend"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// DynamoDBConfig holds DynamoDB catalog settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore catalog settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Cosmos DB catalog settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// ObservabilityConfig toggles the metrics and readiness endpoints.
type ObservabilityConfig struct {
	Metrics     *bool `yaml:"metrics"`
	HealthCheck *bool `yaml:"health_check"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied. If the file is missing it falls
// back to pixcache.example.yaml next to it or one directory up.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "pixcache.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "pixcache.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
			CORSOrigin:      "*",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalConfig{RootDir: "./data/objects"},
			SQLite:  SQLiteConfig{Path: "./data/objects.db"},
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSeconds: 604800,
			KeyPrefix:  "pixcache:img:",
			MaxEntries: 1024,
		},
		Transform: TransformConfig{
			MaxDimension:  3000,
			Quality:       80,
			Format:        "webp",
			Filter:        "lanczos",
			PreviewPrefix: "previews",
		},
		RateLimit: RateLimitConfig{
			Requests:      100,
			WindowSeconds: 60,
		},
		Catalog: CatalogConfig{
			Backend: "none",
			SQLite:  SQLiteConfig{Path: "./data/catalog.db"},
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/objects.db"
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = "us-east-1"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTLSeconds <= 0 {
		cfg.Cache.TTLSeconds = 604800
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "pixcache:img:"
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 1024
	}
	if cfg.Cache.Redis.Addr == "" && cfg.Cache.Redis.URL == "" {
		cfg.Cache.Redis.Addr = "localhost:6379"
	}
	if cfg.Transform.MaxDimension <= 0 {
		cfg.Transform.MaxDimension = 3000
	}
	if cfg.Transform.Quality <= 0 || cfg.Transform.Quality > 100 {
		cfg.Transform.Quality = 80
	}
	if cfg.Transform.Format == "" {
		cfg.Transform.Format = "webp"
	}
	if cfg.Transform.Filter == "" {
		cfg.Transform.Filter = "lanczos"
	}
	if cfg.Transform.PreviewPrefix == "" {
		cfg.Transform.PreviewPrefix = "previews"
	}
	if cfg.Pipeline.Coalesce == nil {
		cfg.Pipeline.Coalesce = boolPtr(true)
	}
	if cfg.RateLimit.Enabled == nil {
		cfg.RateLimit.Enabled = boolPtr(true)
	}
	if cfg.RateLimit.Requests <= 0 {
		cfg.RateLimit.Requests = 100
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.Requests
	}
	if cfg.Catalog.Backend == "" {
		cfg.Catalog.Backend = "none"
	}
	if cfg.Catalog.SQLite.Path == "" {
		cfg.Catalog.SQLite.Path = "./data/catalog.db"
	}
	if cfg.Catalog.DynamoDB.Region == "" {
		cfg.Catalog.DynamoDB.Region = "us-east-1"
	}
	if cfg.Catalog.Firestore.Collection == "" {
		cfg.Catalog.Firestore.Collection = "pixcache-previews"
	}
	if cfg.Observability.Metrics == nil {
		cfg.Observability.Metrics = boolPtr(true)
	}
	if cfg.Observability.HealthCheck == nil {
		cfg.Observability.HealthCheck = boolPtr(true)
	}
}

// Validate rejects option values no component accepts.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "memory", "sqlite", "aws", "gcp", "azure":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Cache.Backend {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Catalog.Backend {
	case "none", "memory", "sqlite", "dynamodb", "firestore", "cosmos":
	default:
		return fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend)
	}
	switch c.Transform.Format {
	case "webp", "jpeg":
	default:
		return fmt.Errorf("unknown transform format %q", c.Transform.Format)
	}
	return nil
}

// CacheTTL returns the ephemeral store TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// RateWindow returns the rate-limit window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown window as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

func boolPtr(b bool) *bool { return &b }

// Enabled reports the value of an optional boolean switch.
func Enabled(b *bool) bool {
	return b != nil && *b
}
