package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	BlobStore BlobStoreConfig `yaml:"blobstore"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Tools     ToolsConfig     `yaml:"tools"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration. Queue
// declarations are derived from the conversion kinds, one durable queue per
// kind.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// RedisConfig holds Redis connection settings for the status cache
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BlobStoreConfig holds S3-compatible object store settings
type BlobStoreConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// KindConfig holds per-conversion-kind worker settings. Concurrency bounds
// simultaneous pipelines of the kind; ThreadCount is the parallelism hint
// passed to the transform tool. Concurrency x ThreadCount should stay within
// the host's core budget.
type KindConfig struct {
	Concurrency int `yaml:"concurrency"`
	ThreadCount int `yaml:"thread_count"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ScratchDir           string                `yaml:"scratch_dir"`
	HeartbeatInterval    time.Duration         `yaml:"heartbeat_interval"`
	StalledInterval      time.Duration         `yaml:"stalled_interval"`
	StalledSweepInterval time.Duration         `yaml:"stalled_sweep_interval"`
	ShutdownTimeout      time.Duration         `yaml:"shutdown_timeout"`
	Kinds                map[string]KindConfig `yaml:"kinds"`
}

// ToolsConfig holds the external converter binaries invoked by the pipelines
type ToolsConfig struct {
	MeshConvert      string `yaml:"mesh_convert"`
	DemPreprocess    string `yaml:"dem_preprocess"`
	DemToTerrain     string `yaml:"dem_to_terrain"`
	CityGMLTools     string `yaml:"citygml_tools"`
	CityJSONTileDB   string `yaml:"cityjson_tiledb"`
	TileDBTo3DTiles  string `yaml:"tiledb_to_3dtiles"`
	WmsWmtsTileCache string `yaml:"wms_wmts_tile_cache"`
}

// CleanupConfig holds the deferred deletion scheduler settings
type CleanupConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StagingTTL    time.Duration `yaml:"staging_ttl"`
	BatchSize     int           `yaml:"batch_size"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.BlobStore.PresignTTL <= 0 {
		c.BlobStore.PresignTTL = 24 * time.Hour
	}
	if c.Cleanup.SweepInterval <= 0 {
		c.Cleanup.SweepInterval = time.Minute
	}
	if c.Cleanup.StagingTTL <= 0 {
		c.Cleanup.StagingTTL = 24 * time.Hour
	}
	if c.Cleanup.BatchSize <= 0 {
		c.Cleanup.BatchSize = 100
	}
	if c.Worker.StalledSweepInterval <= 0 {
		c.Worker.StalledSweepInterval = 30 * time.Second
	}
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.BlobStore.Bucket == "" {
		return fmt.Errorf("blobstore bucket is required")
	}

	return nil
}

// ValidateAPIConfig checks the configuration required by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	return c.validateShared()
}

// ValidateWorkerConfig checks the configuration required by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.ScratchDir == "" {
		return fmt.Errorf("worker scratch_dir is required")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StalledInterval <= 0 {
		return fmt.Errorf("worker stalled_interval must be greater than 0")
	}

	if c.Worker.StalledInterval <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stalled_interval must exceed heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if len(c.Worker.Kinds) == 0 {
		return fmt.Errorf("worker kinds must declare at least one conversion kind")
	}

	for name, kind := range c.Worker.Kinds {
		if kind.Concurrency <= 0 {
			return fmt.Errorf("worker kind %q: concurrency must be greater than 0", name)
		}
	}

	return c.validateShared()
}
