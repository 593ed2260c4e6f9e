package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration shared by the gateway and processor binaries
type Config struct {
	// Gateway node identity and listener
	Node NodeConfig `yaml:"node"`

	// Health, readiness and metrics server
	Server ServerConfig `yaml:"server"`

	// Redis configuration (liveness clock, session index, signal schemas)
	Redis RedisConfig `yaml:"redis"`

	// Message queue configuration
	Queue QueueConfig `yaml:"queue"`

	// InfluxDB configuration
	Influx InfluxConfig `yaml:"influx"`

	// Liveness sweeper configuration
	Liveness LivenessConfig `yaml:"liveness"`

	// Signal schema resolution
	Schema SchemaConfig `yaml:"schema"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" envconfig:"IOT_SHUTDOWN_TIMEOUT"`
}

// NodeConfig identifies one gateway node
type NodeConfig struct {
	// Node name, namespaces the session index keys (tcp_uid:{name})
	Name string `yaml:"name" envconfig:"IOT_NODE_NAME"`

	// Listen address for device connections
	Host string `yaml:"host" envconfig:"IOT_NODE_HOST"`
	Port int    `yaml:"port" envconfig:"IOT_NODE_PORT"`
}

// ListenAddr returns host:port for the device listener
func (n NodeConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// ServerConfig represents the health server configuration
type ServerConfig struct {
	// Health check and metrics port
	HealthCheckPort int `yaml:"health_check_port" envconfig:"IOT_HEALTH_PORT"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`

	// Key prefix for Redis keys. Empty by default: the key layout is shared
	// with other services and must stay byte compatible.
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Ack policies for consumer loops
const (
	AckAlways  = "ack_always"
	NakOnError = "nak_on_error"
)

// QueueConfig represents message queue configuration
type QueueConfig struct {
	URL string `yaml:"url" envconfig:"NATS_URL"`

	// Ack policy applied when a handler fails: ack_always or nak_on_error
	AckPolicy string `yaml:"ack_policy" envconfig:"IOT_ACK_POLICY"`

	// Create missing queues at bootstrap instead of only reporting them
	DeclareMissing bool `yaml:"declare_missing" envconfig:"IOT_DECLARE_QUEUES"`

	// Reconnect behaviour
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`

	// Maximum time a published message waits for the broker ack
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// InfluxConfig represents time-series store configuration
type InfluxConfig struct {
	Host  string `yaml:"host" envconfig:"INFLUX_HOST"`
	Port  int    `yaml:"port" envconfig:"INFLUX_PORT"`
	Org   string `yaml:"org" envconfig:"INFLUX_ORG"`
	Token string `yaml:"token" envconfig:"INFLUX_TOKEN"`

	// Bucket prefix, the shard suffix is appended per record
	Bucket string `yaml:"bucket" envconfig:"INFLUX_BUCKET"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// URL returns the InfluxDB HTTP endpoint
func (i InfluxConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", i.Host, i.Port)
}

// LivenessConfig represents the liveness sweeper configuration
type LivenessConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// Expiry of tcp:last:* records, 0 keeps them forever
	RecordTTL time.Duration `yaml:"record_ttl"`
}

// SchemaConfig represents signal schema resolution configuration
type SchemaConfig struct {
	// Cache lifetime of resolved schemas, 0 disables the cache
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Maximum cached device/identification-code pairs
	CacheSize int `yaml:"cache_size"`

	// Protocol used when a batch carries none
	DefaultProtocol string `yaml:"default_protocol"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum frame payload size (in bytes)
	MaxMessageSize int `yaml:"max_message_size"`

	// Maximum concurrent device connections per node
	MaxConnections int `yaml:"max_connections"`
}

// Load loads configuration from file, then applies environment overrides
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ValidateConfig validates the configuration (exported for callers building configs in code)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if cfg.Node.Port <= 0 || cfg.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}
	if cfg.Server.HealthCheckPort <= 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 1 and 65535")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be greater than 0")
	}

	if cfg.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	switch cfg.Queue.AckPolicy {
	case AckAlways, NakOnError:
	default:
		return fmt.Errorf("queue.ack_policy must be %q or %q", AckAlways, NakOnError)
	}

	if cfg.Liveness.SweepInterval <= 0 {
		return fmt.Errorf("liveness.sweep_interval must be greater than 0")
	}
	if cfg.Liveness.StaleThreshold <= 0 {
		return fmt.Errorf("liveness.stale_threshold must be greater than 0")
	}

	if cfg.Schema.CacheTTL < 0 {
		return fmt.Errorf("schema.cache_ttl must not be negative")
	}

	if cfg.Security.MaxMessageSize <= 0 || cfg.Security.MaxMessageSize > 65535 {
		return fmt.Errorf("security.max_message_size must be between 1 and 65535")
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Node.Name == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Node.Name = hostname
		}
	}
	if cfg.Node.Host == "" {
		cfg.Node.Host = "0.0.0.0"
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = 7000
	}

	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 2
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Queue.URL == "" {
		cfg.Queue.URL = "nats://localhost:4222"
	}
	if cfg.Queue.AckPolicy == "" {
		cfg.Queue.AckPolicy = AckAlways
	}
	if cfg.Queue.MaxReconnects == 0 {
		cfg.Queue.MaxReconnects = -1 // reconnect forever
	}
	if cfg.Queue.ReconnectWait == 0 {
		cfg.Queue.ReconnectWait = 2 * time.Second
	}
	if cfg.Queue.PublishTimeout == 0 {
		cfg.Queue.PublishTimeout = 5 * time.Second
	}

	if cfg.Influx.Host == "" {
		cfg.Influx.Host = "localhost"
	}
	if cfg.Influx.Port == 0 {
		cfg.Influx.Port = 8086
	}
	if cfg.Influx.Bucket == "" {
		cfg.Influx.Bucket = "iot"
	}
	if cfg.Influx.WriteTimeout == 0 {
		cfg.Influx.WriteTimeout = 10 * time.Second
	}

	if cfg.Liveness.SweepInterval == 0 {
		cfg.Liveness.SweepInterval = 10 * time.Second
	}
	if cfg.Liveness.StaleThreshold == 0 {
		cfg.Liveness.StaleThreshold = 10 * time.Second
	}
	if cfg.Liveness.RecordTTL == 0 {
		cfg.Liveness.RecordTTL = 10 * cfg.Liveness.StaleThreshold
	}

	if cfg.Schema.CacheSize == 0 {
		cfg.Schema.CacheSize = 4096
	}
	if cfg.Schema.DefaultProtocol == "" {
		cfg.Schema.DefaultProtocol = "TCP"
	}

	if cfg.Security.MaxMessageSize == 0 {
		cfg.Security.MaxMessageSize = 64*1024 - 1 // frame length is a uint16
	}
	if cfg.Security.MaxConnections == 0 {
		cfg.Security.MaxConnections = 10000
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
