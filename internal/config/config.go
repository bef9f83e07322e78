package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Broker Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Storage       StorageConfig       `yaml:"storage"`
	Identity      IdentityConfig      `yaml:"identity"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig controls the REST/WebSocket listener.
type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// EngineConfig mirrors broker.Config's tunables (instance leasing, clock
// tolerance, integrity-chain parameters).
type EngineConfig struct {
	InstanceTTLSec           int    `yaml:"instance_ttl_sec"`
	ClockToleranceMicro      int64  `yaml:"clock_tolerance_micro"`
	IntegritySecretOID       string `yaml:"integrity_secret_oid"`
	IntegritySecretHex       string `yaml:"integrity_secret_hex"`
	IntegrityMaxLevel        int    `yaml:"integrity_max_level"`
	IntegrityBucketSize      int    `yaml:"integrity_bucket_size"`
	IntegrityBucketWindowSec int    `yaml:"integrity_bucket_window_sec"`
}

// StorageConfig selects and configures the store.Provider backend plus the
// auxiliary providers it may be composed with.
type StorageConfig struct {
	Backend   string          `yaml:"backend"` // "memory" or "cassandra"
	Cassandra CassandraConfig `yaml:"cassandra"`
	Redis     RedisConfig     `yaml:"redis"`
	Supabase  SupabaseConfig  `yaml:"supabase"`
	Spanner   SpannerConfig   `yaml:"spanner"`
}

type CassandraConfig struct {
	Hosts    []string `yaml:"hosts"`
	Keyspace string   `yaml:"keyspace"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type SpannerConfig struct {
	Database string `yaml:"database"` // "projects/P/instances/I/databases/D"
}

// IdentityConfig controls bearer/SPIFFE authentication. Bearer tokens are
// verified with a single shared HMAC secret (HS256); a production deployment
// fronted by an OIDC provider would swap this for a JWKS-backed Keyfunc
// without changing identity.BearerAuthenticator's interface.
type IdentityConfig struct {
	BearerHMACSecret string `yaml:"bearer_hmac_secret"`
	SpiffeSocketPath string `yaml:"spiffe_socket_path"`
}

// ObservabilityConfig controls the external CloudEvent notification bus
// (internal/eventbus). When PubSubProjectID is unset, the broker falls back
// to an in-memory bus with no external fan-out.
type ObservabilityConfig struct {
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("BROKER_ENV", c.Server.Env)
	c.Server.Interface = getEnv("BROKER_INTERFACE", c.Server.Interface)
	if v := getEnvInt("BROKER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("BROKER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("BROKER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("BROKER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("BROKER_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	// Engine
	if v := getEnvInt("BROKER_INSTANCE_TTL_SEC", 0); v > 0 {
		c.Engine.InstanceTTLSec = v
	}
	c.Engine.IntegritySecretHex = getEnv("BROKER_INTEGRITY_SECRET_HEX", c.Engine.IntegritySecretHex)
	if v := getEnvInt("BROKER_INTEGRITY_MAX_LEVEL", 0); v > 0 {
		c.Engine.IntegrityMaxLevel = v
	}
	if v := getEnvInt("BROKER_INTEGRITY_BUCKET_SIZE", 0); v > 0 {
		c.Engine.IntegrityBucketSize = v
	}
	if v := getEnvInt("BROKER_INTEGRITY_BUCKET_WINDOW_SEC", 0); v > 0 {
		c.Engine.IntegrityBucketWindowSec = v
	}

	// Storage backend selection
	c.Storage.Backend = getEnv("BROKER_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Cassandra.Keyspace = getEnv("BROKER_CASSANDRA_KEYSPACE", c.Storage.Cassandra.Keyspace)
	if hosts := getEnv("BROKER_CASSANDRA_HOSTS", ""); hosts != "" {
		c.Storage.Cassandra.Hosts = splitCSV(hosts)
	}
	c.Storage.Redis.Addr = getEnv("BROKER_REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Supabase.URL = getEnv("SUPABASE_URL", c.Storage.Supabase.URL)
	c.Storage.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Storage.Supabase.ServiceKey)
	c.Storage.Spanner.Database = getEnv("BROKER_SPANNER_DATABASE", c.Storage.Spanner.Database)

	// Identity
	c.Identity.BearerHMACSecret = getEnv("BROKER_BEARER_HMAC_SECRET", c.Identity.BearerHMACSecret)
	c.Identity.SpiffeSocketPath = getEnv("BROKER_SPIFFE_SOCKET", c.Identity.SpiffeSocketPath)

	// Observability
	c.Observability.PubSubProjectID = getEnv("BROKER_PUBSUB_PROJECT", c.Observability.PubSubProjectID)
	c.Observability.PubSubTopicID = getEnv("BROKER_PUBSUB_TOPIC", c.Observability.PubSubTopicID)

	// Apply defaults for zero values
	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Engine.InstanceTTLSec == 0 {
		c.Engine.InstanceTTLSec = 30
	}
	if c.Engine.IntegritySecretOID == "" {
		c.Engine.IntegritySecretOID = "2.16.840.1.101.3.4.2.10" // SHA3-512, dotted OID form
	}
	if c.Engine.IntegrityMaxLevel == 0 {
		c.Engine.IntegrityMaxLevel = 3
	}
	if c.Engine.IntegrityBucketSize == 0 {
		c.Engine.IntegrityBucketSize = 256
	}
	if c.Engine.IntegrityBucketWindowSec == 0 {
		c.Engine.IntegrityBucketWindowSec = 10
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
