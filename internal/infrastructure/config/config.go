package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Open Peer Power kernel.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Core      CoreConfig      `yaml:"core"`
	Kernel    KernelConfig    `yaml:"kernel"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// CoreConfig describes the installation as reported to clients by get_config.
type CoreConfig struct {
	Name       string  `yaml:"name"`
	Latitude   float64 `yaml:"latitude"`
	Longitude  float64 `yaml:"longitude"`
	Elevation  int     `yaml:"elevation"`
	TimeZone   string  `yaml:"time_zone"`
	UnitSystem string  `yaml:"unit_system"`
}

// KernelConfig tunes the scheduler and service execution.
type KernelConfig struct {
	// Workers bounds concurrent blocking work (storage saves, file IO).
	Workers int `yaml:"workers"`

	// ServiceCallTimeout is the default limit for blocking service calls, in seconds.
	ServiceCallTimeout int `yaml:"service_call_timeout"`

	// ShutdownTimeout bounds how long Stop waits for in-flight tasks, in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// StorageConfig selects where versioned JSON documents (auth data) are kept.
type StorageConfig struct {
	// Backend is "sqlite" (documents table) or "file" (one JSON file per key).
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket gateway settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`

	// AuthTimeout is how long a client has to send its auth message, in seconds.
	AuthTimeout int `yaml:"auth_timeout"`

	// MaxPendingMessages is the outbound high-water mark per connection.
	MaxPendingMessages int `yaml:"max_pending_messages"`

	// CommandsPerSecond and CommandBurst configure the per-connection limiter.
	// Zero disables limiting.
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	CommandBurst      int     `yaml:"command_burst"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RecorderConfig controls state history persistence.
type RecorderConfig struct {
	Enabled bool `yaml:"enabled"`

	// KeepDays is how long rows are kept before the purge removes them.
	KeepDays int `yaml:"keep_days"`

	// PurgeInterval is the purge period in minutes.
	PurgeInterval int `yaml:"purge_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// AccessTokenTTL is the lifetime of normal access tokens in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`

	// LongLivedTokenDays is the default lifetime of long-lived access tokens.
	LongLivedTokenDays int `yaml:"long_lived_token_days"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Owner     OwnerConfig     `yaml:"owner"`
}

// RateLimitConfig contains rate limiting settings for the token endpoint.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// OwnerConfig seeds the owner account on first start when no users exist.
// Set the password via OPP_OWNER_PASSWORD rather than the config file.
type OwnerConfig struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: OPP_SECTION_KEY
// For example: OPP_DATABASE_PATH, OPP_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration, with environment overrides
// applied. Used when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			Name:       "Home",
			TimeZone:   "UTC",
			UnitSystem: "metric",
		},
		Kernel: KernelConfig{
			Workers:            8,
			ServiceCallTimeout: 10,
			ShutdownTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/openpeerpower.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Dir:     "./data/.storage",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "openpeerpower-core",
			},
			QoS:         1,
			TopicPrefix: "opp",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8123,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:               "/api/websocket",
			MaxMessageSize:     65536,
			PingInterval:       30,
			PongTimeout:        10,
			AuthTimeout:        10,
			MaxPendingMessages: 512,
			CommandsPerSecond:  50,
			CommandBurst:       100,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Recorder: RecorderConfig{
			Enabled:       true,
			KeepDays:      10,
			PurgeInterval: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			AccessTokenTTL:     30,
			LongLivedTokenDays: 3650,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 30,
			},
			Owner: OwnerConfig{
				Name:     "Owner",
				Username: "owner",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPP_CORE_NAME"); v != "" {
		cfg.Core.Name = v
	}
	if v := os.Getenv("OPP_CORE_TIME_ZONE"); v != "" {
		cfg.Core.TimeZone = v
	}

	if v := os.Getenv("OPP_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OPP_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("OPP_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}

	if v := os.Getenv("OPP_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v, cfg.MQTT.Enabled)
	}
	if v := os.Getenv("OPP_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("OPP_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("OPP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("OPP_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("OPP_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("OPP_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("OPP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("OPP_OWNER_USERNAME"); v != "" {
		cfg.Security.Owner.Username = v
	}
	if v := os.Getenv("OPP_OWNER_PASSWORD"); v != "" {
		cfg.Security.Owner.Password = v
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Validate checks the configuration for errors.
//
// All problems are collected and returned together so an operator can fix
// a config file in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Core.Name == "" {
		errs = append(errs, "core.name is required")
	}
	if c.Core.TimeZone != "" {
		if _, err := time.LoadLocation(c.Core.TimeZone); err != nil {
			errs = append(errs, fmt.Sprintf("core.time_zone %q is not a known zone", c.Core.TimeZone))
		}
	}
	switch c.Core.UnitSystem {
	case "", "metric", "imperial":
	default:
		errs = append(errs, "core.unit_system must be metric or imperial")
	}

	if c.Kernel.Workers < 1 {
		errs = append(errs, "kernel.workers must be at least 1")
	}
	if c.Kernel.ServiceCallTimeout < 0 {
		errs = append(errs, "kernel.service_call_timeout must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch c.Storage.Backend {
	case "sqlite":
	case "file":
		if c.Storage.Dir == "" {
			errs = append(errs, "storage.dir is required for the file backend")
		}
	default:
		errs = append(errs, "storage.backend must be sqlite or file")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.WebSocket.MaxPendingMessages < 1 {
		errs = append(errs, "websocket.max_pending_messages must be at least 1")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.Security.AccessTokenTTL < 1 {
		errs = append(errs, "security.access_token_ttl must be at least 1 minute")
	}
	if c.Security.LongLivedTokenDays < 1 {
		errs = append(errs, "security.long_lived_token_days must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetServiceCallTimeout returns the default blocking service call limit.
func (c *Config) GetServiceCallTimeout() time.Duration {
	return time.Duration(c.Kernel.ServiceCallTimeout) * time.Second
}

// GetShutdownTimeout returns the kernel shutdown grace period.
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Kernel.ShutdownTimeout) * time.Second
}

// GetAccessTokenTTL returns the lifetime of normal access tokens.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return time.Duration(c.Security.AccessTokenTTL) * time.Minute
}

// GetLongLivedTokenTTL returns the default lifetime of long-lived tokens.
func (c *Config) GetLongLivedTokenTTL() time.Duration {
	return time.Duration(c.Security.LongLivedTokenDays) * 24 * time.Hour
}
