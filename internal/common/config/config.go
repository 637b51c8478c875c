package config

import (
	"os"
	"regexp"
	"time"

	"github.com/amoylab/beacon/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// BeaconConfig represents the service configuration
	BeaconConfig struct {
		Port    int           `yaml:"port"`
		Logger  LoggerConfig  `yaml:"logger"`
		Session SessionConfig `yaml:"session"`
		Backlog BacklogConfig `yaml:"backlog"`
		Gateway GatewayConfig `yaml:"gateway"`
		CSRF    CSRFConfig    `yaml:"csrf"`
		Auth    AuthConfig    `yaml:"auth"`
		Roles   RolesConfig   `yaml:"roles"`
		Bus     BusConfig     `yaml:"bus"`
		Metrics MetricsConfig `yaml:"metrics"`
		Tracing trace.Config  `yaml:"tracing"`
	}

	// RedisConfig is shared by every Redis-backed component
	RedisConfig struct {
		ClusterType string `yaml:"cluster_type"` // single, sentinel or cluster
		Addr        string `yaml:"addr"`         // multiple addresses separated by ';' or ','
		MasterName  string `yaml:"master_name"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
	}

	// SessionConfig represents the session storage configuration
	SessionConfig struct {
		Type          string         `yaml:"type"` // "memory", "redis" or "db"
		TTL           time.Duration  `yaml:"ttl"`
		OpTimeout     time.Duration  `yaml:"op_timeout"`
		SweepInterval time.Duration  `yaml:"sweep_interval"`
		Prefix        string         `yaml:"prefix"`
		Redis         RedisConfig    `yaml:"redis"`
		Database      DatabaseConfig `yaml:"database"` // relational fallback, used only when type is "db"
		Cookie        CookieConfig   `yaml:"cookie"`
	}

	// CookieConfig controls the session cookie issued by the HTTP API
	CookieConfig struct {
		Domain   string `yaml:"domain"`
		Secure   bool   `yaml:"secure"`
		SameSite string `yaml:"same_site"` // lax, strict or none
	}

	// DatabaseConfig represents a relational database connection
	DatabaseConfig struct {
		Type     string `yaml:"type"`     // mysql, postgres, sqlite
		Host     string `yaml:"host"`     // localhost
		Port     int    `yaml:"port"`     // 3306 (for mysql), 5432 (for postgres)
		User     string `yaml:"user"`     // root (for mysql), postgres (for postgres)
		Password string `yaml:"password"` // password
		DBName   string `yaml:"dbname"`   // database name, or file path for sqlite
		SSLMode  string `yaml:"sslmode"`  // disable (for postgres)
	}

	// BacklogConfig represents the undelivered message backlog configuration
	BacklogConfig struct {
		Type          string        `yaml:"type"` // "memory" or "redis"
		MaxPerUser    int           `yaml:"max_per_user"`
		Retention     time.Duration `yaml:"retention"`
		PurgeInterval time.Duration `yaml:"purge_interval"`
		RequireAck    bool          `yaml:"require_ack"` // remove on client ack instead of on write
		Prefix        string        `yaml:"prefix"`
		Redis         RedisConfig   `yaml:"redis"`
	}

	// GatewayConfig configures the push endpoints and admission gate
	GatewayConfig struct {
		AllowedOrigins    []string      `yaml:"allowed_origins"`
		DevMode           bool          `yaml:"dev_mode"`
		AdmissionTimeout  time.Duration `yaml:"admission_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		MissedHeartbeats  int           `yaml:"missed_heartbeats"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		FanoutLimit       int           `yaml:"fanout_limit"`
		ReadLimit         int64         `yaml:"read_limit"`
	}

	// CSRFConfig configures the session-derived CSRF token
	CSRFConfig struct {
		Secret string        `yaml:"secret"`
		Window time.Duration `yaml:"window"`
	}

	// AuthConfig configures service-to-service authentication of the HTTP API
	AuthConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	// JWTConfig holds the shared secret used by producers
	JWTConfig struct {
		SecretKey string        `yaml:"secret_key"`
		Duration  time.Duration `yaml:"duration"`
	}

	// RolesConfig is the static role table used when no external resolver is wired
	RolesConfig struct {
		Admins []string `yaml:"admins"`
	}

	// BusConfig represents the cross-instance session invalidation bus
	BusConfig struct {
		Role  string      `yaml:"role"` // receiver, sender, or both
		Type  string      `yaml:"type"` // memory or redis
		Topic string      `yaml:"topic"`
		Redis RedisConfig `yaml:"redis"`
	}

	// MetricsConfig represents the Prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Path      string    `yaml:"path"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}
)

// Type is the set of configuration documents LoadConfig understands
type Type interface {
	BeaconConfig
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := resolvePath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	if bc, ok := any(&cfg).(*BeaconConfig); ok {
		ApplyDefaults(bc)
		if err := Validate(bc); err != nil {
			return nil, cfgPath, err
		}
	}

	return &cfg, cfgPath, nil
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
