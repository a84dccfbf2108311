package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of the router.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCConfig enables the gRPC execution endpoint when Addr is set.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig points at PostgreSQL. An empty URL runs the router without
// persistence.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig is used for policy signals between instances. An empty Addr
// disables them.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds the RSA key locations for JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // token issuing only
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PublicKey      []byte
	PrivateKey     []byte
}

type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	OutboxLimit    int           `mapstructure:"outbox_limit"`
	OutboxInterval time.Duration `mapstructure:"outbox_interval"`

	// With Redis configured only the holder of the writer lease accepts
	// writes and executions.
	WriterLeaseTTL time.Duration `mapstructure:"writer_lease_ttl"`

	// Reference venue.
	LiquidationThresholdBps uint64        `mapstructure:"liquidation_threshold_bps"`
	OracleMaxAge            time.Duration `mapstructure:"oracle_max_age"`

	// Optional YAML file with extra policy templates.
	TemplatesFile string `mapstructure:"templates_file"`

	// Seed of the in-process venue: token address -> decimal price, and
	// opening balances.
	Prices   map[string]string `mapstructure:"prices"`
	Balances []BalanceConfig   `mapstructure:"balances"`
}

type BalanceConfig struct {
	Account string `mapstructure:"account"`
	Token   string `mapstructure:"token"`
	Amount  string `mapstructure:"amount"` // base units, decimal
}

// StrategyConfig registers a strategy in the in-process identity registry.
type StrategyConfig struct {
	ID          uint64 `mapstructure:"id"`
	Owner       string `mapstructure:"owner"`
	AgentWallet string `mapstructure:"agent_wallet"`
}

// RegistryConfig points at the identity, reputation and validation
// registries. An empty Addr uses the in-process registries.
type RegistryConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`

	RatePerSecond      float64       `mapstructure:"rate_per_second"`
	Burst              int           `mapstructure:"burst"`
	Attempts           uint          `mapstructure:"attempts"`
	CBTimeout          time.Duration `mapstructure:"cb_timeout"`
	CBFailureThreshold uint32        `mapstructure:"cb_failure_threshold"`

	// Used only without Addr.
	Strategies []StrategyConfig `mapstructure:"strategies"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
	// Rotated log file; stdout only when empty.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LoadConfig merges config.yaml (from "." or "./configs", or path when given)
// with environment overrides: SERVER_PORT=9000 overrides server.port.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No file: env and defaults only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// PEM data in the environment wins over key files (Docker/K8s secrets).
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 30)
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.outbox_limit", 10000)
	v.SetDefault("engine.outbox_interval", 2*time.Second)
	v.SetDefault("engine.writer_lease_ttl", 10*time.Second)
	v.SetDefault("engine.liquidation_threshold_bps", 8000)
	v.SetDefault("registry.timeout", 15*time.Second)
	v.SetDefault("registry.rate_per_second", 50)
	v.SetDefault("registry.burst", 10)
	v.SetDefault("registry.attempts", 3)
	v.SetDefault("registry.cb_timeout", 30*time.Second)
	v.SetDefault("registry.cb_failure_threshold", 5)
}

func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
