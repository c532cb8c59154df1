package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// WORKFLOW_API_STORE_DRIVER=redis.
const EnvPrefix = "WORKFLOW_API"

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr" validate:"required"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
		BodyLimit       string        `mapstructure:"body_limit"`
	} `mapstructure:"server"`
	Store struct {
		Driver         string        `mapstructure:"driver" validate:"oneof=memory postgres redis"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	} `mapstructure:"store"`
	DB struct {
		Host     string `mapstructure:"host" validate:"required_if=Enabled true"`
		Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
		MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
		Enabled  bool   `mapstructure:"-"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"gte=0"`
		Enabled  bool   `mapstructure:"-"`
	} `mapstructure:"redis"`
	Compiler struct {
		MaxSourceBytes int           `mapstructure:"max_source_bytes" validate:"gt=0"`
		InvokeTimeout  time.Duration `mapstructure:"invoke_timeout" validate:"gte=0"`
		MaxCallStack   int           `mapstructure:"max_call_stack" validate:"gt=0"`
		CacheSize      int           `mapstructure:"cache_size" validate:"gt=0"`
	} `mapstructure:"compiler"`
	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`
	Telemetry struct {
		ServiceName string `mapstructure:"service_name" validate:"required"`
		Metrics     bool   `mapstructure:"metrics"`
	} `mapstructure:"telemetry"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file" validate:"required_if=Enable true"`
		KeyFile   string   `mapstructure:"key_file" validate:"required_if=Enable true"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.body_limit", "1M")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.connect_timeout", 30*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "workflows")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("compiler.max_source_bytes", 64*1024)
	v.SetDefault("compiler.invoke_timeout", 5*time.Second)
	v.SetDefault("compiler.max_call_stack", 256)
	v.SetDefault("compiler.cache_size", 512)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("telemetry.service_name", "workflow-api")
	v.SetDefault("telemetry.metrics", true)

	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{"localhost"})
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches config.yaml in . and ./config; a missing file there
// is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	config.Log.Level = strings.ToLower(strings.TrimSpace(config.Log.Level))
	config.Store.Driver = strings.ToLower(strings.TrimSpace(config.Store.Driver))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	c.DB.Enabled = c.Store.Driver == "postgres"
	c.Redis.Enabled = c.Store.Driver == "redis"
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}
