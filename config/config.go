/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults (below)
  2. Config file settlement.yaml in ".", "/etc/settlement" or --config
  3. Environment variables prefixed SETTLEMENT_ (dots become underscores):
       SETTLEMENT_HTTP_PORT=3000
       SETTLEMENT_DB_PATH=:memory:
       SETTLEMENT_EVENTS_KAFKA_BROKERS=kafka-1:9092,kafka-2:9092
  4. Command-line flags bound by cmd/server
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP   HTTPConfig   `mapstructure:"http"`
	DB     DBConfig     `mapstructure:"db"`
	Log    LogConfig    `mapstructure:"log"`
	Events EventsConfig `mapstructure:"events"`
	Node   NodeConfig   `mapstructure:"node"`
	CORS   CORSConfig   `mapstructure:"cors"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// NodeConfig identifies this process for snowflake payment ids.
type NodeConfig struct {
	ID int64 `mapstructure:"id"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SetDefaults registers every key so env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("db.path", "settlement.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("events.kafka.topic", "payments")
	v.SetDefault("node.id", 1)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
}

// New returns a viper instance with defaults, env binding and file lookup
// configured. configFile may be empty.
func New(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("SETTLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settlement")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/settlement")
	}
	return v
}

// Load reads the config file (a missing default file is not an error) and
// decodes the result.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
	}
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	if c.Node.ID < 0 || c.Node.ID > 1023 {
		return fmt.Errorf("node.id must be in [0, 1023], got %d", c.Node.ID)
	}
	if c.Events.Kafka.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 {
			return errors.New("events.kafka.brokers is required when kafka is enabled")
		}
		if c.Events.Kafka.Topic == "" {
			return errors.New("events.kafka.topic is required when kafka is enabled")
		}
	}
	return nil
}
