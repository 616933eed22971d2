package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"db"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Sweep  SweepConfig  `mapstructure:"sweep"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig holds the operational HTTP listener configuration.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DBConfig holds database-specific configuration.
// Driver selects the backend: "sqlite3" (embedded, the default) or "mysql".
type DBConfig struct {
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// CacheConfig holds the read-path cache configuration.
type CacheConfig struct {
	FilePath string        `mapstructure:"file_path"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SweepConfig controls the expired-credential sweeper.
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // e.g., "debug", "info", "warn", "error"
	Format string `mapstructure:"format"` // e.g., "json", "console"
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.shutdown_timeout", 5*time.Second)
	viper.SetDefault("db.driver", "sqlite3")
	viper.SetDefault("db.dsn", "inkpress.db?_foreign_keys=on")
	viper.SetDefault("db.migrations_path", "migrations")
	viper.SetDefault("cache.file_path", "cache.db")
	viper.SetDefault("cache.ttl", 5*time.Minute)
	viper.SetDefault("sweep.interval", 10*time.Minute)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")

	// Set up viper to read from config file
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/inkpress/")

	// Attempt to read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		// Config file not found; proceed with defaults and env vars
	}

	// Set up viper to read from environment variables
	viper.SetEnvPrefix("INKPRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Unmarshal the config into the Config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
