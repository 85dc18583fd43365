package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server ServerConfig `json:"server"`

	// Database Configuration
	Database DatabaseConfig `json:"database"`

	// MongoDB Configuration
	MongoDB MongoDBConfig `json:"mongodb"`

	// Redis Configuration
	Redis RedisConfig `json:"redis"`

	// Engine Configuration
	Engine EngineConfig `json:"engine"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port         string `json:"port"`
	Host         string `json:"host"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
	Environment  string `json:"environment"` // development, staging, production
}

// DatabaseConfig contains MySQL connection configuration
type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         string `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	DatabaseName string `json:"database_name"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// MongoDBConfig contains the profile store connection configuration
type MongoDBConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// RedisConfig contains the event channel transport configuration
type RedisConfig struct {
	URL string `json:"url"`
	DB  int    `json:"db"`
}

// EngineConfig tunes the realtime engine's timing knobs
type EngineConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	PresenceTimeout   time.Duration `json:"presence_timeout"`
	TypingDebounce    time.Duration `json:"typing_debounce"`
	TypingIdleWindow  time.Duration `json:"typing_idle_window"`
	TypingTTL         time.Duration `json:"typing_ttl"`
	ReconnectBase     time.Duration `json:"reconnect_base"`
	ReconnectMax      time.Duration `json:"reconnect_max"`
	ReconnectBudget   int           `json:"reconnect_budget"`
	// FailedRetention caps how many Failed messages a conversation keeps.
	// Zero means retain indefinitely, which is the default policy.
	FailedRetention int `json:"failed_retention"`
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvInt("SERVER_WRITE_TIMEOUT", 15),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "3306"),
			Username:     getEnv("DB_USER", "converse"),
			Password:     getEnv("DB_PASSWORD", "converse123"),
			DatabaseName: getEnv("DB_NAME", "converse"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		MongoDB: MongoDBConfig{
			Host:     getEnv("MONGO_HOST", "localhost"),
			Port:     getEnv("MONGO_PORT", "27017"),
			Username: getEnv("MONGO_USER", "admin"),
			Password: getEnv("MONGO_PASSWORD", "admin123"),
			Database: getEnv("MONGO_DB", "converse"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
			DB:  getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL_SECONDS", 15),
			PresenceTimeout:   getEnvDuration("PRESENCE_TIMEOUT_SECONDS", 45),
			TypingDebounce:    getEnvDuration("TYPING_DEBOUNCE_SECONDS", 3),
			TypingIdleWindow:  getEnvDuration("TYPING_IDLE_SECONDS", 6),
			TypingTTL:         getEnvDuration("TYPING_TTL_SECONDS", 10),
			ReconnectBase:     time.Duration(getEnvInt("RECONNECT_BASE_MS", 250)) * time.Millisecond,
			ReconnectMax:      getEnvDuration("RECONNECT_MAX_SECONDS", 30),
			ReconnectBudget:   getEnvInt("RECONNECT_BUDGET", 8),
			FailedRetention:   getEnvInt("FAILED_RETENTION", 0),
		},
	}
}

func (cfg *Config) DSN() string {
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = "3306"
	}

	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Database.Username,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.DatabaseName,
	)
}

func (cfg *Config) MongoURI() string {
	if cfg.MongoDB.Username == "" {
		return fmt.Sprintf("mongodb://%s:%s", cfg.MongoDB.Host, cfg.MongoDB.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%s",
		cfg.MongoDB.Username,
		cfg.MongoDB.Password,
		cfg.MongoDB.Host,
		cfg.MongoDB.Port,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
