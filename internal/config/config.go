package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	MQTTHost     string `env:"MQTT_HOST" envDefault:"localhost"`
	MQTTPort     int    `env:"MQTT_PORT" envDefault:"1883"`
	MQTTUser     string `env:"MQTT_USER"`
	MQTTPassword string `env:"MQTT_PASSWORD"`
	MQTTClientID string `env:"MQTT_CLIENT_ID" envDefault:"factory-lens"`

	ActionsQueueSize int `env:"ACTIONS_Q_SIZE" envDefault:"1000"`
	CameraQueueSize  int `env:"CAMERA_Q_SIZE" envDefault:"500"`
	StorageQueueSize int `env:"STORAGE_Q_SIZE" envDefault:"1000"`

	ActionsWorkers int `env:"ACTIONS_WORKERS" envDefault:"8"`
	CameraWorkers  int `env:"CAMERA_WORKERS" envDefault:"4"`
	StorageWorkers int `env:"STORAGE_WORKERS" envDefault:"4"`

	StorageRoot string `env:"STORAGE_ROOT" envDefault:"/app/storage"`

	ActionsStatusInterval time.Duration `env:"ACTIONS_STATUS_INTERVAL" envDefault:"30s"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8082"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// BrokerURL builds the paho broker URL from host and port.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	MQTTHost    string
	StorageRoot string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTHost != "" {
		cfg.MQTTHost = overrides.MQTTHost
	}
	if overrides.StorageRoot != "" {
		cfg.StorageRoot = overrides.StorageRoot
	}

	return cfg, nil
}
