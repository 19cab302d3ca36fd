package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MQTTHost != "localhost" {
			t.Errorf("MQTTHost = %q, want localhost", cfg.MQTTHost)
		}
		if cfg.MQTTPort != 1883 {
			t.Errorf("MQTTPort = %d, want 1883", cfg.MQTTPort)
		}
		if cfg.ActionsQueueSize != 1000 {
			t.Errorf("ActionsQueueSize = %d, want 1000", cfg.ActionsQueueSize)
		}
		if cfg.CameraQueueSize != 500 {
			t.Errorf("CameraQueueSize = %d, want 500", cfg.CameraQueueSize)
		}
		if cfg.StorageQueueSize != 1000 {
			t.Errorf("StorageQueueSize = %d, want 1000", cfg.StorageQueueSize)
		}
		if cfg.StorageRoot != "/app/storage" {
			t.Errorf("StorageRoot = %q, want /app/storage", cfg.StorageRoot)
		}
		if cfg.ActionsWorkers != 8 || cfg.CameraWorkers != 4 || cfg.StorageWorkers != 4 {
			t.Errorf("worker counts = %d/%d/%d, want 8/4/4",
				cfg.ActionsWorkers, cfg.CameraWorkers, cfg.StorageWorkers)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
	})

	t.Run("env_values", func(t *testing.T) {
		c2 := setEnvs(t, map[string]string{
			"MQTT_HOST":      "broker.local",
			"MQTT_PORT":      "8883",
			"CAMERA_Q_SIZE":  "1",
			"ACTIONS_Q_SIZE": "42",
		})
		defer c2()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MQTTHost != "broker.local" {
			t.Errorf("MQTTHost = %q, want broker.local", cfg.MQTTHost)
		}
		if got := cfg.BrokerURL(); got != "tcp://broker.local:8883" {
			t.Errorf("BrokerURL = %q, want tcp://broker.local:8883", got)
		}
		if cfg.CameraQueueSize != 1 {
			t.Errorf("CameraQueueSize = %d, want 1", cfg.CameraQueueSize)
		}
		if cfg.ActionsQueueSize != 42 {
			t.Errorf("ActionsQueueSize = %d, want 42", cfg.ActionsQueueSize)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			MQTTHost:    "override.local",
			StorageRoot: "/tmp/storage",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.MQTTHost != "override.local" {
			t.Errorf("MQTTHost = %q, want override.local", cfg.MQTTHost)
		}
		if cfg.StorageRoot != "/tmp/storage" {
			t.Errorf("StorageRoot = %q, want /tmp/storage", cfg.StorageRoot)
		}
	})

	t.Run("missing_required", func(t *testing.T) {
		old := os.Getenv("DATABASE_URL")
		os.Unsetenv("DATABASE_URL")
		defer os.Setenv("DATABASE_URL", old)

		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error when DATABASE_URL is missing")
		}
	})
}

func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	old := make(map[string]string, len(envs))
	for k, v := range envs {
		old[k] = os.Getenv(k)
		os.Setenv(k, v)
	}
	return func() {
		for k, v := range old {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}
}
