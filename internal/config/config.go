package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`
	Database struct {
		Path           string `yaml:"path"`
		WALMode        bool   `yaml:"wal_mode"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"database"`
	Bus struct {
		QueueCapacity   int    `yaml:"queue_capacity"` // per priority band, per topic
		DispatchWorkers int    `yaml:"dispatch_workers"`
		DefaultTTL      string `yaml:"default_ttl"`
	} `yaml:"bus"`
	Registry struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		TimeoutMultiplier int    `yaml:"timeout_multiplier"`
		EvictOffline      bool   `yaml:"evict_offline"`
	} `yaml:"registry"`
	Supervisor struct {
		Tick           string `yaml:"tick"`
		GracePeriod    string `yaml:"grace_period"`
		PendingActions int    `yaml:"pending_actions"`
	} `yaml:"supervisor"`
	Emergency struct {
		Thresholds []Threshold `yaml:"thresholds"`
	} `yaml:"emergency"`
	Bridge struct {
		ValidatorURL     string `yaml:"validator_url"`
		RequestTimeout   string `yaml:"request_timeout"`
		FailureThreshold int    `yaml:"failure_threshold"`
		RecoveryTimeout  string `yaml:"recovery_timeout"`
		HalfOpenProbes   int    `yaml:"half_open_probes"`
		Retry            struct {
			MaxAttempts int    `yaml:"max_attempts"`
			BaseDelay   string `yaml:"base_delay"`
			MaxDelay    string `yaml:"max_delay"`
		} `yaml:"retry"`
		ReplaySchedule string `yaml:"replay_schedule"`
	} `yaml:"bridge"`
	Reasoning struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"reasoning"`
	RateLimit struct {
		PerMinute int `yaml:"per_minute"`
		Burst     int `yaml:"burst"`
	} `yaml:"rate_limit"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Threshold configures one monitored metric for the emergency manager.
type Threshold struct {
	Metric   string  `yaml:"metric"`
	Value    float64 `yaml:"value"`
	Type     string  `yaml:"type"`
	Severity float64 `yaml:"severity"`
	Dwell    string  `yaml:"dwell"`
	Cooldown string  `yaml:"cooldown"`
}

func Default() Config {
	cfg := Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = "30s"
	cfg.Server.WriteTimeout = "30s"
	cfg.Database.Path = "./corral.db"
	cfg.Database.WALMode = true
	cfg.Database.MaxConnections = 10
	cfg.Bus.QueueCapacity = 256
	cfg.Bus.DispatchWorkers = 8
	cfg.Bus.DefaultTTL = "60s"
	cfg.Registry.HeartbeatInterval = "10s"
	cfg.Registry.TimeoutMultiplier = 3
	cfg.Registry.EvictOffline = true
	cfg.Supervisor.Tick = "1s"
	cfg.Supervisor.GracePeriod = "5s"
	cfg.Supervisor.PendingActions = 1024
	cfg.Emergency.Thresholds = []Threshold{
		{Metric: "failure_rate", Value: 0.3, Type: "failure_rate", Severity: 0.8, Dwell: "2s", Cooldown: "5m"},
		{Metric: "avg_latency_ms", Value: 8000, Type: "latency", Severity: 0.5, Dwell: "3s", Cooldown: "3m"},
		{Metric: "memory_usage_percent", Value: 90, Type: "resource_exhaustion", Severity: 0.8, Dwell: "5s", Cooldown: "5m"},
		{Metric: "rate_limit_hits", Value: 1, Type: "rate_limit", Severity: 0.5, Dwell: "1s", Cooldown: "15m"},
	}
	cfg.Bridge.ValidatorURL = "http://localhost:9090"
	cfg.Bridge.RequestTimeout = "10s"
	cfg.Bridge.FailureThreshold = 5
	cfg.Bridge.RecoveryTimeout = "30s"
	cfg.Bridge.HalfOpenProbes = 3
	cfg.Bridge.Retry.MaxAttempts = 3
	cfg.Bridge.Retry.BaseDelay = "1s"
	cfg.Bridge.Retry.MaxDelay = "30s"
	cfg.Bridge.ReplaySchedule = "@every 1m"
	cfg.Reasoning.Enabled = false
	cfg.Reasoning.URL = "http://localhost:9091"
	cfg.Reasoning.Timeout = "10s"
	cfg.RateLimit.PerMinute = 1000
	cfg.RateLimit.Burst = 200
	cfg.Logging.Level = "info"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	overrideFromEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Addr(cfg Config) string {
	return cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
}

func ReadTimeout(cfg Config) time.Duration {
	return duration(cfg.Server.ReadTimeout, 30*time.Second)
}

func WriteTimeout(cfg Config) time.Duration {
	return duration(cfg.Server.WriteTimeout, 30*time.Second)
}

func DefaultTTL(cfg Config) time.Duration {
	return duration(cfg.Bus.DefaultTTL, time.Minute)
}

func HeartbeatInterval(cfg Config) time.Duration {
	return duration(cfg.Registry.HeartbeatInterval, 10*time.Second)
}

func Tick(cfg Config) time.Duration {
	return duration(cfg.Supervisor.Tick, time.Second)
}

func GracePeriod(cfg Config) time.Duration {
	return duration(cfg.Supervisor.GracePeriod, 5*time.Second)
}

func BridgeTimeout(cfg Config) time.Duration {
	return duration(cfg.Bridge.RequestTimeout, 10*time.Second)
}

func RecoveryTimeout(cfg Config) time.Duration {
	return duration(cfg.Bridge.RecoveryTimeout, 30*time.Second)
}

func RetryBaseDelay(cfg Config) time.Duration {
	return duration(cfg.Bridge.Retry.BaseDelay, time.Second)
}

func RetryMaxDelay(cfg Config) time.Duration {
	return duration(cfg.Bridge.Retry.MaxDelay, 30*time.Second)
}

func ReasoningTimeout(cfg Config) time.Duration {
	return duration(cfg.Reasoning.Timeout, 10*time.Second)
}

func ThresholdDwell(th Threshold) time.Duration {
	return duration(th.Dwell, 2*time.Second)
}

func ThresholdCooldown(th Threshold) time.Duration {
	return duration(th.Cooldown, 5*time.Minute)
}

func duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("CORRAL_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CORRAL_SERVER_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("CORRAL_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CORRAL_VALIDATOR_URL"); v != "" {
		cfg.Bridge.ValidatorURL = v
	}
	if v := os.Getenv("CORRAL_REASONING_URL"); v != "" {
		cfg.Reasoning.URL = v
		cfg.Reasoning.Enabled = true
	}
	if v := os.Getenv("CORRAL_SUPERVISOR_TICK"); v != "" {
		cfg.Supervisor.Tick = v
	}
	if v := os.Getenv("CORRAL_HEARTBEAT_INTERVAL"); v != "" {
		cfg.Registry.HeartbeatInterval = v
	}
	if v := os.Getenv("CORRAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("invalid server.port")
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if cfg.Bus.QueueCapacity <= 0 {
		return errors.New("bus.queue_capacity must be > 0")
	}
	if cfg.Bus.DispatchWorkers <= 0 {
		return errors.New("bus.dispatch_workers must be > 0")
	}
	if cfg.Registry.TimeoutMultiplier <= 0 {
		return errors.New("registry.timeout_multiplier must be > 0")
	}
	if _, err := time.ParseDuration(cfg.Registry.HeartbeatInterval); err != nil {
		return fmt.Errorf("registry.heartbeat_interval: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Supervisor.Tick); err != nil {
		return fmt.Errorf("supervisor.tick: %w", err)
	}
	if cfg.Bridge.FailureThreshold <= 0 {
		return errors.New("bridge.failure_threshold must be > 0")
	}
	if cfg.Bridge.HalfOpenProbes <= 0 {
		return errors.New("bridge.half_open_probes must be > 0")
	}
	if cfg.Bridge.Retry.MaxAttempts <= 0 {
		return errors.New("bridge.retry.max_attempts must be > 0")
	}
	for _, th := range cfg.Emergency.Thresholds {
		if strings.TrimSpace(th.Metric) == "" {
			return errors.New("emergency threshold missing metric name")
		}
		if th.Severity < 0 || th.Severity > 1 {
			return fmt.Errorf("emergency threshold %s: severity must be in [0,1]", th.Metric)
		}
	}
	return nil
}
