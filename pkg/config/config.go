package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address      string        `yaml:"address"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Media struct {
		// NumWorkers defaults to the CPU core count when zero.
		NumWorkers     int           `yaml:"num_workers"`
		RestartBackoff time.Duration `yaml:"restart_backoff"`
		PortRange      struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		Signal struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"signal"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	if c.Media.NumWorkers < 0 {
		return fmt.Errorf("media.num_workers must be >= 0")
	}
	if c.Media.RestartBackoff <= 0 {
		return fmt.Errorf("media.restart_backoff must be > 0")
	}
	if c.Media.PortRange.Min > 0 || c.Media.PortRange.Max > 0 {
		if c.Media.PortRange.Min == 0 || c.Media.PortRange.Max == 0 {
			return fmt.Errorf("media.port_range.min and max must both be set when one is set")
		}
		if c.Media.PortRange.Min >= c.Media.PortRange.Max {
			return fmt.Errorf("media.port_range.min must be < max")
		}
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.SnapshotInterval <= 0 {
		return fmt.Errorf("monitoring.snapshot_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signal.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.signal.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signal.Burst <= 0 {
			return fmt.Errorf("rate_limiting.signal.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signal.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.signal.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Media.NumWorkers = 0 // NumCPU
	cfg.Media.RestartBackoff = 2 * time.Second
	cfg.Media.PortRange.Min = 10000
	cfg.Media.PortRange.Max = 10100

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.SnapshotInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.Signal.MessagesPerSecond = 100
	cfg.RateLimiting.Signal.Burst = 200
	cfg.RateLimiting.Signal.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

// WorkerCount resolves the effective media worker count.
func (c *Config) WorkerCount() int {
	if c.Media.NumWorkers > 0 {
		return c.Media.NumWorkers
	}
	return runtime.NumCPU()
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VOXHUB_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("VOXHUB_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("VOXHUB_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VOXHUB_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if workers := os.Getenv("VOXHUB_MEDIA_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n >= 0 {
			c.Media.NumWorkers = n
		}
	}
	if addr := os.Getenv("VOXHUB_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
