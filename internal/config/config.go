package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Auth      AuthConfig      `yaml:"auth"`
	Queue     QueueConfig     `yaml:"queue"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Integrity IntegrityConfig `yaml:"integrity"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	// Chosen to stay under a 60s upstream load-balancer idle timeout.
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HeadersTimeout   time.Duration `yaml:"headers_timeout"`
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout"`

	InternalAuthToken string `yaml:"internal_auth_token"`
	AllowedOrigins    string `yaml:"allowed_origins"`
}

type BrokerConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type CatalogConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	// JWTSecret verifies customer and web-portal bearer tokens (HS256).
	JWTSecret string `yaml:"jwt_secret"`

	// DeviceSessionTTL bounds the broker-backed device session lookup keys.
	DeviceSessionTTL time.Duration `yaml:"device_session_ttl"`
}

type QueueConfig struct {
	DefaultVisibility time.Duration `yaml:"default_visibility"`
	MaxVisibility     time.Duration `yaml:"max_visibility"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	CompletedHistory  int           `yaml:"completed_history"`
}

type ApprovalConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	TrackerTTL     time.Duration `yaml:"tracker_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type IntegrityConfig struct {
	// KeyPath is where the persistent signing keypair lives. Packages signed
	// by one instance must verify on another, so the key survives restarts.
	KeyPath string `yaml:"key_path"`
}

// Default returns the built-in configuration. Every duration mirrors the
// operational constants the service is tuned for.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             "8080",
			Env:              "development",
			RequestTimeout:   50 * time.Second,
			HeadersTimeout:   56 * time.Second,
			KeepAliveTimeout: 55 * time.Second,
		},
		Broker: BrokerConfig{
			Addr:           "localhost:6379",
			ConnectTimeout: 5 * time.Second,
			CommandTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			DeviceSessionTTL: 7 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			DefaultVisibility: 5 * time.Minute,
			MaxVisibility:     time.Hour,
			ReaperInterval:    10 * time.Second,
			CompletedHistory:  100,
		},
		Approval: ApprovalConfig{
			DefaultTimeout: 5 * time.Minute,
			TrackerTTL:     2 * time.Hour,
			SweepInterval:  30 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  90 * time.Second,
		},
		Integrity: IntegrityConfig{
			KeyPath: "fleetgate-signing.key",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error — env-only
// deployments are common on Cloud Run style platforms.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "FLEETGATE_ENV")
	setString(&c.Server.InternalAuthToken, "INTERNAL_AUTH_TOKEN")
	setString(&c.Server.AllowedOrigins, "FLEETGATE_ALLOWED_ORIGINS")
	setString(&c.Broker.Addr, "REDIS_ADDR")
	setString(&c.Broker.Password, "REDIS_PASSWORD")
	setInt(&c.Broker.DB, "REDIS_DB")
	setString(&c.Catalog.DSN, "DATABASE_URL")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Integrity.KeyPath, "SIGNING_KEY_PATH")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
