package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Relay is the complete configuration of the relay command. Precedence is
// defaults, then the YAML file, then CLOUDRELAY_* environment variables,
// then explicitly set flags.
type Relay struct {
	DeviceListen   string   `yaml:"device_listen" env:"CLOUDRELAY_DEVICE_LISTEN"`
	PublicListen   string   `yaml:"public_listen" env:"CLOUDRELAY_PUBLIC_LISTEN"`
	ServerAddress  string   `yaml:"server_address" env:"CLOUDRELAY_SERVER_ADDRESS"`
	MaxClientConns int      `yaml:"max_client_conns" env:"CLOUDRELAY_MAX_CLIENT_CONNS"`
	ACMEHosts      []string `yaml:"acme_hosts"`
	ACMEEmail      string   `yaml:"acme_email" env:"CLOUDRELAY_ACME_EMAIL"`
	ACMECache      string   `yaml:"acme_cache" env:"CLOUDRELAY_ACME_CACHE"`
	ACMEHTTPAddr   string   `yaml:"acme_http" env:"CLOUDRELAY_ACME_HTTP"`

	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"CLOUDRELAY_REDIS_ADDR"`
	Password  string `yaml:"password" env:"CLOUDRELAY_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"CLOUDRELAY_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"CLOUDRELAY_REDIS_KEY_PREFIX"`
}

type DatabaseConfig struct {
	Path      string `yaml:"path" env:"CLOUDRELAY_DATABASE_PATH"`
	Directory string `yaml:"directory" env:"CLOUDRELAY_DIRECTORY"`
}

type SessionConfig struct {
	LockTTL            time.Duration `yaml:"lock_ttl" env:"CLOUDRELAY_LOCK_TTL"`
	BlockTTL           time.Duration `yaml:"block_ttl" env:"CLOUDRELAY_BLOCK_TTL"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" env:"CLOUDRELAY_CLEANUP_INTERVAL"`
	RequestMaxAge      time.Duration `yaml:"request_max_age" env:"CLOUDRELAY_REQUEST_MAX_AGE"`
	MaxRequestBody     int64         `yaml:"max_request_body" env:"CLOUDRELAY_MAX_REQUEST_BODY"`
	WSIdle             time.Duration `yaml:"ws_idle" env:"CLOUDRELAY_WS_IDLE"`
	MaxFrame           int           `yaml:"max_frame" env:"CLOUDRELAY_MAX_FRAME"`
	TunnelBacklog      int           `yaml:"tunnel_backlog" env:"CLOUDRELAY_TUNNEL_BACKLOG"`
	ClientBacklog      int           `yaml:"client_backlog" env:"CLOUDRELAY_CLIENT_BACKLOG"`
	ClientWriteTimeout time.Duration `yaml:"client_write_timeout" env:"CLOUDRELAY_CLIENT_WRITE_TIMEOUT"`
	ConnectionIDMode   string        `yaml:"connection_id_mode" env:"CLOUDRELAY_CONNECTION_ID_MODE"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"CLOUDRELAY_MQTT_BROKER"`
	ClientID    string `yaml:"client_id" env:"CLOUDRELAY_MQTT_CLIENT_ID"`
	Username    string `yaml:"username" env:"CLOUDRELAY_MQTT_USERNAME"`
	Password    string `yaml:"password" env:"CLOUDRELAY_MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" env:"CLOUDRELAY_MQTT_TOPIC_PREFIX"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"CLOUDRELAY_TRACING_ENABLED"`
	Exporter string `yaml:"exporter" env:"CLOUDRELAY_TRACING_EXPORTER"`
	Endpoint string `yaml:"endpoint" env:"CLOUDRELAY_TRACING_ENDPOINT"`
	Insecure bool   `yaml:"insecure" env:"CLOUDRELAY_TRACING_INSECURE"`
}

// DefaultRelay returns the built-in defaults.
func DefaultRelay() Relay {
	return Relay{
		DeviceListen:   ":8443",
		PublicListen:   ":8080",
		MaxClientConns: 4096,
		Redis: RedisConfig{
			KeyPrefix: "",
		},
		Database: DatabaseConfig{
			Path: "cloudrelay.db",
		},
		Session: SessionConfig{
			LockTTL:            70 * time.Second,
			BlockTTL:           60 * time.Second,
			CleanupInterval:    60 * time.Second,
			RequestMaxAge:      15 * time.Minute,
			MaxRequestBody:     5 << 20,
			WSIdle:             60 * time.Second,
			MaxFrame:           64 * 1024,
			TunnelBacklog:      1 << 20,
			ClientBacklog:      4 << 20,
			ClientWriteTimeout: 20 * time.Second,
			ConnectionIDMode:   "uuid",
		},
		MQTT: MQTTConfig{
			ClientID:    "cloudrelay",
			TopicPrefix: "cloudrelay/notifications",
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
	}
}

// LoadRelay applies the YAML file at path (optional) and the environment on top of the defaults.
func LoadRelay(path string) (Relay, error) {
	cfg := DefaultRelay()
	if err := LoadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := DecodeEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the relay depends on at startup.
func (c Relay) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceListen) == "" {
		errs = append(errs, errors.New("device listen address is required"))
	}
	if strings.TrimSpace(c.PublicListen) == "" {
		errs = append(errs, errors.New("public listen address is required"))
	}
	if c.Session.LockTTL <= 0 {
		errs = append(errs, errors.New("lock ttl must be positive"))
	}
	if c.Session.BlockTTL <= 0 {
		errs = append(errs, errors.New("block ttl must be positive"))
	}
	if c.Session.WSIdle >= c.Session.LockTTL {
		errs = append(errs, fmt.Errorf("ws idle (%s) must be shorter than lock ttl (%s)", c.Session.WSIdle, c.Session.LockTTL))
	}
	if c.Session.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	if c.Session.MaxRequestBody <= 0 {
		errs = append(errs, errors.New("max request body must be positive"))
	}
	if c.Session.MaxFrame <= 0 {
		errs = append(errs, errors.New("max frame must be positive"))
	}
	if c.Session.ClientWriteTimeout <= 0 {
		errs = append(errs, errors.New("client write timeout must be positive"))
	}
	switch strings.ToLower(c.Session.ConnectionIDMode) {
	case "", "uuid", "cuid":
	default:
		errs = append(errs, fmt.Errorf("unsupported connection id mode %q (use uuid or cuid)", c.Session.ConnectionIDMode))
	}
	return errors.Join(errs...)
}
