// Package config loads relay settings from defaults, an optional YAML file,
// TELEMETRY_* environment variables and command-line flags, in rising precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/broker"
	"github.com/illmade-knight/go-telemetry-relay/pkg/fallback"
	"github.com/illmade-knight/go-telemetry-relay/pkg/sources"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TELEMETRY_BROKER_URL.
const EnvPrefix = "TELEMETRY"

// DeviceConfig identifies this relay in payloads.
type DeviceConfig struct {
	// ID overrides the persisted identifier when set.
	ID     string
	IDFile string
}

// PublisherConfig holds the publish cycle settings.
type PublisherConfig struct {
	MinInterval       time.Duration
	TimestampLocation *time.Location
}

// HeartRateConfig drives the simulated heart-rate sensor.
type HeartRateConfig struct {
	Interval time.Duration
}

// SimulationConfig places the simulated location provider.
type SimulationConfig struct {
	Latitude         float64
	Longitude        float64
	Step             float64
	DenyLocation     bool
	DisableHeartRate bool
}

// StatusConfig configures the HTTP status surface. An empty HTTPAddr disables it.
type StatusConfig struct {
	HTTPAddr string
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Config is the fully resolved relay configuration.
type Config struct {
	Device     DeviceConfig
	Broker     broker.Config
	Publisher  PublisherConfig
	Location   sources.LocationConfig
	HeartRate  HeartRateConfig
	Simulation SimulationConfig
	Fallback   fallback.Config
	Status     StatusConfig
	Log        LogConfig
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"device-id":          "device.id",
	"device-id-file":     "device.id_file",
	"broker-url":         "broker.url",
	"broker-topic":       "broker.topic",
	"broker-username":    "broker.username",
	"broker-password":    "broker.password",
	"min-interval":       "publisher.min_interval",
	"location-interval":  "location.interval",
	"fallback-backend":   "fallback.backend",
	"fallback-path":      "fallback.path",
	"status-addr":        "status.http_addr",
	"log-level":          "log.level",
	"log-file":           "log.file",
	"deny-location":      "simulation.deny_location",
	"disable-heart-rate": "simulation.disable_heart_rate",
}

func setDefaults(v *viper.Viper) {
	b := broker.DefaultConfig()
	v.SetDefault("device.id", "")
	v.SetDefault("device.id_file", "./device-id")

	v.SetDefault("broker.url", b.URL)
	v.SetDefault("broker.topic", b.Topic)
	v.SetDefault("broker.client_id_prefix", b.ClientIDPrefix)
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.keep_alive", b.KeepAlive)
	v.SetDefault("broker.connect_timeout", b.ConnectTimeout)
	v.SetDefault("broker.reconnect_delay", b.ReconnectDelay)
	v.SetDefault("broker.publish_timeout", b.PublishTimeout)
	v.SetDefault("broker.subscribe_timeout", b.SubscribeTimeout)
	v.SetDefault("broker.ca_cert_file", "")
	v.SetDefault("broker.client_cert_file", "")
	v.SetDefault("broker.client_key_file", "")
	v.SetDefault("broker.insecure_skip_verify", false)

	v.SetDefault("publisher.min_interval", time.Second)
	v.SetDefault("publisher.timestamp_location", "Local")

	v.SetDefault("location.interval", sources.DefaultLocationInterval)
	v.SetDefault("location.high_accuracy", true)
	v.SetDefault("heart_rate.interval", 250*time.Millisecond)

	v.SetDefault("simulation.latitude", -6.2)
	v.SetDefault("simulation.longitude", 106.816666)
	v.SetDefault("simulation.step", 0.0001)
	v.SetDefault("simulation.deny_location", false)
	v.SetDefault("simulation.disable_heart_rate", false)

	v.SetDefault("fallback.backend", fallback.BackendSQLite)
	v.SetDefault("fallback.path", "")
	v.SetDefault("fallback.max_size_mb", 10)
	v.SetDefault("fallback.max_backups", 0)
	v.SetDefault("fallback.redis_addr", "localhost:6379")
	v.SetDefault("fallback.redis_password", "")
	v.SetDefault("fallback.redis_db", 0)
	v.SetDefault("fallback.redis_key", "telemetry:fallback")

	v.SetDefault("status.http_addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
}

// RegisterFlags adds the relay's flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("device-id", "", "device identifier (default: read or create --device-id-file)")
	fs.String("device-id-file", "", "file holding the persisted device identifier")
	fs.String("broker-url", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.String("broker-topic", "", "MQTT topic to publish to")
	fs.String("broker-username", "", "MQTT username")
	fs.String("broker-password", "", "MQTT password")
	fs.Duration("min-interval", 0, "minimum spacing between publish cycles")
	fs.Duration("location-interval", 0, "location polling interval")
	fs.String("fallback-backend", "", "local fallback store: sqlite, file or redis")
	fs.String("fallback-path", "", "fallback database or log file path")
	fs.String("status-addr", "", "HTTP status listen address (empty disables)")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-file", "", "also write logs to this rotated file")
	fs.Bool("deny-location", false, "simulate a location provider without permission")
	fs.Bool("disable-heart-rate", false, "simulate a device without a heart-rate sensor")
}

// Load resolves the configuration. fs may be nil; otherwise only flags the
// user actually set override lower layers.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		if path, err := fs.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	loc, err := time.LoadLocation(v.GetString("publisher.timestamp_location"))
	if err != nil {
		return nil, fmt.Errorf("invalid publisher.timestamp_location: %w", err)
	}

	cfg := &Config{
		Device: DeviceConfig{
			ID:     strings.TrimSpace(v.GetString("device.id")),
			IDFile: v.GetString("device.id_file"),
		},
		Broker: broker.Config{
			URL:                v.GetString("broker.url"),
			Topic:              v.GetString("broker.topic"),
			ClientIDPrefix:     v.GetString("broker.client_id_prefix"),
			Username:           v.GetString("broker.username"),
			Password:           v.GetString("broker.password"),
			KeepAlive:          v.GetDuration("broker.keep_alive"),
			ConnectTimeout:     v.GetDuration("broker.connect_timeout"),
			ReconnectDelay:     v.GetDuration("broker.reconnect_delay"),
			PublishTimeout:     v.GetDuration("broker.publish_timeout"),
			SubscribeTimeout:   v.GetDuration("broker.subscribe_timeout"),
			CACertFile:         v.GetString("broker.ca_cert_file"),
			ClientCertFile:     v.GetString("broker.client_cert_file"),
			ClientKeyFile:      v.GetString("broker.client_key_file"),
			InsecureSkipVerify: v.GetBool("broker.insecure_skip_verify"),
		},
		Publisher: PublisherConfig{
			MinInterval:       v.GetDuration("publisher.min_interval"),
			TimestampLocation: loc,
		},
		Location: sources.LocationConfig{
			Interval:     v.GetDuration("location.interval"),
			HighAccuracy: v.GetBool("location.high_accuracy"),
		},
		HeartRate: HeartRateConfig{
			Interval: v.GetDuration("heart_rate.interval"),
		},
		Simulation: SimulationConfig{
			Latitude:         v.GetFloat64("simulation.latitude"),
			Longitude:        v.GetFloat64("simulation.longitude"),
			Step:             v.GetFloat64("simulation.step"),
			DenyLocation:     v.GetBool("simulation.deny_location"),
			DisableHeartRate: v.GetBool("simulation.disable_heart_rate"),
		},
		Fallback: fallback.Config{
			Backend:    strings.ToLower(v.GetString("fallback.backend")),
			Path:       v.GetString("fallback.path"),
			MaxSizeMB:  v.GetInt("fallback.max_size_mb"),
			MaxBackups: v.GetInt("fallback.max_backups"),
			Redis: fallback.RedisConfig{
				Addr:     v.GetString("fallback.redis_addr"),
				Password: v.GetString("fallback.redis_password"),
				DB:       v.GetInt("fallback.redis_db"),
				Key:      v.GetString("fallback.redis_key"),
			},
		},
		Status: StatusConfig{
			HTTPAddr: v.GetString("status.http_addr"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
	}

	if cfg.Fallback.Path == "" {
		switch cfg.Fallback.Backend {
		case fallback.BackendSQLite:
			cfg.Fallback.Path = "./fallback.db"
		case fallback.BackendFile:
			cfg.Fallback.Path = "./fallback.jsonl"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that would stop the relay from starting.
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if c.Broker.KeepAlive <= 0 {
		return errors.New("broker keep alive must be positive")
	}
	if c.Publisher.MinInterval <= 0 {
		return errors.New("publisher min interval must be positive")
	}
	if c.Location.Interval <= 0 {
		return errors.New("location interval must be positive")
	}
	if c.HeartRate.Interval <= 0 {
		return errors.New("heart rate interval must be positive")
	}
	switch c.Fallback.Backend {
	case fallback.BackendSQLite, fallback.BackendFile:
	case fallback.BackendRedis:
		if c.Fallback.Redis.Addr == "" {
			return errors.New("fallback redis address is required")
		}
	default:
		return fmt.Errorf("unknown fallback backend %q", c.Fallback.Backend)
	}
	if c.Device.ID == "" && c.Device.IDFile == "" {
		return errors.New("either device.id or device.id_file is required")
	}
	return nil
}
