// Package config loads the configuration of the connectivity service.
//
// Values are layered: defaults in code, then an optional YAML file, then
// environment variables (see [Loader]).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Redis      RedisConfig      `yaml:"redis"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// ConnectionConfig configures the connection coordinators.
type ConnectionConfig struct {
	// ClientAskTimeout bounds opening, closing and testing clients.
	ClientAskTimeout time.Duration `yaml:"clientAskTimeout"`
	// RetrieveTimeout is the default timeout of retrieve commands without
	// a timeout header. Aggregation waits 3/4 of it.
	RetrieveTimeout time.Duration `yaml:"retrieveTimeout"`
	// AckLabelDeclareInterval is the fixed delay between declaration retries.
	AckLabelDeclareInterval time.Duration `yaml:"ackLabelDeclareInterval"`
	// AckForwarderTimeout is the default lifetime of an acknowledgement
	// forwarder when the signal carries no timeout.
	AckForwarderTimeout time.Duration `yaml:"ackForwarderTimeout"`
	// InboxSize is the coordinator inbox capacity.
	InboxSize int `yaml:"inboxSize"`
	// ClientInboxSize is the inbox capacity of each client worker.
	ClientInboxSize int `yaml:"clientInboxSize"`
	// ClientActorsPerNode caps the number of client workers started for one
	// connection on this node. Zero means no cap.
	ClientActorsPerNode int `yaml:"clientActorsPerNode"`
	// ActivityCheckInterval passivates connections that are not desired
	// open and received nothing for this long.
	ActivityCheckInterval time.Duration `yaml:"activityCheckInterval"`
	// SnapshotThreshold is the number of events between snapshots.
	SnapshotThreshold int `yaml:"snapshotThreshold"`
}

// MonitoringConfig configures connection monitoring.
type MonitoringConfig struct {
	Logger LoggerConfig `yaml:"logger"`
}

// LoggerConfig configures the connection diagnostic log.
type LoggerConfig struct {
	// LogDuration is the length of the logging window opened by
	// enable-logs.
	LogDuration time.Duration `yaml:"logDuration"`
	// LoggingActiveCheckInterval is the period of the logging liveness check.
	LoggingActiveCheckInterval time.Duration `yaml:"loggingActiveCheckInterval"`
	// MaxLogSizeBytes bounds the log entries of one retrieve-logs response.
	MaxLogSizeBytes int `yaml:"maxLogSizeBytes"`
	// Capacity is the number of entries each client keeps.
	Capacity int `yaml:"capacity"`
	// Retention drops entries older than this.
	Retention time.Duration `yaml:"retention"`
}

// RedisConfig configures the Redis backed registry and journal.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
	// AckLabelTTL is the lifetime of a label claim. Claims are refreshed
	// at a third of it.
	AckLabelTTL time.Duration `yaml:"ackLabelTTL"`
}

// HTTPConfig configures the CloudEvents gateway.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig configures the process log.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			ClientAskTimeout:        10 * time.Second,
			RetrieveTimeout:         500 * time.Millisecond,
			AckLabelDeclareInterval: 5 * time.Second,
			AckForwarderTimeout:     time.Minute,
			InboxSize:               256,
			ClientInboxSize:         64,
			ActivityCheckInterval:   15 * time.Minute,
			SnapshotThreshold:       10,
		},
		Monitoring: MonitoringConfig{
			Logger: LoggerConfig{
				LogDuration:                time.Hour,
				LoggingActiveCheckInterval: 5 * time.Minute,
				MaxLogSizeBytes:            250_000,
				Capacity:                   100,
				Retention:                  24 * time.Hour,
			},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			KeyPrefix:   "connectivity",
			AckLabelTTL: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path, if path is
// not empty, and then with environment variables.
func Load(path string, env Loader) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	sections := []struct {
		name string
		dst  any
	}{
		{"connection", &cfg.Connection},
		{"monitoring", &cfg.Monitoring},
		{"redis", &cfg.Redis},
		{"http", &cfg.HTTP},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		if err := env.Load(s.name, s.dst); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}
	positive("connection.clientAskTimeout", c.Connection.ClientAskTimeout)
	positive("connection.retrieveTimeout", c.Connection.RetrieveTimeout)
	positive("connection.ackLabelDeclareInterval", c.Connection.AckLabelDeclareInterval)
	positive("connection.ackForwarderTimeout", c.Connection.AckForwarderTimeout)
	positive("connection.activityCheckInterval", c.Connection.ActivityCheckInterval)
	positive("monitoring.logger.logDuration", c.Monitoring.Logger.LogDuration)
	positive("monitoring.logger.loggingActiveCheckInterval", c.Monitoring.Logger.LoggingActiveCheckInterval)
	positive("redis.ackLabelTTL", c.Redis.AckLabelTTL)
	if c.Connection.InboxSize <= 0 {
		errs = append(errs, errors.New("config: connection.inboxSize must be positive"))
	}
	if c.Connection.SnapshotThreshold <= 0 {
		errs = append(errs, errors.New("config: connection.snapshotThreshold must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format %q is not text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
