// Package config loads sheepcore's daemon configuration from flags,
// environment, and an optional config file, via github.com/spf13/viper and
// github.com/spf13/pflag.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	ClusterName string        `mapstructure:"cluster_name"`
	ListenAddr  string        `mapstructure:"listen_addr"`
	DataDir     string        `mapstructure:"data_dir"`
	Bootstrap   []string      `mapstructure:"bootstrap"`

	ConfiguredCopies int `mapstructure:"configured_copies"`

	DriverKind   string `mapstructure:"driver_kind"` // "pubsub" or "plugin"
	DriverBinary string `mapstructure:"driver_binary"`

	WorkerPoolSize   int           `mapstructure:"worker_pool_size"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`

	LogLevel string `mapstructure:"log_level"`
}

// defaults mirror the flags registered by BindFlags.
func defaults() Config {
	return Config{
		ListenAddr:       "0.0.0.0:7000",
		DataDir:          "./data",
		ConfiguredCopies: 3,
		DriverKind:       "pubsub",
		WorkerPoolSize:   4,
		WatchdogInterval: 5 * time.Second,
		LogLevel:         "info",
	}
}

// BindFlags registers the daemon's flags on fs and binds them into v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	d := defaults()

	fs.String("cluster-name", "", "cluster name, required by run")
	fs.String("listen-addr", d.ListenAddr, "local listen address")
	fs.String("data-dir", d.DataDir, "directory for durable state")
	fs.StringSlice("bootstrap", nil, "bootstrap peer addresses")
	fs.Int("configured-copies", d.ConfiguredCopies, "target replication factor")
	fs.String("driver-kind", d.DriverKind, "group driver: pubsub or plugin")
	fs.String("driver-binary", "", "external driver subprocess binary path (driver-kind=plugin)")
	fs.Int("worker-pool-size", d.WorkerPoolSize, "phase-A worker pool size")
	fs.Duration("watchdog-interval", d.WatchdogInterval, "driver subprocess watchdog poll interval")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")

	_ = v.BindPFlags(fs)
}

// Load builds a Config from v, which must already have flags bound and,
// optionally, a config file read in.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("sheepcore")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := defaults()
	cfg.ClusterName = v.GetString("cluster-name")
	cfg.ListenAddr = v.GetString("listen-addr")
	cfg.DataDir = v.GetString("data-dir")
	cfg.Bootstrap = v.GetStringSlice("bootstrap")
	cfg.ConfiguredCopies = v.GetInt("configured-copies")
	cfg.DriverKind = v.GetString("driver-kind")
	cfg.DriverBinary = v.GetString("driver-binary")
	cfg.WorkerPoolSize = v.GetInt("worker-pool-size")
	cfg.WatchdogInterval = v.GetDuration("watchdog-interval")
	cfg.LogLevel = v.GetString("log-level")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ConfiguredCopies < 1 {
		return fmt.Errorf("config: configured-copies must be >= 1, got %d", c.ConfiguredCopies)
	}
	if c.DriverKind != "pubsub" && c.DriverKind != "plugin" {
		return fmt.Errorf("config: driver-kind must be pubsub or plugin, got %q", c.DriverKind)
	}
	if c.DriverKind == "plugin" && c.DriverBinary == "" {
		return fmt.Errorf("config: driver-binary is required when driver-kind=plugin")
	}
	return nil
}
