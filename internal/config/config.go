package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration, loaded from config.yaml with
// defaults suitable for a single-node development setup.
type Config struct {
	App struct {
		Name       string `mapstructure:"name"`
		Datacenter string `mapstructure:"datacenter"`
	} `mapstructure:"app"`

	NATS struct {
		URLs           []string      `mapstructure:"urls"`
		MaxReconnects  int           `mapstructure:"max_reconnects"`
		ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"nats"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Metrics struct {
		QueryURL     string        `mapstructure:"query_url"`
		QueryTimeout time.Duration `mapstructure:"query_timeout"`
	} `mapstructure:"metrics"`

	Scheduler struct {
		LockLease       time.Duration `mapstructure:"lock_lease"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		Lookahead       time.Duration `mapstructure:"lookahead"`
		BatchLimit      int           `mapstructure:"batch_limit"`
		BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
		Workers         int           `mapstructure:"workers"`
	} `mapstructure:"scheduler"`

	Evaluator struct {
		DatalagMonitorEnabled bool          `mapstructure:"datalag_monitor_enabled"`
		DatalagThreshold      time.Duration `mapstructure:"datalag_threshold"`
		AllowedScopePatterns  []string      `mapstructure:"allowed_scope_patterns"`
		AllowedOwnerPatterns  []string      `mapstructure:"allowed_owner_patterns"`
	} `mapstructure:"evaluator"`

	Notifiers struct {
		Email struct {
			Host       string   `mapstructure:"host"`
			Port       int      `mapstructure:"port"`
			Username   string   `mapstructure:"username"`
			Password   string   `mapstructure:"password"`
			From       string   `mapstructure:"from"`
			Recipients []string `mapstructure:"recipients"`
		} `mapstructure:"email"`
		Webhook struct {
			URL string `mapstructure:"url"`
		} `mapstructure:"webhook"`
	} `mapstructure:"notifiers"`

	Monitor struct {
		MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	} `mapstructure:"monitor"`
}

// Load reads config.yaml from the given directory, applying defaults for
// anything unset.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetDefault("app.name", "metron")
	v.SetDefault("app.datacenter", "local")
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("database.path", "metron.db")
	v.SetDefault("metrics.query_url", "http://127.0.0.1:8080")
	v.SetDefault("metrics.query_timeout", "30s")
	v.SetDefault("scheduler.lock_lease", "2m")
	v.SetDefault("scheduler.refresh_interval", "1m")
	v.SetDefault("scheduler.lookahead", "10m")
	v.SetDefault("scheduler.batch_limit", 50)
	v.SetDefault("scheduler.batch_timeout", "10s")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("evaluator.datalag_monitor_enabled", false)
	v.SetDefault("evaluator.datalag_threshold", "5m")
	v.SetDefault("monitor.metrics_interval", "30s")

	if err := v.ReadInConfig(); err != nil {
		// Defaults alone are a runnable configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}
