package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. ZEPHYR_RATE_TARGET.
const EnvPrefix = "ZEPHYR"

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config is the process configuration. Durations are carried in
// milliseconds to match the environment surface.
type Config struct {
	Node struct {
		ListenAddr string `mapstructure:"listen_addr"`
		LogLevel   string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	Discover struct {
		DNS           string   `mapstructure:"dns"`
		Port          int      `mapstructure:"port"`
		GRPCPort      int      `mapstructure:"grpc_port"`
		IntervalMS    int      `mapstructure:"interval_ms"`
		EvictAfterMS  int      `mapstructure:"evict_after_ms"`
		TimeoutMS     int      `mapstructure:"timeout_ms"`
		Accelerate    bool     `mapstructure:"accelerate"`
		Transport     string   `mapstructure:"transport"`
		EtcdEndpoints []string `mapstructure:"etcd_endpoints"`
		AdvertiseAddr string   `mapstructure:"advertise_addr"`
	} `mapstructure:"discover"`

	GRPC struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"grpc"`

	Rate struct {
		Target       int `mapstructure:"target"`
		QueueSize    int `mapstructure:"queue_size"`
		BaseWindowMS int `mapstructure:"base_window_ms"`
	} `mapstructure:"rate"`

	Logic struct {
		WorkMS int `mapstructure:"work_ms"`
	} `mapstructure:"logic"`
}

// SetDefaults registers every key so that environment overrides apply even
// without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.listen_addr", ":8080")
	v.SetDefault("node.log_level", "info")

	v.SetDefault("discover.dns", "")
	v.SetDefault("discover.port", 8080)
	v.SetDefault("discover.grpc_port", 9090)
	v.SetDefault("discover.interval_ms", 5000)
	v.SetDefault("discover.evict_after_ms", 0)
	v.SetDefault("discover.timeout_ms", 0)
	v.SetDefault("discover.accelerate", false)
	v.SetDefault("discover.transport", TransportHTTP)
	v.SetDefault("discover.etcd_endpoints", []string{})
	v.SetDefault("discover.advertise_addr", "")

	v.SetDefault("grpc.listen_addr", ":9090")

	v.SetDefault("rate.target", 5)
	v.SetDefault("rate.queue_size", 5)
	v.SetDefault("rate.base_window_ms", 1000)

	v.SetDefault("logic.work_ms", 5000)
}

// New returns a viper instance wired for defaults and ZEPHYR_* overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the scheduler or gossip loop cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Rate.Target <= 0:
		return fmt.Errorf("rate.target must be positive, got %d", c.Rate.Target)
	case c.Rate.QueueSize <= 0:
		return fmt.Errorf("rate.queue_size must be positive, got %d", c.Rate.QueueSize)
	case c.Rate.BaseWindowMS <= 0:
		return fmt.Errorf("rate.base_window_ms must be positive, got %d", c.Rate.BaseWindowMS)
	case c.Discover.IntervalMS <= 0:
		return fmt.Errorf("discover.interval_ms must be positive, got %d", c.Discover.IntervalMS)
	case c.Discover.Port <= 0 || c.Discover.Port > 65535:
		return fmt.Errorf("discover.port out of range: %d", c.Discover.Port)
	case c.Discover.GRPCPort <= 0 || c.Discover.GRPCPort > 65535:
		return fmt.Errorf("discover.grpc_port out of range: %d", c.Discover.GRPCPort)
	case c.Discover.EvictAfterMS > 0 && c.Discover.EvictAfterMS < 2*c.Discover.IntervalMS:
		return fmt.Errorf("discover.evict_after_ms (%d) must be at least twice discover.interval_ms (%d)",
			c.Discover.EvictAfterMS, c.Discover.IntervalMS)
	case c.Logic.WorkMS < 0:
		return fmt.Errorf("logic.work_ms must not be negative, got %d", c.Logic.WorkMS)
	}
	switch c.Discover.Transport {
	case TransportHTTP, TransportGRPC:
	default:
		return fmt.Errorf("discover.transport must be %q or %q, got %q", TransportHTTP, TransportGRPC, c.Discover.Transport)
	}
	return nil
}

// PeerPort is the port peers answer gossip on for the selected transport.
func (c *Config) PeerPort() int {
	if c.Discover.Transport == TransportGRPC {
		return c.Discover.GRPCPort
	}
	return c.Discover.Port
}

func (c *Config) GossipInterval() time.Duration {
	return time.Duration(c.Discover.IntervalMS) * time.Millisecond
}

// EvictAfter is zero when unset, letting the gossip package pick its default.
func (c *Config) EvictAfter() time.Duration {
	return time.Duration(c.Discover.EvictAfterMS) * time.Millisecond
}

func (c *Config) RoundTimeout() time.Duration {
	return time.Duration(c.Discover.TimeoutMS) * time.Millisecond
}

func (c *Config) BaseWindow() time.Duration {
	return time.Duration(c.Rate.BaseWindowMS) * time.Millisecond
}

func (c *Config) WorkDuration() time.Duration {
	return time.Duration(c.Logic.WorkMS) * time.Millisecond
}
