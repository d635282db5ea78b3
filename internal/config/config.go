// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Application ApplicationConfig `mapstructure:"application"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Session     SessionConfig     `mapstructure:"session"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	Probe       ProbeConfig       `mapstructure:"probe"`
}

// ApplicationConfig identifies the service to tracing backends.
type ApplicationConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
	Region      string `mapstructure:"region"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SampleRPS caps samples per second per session; 0 disables the cap.
	SampleRPS   float64 `mapstructure:"sample_rps"`
	SampleBurst int     `mapstructure:"sample_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TrackerConfig holds the milestone list used when a session names none.
type TrackerConfig struct {
	DefaultMilestones []float64 `mapstructure:"default_milestones"`
}

// SessionConfig bounds the session registry.
type SessionConfig struct {
	MaxSessions   int           `mapstructure:"max_sessions"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	LogMilestones bool          `mapstructure:"log_milestones"`
}

// BroadcastConfig tunes the broadcast hub and picks its sinks.
type BroadcastConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	LogEvents        bool          `mapstructure:"log_events"`
	Archive          bool          `mapstructure:"archive"`
}

// PubSubConfig holds the Pub/Sub topic milestones are published to.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MQTTConfig holds the broker milestones are published to.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

// StorageConfig selects where archived batches are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig selects and configures the milestone repository.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ProbeConfig drives the headless scroll probe.
type ProbeConfig struct {
	Selector       string        `mapstructure:"selector"`
	Step           float64       `mapstructure:"step"`
	Pause          time.Duration `mapstructure:"pause"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
	UserAgent      string        `mapstructure:"user_agent"`
	DiscoverLimit  int           `mapstructure:"discover_limit"`
	HostRPS        float64       `mapstructure:"host_rps"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCROLLDEPTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("application.service_name", "scrolldepth")
	v.SetDefault("application.version", "dev")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.sample_rps", 20)
	v.SetDefault("server.sample_burst", 40)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracker.default_milestones", []float64{0.25, 0.5, 1})
	v.SetDefault("session.max_sessions", 10000)
	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.log_milestones", false)
	v.SetDefault("broadcast.buffer_size", 1024)
	v.SetDefault("broadcast.max_batch_events", 100)
	v.SetDefault("broadcast.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("broadcast.sink_timeout", 5*time.Second)
	v.SetDefault("broadcast.subscriber_buffer", 64)
	v.SetDefault("broadcast.log_events", true)
	v.SetDefault("pubsub.topic_name", "scrollDepthReached")
	v.SetDefault("mqtt.client_id", "scrolldepth")
	v.SetDefault("mqtt.topic_prefix", "scrolldepth")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "milestones")
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.table", "milestone_events")
	v.SetDefault("probe.selector", ".article-body")
	v.SetDefault("probe.step", 0.5)
	v.SetDefault("probe.pause", 500*time.Millisecond)
	v.SetDefault("probe.nav_timeout", 30*time.Second)
	v.SetDefault("probe.viewport_width", 1280)
	v.SetDefault("probe.viewport_height", 800)
	v.SetDefault("probe.user_agent", "scrolldepth-probe/0.1")
	v.SetDefault("probe.discover_limit", 20)
	v.SetDefault("probe.host_rps", 0.5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if len(c.Tracker.DefaultMilestones) == 0 {
		return fmt.Errorf("tracker.default_milestones must not be empty")
	}
	for _, m := range c.Tracker.DefaultMilestones {
		if math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("tracker.default_milestones must be finite")
		}
	}
	if c.Server.SampleRPS < 0 {
		return fmt.Errorf("server.sample_rps must be >= 0")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must be >= 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the %s driver", c.DB.Driver)
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if c.Probe.Step <= 0 {
		return fmt.Errorf("probe.step must be > 0")
	}
	return nil
}

// MQTTQoS returns the configured QoS as the byte paho expects.
func (c MQTTConfig) MQTTQoS() byte {
	return byte(c.QoS)
}
