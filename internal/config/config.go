// Package config loads service settings from defaults, an optional file,
// FORECAST_* environment variables and command-line flags, in rising order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mcules/forecast-inference/internal/forecast"
)

const EnvPrefix = "FORECAST"

type Config struct {
	Log       Log       `mapstructure:"log"`
	HTTP      HTTP      `mapstructure:"http"`
	GRPC      GRPC      `mapstructure:"grpc"`
	Store     Store     `mapstructure:"store"`
	Auth      Auth      `mapstructure:"auth"`
	Inference Inference `mapstructure:"inference"`
	Cache     Cache     `mapstructure:"cache"`
	Refresher Refresher `mapstructure:"refresher"`
	Consumer  Consumer  `mapstructure:"consumer"`
	Kafka     Kafka     `mapstructure:"kafka"`
	MQTT      MQTT      `mapstructure:"mqtt"`
	ObjectLog ObjectLog `mapstructure:"objectlog"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTP struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	CORS         CORS   `mapstructure:"cors"`
}

// CORS lists are comma separated when set from the environment.
type CORS struct {
	AllowOrigins  []string      `mapstructure:"allow_origins"`
	AllowHeaders  []string      `mapstructure:"allow_headers"`
	ExposeHeaders []string      `mapstructure:"expose_headers"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

type GRPC struct {
	Addr string `mapstructure:"addr"`
}

type Store struct {
	Path string `mapstructure:"path"`
}

type Auth struct {
	Required bool `mapstructure:"required"`
}

type Inference struct {
	CachingEnabled bool          `mapstructure:"caching_enabled"`
	Target         string        `mapstructure:"target"`
	DefaultHorizon int           `mapstructure:"default_horizon"`
	MaxHorizon     int           `mapstructure:"max_horizon"`
	MaxRows        int           `mapstructure:"max_rows"`
	Model          string        `mapstructure:"model"`
	Alpha          float64       `mapstructure:"alpha"`
	Beta           float64       `mapstructure:"beta"`
	IntervalZ      float64       `mapstructure:"interval_z"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
}

type Cache struct {
	// Backend is none, local or redis.
	Backend    string `mapstructure:"backend"`
	LocalBytes int    `mapstructure:"local_bytes"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

type Refresher struct {
	Interval    time.Duration `mapstructure:"interval"`
	MinFreeMB   int           `mapstructure:"min_free_mb"`
	KeepRows    int           `mapstructure:"keep_rows"`
	MeminfoPath string        `mapstructure:"meminfo_path"`
}

type Consumer struct {
	Enabled bool `mapstructure:"enabled"`
	// Source is kafka or mqtt.
	Source      string        `mapstructure:"source"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`

	// ServerURL and APIKey are used by the standalone consumer.
	ServerURL string `mapstructure:"server_url"`
	APIKey    string `mapstructure:"api_key"`
}

type Kafka struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	GroupID     string   `mapstructure:"group_id"`
	OutputTopic string   `mapstructure:"output_topic"`
}

type MQTT struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Topic       string `mapstructure:"topic"`
	OutputTopic string `mapstructure:"output_topic"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         int    `mapstructure:"qos"`
}

type ObjectLog struct {
	Enabled       bool          `mapstructure:"enabled"`
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Region        string        `mapstructure:"region"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	Bucket        string        `mapstructure:"bucket"`
	Prefix        string        `mapstructure:"prefix"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SegmentBytes  int           `mapstructure:"segment_bytes"`
	// Claims enables claim-check fetches for the consumer.
	Claims        bool  `mapstructure:"claims"`
	MaxClaimBytes int64 `mapstructure:"max_claim_bytes"`
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "json",

	"http.addr":                ":8080",
	"http.max_body_bytes":      8 << 20,
	"http.cors.allow_origins":  []string{"*"},
	"http.cors.allow_headers":  []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"},
	"http.cors.expose_headers": []string{"X-Request-ID"},
	"http.cors.max_age":        "10m",

	"grpc.addr": ":9090",

	"store.path": "forecast.db",

	"auth.required": false,

	"inference.caching_enabled": true,
	"inference.target":          "y",
	"inference.default_horizon": 12,
	"inference.max_horizon":     1000,
	"inference.max_rows":        10000,
	"inference.model":           string(forecast.KindHolt),
	"inference.alpha":           0.5,
	"inference.beta":            0.3,
	"inference.interval_z":      1.96,
	"inference.result_ttl":      "5m",

	"cache.backend":        "local",
	"cache.local_bytes":    32 << 20,
	"cache.redis_addr":     "localhost:6379",
	"cache.redis_password": "",
	"cache.redis_db":       0,
	"cache.redis_prefix":   "forecast",

	"refresher.interval":     "5s",
	"refresher.min_free_mb":  0,
	"refresher.keep_rows":    1000,
	"refresher.meminfo_path": "/proc/meminfo",

	"consumer.enabled":      false,
	"consumer.source":       "kafka",
	"consumer.workers":      1,
	"consumer.queue_size":   64,
	"consumer.max_attempts": 5,
	"consumer.backoff":      "200ms",
	"consumer.max_backoff":  "10s",
	"consumer.server_url":   "http://localhost:8080",
	"consumer.api_key":      "",

	"kafka.brokers":      []string{"localhost:9092"},
	"kafka.topic":        "forecast-features",
	"kafka.group_id":     "forecast-inference",
	"kafka.output_topic": "",

	"mqtt.broker":       "tcp://localhost:1883",
	"mqtt.client_id":    "",
	"mqtt.topic":        "forecast/features/#",
	"mqtt.output_topic": "",
	"mqtt.username":     "",
	"mqtt.password":     "",
	"mqtt.qos":          1,

	"objectlog.enabled":         false,
	"objectlog.endpoint":        "localhost:9000",
	"objectlog.access_key":      "",
	"objectlog.secret_key":      "",
	"objectlog.region":          "",
	"objectlog.use_ssl":         false,
	"objectlog.bucket":          "",
	"objectlog.prefix":          "predictions",
	"objectlog.flush_interval":  "30s",
	"objectlog.segment_bytes":   1 << 20,
	"objectlog.claims":          false,
	"objectlog.max_claim_bytes": 32 << 20,
}

// Flags registers the command-line overrides on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML, TOML or JSON config file")
	fs.String("log.level", "info", "log level (debug, info, warn, error)")
	fs.String("log.format", "json", "log format (json, console)")
	fs.String("http.addr", ":8080", "HTTP listen address")
	fs.String("grpc.addr", ":9090", "gRPC health listen address")
	fs.String("store.path", "forecast.db", "SQLite database path")
	fs.Bool("inference.caching_enabled", true, "keep a cached frame and accept /ingest")
	fs.String("inference.model", string(forecast.KindHolt), "model kind (naive, linear, holt)")
	fs.String("cache.backend", "local", "result cache (none, local, redis)")
	fs.Bool("consumer.enabled", false, "run the message consumer")
	fs.String("consumer.source", "kafka", "consumer source (kafka, mqtt)")
}

// Load parses args and returns the merged configuration.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("forecast", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags builds the configuration from an already parsed flag set. Only
// flags the user actually set override lower layers.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var file string
	if f := fs.Lookup("config"); f != nil {
		file = f.Value.String()
	}
	if file == "" {
		file = v.GetString("config")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := forecast.ParseKind(c.Inference.Model); err != nil {
		errs = append(errs, fmt.Errorf("inference.model: %w", err))
	}
	if c.Inference.DefaultHorizon <= 0 {
		errs = append(errs, errors.New("inference.default_horizon must be positive"))
	}
	if c.Inference.MaxHorizon < c.Inference.DefaultHorizon {
		errs = append(errs, errors.New("inference.max_horizon must be at least inference.default_horizon"))
	}
	if c.Inference.MaxRows < 2 {
		errs = append(errs, errors.New("inference.max_rows must be at least 2"))
	}
	if c.Inference.Alpha <= 0 || c.Inference.Alpha > 1 || c.Inference.Beta <= 0 || c.Inference.Beta > 1 {
		errs = append(errs, errors.New("inference.alpha and inference.beta must be in (0,1]"))
	}
	if c.Inference.IntervalZ <= 0 {
		errs = append(errs, errors.New("inference.interval_z must be positive"))
	}

	switch c.Cache.Backend {
	case "none", "local":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}

	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if c.Refresher.Interval <= 0 {
		errs = append(errs, errors.New("refresher.interval must be positive"))
	}

	switch c.Consumer.Source {
	case "kafka":
		if c.Consumer.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
			errs = append(errs, errors.New("kafka.brokers, kafka.topic and kafka.group_id are required for the kafka consumer"))
		}
	case "mqtt":
		if c.Consumer.Enabled && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
			errs = append(errs, errors.New("mqtt.broker and mqtt.topic are required for the mqtt consumer"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
		}
	default:
		errs = append(errs, fmt.Errorf("consumer.source: unknown source %q", c.Consumer.Source))
	}
	if c.Consumer.Workers <= 0 || c.Consumer.QueueSize <= 0 || c.Consumer.MaxAttempts <= 0 {
		errs = append(errs, errors.New("consumer.workers, consumer.queue_size and consumer.max_attempts must be positive"))
	}

	if (c.ObjectLog.Enabled || c.ObjectLog.Claims) && c.ObjectLog.Endpoint == "" {
		errs = append(errs, errors.New("objectlog.endpoint is required"))
	}
	if c.ObjectLog.Enabled && c.ObjectLog.Bucket == "" {
		errs = append(errs, errors.New("objectlog.bucket is required when the object log is enabled"))
	}

	return errors.Join(errs...)
}
