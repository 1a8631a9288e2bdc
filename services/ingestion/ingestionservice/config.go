package ingestionservice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/illmade-knight/machine-telemetry/pkg/bqstore"
	"github.com/illmade-knight/machine-telemetry/pkg/flusher"
	"github.com/illmade-knight/machine-telemetry/pkg/mqttsession"
	"github.com/illmade-knight/machine-telemetry/pkg/registry"
)

// Registry and sink backends.
const (
	RegistrySourceSQL  = "sql"
	RegistrySourceFile = "file"
	SinkPostgres       = "postgres"
	SinkBigQuery       = "bigquery"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	LogLevel        string        `mapstructure:"log_level"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	MQTT struct {
		BrokerURL          string        `mapstructure:"broker_url"`
		Port               int           `mapstructure:"port"`
		ClientIDPrefix     string        `mapstructure:"client_id_prefix"`
		Username           string        `mapstructure:"username"`
		Password           string        `mapstructure:"password"`
		QoS                int           `mapstructure:"qos"`
		KeepAlive          time.Duration `mapstructure:"keepalive"`
		ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
		ReconnectWaitMax   time.Duration `mapstructure:"reconnect_wait_max"`
		CACertFile         string        `mapstructure:"ca_cert_file"`
		ClientCertFile     string        `mapstructure:"client_cert_file"`
		ClientKeyFile      string        `mapstructure:"client_key_file"`
		InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
		QueueCapacity      int           `mapstructure:"queue_capacity"`
	} `mapstructure:"mqtt"`

	Flush struct {
		Interval  time.Duration `mapstructure:"interval"`
		ChunkSize int           `mapstructure:"chunk_size"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"flush"`

	Registry struct {
		Source string `mapstructure:"source"`
		File   string `mapstructure:"file"`
		Table  string `mapstructure:"table"`
		// ActiveColumn filters the SQL registry; empty disables the filter.
		ActiveColumn string        `mapstructure:"active_column"`
		RedisURL     string        `mapstructure:"redis_url"`
		CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"registry"`

	Sink struct {
		Backend   string `mapstructure:"backend"`
		Returning bool   `mapstructure:"returning"`
		Table     string `mapstructure:"table"`
	} `mapstructure:"sink"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	BigQuery struct {
		ProjectID       string `mapstructure:"project_id"`
		DatasetID       string `mapstructure:"dataset_id"`
		TableID         string `mapstructure:"table_id"`
		CredentialsFile string `mapstructure:"credentials_file"`
	} `mapstructure:"bigquery"`

	Topics struct {
		VariantAPrefix string `mapstructure:"variant_a_prefix"`
	} `mapstructure:"topics"`
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"log-level":      "log_level",
	"http-addr":      "http_addr",
	"broker-url":     "mqtt.broker_url",
	"flush-interval": "flush.interval",
	"registry-file":  "registry.file",
	"database-dsn":   "database.dsn",
	"sink":           "sink.backend",
}

// RegisterFlags defines the command-line overrides understood by LoadConfig.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("http-addr", "", "Address for the admin HTTP server")
	fs.String("broker-url", "", "MQTT broker URL (tcp://host:port)")
	fs.Duration("flush-interval", 0, "Flush cadence, e.g. 60s")
	fs.String("registry-file", "", "YAML device file (implies registry.source=file)")
	fs.String("database-dsn", "", "Postgres connection string")
	fs.String("sink", "", "Sink backend (postgres, bigquery)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("shutdown_timeout", 30*time.Second)

	mqttDefaults := mqttsession.DefaultConfig()
	v.SetDefault("mqtt.port", mqttDefaults.Port)
	v.SetDefault("mqtt.client_id_prefix", mqttDefaults.ClientIDPrefix)
	v.SetDefault("mqtt.qos", int(mqttDefaults.QoS))
	v.SetDefault("mqtt.keepalive", mqttDefaults.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", mqttDefaults.ConnectTimeout)
	v.SetDefault("mqtt.reconnect_wait_max", mqttDefaults.ReconnectWaitMax)
	v.SetDefault("mqtt.queue_capacity", DefaultCoordinatorConfig().QueueCapacity)

	flushDefaults := flusher.DefaultConfig()
	v.SetDefault("flush.interval", flushDefaults.Interval)
	v.SetDefault("flush.chunk_size", flushDefaults.ChunkSize)
	v.SetDefault("flush.timeout", flushDefaults.Timeout)

	v.SetDefault("registry.source", RegistrySourceSQL)
	v.SetDefault("registry.active_column", registry.DefaultActiveColumn)
	v.SetDefault("registry.cache_ttl", 10*time.Minute)
	v.SetDefault("sink.backend", SinkPostgres)
	v.SetDefault("sink.returning", true)

	// Keys without a meaningful default still need registering so that
	// AutomaticEnv can populate them during Unmarshal.
	for _, key := range []string{
		"mqtt.broker_url", "mqtt.username", "mqtt.password",
		"mqtt.ca_cert_file", "mqtt.client_cert_file", "mqtt.client_key_file",
		"registry.file", "registry.table", "registry.redis_url",
		"sink.table", "database.dsn",
		"bigquery.project_id", "bigquery.dataset_id", "bigquery.table_id", "bigquery.credentials_file",
		"topics.variant_a_prefix",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("mqtt.insecure_skip_verify", false)
}

// LoadConfig resolves configuration from defaults, an optional YAML file,
// INGEST_* environment variables and finally command-line flags.
func LoadConfig(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		// It's okay if the config file doesn't exist, we can rely on flags/env.
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flagName, key := range flagKeys {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
				}
			}
		}
		if f := fs.Lookup("registry-file"); f != nil && f.Changed {
			v.Set("registry.source", RegistrySourceFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed by the selected backends.
func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.BrokerURL == "" {
		errs = append(errs, errors.New("mqtt.broker_url is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	switch c.Registry.Source {
	case RegistrySourceSQL:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the sql registry"))
		}
	case RegistrySourceFile:
		if c.Registry.File == "" {
			errs = append(errs, errors.New("registry.file is required for the file registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry.source %q", c.Registry.Source))
	}
	switch c.Sink.Backend {
	case SinkPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres sink"))
		}
	case SinkBigQuery:
		if c.BigQuery.ProjectID == "" || c.BigQuery.DatasetID == "" || c.BigQuery.TableID == "" {
			errs = append(errs, errors.New("bigquery.project_id, dataset_id and table_id are required for the bigquery sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.backend %q", c.Sink.Backend))
	}
	return errors.Join(errs...)
}

// SessionConfig converts the mqtt section for the broker session.
func (c *Config) SessionConfig() mqttsession.Config {
	return mqttsession.Config{
		BrokerURL:          c.MQTT.BrokerURL,
		Port:               c.MQTT.Port,
		ClientIDPrefix:     c.MQTT.ClientIDPrefix,
		Username:           c.MQTT.Username,
		Password:           c.MQTT.Password,
		QoS:                byte(c.MQTT.QoS),
		KeepAlive:          c.MQTT.KeepAlive,
		ConnectTimeout:     c.MQTT.ConnectTimeout,
		ReconnectWaitMax:   c.MQTT.ReconnectWaitMax,
		CACertFile:         c.MQTT.CACertFile,
		ClientCertFile:     c.MQTT.ClientCertFile,
		ClientKeyFile:      c.MQTT.ClientKeyFile,
		InsecureSkipVerify: c.MQTT.InsecureSkipVerify,
	}
}

// FlusherConfig converts the flush section.
func (c *Config) FlusherConfig() flusher.Config {
	return flusher.Config{
		Interval:  c.Flush.Interval,
		ChunkSize: c.Flush.ChunkSize,
		Timeout:   c.Flush.Timeout,
	}
}

// CoordinatorConfig converts the event loop settings.
func (c *Config) CoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		FlushInterval: c.Flush.Interval,
		QueueCapacity: c.MQTT.QueueCapacity,
	}
}

// BigQueryConfig converts the bigquery section.
func (c *Config) BigQueryConfig() bqstore.Config {
	return bqstore.Config{
		ProjectID:       c.BigQuery.ProjectID,
		DatasetID:       c.BigQuery.DatasetID,
		TableID:         c.BigQuery.TableID,
		CredentialsFile: c.BigQuery.CredentialsFile,
	}
}
