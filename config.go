// Copyright 2025 StageMQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stagemq

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stagemq/stagemq-go/contracts"
)

// Config holds all configuration for a stagemq client.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Publisher PublisherConfig `yaml:"publisher"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Log       LogConfig       `yaml:"log"`
}

// BrokerConfig holds the AMQP broker connection settings.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	TLS      bool   `yaml:"tls"`
	Exchange string `yaml:"exchange"`
}

// PublisherConfig holds outbound delivery settings.
type PublisherConfig struct {
	// RoutingKey pins every publish to one key. Empty means each event
	// routes by its own addressing attributes.
	RoutingKey string `yaml:"routing_key"`

	// Source is the default provenance stamped onto outgoing events.
	Source contracts.Source `yaml:"source"`

	// ResendInterval is how often unconfirmed deliveries are retried.
	ResendInterval time.Duration `yaml:"resend_interval"`
}

// ConsumerConfig holds inbound dispatch settings.
type ConsumerConfig struct {
	Queue        string `yaml:"queue"`
	BindingKey   string `yaml:"binding_key"`
	Durable      bool   `yaml:"durable"`
	Prefetch     int    `yaml:"prefetch"`
	MaxWorkers   int    `yaml:"max_workers"`
	MaxQueued    int    `yaml:"max_queued"`
	RequeueLimit int    `yaml:"requeue_limit"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:     "localhost",
			Port:     5672,
			Username: "guest",
			Password: "guest",
			VHost:    "/",
			Exchange: "amq.topic",
		},
		Publisher: PublisherConfig{
			ResendInterval: time.Second,
		},
		Consumer: ConsumerConfig{
			BindingKey:   "#",
			Durable:      true,
			Prefetch:     4,
			MaxWorkers:   100,
			MaxQueued:    100,
			RequeueLimit: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from a YAML file and applies STAGEMQ_*
// environment overrides. A missing file yields the defaults, so deployments
// can run on environment variables alone.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("STAGEMQ_BROKER_HOST", &c.Broker.Host)
	setInt("STAGEMQ_BROKER_PORT", &c.Broker.Port)
	setString("STAGEMQ_BROKER_USERNAME", &c.Broker.Username)
	setString("STAGEMQ_BROKER_PASSWORD", &c.Broker.Password)
	setString("STAGEMQ_BROKER_VHOST", &c.Broker.VHost)
	setBool("STAGEMQ_BROKER_TLS", &c.Broker.TLS)
	setString("STAGEMQ_BROKER_EXCHANGE", &c.Broker.Exchange)
	setString("STAGEMQ_PUBLISHER_ROUTING_KEY", &c.Publisher.RoutingKey)
	setString("STAGEMQ_PUBLISHER_DOMAIN", &c.Publisher.Source.DomainID)
	setString("STAGEMQ_CONSUMER_QUEUE", &c.Consumer.Queue)
	setString("STAGEMQ_CONSUMER_BINDING_KEY", &c.Consumer.BindingKey)
	setInt("STAGEMQ_CONSUMER_PREFETCH", &c.Consumer.Prefetch)
	setString("STAGEMQ_LOG_LEVEL", &c.Log.Level)
	setString("STAGEMQ_LOG_FORMAT", &c.Log.Format)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host cannot be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be in (0, 65535]")
	}
	if c.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange cannot be empty")
	}
	if c.Consumer.Prefetch < 0 {
		return fmt.Errorf("consumer.prefetch cannot be negative")
	}
	if c.Consumer.MaxWorkers <= 0 {
		return fmt.Errorf("consumer.max_workers must be positive")
	}
	if c.Consumer.MaxQueued < 0 {
		return fmt.Errorf("consumer.max_queued cannot be negative")
	}
	if c.Consumer.RequeueLimit < 0 {
		return fmt.Errorf("consumer.requeue_limit cannot be negative")
	}
	if c.Publisher.ResendInterval < 0 {
		return fmt.Errorf("publisher.resend_interval cannot be negative")
	}
	return nil
}

// URI builds the AMQP connection URI from the broker settings.
func (b BrokerConfig) URI() string {
	scheme := "amqp"
	if b.TLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", b.Host, b.Port),
	}
	if b.Username != "" {
		u.User = url.UserPassword(b.Username, b.Password)
	}
	switch b.VHost {
	case "", "/":
		u.Path = "/"
	default:
		u.Path = "/" + b.VHost
	}
	return u.String()
}

// Logger builds a slog.Logger from the log settings.
func (l LogConfig) Logger() *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
