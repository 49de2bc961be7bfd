package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"i4.energy/across/smartgsm/modem"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem, 19200 unless overridden
	BaudRate int `yaml:"baud_rate"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// LogFormat selects the log handler, "json" or "text"
	LogFormat string `yaml:"log_format"`
	// SimPIN is the SIM card PIN code
	SimPIN string `yaml:"sim_pin"`

	MinSendInterval  time.Duration `yaml:"min_send_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	ATTimeout        time.Duration `yaml:"at_timeout"`
	InitTimeout      time.Duration `yaml:"init_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	USSDTimeout      time.Duration `yaml:"ussd_timeout"`
	USSDFallbackCode string        `yaml:"ussd_fallback_code"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the optional MQTT bridge. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = modem.DefaultBaudRate
		c.LogLevel = "info"
		c.LogFormat = "json"
		c.MinSendInterval = 10 * time.Second
		c.MaxRetries = 5
		c.ATTimeout = 5 * time.Second
		c.InitTimeout = 30 * time.Second
		c.SendTimeout = 60 * time.Second
		c.USSDTimeout = 30 * time.Second
		c.MQTT.ClientID = "smartgsm"
		c.MQTT.TopicPrefix = "smartgsm"
		return nil
	}
}

// WithFile overlays the YAML file at path. An empty path is ignored, a
// missing file is not.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("config file %s not found", path)
			}
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if format := os.Getenv("LOG_FORMAT"); format != "" {
			c.LogFormat = format
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if interval := os.Getenv("MIN_SEND_INTERVAL"); interval != "" {
			if d, err := time.ParseDuration(interval); err == nil {
				c.MinSendInterval = d
			}
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTT.Broker = broker
		}

		if id := os.Getenv("MQTT_CLIENT_ID"); id != "" {
			c.MQTT.ClientID = id
		}

		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTT.Username = user
		}

		if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
			c.MQTT.Password = pass
		}

		if prefix := os.Getenv("MQTT_TOPIC_PREFIX"); prefix != "" {
			c.MQTT.TopicPrefix = prefix
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags. Only flags set
// explicitly override earlier sources.
func WithFlags(fSet *pflag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				b, convErr := strconv.Atoi(f.Value.String())
				if convErr != nil {
					err = fmt.Errorf("invalid baud rate %q", f.Value.String())
					return
				}
				c.BaudRate = b
			case "log-level":
				c.LogLevel = f.Value.String()
			case "log-format":
				c.LogFormat = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "mqtt-broker":
				c.MQTT.Broker = f.Value.String()
			case "mqtt-topic-prefix":
				c.MQTT.TopicPrefix = f.Value.String()
			}
		})
		return err
	}
}
