package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the signalctl configuration
type Config struct {
	Signaling SignalingConfig `yaml:"signaling"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SignalingConfig represents the websocket side of the server
type SignalingConfig struct {
	URL              string            `yaml:"url" validate:"required,url"`
	ReconnectDelay   time.Duration     `yaml:"reconnect_delay" validate:"gt=0"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout" validate:"gte=0"`
	Headers          map[string]string `yaml:"headers"`
	ClientID         string            `yaml:"client_id"`
}

// APIConfig represents the REST registration API
type APIConfig struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig represents the Prometheus endpoint
type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Signaling: SignalingConfig{
			URL:              "ws://localhost:8080/ws",
			ReconnectDelay:   3 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		API: APIConfig{
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load loads the configuration from a file. An empty path skips the file and
// starts from the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		// Read the configuration file
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}

		// Parse the configuration
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}

	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return config, nil
}

// applyEnvironmentOverrides applies environment overrides
func applyEnvironmentOverrides(config *Config) error {
	if u := os.Getenv("SIGNALING_URL"); u != "" {
		config.Signaling.URL = u
	}

	if d := os.Getenv("SIGNALING_RECONNECT_DELAY"); d != "" {
		v, err := time.ParseDuration(d)
		if err != nil {
			return errors.Wrap(err, "SIGNALING_RECONNECT_DELAY")
		}
		config.Signaling.ReconnectDelay = v
	}

	if id := os.Getenv("SIGNALING_CLIENT_ID"); id != "" {
		config.Signaling.ClientID = id
	}

	if u := os.Getenv("SIGNALING_API_URL"); u != "" {
		config.API.BaseURL = u
	}

	if t := os.Getenv("SIGNALING_API_TIMEOUT"); t != "" {
		// Plain integers are seconds.
		if n, err := strconv.Atoi(t); err == nil {
			config.API.Timeout = time.Duration(n) * time.Second
		} else {
			v, err := time.ParseDuration(t)
			if err != nil {
				return errors.Wrap(err, "SIGNALING_API_TIMEOUT")
			}
			config.API.Timeout = v
		}
	}

	// Log level
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Log.Format = format
	}

	// Metrics address
	if addr := os.Getenv("METRICS_ADDRESS"); addr != "" {
		config.Metrics.Address = addr
	}

	return nil
}
