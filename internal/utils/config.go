package utils

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/motion-tracker/pkg/file"
)

// SupportedConfigVersions is the range of configuration schema versions this build reads.
const SupportedConfigVersions = ">= 1.0.0, < 2.0.0"

// Permission modes
const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
	PermissionDevice  = "device"
	PermissionPrompt  = "prompt"
)

// Location providers
const (
	ProviderGPS    = "gps"
	ProviderGoogle = "google"
)

// SensorConfig describes where samples for one motion sensor kind are published.
type SensorConfig struct {
	Topic string `yaml:"topic"` // MQTT topic carrying the samples; empty means the sensor is absent
}

// Config represents the structure of the configuration file.
type Config struct {
	Version string `yaml:"version"` // Configuration schema version (semver)

	Log struct {
		Level  string `yaml:"level"`  // zerolog level name
		Pretty bool   `yaml:"pretty"` // Human readable console output instead of JSON
	} `yaml:"log"`

	MQTT struct {
		Broker         string        `yaml:"broker"`          // MQTT broker address
		ClientID       string        `yaml:"client_id"`       // MQTT client ID prefix
		CACertificate  string        `yaml:"ca_certificate"`  // Path to the CA certificate, enables TLS
		Username       string        `yaml:"username"`        // Optional broker username
		Password       string        `yaml:"password"`        // Optional broker password
		ConnectTimeout time.Duration `yaml:"connect_timeout"` // Timeout for the initial connection
	} `yaml:"mqtt"`

	Permission struct {
		Mode string `yaml:"mode"` // granted, denied, device or prompt
	} `yaml:"permission"`

	Location struct {
		Enabled        bool          `yaml:"enabled"`         // Enable/disable location display
		Provider       string        `yaml:"provider"`        // gps or google
		AcquireTimeout time.Duration `yaml:"acquire_timeout"` // How long a one-shot reading may wait for a fix

		GPS struct {
			Port     string `yaml:"port"`      // UNIX Port where the GPS sensor is mounted
			BaudRate int    `yaml:"baud_rate"` // The Baud rate for GPS sensor
		} `yaml:"gps"`

		Google struct {
			APIKey     string        `yaml:"api_key"`     // Google maps API Key
			Interval   time.Duration `yaml:"interval"`    // Interval between geo-location lookups
			ModemIndex int           `yaml:"modem_index"` // ModemManager index used for cell tower lookup
		} `yaml:"google"`
	} `yaml:"location"`

	Motion struct {
		Enabled bool                    `yaml:"enabled"` // Enable/disable motion sensors
		QOS     int                     `yaml:"qos"`     // MQTT QoS level for sensor subscriptions
		Sensors map[string]SensorConfig `yaml:"sensors"` // Keyed by accelerometer, gyroscope, magnetometer
	} `yaml:"motion"`
}

// LoadConfig loads the YAML configuration from the specified file.
// Defaults are applied before validation.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}

	return &config, nil
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "motion-tracker"
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.Permission.Mode == "" {
		c.Permission.Mode = PermissionPrompt
	}
	if c.Location.Provider == "" {
		c.Location.Provider = ProviderGPS
	}
	if c.Location.AcquireTimeout == 0 {
		c.Location.AcquireTimeout = 5 * time.Second
	}
	if c.Location.GPS.BaudRate == 0 {
		c.Location.GPS.BaudRate = 9600
	}
	if c.Location.Google.Interval == 0 {
		c.Location.Google.Interval = 30 * time.Second
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	version, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("version %q: %w", c.Version, err)
	}
	supported, err := semver.NewConstraint(SupportedConfigVersions)
	if err != nil {
		return err
	}
	if !supported.Check(version) {
		return fmt.Errorf("version %s is not within %s", version, SupportedConfigVersions)
	}

	modes := SliceToSet([]string{PermissionGranted, PermissionDenied, PermissionDevice, PermissionPrompt})
	if _, ok := modes[c.Permission.Mode]; !ok {
		return fmt.Errorf("unknown permission mode %q", c.Permission.Mode)
	}

	if c.Location.Enabled {
		if c.Location.AcquireTimeout < 0 {
			return fmt.Errorf("location.acquire_timeout %s must not be negative", c.Location.AcquireTimeout)
		}
		switch c.Location.Provider {
		case ProviderGPS:
			if c.Location.GPS.Port == "" {
				return errors.New("location.gps.port is required for the gps provider")
			}
		case ProviderGoogle:
			if c.Location.Google.APIKey == "" {
				return errors.New("location.google.api_key is required for the google provider")
			}
			if c.Location.Google.Interval <= 0 {
				return fmt.Errorf("location.google.interval %s must be positive", c.Location.Google.Interval)
			}
			if c.Permission.Mode == PermissionDevice {
				return errors.New("permission mode device needs the gps provider")
			}
		default:
			return fmt.Errorf("unknown location provider %q", c.Location.Provider)
		}
	}

	if c.Motion.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when motion is enabled")
		}
		if c.Motion.QOS < 0 || c.Motion.QOS > 2 {
			return fmt.Errorf("motion.qos %d out of range", c.Motion.QOS)
		}
		kinds := SliceToSet([]string{"accelerometer", "gyroscope", "magnetometer"})
		names := make([]string, 0, len(c.Motion.Sensors))
		for name := range c.Motion.Sensors {
			if _, ok := kinds[name]; !ok {
				return fmt.Errorf("unknown motion sensor %q", name)
			}
			names = append(names, name)
		}
		sort.Strings(names)

		owners := make(map[string]string, len(names))
		for _, name := range names {
			topic := c.Motion.Sensors[name].Topic
			if topic == "" {
				continue
			}
			if other, ok := owners[topic]; ok {
				return fmt.Errorf("motion sensors %q and %q share topic %q", other, name, topic)
			}
			owners[topic] = name
		}
	}

	return nil
}
