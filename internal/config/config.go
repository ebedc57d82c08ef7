// Package config holds daemon settings loaded from defaults, an optional YAML
// file, and command-line flags (applied by the caller).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/hysteresis-output/internal/gpio"
)

// Config is the daemon configuration.
type Config struct {
	Poll      time.Duration `yaml:"poll"`
	OnHold    time.Duration `yaml:"on_hold"`
	OffHold   time.Duration `yaml:"off_hold"`
	Heartbeat time.Duration `yaml:"heartbeat"`

	GPIO GPIOConfig `yaml:"gpio"`
	MQTT MQTTConfig `yaml:"mqtt"`
	HTTP HTTPConfig `yaml:"http"`
	Log  LogConfig  `yaml:"log"`
}

// GPIOConfig selects the input and output lines.
type GPIOConfig struct {
	Chip      string `yaml:"chip"`
	PinIn     int    `yaml:"pin_in"`
	PinOut    int    `yaml:"pin_out"`
	ActiveLow bool   `yaml:"active_low"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	// WSBroker is the websocket URL handed to the browser UI.
	// "=broker" derives it from Broker, "off" disables.
	WSBroker string `yaml:"ws_broker"`
}

// HTTPConfig configures the status server. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the built-in configuration: rain-sensor style latching with
// a long on-hold and a short off-hold.
func Default() Config {
	return Config{
		Poll:      100 * time.Millisecond,
		OnHold:    5 * time.Minute,
		OffHold:   time.Minute,
		Heartbeat: 15 * time.Minute,
		GPIO: GPIOConfig{
			Chip:   gpio.DefaultChip,
			PinIn:  gpio.DefaultPinIn,
			PinOut: gpio.DefaultPinOut,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://192.168.1.200:1883",
			TopicPrefix: "home/rain/output",
			WSBroker:    "=broker",
		},
		HTTP: HTTPConfig{Addr: ":80"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving unset keys untouched.
// Durations accept Go duration strings ("250ms", "5m").
func Parse(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

// ValidationError reports an invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	if c.Poll <= 0 {
		return &ValidationError{Field: "poll", Message: "must be positive"}
	}
	if c.OnHold < 0 {
		return &ValidationError{Field: "on_hold", Message: "must not be negative"}
	}
	if c.OffHold < 0 {
		return &ValidationError{Field: "off_hold", Message: "must not be negative"}
	}
	if c.Heartbeat < 0 {
		return &ValidationError{Field: "heartbeat", Message: "must not be negative (0 disables)"}
	}
	if c.GPIO.Chip == "" {
		return &ValidationError{Field: "gpio.chip", Message: "must be set"}
	}
	if c.GPIO.PinIn < 0 || c.GPIO.PinOut < 0 {
		return &ValidationError{Field: "gpio", Message: "pins must not be negative"}
	}
	if c.GPIO.PinIn == c.GPIO.PinOut {
		return &ValidationError{Field: "gpio", Message: fmt.Sprintf("input and output share pin %d", c.GPIO.PinIn)}
	}
	if c.MQTT.TopicPrefix == "" {
		return &ValidationError{Field: "mqtt.topic_prefix", Message: "must be set"}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return &ValidationError{Field: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}
