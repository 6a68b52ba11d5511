package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"meshcast/internal/utils"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const configFileName = "meshcast.yml"

type MainConfig struct {
	NodeName     string          `yaml:"node_name" validate:"required,max=255"`
	FriendlyName string          `yaml:"friendly_name" validate:"max=255"`
	GroupAddress string          `yaml:"group_address" validate:"required,ip"`
	Port         int             `yaml:"port" validate:"required,min=1,max=65535"`
	Interface    string          `yaml:"interface"`
	TTL          int             `yaml:"ttl" validate:"min=0,max=255"`
	LogPath      string          `yaml:"log_path"`
	LogLevel     string          `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr  string          `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Transport    TransportConfig `yaml:"transport"`
}

type TransportConfig struct {
	ReplayWindow      time.Duration     `yaml:"replay_window" validate:"gt=0"`
	MaxFutureSkew     time.Duration     `yaml:"max_future_skew" validate:"gte=0"`
	ReplayIdleTimeout time.Duration     `yaml:"replay_idle_timeout" validate:"gt=0"`
	GapTimeout        time.Duration     `yaml:"gap_timeout" validate:"gt=0"`
	MaxQueued         int               `yaml:"max_queued" validate:"min=1"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval" validate:"gte=0"`
	AutoAck           bool              `yaml:"auto_ack"`
	RemoveOnFirstAck  bool              `yaml:"remove_on_first_ack"`
	AckTimeout        time.Duration     `yaml:"ack_timeout" validate:"gt=0"`
	AckBurst          int               `yaml:"ack_burst" validate:"min=1"`
	AckRefill         string            `yaml:"ack_refill" validate:"required"`
	Ordering          bool              `yaml:"ordering"`
	Encryption        bool              `yaml:"encryption"`
	SecurityKey       string            `yaml:"security_key" validate:"required_if=Encryption true,omitempty,hexadecimal,min=32"`
	RekeyGrace        time.Duration     `yaml:"rekey_grace" validate:"gte=0"`
	DispatchLanes     int               `yaml:"dispatch_lanes" validate:"min=1,max=1024"`
	ReceiveOwn        bool              `yaml:"receive_own"`
	ShutdownTimeout   time.Duration     `yaml:"shutdown_timeout" validate:"gt=0"`
	Metadata          map[string]string `yaml:"metadata"`
}

// DefaultConfig returns a configuration that passes validation with
// encryption disabled.
func DefaultConfig() *MainConfig {
	host, _ := os.Hostname()
	if host == "" {
		host = "meshcast"
	}
	return &MainConfig{
		NodeName:     host,
		GroupAddress: "239.255.77.77",
		Port:         27777,
		TTL:          1,
		LogLevel:     "info",
		Transport: TransportConfig{
			ReplayWindow:      5 * time.Minute,
			MaxFutureSkew:     2 * time.Minute,
			ReplayIdleTimeout: 10 * time.Minute,
			GapTimeout:        200 * time.Millisecond,
			MaxQueued:         1024,
			HeartbeatInterval: 5 * time.Second,
			AutoAck:           true,
			RemoveOnFirstAck:  true,
			AckTimeout:        5 * time.Second,
			AckBurst:          10,
			AckRefill:         "1/1s",
			Ordering:          true,
			RekeyGrace:        30 * time.Second,
			DispatchLanes:     8,
			ShutdownTimeout:   5 * time.Second,
		},
	}
}

// LoadMainConfig reads <basePath>/config/meshcast.yml over the defaults. An
// empty basePath means the executable's directory.
func LoadMainConfig(basePath string) (*MainConfig, error) {
	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", configFileName)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return ParseMainConfig(data)
}

func ParseMainConfig(data []byte) (*MainConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *MainConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, _, err := utils.ParseRate(c.Transport.AckRefill); err != nil {
		return fmt.Errorf("invalid config: ack_refill: %w", err)
	}
	return nil
}

// Key decodes the hex security key. It returns nil when none is configured.
func (t *TransportConfig) Key() ([]byte, error) {
	if t.SecurityKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(t.SecurityKey)
	if err != nil {
		return nil, fmt.Errorf("security_key: %w", err)
	}
	return key, nil
}

// AckRefillPerSecond converts ack_refill into tokens per second.
func (t *TransportConfig) AckRefillPerSecond() float64 {
	count, per, err := utils.ParseRate(t.AckRefill)
	if err != nil {
		return 1
	}
	return utils.PerSecond(count, per)
}
