// Package config loads gateway settings from an optional file, CTPGW_
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/luxfi/ctpgw/pkg/gateway"
)

const EnvPrefix = "CTPGW"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	BrokerID    string   `mapstructure:"broker_id"`
	UserID      string   `mapstructure:"user_id"`
	Password    string   `mapstructure:"password"`
	AppID       string   `mapstructure:"app_id"`
	AuthCode    string   `mapstructure:"auth_code"`
	ProductInfo string   `mapstructure:"product_info"`
	MdAddress   string   `mapstructure:"md_address"`
	TdAddress   string   `mapstructure:"td_address"`
	Instruments []string `mapstructure:"instruments"`

	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	LoginTimeout      time.Duration `mapstructure:"login_timeout"`
	SettlementTimeout time.Duration `mapstructure:"settlement_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`

	LogLevel string `mapstructure:"log_level"`
	Sim      bool   `mapstructure:"sim"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	NATS    NATSConfig    `mapstructure:"nats"`
	ZMQ     ZMQConfig     `mapstructure:"zmq"`
	Journal JournalConfig `mapstructure:"journal"`
}

// HTTPConfig ports; zero disables the listener.
type HTTPConfig struct {
	RPCPort     int `mapstructure:"rpc_port"`
	WSPort      int `mapstructure:"ws_port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// NATSConfig selects the NATS sidecar front when URL is set.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type ZMQConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// JournalConfig places the order journal; an empty dir keeps it in memory.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Sim {
		return nil
	}
	if c.BrokerID == "" {
		return fmt.Errorf("%w: broker_id is required", ErrInvalid)
	}
	if c.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalid)
	}
	// The gateway waits for both channels, so a lone front never connects.
	if c.NATS.URL == "" {
		if c.MdAddress == "" {
			return fmt.Errorf("%w: md_address is required", ErrInvalid)
		}
		if c.TdAddress == "" {
			return fmt.Errorf("%w: td_address is required", ErrInvalid)
		}
	}
	for name, port := range map[string]int{
		"http.rpc_port":     c.HTTP.RPCPort,
		"http.ws_port":      c.HTTP.WSPort,
		"http.metrics_port": c.HTTP.MetricsPort,
		"grpc.port":         c.GRPC.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s out of range: %d", ErrInvalid, name, port)
		}
	}
	return nil
}

// GatewayConfig maps the loaded settings onto the facade's config.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		BrokerID:          c.BrokerID,
		UserID:            c.UserID,
		Password:          c.Password,
		AppID:             c.AppID,
		AuthCode:          c.AuthCode,
		ProductInfo:       c.ProductInfo,
		MdAddress:         c.MdAddress,
		TdAddress:         c.TdAddress,
		ConnectTimeout:    c.ConnectTimeout,
		LoginTimeout:      c.LoginTimeout,
		SettlementTimeout: c.SettlementTimeout,
		PollInterval:      c.PollInterval,
	}
}

// Every key is given a default so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("broker_id", "")
	v.SetDefault("user_id", "")
	v.SetDefault("password", "")
	v.SetDefault("app_id", "")
	v.SetDefault("auth_code", "")
	v.SetDefault("product_info", "")
	v.SetDefault("md_address", "")
	v.SetDefault("td_address", "")
	v.SetDefault("instruments", []string{})

	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("login_timeout", 30*time.Second)
	v.SetDefault("settlement_timeout", 10*time.Second)
	v.SetDefault("poll_interval", time.Second)

	v.SetDefault("log_level", "info")
	v.SetDefault("sim", false)

	v.SetDefault("http.rpc_port", 8080)
	v.SetDefault("http.ws_port", 8081)
	v.SetDefault("http.metrics_port", 9090)
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "ctp")
	v.SetDefault("zmq.endpoint", "")
	v.SetDefault("journal.dir", "")
}
