// Package config loads process configuration from a YAML file, environment
// variables, and defaults, using Viper.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/nullwire/tunnelcore/internal/apperr"
)

// ServerConfig holds settings for the tunneld binary.
type ServerConfig struct {
	ListenAddr           string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	DatabasePath         string        `mapstructure:"database_path" validate:"required"`
	AdminKeyHash         string        `mapstructure:"admin_key_hash"`
	AdminListenAddr      string        `mapstructure:"admin_listen_addr"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	PendingTimeout       time.Duration `mapstructure:"pending_timeout"`
	TrafficFlushInterval time.Duration `mapstructure:"traffic_flush_interval"`
	UDPIdleTimeout       time.Duration `mapstructure:"udp_idle_timeout"`
	Logger               LoggerConfig  `mapstructure:"logger"`
}

// AgentConfig holds settings for the tunnel-agent binary.
type AgentConfig struct {
	ServerAddr               string        `mapstructure:"server_addr" validate:"required,hostname_port"`
	Token                    string        `mapstructure:"token" validate:"required"`
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval"`
	DialTimeout              time.Duration `mapstructure:"dial_timeout"`
	PendingTimeout           time.Duration `mapstructure:"pending_timeout"`
	UDPIdleTimeout           time.Duration `mapstructure:"udp_idle_timeout"`
	ReconnectInitialInterval time.Duration `mapstructure:"reconnect_initial_interval"`
	ReconnectMaxInterval     time.Duration `mapstructure:"reconnect_max_interval"`
	Logger                   LoggerConfig  `mapstructure:"logger"`
}

// LoggerConfig selects the format/level for internal/logging.New.
type LoggerConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=console json"`
}

var (
	validate  = newValidator()
	serverCfg *ServerConfig
	serverMu  sync.RWMutex
	agentCfg  *AgentConfig
	agentMu   sync.RWMutex
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadServer loads ServerConfig from configPath (if non-empty), environment
// variables prefixed TUNNELD_, and defaults.
func LoadServer(configPath string) (*ServerConfig, error) {
	v := newViper("TUNNELD", configPath)
	setServerDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal server config: %w", err)
	}
	if err := validateStruct(&cfg); err != nil {
		return nil, err
	}

	serverMu.Lock()
	serverCfg = &cfg
	serverMu.Unlock()
	return &cfg, nil
}

// LoadAgent loads AgentConfig from configPath (if non-empty), environment
// variables prefixed TUNNEL_AGENT_, and defaults.
func LoadAgent(configPath string) (*AgentConfig, error) {
	v := newViper("TUNNEL_AGENT", configPath)
	setAgentDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	if err := validateStruct(&cfg); err != nil {
		return nil, err
	}

	agentMu.Lock()
	agentCfg = &cfg
	agentMu.Unlock()
	return &cfg, nil
}

// GetServer returns the last config loaded by LoadServer.
func GetServer() *ServerConfig {
	serverMu.RLock()
	defer serverMu.RUnlock()
	return serverCfg
}

// GetAgent returns the last config loaded by LoadAgent.
func GetAgent() *AgentConfig {
	agentMu.RLock()
	defer agentMu.RUnlock()
	return agentCfg
}

func newViper(envPrefix, configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tunnelcore")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	return v
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "0.0.0.0:7000")
	v.SetDefault("database_path", "./tunnelcore.db")
	v.SetDefault("admin_listen_addr", "127.0.0.1:7001")
	v.SetDefault("heartbeat_timeout", 40*time.Second)
	v.SetDefault("pending_timeout", 10*time.Second)
	v.SetDefault("traffic_flush_interval", 30*time.Second)
	v.SetDefault("udp_idle_timeout", 90*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("dial_timeout", 10*time.Second)
	v.SetDefault("pending_timeout", 10*time.Second)
	v.SetDefault("udp_idle_timeout", 90*time.Second)
	v.SetDefault("reconnect_initial_interval", 500*time.Millisecond)
	v.SetDefault("reconnect_max_interval", 30*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
}

func validateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var msgs []string
			for _, fe := range validationErrors {
				msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
			}
			return apperr.NewValidation("invalid configuration", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
