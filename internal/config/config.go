package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay server runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	AdminAddress        string        `mapstructure:"admin_address"`
	LogLevel            string        `mapstructure:"log_level"`
	LogIncoming         bool          `mapstructure:"log_incoming"`
	LogOutgoing         bool          `mapstructure:"log_outgoing"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	AcceptedOrigins     []string      `mapstructure:"accepted_origins"`
	AcceptedProtocols   []string      `mapstructure:"accepted_protocols"`
	PublicRealmCount    int           `mapstructure:"public_realm_count"`
	DataPath            string        `mapstructure:"data_path"`
	EntityPath          string        `mapstructure:"entity_path"`
	BufferPath          string        `mapstructure:"buffer_path"`
	MaxBufferSize       int           `mapstructure:"max_buffer_size"`
	EnforceSetCap       bool          `mapstructure:"enforce_set_cap"`
	BufferSweepInterval time.Duration `mapstructure:"buffer_sweep_interval"`
	JWT                 JWTConfig     `mapstructure:"jwt"`
}

// JWTConfig describes how identity tokens are verified.
type JWTConfig struct {
	PublicKeyFile       string `mapstructure:"public_key_file"`
	Issuer              string `mapstructure:"issuer"`
	Audience            string `mapstructure:"audience"`
	NameClaim           string `mapstructure:"name_claim"`
	RolesClaim          string `mapstructure:"roles_claim"`
	AdminRoleName       string `mapstructure:"admin_role_name"`
	IgnoreExpiredTokens bool   `mapstructure:"ignore_expired_tokens"`
}

const (
	defaultListenAddress       = "0.0.0.0:8694"
	defaultAdminAddress        = "127.0.0.1:8695"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultPublicRealmCount    = 64
	defaultDataPath            = "data"
	defaultEntityPath          = "data/entities"
	defaultBufferPath          = "data/buffers"
	defaultMaxBufferSize       = 1 << 20
	defaultBufferSweepInterval = 5 * time.Minute
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with WSRELAY_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WSRELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("accepted_origins", []string{"*"})
	v.SetDefault("accepted_protocols", []string{"*"})
	v.SetDefault("public_realm_count", defaultPublicRealmCount)
	v.SetDefault("data_path", defaultDataPath)
	v.SetDefault("entity_path", defaultEntityPath)
	v.SetDefault("buffer_path", defaultBufferPath)
	v.SetDefault("max_buffer_size", defaultMaxBufferSize)
	v.SetDefault("enforce_set_cap", false)
	v.SetDefault("buffer_sweep_interval", defaultBufferSweepInterval.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"buffer_sweep_interval", &cfg.BufferSweepInterval, defaultBufferSweepInterval},
	} {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = dur
		} else {
			*d.dst = d.def
		}
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.PublicRealmCount < 0 {
		return Config{}, fmt.Errorf("public_realm_count must be non-negative, got %d", cfg.PublicRealmCount)
	}
	if cfg.MaxBufferSize <= 0 {
		return Config{}, fmt.Errorf("max_buffer_size must be positive, got %d", cfg.MaxBufferSize)
	}
	if len(cfg.AcceptedProtocols) == 0 {
		return Config{}, fmt.Errorf("accepted_protocols must not be empty")
	}

	return cfg, nil
}

// AcceptsAllOrigins reports whether the origin allow-list contains the wildcard.
func (c Config) AcceptsAllOrigins() bool {
	for _, origin := range c.AcceptedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

// AcceptsProtocol reports whether the given subprotocol is allow-listed.
func (c Config) AcceptsProtocol(proto string) bool {
	for _, p := range c.AcceptedProtocols {
		if p == "*" || p == proto {
			return true
		}
	}
	return false
}
