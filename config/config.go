package config

import (
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type AdminConfig struct {
	Address string `mapstructure:"address"`
}

type HealthCheckConfig struct {
	Interval    string `mapstructure:"interval"`
	Timeout     string `mapstructure:"timeout"`
	Path        string `mapstructure:"path"`
	Concurrency int    `mapstructure:"concurrency"`
}

type TimeoutsConfig struct {
	Connect     string `mapstructure:"connect"`
	BackendRead string `mapstructure:"backend_read"`
	ClientRead  string `mapstructure:"client_read"`
	ClientWrite string `mapstructure:"client_write"`
}

type LimitsConfig struct {
	MaxHeaderBytes int     `mapstructure:"max_header_bytes"`
	MaxBodyBytes   int64   `mapstructure:"max_body_bytes"`
	AcceptRate     float64 `mapstructure:"accept_rate"`
	AcceptBurst    int     `mapstructure:"accept_burst"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Verbosity int    `mapstructure:"verbosity"`
}

type MetricsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Backends    []string          `mapstructure:"backends"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// Load reads config.yaml from ./config or the working directory, applies
// environment overrides (server.address -> SERVER_ADDRESS) and validates
// the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", "127.0.0.1:9876")
	v.SetDefault("admin.address", "127.0.0.1:9877")
	v.SetDefault("backends", []string{"127.0.0.1:8080", "127.0.0.1:8081", "127.0.0.1:8082"})
	v.SetDefault("health_check.interval", "1m")
	v.SetDefault("health_check.timeout", "5s")
	v.SetDefault("health_check.path", "/")
	v.SetDefault("health_check.concurrency", 8)
	v.SetDefault("timeouts.connect", "3s")
	v.SetDefault("timeouts.backend_read", "30s")
	v.SetDefault("timeouts.client_read", "15s")
	v.SetDefault("timeouts.client_write", "15s")
	v.SetDefault("limits.max_header_bytes", 1<<20)
	v.SetDefault("limits.max_body_bytes", 64<<20)
	v.SetDefault("limits.accept_rate", 0)
	v.SetDefault("limits.accept_burst", 100)
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.verbosity", 1)
	v.SetDefault("metrics.buffer_size", 1024)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address, validation.By(validateHostPort)),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.Required, validation.By(validateHostPort)),
			validation.By(validateUnique),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval, validation.Required, validation.By(validateDuration)),
					validation.Field(&hc.Timeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&hc.Path,
						validation.Required,
						validation.By(func(value interface{}) error {
							if p, _ := value.(string); !strings.HasPrefix(p, "/") {
								return validation.NewError("validation_invalid_path", "must start with /")
							}
							return nil
						}),
					),
					validation.Field(&hc.Concurrency, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Timeouts,
			validation.Required,
			validation.By(func(value interface{}) error {
				tc, ok := value.(TimeoutsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a TimeoutsConfig")
				}
				return validation.ValidateStruct(&tc,
					validation.Field(&tc.Connect, validation.Required, validation.By(validateDuration)),
					validation.Field(&tc.BackendRead, validation.Required, validation.By(validateDuration)),
					validation.Field(&tc.ClientRead, validation.Required, validation.By(validateDuration)),
					validation.Field(&tc.ClientWrite, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Limits,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LimitsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LimitsConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.MaxHeaderBytes, validation.Required, validation.Min(1)),
					validation.Field(&lc.MaxBodyBytes, validation.Required, validation.Min(int64(0))),
					validation.Field(&lc.AcceptRate, validation.Min(float64(0))),
					validation.Field(&lc.AcceptBurst, validation.Min(0)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
					validation.Field(&lc.Verbosity, validation.Min(0), validation.Max(3)),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.BufferSize, validation.Required, validation.Min(1)),
				)
			}),
		),
	)
}

// Duration parses a duration field that Validate has already checked.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if err := is.Port.Validate(port); err != nil {
		return validation.NewError("validation_invalid_port", "invalid port")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateUnique(value interface{}) error {
	addrs, ok := value.([]string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of strings")
	}

	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, dup := seen[addr]; dup {
			return validation.NewError("validation_duplicate_backend", "duplicate backend "+addr)
		}
		seen[addr] = struct{}{}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be positive")
	}

	return nil
}
