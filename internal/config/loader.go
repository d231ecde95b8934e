package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "WIRERELAY"
	envConfigDefaultPath = envPrefix + "_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load resolves the config path and layers defaults, the config file and
// WIRERELAY_* env vars, in that order. A missing file is created from defaults.
// Flags are applied by the caller through UpdateFrom.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()
	path := resolveConfigPath(explicitPath)

	v := newViper(cfg)
	v.SetConfigFile(path)

	if err := readOrCreate(v, path, cfg, logger); err != nil {
		return cfg, path, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, path, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, path, nil
}

// defaultValues maps every config key to its value in cfg. Keys unknown to
// viper are not resolved from the environment, so each field needs an entry.
func defaultValues(cfg Config) map[string]any {
	return map[string]any{
		"addr":                  cfg.Addr,
		"read_header_timeout":   cfg.ReadHeaderTimeout,
		"shutdown_timeout":      cfg.ShutdownTimeout,
		"log_level":             cfg.LogLevel,
		"log_format":            cfg.LogFormat,
		"database_path":         cfg.DatabasePath,
		"jwt_secret":            cfg.JWTSecret,
		"jwt_issuer":            cfg.JWTIssuer,
		"jwt_audience":          cfg.JWTAudience,
		"jwt_ttl":               cfg.JWTTTL,
		"max_message_bytes":     cfg.MaxMessageBytes,
		"write_timeout":         cfg.WriteTimeout,
		"heartbeat_interval":    cfg.HeartbeatInterval,
		"heartbeat_timeout":     cfg.HeartbeatTimeout,
		"rate_limit_per_minute": cfg.RateLimitPerMinute,
		"allowed_origins":       cfg.AllowedOrigins,
	}
}

func newViper(cfg Config) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaultValues(cfg) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// envName is the variable that overrides key, e.g. WIRERELAY_HEARTBEAT_TIMEOUT.
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// readOrCreate reads the config file at path. When it does not exist yet a
// default one is written first. Failing to write it only costs the file: the
// defaults and env vars still apply.
func readOrCreate(v *viper.Viper, path string, cfg Config, logger *zerolog.Logger) error {
	_, statErr := os.Stat(path)
	switch {
	case errors.Is(statErr, os.ErrNotExist):
		if err := writeDefaultConfig(path, cfg); err != nil {
			logWarn(logger, err, path, "failed to write default config")
			return nil
		}
		if logger != nil {
			logger.Info().Str("path", path).Msg("created default config")
		}
	case statErr != nil:
		return fmt.Errorf("stat config: %w", statErr)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			logWarn(logger, err, path, "config file vanished before read")
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func logWarn(logger *zerolog.Logger, err error, path, msg string) {
	if logger != nil {
		logger.Warn().Err(err).Str("path", path).Msg(msg)
	}
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, defaultConfigName)
	}
	return defaultConfigName
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
