// Package serverconfig loads meetd's configuration the way the teacher
// CLI loads its own: a viper instance bound to a TOML (or legacy YAML)
// file on disk, environment variable overrides, and fsnotify-driven hot
// reload, with cobra flags taking final precedence over anything viper
// resolved. See spec §6 for the recognized keys.
package serverconfig

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meetsync/meetd/internal/logging"
	"github.com/meetsync/meetd/internal/password"
)

// Config is the fully resolved configuration for one meetd process.
type Config struct {
	BindAddr    string
	DataDir     string
	LogLevel    string
	Debug       bool
	SessionTTL  time.Duration
	IdleTTL     time.Duration
	RelayBuffer int

	RateLimitWindow  time.Duration
	RateLimitMax     int
	AppendMaxRetries int

	Password password.Policy

	OTelExporterTarget string
}

// Defaults returns the baseline configuration used when neither a config
// file, environment variable, nor flag supplies a value.
func Defaults() Config {
	return Config{
		BindAddr:           ":7890",
		DataDir:            "./meetd-data",
		LogLevel:           "info",
		Debug:              false,
		SessionTTL:         24 * time.Hour,
		IdleTTL:            time.Hour,
		RelayBuffer:        64,
		RateLimitWindow:    time.Minute,
		RateLimitMax:       120,
		AppendMaxRetries:   5,
		Password:           password.DefaultPolicy(),
		OTelExporterTarget: "stdout",
	}
}

// keys enumerates every viper-bound config key, so BindFlags and Load stay
// in lockstep.
const (
	keyBindAddr           = "bind-addr"
	keyDataDir            = "data-dir"
	keyLogLevel           = "log-level"
	keyDebug              = "debug"
	keySessionTTL         = "session-ttl"
	keyIdleTTL            = "idle-ttl"
	keyRelayBuffer        = "relay-buffer"
	keyRateLimitWindow    = "rate-limit-window"
	keyRateLimitMax       = "rate-limit-max"
	keyAppendMaxRetries   = "append-max-retries"
	keyPasswordMinLength  = "password.min-length"
	keyPasswordUpper      = "password.require-upper"
	keyPasswordLower      = "password.require-lower"
	keyPasswordDigit      = "password.require-digit"
	keyPasswordSpecial    = "password.require-special"
	keyOTelExporterTarget = "otel-exporter"
)

// BindFlags registers every recognized key as a persistent flag on cmd,
// seeded from defaults, so `--help` documents the full configuration
// surface regardless of what a config file supplies.
func BindFlags(cmd *cobra.Command, defaults Config) {
	f := cmd.PersistentFlags()
	f.String(keyBindAddr, defaults.BindAddr, "address to bind the meet protocol listener on")
	f.String(keyDataDir, defaults.DataDir, "directory for the durable append log")
	f.String(keyLogLevel, defaults.LogLevel, "log level: debug, info, warn, error")
	f.Bool(keyDebug, defaults.Debug, "include internal error detail in client-facing error messages")
	f.Duration(keySessionTTL, defaults.SessionTTL, "absolute session lifetime")
	f.Duration(keyIdleTTL, defaults.IdleTTL, "idle session lifetime")
	f.Int(keyRelayBuffer, defaults.RelayBuffer, "per-subscriber relay bus buffer depth")
	f.Duration(keyRateLimitWindow, defaults.RateLimitWindow, "rate limit window")
	f.Int(keyRateLimitMax, defaults.RateLimitMax, "max requests per rate limit window")
	f.Int(keyAppendMaxRetries, defaults.AppendMaxRetries, "max retries for a durable append write (kept in the resolved config; the append log store does not read it and retries up to 5 times)")
	f.Int(keyPasswordMinLength, defaults.Password.MinLength, "minimum meet password length")
	f.Bool(keyPasswordUpper, defaults.Password.RequireUpper, "require an uppercase letter in meet passwords")
	f.Bool(keyPasswordLower, defaults.Password.RequireLower, "require a lowercase letter in meet passwords")
	f.Bool(keyPasswordDigit, defaults.Password.RequireDigit, "require a digit in meet passwords")
	f.Bool(keyPasswordSpecial, defaults.Password.RequireSpecial, "require a special character in meet passwords")
	f.String(keyOTelExporterTarget, defaults.OTelExporterTarget, "otel exporter target; every value, including a collector endpoint, exports to stdout")
}

// Load resolves the final configuration: flag value if explicitly set on
// cmd, else the value bound into v (file, env, or default), following the
// same precedence the teacher's root command applies per flag.
func Load(cmd *cobra.Command, v *viper.Viper) Config {
	cfg := Config{}
	flags := cmd.Flags()

	cfg.BindAddr = resolveString(flags, v, keyBindAddr)
	cfg.DataDir = resolveString(flags, v, keyDataDir)
	cfg.LogLevel = resolveString(flags, v, keyLogLevel)
	cfg.Debug = resolveBool(flags, v, keyDebug)
	cfg.SessionTTL = resolveDuration(flags, v, keySessionTTL)
	cfg.IdleTTL = resolveDuration(flags, v, keyIdleTTL)
	cfg.RelayBuffer = resolveInt(flags, v, keyRelayBuffer)
	cfg.RateLimitWindow = resolveDuration(flags, v, keyRateLimitWindow)
	cfg.RateLimitMax = resolveInt(flags, v, keyRateLimitMax)
	cfg.AppendMaxRetries = resolveInt(flags, v, keyAppendMaxRetries)
	cfg.OTelExporterTarget = resolveString(flags, v, keyOTelExporterTarget)

	cfg.Password = password.Policy{
		MinLength:      resolveInt(flags, v, keyPasswordMinLength),
		RequireUpper:   resolveBool(flags, v, keyPasswordUpper),
		RequireLower:   resolveBool(flags, v, keyPasswordLower),
		RequireDigit:   resolveBool(flags, v, keyPasswordDigit),
		RequireSpecial: resolveBool(flags, v, keyPasswordSpecial),
	}
	return cfg
}

func resolveString(flags *pflag.FlagSet, v *viper.Viper, key string) string {
	if flags.Changed(key) {
		s, _ := flags.GetString(key)
		return s
	}
	return v.GetString(key)
}

func resolveBool(flags *pflag.FlagSet, v *viper.Viper, key string) bool {
	if flags.Changed(key) {
		b, _ := flags.GetBool(key)
		return b
	}
	return v.GetBool(key)
}

func resolveInt(flags *pflag.FlagSet, v *viper.Viper, key string) int {
	if flags.Changed(key) {
		n, _ := flags.GetInt(key)
		return n
	}
	return v.GetInt(key)
}

func resolveDuration(flags *pflag.FlagSet, v *viper.Viper, key string) time.Duration {
	if flags.Changed(key) {
		d, _ := flags.GetDuration(key)
		return d
	}
	return v.GetDuration(key)
}

// NewViper builds a viper instance reading meetd.toml (or a legacy
// meetd.yaml, both accepted per SPEC_FULL.md §10.3) from configPath, with
// environment variable override via the MEETD_ prefix, mirroring the
// teacher's AutomaticEnv-based override of its own BD_ environment
// variables.
func NewViper(configPath string, defaults Config) *viper.Viper {
	v := viper.New()
	setDefaults(v, defaults)

	v.SetEnvPrefix("MEETD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if strings.HasSuffix(configPath, ".yaml") || strings.HasSuffix(configPath, ".yml") {
			v.SetConfigType("yaml")
		} else {
			v.SetConfigType("toml")
		}
		_ = v.ReadInConfig()
	}
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault(keyBindAddr, d.BindAddr)
	v.SetDefault(keyDataDir, d.DataDir)
	v.SetDefault(keyLogLevel, d.LogLevel)
	v.SetDefault(keyDebug, d.Debug)
	v.SetDefault(keySessionTTL, d.SessionTTL)
	v.SetDefault(keyIdleTTL, d.IdleTTL)
	v.SetDefault(keyRelayBuffer, d.RelayBuffer)
	v.SetDefault(keyRateLimitWindow, d.RateLimitWindow)
	v.SetDefault(keyRateLimitMax, d.RateLimitMax)
	v.SetDefault(keyAppendMaxRetries, d.AppendMaxRetries)
	v.SetDefault(keyPasswordMinLength, d.Password.MinLength)
	v.SetDefault(keyPasswordUpper, d.Password.RequireUpper)
	v.SetDefault(keyPasswordLower, d.Password.RequireLower)
	v.SetDefault(keyPasswordDigit, d.Password.RequireDigit)
	v.SetDefault(keyPasswordSpecial, d.Password.RequireSpecial)
	v.SetDefault(keyOTelExporterTarget, d.OTelExporterTarget)
}

// WatchAndReload installs an fsnotify-backed config watch via viper and
// invokes onChange with the freshly reloaded config whenever the file
// changes, the same mechanism the teacher uses for picking up config.yaml
// edits without a restart.
func WatchAndReload(v *viper.Viper, cmd *cobra.Command, log *logging.Logger, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if log != nil {
			log.Infof("config file changed (%s), reloading", e.Name)
		}
		onChange(Load(cmd, v))
	})
	v.WatchConfig()
}

// ExportTOML renders cfg as a meetd.toml document. The password policy
// keys are not included.
func ExportTOML(cfg Config) (string, error) {
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(tomlShape(cfg)); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// ImportLegacyYAML parses a legacy meetd.yaml document into a Config,
// layered over defaults for any field the document omits.
func ImportLegacyYAML(data []byte, defaults Config) (Config, error) {
	var shape struct {
		BindAddr string `yaml:"bind-addr"`
		DataDir  string `yaml:"data-dir"`
		LogLevel string `yaml:"log-level"`
	}
	if err := yaml.Unmarshal(data, &shape); err != nil {
		return Config{}, err
	}
	cfg := defaults
	if shape.BindAddr != "" {
		cfg.BindAddr = shape.BindAddr
	}
	if shape.DataDir != "" {
		cfg.DataDir = shape.DataDir
	}
	if shape.LogLevel != "" {
		cfg.LogLevel = shape.LogLevel
	}
	return cfg, nil
}

func tomlShape(cfg Config) map[string]any {
	return map[string]any{
		keyBindAddr:         cfg.BindAddr,
		keyDataDir:          cfg.DataDir,
		keyLogLevel:         cfg.LogLevel,
		keyDebug:            cfg.Debug,
		"session-ttl":       cfg.SessionTTL.String(),
		"idle-ttl":          cfg.IdleTTL.String(),
		keyRelayBuffer:      cfg.RelayBuffer,
		"rate-limit-window": cfg.RateLimitWindow.String(),
		keyRateLimitMax:     cfg.RateLimitMax,
		keyAppendMaxRetries: cfg.AppendMaxRetries,
		keyOTelExporterTarget: cfg.OTelExporterTarget,
	}
}
