// Package config assembles process configuration from defaults, an optional
// YAML file, environment variables and command-line flags, in that order of
// precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/gochat-persistence/internal/auth"
	"github.com/Tyrowin/gochat-persistence/internal/server"
	"github.com/Tyrowin/gochat-persistence/internal/store"
	"github.com/Tyrowin/gochat-persistence/internal/telemetry"
)

// EnvConfigFile names the config file when --config is not given.
const EnvConfigFile = "PERSISTENCE_CONFIG"

// Config is the complete process configuration.
type Config struct {
	Server    server.Config    `yaml:"server"`
	Store     store.Config     `yaml:"store"`
	Auth      AuthConfig       `yaml:"auth"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`
}

// AuthConfig configures password hashing and session tokens.
type AuthConfig struct {
	// Secret is the shared token key, hex encoded or raw. Front-end
	// instances validating each other's tokens must share it.
	Secret        string          `yaml:"secret"`
	TokenLifetime time.Duration   `yaml:"token_lifetime"`
	Hash          auth.HashParams `yaml:"hash"`
	// HashWorkers bounds concurrent KDF runs; 0 means GOMAXPROCS.
	HashWorkers int `yaml:"hash_workers"`
}

// SecretBytes decodes Secret. Hex is tried first so a secret copied from
// GenerateSecret output round-trips. An empty secret yields nil.
func (a AuthConfig) SecretBytes() []byte {
	if a.Secret == "" {
		return nil
	}
	if b, err := hex.DecodeString(a.Secret); err == nil {
		return b
	}
	return []byte(a.Secret)
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server:    server.DefaultConfig(),
		Store:     store.DefaultConfig(),
		Auth:      AuthConfig{TokenLifetime: auth.DefaultTokenLifetime, Hash: auth.DefaultHashParams()},
		Telemetry: telemetry.DefaultConfig(),
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// LoadFile overlays the YAML document at path onto c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	c.Server.ApplyEnv(getenv)

	if path := getenv("DATABASE_PATH"); path != "" {
		c.Store.Path = path
	}
	if limit := getenv("HISTORY_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			c.Store.HistoryLimit = n
		}
	}
	if secret := getenv("TOKEN_SECRET"); secret != "" {
		c.Auth.Secret = secret
	}
	if url := getenv("TELEMETRY_URL"); url != "" {
		c.Telemetry.URL = url
	}
	if addr := getenv("TELEMETRY_REDIS_ADDR"); addr != "" {
		c.Telemetry.RedisAddr = addr
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Flags are the command-line overrides. Only flags that were set on the
// command line are applied.
type Flags struct {
	set        *pflag.FlagSet
	configFile string
	port       string
	dbPath     string
	logLevel   string
	logFormat  string
	telemetry  string
}

// BindFlags registers the persistence flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{set: fs}
	fs.StringVarP(&f.configFile, "config", "c", "", "path to a YAML config file (env "+EnvConfigFile+")")
	fs.StringVarP(&f.port, "port", "p", "", "listen address, e.g. :8080 or 8080")
	fs.StringVar(&f.dbPath, "db", "", "sqlite database path")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log encoding: json or console")
	fs.StringVar(&f.telemetry, "telemetry-url", "", "websocket URL of the logging endpoint")
	return f
}

// ConfigFile returns the --config value, falling back to the environment.
func (f *Flags) ConfigFile(getenv func(string) string) string {
	if f.configFile != "" {
		return f.configFile
	}
	return getenv(EnvConfigFile)
}

// Apply copies flags set on the command line into c.
func (f *Flags) Apply(c *Config) {
	if f.set.Changed("port") {
		c.Server.Port = normalizePort(f.port)
	}
	if f.set.Changed("db") {
		c.Store.Path = f.dbPath
	}
	if f.set.Changed("log-level") {
		c.Log.Level = f.logLevel
	}
	if f.set.Changed("log-format") {
		c.Log.Format = f.logFormat
	}
	if f.set.Changed("telemetry-url") {
		c.Telemetry.URL = f.telemetry
	}
}

// normalizePort accepts a bare port number as the listen address.
func normalizePort(port string) string {
	if _, err := strconv.Atoi(port); err == nil {
		return ":" + port
	}
	return port
}

// Load parses args and builds the configuration: defaults, then the config
// file, then getenv, then flags. A single positional argument is taken as
// the listen port.
func Load(args []string, getenv func(string) string) (Config, error) {
	fs := pflag.NewFlagSet("persistence", pflag.ContinueOnError)
	flags := BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path := flags.ConfigFile(getenv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(getenv)
	flags.Apply(&cfg)

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.Server.Port = normalizePort(rest[0])
	default:
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(rest[1:], " "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Server = cfg.Server.Sanitize()
	return cfg, nil
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path must be set"))
	}
	if c.Auth.TokenLifetime < 0 {
		errs = append(errs, errors.New("auth.token_lifetime must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger: JSON production encoding by
// default, the colored development encoder for format "console".
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zc zap.Config
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
