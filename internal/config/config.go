// Package config loads delayedworker's settings from an optional TOML file
// merged with environment variable overrides, following psi.go's
// PSI_STOP_TIMEOUT env-var convention (bare digits mean seconds).
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	killTimeoutEnv    = "DELAYED_KILL_TIMEOUT"
	defaultTimeoutEnv = "DELAYED_DEFAULT_TIMEOUT"
	redisAddrEnv      = "DELAYED_REDIS_ADDR"
	queueNameEnv      = "DELAYED_QUEUE_NAME"
	persistentEnv     = "DELAYED_PERSISTENT_CHILD"
	logLevelEnv       = "DELAYED_LOG_LEVEL"
	configFileEnv     = "DELAYED_CONFIG_FILE"
)

// Config is delayedworker's fully resolved configuration.
type Config struct {
	RedisAddr       string        `toml:"redis_addr"`
	QueueName       string        `toml:"queue_name"`
	KillTimeout     time.Duration `toml:"-"`
	DefaultTimeout  time.Duration `toml:"-"`
	PersistentChild bool          `toml:"persistent_child"`
	LogLevel        string        `toml:"log_level"`

	// raw duration fields as read from the TOML file, overridable by env
	// vars below before being parsed into the typed fields above.
	KillTimeoutRaw    string `toml:"kill_timeout"`
	DefaultTimeoutRaw string `toml:"default_timeout"`
}

// defaults mirrors worker.Config's own fallbacks so a missing file or env
// var still produces a usable configuration.
func defaults() Config {
	return Config{
		RedisAddr:         "127.0.0.1:6379",
		QueueName:         "delayed",
		KillTimeoutRaw:    "5s",
		DefaultTimeoutRaw: "30s",
		PersistentChild:   false,
		LogLevel:          "info",
	}
}

// Load reads DELAYED_CONFIG_FILE (if set and present) via BurntSushi/toml,
// then applies environment variable overrides, then parses the two
// duration fields using the bare-digits-means-seconds convenience parsing
// of sa6mwa-psi/psi.go's parseStopTimeout.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv(configFileEnv); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
			}
			log.Printf("config: %s not found, using defaults + env", path)
		}
	}

	applyEnvOverrides(&cfg)

	cfg.KillTimeout = parseDuration(killTimeoutEnv, cfg.KillTimeoutRaw, 5*time.Second)
	cfg.DefaultTimeout = parseDuration(defaultTimeoutEnv, cfg.DefaultTimeoutRaw, 30*time.Second)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(redisAddrEnv); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(queueNameEnv); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv(killTimeoutEnv); v != "" {
		cfg.KillTimeoutRaw = v
	}
	if v := os.Getenv(defaultTimeoutEnv); v != "" {
		cfg.DefaultTimeoutRaw = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(persistentEnv); v != "" {
		cfg.PersistentChild = v == "1" || strings.EqualFold(v, "true")
	}
}

// parseDuration accepts Go duration strings ("30s", "1m15s") plus a bare
// digits convenience meaning seconds ("30" => "30s"), exactly like
// sa6mwa-psi/psi.go's parseStopTimeout. Falls back to def on empty or
// invalid values, logging the fallback.
func parseDuration(envName, val string, def time.Duration) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return def
	}
	if isAllDigits(val) {
		val += "s"
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		log.Printf("config: invalid %s=%q; using default %s", envName, val, def)
		return def
	}
	return d
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
