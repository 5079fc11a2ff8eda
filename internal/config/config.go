// Package config loads accesswatch.yaml with koanf, applies ACCESSWATCH_*
// environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ppiankov/accesswatch/internal/alert"
	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/storage"
)

// DefaultFile is the config file looked up when no path is given.
const DefaultFile = "accesswatch.yaml"

// AI providers.
const (
	ProviderNone    = "none"
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// Config is the full runtime configuration.
type Config struct {
	ThresholdsFile string `koanf:"thresholds_file"`
	ChannelsFile   string `koanf:"channels_file"`
	Workers        int    `koanf:"workers"`

	Storage  StorageConfig         `koanf:"storage"`
	Audit    AuditConfig           `koanf:"audit"`
	Log      LogConfig             `koanf:"log"`
	AI       AIConfig              `koanf:"ai"`
	Watch    WatchConfig           `koanf:"watch"`
	Channels []alert.ChannelConfig `koanf:"channels"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend    string `koanf:"backend"`
	Path       string `koanf:"path"`
	Passphrase string `koanf:"passphrase"`
	Iterations int    `koanf:"iterations"`
}

// AuditConfig locates the hash-chained audit log. Empty path logs only.
type AuditConfig struct {
	Path string `koanf:"path"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level   string `koanf:"level"`
	Dir     string `koanf:"dir"`
	Console bool   `koanf:"console"`
}

// AIConfig configures the optional risk advisor.
type AIConfig struct {
	Provider    string        `koanf:"provider"`
	Model       string        `koanf:"model"`
	APIURL      string        `koanf:"api_url"`
	APIKey      string        `koanf:"api_key"`
	Region      string        `koanf:"region"`
	Temperature float64       `koanf:"temperature"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxTokens   int           `koanf:"max_tokens"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	Inbox       string        `koanf:"inbox"`
	MetricsAddr string        `koanf:"metrics_addr"`
	HealthAddr  string        `koanf:"health_addr"`
	Settle      time.Duration `koanf:"settle"`
}

// Defaults for unset values.
const (
	DefaultWorkers     = 4
	DefaultBackend     = storage.BackendSQLite
	DefaultStoragePath = "./data"
	DefaultAuditPath   = "./data/audit.jsonl"
	DefaultInbox       = "./inbox"
	DefaultMetricsAddr = ":9090"
	DefaultHealthAddr  = ":9091"
	DefaultSettle      = 500 * time.Millisecond
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Workers: DefaultWorkers,
		Storage: StorageConfig{
			Backend:    DefaultBackend,
			Path:       DefaultStoragePath,
			Iterations: storage.DefaultIterations,
		},
		Audit: AuditConfig{Path: DefaultAuditPath},
		Log:   LogConfig{Level: "info"},
		AI:    AIConfig{Provider: ProviderNone},
		Watch: WatchConfig{
			Inbox:       DefaultInbox,
			MetricsAddr: DefaultMetricsAddr,
			HealthAddr:  DefaultHealthAddr,
			Settle:      DefaultSettle,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path tries DefaultFile and tolerates its absence; an explicit
// path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errs.Configuration("failed to load config file", map[string]string{"path": path}, err)
		}
		if err := k.Unmarshal("", cfg); err != nil {
			return nil, errs.Configuration("failed to decode config file", map[string]string{"path": path}, err)
		}
	} else if explicit {
		return nil, errs.Configuration("config file not found", map[string]string{"path": path}, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.ChannelsFile != "" {
		extra, err := alert.LoadChannels(cfg.ChannelsFile)
		if err != nil {
			return nil, err
		}
		cfg.Channels = append(cfg.Channels, extra...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with ACCESSWATCH_* variables.
func applyEnv(cfg *Config) error {
	setString(&cfg.ThresholdsFile, "ACCESSWATCH_THRESHOLDS_FILE")
	setString(&cfg.ChannelsFile, "ACCESSWATCH_CHANNELS_FILE")
	setString(&cfg.Storage.Backend, "ACCESSWATCH_STORAGE_BACKEND")
	setString(&cfg.Storage.Path, "ACCESSWATCH_STORAGE_PATH")
	setString(&cfg.Storage.Passphrase, "ACCESSWATCH_STORAGE_PASSPHRASE")
	setString(&cfg.Audit.Path, "ACCESSWATCH_AUDIT_PATH")
	setString(&cfg.Log.Level, "ACCESSWATCH_LOG_LEVEL")
	setString(&cfg.Log.Dir, "ACCESSWATCH_LOG_DIR")
	setString(&cfg.AI.Provider, "ACCESSWATCH_AI_PROVIDER")
	setString(&cfg.AI.Model, "ACCESSWATCH_AI_MODEL")
	setString(&cfg.AI.Region, "ACCESSWATCH_AI_REGION")
	setString(&cfg.Watch.Inbox, "ACCESSWATCH_WATCH_INBOX")
	setString(&cfg.Watch.MetricsAddr, "ACCESSWATCH_METRICS_ADDR")
	setString(&cfg.Watch.HealthAddr, "ACCESSWATCH_HEALTH_ADDR")

	// Try ACCESSWATCH_AI_API_KEY first, then OPENAI_API_KEY.
	for _, key := range []string{"ACCESSWATCH_AI_API_KEY", "OPENAI_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			cfg.AI.APIKey = v
			break
		}
	}

	if v := os.Getenv("ACCESSWATCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Configuration("ACCESSWATCH_WORKERS must be an integer", map[string]string{"value": v}, err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("ACCESSWATCH_STORAGE_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Configuration("ACCESSWATCH_STORAGE_ITERATIONS must be an integer", map[string]string{"value": v}, err)
		}
		cfg.Storage.Iterations = n
	}
	return nil
}

func setString(dst *string, envKey string) {
	if v := os.Getenv(envKey); v != "" {
		*dst = v
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(msg string, ctx map[string]string) {
		problems = append(problems, errs.Configuration(msg, ctx, nil))
	}

	if c.Workers < 1 {
		add("workers must be at least 1", map[string]string{"workers": strconv.Itoa(c.Workers)})
	}
	if c.ThresholdsFile != "" {
		if _, err := os.Stat(c.ThresholdsFile); err != nil {
			add("thresholds file not found", map[string]string{"path": c.ThresholdsFile})
		}
	}

	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendJSONL, storage.BackendSQLite:
		if c.Storage.Path == "" {
			add("storage path is required", map[string]string{"backend": c.Storage.Backend})
		}
	case storage.BackendEncrypted:
		if c.Storage.Path == "" {
			add("storage path is required", map[string]string{"backend": c.Storage.Backend})
		}
		if c.Storage.Passphrase == "" {
			add("encrypted storage requires a passphrase (ACCESSWATCH_STORAGE_PASSPHRASE)", nil)
		}
	default:
		add("unknown storage backend", map[string]string{"backend": c.Storage.Backend})
	}

	switch strings.ToLower(c.AI.Provider) {
	case "", ProviderNone, ProviderBedrock:
	case ProviderOpenAI:
		if c.AI.APIKey == "" && c.AI.APIURL == "" {
			add("openai provider requires api_key or api_url", nil)
		}
	default:
		add("unknown ai provider", map[string]string{"provider": c.AI.Provider})
	}

	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			problems = append(problems, err)
			continue
		}
		if seen[ch.Name] {
			add("duplicate channel name", map[string]string{"channel": ch.Name})
		}
		seen[ch.Name] = true
	}

	return errors.Join(problems...)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Storage.Passphrase != "" {
		out.Storage.Passphrase = "***"
	}
	if out.AI.APIKey != "" {
		out.AI.APIKey = "***"
	}
	out.Channels = make([]alert.ChannelConfig, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Password != "" {
			ch.Password = "***"
		}
		out.Channels[i] = ch
	}
	return out
}

// String renders a short summary for logs.
func (c *Config) String() string {
	return fmt.Sprintf("storage=%s workers=%d channels=%d ai=%s", c.Storage.Backend, c.Workers, len(c.Channels), c.AI.Provider)
}
