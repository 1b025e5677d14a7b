// Package config loads the daemon configuration and ecosystem files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/procgod/internal/errs"
	"github.com/loykin/procgod/internal/logger"
	"github.com/loykin/procgod/internal/process"
	"github.com/loykin/procgod/internal/restart"
)

// EnvPrefix is the prefix of environment overrides, e.g. PROCGOD_DATA_HOME.
const EnvPrefix = "PROCGOD"

// Config is the daemon configuration (procgod.toml).
type Config struct {
	DataHome          string        `mapstructure:"data_home"`
	GraceTimeout      time.Duration `mapstructure:"grace_timeout"`
	ReloadTimeout     time.Duration `mapstructure:"reload_timeout"`
	Concurrency       int           `mapstructure:"concurrency"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	AutodumpInterval  time.Duration `mapstructure:"autodump_interval"` // 0 disables periodic dumps
	DumpOnExit        bool          `mapstructure:"dump_on_exit"`
	ResurrectOnBoot   bool          `mapstructure:"resurrect_on_boot"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Restart   restart.Config `mapstructure:"restart"`
	Log       LogConfig      `mapstructure:"log"`
	Server    ServerConfig   `mapstructure:"server"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	History   HistoryConfig  `mapstructure:"history"`
	Watch     WatchConfig    `mapstructure:"watch"`
	PIDFile   string         `mapstructure:"pid_file"`
	Processes []process.Spec `mapstructure:"processes"`
}

// LogConfig holds the daemon log and the per-process log file settings.
type LogConfig struct {
	logger.Config `mapstructure:",squash"`
	// Dir holds <id>.stdout / <id>.stderr; defaults to <data_home>/logs.
	Dir string `mapstructure:"dir"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	Sinks   []string      `mapstructure:"sinks"` // DSNs, see history/factory
	Timeout time.Duration `mapstructure:"timeout"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

func defaultDataHome() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, ".procgod")
	}
	return filepath.Join(os.TempDir(), "procgod")
}

func setDefaults(v *viper.Viper) {
	r := restart.DefaultConfig()
	v.SetDefault("data_home", defaultDataHome())
	v.SetDefault("grace_timeout", 1600*time.Millisecond)
	v.SetDefault("reload_timeout", 30*time.Second)
	v.SetDefault("concurrency", 4)
	v.SetDefault("sample_interval", 5*time.Second)
	v.SetDefault("reconcile_interval", 2*time.Second)
	v.SetDefault("autodump_interval", 0)
	v.SetDefault("dump_on_exit", true)
	v.SetDefault("resurrect_on_boot", false)
	v.SetDefault("use_os_env", true)
	v.SetDefault("restart.min_uptime", r.MinUptime)
	v.SetDefault("restart.max_unstable_restarts", r.MaxUnstableRestarts)
	v.SetDefault("restart.unstable_window", r.Window)
	v.SetDefault("restart.backoff_initial", r.Backoff.Initial)
	v.SetDefault("restart.backoff_max", r.Backoff.Max)
	v.SetDefault("restart.backoff_multiplier", r.Backoff.Multiplier)
	v.SetDefault("restart.backoff_jitter", r.Backoff.JitterPct)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:9615")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("history.timeout", 2*time.Second)
	v.SetDefault("watch.debounce", 500*time.Millisecond)
}

// instancesHook decodes `instances = "max"` as well as plain numbers.
func instancesHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(process.Instances(0))
	return func(_ reflect.Type, t reflect.Type, data any) (any, error) {
		if t != target {
			return data, nil
		}
		if v, ok := data.(process.Instances); ok {
			return v, nil
		}
		return process.ParseInstances(data)
	}
}

func decodeOpts() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		instancesHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// defaults alone always decode
		panic(err)
	}
	return c
}

// Load reads path (TOML unless the extension says otherwise) over the
// defaults. An empty path loads defaults and PROCGOD_* overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c, decodeOpts()); err != nil {
		return nil, errs.Validation("decode config: %v", err)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) finish() error {
	if c.DataHome == "" {
		c.DataHome = defaultDataHome()
	}
	abs, err := filepath.Abs(c.DataHome)
	if err != nil {
		return fmt.Errorf("data_home: %w", err)
	}
	c.DataHome = abs
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.DataHome, "logs")
	}
	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(c.DataHome, "procgod.pid")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.NumCPU()
	}
	if c.GraceTimeout <= 0 || c.ReloadTimeout <= 0 {
		return errs.Validation("grace_timeout and reload_timeout must be positive")
	}
	c.Restart = c.Restart.WithDefaults()
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	for i := range c.Processes {
		c.Processes[i] = c.Processes[i].Normalized()
		if err := c.Processes[i].Validate(); err != nil {
			return fmt.Errorf("processes[%d]: %w", i, err)
		}
	}
	return nil
}

// GlobalVars returns the env_files contents followed by env; later entries win.
func (c *Config) GlobalVars() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	return append(out, c.Env...), nil
}

type ecosystem struct {
	Apps      []process.Spec `mapstructure:"apps"`
	Processes []process.Spec `mapstructure:"processes"`
}

// LoadSpecs reads an ecosystem file listing apps to start. Both `apps` and
// `processes` keys are accepted; TOML, YAML and JSON are supported.
func LoadSpecs(path string) ([]process.Spec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var eco ecosystem
	if err := v.Unmarshal(&eco, decodeOpts()); err != nil {
		return nil, errs.Validation("decode %s: %v", path, err)
	}
	specs := append(eco.Apps, eco.Processes...)
	if len(specs) == 0 {
		return nil, errs.Validation("%s declares no apps", path)
	}
	base := filepath.Dir(path)
	for i := range specs {
		s := specs[i].Normalized()
		if s.Cwd != "" && !filepath.IsAbs(s.Cwd) {
			s.Cwd = filepath.Join(base, s.Cwd)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("apps[%d]: %w", i, err)
		}
		specs[i] = s
	}
	return specs, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k != "" {
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
