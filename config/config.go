// Package config loads scriptgate settings from a config file, SCRIPTGATE_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caffeineduck/scriptgate/dispatch"
	"github.com/caffeineduck/scriptgate/executor"
	"github.com/caffeineduck/scriptgate/resolve"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "scriptgate"
	// ConfigFileName is the config file name without extension. Any format
	// viper understands is accepted: yaml, toml, json.
	ConfigFileName = "scriptgate"
	// EnvPrefix prefixes every environment variable, e.g. SCRIPTGATE_ROOT.
	EnvPrefix = "SCRIPTGATE"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidMemoryLimit is returned for an unparsable memory_limit.
	ErrInvalidMemoryLimit = errors.New("invalid memory limit")
)

// Config holds every setting of the serve and units commands.
type Config struct {
	Root        string            `mapstructure:"root"`
	UnitsDir    string            `mapstructure:"units_dir"`
	Encoding    string            `mapstructure:"encoding"`
	Preload     []string          `mapstructure:"preload"`
	DefaultUnit string            `mapstructure:"default_unit"`
	Vars        map[string]string `mapstructure:"vars"`
	Workers     int               `mapstructure:"workers"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	CompressMin int               `mapstructure:"compress_min_size"`
	Listen      string            `mapstructure:"listen"`
	StaticDir   string            `mapstructure:"static_dir"`
	MemoryLimit string            `mapstructure:"memory_limit"`
	CacheDir    string            `mapstructure:"cache_dir"`
	NoCache     bool              `mapstructure:"no_cache"`
	Verbose     bool              `mapstructure:"verbose"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Root:        ".",
		UnitsDir:    "units",
		Encoding:    "utf-8",
		Preload:     []string{},
		DefaultUnit: resolve.DefaultUnit,
		Vars:        map[string]string{},
		Timeout:     dispatch.DefaultTimeout,
		Listen:      ":8080",
	}
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// ConfigFilePath is used exclusively when set; it must exist.
	ConfigFilePath string
	// SearchPaths are probed for scriptgate.{yaml,toml,json} when no file is
	// given. Defaults to the working directory.
	SearchPaths []string
	// Flags are bound by key name, with dashes read as underscores
	// (--units-dir sets units_dir). Only flags changed on the command line
	// override the file and environment.
	Flags *pflag.FlagSet
}

// Load reads the configuration and returns it with the path of the file
// used, empty when none was found.
func Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, "", err
		}
	}

	if opts.ConfigFilePath != "" {
		if _, err := os.Stat(opts.ConfigFilePath); err != nil {
			return nil, "", fmt.Errorf("config file not found: %w", err)
		}
		v.SetConfigFile(opts.ConfigFilePath)
	} else {
		v.SetConfigName(ConfigFileName)
		paths := opts.SearchPaths
		if len(paths) == 0 {
			paths = []string{"."}
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Preload = splitList(cfg.Preload)
	cfg.Vars = upperKeys(cfg.Vars)

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("root", d.Root)
	v.SetDefault("units_dir", d.UnitsDir)
	v.SetDefault("encoding", d.Encoding)
	v.SetDefault("preload", d.Preload)
	v.SetDefault("default_unit", d.DefaultUnit)
	v.SetDefault("vars", d.Vars)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("compress_min_size", d.CompressMin)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("static_dir", d.StaticDir)
	v.SetDefault("memory_limit", d.MemoryLimit)
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("no_cache", d.NoCache)
	v.SetDefault("verbose", d.Verbose)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !isKnownKey(key) {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("bind flag --%s: %w", f.Name, bindErr)
		}
	})
	return err
}

func isKnownKey(key string) bool {
	switch key {
	case "root", "units_dir", "encoding", "preload", "default_unit", "vars",
		"workers", "timeout", "compress_min_size", "listen", "static_dir", "memory_limit", "cache_dir", "no_cache", "verbose":
		return true
	}
	return false
}

// splitList accepts both list values and a single comma or space separated
// string, the form environment variables take.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, f := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, f)
		}
	}
	return out
}

// upperKeys restores the conventional case of variable names, which viper
// folds to lower case.
func upperKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// MergeVars adds extra to Vars, overriding existing entries. Keys are
// upper-cased like those read from files and the environment.
func (c *Config) MergeVars(extra map[string]string) {
	if c.Vars == nil {
		c.Vars = make(map[string]string, len(extra))
	}
	for k, v := range upperKeys(extra) {
		c.Vars[k] = v
	}
}

// Validate checks values that viper cannot type-check.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative, got %s", ErrInvalidConfig, c.Timeout)
	}
	if c.CompressMin < 0 {
		return fmt.Errorf("%w: compress_min_size must not be negative, got %d", ErrInvalidConfig, c.CompressMin)
	}
	if strings.TrimSpace(c.UnitsDir) == "" {
		return fmt.Errorf("%w: units_dir is required", ErrInvalidConfig)
	}
	if _, err := ParseMemoryLimit(c.MemoryLimit); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Dispatch returns the dispatcher settings. Timeout zero keeps the
// dispatcher default.
func (c *Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		Root:        c.Root,
		Encoding:    c.Encoding,
		Preload:     c.Preload,
		DefaultUnit: c.DefaultUnit,
		Vars:        c.Vars,
		Workers:     c.Workers,
		Timeout:     c.Timeout,

		CompressMinSize: c.CompressMin,
	}
}

// ExecutorOptions returns the runtime options implied by the config.
func (c *Config) ExecutorOptions() ([]executor.Option, error) {
	var opts []executor.Option
	if !c.NoCache {
		opts = append(opts, executor.WithDiskCache(c.CacheDir))
	}
	pages, err := ParseMemoryLimit(c.MemoryLimit)
	if err != nil {
		return nil, err
	}
	if pages > 0 {
		opts = append(opts, executor.WithMemoryLimit(pages))
	}
	return opts, nil
}

// ParseMemoryLimit accepts "", "1mb", "16mb", "64mb", "256mb", "1gb" or a
// raw page count. Zero means no limit.
func ParseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0":
		return 0, nil
	case "1mb":
		return executor.MemoryLimit1MB, nil
	case "16mb":
		return executor.MemoryLimit16MB, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	}
	pages, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil || pages > 65536 {
		return 0, fmt.Errorf("%w %q (use 1mb, 16mb, 64mb, 256mb, 1gb or a page count)", ErrInvalidMemoryLimit, s)
	}
	return uint32(pages), nil
}
