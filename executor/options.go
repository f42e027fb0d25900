package executor

import (
	"github.com/caffeineduck/scriptgate/hostfunc"
	"go.uber.org/zap"
)

// Option configures the Executor at creation time.
type Option func(*config)

type config struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	registry         *hostfunc.Registry
	logger           *zap.Logger
	extension        string
}

func defaultConfig() config {
	return config{
		logger:    zap.NewNop(),
		extension: ".wasm",
	}
}

// WithDiskCache enables a persistent compilation cache so restarts skip
// recompiling unchanged units. Optionally provide a custom directory;
// otherwise uses ~/.cache/scriptgate or XDG_CACHE_HOME/scriptgate.
//
// Examples:
//
//	executor.New(executor.WithDiskCache())            // default dir
//	executor.New(executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to each unit instance.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithHostFunctions sets the functions units reach through scriptgate.call.
// Defaults to [hostfunc.Builtins].
func WithHostFunctions(registry *hostfunc.Registry) Option {
	return func(c *config) {
		c.registry = registry
	}
}

// WithLogger sets the logger for unit stderr and loader diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithExtension sets the file suffix the directory loader appends to
// identifiers. Defaults to ".wasm".
func WithExtension(ext string) Option {
	return func(c *config) {
		c.extension = ext
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
