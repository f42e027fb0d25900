package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/caffeineduck/scriptgate/hostfunc"
	"github.com/caffeineduck/scriptgate/unit"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// ErrClosed is returned when compiling on a closed Executor.
var ErrClosed = errors.New("executor closed")

// Executor manages the wazero runtime shared by all units.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	registry *hostfunc.Registry
	logger   *zap.Logger
	ext      string
	mu       sync.RWMutex
	closed   bool
}

// New creates an Executor with WASI and the scriptgate host module ready.
func New(opts ...Option) (*Executor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = hostfunc.Builtins(cfg.logger)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	e := &Executor{
		runtime:  rt,
		cache:    cache,
		registry: cfg.registry,
		logger:   cfg.logger,
		ext:      cfg.extension,
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		e.Close()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if err := e.instantiateHostModule(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	return e, nil
}

// Compile compiles wasm into a unit named name.
func (e *Executor) Compile(ctx context.Context, name string, wasm []byte) (*Module, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Module{name: name, compiled: compiled, exec: e}, nil
}

// Loader returns a unit.Loader reading <dir>/<id>.wasm from disk.
func (e *Executor) Loader(dir string) unit.Loader {
	return e.LoaderFS(os.DirFS(dir))
}

// LoaderFS returns a unit.Loader reading <id>.wasm from fsys.
func (e *Executor) LoaderFS(fsys fs.FS) unit.Loader {
	return &fsLoader{exec: e, fsys: fsys}
}

// Discover lists the identifiers of every unit under dir, sorted, for use
// as a preload list.
func (e *Executor) Discover(dir string) ([]string, error) {
	return DiscoverFS(os.DirFS(dir), e.ext)
}

// DiscoverFS lists the identifiers of every file in fsys ending in ext.
// Hidden files and directories are skipped.
func DiscoverFS(fsys fs.FS, ext string) ([]string, error) {
	var ids []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != "." && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(p, ext) {
			return nil
		}
		ids = append(ids, strings.TrimSuffix(p, ext))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover units: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

type fsLoader struct {
	exec *Executor
	fsys fs.FS
}

func (l *fsLoader) Load(ctx context.Context, id string) (unit.Handle, error) {
	file := id + l.exec.ext
	if !fs.ValidPath(file) || path.Clean(id) != id {
		return nil, fmt.Errorf("invalid unit identifier %q", id)
	}

	wasm, err := fs.ReadFile(l.fsys, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", id, unit.ErrNotFound)
		}
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	return l.exec.Compile(ctx, id, wasm)
}

// Close releases the runtime and its compiled units.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	ctx := context.Background()

	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "scriptgate")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "scriptgate")
	}
	return filepath.Join(os.TempDir(), "scriptgate-cache")
}
