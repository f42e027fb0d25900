// Package dispatch routes HTTP requests to units.
//
// A [Controller] resolves each request path against the unit registry built
// at startup. Misses fall through to the next handler untouched. Hits run on
// the controller's worker [Pool] inside a fresh [reqctx.Context], which is
// released exactly once whether the unit succeeds, fails or panics.
//
//	exec, _ := executor.New()
//	ctrl, err := dispatch.New(dispatch.Config{
//	    Root:    "/var/www",
//	    Preload: []string{"index", "api/users"},
//	}, exec.Loader("./units"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Close()
//
//	http.ListenAndServe(":8080", ctrl.Middleware(http.FileServer(http.Dir("./public"))))
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/scriptgate/reqctx"
	"github.com/caffeineduck/scriptgate/resolve"
	"github.com/caffeineduck/scriptgate/unit"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

// DefaultTimeout bounds one unit execution unless Config.Timeout is set.
const DefaultTimeout = 30 * time.Second

// Config is fixed for the lifetime of a Controller.
type Config struct {
	// Root is the document root. Relative roots are joined onto the working
	// directory. Empty means "/".
	Root string
	// Encoding is the output encoding label, "utf-8" when empty.
	Encoding string
	// Preload lists the unit identifiers registered at startup.
	Preload []string
	// DefaultUnit serves "/" and directory paths, "index" when empty.
	DefaultUnit string
	// BeforeRequest runs before every unit, after Vars are injected.
	BeforeRequest reqctx.Hook
	// Vars are injected into every execution context.
	Vars map[string]string
	// Workers bounds concurrent executions, GOMAXPROCS when zero.
	Workers int
	// Timeout bounds one execution. Zero means DefaultTimeout, negative
	// disables the limit.
	Timeout time.Duration
	// CompressMinSize enables br/gzip response compression for bodies of at
	// least this many bytes. Zero disables it.
	CompressMinSize int
}

// Outcome reports what Handle did with a request.
type Outcome int

const (
	// Passthrough means no unit matched and nothing was written.
	Passthrough Outcome = iota
	// Handled means a unit was dispatched.
	Handled
)

func (o Outcome) String() string {
	switch o {
	case Passthrough:
		return "passthrough"
	case Handled:
		return "handled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Controller is the per-request entry point. It is safe for concurrent use.
type Controller struct {
	root     string
	enc      encoding.Encoding
	encName  string
	timeout  time.Duration
	compress int
	hook     reqctx.Hook
	registry *unit.Registry
	resolver *resolve.Resolver
	pool     *Pool
	opts     options

	closeOnce sync.Once
}

// New builds a Controller. It normalizes the root, resolves the encoding and
// loads every preloaded unit through loader; units that fail to load are
// logged and skipped. Only an invalid configuration makes New fail.
func New(cfg Config, loader unit.Loader, opts ...Option) (*Controller, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	root, err := absRoot(cfg.Root)
	if err != nil {
		return nil, err
	}

	enc, encName, err := reqctx.LookupEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	if loader == nil && len(cfg.Preload) > 0 {
		return nil, errors.New("dispatch: preload configured without a loader")
	}

	var registry *unit.Registry
	if loader != nil {
		registry = unit.Load(context.Background(), loader, cfg.Preload, o.logger)
	}

	defaultUnit := cfg.DefaultUnit
	if defaultUnit == "" {
		defaultUnit = resolve.DefaultUnit
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	var hooks []reqctx.Hook
	if len(cfg.Vars) > 0 {
		hooks = append(hooks, reqctx.InjectVars(cfg.Vars))
	}
	hooks = append(hooks, cfg.BeforeRequest)

	c := &Controller{
		root:     root,
		enc:      enc,
		encName:  encName,
		timeout:  timeout,
		compress: cfg.CompressMinSize,
		hook:     reqctx.Chain(hooks...),
		registry: registry,
		resolver: resolve.New(root, registry, resolve.WithDefaultUnit(defaultUnit)),
		pool:     NewPool(workers),
		opts:     o,
	}

	o.logger.Info("dispatcher ready",
		zap.String("root", root),
		zap.String("encoding", encName),
		zap.Int("units", registry.Len()),
		zap.Int("workers", workers))
	return c, nil
}

func absRoot(root string) (string, error) {
	if root == "" {
		return "/", nil
	}
	slashed := strings.ReplaceAll(root, `\`, "/")
	if !strings.HasPrefix(slashed, "/") && !filepath.IsAbs(root) {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve root %q: %w", root, err)
		}
		root = filepath.Join(wd, root)
	}
	return resolve.NormalizeRoot(root), nil
}

// Root returns the normalized document root.
func (c *Controller) Root() string { return c.root }

// Encoding returns the canonical output encoding label.
func (c *Controller) Encoding() string { return c.encName }

// Registry returns the units loaded at startup.
func (c *Controller) Registry() *unit.Registry { return c.registry }

// Handle dispatches r. On a miss it returns Passthrough without touching w.
// On a hit it runs the unit on the pool and waits for it, including the
// release of its execution context. Hook and unit errors are returned
// unchanged.
//
// If r's context ends first, Handle returns its error at once. The unit is
// not interrupted: it runs to completion, or to the execution timeout, and
// its output is discarded. The request body is read into memory before the
// unit starts so the unit never reads it after Handle has returned.
func (c *Controller) Handle(w http.ResponseWriter, r *http.Request) (Outcome, error) {
	res := c.resolver.Resolve(r.URL.Path)
	if !res.Found {
		return Passthrough, nil
	}

	ctx := r.Context()
	c.opts.logger.Debug("dispatching request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("unit", res.Identifier),
		zap.String("file", res.Path))

	r, err := detachBody(r)
	if err != nil {
		return Handled, err
	}

	h := &handoff{}
	task, err := c.pool.Submit(ctx, func() error {
		return c.execute(w, r, res, h)
	})
	if err != nil {
		return Handled, err
	}

	if err := task.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			h.abandon()
		}
		return Handled, err
	}
	return Handled, nil
}

func (c *Controller) execute(w http.ResponseWriter, r *http.Request, res resolve.Result, h *handoff) error {
	ec := reqctx.New(w, r, c.root, c.enc, c.contextOptions(r)...)
	h.attach(ec)

	ctx := context.WithoutCancel(r.Context())
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	err := ec.Run(ctx, res.Unit, c.hook)
	c.opts.logger.Debug("unit finished",
		zap.String("unit", res.Identifier),
		zap.String("request_id", ec.RequestID()),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

func (c *Controller) contextOptions(r *http.Request) []reqctx.Option {
	opts := []reqctx.Option{reqctx.WithLogger(c.opts.logger)}
	if c.compress > 0 {
		opts = append(opts, reqctx.WithCompression(c.compress))
	}
	if c.opts.observer != nil {
		opts = append(opts, reqctx.WithObserver(c.opts.observer))
	}
	if c.opts.requestIDHdr != "" {
		if id := r.Header.Get(c.opts.requestIDHdr); validRequestID(id) {
			opts = append(opts, reqctx.WithRequestID(id))
		}
	}
	return opts
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, ch := range id {
		if ch <= ' ' || ch > '~' {
			return false
		}
	}
	return true
}

// Middleware wraps next so that requests matching a unit are served by it
// and everything else reaches next unchanged. A nil next replies 404.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	onError := c.opts.errorHandler
	if onError == nil {
		onError = c.defaultErrorHandler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outcome, err := c.Handle(w, r)
		if err != nil {
			onError(w, r, err)
			return
		}
		if outcome == Passthrough {
			next.ServeHTTP(w, r)
		}
	})
}

func (c *Controller) defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		c.opts.logger.Debug("client went away", zap.String("path", r.URL.Path), zap.Error(err))
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	c.opts.logger.Error("unit request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	http.Error(w, http.StatusText(status), status)
}

// Close stops accepting requests and waits for running units. Units already
// loaded stay owned by the loader.
func (c *Controller) Close() error {
	c.closeOnce.Do(c.pool.Close)
	return nil
}

// handoff lets the waiting handler abandon a context the worker may not
// have created yet.
// detachBody returns a shallow copy of r whose body is an in-memory copy of
// r.Body.
func detachBody(r *http.Request) (*http.Request, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return r, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	out := r.WithContext(r.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	return out, nil
}

type handoff struct {
	mu        sync.Mutex
	ec        *reqctx.Context
	abandoned bool
}

func (h *handoff) attach(ec *reqctx.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ec = ec
	if h.abandoned {
		ec.Abandon()
	}
}

func (h *handoff) abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned = true
	if h.ec != nil {
		h.ec.Abandon()
	}
}
