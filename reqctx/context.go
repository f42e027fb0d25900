// Package reqctx implements the per-request execution context a unit runs
// in.
//
// A Context is created for exactly one resolved request, optionally
// customized by a [Hook], handed to the unit as its [unit.Environment] and
// released exactly once whatever happens: success, hook failure, execution
// failure or panic. The unit's response is buffered and written to the
// client only after a successful run, so a failed run leaves the
// http.ResponseWriter untouched for the host's error handling.
package reqctx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/scriptgate/unit"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

var (
	// ErrReleased is returned when a released context is used.
	ErrReleased = errors.New("execution context released")
	// ErrReused is returned when Run is called on a context that already ran.
	ErrReused = errors.New("execution context already used")
)

// Hook customizes a context before its unit runs. A non-nil error aborts
// the request before execution.
type Hook func(*Context) error

// Chain runs hooks in order and stops at the first error. Nil hooks are
// skipped.
func Chain(hooks ...Hook) Hook {
	hooks = slices.DeleteFunc(slices.Clone(hooks), func(h Hook) bool { return h == nil })
	if len(hooks) == 0 {
		return nil
	}
	return func(c *Context) error {
		for _, h := range hooks {
			if err := h(c); err != nil {
				return err
			}
		}
		return nil
	}
}

// InjectVars returns a hook that sets every entry of vars on the context.
func InjectVars(vars map[string]string) Hook {
	vars = maps.Clone(vars)
	return func(c *Context) error {
		for k, v := range vars {
			c.SetVar(k, v)
		}
		return nil
	}
}

// PanicError carries a panic recovered from a hook or unit.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Option configures a Context.
type Option func(*Context)

// WithObserver registers fn to be called on every state transition.
func WithObserver(fn func(*Context, State)) Option {
	return func(c *Context) {
		c.observer = fn
	}
}

// WithRequestID overrides the generated request ID.
func WithRequestID(id string) Option {
	return func(c *Context) {
		c.id = id
	}
}

// WithLogger sets the logger used for lifecycle diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) {
		c.logger = l
	}
}

// WithCompression compresses response bodies of at least minSize bytes with
// br or gzip, as the request's Accept-Encoding allows. Zero disables it.
func WithCompression(minSize int) Option {
	return func(c *Context) {
		c.compressMin = minSize
	}
}

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Context is the execution environment for one request. It implements
// [unit.Environment].
type Context struct {
	id      string
	req     *http.Request
	root    string
	enc     encoding.Encoding
	encName string

	status  int
	header  http.Header
	vars    map[string]string
	closers []io.Closer

	// mu guards body and sink, the two fields that outlive the unit's run
	// or can be touched by an abandoning caller.
	mu   sync.Mutex
	body *bytes.Buffer
	sink http.ResponseWriter

	state       atomic.Int32
	releaseOnce sync.Once
	releaseErr  error

	compressMin int
	observer    func(*Context, State)
	logger      *zap.Logger
}

var _ unit.Environment = (*Context)(nil)

// New binds a context to one request. root must already be normalized. A nil
// enc means UTF-8. New performs no execution.
func New(w http.ResponseWriter, r *http.Request, root string, enc encoding.Encoding, opts ...Option) *Context {
	c := &Context{
		req:     r,
		root:    root,
		enc:     enc,
		encName: encodingName(enc),
		header:  make(http.Header),
		vars:    make(map[string]string),
		body:    bufPool.Get().(*bytes.Buffer),
		sink:    w,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.body.Reset()
	c.notify(StateCreated)
	return c
}

// Run drives the context through its lifecycle: the hook, the unit, the
// response commit and finally Release. Hook and unit errors are returned
// as-is after the context has been released.
func (c *Context) Run(ctx context.Context, h unit.Handle, hook Hook) (err error) {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateInitialized)) {
		return ErrReused
	}

	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
			c.transition(StateFaulted)
		}
		if rerr := c.Release(); rerr != nil {
			c.logger.Warn("release failed", zap.String("request_id", c.id), zap.Error(rerr))
		}
	}()

	c.notify(StateInitialized)
	if hook != nil {
		if err := hook(c); err != nil {
			c.transition(StateFaulted)
			return err
		}
	}

	c.transition(StateExecuting)
	if err := h.Run(ctx, c); err != nil {
		c.transition(StateFaulted)
		return err
	}

	c.transition(StateCompleted)
	return c.commit()
}

// Abandon detaches the response writer. After Abandon returns the context
// never touches the writer again, so the caller may return from its handler
// while the unit is still running.
func (c *Context) Abandon() {
	c.mu.Lock()
	c.sink = nil
	c.mu.Unlock()
}

func (c *Context) commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sink == nil {
		return nil
	}

	body, err := encodeBody(c.enc, c.encName, c.body.Bytes())
	if err != nil {
		return fmt.Errorf("encode response as %s: %w", c.encName, err)
	}

	dst := c.sink.Header()
	for k, vs := range c.header {
		dst[k] = append([]string(nil), vs...)
	}
	if dst.Get("Content-Type") == "" && len(body) > 0 {
		dst.Set("Content-Type", "text/html; charset="+c.encName)
	}
	body, coding, err := c.maybeCompress(body, dst)
	if err != nil {
		return err
	}
	if coding != "" {
		dst.Set("Content-Encoding", coding)
	}
	dst.Set("Content-Length", strconv.Itoa(len(body)))

	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	c.sink.WriteHeader(status)

	if c.req.Method == http.MethodHead {
		return nil
	}
	_, err = c.sink.Write(body)
	return err
}

// Release frees everything the context owns. It runs its work once; later
// calls return the first result.
func (c *Context) Release() error {
	c.releaseOnce.Do(func() {
		var errs []error
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closers = nil

		c.mu.Lock()
		c.body.Reset()
		bufPool.Put(c.body)
		c.body = nil
		c.sink = nil
		c.mu.Unlock()

		c.releaseErr = errors.Join(errs...)
		c.transition(StateReleased)
	})
	return c.releaseErr
}

func (c *Context) transition(s State) {
	c.state.Store(int32(s))
	c.notify(s)
}

func (c *Context) notify(s State) {
	c.logger.Debug("execution context transition",
		zap.String("request_id", c.id),
		zap.Stringer("state", s))
	if c.observer != nil {
		c.observer(c, s)
	}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	return State(c.state.Load())
}

// RequestID identifies the request in logs.
func (c *Context) RequestID() string { return c.id }

// Request returns the bound request.
func (c *Context) Request() *http.Request { return c.req }

// RootPath returns the normalized document root.
func (c *Context) RootPath() string { return c.root }

// Encoding returns the canonical output encoding label.
func (c *Context) Encoding() string { return c.encName }

// Header returns the buffered response headers.
func (c *Context) Header() http.Header { return c.header }

// SetStatus sets the buffered response status.
func (c *Context) SetStatus(code int) { c.status = code }

// Status returns the buffered response status, 0 if unset.
func (c *Context) Status() int { return c.status }

// Vars returns a copy of the injected variables.
func (c *Context) Vars() map[string]string { return maps.Clone(c.vars) }

// Var returns one injected variable.
func (c *Context) Var(key string) (string, bool) {
	v, ok := c.vars[key]
	return v, ok
}

// SetVar injects a variable visible to the unit.
func (c *Context) SetVar(key, value string) { c.vars[key] = value }

// Track registers a resource to close on Release. Closers run in reverse
// registration order. Tracking after release closes cl immediately.
func (c *Context) Track(cl io.Closer) {
	if c.State() == StateReleased {
		_ = cl.Close()
		return
	}
	c.closers = append(c.closers, cl)
}

// Output returns the response body sink. UTF-8 written here is converted to
// the configured encoding on commit.
func (c *Context) Output() io.Writer { return outputWriter{c} }

type outputWriter struct{ c *Context }

func (w outputWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.c.body == nil {
		return 0, ErrReleased
	}
	return w.c.body.Write(p)
}
