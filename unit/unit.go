// Package unit defines executable units and the write-once registry that
// holds them for the lifetime of the process.
//
// A registry is built exactly once, before any request is served, by [Load].
// Afterwards it is read-only and safe for any number of concurrent readers
// without locking.
package unit

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// ErrNotFound is returned (possibly wrapped) by a [Loader] when no unit
// exists for an identifier.
var ErrNotFound = errors.New("unit not found")

// Environment is what a running unit sees of its request. It is bound to
// exactly one request and is never shared.
type Environment interface {
	// Request returns the inbound request.
	Request() *http.Request
	// Header returns the response headers the unit may modify.
	Header() http.Header
	// SetStatus sets the response status code.
	SetStatus(code int)
	// Output is the response body sink.
	Output() io.Writer
	// RootPath is the normalized document root.
	RootPath() string
	// Encoding is the configured output encoding name.
	Encoding() string
	// Vars returns variables injected before execution.
	Vars() map[string]string
	// Track hands a request-scoped resource to the environment. It is
	// closed when the request's execution context is released.
	Track(c io.Closer)
	// RequestID identifies the request in logs.
	RequestID() string
}

// Handle is a loaded, executable unit.
type Handle interface {
	Name() string
	Run(ctx context.Context, env Environment) error
}

// Loader resolves an identifier to a [Handle].
type Loader interface {
	Load(ctx context.Context, id string) (Handle, error)
}

// LoaderFunc adapts a function to [Loader].
type LoaderFunc func(ctx context.Context, id string) (Handle, error)

func (f LoaderFunc) Load(ctx context.Context, id string) (Handle, error) {
	return f(ctx, id)
}

// Func adapts a plain function to [Handle].
type Func struct {
	ID string
	Fn func(ctx context.Context, env Environment) error
}

func (f Func) Name() string { return f.ID }

func (f Func) Run(ctx context.Context, env Environment) error {
	return f.Fn(ctx, env)
}
