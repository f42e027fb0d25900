// Package resolve maps request paths onto units held by a [unit.Registry].
package resolve

import (
	"strings"

	"github.com/caffeineduck/scriptgate/unit"
)

// DefaultUnit is the identifier served for the root path unless overridden.
const DefaultUnit = "index"

// Result is the outcome of one resolution. The zero value means not found.
type Result struct {
	Found      bool
	Unit       unit.Handle
	Identifier string
	// Path is the root-joined identity of the unit, e.g. /var/www/index.
	Path string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultUnit sets the identifier used for the root path and for
// directory-style paths. An empty id disables the fallback.
func WithDefaultUnit(id string) Option {
	return func(r *Resolver) {
		r.defaultUnit = NormalizePath(id)
	}
}

// WithExtensions sets the suffixes stripped from a request path when the
// exact identifier is not registered, e.g. "/index.wasm" -> "index".
func WithExtensions(exts ...string) Option {
	return func(r *Resolver) {
		r.exts = exts
	}
}

// Resolver resolves request paths against a registry. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	root        string
	registry    *unit.Registry
	defaultUnit string
	exts        []string
}

// New returns a Resolver for root. root is normalized with [NormalizeRoot].
func New(root string, registry *unit.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		root:        NormalizeRoot(root),
		registry:    registry,
		defaultUnit: DefaultUnit,
		exts:        []string{".wasm"},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Root returns the normalized root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve looks up the unit for requestPath. A miss is the zero Result,
// never an error.
func (r *Resolver) Resolve(requestPath string) Result {
	id := NormalizePath(requestPath)
	if id == "" {
		if r.defaultUnit == "" {
			return Result{}
		}
		return r.lookup(r.defaultUnit)
	}

	if res := r.lookup(id); res.Found {
		return res
	}

	for _, ext := range r.exts {
		if ext == "" || len(id) <= len(ext) || !strings.HasSuffix(id, ext) {
			continue
		}
		if res := r.lookup(strings.TrimSuffix(id, ext)); res.Found {
			return res
		}
	}

	// directory index: /blog and /blog/ both try blog/index
	if r.defaultUnit != "" {
		return r.lookup(id + "/" + r.defaultUnit)
	}
	return Result{}
}

func (r *Resolver) lookup(id string) Result {
	h, ok := r.registry.Lookup(id)
	if !ok {
		return Result{}
	}
	return Result{
		Found:      true,
		Unit:       h,
		Identifier: id,
		Path:       JoinRoot(r.root, id),
	}
}
