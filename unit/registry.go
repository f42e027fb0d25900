package unit

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Registry maps identifiers to loaded units. Entries are inserted only while
// [Load] runs and are never removed or replaced.
type Registry struct {
	units map[string]Handle
	names []string
}

// Load populates a registry from ids using loader. Identifiers that fail to
// load are reported on logger and skipped; the remaining ones are still
// registered. Load never fails as a whole.
func Load(ctx context.Context, loader Loader, ids []string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{units: make(map[string]Handle, len(ids))}
	for _, raw := range ids {
		if err := ctx.Err(); err != nil {
			logger.Warn("unit loading interrupted", zap.Error(err), zap.Int("loaded", len(r.names)))
			break
		}

		id := strings.TrimSpace(raw)
		if id == "" {
			logger.Warn("skipping blank unit identifier")
			continue
		}
		if _, dup := r.units[id]; dup {
			logger.Warn("skipping duplicate unit identifier", zap.String("unit", id))
			continue
		}

		h, err := safeLoad(ctx, loader, id)
		if err != nil {
			logger.Warn("unit failed to load", zap.String("unit", id), zap.Error(err))
			continue
		}

		r.units[id] = h
		r.names = append(r.names, id)
		logger.Debug("unit registered", zap.String("unit", id))
	}

	sort.Strings(r.names)
	return r
}

// FromHandles builds a registry from already loaded units, keyed by
// [Handle.Name]. Later duplicates are ignored.
func FromHandles(handles ...Handle) *Registry {
	r := &Registry{units: make(map[string]Handle, len(handles))}
	for _, h := range handles {
		if h == nil {
			continue
		}
		if _, dup := r.units[h.Name()]; dup {
			continue
		}
		r.units[h.Name()] = h
		r.names = append(r.names, h.Name())
	}
	sort.Strings(r.names)
	return r
}

func safeLoad(ctx context.Context, loader Loader, id string) (h Handle, err error) {
	defer func() {
		if p := recover(); p != nil {
			h, err = nil, fmt.Errorf("loader panicked: %v", p)
		}
	}()

	h, err = loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("load %s: %w", id, ErrNotFound)
	}
	return h, nil
}

// Lookup returns the unit registered under id.
func (r *Registry) Lookup(id string) (Handle, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.units[id]
	return h, ok
}

// Names returns the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Len reports the number of registered units.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.units)
}
