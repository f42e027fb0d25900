package dispatch

import (
	"net/http"

	"github.com/caffeineduck/scriptgate/reqctx"
	"go.uber.org/zap"
)

// Option configures a Controller at creation time.
type Option func(*options)

// ErrorHandler reports a hook or execution failure to the client.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type options struct {
	logger       *zap.Logger
	errorHandler ErrorHandler
	observer     func(*reqctx.Context, reqctx.State)
	requestIDHdr string
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		requestIDHdr: "X-Request-Id",
	}
}

// WithLogger sets the logger used for registration and request diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler replaces the handler [Controller.Middleware] calls when
// Handle fails. The default logs the error and replies 500, or nothing at
// all when the client has gone away.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) {
		o.errorHandler = h
	}
}

// WithObserver registers fn on every execution context the controller
// creates.
func WithObserver(fn func(*reqctx.Context, reqctx.State)) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// WithRequestIDHeader names the inbound header whose value is reused as the
// request ID. Empty disables it; IDs are then always generated.
func WithRequestIDHeader(name string) Option {
	return func(o *options) {
		o.requestIDHdr = name
	}
}
