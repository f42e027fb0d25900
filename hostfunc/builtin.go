package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var errNoEnvironment = errors.New("no request environment")

// Builtins returns a registry holding the response and request functions
// every unit can call:
//
//	response_status  {"code": 201}
//	response_header  {"name": "X-A", "value": "b", "append": false}
//	request_var      {"name": "APP_ENV"}          -> string or null
//	log              {"level": "info", "msg": "..."}
//	time_now         {}                           -> seconds since epoch
func Builtins(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := NewRegistry()
	r.Register("response_status", ResponseStatus)
	r.Register("response_header", ResponseHeader)
	r.Register("request_var", RequestVar)
	r.Register("log", NewLog(logger))
	r.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})
	return r
}

// ResponseStatus sets the response status code.
func ResponseStatus(ctx context.Context, args map[string]any) (any, error) {
	env, ok := EnvironmentFrom(ctx)
	if !ok {
		return nil, errNoEnvironment
	}

	code, ok := args["code"].(float64)
	if !ok {
		return nil, errors.New("code required")
	}
	if code < 100 || code > 999 || code != float64(int(code)) {
		return nil, fmt.Errorf("invalid status code %v", code)
	}

	env.SetStatus(int(code))
	return "ok", nil
}

// ResponseHeader sets or appends a response header.
func ResponseHeader(ctx context.Context, args map[string]any) (any, error) {
	env, ok := EnvironmentFrom(ctx)
	if !ok {
		return nil, errNoEnvironment
	}

	name, _ := args["name"].(string)
	if name == "" {
		return nil, errors.New("name required")
	}
	value, _ := args["value"].(string)
	if strings.ContainsAny(name+value, "\r\n") {
		return nil, errors.New("header must not contain line breaks")
	}

	if appendValue, _ := args["append"].(bool); appendValue {
		env.Header().Add(name, value)
	} else {
		env.Header().Set(name, value)
	}
	return "ok", nil
}

// RequestVar returns a variable injected before execution, or nil.
func RequestVar(ctx context.Context, args map[string]any) (any, error) {
	env, ok := EnvironmentFrom(ctx)
	if !ok {
		return nil, errNoEnvironment
	}

	name, _ := args["name"].(string)
	if name == "" {
		return nil, errors.New("name required")
	}
	if v, ok := env.Vars()[name]; ok {
		return v, nil
	}
	return nil, nil
}

// NewLog returns a host function that writes unit messages to logger.
func NewLog(logger *zap.Logger) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		msg, _ := args["msg"].(string)
		fields := []zap.Field{zap.String("source", "unit")}
		if env, ok := EnvironmentFrom(ctx); ok {
			fields = append(fields, zap.String("request_id", env.RequestID()))
			if r := env.Request(); r != nil {
				fields = append(fields, zap.String("path", r.URL.Path))
			}
		}

		level, _ := args["level"].(string)
		switch strings.ToLower(level) {
		case "debug":
			logger.Debug(msg, fields...)
		case "warn", "warning":
			logger.Warn(msg, fields...)
		case "error":
			logger.Error(msg, fields...)
		default:
			logger.Info(msg, fields...)
		}
		return "ok", nil
	}
}
