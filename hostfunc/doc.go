// Package hostfunc provides the host functions a running unit can call.
//
// Units reach the host through a single import, scriptgate.call, passing a
// JSON request {"fn": name, "args": {...}} and receiving {"data": ...} or
// {"error": "..."}. The functions in a [Registry] are shared by all requests;
// each call finds its own request through the context, see
// [WithEnvironment].
//
// # Registry
//
//	registry := hostfunc.Builtins(logger)
//	registry.Register("feature_flag", func(ctx context.Context, args map[string]any) (any, error) {
//	    return flags.Enabled(args["name"].(string)), nil
//	})
//
// # Built-in functions
//
// [Builtins] exposes the response sink (status and headers), variables
// injected by pre-execution hooks, logging and the wall clock. Units write
// the response body to stdout and read the request body from stdin.
package hostfunc
