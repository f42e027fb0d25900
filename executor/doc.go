// Package executor runs precompiled WebAssembly units on a shared wazero
// runtime.
//
// # Overview
//
// An [Executor] owns one runtime with WASI and the scriptgate host module
// instantiated. Units are compiled once, at startup, by the loader returned
// from [Executor.Loader]; each request then instantiates the compiled module
// afresh, so no state leaks between requests.
//
// # Basic Usage
//
//	exec, err := executor.New(executor.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	reg := unit.Load(ctx, exec.Loader("./units"), []string{"index", "api/users"}, logger)
//
// # Unit ABI
//
// A unit is a WASI command module. While its _start runs:
//
//   - stdin is the request body,
//   - stdout is the response body,
//   - stderr lines are logged at debug level,
//   - the environment holds CGI-style request variables (REQUEST_METHOD,
//     QUERY_STRING, HTTP_*, ...) plus variables injected by hooks,
//   - scriptgate.call(req_ptr, req_len, resp_ptr, resp_cap) -> resp_len
//     dispatches a JSON host call, see package hostfunc.
//
// A non-zero exit code is reported as an [*ExitError].
package executor
