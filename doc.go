// Package scriptgate routes HTTP requests to precompiled WebAssembly units.
//
// # Overview
//
// scriptgate is a middleware. Each request path is resolved against a
// registry of units compiled once at startup. A match runs the unit in an
// isolated, request-scoped execution context on a bounded worker pool; any
// other request passes to the next handler untouched.
//
// # Basic Usage
//
//	exec, _ := executor.New()
//	defer exec.Close()
//
//	ctrl, err := dispatch.New(dispatch.Config{
//	    Root:    "/var/www",
//	    Preload: []string{"index", "api/users"},
//	    Vars:    map[string]string{"APP_ENV": "prod"},
//	}, exec.Loader("./units"), dispatch.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Close()
//
//	http.ListenAndServe(":8080", ctrl.Middleware(http.FileServer(http.Dir("./public"))))
//
// Units that fail to load are logged and skipped; they never stop startup.
//
// # Writing Units
//
// A unit is a WASI command module. It reads the request body on stdin,
// writes the response body to stdout and finds the request in CGI-style
// environment variables. Status and headers are set through the
// scriptgate.call host import, see the [executor] and [hostfunc] packages.
//
// See the [dispatch], [reqctx], [resolve] and [unit] packages for the
// request lifecycle.
package scriptgate
