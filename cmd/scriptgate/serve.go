package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caffeineduck/scriptgate/config"
	"github.com/caffeineduck/scriptgate/dispatch"
	"github.com/caffeineduck/scriptgate/executor"
	"github.com/caffeineduck/scriptgate/internal/logging"
	"github.com/caffeineduck/scriptgate/reqctx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start an HTTP server that dispatches requests to units.

Routing:
  /<id>           runs unit <id> if it is registered
  /               runs the default unit (--default-unit)
  /<dir>/         runs <dir>/<default-unit>
  GET /health     liveness check
  anything else   --static-dir file server, or 404

Units see the request as CGI-style environment variables, read the body on
stdin and write the response body to stdout.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	f := serveCmd.Flags()
	f.String("listen", ":8080", "Address to listen on")
	f.String("root", ".", "Document root reported to units")
	f.String("static-dir", "", "Serve unmatched requests from this directory")
	f.String("encoding", "utf-8", "Output encoding, e.g. utf-8, windows-1252")
	f.String("default-unit", "index", "Unit serving / and directory paths")
	f.Int("workers", 0, "Concurrent executions (default: GOMAXPROCS)")
	f.Duration("timeout", dispatch.DefaultTimeout, "Execution timeout per request")
	f.Int("compress-min-size", 0, "Compress responses of at least this many bytes with br or gzip (0 disables)")
	f.StringToString("var", nil, "Variable injected into every unit, KEY=VALUE (repeatable)")
	return serveCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	extra, _ := cmd.Flags().GetStringToString("var")
	cfg.MergeVars(extra)

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfgPath != "" {
		logger.Info("config loaded", zap.String("path", cfgPath))
	}

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, cfg.Listen)
}

// server wires the executor, the dispatcher and the pass-through handler.
type server struct {
	exec    *executor.Executor
	ctrl    *dispatch.Controller
	handler http.Handler
	logger  *zap.Logger
}

func newServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return nil, err
	}

	ids, err := preloadList(cfg, exec)
	if err != nil {
		exec.Close()
		return nil, err
	}
	dcfg := cfg.Dispatch()
	dcfg.Preload = ids
	dcfg.BeforeRequest = func(c *reqctx.Context) error {
		c.Header().Set("X-Request-Id", c.RequestID())
		return nil
	}

	ctrl, err := dispatch.New(dcfg, exec.Loader(cfg.UnitsDir), dispatch.WithLogger(logger))
	if err != nil {
		exec.Close()
		return nil, err
	}

	next := http.NotFoundHandler()
	if cfg.StaticDir != "" {
		next = http.FileServer(http.Dir(cfg.StaticDir))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", ctrl.Middleware(next))

	return &server{exec: exec, ctrl: ctrl, handler: mux, logger: logger}, nil
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx ends, then drains in-flight requests.
func (s *server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("scriptgate listening",
			zap.String("addr", addr),
			zap.Strings("units", s.ctrl.Registry().Names()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close waits for running units and releases the runtime.
func (s *server) Close() error {
	return errors.Join(s.ctrl.Close(), s.exec.Close())
}
