package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/caffeineduck/scriptgate/hostfunc"
	"github.com/caffeineduck/scriptgate/unit"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// ExitError reports a unit that exited with a non-zero code.
type ExitError struct {
	Unit string
	Code uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("unit %s exited with code %d", e.Unit, e.Code)
}

// Module is a compiled unit. It implements unit.Handle and is safe for
// concurrent use: every Run gets its own instance.
type Module struct {
	name     string
	compiled wazero.CompiledModule
	exec     *Executor
}

var _ unit.Handle = (*Module)(nil)

// Name returns the unit identifier.
func (m *Module) Name() string {
	return m.name
}

// Run instantiates the unit for one request. The instance is handed to env
// and closed when the request's context is released.
func (m *Module) Run(ctx context.Context, env unit.Environment) error {
	r := env.Request()

	var stdin io.Reader = http.NoBody
	if r.Body != nil {
		stdin = r.Body
	}

	stderr := newLineLogger(m.exec.logger.With(
		zap.String("unit", m.name),
		zap.String("request_id", env.RequestID()),
	))
	defer stderr.Flush()

	moduleConfig := wazero.NewModuleConfig().
		WithStdin(stdin).
		WithStdout(env.Output()).
		WithStderr(stderr).
		WithArgs(m.name).
		WithSysWalltime().
		WithSysNanotime().
		WithName("")

	for _, kv := range environ(env, m.name) {
		moduleConfig = moduleConfig.WithEnv(kv[0], kv[1])
	}

	mod, err := m.exec.runtime.InstantiateModule(hostfunc.WithEnvironment(ctx, env), m.compiled, moduleConfig)
	if mod != nil {
		env.Track(instanceCloser{mod})
	}
	if err == nil {
		return nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return nil
		case sys.ExitCodeDeadlineExceeded:
			return fmt.Errorf("unit %s: %w", m.name, context.DeadlineExceeded)
		case sys.ExitCodeContextCanceled:
			return fmt.Errorf("unit %s: %w", m.name, context.Canceled)
		default:
			return &ExitError{Unit: m.name, Code: exitErr.ExitCode()}
		}
	}
	return fmt.Errorf("unit %s: %w", m.name, err)
}

type instanceCloser struct {
	mod api.Module
}

func (c instanceCloser) Close() error {
	return c.mod.Close(context.Background())
}
