package reqctx_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caffeineduck/scriptgate/reqctx"
	"github.com/caffeineduck/scriptgate/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

type recorder struct {
	states []reqctx.State
}

func (r *recorder) observe(_ *reqctx.Context, s reqctx.State) {
	r.states = append(r.states, s)
}

func (r *recorder) count(s reqctx.State) int {
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func runUnit(fn func(ctx context.Context, env unit.Environment) error) unit.Handle {
	return unit.Func{ID: "test", Fn: fn}
}

func newContext(t *testing.T, rec *recorder, opts ...reqctx.Option) (*reqctx.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/index?x=1", nil)
	if rec != nil {
		opts = append(opts, reqctx.WithObserver(rec.observe))
	}
	return reqctx.New(w, r, "/var/www", nil, opts...), w
}

func TestRunSuccessCommitsAndReleases(t *testing.T) {
	rec := &recorder{}
	c, w := newContext(t, rec)

	released := 0
	err := c.Run(context.Background(), runUnit(func(_ context.Context, env unit.Environment) error {
		env.Track(closerFunc(func() error { released++; return nil }))
		env.Header().Set("X-Unit", "yes")
		env.SetStatus(http.StatusCreated)
		_, err := io.WriteString(env.Output(), "hello")
		return err
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, []reqctx.State{
		reqctx.StateCreated,
		reqctx.StateInitialized,
		reqctx.StateExecuting,
		reqctx.StateCompleted,
		reqctx.StateReleased,
	}, rec.states)
	assert.Equal(t, reqctx.StateReleased, c.State())
	assert.Equal(t, 1, released)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Unit"))
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "5", w.Header().Get("Content-Length"))
}

func TestConstructionDoesNotExecute(t *testing.T) {
	rec := &recorder{}
	c, w := newContext(t, rec)

	assert.Equal(t, []reqctx.State{reqctx.StateCreated}, rec.states)
	assert.Equal(t, reqctx.StateCreated, c.State())
	assert.NotEmpty(t, c.RequestID())
	assert.Equal(t, "/var/www", c.RootPath())
	assert.Equal(t, "utf-8", c.Encoding())
	assert.False(t, w.Flushed)
	assert.Zero(t, w.Body.Len())
	require.NoError(t, c.Release())
}

func TestHookFailureSkipsExecution(t *testing.T) {
	rec := &recorder{}
	c, w := newContext(t, rec)

	hookErr := errors.New("hook exploded")
	ran := false
	err := c.Run(context.Background(), runUnit(func(context.Context, unit.Environment) error {
		ran = true
		return nil
	}), func(*reqctx.Context) error { return hookErr })

	assert.Same(t, hookErr, err)
	assert.False(t, ran)
	assert.Equal(t, 1, rec.count(reqctx.StateReleased))
	assert.Zero(t, rec.count(reqctx.StateExecuting))
	assert.Equal(t, 1, rec.count(reqctx.StateFaulted))
	assert.Zero(t, w.Body.Len())
}

func TestExecutionFailurePropagatesUnwrapped(t *testing.T) {
	rec := &recorder{}
	c, w := newContext(t, rec)

	runErr := errors.New("unit failed")
	tracked := 0
	err := c.Run(context.Background(), runUnit(func(_ context.Context, env unit.Environment) error {
		env.Track(closerFunc(func() error { tracked++; return nil }))
		_, _ = io.WriteString(env.Output(), "partial")
		return runErr
	}), nil)

	assert.Same(t, runErr, err)
	assert.Equal(t, 1, tracked)
	assert.Equal(t, 1, rec.count(reqctx.StateFaulted))
	assert.Equal(t, 1, rec.count(reqctx.StateReleased))
	assert.Zero(t, rec.count(reqctx.StateCompleted))
	assert.Zero(t, w.Body.Len(), "failed runs must not write a response")
	assert.Empty(t, w.Header())
}

func TestPanicIsRecoveredAfterRelease(t *testing.T) {
	rec := &recorder{}
	c, _ := newContext(t, rec)

	err := c.Run(context.Background(), runUnit(func(context.Context, unit.Environment) error {
		panic("kaboom")
	}), nil)

	var perr *reqctx.PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "kaboom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, 1, rec.count(reqctx.StateReleased))
}

func TestHookPanicIsRecovered(t *testing.T) {
	rec := &recorder{}
	c, _ := newContext(t, rec)

	err := c.Run(context.Background(), runUnit(func(context.Context, unit.Environment) error {
		t.Fatal("unit must not run")
		return nil
	}), func(*reqctx.Context) error { panic("bad hook") })

	var perr *reqctx.PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, rec.count(reqctx.StateReleased))
}

func TestReleaseIsIdempotent(t *testing.T) {
	rec := &recorder{}
	c, _ := newContext(t, rec)

	closeErr := errors.New("close failed")
	closes := 0
	c.Track(closerFunc(func() error { closes++; return closeErr }))

	err1 := c.Release()
	err2 := c.Release()

	require.ErrorIs(t, err1, closeErr)
	assert.Equal(t, err1, err2)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, rec.count(reqctx.StateReleased))

	_, err := c.Output().Write([]byte("late"))
	assert.ErrorIs(t, err, reqctx.ErrReleased)
}

func TestReleaseClosesInReverseOrder(t *testing.T) {
	c, _ := newContext(t, nil)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		c.Track(closerFunc(func() error { order = append(order, name); return nil }))
	}
	require.NoError(t, c.Release())
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestTrackAfterReleaseClosesImmediately(t *testing.T) {
	c, _ := newContext(t, nil)
	require.NoError(t, c.Release())

	closed := false
	c.Track(closerFunc(func() error { closed = true; return nil }))
	assert.True(t, closed)
}

func TestRunTwiceIsRejected(t *testing.T) {
	c, _ := newContext(t, nil)
	nop := runUnit(func(context.Context, unit.Environment) error { return nil })

	require.NoError(t, c.Run(context.Background(), nop, nil))
	assert.ErrorIs(t, c.Run(context.Background(), nop, nil), reqctx.ErrReused)
}

func TestAbandonSkipsCommit(t *testing.T) {
	c, w := newContext(t, nil)
	c.Abandon()

	err := c.Run(context.Background(), runUnit(func(_ context.Context, env unit.Environment) error {
		_, err := io.WriteString(env.Output(), "too late")
		return err
	}), nil)

	require.NoError(t, err)
	assert.Equal(t, reqctx.StateReleased, c.State())
	assert.Zero(t, w.Body.Len())
}

func TestHooksInjectVariables(t *testing.T) {
	c, w := newContext(t, nil)

	hook := reqctx.Chain(
		reqctx.InjectVars(map[string]string{"APP_ENV": "prod", "REGION": "eu"}),
		nil,
		func(c *reqctx.Context) error {
			c.SetVar("REGION", "us")
			return nil
		},
	)

	err := c.Run(context.Background(), runUnit(func(_ context.Context, env unit.Environment) error {
		vars := env.Vars()
		_, err := io.WriteString(env.Output(), vars["APP_ENV"]+"/"+vars["REGION"])
		return err
	}), hook)

	require.NoError(t, err)
	assert.Equal(t, "prod/us", w.Body.String())
}

func TestChainStopsAtFirstError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	hook := reqctx.Chain(
		func(*reqctx.Context) error { calls++; return stop },
		func(*reqctx.Context) error { calls++; return nil },
	)

	c, _ := newContext(t, nil)
	defer c.Release()
	assert.Same(t, stop, hook(c))
	assert.Equal(t, 1, calls)

	assert.Nil(t, reqctx.Chain(nil, nil))
}

func TestVarsReturnsCopy(t *testing.T) {
	c, _ := newContext(t, nil)
	defer c.Release()

	c.SetVar("a", "1")
	vars := c.Vars()
	vars["a"] = "2"

	v, ok := c.Var("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestCommitEncodesOutput(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	c := reqctx.New(w, r, "/", charmap.Windows1252)

	err := c.Run(context.Background(), runUnit(func(_ context.Context, env unit.Environment) error {
		_, err := io.WriteString(env.Output(), "café €")
		return err
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, "windows-1252", c.Encoding())
	assert.Equal(t, []byte{'c', 'a', 'f', 0xe9, ' ', 0x80}, w.Body.Bytes())
	assert.Equal(t, "text/html; charset=windows-1252", w.Header().Get("Content-Type"))
}

func TestCommitKeepsUnitContentType(t *testing.T) {
	c, w := newContext(t, nil)

	err := c.Run(context.Background(), runUnit(func(_ context.Context, env unit.Environment) error {
		env.Header().Set("Content-Type", "application/json")
		_, err := io.WriteString(env.Output(), `{}`)
		return err
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHeadRequestOmitsBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodHead, "/", nil)
	c := reqctx.New(w, r, "/", nil)

	err := c.Run(context.Background(), runUnit(func(_ context.Context, env unit.Environment) error {
		_, err := io.WriteString(env.Output(), strings.Repeat("x", 10))
		return err
	}), nil)
	require.NoError(t, err)

	assert.Zero(t, w.Body.Len())
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
}

func TestWithRequestID(t *testing.T) {
	c, _ := newContext(t, nil, reqctx.WithRequestID("req-1"))
	defer c.Release()
	assert.Equal(t, "req-1", c.RequestID())
}

func TestLookupEncoding(t *testing.T) {
	tests := []struct {
		label, want string
	}{
		{"", "utf-8"},
		{"UTF-8", "utf-8"},
		{"latin1", "windows-1252"},
		{" iso-8859-2 ", "iso-8859-2"},
		{"shift_jis", "shift_jis"},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			enc, name, err := reqctx.LookupEncoding(tt.label)
			require.NoError(t, err)
			assert.NotNil(t, enc)
			assert.Equal(t, tt.want, name)
		})
	}

	_, _, err := reqctx.LookupEncoding("klingon-1")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "released", reqctx.StateReleased.String())
	assert.Equal(t, "state(42)", reqctx.State(42).String())
}
