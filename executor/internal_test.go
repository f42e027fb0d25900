package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caffeineduck/scriptgate/hostfunc"
	"github.com/caffeineduck/scriptgate/reqctx"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEnviron(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://example.com/api/users?page=2", strings.NewReader("a=1"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	r.Header.Add("Accept", "text/html")
	r.Header.Add("Accept", "application/json")

	c := reqctx.New(httptest.NewRecorder(), r, "/var/www", nil, reqctx.WithRequestID("req-9"))
	defer c.Release()
	c.SetVar("APP_ENV", "prod")
	c.SetVar("QUERY_STRING", "overridden")

	kv := environ(c, "api/users")
	got := make(map[string]string, len(kv))
	for i, e := range kv {
		got[e[0]] = e[1]
		if i > 0 {
			assert.Less(t, kv[i-1][0], e[0], "environment must be sorted")
		}
	}

	assert.Equal(t, "CGI/1.1", got["GATEWAY_INTERFACE"])
	assert.Equal(t, "POST", got["REQUEST_METHOD"])
	assert.Equal(t, "/api/users", got["PATH_INFO"])
	assert.Equal(t, "/api/users", got["SCRIPT_NAME"])
	assert.Equal(t, "/var/www/api/users", got["SCRIPT_FILENAME"])
	assert.Equal(t, "/var/www", got["DOCUMENT_ROOT"])
	assert.Equal(t, "application/x-www-form-urlencoded", got["CONTENT_TYPE"])
	assert.Equal(t, "3", got["CONTENT_LENGTH"])
	assert.Equal(t, "10.0.0.1", got["HTTP_X_FORWARDED_FOR"])
	assert.Equal(t, "text/html, application/json", got["HTTP_ACCEPT"])
	assert.Equal(t, "example.com", got["SERVER_NAME"])
	assert.Equal(t, "req-9", got["SCRIPTGATE_REQUEST_ID"])
	assert.Equal(t, "utf-8", got["SCRIPTGATE_ENCODING"])
	assert.Equal(t, "prod", got["APP_ENV"])
	assert.Equal(t, "overridden", got["QUERY_STRING"])
	assert.NotContains(t, got, "HTTP_CONTENT_TYPE")
}

func TestEnvironWithoutBody(t *testing.T) {
	c := reqctx.New(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "/", nil)
	defer c.Release()

	for _, e := range environ(c, "index") {
		assert.NotEqual(t, "CONTENT_LENGTH", e[0])
		assert.NotEqual(t, "CONTENT_TYPE", e[0])
	}
}

func TestLineLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newLineLogger(zap.New(core))

	_, _ = l.Write([]byte("first li"))
	assert.Zero(t, logs.Len())
	_, _ = l.Write([]byte("ne\r\nsecond\nthi"))
	l.Flush()
	l.Flush()

	var lines []string
	for _, e := range logs.All() {
		lines = append(lines, e.ContextMap()["line"].(string))
	}
	assert.Equal(t, []string{"first line", "second", "thi"}, lines)
}

func TestLineLoggerSplitsLongLines(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newLineLogger(zap.New(core))

	_, _ = l.Write([]byte(strings.Repeat("x", maxLineBytes)))
	assert.Equal(t, 1, logs.Len())
}

func TestHandleCall(t *testing.T) {
	reg := hostfunc.NewRegistry()
	reg.Register("echo", func(_ context.Context, args map[string]any) (any, error) {
		return args["v"], nil
	})
	reg.Register("fail", func(context.Context, map[string]any) (any, error) {
		return nil, assert.AnError
	})

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"data", `{"fn":"echo","args":{"v":"hi"}}`, `{"data":"hi"}`},
		{"no args", `{"fn":"echo"}`, `{}`},
		{"error", `{"fn":"fail","args":{}}`, `{"error":"` + assert.AnError.Error() + `"}`},
		{"unknown", `{"fn":"nope"}`, `{"error":"unknown function: nope"}`},
		{"malformed", `{"fn":`, `{"error":"invalid call format"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := handleCall(context.Background(), reg, []byte(tt.payload))
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
