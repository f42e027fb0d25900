package reqctx

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/caffeineduck/scriptgate/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateEncoding(t *testing.T) {
	tests := []struct {
		header, want string
	}{
		{"", ""},
		{"identity", ""},
		{"gzip", "gzip"},
		{"gzip, deflate, br", "br"},
		{"br;q=0, gzip;q=0.5", "gzip"},
		{"br;q=0.0", ""},
		{"*", "br"},
		{"GZIP", "gzip"},
		{"br;q=0, *", "gzip"},
		{"br;q=0, gzip;q=0, *", ""},
		{"gzip, *;q=0", "gzip"},
		{"*;q=0", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, negotiateEncoding(tt.header), tt.header)
	}
}

func runCompressed(t *testing.T, acceptEncoding, body string, setup func(unit.Environment)) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if acceptEncoding != "" {
		r.Header.Set("Accept-Encoding", acceptEncoding)
	}
	c := New(w, r, "/", nil, WithCompression(16))
	err := c.Run(context.Background(), unit.Func{ID: "page", Fn: func(_ context.Context, env unit.Environment) error {
		if setup != nil {
			setup(env)
		}
		_, err := io.WriteString(env.Output(), body)
		return err
	}}, nil)
	require.NoError(t, err)
	return w
}

func TestCommitCompressesBrotli(t *testing.T) {
	body := strings.Repeat("hello scriptgate ", 20)
	w := runCompressed(t, "gzip, br", body, nil)

	assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", w.Header().Get("Vary"))
	assert.Less(t, w.Body.Len(), len(body))

	got, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestCommitCompressesGzip(t *testing.T) {
	body := strings.Repeat("a", 64)
	w := runCompressed(t, "gzip", body, nil)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestCommitSkipsCompression(t *testing.T) {
	t.Run("small body", func(t *testing.T) {
		w := runCompressed(t, "br", "tiny", nil)
		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, "tiny", w.Body.String())
	})
	t.Run("client without support", func(t *testing.T) {
		body := strings.Repeat("b", 64)
		w := runCompressed(t, "", body, nil)
		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, "Accept-Encoding", w.Header().Get("Vary"))
		assert.Equal(t, body, w.Body.String())
	})
	t.Run("unit encoded itself", func(t *testing.T) {
		body := strings.Repeat("c", 64)
		w := runCompressed(t, "br", body, func(env unit.Environment) {
			env.Header().Set("Content-Encoding", "identity")
		})
		assert.Equal(t, "identity", w.Header().Get("Content-Encoding"))
		assert.Equal(t, body, w.Body.String())
	})
}
