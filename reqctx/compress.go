package reqctx

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// negotiateEncoding picks the content coding for an Accept-Encoding header,
// preferring br over gzip. A "*" entry only covers codings the header does
// not name. It returns "" when neither is acceptable.
func negotiateEncoding(header string) string {
	named := make(map[string]bool, 2) // coding -> accepted
	wildcard := false
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		accepted := true
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok && isZeroQ(q) {
			accepted = false
		}
		switch name {
		case "br", "gzip":
			named[name] = accepted
		case "*":
			wildcard = accepted
		}
	}
	for _, coding := range []string{"br", "gzip"} {
		accepted, ok := named[coding]
		if (ok && accepted) || (!ok && wildcard) {
			return coding
		}
	}
	return ""
}

func isZeroQ(q string) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(q), 64)
	return err == nil && v == 0
}

func newCompressWriter(buf *bytes.Buffer, coding string) (io.WriteCloser, error) {
	switch coding {
	case "br":
		return brotli.NewWriter(buf), nil
	case "gzip":
		return gzip.NewWriter(buf), nil
	default:
		return nil, fmt.Errorf("unsupported content coding %q", coding)
	}
}

func compressBody(body []byte, coding string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := newCompressWriter(&buf, coding)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maybeCompress compresses body for the client when the context allows it.
// It returns the coding applied, "" for none.
func (c *Context) maybeCompress(body []byte, dst http.Header) ([]byte, string, error) {
	if c.compressMin <= 0 || len(body) < c.compressMin || dst.Get("Content-Encoding") != "" {
		return body, "", nil
	}
	dst.Add("Vary", "Accept-Encoding")
	coding := negotiateEncoding(c.req.Header.Get("Accept-Encoding"))
	if coding == "" {
		return body, "", nil
	}
	out, err := compressBody(body, coding)
	if err != nil {
		return nil, "", fmt.Errorf("compress response: %w", err)
	}
	return out, coding, nil
}
