package executor

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/caffeineduck/scriptgate/resolve"
	"github.com/caffeineduck/scriptgate/unit"
)

// environ builds the CGI-style environment for one run, sorted by key.
// Injected variables override request variables of the same name.
func environ(env unit.Environment, id string) [][2]string {
	r := env.Request()
	vars := map[string]string{
		"GATEWAY_INTERFACE":     "CGI/1.1",
		"SERVER_SOFTWARE":       "scriptgate",
		"REQUEST_METHOD":        r.Method,
		"REQUEST_URI":           r.RequestURI,
		"SCRIPT_NAME":           "/" + id,
		"SCRIPT_FILENAME":       resolve.JoinRoot(env.RootPath(), id),
		"DOCUMENT_ROOT":         env.RootPath(),
		"PATH_INFO":             r.URL.Path,
		"QUERY_STRING":          r.URL.RawQuery,
		"SERVER_PROTOCOL":       r.Proto,
		"REMOTE_ADDR":           r.RemoteAddr,
		"SCRIPTGATE_REQUEST_ID": env.RequestID(),
		"SCRIPTGATE_ENCODING":   env.Encoding(),
	}
	if vars["REQUEST_URI"] == "" {
		vars["REQUEST_URI"] = r.URL.RequestURI()
	}
	if r.Host != "" {
		vars["SERVER_NAME"] = r.Host
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		vars["CONTENT_TYPE"] = ct
	}
	if r.ContentLength >= 0 && r.Body != nil && r.Body != http.NoBody {
		vars["CONTENT_LENGTH"] = strconv.FormatInt(r.ContentLength, 10)
	}

	for k, vs := range r.Header {
		switch k {
		case "Content-Type", "Content-Length":
			continue
		}
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		vars[key] = strings.Join(vs, ", ")
	}

	for k, v := range env.Vars() {
		vars[k] = v
	}

	out := make([][2]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
