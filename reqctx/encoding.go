package reqctx

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// LookupEncoding resolves an encoding label such as "utf-8", "latin1" or
// "windows-1252". The empty label means UTF-8. The returned name is the
// canonical label used in Content-Type headers.
func LookupEncoding(label string) (encoding.Encoding, string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return unicode.UTF8, "utf-8", nil
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, "", fmt.Errorf("unknown encoding %q: %w", label, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(label)
	}
	return enc, name, nil
}

func encodingName(enc encoding.Encoding) string {
	if enc == nil {
		return "utf-8"
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return "utf-8"
	}
	return name
}

func encodeBody(enc encoding.Encoding, name string, body []byte) ([]byte, error) {
	if enc == nil || name == "utf-8" {
		return body, nil
	}
	return encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes(body)
}
