package resolve

import (
	"path"
	"strings"
)

// NormalizeRoot converts a document root to slash form with no trailing
// slash. The empty root and any root that reduces to a slash become "/".
// NormalizeRoot(NormalizeRoot(p)) == NormalizeRoot(p) for every p.
func NormalizeRoot(root string) string {
	if root == "" {
		return "/"
	}
	return path.Clean(strings.ReplaceAll(root, `\`, "/"))
}

// NormalizePath converts a request path to a unit identifier: slash form,
// cleaned, without leading or trailing slash. The result never climbs above
// the root; "" means the root itself.
func NormalizePath(requestPath string) string {
	p := path.Clean("/" + strings.ReplaceAll(requestPath, `\`, "/"))
	return strings.TrimPrefix(p, "/")
}

// JoinRoot joins a normalized root and identifier into a file identity.
func JoinRoot(root, id string) string {
	if id == "" {
		return root
	}
	if root == "/" {
		return "/" + id
	}
	return root + "/" + id
}
