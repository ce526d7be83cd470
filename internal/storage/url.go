package storage

import (
	"net/url"
	"strings"
)

// joinPublicURL appends an object key to base, escaping each path segment so
// file names with spaces or unicode stay resolvable.
func joinPublicURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}
