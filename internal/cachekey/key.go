package cachekey

import (
	"net/url"
	"strings"
)

// Normalize derives the cache identity of a resource URL. The origin is
// stripped so the same path and query served from different hosts (CDN edges,
// signed storage mirrors) collapse into a single entry. Input that does not
// parse as an absolute URL is returned trimmed so callers still get a stable
// key.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" || parsed.Opaque != "" {
		return trimmed
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		return path + "?" + parsed.RawQuery
	}
	return path
}
