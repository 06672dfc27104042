package cache

import (
	"net/http"
	"net/url"
	"strings"
)

// CacheKey identifies a cached response.
type CacheKey struct {
	// Method is the request method; empty means GET
	Method string

	// URL is the absolute request URL
	URL string
}

// KeyFromRequest builds the key for a request. The URL fragment is dropped.
func KeyFromRequest(req *http.Request) CacheKey {
	if req == nil || req.URL == nil {
		return CacheKey{}
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return CacheKey{Method: req.Method, URL: u.String()}
}

// KeyFromURL builds a GET key for an absolute URL.
func KeyFromURL(u *url.URL) CacheKey {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return CacheKey{Method: http.MethodGet, URL: c.String()}
}

// Matchable reports whether lookups with this key can ever hit.
// Only read-only retrievals are stored, so anything but GET is a miss.
func (k CacheKey) Matchable() bool {
	return k.URL != "" && (k.Method == "" || strings.EqualFold(k.Method, http.MethodGet))
}

// String generates the deterministic key string.
// Format: GET <absolute-url>
//
// Example:
//
//	GET https://muscu.example/app/index.html
func (k CacheKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + k.URL
}
