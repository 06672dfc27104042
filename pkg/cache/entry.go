package cache

import (
	"net/http"
	"time"
)

// CacheEntry is a stored response snapshot.
type CacheEntry struct {
	// URL is the absolute request URL the response answered
	URL string `json:"url"`

	// Data is the response body
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// Key returns the key the entry is stored under when it is added in bulk.
func (e *CacheEntry) Key() CacheKey {
	return CacheKey{Method: http.MethodGet, URL: e.URL}
}

// Clone returns a deep copy so the stored snapshot and the caller's copy
// never share a body buffer.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	c.Headers = e.Headers.Clone()
	return &c
}
