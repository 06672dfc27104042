package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestCacheEntry_Clone(t *testing.T) {
	original := &CacheEntry{
		URL:        "https://muscu.example/index.html",
		Data:       []byte("<html></html>"),
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		CachedAt:   time.Now(),
	}

	clone := original.Clone()
	clone.Data[0] = 'X'
	clone.Headers.Set("Content-Type", "text/plain")

	if string(original.Data) != "<html></html>" {
		t.Errorf("Clone shares body buffer: original = %q", original.Data)
	}
	if got := original.Headers.Get("Content-Type"); got != "text/html" {
		t.Errorf("Clone shares headers: original Content-Type = %q", got)
	}
}

func TestCacheEntry_Clone_Nil(t *testing.T) {
	var entry *CacheEntry
	if entry.Clone() != nil {
		t.Error("Clone of nil entry should be nil")
	}
}

func TestCacheEntry_Key(t *testing.T) {
	entry := &CacheEntry{URL: "https://muscu.example/app.js"}
	want := "GET https://muscu.example/app.js"
	if got := entry.Key().String(); got != want {
		t.Errorf("Key() = %v, want %v", got, want)
	}
}
