package dispatch

import (
	"net/http"
	"strconv"
	"time"
)

// indefiniteMaxAge is the max-age emitted for confirmed hash-qualified
// responses: the content at such a path can never change, so clients may
// cache it as long as they like.
const indefiniteMaxAge = 365 * 24 * time.Hour

// applyCacheHeaders emits the cache-control policy for a response.
// Confirmed hash-qualified paths cache indefinitely; plain responses with a
// modification timestamp revalidate on every use; dynamic responses
// without one must not be cached at all.
func applyCacheHeaders(h http.Header, confirmedHash bool, lastModified time.Time) {
	if !lastModified.IsZero() {
		h.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	switch {
	case confirmedHash:
		h.Set("Cache-Control", "public, max-age="+maxAgeSeconds(indefiniteMaxAge))
	case !lastModified.IsZero():
		h.Set("Cache-Control", "no-cache")
	default:
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
	}
}

func maxAgeSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatInt(secs, 10)
}

// ifModifiedSince parses the conditional validator at one-second
// granularity; a missing or malformed header yields the zero time.
func ifModifiedSince(r *http.Request) time.Time {
	value := r.Header.Get("If-Modified-Since")
	if value == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return t.Truncate(time.Second)
}
