package hashuri

import "time"

// Decision is the cache strategy for one request against one resource.
type Decision int

const (
	// DecisionNoStore means the resource is never hash-cached; serve it
	// fresh and emit cache-disabling headers.
	DecisionNoStore Decision = iota
	// DecisionFresh means the entry is still valid but the client's copy
	// predates it; serve fresh content without rescheduling hashing.
	DecisionFresh
	// DecisionExpired means the entry is missing or past its window; serve
	// fresh content and schedule a re-hash.
	DecisionExpired
	// DecisionNotModified means the client's conditional validator is
	// current; answer without invoking the handler.
	DecisionNotModified
)

func (d Decision) String() string {
	switch d {
	case DecisionNoStore:
		return "no_store"
	case DecisionFresh:
		return "fresh"
	case DecisionExpired:
		return "expired"
	case DecisionNotModified:
		return "not_modified"
	default:
		return "unknown"
	}
}

// Decide applies the freshness algorithm for originalPath at now given the
// client's If-Modified-Since validator (zero when absent). The returned
// Entry is valid only when one exists for the path.
func (r *Registry) Decide(originalPath string, maxAge time.Duration, ifModifiedSince time.Time, now time.Time) (Decision, Entry) {
	if maxAge <= 0 {
		return DecisionNoStore, Entry{}
	}
	entry, ok := r.FreshnessFor(originalPath)
	if !ok {
		return DecisionExpired, Entry{}
	}
	if entry.remaining(now) <= 0 {
		return DecisionExpired, entry
	}
	if !ifModifiedSince.IsZero() && !ifModifiedSince.Truncate(time.Second).Before(entry.LastModified) {
		return DecisionNotModified, entry
	}
	return DecisionFresh, entry
}
