package hashuri

import (
	"bytes"
	"container/list"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	DefaultSegment    = "_"
	DefaultMaxEntries = 4096
)

// Entry records the published hash state for one original path.
type Entry struct {
	OriginalPath string
	HashKey      string
	LastModified time.Time
	MaxAge       time.Duration
	RefreshedAt  time.Time
}

func (e Entry) remaining(now time.Time) time.Duration {
	return e.RefreshedAt.Add(e.MaxAge).Sub(now)
}

// Opener produces the current bytes of a resource for hashing.
type Opener func() (io.ReadCloser, error)

// BytesOpener wraps an in-memory body as an Opener.
func BytesOpener(data []byte) Opener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

type updateReq struct {
	modTime time.Time
	maxAge  time.Duration
	open    Opener
}

type flight struct {
	pending *updateReq
}

type Options struct {
	// Segment is the reserved path segment marking hash-qualified paths.
	Segment string
	// MaxEntries bounds the registry; least recently used entries are
	// evicted beyond it.
	MaxEntries int
	// Store, when set, persists published entries across restarts.
	Store *Store
	// OnEvict, OnPublish and OnRewrite are observability hooks.
	OnEvict   func(path string)
	OnPublish func(e Entry)
	OnRewrite func()
	// OnCount reports the entry count after every mutation.
	OnCount func(n int)
}

// Registry is the bidirectional mapping between original paths and
// hash-qualified paths. It is the only mutable state shared across
// concurrent requests; all methods are safe for concurrent use.
type Registry struct {
	segment    string
	maxEntries int
	store      *Store
	onEvict    func(string)
	onPublish  func(Entry)
	onRewrite  func()
	onCount    func(int)

	mu      sync.Mutex
	entries map[string]*list.Element
	reverse map[string]string
	lru     *list.List

	flightMu sync.Mutex
	flights  map[string]*flight
}

func NewRegistry(opts Options) *Registry {
	if opts.Segment == "" {
		opts.Segment = DefaultSegment
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	r := &Registry{
		segment:    opts.Segment,
		maxEntries: opts.MaxEntries,
		store:      opts.Store,
		onEvict:    opts.OnEvict,
		onPublish:  opts.OnPublish,
		onRewrite:  opts.OnRewrite,
		onCount:    opts.OnCount,
		entries:    make(map[string]*list.Element),
		reverse:    make(map[string]string),
		lru:        list.New(),
		flights:    make(map[string]*flight),
	}
	if r.store != nil {
		if err := r.store.Load(r.restore); err != nil {
			log.Printf("hashuri: load persisted entries: %v", err)
		}
	}
	return r
}

// Segment returns the reserved prefix segment.
func (r *Registry) Segment() string {
	return r.segment
}

func reverseKey(hashKey, path string) string {
	return hashKey + "\x00" + path
}

// restore inserts a persisted entry without writing it back to the store.
func (r *Registry) restore(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.OriginalPath]; ok {
		return
	}
	copied := e
	el := r.lru.PushBack(&copied)
	r.entries[e.OriginalPath] = el
	r.reverse[reverseKey(e.HashKey, e.OriginalPath)] = e.OriginalPath
	r.evictLocked()
	r.reportCountLocked()
}

// ResolveIncoming maps a possibly hash-qualified request path back to its
// original path. A stale or forged hash key still resolves to the stripped
// path so the request can be served normally; confirmed reports whether the
// key matched a known entry.
func (r *Registry) ResolveIncoming(path string) (original string, hashKey string, confirmed bool) {
	prefix := "/" + r.segment + "/"
	if !strings.HasPrefix(path, prefix) {
		return path, "", false
	}
	rest := path[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return path, "", false
	}
	key := rest[:slash]
	original = rest[slash:]

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reverse[reverseKey(key, original)]; ok {
		if el, ok := r.entries[original]; ok {
			r.lru.MoveToFront(el)
		}
		return original, key, true
	}
	return original, "", false
}

// FreshnessFor returns the published entry for originalPath.
func (r *Registry) FreshnessFor(originalPath string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[originalPath]
	if !ok {
		return Entry{}, false
	}
	r.lru.MoveToFront(el)
	return *el.Value.(*Entry), true
}

// HashedPath returns the hash-qualified form of originalPath if a known,
// non-expired entry exists.
func (r *Registry) HashedPath(originalPath string) (string, bool) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[originalPath]
	if !ok {
		return "", false
	}
	e := el.Value.(*Entry)
	if e.MaxAge <= 0 || e.remaining(now) <= 0 {
		return "", false
	}
	r.lru.MoveToFront(el)
	return "/" + r.segment + "/" + e.HashKey + e.OriginalPath, true
}

// ScheduleUpdate recomputes the hash for originalPath off the calling
// goroutine. Concurrent calls for the same path are coalesced: at most one
// computation per path is in flight, and the last completed computation
// wins. A maxAge of zero disables hash caching for the path entirely.
func (r *Registry) ScheduleUpdate(originalPath string, maxAge time.Duration, lastModified time.Time, open Opener) {
	if maxAge <= 0 || open == nil {
		return
	}
	req := &updateReq{modTime: lastModified.Truncate(time.Second), maxAge: maxAge, open: open}

	r.flightMu.Lock()
	if f, ok := r.flights[originalPath]; ok {
		f.pending = req
		r.flightMu.Unlock()
		return
	}
	f := &flight{}
	r.flights[originalPath] = f
	r.flightMu.Unlock()

	go r.runFlight(originalPath, f, req)
}

func (r *Registry) runFlight(path string, f *flight, req *updateReq) {
	for {
		r.compute(path, req)

		r.flightMu.Lock()
		if f.pending != nil {
			req = f.pending
			f.pending = nil
			r.flightMu.Unlock()
			continue
		}
		delete(r.flights, path)
		r.flightMu.Unlock()
		return
	}
}

func (r *Registry) compute(path string, req *updateReq) {
	now := time.Now()
	r.mu.Lock()
	if el, ok := r.entries[path]; ok {
		e := el.Value.(*Entry)
		if !req.modTime.After(e.LastModified) && e.remaining(now) > 0 {
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	rc, err := req.open()
	if err != nil {
		log.Printf("hashuri: open %s for hashing: %v", path, err)
		return
	}
	key, err := HashReader(rc)
	_ = rc.Close()
	if err != nil {
		log.Printf("hashuri: hash %s: %v", path, err)
		return
	}
	r.publish(Entry{
		OriginalPath: path,
		HashKey:      key,
		LastModified: req.modTime,
		MaxAge:       req.maxAge,
		RefreshedAt:  time.Now().Truncate(time.Second),
	})
}

// publish installs e atomically: readers observe either the previous entry
// or e in full, never a mix.
func (r *Registry) publish(e Entry) {
	r.mu.Lock()
	if el, ok := r.entries[e.OriginalPath]; ok {
		old := el.Value.(*Entry)
		if old.HashKey != e.HashKey {
			delete(r.reverse, reverseKey(old.HashKey, old.OriginalPath))
		}
		copied := e
		el.Value = &copied
		r.lru.MoveToFront(el)
	} else {
		copied := e
		el := r.lru.PushFront(&copied)
		r.entries[e.OriginalPath] = el
	}
	r.reverse[reverseKey(e.HashKey, e.OriginalPath)] = e.OriginalPath
	r.evictLocked()
	r.reportCountLocked()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Put(e); err != nil {
			log.Printf("hashuri: persist %s: %v", e.OriginalPath, err)
		}
	}
	if r.onPublish != nil {
		r.onPublish(e)
	}
}

func (r *Registry) evictLocked() {
	for r.lru.Len() > r.maxEntries {
		el := r.lru.Back()
		if el == nil {
			return
		}
		e := el.Value.(*Entry)
		r.lru.Remove(el)
		delete(r.entries, e.OriginalPath)
		delete(r.reverse, reverseKey(e.HashKey, e.OriginalPath))
		if r.store != nil {
			if err := r.store.Delete(e.OriginalPath); err != nil {
				log.Printf("hashuri: unpersist %s: %v", e.OriginalPath, err)
			}
		}
		if r.onEvict != nil {
			r.onEvict(e.OriginalPath)
		}
	}
}

func (r *Registry) reportCountLocked() {
	if r.onCount != nil {
		r.onCount(len(r.entries))
	}
}

// Len reports the number of published entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
