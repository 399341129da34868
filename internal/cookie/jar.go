package cookie

import (
	"log"
	"net/http"
	"sort"
	"time"
)

// Cookie is one cookie received on a request. Identity is the (name, path)
// pair, never the name alone: a client may hold several cookies with the
// same name under different paths.
type Cookie struct {
	Name  string
	Value string
	Path  string
}

// Entry is one cookie to set on the response.
type Entry struct {
	Name     string
	Value    string
	Path     string
	MaxAge   int
	Secure   bool
	HTTPOnly bool
}

// Jar accumulates cookie operations for a single in-flight request. It is
// owned by one request and is not safe for concurrent use.
type Jar struct {
	sets    []Entry
	deletes map[string]bool
}

func NewJar() *Jar {
	return &Jar{deletes: make(map[string]bool)}
}

// Set records e for the response, replacing any earlier set with the same
// (name, path).
func (j *Jar) Set(e Entry) {
	if e.Path == "" {
		e.Path = "/"
	}
	for i := range j.sets {
		if j.sets[i].Name == e.Name && j.sets[i].Path == e.Path {
			j.sets[i] = e
			return
		}
	}
	j.sets = append(j.sets, e)
}

// Delete marks name for deletion across every path observed for it on the
// incoming request.
func (j *Jar) Delete(name string) {
	j.deletes[name] = true
}

// WriteTo emits the accumulated Set-Cookie headers. A name that is both set
// and deleted is a conflict: the set is dropped and the delete wins. One
// expiring cookie is emitted per distinct incoming path of each deleted
// name, defaulting to "/" when the request carried none.
func (j *Jar) WriteTo(h http.Header, incoming []Cookie) {
	for name := range j.deletes {
		for i := range j.sets {
			if j.sets[i].Name == name {
				log.Printf("cookie: set and delete of %q in one response, delete wins", name)
			}
		}
	}

	names := make([]string, 0, len(j.deletes))
	for name := range j.deletes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, path := range pathsFor(name, incoming) {
			expired := &http.Cookie{
				Name:    name,
				Value:   "",
				Path:    path,
				MaxAge:  -1,
				Expires: time.Unix(0, 0),
			}
			h.Add("Set-Cookie", expired.String())
		}
	}

	for _, e := range j.sets {
		if j.deletes[e.Name] {
			continue
		}
		c := &http.Cookie{
			Name:     e.Name,
			Value:    e.Value,
			Path:     e.Path,
			MaxAge:   e.MaxAge,
			Secure:   e.Secure,
			HttpOnly: e.HTTPOnly,
		}
		h.Add("Set-Cookie", c.String())
	}
}

func pathsFor(name string, incoming []Cookie) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, c := range incoming {
		if c.Name != name || seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		paths = append(paths, c.Path)
	}
	if len(paths) == 0 {
		return []string{"/"}
	}
	sort.Strings(paths)
	return paths
}

// SortByPathDesc orders cookies by decreasing path length, the precedence
// RFC 6265 gives more specific paths. Any "first matching" lookup over
// incoming cookies runs on this order.
func SortByPathDesc(cookies []Cookie) {
	sort.SliceStable(cookies, func(i, k int) bool {
		return len(cookies[i].Path) > len(cookies[k].Path)
	})
}
