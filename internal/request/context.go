package request

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hashserve/internal/cookie"
)

// Identity is the resolved caller of a request, if any.
type Identity struct {
	UserID string
	Roles  []string
}

func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Param is one name/value pair; order of appearance is preserved.
type Param struct {
	Name  string
	Value string
}

// Upload is one file received in a multipart POST, spooled to a temporary
// file. It is owned by the Context that created it until Take is called.
type Upload struct {
	Field       string
	Filename    string
	ContentType string
	Size        int64

	file  *os.File
	taken bool
}

// File exposes the spooled temporary file, positioned at the start.
func (u *Upload) File() *os.File {
	return u.file
}

// Take transfers ownership to the caller: Release will no longer remove
// the temporary file.
func (u *Upload) Take() *os.File {
	u.taken = true
	return u.file
}

func (u *Upload) discard() {
	if u.file == nil {
		return
	}
	name := u.file.Name()
	_ = u.file.Close()
	if !u.taken {
		_ = os.Remove(name)
	}
	u.file = nil
}

// Context owns the per-request state for one in-flight HTTP exchange.
type Context struct {
	ID         string
	ReceivedAt time.Time
	Method     string
	// RawPath is the path as received; Path is the hash-resolved path.
	RawPath string
	Path    string
	HashKey string

	Jar *cookie.Jar

	params  []Param
	cookies []cookie.Cookie
	form    []Param
	uploads []*Upload

	identity     *Identity
	identityDone bool

	releaseOnce sync.Once
}

// New parses query parameters and cookies from r and returns a fresh
// Context. The POST body, if any, is read separately via ReadBody.
func New(r *http.Request) *Context {
	c := &Context{
		ID:         uuid.NewString(),
		ReceivedAt: time.Now(),
		Method:     r.Method,
		RawPath:    r.URL.Path,
		Path:       r.URL.Path,
		Jar:        cookie.NewJar(),
		params:     parseQuery(r.URL.RawQuery),
	}
	for _, header := range r.Header.Values("Cookie") {
		c.cookies = append(c.cookies, parseCookieHeader(header)...)
	}
	return c
}

// parseQuery keeps parameters in their order of appearance, which
// url.Values would lose.
func parseQuery(rawQuery string) []Param {
	if rawQuery == "" {
		return nil
	}
	var params []Param
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		un, err := url.QueryUnescape(name)
		if err != nil {
			continue
		}
		uv, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		params = append(params, Param{Name: un, Value: uv})
	}
	return params
}

// parseCookieHeader understands the RFC 2109 $Path attribute so that a
// request can present the same cookie name under several paths. A $Path
// token binds to the cookie that precedes it; cookies without one default
// to "/".
func parseCookieHeader(header string) []cookie.Cookie {
	var out []cookie.Cookie
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if strings.HasPrefix(name, "$") {
			switch strings.ToLower(name) {
			case "$path":
				if len(out) > 0 {
					out[len(out)-1].Path = value
				}
			}
			continue
		}
		if name == "" {
			continue
		}
		out = append(out, cookie.Cookie{Name: name, Value: value, Path: "/"})
	}
	return out
}

// Query returns the first value of name, or "".
func (c *Context) Query(name string) string {
	for _, p := range c.params {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// QueryAll returns every value of name in order of appearance.
func (c *Context) QueryAll(name string) []string {
	var values []string
	for _, p := range c.params {
		if p.Name == name {
			values = append(values, p.Value)
		}
	}
	return values
}

// Cookies returns the parsed incoming cookies.
func (c *Context) Cookies() []cookie.Cookie {
	return c.cookies
}

// Cookie returns the value of name, preferring the longest path when the
// request carries several same-named cookies.
func (c *Context) Cookie(name string) (string, bool) {
	var candidates []cookie.Cookie
	for _, ck := range c.cookies {
		if ck.Name == name {
			candidates = append(candidates, ck)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	cookie.SortByPathDesc(candidates)
	return candidates[0].Value, true
}

// Form returns the first POST field value of name, or "".
func (c *Context) Form(name string) string {
	for _, p := range c.form {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// FormAll returns every POST field value of name in order of appearance.
func (c *Context) FormAll(name string) []string {
	var values []string
	for _, p := range c.form {
		if p.Name == name {
			values = append(values, p.Value)
		}
	}
	return values
}

// Uploads returns the file uploads received so far.
func (c *Context) Uploads() []*Upload {
	return c.uploads
}

// Identity resolves the caller lazily, at most once per request, caching
// the result (including a nil result).
func (c *Context) Identity(resolve func(*Context) *Identity) *Identity {
	if !c.identityDone {
		c.identityDone = true
		if resolve != nil {
			c.identity = resolve(c)
		}
	}
	return c.identity
}

// Release frees temporary upload files and decoder state. It is idempotent
// and must run on every exit path; calling it again is a no-op.
func (c *Context) Release() {
	c.releaseOnce.Do(func() {
		for _, u := range c.uploads {
			u.discard()
		}
	})
}
