package route

import (
	"net/http"
	"time"

	"hashserve/internal/request"
)

// Access is the authorization a route requires.
type Access int

const (
	// Public routes need no identity.
	Public Access = iota
	// LoggedIn routes need any resolved identity.
	LoggedIn
	// RoleRequired routes need an identity holding one of Route.Roles.
	RoleRequired
)

// Response is what a handler produces for the dispatcher to emit.
type Response struct {
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
	// LastModified, when set, drives conditional-request handling; a zero
	// value marks the response as non-cacheable dynamic content.
	LastModified time.Time
}

// Handler serves one HTTP method of a route. The method capability of a
// route is fixed at registration: a route supports GET or POST exactly
// when the corresponding Handler field is non-nil, so no per-request
// method reflection is ever needed.
type Handler interface {
	Handle(rc *request.Context) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(rc *request.Context) (*Response, error)

func (f HandlerFunc) Handle(rc *request.Context) (*Response, error) {
	return f(rc)
}

// Route binds a path prefix to handlers with method and authorization
// constraints. Routes are constructed once at startup and are read-only
// shared by all requests afterwards.
type Route struct {
	ID   string
	Path string

	Get  Handler
	Post Handler

	Access Access
	Roles  []string

	// MaxAge is the hash-cache window for resources served by this route.
	// Zero disables hash caching.
	MaxAge time.Duration

	// AllowShadow acknowledges that an earlier, shorter route prefix may
	// claim paths under this route. Without it, NewTable rejects the
	// ambiguous registration.
	AllowShadow bool
}
