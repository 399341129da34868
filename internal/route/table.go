package route

import (
	"fmt"
	"net/http"
	"strings"

	"hashserve/internal/request"
)

// Kind classifies the outcome of matching and authorizing a path.
type Kind int

const (
	KindHandle Kind = iota
	KindNotFound
	KindMethodNotAllowed
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindHandle:
		return "handle"
	case KindNotFound:
		return "not_found"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Outcome is the result of MatchAndAuthorize.
type Outcome struct {
	Kind    Kind
	Route   *Route
	Handler Handler
	// RedirectPath records the originally requested path on an
	// unauthorized outcome so the caller can be sent back after login.
	RedirectPath string
}

// Table is an ordered set of routes. Matching is first-match-wins in
// registration order, so registration order is correctness-relevant;
// NewTable rejects registrations where a shorter prefix silently shadows a
// later, longer one unless the longer route opts in with AllowShadow.
type Table struct {
	routes []Route
}

func NewTable(routes []Route) (*Table, error) {
	for i := range routes {
		if !strings.HasPrefix(routes[i].Path, "/") {
			return nil, fmt.Errorf("route %d: path %q must start with /", i, routes[i].Path)
		}
		if routes[i].Get == nil && routes[i].Post == nil {
			return nil, fmt.Errorf("route %q: no handler registered", routes[i].Path)
		}
		for k := 0; k < i; k++ {
			if routes[k].Path == routes[i].Path {
				return nil, fmt.Errorf("route %q registered twice", routes[i].Path)
			}
			if pathMatches(routes[k].Path, routes[i].Path) && !routes[i].AllowShadow {
				return nil, fmt.Errorf("route %q is shadowed by earlier route %q; set AllowShadow to accept first-match precedence",
					routes[i].Path, routes[k].Path)
			}
		}
	}
	return &Table{routes: append([]Route(nil), routes...)}, nil
}

// pathMatches reports whether path falls under routePath: equal, or
// routePath followed by a path separator.
func pathMatches(routePath, path string) bool {
	if routePath == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == routePath || strings.HasPrefix(path, routePath+"/")
}

// MatchAndAuthorize finds the first route claiming path and checks method
// and authorization. The identity resolver runs lazily: only when the
// matched route actually requires authorization, and at most once.
func (t *Table) MatchAndAuthorize(path, method string, resolve func() *request.Identity) Outcome {
	for i := range t.routes {
		r := &t.routes[i]
		if !pathMatches(r.Path, path) {
			continue
		}

		var handler Handler
		switch method {
		case http.MethodGet, http.MethodHead:
			handler = r.Get
		case http.MethodPost:
			handler = r.Post
		}
		if handler == nil {
			return Outcome{Kind: KindMethodNotAllowed, Route: r}
		}

		if r.Access != Public {
			var id *request.Identity
			if resolve != nil {
				id = resolve()
			}
			if id == nil {
				return Outcome{Kind: KindUnauthorized, Route: r, RedirectPath: path}
			}
			if r.Access == RoleRequired && !hasAnyRole(id, r.Roles) {
				return Outcome{Kind: KindUnauthorized, Route: r, RedirectPath: path}
			}
		}
		return Outcome{Kind: KindHandle, Route: r, Handler: handler}
	}
	return Outcome{Kind: KindNotFound}
}

func hasAnyRole(id *request.Identity, roles []string) bool {
	for _, role := range roles {
		if id.HasRole(role) {
			return true
		}
	}
	return false
}
