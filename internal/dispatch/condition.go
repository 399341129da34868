package dispatch

import (
	"log"
	"net/http"

	"hashserve/internal/request"
	"hashserve/internal/route"
)

// Condition is an expected error outcome of the pipeline, converted at the
// dispatch boundary into a concrete response.
type Condition int

const (
	CondBadRequest Condition = iota
	CondUnauthorized
	CondMethodNotAllowed
	CondNotFound
	CondInternal
)

func (c Condition) Status() int {
	switch c {
	case CondBadRequest:
		return http.StatusBadRequest
	case CondUnauthorized:
		return http.StatusUnauthorized
	case CondMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CondNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (c Condition) String() string {
	switch c {
	case CondBadRequest:
		return "bad_request"
	case CondUnauthorized:
		return "unauthorized"
	case CondMethodNotAllowed:
		return "method_not_allowed"
	case CondNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// message is the client-visible plaintext body. Internal detail never
// appears here.
func (c Condition) message() string {
	switch c {
	case CondBadRequest:
		return "bad request"
	case CondUnauthorized:
		return "unauthorized"
	case CondMethodNotAllowed:
		return "method not allowed"
	case CondNotFound:
		return "not found"
	default:
		return "internal server error"
	}
}

// ErrorHandler customizes the response body for one condition. A nil
// result, an error, or a panic degrades to the plaintext default.
type ErrorHandler func(rc *request.Context, cond Condition) (*route.Response, error)

// runErrorHandler invokes a custom condition handler, guarding against
// re-entrant failure: whatever goes wrong inside it, the caller falls back
// to the hardcoded plaintext response.
func runErrorHandler(h ErrorHandler, rc *request.Context, cond Condition) (resp *route.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("dispatch: %s handler panicked: %v", cond, rec)
			resp = nil
		}
	}()
	r, err := h(rc, cond)
	if err != nil {
		log.Printf("dispatch: %s handler failed: %v", cond, err)
		return nil
	}
	return r
}
