package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"hashserve/internal/cookie"
	"hashserve/internal/hashuri"
	"hashserve/internal/limits"
	"hashserve/internal/obs"
	"hashserve/internal/request"
	"hashserve/internal/route"
	"hashserve/internal/static"
)

// RedirectCookie carries the originally requested path through the login
// flow after an unauthorized outcome.
const RedirectCookie = "return_to"

const redirectCookieMaxAge = 300

var errClientGone = errors.New("client disconnected")

// IdentityResolver performs whatever session lookup is needed to identify
// the caller. The dispatcher calls it lazily, at most once per request.
type IdentityResolver interface {
	Resolve(rc *request.Context) *request.Identity
}

// Renderer turns an internal model into response bytes and a content type.
// It is consulted only for bodies, never for caching or routing decisions.
type Renderer interface {
	Render(name string, data any) ([]byte, string, error)
}

// RenderPage adapts a Renderer template to a route handler. The model
// function supplies the template data and the content's modification time
// (zero for non-cacheable pages); outbound links in the rendered output are
// substituted with hash-qualified URIs for every resource the registry
// knows.
func RenderPage(rend Renderer, reg *hashuri.Registry, name string, model func(*request.Context) (any, time.Time, error)) route.Handler {
	return route.HandlerFunc(func(rc *request.Context) (*route.Response, error) {
		data, modTime, err := model(rc)
		if err != nil {
			return nil, err
		}
		body, contentType, err := rend.Render(name, data)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", name, err)
		}
		return &route.Response{
			Status:       http.StatusOK,
			ContentType:  contentType,
			Body:         reg.RewriteLinks(body),
			LastModified: modTime,
		}, nil
	})
}

// Dispatcher orchestrates one request end to end: hash-path resolution,
// route matching and authorization, cache decision, handler invocation,
// cookie and cache header emission, response write, and re-hash
// scheduling. Per-request resources are released on every exit path.
type Dispatcher struct {
	Routes   *route.Table
	Registry *hashuri.Registry
	Static   *static.Dir
	Identity IdentityResolver
	Metrics  *obs.Metrics
	Limits   limits.Limits

	// StaticMaxAge is the hash-cache window for static files.
	StaticMaxAge time.Duration
	UploadDir    string

	// LoginPath, when set, turns unauthorized outcomes into redirects.
	LoginPath string
	// SessionCookies are cleared on unauthorized outcomes.
	SessionCookies []string

	// ErrorHandlers customize expected-condition responses; each is
	// guarded so a failure inside one degrades to the plaintext default.
	ErrorHandlers map[Condition]ErrorHandler
}

type dispatchState struct {
	req *http.Request
	rec *ResponseRecorder
	rc  *request.Context

	routeID       string
	outcomeLabel  string
	decision      hashuri.Decision
	decidedCache  bool
	confirmedHash bool
	clientGone    bool
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d == nil || d.Routes == nil || d.Registry == nil {
		http.Error(w, "pipeline not ready", http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	s := &dispatchState{
		req: r,
		rec: NewResponseRecorder(w),
		rc:  request.New(r),
	}
	defer d.finish(s, start)
	defer s.rc.Release()

	original, hashKey, confirmed := d.Registry.ResolveIncoming(r.URL.Path)
	s.rc.Path = original
	s.confirmedHash = confirmed
	if confirmed {
		s.rc.HashKey = hashKey
	}

	resolver := func() *request.Identity {
		return s.rc.Identity(d.resolveIdentity)
	}

	out := d.Routes.MatchAndAuthorize(original, r.Method, resolver)
	s.outcomeLabel = out.Kind.String()
	if out.Route != nil {
		s.routeID = out.Route.ID
	}

	switch out.Kind {
	case route.KindHandle:
		d.serveRoute(s, out)
	case route.KindNotFound:
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if d.Static != nil && d.serveStatic(s) {
				s.outcomeLabel = "static"
				return
			}
		} else if d.Static != nil && d.Static.Exists(s.rc.Path) {
			// The path names a file only safe methods can serve.
			d.writeCondition(s, CondBadRequest)
			return
		}
		d.writeCondition(s, CondNotFound)
	case route.KindMethodNotAllowed:
		d.writeCondition(s, CondMethodNotAllowed)
	case route.KindUnauthorized:
		d.writeUnauthorized(s, out.RedirectPath)
	}
}

func (d *Dispatcher) resolveIdentity(rc *request.Context) *request.Identity {
	if d.Identity == nil {
		return nil
	}
	return d.Identity.Resolve(rc)
}

func (d *Dispatcher) serveRoute(s *dispatchState, out route.Outcome) {
	rt := out.Route

	if s.req.Method == http.MethodPost {
		err := s.rc.ReadBody(s.req, request.BodyLimits{
			MaxBodyBytes:  d.Limits.MaxBodyBytes,
			MaxFieldBytes: d.Limits.MaxFieldBytes,
			UploadDir:     d.UploadDir,
		})
		if err != nil {
			log.Printf("dispatch: read body for %s: %v", rt.ID, err)
			d.writeCondition(s, CondBadRequest)
			return
		}
	}

	// Conditional validators and the hash-cache window apply to safe
	// methods only; a POST always reaches its handler so its side effect
	// is never skipped.
	cacheable := s.req.Method == http.MethodGet || s.req.Method == http.MethodHead
	var dec hashuri.Decision
	if cacheable {
		var entry hashuri.Entry
		dec, entry = d.Registry.Decide(s.rc.Path, rt.MaxAge, ifModifiedSince(s.req), time.Now())
		s.decision = dec
		s.decidedCache = true

		if dec == hashuri.DecisionNotModified {
			d.writeNotModified(s, entry)
			return
		}
	}

	resp, err := d.invoke(out.Handler, s)
	if err != nil {
		if errors.Is(err, errClientGone) {
			s.clientGone = true
			return
		}
		// Full diagnostic detail stays server-side.
		log.Printf("dispatch: handler %s for %s: %v", rt.ID, s.rc.Path, err)
		d.writeCondition(s, CondInternal)
		return
	}

	d.writeResponse(s, resp)

	if cacheable && dec == hashuri.DecisionExpired {
		modTime := resp.LastModified
		if modTime.IsZero() {
			modTime = time.Now()
		}
		d.Registry.ScheduleUpdate(s.rc.Path, rt.MaxAge, modTime, hashuri.BytesOpener(resp.Body))
		d.Metrics.RecordRehash()
	}
}

// serveStatic reports whether the path named a servable file.
func (d *Dispatcher) serveStatic(s *dispatchState) bool {
	res, ok := d.Static.Lookup(s.rc.Path)
	if !ok {
		return false
	}
	defer func() { _ = res.Close() }()

	now := time.Now()
	dec, entry := d.Registry.Decide(s.rc.Path, d.StaticMaxAge, ifModifiedSince(s.req), now)
	s.decision = dec
	s.decidedCache = true

	if dec == hashuri.DecisionNotModified {
		d.writeNotModified(s, entry)
		return true
	}

	if s.req.Context().Err() != nil {
		s.clientGone = true
		return true
	}

	h := s.rec.Header()
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Length", strconv.FormatInt(res.Size, 10))
	applyCacheHeaders(h, s.confirmedHash, res.ModTime)
	s.rc.Jar.WriteTo(h, s.rc.Cookies())
	s.rec.WriteHeader(http.StatusOK)
	if s.req.Method != http.MethodHead {
		if _, err := io.Copy(s.rec, res); err != nil {
			s.clientGone = true
		}
	}

	if dec == hashuri.DecisionExpired {
		d.Registry.ScheduleUpdate(s.rc.Path, d.StaticMaxAge, res.ModTime, d.Static.Opener(s.rc.Path))
		d.Metrics.RecordRehash()
	}
	return true
}

type handlerResult struct {
	resp *route.Response
	err  error
}

// invoke runs the external handler with a bounded wait. A panic converts
// to an error; a timeout or client disconnect abandons the wait without
// blocking the dispatch goroutine further.
func (d *Dispatcher) invoke(h route.Handler, s *dispatchState) (*route.Response, error) {
	timeout := d.Limits.HandlerTimeout
	if timeout <= 0 {
		timeout = limits.Default().HandlerTimeout
	}

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- handlerResult{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		resp, err := h.Handle(s.rc)
		done <- handlerResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-done:
		if result.err != nil {
			return nil, result.err
		}
		if result.resp == nil {
			return nil, errors.New("handler returned no response")
		}
		return result.resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("handler timed out after %s", timeout)
	case <-s.req.Context().Done():
		return nil, errClientGone
	}
}

func (d *Dispatcher) writeResponse(s *dispatchState, resp *route.Response) {
	if s.req.Context().Err() != nil {
		s.clientGone = true
		return
	}
	h := s.rec.Header()
	for name, values := range resp.Header {
		for _, value := range values {
			h.Add(name, value)
		}
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	h.Set("Content-Type", contentType)
	applyCacheHeaders(h, s.confirmedHash, resp.LastModified)
	s.rc.Jar.WriteTo(h, s.rc.Cookies())

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	s.rec.WriteHeader(status)
	if s.req.Method != http.MethodHead {
		if _, err := s.rec.Write(resp.Body); err != nil {
			s.clientGone = true
		}
	}
}

// writeNotModified short-circuits with a bodyless response carrying only
// the status and validators.
func (d *Dispatcher) writeNotModified(s *dispatchState, entry hashuri.Entry) {
	d.Metrics.RecordNotModified()
	if s.req.Context().Err() != nil {
		s.clientGone = true
		return
	}
	applyCacheHeaders(s.rec.Header(), s.confirmedHash, entry.LastModified)
	s.rec.WriteHeader(http.StatusNotModified)
}

func (d *Dispatcher) writeUnauthorized(s *dispatchState, redirectPath string) {
	for _, name := range d.SessionCookies {
		s.rc.Jar.Delete(name)
	}
	s.rc.Jar.Set(cookie.Entry{
		Name:     RedirectCookie,
		Value:    redirectPath,
		Path:     "/",
		MaxAge:   redirectCookieMaxAge,
		HTTPOnly: true,
	})

	if d.LoginPath != "" {
		if s.req.Context().Err() != nil {
			s.clientGone = true
			return
		}
		d.Metrics.RecordError(CondUnauthorized.String())
		h := s.rec.Header()
		h.Set("Location", d.LoginPath)
		applyCacheHeaders(h, false, time.Time{})
		s.rc.Jar.WriteTo(h, s.rc.Cookies())
		s.rec.WriteHeader(http.StatusSeeOther)
		return
	}
	d.writeCondition(s, CondUnauthorized)
}

func (d *Dispatcher) writeCondition(s *dispatchState, cond Condition) {
	d.Metrics.RecordError(cond.String())
	s.outcomeLabel = cond.String()
	if s.req.Context().Err() != nil {
		s.clientGone = true
		return
	}

	if custom, ok := d.ErrorHandlers[cond]; ok && custom != nil {
		if resp := runErrorHandler(custom, s.rc, cond); resp != nil {
			if resp.Status == 0 {
				resp.Status = cond.Status()
			}
			d.writeResponse(s, resp)
			return
		}
	}

	h := s.rec.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	applyCacheHeaders(h, false, time.Time{})
	s.rc.Jar.WriteTo(h, s.rc.Cookies())
	s.rec.WriteHeader(cond.Status())
	_, _ = s.rec.Write([]byte(cond.message() + "\n"))
}

func (d *Dispatcher) finish(s *dispatchState, start time.Time) {
	duration := time.Since(start)
	d.Metrics.RecordRequest(s.routeID, s.rec.Status(), duration)

	entry := obs.RequestContext{
		RequestID:  s.rc.ID,
		Method:     s.req.Method,
		Path:       s.rc.RawPath,
		RouteID:    s.routeID,
		Outcome:    s.outcomeLabel,
		HashKey:    s.rc.HashKey,
		Status:     s.rec.Status(),
		Duration:   duration,
		BytesOut:   s.rec.BytesWritten(),
		UserAgent:  s.req.UserAgent(),
		RemoteAddr: s.req.RemoteAddr,
		ClientGone: s.clientGone,
	}
	if s.rc.Path != s.rc.RawPath {
		entry.ResolvedPath = s.rc.Path
	}
	if s.decidedCache {
		entry.HashDecision = s.decision.String()
	}
	obs.LogAccess(entry)
}
