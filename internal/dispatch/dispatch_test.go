package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashserve/internal/hashuri"
	"hashserve/internal/limits"
	"hashserve/internal/obs"
	"hashserve/internal/request"
	"hashserve/internal/route"
	"hashserve/internal/static"
	"hashserve/internal/testutil"
)

type identityFunc func(rc *request.Context) *request.Identity

func (f identityFunc) Resolve(rc *request.Context) *request.Identity {
	return f(rc)
}

func newDispatcher(t *testing.T, routes []route.Route) *Dispatcher {
	t.Helper()
	table, err := route.NewTable(routes)
	require.NoError(t, err)
	return &Dispatcher{
		Routes:   table,
		Registry: hashuri.NewRegistry(hashuri.Options{}),
		Metrics:  obs.NewMetrics(),
		Limits:   limits.Default(),
	}
}

func pageRoute(id, path string, maxAge time.Duration, invocations *atomic.Int32, body string, lastModified time.Time) route.Route {
	return route.Route{
		ID:     id,
		Path:   path,
		MaxAge: maxAge,
		Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
			if invocations != nil {
				invocations.Add(1)
			}
			return &route.Response{
				Status:       http.StatusOK,
				ContentType:  "text/html; charset=utf-8",
				Body:         []byte(body),
				LastModified: lastModified,
			}, nil
		}),
	}
}

func TestConditionalRequestShortCircuitsHandler(t *testing.T) {
	t0 := time.Now().Truncate(time.Second)
	var invocations atomic.Int32
	d := newDispatcher(t, []route.Route{
		pageRoute("page", "/page", 300*time.Second, &invocations, "<p>hi</p>", t0),
	})

	// First request: no entry yet, serve fresh and schedule hashing.
	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/page", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<p>hi</p>", w.Body.String())
	assert.Equal(t, t0.UTC().Format(http.TimeFormat), w.Header().Get("Last-Modified"))
	assert.Equal(t, int32(1), invocations.Load())

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if _, ok := d.Registry.FreshnessFor("/page"); !ok {
			return fmt.Errorf("entry not yet published")
		}
		return nil
	})

	// Conditional request with a current validator: 304, handler skipped.
	r := httptest.NewRequest("GET", "/page", nil)
	r.Header.Set("If-Modified-Since", t0.UTC().Format(http.TimeFormat))
	w = httptest.NewRecorder()
	d.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Last-Modified"))
	assert.Equal(t, int32(1), invocations.Load())

	// A stale client copy gets fresh content.
	r = httptest.NewRequest("GET", "/page", nil)
	r.Header.Set("If-Modified-Since", t0.Add(-time.Hour).UTC().Format(http.TimeFormat))
	w = httptest.NewRecorder()
	d.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), invocations.Load())
}

func TestExpiredWindowTriggersRehash(t *testing.T) {
	var invocations atomic.Int32
	var body atomic.Value
	body.Store("v1")
	d := newDispatcher(t, []route.Route{
		{
			ID:     "page",
			Path:   "/page",
			MaxAge: 50 * time.Millisecond,
			Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				invocations.Add(1)
				return &route.Response{Status: http.StatusOK, Body: []byte(body.Load().(string))}, nil
			}),
		},
	})

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/page", nil))
	require.Equal(t, http.StatusOK, w.Code)

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		e, ok := d.Registry.FreshnessFor("/page")
		if !ok || e.HashKey != hashuri.Hash([]byte("v1")) {
			return fmt.Errorf("first hash not yet published")
		}
		return nil
	})

	time.Sleep(1100 * time.Millisecond)
	body.Store("v2")

	w = httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/page", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v2", w.Body.String())
	assert.Equal(t, int32(2), invocations.Load())

	// The expired window forces a re-hash of the new content.
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		e, ok := d.Registry.FreshnessFor("/page")
		if !ok || e.HashKey != hashuri.Hash([]byte("v2")) {
			return fmt.Errorf("second hash not yet published")
		}
		return nil
	})
	assert.Equal(t, 1, d.Registry.Len())
}

func TestPostIgnoresConditionalValidators(t *testing.T) {
	t0 := time.Now().Truncate(time.Second)
	var posts atomic.Int32
	d := newDispatcher(t, []route.Route{
		{
			ID:     "form",
			Path:   "/form",
			MaxAge: time.Hour,
			Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				return &route.Response{
					Status:       http.StatusOK,
					Body:         []byte("<form></form>"),
					LastModified: t0,
				}, nil
			}),
			Post: route.HandlerFunc(func(rc *request.Context) (*route.Response, error) {
				posts.Add(1)
				return &route.Response{Status: http.StatusOK, Body: []byte("saved " + rc.Form("name"))}, nil
			}),
		},
	})

	// Prime the hash entry via GET.
	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/form", nil))
	require.Equal(t, http.StatusOK, w.Code)
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if _, ok := d.Registry.FreshnessFor("/form"); !ok {
			return fmt.Errorf("entry not yet published")
		}
		return nil
	})

	// The same validator answers a GET with 304.
	r := httptest.NewRequest("GET", "/form", nil)
	r.Header.Set("If-Modified-Since", t0.UTC().Format(http.TimeFormat))
	w = httptest.NewRecorder()
	d.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotModified, w.Code)

	// A POST carrying the validator must still reach its handler.
	r = httptest.NewRequest("POST", "/form", strings.NewReader("name=alice"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("If-Modified-Since", t0.UTC().Format(http.TimeFormat))
	w = httptest.NewRecorder()
	d.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "saved alice", w.Body.String())
	assert.Equal(t, int32(1), posts.Load())
}

func TestPostToStaticPathIsBadRequest(t *testing.T) {
	root := testutil.WriteStaticTree(t, map[string]string{
		"css/site.css": "body{}",
	})
	d := newDispatcher(t, []route.Route{
		pageRoute("page", "/page", 0, nil, "ok", time.Time{}),
	})
	d.Static = static.NewDir(root)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("POST", "/css/site.css", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A miss on both routes and files stays NotFound.
	w = httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("POST", "/missing.txt", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnauthorizedClearsSessionAndRecordsRedirect(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		{
			ID:     "private",
			Path:   "/private",
			Access: route.LoggedIn,
			Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				return &route.Response{Status: http.StatusOK}, nil
			}),
		},
	})
	d.Identity = identityFunc(func(*request.Context) *request.Identity { return nil })
	d.SessionCookies = []string{"session"}

	r := httptest.NewRequest("GET", "/private/reports", nil)
	r.Header.Set("Cookie", "session=abc")
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var clearedSession, redirect bool
	for _, sc := range w.Header().Values("Set-Cookie") {
		if strings.HasPrefix(sc, "session=") && strings.Contains(sc, "Max-Age=0") {
			clearedSession = true
		}
		if strings.HasPrefix(sc, RedirectCookie+"=/private/reports") {
			redirect = true
		}
	}
	assert.True(t, clearedSession, "session cookie must be expired")
	assert.True(t, redirect, "redirect-target cookie must carry the requested path")
}

func TestUnauthorizedRedirectsToLoginWhenConfigured(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		{
			ID:     "private",
			Path:   "/private",
			Access: route.LoggedIn,
			Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				return &route.Response{Status: http.StatusOK}, nil
			}),
		},
	})
	d.LoginPath = "/login"

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/private", nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestHandlerErrorBecomesGeneric500(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		{
			ID:   "boom",
			Path: "/boom",
			Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				return nil, fmt.Errorf("database password is hunter2")
			}),
		},
	})

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error\n", w.Body.String())
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestHandlerPanicBecomesGeneric500(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		{
			ID:   "panic",
			Path: "/panic",
			Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				panic("secret internal state")
			}),
		},
	})

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "secret internal state")
}

func TestHandlerTimeoutBecomes500(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		{
			ID:   "slow",
			Path: "/slow",
			Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				time.Sleep(2 * time.Second)
				return &route.Response{Status: http.StatusOK}, nil
			}),
		},
	})
	d.Limits.HandlerTimeout = 30 * time.Millisecond

	start := time.Now()
	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/slow", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCustomErrorHandler(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		pageRoute("page", "/page", 0, nil, "ok", time.Time{}),
	})
	d.ErrorHandlers = map[Condition]ErrorHandler{
		CondNotFound: func(rc *request.Context, cond Condition) (*route.Response, error) {
			return &route.Response{
				ContentType: "text/html; charset=utf-8",
				Body:        []byte("<h1>lost?</h1>"),
			}, nil
		},
	}

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "<h1>lost?</h1>", w.Body.String())
}

func TestFailingCustomErrorHandlerDegradesToPlaintext(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		pageRoute("page", "/page", 0, nil, "ok", time.Time{}),
	})
	d.ErrorHandlers = map[Condition]ErrorHandler{
		CondNotFound: func(rc *request.Context, cond Condition) (*route.Response, error) {
			panic("broken error page")
		},
	}

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found\n", w.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		{
			ID:   "form",
			Path: "/form",
			Post: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				return &route.Response{Status: http.StatusOK}, nil
			}),
		},
	})

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/form", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestDynamicResponseWithoutModTimeDisablesCaching(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		pageRoute("page", "/page", 0, nil, "dynamic", time.Time{}),
	})

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/page", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Equal(t, "0", w.Header().Get("Expires"))
}

func TestOversizedPostRejected(t *testing.T) {
	var invoked atomic.Int32
	d := newDispatcher(t, []route.Route{
		{
			ID:   "upload",
			Path: "/upload",
			Post: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				invoked.Add(1)
				return &route.Response{Status: http.StatusOK}, nil
			}),
		},
	})
	d.Limits.MaxBodyBytes = 1024
	d.UploadDir = t.TempDir()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("doc", "big.bin")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("x"), 1<<20))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest("POST", "/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, invoked.Load())
}

func TestClientDisconnectStillReleasesUploads(t *testing.T) {
	uploadDir := t.TempDir()
	d := newDispatcher(t, []route.Route{
		{
			ID:   "upload",
			Path: "/upload",
			Post: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
				// Never observed: the client is already gone.
				time.Sleep(10 * time.Millisecond)
				return &route.Response{Status: http.StatusOK}, nil
			}),
		},
	})
	d.UploadDir = uploadDir

	for trial := 0; trial < 25; trial++ {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("doc", "doc.bin")
		require.NoError(t, err)
		_, err = fw.Write([]byte("payload"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		ctx, cancel := context.WithCancel(context.Background())
		r := httptest.NewRequest("POST", "/upload", &buf).WithContext(ctx)
		r.Header.Set("Content-Type", mw.FormDataContentType())
		cancel()

		w := httptest.NewRecorder()
		d.ServeHTTP(w, r)
	}

	leftover, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	assert.Empty(t, leftover, "disconnected requests must not leak upload files")
}

func TestServeStaticWithConditionalAndHashPath(t *testing.T) {
	root := testutil.WriteStaticTree(t, map[string]string{
		"css/site.css": "body { margin: 0 }",
	})
	d := newDispatcher(t, []route.Route{
		pageRoute("page", "/page", 0, nil, "ok", time.Time{}),
	})
	d.Static = static.NewDir(root)
	d.StaticMaxAge = time.Hour

	modTime := time.Now().Add(-time.Minute).Truncate(time.Second)
	testutil.Touch(t, root, "css/site.css", modTime)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/css/site.css", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/css")
	assert.Equal(t, modTime.UTC().Format(http.TimeFormat), w.Header().Get("Last-Modified"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "body { margin: 0 }", w.Body.String())

	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if _, ok := d.Registry.FreshnessFor("/css/site.css"); !ok {
			return fmt.Errorf("static entry not yet published")
		}
		return nil
	})

	// Conditional request with the file's mod time: 304.
	r := httptest.NewRequest("GET", "/css/site.css", nil)
	r.Header.Set("If-Modified-Since", modTime.UTC().Format(http.TimeFormat))
	w = httptest.NewRecorder()
	d.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotModified, w.Code)

	// The hash-qualified path serves with indefinite caching.
	hashed, ok := d.Registry.HashedPath("/css/site.css")
	require.True(t, ok)
	w = httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", hashed, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Cache-Control"), "public, max-age=")
	assert.Equal(t, "body { margin: 0 }", w.Body.String())

	// A forged hash key still serves the underlying file.
	w = httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/_/bogusbogusbogus/css/site.css", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body { margin: 0 }", w.Body.String())
	assert.NotContains(t, w.Header().Get("Cache-Control"), "public")
}

func TestStaticMissingFileIsNotFound(t *testing.T) {
	root := testutil.WriteStaticTree(t, map[string]string{"a.txt": "x"})
	d := newDispatcher(t, []route.Route{
		pageRoute("page", "/page", 0, nil, "ok", time.Time{}),
	})
	d.Static = static.NewDir(root)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/missing.txt", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type templateFunc func(name string, data any) ([]byte, string, error)

func (f templateFunc) Render(name string, data any) ([]byte, string, error) {
	return f(name, data)
}

func TestRenderPageRewritesLinks(t *testing.T) {
	root := testutil.WriteStaticTree(t, map[string]string{
		"css/site.css": "body{}",
	})
	rend := templateFunc(func(name string, data any) ([]byte, string, error) {
		return []byte(`<link href="/css/site.css"><a href="/about">About</a>`), "text/html; charset=utf-8", nil
	})

	var d *Dispatcher
	d = newDispatcher(t, []route.Route{
		{
			ID:     "home",
			Path:   "/home",
			MaxAge: time.Hour,
			Get: route.HandlerFunc(func(rc *request.Context) (*route.Response, error) {
				h := RenderPage(rend, d.Registry, "home", func(*request.Context) (any, time.Time, error) {
					return nil, time.Now().Truncate(time.Second), nil
				})
				return h.Handle(rc)
			}),
		},
	})
	d.Static = static.NewDir(root)
	d.StaticMaxAge = time.Hour

	// Prime the registry with the stylesheet's hash.
	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/css/site.css", nil))
	require.Equal(t, http.StatusOK, w.Code)
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() error {
		if _, ok := d.Registry.HashedPath("/css/site.css"); !ok {
			return fmt.Errorf("stylesheet not yet hashed")
		}
		return nil
	})

	w = httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/home", nil))
	require.Equal(t, http.StatusOK, w.Code)
	hashed, _ := d.Registry.HashedPath("/css/site.css")
	assert.Contains(t, w.Body.String(), `href="`+hashed+`"`)
	assert.Contains(t, w.Body.String(), `href="/about"`)
}

func TestHeadOmitsBody(t *testing.T) {
	d := newDispatcher(t, []route.Route{
		pageRoute("page", "/page", 0, nil, "<p>body</p>", time.Time{}),
	})
	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("HEAD", "/page", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}
