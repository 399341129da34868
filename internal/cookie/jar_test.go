package cookie

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteEmitsExpiryPerIncomingPath(t *testing.T) {
	jar := NewJar()
	jar.Delete("session")

	incoming := []Cookie{
		{Name: "session", Value: "abc", Path: "/"},
		{Name: "session", Value: "def", Path: "/app"},
		{Name: "other", Value: "x", Path: "/elsewhere"},
	}
	h := make(http.Header)
	jar.WriteTo(h, incoming)

	setCookies := h.Values("Set-Cookie")
	require.Len(t, setCookies, 2)

	var paths []string
	for _, sc := range setCookies {
		assert.True(t, strings.HasPrefix(sc, "session="), "unexpected header %q", sc)
		assert.Contains(t, sc, "Max-Age=0")
		for _, attr := range strings.Split(sc, "; ") {
			if strings.HasPrefix(attr, "Path=") {
				paths = append(paths, strings.TrimPrefix(attr, "Path="))
			}
		}
	}
	assert.ElementsMatch(t, []string{"/", "/app"}, paths)
}

func TestDeleteWithoutIncomingCookieDefaultsToRoot(t *testing.T) {
	jar := NewJar()
	jar.Delete("session")

	h := make(http.Header)
	jar.WriteTo(h, nil)

	setCookies := h.Values("Set-Cookie")
	require.Len(t, setCookies, 1)
	assert.Contains(t, setCookies[0], "Path=/")
}

func TestSetAndDeleteConflictDeleteWins(t *testing.T) {
	jar := NewJar()
	jar.Set(Entry{Name: "session", Value: "new", Path: "/"})
	jar.Delete("session")

	h := make(http.Header)
	jar.WriteTo(h, []Cookie{{Name: "session", Value: "old", Path: "/"}})

	setCookies := h.Values("Set-Cookie")
	require.Len(t, setCookies, 1)
	assert.Contains(t, setCookies[0], "Max-Age=0")
	assert.NotContains(t, setCookies[0], "session=new")
}

func TestSetReplacesSameNameAndPath(t *testing.T) {
	jar := NewJar()
	jar.Set(Entry{Name: "theme", Value: "light", Path: "/"})
	jar.Set(Entry{Name: "theme", Value: "dark", Path: "/"})
	jar.Set(Entry{Name: "theme", Value: "contrast", Path: "/app"})

	h := make(http.Header)
	jar.WriteTo(h, nil)

	setCookies := h.Values("Set-Cookie")
	require.Len(t, setCookies, 2)
	assert.Contains(t, setCookies[0], "theme=dark")
	assert.Contains(t, setCookies[1], "theme=contrast")
}

func TestSetCookieAttributes(t *testing.T) {
	jar := NewJar()
	jar.Set(Entry{Name: "sid", Value: "v", Path: "/app", MaxAge: 600, Secure: true, HTTPOnly: true})

	h := make(http.Header)
	jar.WriteTo(h, nil)

	sc := h.Get("Set-Cookie")
	assert.Contains(t, sc, "sid=v")
	assert.Contains(t, sc, "Path=/app")
	assert.Contains(t, sc, "Max-Age=600")
	assert.Contains(t, sc, "Secure")
	assert.Contains(t, sc, "HttpOnly")
}

func TestSortByPathDescPrefersLongestPath(t *testing.T) {
	cookies := []Cookie{
		{Name: "session", Value: "root", Path: "/"},
		{Name: "session", Value: "deep", Path: "/app/admin"},
		{Name: "session", Value: "mid", Path: "/app"},
	}
	SortByPathDesc(cookies)
	assert.Equal(t, "deep", cookies[0].Value)
	assert.Equal(t, "mid", cookies[1].Value)
	assert.Equal(t, "root", cookies[2].Value)
}
