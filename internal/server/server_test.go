package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"hashserve/internal/limits"
	"hashserve/internal/testutil"
)

func TestStartServeShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv, err := Start(handler, "127.0.0.1:0", Options{Limits: limits.Default()})
	require.NoError(t, err)

	resp, err := http.Get("http://" + srv.Addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown())
	// Shutdown is idempotent.
	require.NoError(t, srv.Shutdown())
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv, err := Start(handler, "127.0.0.1:0", Options{
		Limits:      limits.Default(),
		RateLimiter: rate.NewLimiter(1, 2),
	})
	require.NoError(t, err)
	defer srv.Shutdown()

	testutil.Eventually(t, 2*time.Second, 50*time.Millisecond, func() error {
		var rejected bool
		for i := 0; i < 10; i++ {
			resp, err := http.Get("http://" + srv.Addr + "/")
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				rejected = true
			}
		}
		if !rejected {
			return fmt.Errorf("burst of 10 never rejected")
		}
		return nil
	})
}
