package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"hashserve/internal/limits"
)

const defaultGracefulTimeout = 10 * time.Second

type ShutdownConfig struct {
	GracefulTimeout time.Duration
}

type Options struct {
	Limits   limits.Limits
	Shutdown ShutdownConfig
	// RateLimiter, when set, rejects requests above the configured rate
	// with 429 before they reach the pipeline.
	RateLimiter *rate.Limiter
}

type Server struct {
	Addr string

	httpServer   *http.Server
	listener     net.Listener
	shutdown     ShutdownConfig
	shutdownOnce sync.Once
	shutdownErr  error
}

// Start listens on addr and serves handler in a background goroutine.
func Start(handler http.Handler, addr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}
	shutdownConfig := options.Shutdown
	if shutdownConfig.GracefulTimeout <= 0 {
		shutdownConfig.GracefulTimeout = defaultGracefulTimeout
	}
	if options.RateLimiter != nil {
		handler = RateLimit(options.RateLimiter, handler)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		ReadTimeout:       limitConfig.ReadTimeout,
		WriteTimeout:      limitConfig.WriteTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
	}
	go serve(srv, ln)

	return &Server{
		Addr:       ln.Addr().String(),
		httpServer: srv,
		listener:   ln,
		shutdown:   shutdownConfig,
	}, nil
}

func serve(server *http.Server, ln net.Listener) {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server error: %v", err)
	}
}

// RateLimit rejects requests exceeding the limiter's budget.
func RateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.httpServer.Close()
		return err
	}
	return nil
}

// Run starts the application and metrics listeners and blocks until ctx is
// cancelled or one of them fails, then shuts both down gracefully.
func Run(ctx context.Context, app http.Handler, appAddr string, metricsHandler http.Handler, metricsAddr string, options Options) error {
	appServer, err := Start(app, appAddr, options)
	if err != nil {
		return err
	}
	log.Printf("listening on %s", appServer.Addr)

	var metricsServer *Server
	if metricsHandler != nil && metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsServer, err = Start(mux, metricsAddr, Options{Limits: options.Limits})
		if err != nil {
			_ = appServer.Shutdown()
			return err
		}
		log.Printf("metrics on %s", metricsServer.Addr)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return appServer.Shutdown()
	})
	if metricsServer != nil {
		g.Go(func() error {
			<-ctx.Done()
			return metricsServer.Shutdown()
		})
	}
	return g.Wait()
}
