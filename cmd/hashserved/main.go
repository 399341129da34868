package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"hashserve/internal/config"
	"hashserve/internal/dispatch"
	"hashserve/internal/hashuri"
	"hashserve/internal/limits"
	"hashserve/internal/obs"
	"hashserve/internal/request"
	"hashserve/internal/route"
	"hashserve/internal/server"
	"hashserve/internal/static"
)

func main() {
	cmd := &cli.Command{
		Name:  "hashserved",
		Usage: "HTTP server pipeline with content-addressed hash URIs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "hashserve.yaml",
				Usage:   "path to YAML configuration",
				Sources: cli.EnvVars("HASHSERVE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override listen_addr from the configuration",
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("hashserved: %v", err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	warnings, err := config.Validate(cfg)
	for _, w := range warnings {
		log.Printf("config: %s", w)
	}
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if addr := cmd.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}

	lim, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return fmt.Errorf("limits: %w", err)
	}

	metrics := obs.NewMetrics()
	obs.SetDefaultMetrics(metrics)

	var store *hashuri.Store
	if cfg.Hash.PersistPath != "" {
		store, err = hashuri.OpenStore(cfg.Hash.PersistPath)
		if err != nil {
			return fmt.Errorf("open hash store: %w", err)
		}
		defer func() { _ = store.Close() }()
	}

	registry := hashuri.NewRegistry(hashuri.Options{
		Segment:    cfg.Hash.Segment,
		MaxEntries: cfg.Hash.MaxEntries,
		Store:      store,
		OnEvict:    metrics.RecordEviction,
		OnRewrite:  metrics.RecordLinkRewrite,
		OnCount:    metrics.SetHashEntries,
	})

	routes, err := route.NewTable([]route.Route{healthRoute()})
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	var staticDir *static.Dir
	if cfg.StaticDir != "" {
		staticDir = static.NewDir(cfg.StaticDir)
	}

	dispatcher := &dispatch.Dispatcher{
		Routes:         routes,
		Registry:       registry,
		Static:         staticDir,
		Metrics:        metrics,
		Limits:         lim,
		StaticMaxAge:   time.Duration(cfg.Hash.StaticMaxAgeS) * time.Second,
		UploadDir:      cfg.UploadDir,
		LoginPath:      cfg.LoginPath,
		SessionCookies: cfg.SessionCookies,
	}

	var limiter *rate.Limiter
	if cfg.Rate.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate.RPS), cfg.Rate.Burst)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(runCtx, dispatcher, cfg.ListenAddr, metrics.Handler(), cfg.MetricsAddr, server.Options{
		Limits:      lim,
		RateLimiter: limiter,
	})
}

func healthRoute() route.Route {
	return route.Route{
		ID:   "health",
		Path: "/healthz",
		Get: route.HandlerFunc(func(*request.Context) (*route.Response, error) {
			return &route.Response{
				Status:      http.StatusOK,
				ContentType: "text/plain; charset=utf-8",
				Body:        []byte("ok\n"),
			}, nil
		}),
	}
}
