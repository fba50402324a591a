package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/audit"
	"fieldops.org/internal/auth"
	"fieldops.org/internal/config"
	"fieldops.org/internal/geo"
	"fieldops.org/internal/httpapi"
	"fieldops.org/internal/i18n"
	"fieldops.org/internal/migrate"
	"fieldops.org/internal/obs"
	"fieldops.org/internal/store/mongodb"
	"fieldops.org/internal/store/pg"
	"fieldops.org/internal/stream"
	"fieldops.org/internal/upload"
	"fieldops.org/internal/verifier"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(cfg.Version, commit)

	if err := i18n.Init(cfg.Locale.Default); err != nil {
		log.Fatalf("i18n: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	idv, err := newVerifier(cfg)
	if err != nil {
		log.Fatalf("verifier: %v", err)
	}
	uploader, files, err := newUploader(cfg)
	if err != nil {
		log.Fatalf("upload: %v", err)
	}

	events := stream.New()
	opts := []attendance.Option{
		attendance.WithVerifyTimeout(cfg.Verifier.Timeout),
		attendance.WithOnApproved(func(ctx context.Context, rec attendance.Record) {
			events.PublishRecord(stream.KindApproved, rec)
		}),
	}
	if uploader != nil {
		opts = append(opts, attendance.WithUploader(uploader))
	}
	if cfg.Geocoder.Enabled {
		opts = append(opts, attendance.WithAddressResolver(
			geo.NewNominatim(cfg.Geocoder.URL, cfg.Geocoder.UserAgent, cfg.Geocoder.Timeout)))
	}
	engine := attendance.NewEngine(idv, store, opts...)

	var issuer *auth.Issuer
	if cfg.Auth.Secret != "" {
		issuer, err = auth.NewIssuer(cfg.Auth.Secret)
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
	} else {
		obs.Log("warn", "auth_disabled", map[string]any{"reason": "no auth secret configured"})
	}

	probe := httpapi.ProbeFor(store)
	api := httpapi.New(probe, cfg.Version, httpapi.Deps{
		Engine:    engine,
		Reviewer:  attendance.NewReviewer(store),
		Store:     store,
		Issuer:    issuer,
		Stream:    events,
		DevTokens: cfg.Auth.DevTokens,
		TokenTTL:  cfg.Auth.TokenTTL,
		Files:     files,
	})
	api.SetRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 15 * time.Second,
		// 0: SSE subscribers hold the connection open
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	health := httpapi.NewHealthServer(probe)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	go health.Run(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	obs.Log("info", "service_start", map[string]any{
		"version":   cfg.Version,
		"http_addr": srv.Addr,
		"grpc_addr": cfg.GRPC.Addr,
		"store":     cfg.Store.Driver,
		"verifier":  cfg.Verifier.Mode,
		"upload":    cfg.Upload.Mode,
		"auth":      issuer != nil,
	})
	_ = audit.LogEvent(ctx, "service.start", map[string]any{"version": cfg.Version})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Log("info", "service_stopping", nil)
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	obs.Log("info", "service_stopped", nil)
}

func openStore(ctx context.Context, cfg *config.Config) (attendance.RecordStore, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := pg.Open(cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.Postgres.AutoMigrate {
			mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			applied, err := migrate.NewManager(s.DB(), pg.Migrations()).Up(mctx)
			if err != nil {
				_ = s.Close()
				return nil, nil, fmt.Errorf("auto migrate: %w", err)
			}
			if len(applied) > 0 {
				obs.Log("info", "migrations_applied", map[string]any{"files": applied})
			}
		}
		return s, func() { _ = s.Close() }, nil
	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := mongodb.Connect(cctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Close(dctx)
		}, nil
	default:
		obs.Log("warn", "memory_store", map[string]any{"reason": "records are lost on restart"})
		return attendance.NewInMemoryStore(), func() {}, nil
	}
}

func newVerifier(cfg *config.Config) (attendance.IdentityVerifier, error) {
	switch cfg.Verifier.Mode {
	case "http":
		return verifier.NewHTTPMatcher(cfg.Verifier.URL, cfg.Verifier.Token), nil
	case "simulated":
		return verifier.NewSimulated(nil), nil
	}
	return nil, fmt.Errorf("unknown verifier mode %q", cfg.Verifier.Mode)
}

// newUploader returns the uploader and, for local directories, a handler
// serving the stored captures.
func newUploader(cfg *config.Config) (attendance.Uploader, http.Handler, error) {
	switch cfg.Upload.Mode {
	case "http":
		return upload.NewHTTPUploader(cfg.Upload.URL, cfg.Upload.Token), nil, nil
	case "dir":
		d, err := upload.NewDirUploader(cfg.Upload.Dir, cfg.Upload.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return d, http.FileServer(http.Dir(d.Dir())), nil
	case "none", "":
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown upload mode %q", cfg.Upload.Mode)
}
