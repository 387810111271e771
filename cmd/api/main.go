package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tenauth.org/internal/audit"
	"tenauth.org/internal/authz"
	"tenauth.org/internal/events"
	"tenauth.org/internal/httpapi"
	"tenauth.org/internal/obs"
	"tenauth.org/internal/store/pg"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Store selection: Postgres when a DSN is configured, in-memory otherwise.
	var (
		store authz.Store
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("TENAUTH_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{Ping: pgStore.Ping}
		obs.Log("info", "using postgres store", nil)
	} else {
		store = authz.NewInMemory()
		obs.Log("warn", "TENAUTH_PG_DSN not set, using in-memory store", nil)
	}

	bus := events.New()

	svc, err := authz.NewService(store, authz.WithEventSink(bus))
	if err != nil {
		log.Fatalf("init service: %v", err)
	}

	requireAuth := os.Getenv("TENAUTH_AUTH_SECRET") != ""
	if !requireAuth {
		obs.Log("warn", "TENAUTH_AUTH_SECRET not set, authentication disabled", nil)
	}

	api := httpapi.New(svc, probe, version,
		httpapi.WithEventBus(bus),
		httpapi.WithAuthRequired(requireAuth),
	)

	handler := httpapi.RateLimit(httpapi.MaxBodyBytes(api.Handler(), 1<<20), 50, 25)

	addr := os.Getenv("TENAUTH_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mirror every domain event into the audit log.
	go func() {
		for evt := range bus.Subscribe(ctx) {
			_ = audit.LogEvent(ctx, "authz."+evt.EntityType+"."+evt.Action, map[string]any{
				"event_id":    evt.ID,
				"tenant_id":   evt.TenantID,
				"entity_id":   evt.EntityID,
				"actor_id":    evt.Actor.UserID,
				"actor_type":  evt.Actor.Type,
				"occurred_at": evt.OccurredAt,
			})
		}
	}()

	// gRPC health endpoint for orchestrator probes.
	if grpcAddr := os.Getenv("TENAUTH_GRPC_ADDR"); grpcAddr != "" {
		go func() {
			if err := httpapi.NewGRPCServer(probe).Serve(ctx, grpcAddr); err != nil {
				log.Printf("grpc health: %v", err)
			}
		}()
	}

	log.Printf("Starting tenauth-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
