// Command sweeper periodically transitions lapsed role assignments to
// expired. It runs against the same store as the API and is safe to run
// alongside it; the sweep is idempotent.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tenauth.org/internal/authz"
	"tenauth.org/internal/events"
	"tenauth.org/internal/obs"
	"tenauth.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("TENAUTH_PG_DSN"), "PostgreSQL DSN")
		tenants  = flag.String("tenants", os.Getenv("TENAUTH_SWEEP_TENANTS"), "Comma-separated tenant IDs to sweep")
		interval = flag.Duration("interval", time.Minute, "Sweep interval")
		once     = flag.Bool("once", false, "Run a single sweep and exit")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TENAUTH_PG_DSN")
	}
	tenantIDs := splitTenants(*tenants)
	if len(tenantIDs) == 0 {
		log.Fatal("missing tenants: provide via -tenants or TENAUTH_SWEEP_TENANTS")
	}

	obs.Init()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	svc, err := authz.NewService(store, authz.WithEventSink(events.New()))
	if err != nil {
		log.Fatalf("init service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	sweep(ctx, svc, tenantIDs)
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Stopped")
			return
		case <-ticker.C:
			sweep(ctx, svc, tenantIDs)
		}
	}
}

func sweep(ctx context.Context, svc *authz.Service, tenantIDs []string) {
	for _, tenantID := range tenantIDs {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		n, err := svc.ExpireOldAssignments(sweepCtx, tenantID)
		cancel()
		if err != nil {
			obs.Log("error", "sweep failed", map[string]any{"tenant_id": tenantID, "error": err.Error()})
			continue
		}
		obs.AssignmentsExpired(n)
		if n > 0 {
			obs.Log("info", "assignments expired", map[string]any{"tenant_id": tenantID, "count": n})
		}
	}
}

func splitTenants(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
