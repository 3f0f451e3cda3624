package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gigvault/audit"
	"gigvault/bids"
	"gigvault/config"
	"gigvault/core/types"
	"gigvault/dispute"
	"gigvault/escrow"
	"gigvault/gateway"
	"gigvault/ledger"
	"gigvault/observability"
	"gigvault/observability/logging"
	"gigvault/outbox"
	"gigvault/storage"
)

const shutdownTimeout = 10 * time.Second

// disputeAudit adapts the sqlite audit store to the dispute coordinator's
// audit surface.
type disputeAudit struct {
	store *audit.Store
}

func (a disputeAudit) Record(ctx context.Context, projectID, actorID, kind, detail string) error {
	return a.store.Record(ctx, audit.Entry{
		Severity:  "info",
		ProjectID: projectID,
		ActorID:   actorID,
		Kind:      kind,
		Detail:    detail,
	})
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup("gigvaultd", cfg.Environment, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("create data dir", "path", cfg.DataDir, "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "docs"))
	if err != nil {
		log.Error("open document store", "err", err)
		os.Exit(1)
	}
	store := storage.Open(db)
	defer store.Close()

	auditStore, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		log.Error("open audit store", "path", cfg.AuditDBPath, "err", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	escrowEngine := escrow.NewEngine(store)
	escrowEngine.SetLogger(log.With("component", "escrow"))
	escrowEngine.SetAuditor(auditStore)
	escrowEngine.SetMaxRetries(cfg.MaxTxRetries)
	escrowEngine.SetMinDeposit(types.Amount(cfg.MinDeposit))
	if cfg.DevWalletTopUp {
		log.Warn("dev wallet top-up is enabled; deposits will mint missing funds")
		escrowEngine.EnableDevTopUp()
	}

	bidEngine := bids.NewEngine(store)
	bidEngine.SetLogger(log.With("component", "bids"))
	bidEngine.SetMaxRetries(cfg.MaxTxRetries)

	coordinator := dispute.NewCoordinator(store, escrowEngine)
	coordinator.SetLogger(log.With("component", "dispute"))
	coordinator.SetAuditor(disputeAudit{store: auditStore})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := outbox.NewRelay(store, auditStore, log.With("component", "outbox"),
		time.Duration(cfg.RelayIntervalMS)*time.Millisecond)
	go relay.Run(ctx)

	metrics := observability.Metrics()
	sweeper := ledger.NewSweeper(store, time.Duration(cfg.SweepIntervalMS)*time.Millisecond,
		log.With("component", "sweeper"), func(m ledger.Mismatch) {
			metrics.SetDrift(string(m.Account.Kind), 1)
		})
	go sweeper.Run(ctx)

	server := gateway.NewServer(escrowEngine, bidEngine, coordinator, log.With("component", "gateway"))
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("gigvaultd listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
}
