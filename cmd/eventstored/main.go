// Command eventstored runs a single event-store node: a persistence
// backend, the optimistic-concurrency facade, the dispatch sweeper and
// snapshot scanner background loops, and the administrative HTTP/gRPC
// surfaces. Wiring follows the teacher's main.go shape (load config, build
// logger, construct dependencies, block on the server) generalized from a
// single in-process broker to a pluggable persistence backend.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	eventstore "github.com/ledgerstream/eventstore"
	"github.com/ledgerstream/eventstore/boltkv"
	"github.com/ledgerstream/eventstore/dispatch"
	"github.com/ledgerstream/eventstore/esconfig"
	"github.com/ledgerstream/eventstore/eslog"
	"github.com/ledgerstream/eventstore/grpcadmin"
	"github.com/ledgerstream/eventstore/httpapi"
	"github.com/ledgerstream/eventstore/memstore"
	"github.com/ledgerstream/eventstore/mongostore"
	"github.com/ledgerstream/eventstore/notify"
	"github.com/ledgerstream/eventstore/postgres"
	"github.com/ledgerstream/eventstore/snapshotscan"
	"github.com/ledgerstream/eventstore/sqlite"
)

func main() {
	cfg, err := esconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := eslog.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	eslog.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open persistence backend", eslog.Error(err), eslog.String("backend", cfg.Backend))
	}

	if err := engine.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize persistence backend", eslog.Error(err))
	}

	store := eventstore.NewEventStore(engine, eventstore.NewHookChain(), eventstore.WithLogger(logger))
	hub := notify.NewHub(notify.Config{})

	sweeper := dispatch.NewSweeper(engine, dispatch.NotifierFunc(func(ctx context.Context, commit eventstore.Commit) error {
		hub.Publish(commit)
		return nil
	}), cfg.DispatchSweepInterval, logger.With(eslog.String("component", "dispatch")))

	scanner := snapshotscan.NewScanner(engine, snapshotscan.BuilderFunc(func(ctx context.Context, streamID string) error {
		logger.Debug("snapshot candidate observed", eslog.String("stream_id", streamID))
		return nil
	}), cfg.SnapshotThreshold, cfg.SnapshotScanInterval, logger.With(eslog.String("component", "snapshotscan")))

	go sweeper.Run(ctx)
	go scanner.Run(ctx)

	adminHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:     logger,
		Backends:   map[string]httpapi.Admin{cfg.Partition: engine},
		Committers: map[string]httpapi.Committer{cfg.Partition: store},
		AdminToken: cfg.AdminToken,
	})
	mux := adminHandlers.Router()

	httpServer := &http.Server{Addr: cfg.AdminAddr, Handler: mux}
	go func() {
		logger.Info("admin HTTP server listening", eslog.String("addr", cfg.AdminAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin HTTP server terminated", eslog.Error(err))
		}
	}()

	if cfg.TLSCertPath != "" && cfg.GRPCClientCAPath != "" {
		grpcServer, err := grpcadmin.New(grpcadmin.TLSConfig{
			ServerCertPath: cfg.TLSCertPath,
			ServerKeyPath:  cfg.TLSKeyPath,
			ClientCAPath:   cfg.GRPCClientCAPath,
		}, logger)
		if err != nil {
			logger.Fatal("failed to configure grpc admin server", eslog.Error(err))
		}
		go func() {
			if err := grpcServer.Serve(ctx, cfg.GRPCAddr); err != nil {
				logger.Error("grpc admin server terminated", eslog.Error(err))
			}
		}()
	} else {
		logger.Info("grpc admin server disabled: TLS material not configured")
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DispatchSweepInterval)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = store.Close()
}

// openBackend selects the persistence backend named by ESTORE_BACKEND,
// using ESTORE_DSN as the sqlite file path, postgres connection string,
// mongo URI, or boltkv file path as appropriate.
func openBackend(ctx context.Context, cfg *esconfig.Config) (eventstore.PersistenceEngine, error) {
	switch cfg.Backend {
	case "memory", "":
		return memstore.New(cfg.Partition), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN, cfg.Partition)
	case "postgres":
		return postgres.Connect(ctx, cfg.DSN, cfg.Partition)
	case "mongo":
		return mongostore.Connect(ctx, cfg.DSN, "eventstore", cfg.Partition)
	case "bolt":
		return boltkv.Open(cfg.DSN, cfg.Partition)
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}
