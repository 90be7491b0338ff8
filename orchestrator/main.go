package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/animus-labs/scenario-engine/internal/auditexport"
	"github.com/animus-labs/scenario-engine/internal/generation"
	"github.com/animus-labs/scenario-engine/internal/platform/auth"
	"github.com/animus-labs/scenario-engine/internal/platform/env"
	"github.com/animus-labs/scenario-engine/internal/platform/httpserver"
	"github.com/animus-labs/scenario-engine/internal/platform/metrics"
	"github.com/animus-labs/scenario-engine/internal/platform/objectstore"
	"github.com/animus-labs/scenario-engine/internal/platform/postgres"
	"github.com/animus-labs/scenario-engine/internal/repo"
	"github.com/animus-labs/scenario-engine/internal/repo/memory"
	repopg "github.com/animus-labs/scenario-engine/internal/repo/postgres"
	"github.com/animus-labs/scenario-engine/internal/service/audit"
	"github.com/animus-labs/scenario-engine/internal/service/orchestrator"
	"github.com/animus-labs/scenario-engine/internal/service/simulator"
)

const serviceName = "orchestrator"

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ORCHESTRATOR_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("ORCHESTRATOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	resumeInterval, err := env.Duration("ORCHESTRATOR_RESUMER_INTERVAL", 5*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	resumeBatch, err := env.Int("ORCHESTRATOR_RESUMER_BATCH", 50)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxTokens, err := env.Int("GENERATION_MAX_TOKENS", 512)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	orchCfg, err := orchestrator.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid orchestrator config", "error", err)
		os.Exit(2)
	}
	simCfg, err := simulator.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid simulator config", "error", err)
		os.Exit(2)
	}
	genCfg, err := generation.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid generation config", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	var readiness []httpserver.ReadinessCheck

	store, closeStore, err := openStore(ctx, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	if p, ok := store.(pinger); ok {
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "store",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return p.Ping(checkCtx)
			},
		})
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	var archiver audit.Archiver
	if storeCfg.Enabled {
		objects, err := objectstore.NewMinioStore(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBucket(startupCtx, objects.Client(), storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		exportCfg, err := auditexport.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid audit export config", "error", err)
			os.Exit(2)
		}
		auditArchiver, err := auditexport.NewArchiver(objects, storeCfg.BucketAudit, exportCfg)
		if err != nil {
			logger.Error("audit archiver init failed", "error", err)
			os.Exit(2)
		}
		archiver = auditArchiver
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, objects.Client(), storeCfg)
			},
		})
	}

	client, err := generation.New(ctx, genCfg)
	if err != nil {
		logger.Error("generation client init failed", "error", err)
		os.Exit(2)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	api, err := newEngine(engineConfig{
		Orchestrator: orchCfg,
		Simulator:    simCfg,
		MaxTokens:    maxTokens,
	}, engineDeps{
		Store:      store,
		Generation: client,
		Archiver:   archiver,
		Metrics:    recorder,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("authenticator init failed", "error", err)
		os.Exit(1)
	}
	validator, err := newRequestValidator(ctx)
	if err != nil {
		logger.Error("openapi init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, readiness...))
	mux.Handle("/metrics", recorder.Handler())
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.RouteRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(validator.Wrap(mux))

	go runResumer(ctx, logger, api.runs, resumeInterval, resumeBatch)

	logger.Info("starting", "service", serviceName, "addr", addr, "auth_mode", authCfg.Mode, "object_store", storeCfg.Enabled)
	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, httpserver.WrapObserved(logger, serviceName, recorder.ObserveHTTP, handler)); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// openStore selects the backend named by STORE_BACKEND. Postgres is migrated
// on startup unless DATABASE_MIGRATE_ON_START is false.
func openStore(ctx context.Context, logger *slog.Logger) (repo.Store, func(), error) {
	backend := strings.ToLower(strings.TrimSpace(env.String("STORE_BACKEND", "memory")))
	switch backend {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		store := repopg.New(db, logger)
		if dbCfg.MigrateOnStart {
			migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := store.Migrate(migrateCtx); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return nil, nil, errors.New("STORE_BACKEND must be memory or postgres")
	}
}
