// fhirbox-server is the FHIR server binary: serve runs the HTTP API,
// migrate manages the database schemas, tenant manages the tenant directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirbox/fhirbox/internal/bundle"
	"github.com/fhirbox/fhirbox/internal/config"
	"github.com/fhirbox/fhirbox/internal/conformance"
	"github.com/fhirbox/fhirbox/internal/operations"
	"github.com/fhirbox/fhirbox/internal/pipeline"
	"github.com/fhirbox/fhirbox/internal/platform/cache"
	"github.com/fhirbox/fhirbox/internal/platform/db"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/search"
	"github.com/fhirbox/fhirbox/internal/server"
	"github.com/fhirbox/fhirbox/internal/storage"
	"github.com/fhirbox/fhirbox/internal/tenant"
	"github.com/fhirbox/fhirbox/internal/validation"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "fhirbox-server",
		Short:         "Configuration-driven multi-tenant FHIR server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(), migrateCmd(), tenantCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the FHIR API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	resources, params, err := registry.NewLoader(cfg.ConfigDir, logger).Load()
	if err != nil {
		return err
	}

	artifacts := conformance.NewArtifactStore(cfg.ArtifactDir, logger)
	if err := artifacts.Load(ctx); err != nil {
		return err
	}

	cacheStore, closeCache, err := newCacheStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	promRegistry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(promRegistry)

	executor := pipeline.NewExecutor(cfg.AsyncWorkers, cfg.AsyncQueueDepth, cfg.AsyncTimeout, metrics.AsyncDropped, logger)
	defer executor.Close()

	plugins := pipeline.NewRegistry()
	if cfg.AuthEnabled {
		plugins.Register(pipeline.NewJWTAuthn(pipeline.AuthnConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
		plugins.Register(pipeline.NewScopeAuthz())
	}
	plugins.Register(pipeline.NewAuditLog(logger))
	plugins.Register(pipeline.NewTelemetry(metrics))

	orchestrator := pipeline.NewOrchestrator(plugins, cacheStore, cfg.CacheTTL, executor, logger)

	engine := storage.NewEngine(pool, storage.NewRouter(resources), logger)
	facade := validation.NewFacade(validation.NewStructural(resources))

	dispatcher := operations.NewDispatcher(logger)
	if err := operations.RegisterBuiltins(dispatcher, resources, facade, engine); err != nil {
		return err
	}
	if cfg.ToolsFile != "" {
		tools, err := loadTools(cfg.ToolsFile)
		if err != nil {
			return err
		}
		invoker := operations.NewToolInvoker(cfg.RequestTimeout, logger)
		if err := operations.RegisterTools(dispatcher, invoker, tools); err != nil {
			return err
		}
	}

	service := server.NewService(
		resources,
		search.NewTranslator(params, logger),
		engine,
		orchestrator,
		dispatcher,
		bundle.NewProcessor(server.NewPoolTxRunner(pool), logger),
		facade,
		cfg.BasePath,
		logger,
	)

	generator := conformance.NewGenerator(conformance.ServerInfo{
		Name:      "fhirbox",
		Version:   version,
		Publisher: "fhirbox",
	}, resources, params, dispatcher)

	handler := server.NewHandler(service, artifacts, generator, logger)
	resolver := tenant.NewResolver(tenant.NewPGDirectory(pool, registry.DefaultSchema), cfg.CacheTTL, logger)

	e := server.NewRouter(server.Deps{
		Config:   cfg,
		Pool:     pool,
		Handler:  handler,
		Resolver: resolver,
		Registry: promRegistry,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Str("env", cfg.Env).Msg("server starting")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newCacheStore selects the cache backend. The returned closer is a no-op for
// the in-process store.
func newCacheStore(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	if cfg.CacheBackend == "redis" {
		store, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return cache.NewMemoryStore(), func() {}, nil
}

// loadTools reads the external operation tool declarations.
func loadTools(path string) ([]operations.ToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file %s: %w", path, err)
	}
	var tools []operations.ToolConfig
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("parse tools file %s: %w", path, err)
	}
	return tools, nil
}

func migrateCmd() *cobra.Command {
	var sharedDir, storeDir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to every configured schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			pool, err := db.NewPool(ctx, db.PoolConfig{
				URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			resources, _, err := registry.NewLoader(cfg.ConfigDir, logger).Load()
			if err != nil {
				return err
			}

			// shared infrastructure (tenants) lives only in the shared schema
			shared := db.NewMigrator(pool, sharedDir)
			n, err := shared.Up(ctx, registry.DefaultSchema)
			if err != nil {
				return err
			}
			logger.Info().Int("applied", n).Str("schema", registry.DefaultSchema).Msg("shared migrations done")

			// the resource store layout is identical across shared and
			// dedicated schemas
			schemas := append([]string{registry.DefaultSchema}, resources.DedicatedSchemas()...)
			store := db.NewMigrator(pool, storeDir)
			n, err = store.UpAll(ctx, schemas)
			if err != nil {
				return err
			}
			logger.Info().Int("applied", n).Strs("schemas", schemas).Msg("store migrations done")
			return nil
		},
	}

	cmd.Flags().StringVar(&sharedDir, "shared-dir", "migrations/shared", "shared-schema migration files")
	cmd.Flags().StringVar(&storeDir, "store-dir", "migrations/store", "resource store migration files")
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage the tenant directory",
	}

	withDirectory := func(fn func(ctx context.Context, dir *tenant.PGDirectory, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, db.PoolConfig{
				URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1,
			})
			if err != nil {
				return err
			}
			defer pool.Close()
			return fn(ctx, tenant.NewPGDirectory(pool, registry.DefaultSchema), args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Register a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: withDirectory(func(ctx context.Context, dir *tenant.PGDirectory, args []string) error {
			t, err := dir.Create(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("created tenant %q\n  external id: %s\n  internal id: %s\n", t.Name, t.ExternalID, t.InternalID)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tenants",
		Args:  cobra.NoArgs,
		RunE: withDirectory(func(ctx context.Context, dir *tenant.PGDirectory, _ []string) error {
			tenants, err := dir.List(ctx)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				state := "enabled"
				if !t.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-20s %-10s %s\n", t.ExternalID, t.InternalID, state, t.Name)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable <external-id>",
		Short: "Enable a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: withDirectory(func(ctx context.Context, dir *tenant.PGDirectory, args []string) error {
			return dir.SetEnabled(ctx, args[0], true)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <external-id>",
		Short: "Disable a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: withDirectory(func(ctx context.Context, dir *tenant.PGDirectory, args []string) error {
			return dir.SetEnabled(ctx, args[0], false)
		}),
	})

	return cmd
}
