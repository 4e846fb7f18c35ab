// Package main implements the Birthmark authority server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/abuse"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/api"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/audit"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/certs"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/config"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/provisioning"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/metrics"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/postgres"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/telemetry"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/vault"
)

var version = "dev"

// caValidity is the lifetime of a generated development CA.
const caValidity = 10 * 365 * 24 * time.Hour

func main() {
	configPath := flag.String("config", os.Getenv("BIRTHMARK_CONFIG"), "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting birthmark authority", "version", version, "storage", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("authority exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// repositories bundles the storage backends for one driver.
type repositories struct {
	keys        keys.Repository
	devices     registry.Repository
	audit       audit.Repository
	submissions abuse.Logger
	close       func() error
	ping        func(ctx context.Context) error
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*repositories, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
		return &repositories{
			keys:        keys.NewMemoryRepository(),
			devices:     registry.NewMemoryRepository(),
			audit:       audit.NewMemoryRepository(),
			submissions: abuse.NewMemoryLogger(),
			close:       func() error { return nil },
		}, nil
	}

	db, err := postgres.New(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	schema, err := postgres.CurrentVersion(ctx, db.DB)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	logger.InfoContext(ctx, "database ready", "host", cfg.Database.Host, "name", cfg.Database.Database, "schema_version", schema)

	return &repositories{
		keys:        postgres.NewKeyTableRepository(db),
		devices:     postgres.NewDeviceRepository(db),
		audit:       postgres.NewAuditRepository(db),
		submissions: postgres.NewSubmissionRepository(db),
		close:       db.Close,
		ping:        db.HealthCheck,
	}, nil
}

func loadIssuer(cfg config.AuthorityConfig, logger *slog.Logger) (*certs.Issuer, error) {
	if cfg.CACertFile == "" {
		logger.Warn("no CA configured; generating an ephemeral self-signed CA")
		return certs.NewSelfSignedIssuer(cfg.ManufacturerName, cfg.ManufacturerName+" CA", caValidity)
	}
	certPEM, err := config.ReadFile(cfg.CACertFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := config.ReadFile(cfg.CAKeyFile)
	if err != nil {
		return nil, err
	}
	return certs.LoadIssuer(certPEM, keyPEM)
}

func newAuth(ctx context.Context, cfg config.AuthConfig) (*auth.Handler, error) {
	clientCA, err := config.ReadFile(cfg.ClientCAFile)
	if err != nil {
		return nil, err
	}
	jwtKey, err := config.ReadFile(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	policy, err := config.ReadFile(cfg.AuthzPolicyFile)
	if err != nil {
		return nil, err
	}
	return auth.New(ctx, auth.Config{
		MTLSEnabled:  cfg.MTLSEnabled,
		MTLSRequired: cfg.MTLSRequired,
		ClientCAPEM:  clientCA,
		JWTEnabled:   cfg.JWTEnabled,
		JWTPublicKey: jwtKey,
		JWTIssuer:    cfg.JWTIssuer,
		JWTAudiences: cfg.JWTAudiences,
		AuthzEnabled: cfg.AuthzEnabled,
		AuthzPolicy:  string(policy),
	})
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceVersion = version
	tp, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		logger.WarnContext(ctx, "failed to initialize telemetry", "error", err)
	} else {
		defer func() {
			//nolint:contextcheck // the run context is already cancelled here
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("failed to shut down telemetry", "error", err)
			}
		}()
	}

	repos, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := repos.close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	health := api.NewHealthChecker(logger)
	registryMetrics := metrics.NewRegistryMetrics()

	if repos.ping != nil {
		ping := repos.ping
		health.Register("database", func(ctx context.Context) error {
			if err := ping(ctx); err != nil {
				registryMetrics.ObserveStorageFailure("ping")
				return err
			}
			return nil
		})
	}

	var wrapper keys.Wrapper
	if cfg.Vault.Enabled {
		vaultClient, err := vault.New(cfg.Vault, logger)
		if err != nil {
			return err
		}
		transit := vaultClient.Transit(cfg.Vault.TransitMount)
		if err := transit.EnsureKey(ctx, cfg.Vault.KeyName); err != nil {
			return err
		}
		wrapper = keys.NewVaultWrapper(transit, cfg.Vault.KeyName)
		health.Register("vault", vaultClient.Ready)
		logger.InfoContext(ctx, "master keys wrapped by vault transit", "key", cfg.Vault.KeyName)
	}

	store := keys.NewStore(repos.keys, wrapper, logger)

	var forwarder audit.Forwarder
	if cfg.SIEM.Enabled {
		forwarder = audit.NewHTTPForwarder(&cfg.SIEM)
	}
	auditSvc := audit.NewService(repos.audit, logger, audit.WithForwarder(audit.ForwarderFunc(
		func(ctx context.Context, event *models.AuditEvent) error {
			registryMetrics.ObserveAuditEvent(string(event.EventType), string(event.Result))
			if forwarder == nil {
				return nil
			}
			return forwarder.Forward(ctx, event)
		},
	)))

	reg := registry.NewService(repos.devices, logger, registry.WithTableCounter(store))
	tables := keys.NewTableManager(store, reg, logger)

	if err := ensureTables(ctx, cfg.Authority, store, auditSvc, logger); err != nil {
		return err
	}
	if n, err := store.Count(ctx); err == nil {
		registryMetrics.SetKeyTables(n)
	}
	if stats, err := reg.Statistics(ctx); err == nil {
		registryMetrics.SetDevices(stats.ActiveDevices, stats.BlacklistedDevices)
	}

	issuer, err := loadIssuer(cfg.Authority, logger)
	if err != nil {
		return fmt.Errorf("failed to load certificate authority: %w", err)
	}

	validationMetrics := metrics.NewValidationMetrics()
	tokenOpts := []validation.Option{
		validation.WithRecorder(repos.submissions),
		validation.WithObserver(validationMetrics),
		validation.WithLogger(logger),
	}
	var cache *validation.Cache
	if cfg.Cache.Enabled {
		cache = validation.NewCache(cfg.Cache.Size, cfg.Cache.TTL)
		tokenOpts = append(tokenOpts, validation.WithCache(cache))
	}
	tokens := validation.NewTokenValidator(store, reg, tokenOpts...)

	reg.AddListener(func(ctx context.Context, device *models.DeviceRecord) {
		if cache != nil {
			cache.Purge()
		}
		stats, err := reg.Statistics(ctx)
		if err != nil {
			logger.WarnContext(ctx, "failed to refresh device gauges", "error", err)
			return
		}
		registryMetrics.SetDevices(stats.ActiveDevices, stats.BlacklistedDevices)
	})

	certValidator := certs.NewValidator(issuer.Pool(),
		certs.WithRegistry(store, reg),
		certs.WithSubmissionRecorder(repos.submissions),
		certs.WithValidationObserver(validationMetrics),
		certs.WithValidatorLogger(logger),
	)

	provisioner := provisioning.NewProvisioner(provisioning.Config{
		ManufacturerID:   cfg.Authority.ManufacturerID,
		ManufacturerName: cfg.Authority.ManufacturerName,
		MAEndpoint:       cfg.Authority.Endpoint,
		DeveloperID:      cfg.Authority.DeveloperID,
		SAEndpoint:       cfg.Authority.SoftwareEndpoint,
	}, store, tables, reg, issuer,
		provisioning.WithAudit(auditSvc),
		provisioning.WithObserver(metrics.NewProvisioningMetrics()),
		provisioning.WithLogger(logger),
	)

	detector := abuse.NewDetector(repos.submissions, reg, cfg.Abuse,
		abuse.WithAudit(auditSvc),
		abuse.WithObserver(metrics.NewAbuseMetrics()),
		abuse.WithLogger(logger),
	)
	if cfg.Authority.AbuseCheckInterval > 0 {
		go detector.Schedule(ctx, cfg.Authority.AbuseCheckInterval)
	}

	authHandler, err := newAuth(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	if !authHandler.Enabled() {
		logger.WarnContext(ctx, "authorization disabled; admin routes are open")
	}

	router := api.NewRouter(&api.RouterConfig{
		Logger:  logger,
		Version: version,
		Auth:    authHandler,
		Metrics: metrics.NewServiceMetrics("birthmark-authority", version),
		Tracing: cfg.Telemetry.Enabled,
		Health:  health,
	}, &api.Services{
		Tokens:       tokens,
		Certificates: certValidator,
		Provisioner:  provisioner,
		Devices:      reg,
		Tables:       store,
		TableStats:   tables,
		Abuse:        detector,
		Audit:        auditSvc,
	})

	server, err := api.NewServer(router, &api.ServerConfig{
		Addr:               cfg.Server.Addr(),
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
		Logger:             logger,
		TLSEnabled:         cfg.Server.TLSEnabled,
		TLSCertFile:        cfg.Server.TLSCertFile,
		TLSKeyFile:         cfg.Server.TLSKeyFile,
		ClientVerifier:     authHandler.Verifier(),
		ClientCertRequired: cfg.Auth.MTLSRequired,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	//nolint:contextcheck // the run context is already cancelled here
	if err := server.Shutdown(context.Background()); err != nil {
		return err
	}
	return <-errCh
}

// ensureTables generates the key tables on first start when configured to.
func ensureTables(ctx context.Context, cfg config.AuthorityConfig, store keys.Store, auditSvc *audit.Service, logger *slog.Logger) error {
	n, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count key tables: %w", err)
	}
	if n > 0 {
		logger.InfoContext(ctx, "key tables loaded", "count", n)
		return nil
	}
	if !cfg.AutoGenerateTables {
		logger.WarnContext(ctx, "no key tables; provisioning is unavailable until tables are generated")
		return nil
	}

	if err := store.GenerateAll(ctx, cfg.TotalTables); err != nil {
		return fmt.Errorf("failed to generate key tables: %w", err)
	}
	logger.InfoContext(ctx, "key tables generated", "count", cfg.TotalTables)

	event := &models.AuditEvent{
		EventType: models.AuditEventTypeTablesGenerated,
		Actor:     "system:startup",
		Result:    models.AuditEventResultSuccess,
		Metadata:  map[string]any{"total_tables": cfg.TotalTables},
	}
	if err := auditSvc.Log(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		logger.WarnContext(ctx, "failed to audit table generation", "error", err)
	}
	return nil
}
