package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/cache/jetstreamkv"
	"github.com/pitabwire/frame/cache/valkey"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"

	aconfig "github.com/orvannflatin-lang/wbot-core/apps/default/config"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/business"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/events"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/protocol/memdial"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/queues"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/repository"
	"github.com/orvannflatin-lang/wbot-core/internal/health"
)

const gracefulShutdownTimeout = 30 * time.Second

// runService initializes and starts the session service with all dependencies.
func runService(ctx context.Context) error {
	// Initialize configuration
	cfg, err := config.FromEnv[aconfig.SessionConfig]()
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return err
	}

	// Validate configuration (fail-fast on invalid config)
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_wbot_sessions"
	}

	rawCache, err := setupCache(cfg)
	if err != nil {
		util.Log(ctx).WithError(err).Fatal("could not setup cache")
	}

	// Create service
	ctx, svc := frame.NewServiceWithContext(ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
		frame.WithCache(cfg.Name(), rawCache),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	workMan := svc.WorkManager()
	eventsMan := svc.EventsManager()
	queueMan := svc.QueueManager()

	dbManager := svc.DatastoreManager()
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	// Handle database migration if requested
	if cfg.DoDatabaseMigrate() {
		if err = repository.Migrate(ctx, svc, cfg.GetDatabaseMigrationPath()); err != nil {
			log.WithError(err).Fatal("main -- could not migrate successfully")
		}
		return nil
	}

	sessionRepo := repository.NewSessionRepository(ctx, dbPool, workMan)
	credentialRepo := repository.NewCredentialRepository(ctx, dbPool, workMan)

	credentialStore, err := business.NewMirroredCredentialStore(ctx, cfg.CredentialStorePath, credentialRepo)
	if err != nil {
		log.WithError(err).Fatal("main -- could not setup credential store")
	}

	locker := business.NewCacheLocker(cache.NewGenericCache[string, string](
		rawCache, func(key string) string { return key }))
	issuer := business.NewPairingIssuer(cache.NewGenericCache[string, business.Artifact](
		rawCache, func(key string) string { return "pairing-artifact:" + key }),
		cfg.SupervisorSettings().QRPairingTimeout)

	sinks := queues.NewCaptureSinks(queueMan,
		cfg.QueueCaptureMessagesName,
		cfg.QueueCaptureDeletionsName,
		cfg.QueueCaptureStatusName)

	// The real protocol-socket library plugs in here; the in-memory dialer
	// keeps local runs self-contained.
	dialer := memdial.New(memdial.WithAutoPair("local-device"))

	supervisor := business.NewConnectionSupervisor(
		ctx,
		cfg.SupervisorSettings(),
		dialer,
		credentialStore,
		locker,
		issuer,
		sinks,
		sessionRepo,
		eventsMan,
		workMan,
	)
	// Graceful shutdown: drain watchers and timers before the service stops.
	// Defers run LIFO: supervisor shuts down before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		if shutdownErr := supervisor.Shutdown(drainCtx); shutdownErr != nil {
			util.Log(drainCtx).WithError(shutdownErr).Error("supervisor shutdown error")
		}
	}()

	// Setup health checks
	healthHandler := setupHealthChecks(dbPool, rawCache)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		frame.WithRegisterPublisher(cfg.QueueCaptureMessagesName, cfg.QueueCaptureMessagesURI),
		frame.WithRegisterPublisher(cfg.QueueCaptureDeletionsName, cfg.QueueCaptureDeletionsURI),
		frame.WithRegisterPublisher(cfg.QueueCaptureStatusName, cfg.QueueCaptureStatusURI),
		frame.WithRegisterEvents(
			events.NewSessionAuditQueue(ctx, dbPool, workMan),
		),
	}

	// Initialize the service with all options
	svc.Init(ctx, serviceOptions...)

	// Bring persisted sessions back before accepting traffic.
	if err = supervisor.Rehydrate(ctx); err != nil {
		log.WithError(err).Error("main -- session rehydration failed")
	}

	// Start the service
	return svc.Run(ctx, "")
}

func main() {
	ctx := context.Background()
	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

// setupCache picks the cache backend from the configured DSN.
func setupCache(cfg aconfig.SessionConfig) (cache.RawCache, error) {
	cacheDSN := data.DSN(cfg.CacheURI)

	cacheOptions := []cache.Option{
		cache.WithDSN(cacheDSN),
	}

	switch {
	case cacheDSN.IsNats():
		return jetstreamkv.New(cacheOptions...)
	case cacheDSN.IsRedis():
		return valkey.New(cacheOptions...)
	default:
		return cache.NewInMemoryCache(), nil
	}
}

// setupHealthChecks creates the health check handler with database and cache
// checkers.
func setupHealthChecks(dbPool pool.Pool, rawCache cache.RawCache) *health.Handler {
	handler := health.NewHandler()
	handler.AddChecker(health.NewDatabaseChecker(dbPool, 5*time.Second))
	handler.AddChecker(health.NewCacheChecker(rawCache, 5*time.Second))
	return handler
}
