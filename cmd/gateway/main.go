package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shiftflow/pkg/access"
	"shiftflow/pkg/apperr"
	"shiftflow/pkg/attachment"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/background"
	"shiftflow/pkg/config"
	"shiftflow/pkg/diagnostics"
	"shiftflow/pkg/dispatch"
	"shiftflow/pkg/flags"
	"shiftflow/pkg/hardening"
	"shiftflow/pkg/httpx"
	"shiftflow/pkg/idp"
	"shiftflow/pkg/logging"
	"shiftflow/pkg/metrics"
	"shiftflow/pkg/objectstore"
	"shiftflow/pkg/ratelimit"
	"shiftflow/pkg/repo"
	"shiftflow/pkg/respcache"
	"shiftflow/pkg/session"
	"shiftflow/pkg/statebus"
	"shiftflow/pkg/store"
	"shiftflow/pkg/telemetry"
)

const (
	serviceName     = "shiftflow-gateway"
	shutdownTimeout = 15 * time.Second
	gaugeInterval   = 15 * time.Second
)

type gatewayDB interface {
	repo.DB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, opts telemetry.Options, logger *zap.Logger) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context, opts store.PostgresOptions) (gatewayDB, error)
type gatewayOpenRedisFunc func(ctx context.Context, opts store.RedisOptions) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	openDBFnG      = func(ctx context.Context, opts store.PostgresOptions) (gatewayDB, error) {
		pool, err := store.NewPostgresPool(ctx, opts)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := runGateway(ctx, os.Args[1:], initTelemetryG, openDBFnG, openRedisFnG, listenFnG)
	stop()
	if err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	ctx context.Context,
	args []string,
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := hardening.ValidateProduction(hardening.FromConfig(cfg)); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry, err := initTelemetry(ctx, telemetryOptions(cfg), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	pool, err := openDB(ctx, store.PostgresOptions{
		URL:             cfg.DatabaseURL,
		RequireTLS:      cfg.DatabaseRequireTLS,
		MaxConns:        cfg.DatabaseMaxConns,
		ApplicationName: serviceName,
	})
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	relational := repo.New(pool)

	var kv store.KV = store.NewMemoryKV(nil)
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.RateLimitWindow, nil)
	if cfg.RedisAddr != "" {
		redisClient, err := openRedis(ctx, redisOptions(cfg))
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-process state", zap.Error(err))
		} else {
			defer redisClient.Close()
			kv = store.NewRedisKV(redisClient)
			limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow, nil, logger)
		}
	}

	registry := metrics.NewRegistry()
	idpHTTP := telemetry.InstrumentClient(auth.NewIdPClient(&http.Client{Timeout: cfg.IdPTimeout}, cfg.AuthDomain))
	verifier, err := auth.NewVerifier(auth.Config{
		Strategy:     cfg.AuthMode,
		ClientID:     cfg.OAuthClientID,
		Issuers:      cfg.OAuthIssuers,
		JWKSURL:      cfg.JWKSURL,
		TokenInfoURL: cfg.TokenInfoURL,
		AuthDomain:   cfg.AuthDomain,
		Timeout:      cfg.IdPTimeout,
	}, auth.WithLogger(logger), auth.WithHTTPClient(idpHTTP), auth.WithObserver(registry.ObserveVerifier))
	if err != nil {
		return fmt.Errorf("verifier: %w", err)
	}

	sessionOpts := []session.Option{session.WithLogger(logger)}
	var login dispatch.LoginFlow
	if cfg.OAuthRedirectURL != "" {
		client, err := idp.New(idp.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			AuthURL:      cfg.OAuthAuthURL,
			TokenURL:     cfg.OAuthTokenURL,
			RedirectURL:  cfg.OAuthRedirectURL,
			Scopes:       cfg.OAuthScopes,
			AuthDomain:   cfg.AuthDomain,
			Timeout:      cfg.IdPTimeout,
		}, kv, verifier, idp.WithLogger(logger), idp.WithHTTPClient(idpHTTP))
		if err != nil {
			return fmt.Errorf("idp: %w", err)
		}
		login = client
		sessionOpts = append(sessionOpts, session.WithRefresher(client))
	} else {
		logger.Info("interactive login disabled, OAUTH_REDIRECT_URL not set")
	}
	sessionCfg := session.Config{
		AbsoluteTTL:   cfg.SessionAbsoluteTTL,
		IdleTTL:       cfg.SessionIdleTTL,
		RefreshWindow: cfg.SessionRefreshWindow,
	}
	sessions := session.NewStore(kv, sessionCfg, sessionOpts...)

	executor := background.New(logger, cfg.BackgroundConcurrency, cfg.BackgroundTimeout)
	resolver, err := access.NewResolver(relational, cfg.AccessCacheTTL, cfg.AccessCacheSize,
		access.WithLogger(logger), access.WithScheduler(executor))
	if err != nil {
		return fmt.Errorf("access: %w", err)
	}
	flagSet := flags.New(kv, cfg.FlagsRefresh, flags.WithLogger(logger))
	cache := respcache.New(kv, flagSet, dispatch.CachePolicies(cfg.ResponseCacheTTL), dispatch.Invalidations(), respcache.WithLogger(logger))

	blobs, err := openObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	attachments := attachment.NewManager(blobs, relational, attachment.Config{
		AllowedMIMETypes: cfg.AttachmentAllowedTypes,
		MaxBytes:         cfg.AttachmentMaxBytes,
	}, attachment.WithLogger(logger))

	sink, err := diagnostics.New(diagnostics.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaDiagnosticsTopic}, logger)
	if err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	defer func() { _ = sink.Close() }()

	instanceID := uuid.NewString()
	bus, busConsumer, err := openStateBus(cfg, instanceID)
	if err != nil {
		return fmt.Errorf("statebus: %w", err)
	}
	if bus != nil {
		defer func() { _ = bus.Close() }()
		defer func() { _ = busConsumer.Close() }()
	}

	srv := &dispatch.Server{
		Verifier:           verifier,
		Sessions:           sessions,
		Cookies:            session.NewCookieIssuer(cfg.CookieDomain, sessionCfg),
		Access:             resolver,
		Store:              relational,
		Attachments:        attachments,
		Cache:              cache,
		Flags:              flagSet,
		Login:              login,
		Limiter:            limiter,
		Metrics:            registry,
		Diagnostics:        sink,
		Bus:                bus,
		Background:         executor,
		Origins:            httpx.NewOriginPolicy(cfg.CORSAllowedOrigins),
		Logger:             logger,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		ListingPolicy:      cfg.ListingDegradePolicy,
		InstanceID:         instanceID,
	}

	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Get("/readyz", readyHandler(relational))
	r.Group(func(admin chi.Router) {
		admin.Use(requireAdmin(verifier, resolver))
		admin.Get("/metrics", registry.Handler())
		admin.Get("/metrics/prometheus", registry.PrometheusHandler())
	})
	r.Mount("/", srv.Router())

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go gaugeLoop(loopCtx, gaugeInterval, registry, executor, resolver)
	if busConsumer != nil {
		go func() {
			_ = statebus.Listen(loopCtx, busConsumer, instanceID, purgeOnChange(resolver, logger), logger)
		}()
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("gateway listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
	return serve(ctx, server, listen, executor, logger)
}

// serve runs listen until it fails or ctx ends, then drains in-flight
// requests and background work.
func serve(ctx context.Context, server *http.Server, listen gatewayListenFunc, executor *background.Executor, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()

	var err error
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			err = fmt.Errorf("shutdown: %w", serr)
		}
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if derr := executor.Shutdown(drainCtx); derr != nil {
		logger.Warn("background work did not drain", zap.Error(derr))
	}
	return err
}

func telemetryOptions(cfg config.Config) telemetry.Options {
	return telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		Headers:     cfg.OTelHeaders,
		Timeout:     cfg.OTelTimeout,
		Insecure:    cfg.OTelInsecure,
		Required:    cfg.OTelRequired,
		Sampler:     cfg.OTelSampler,
		SamplerArg:  cfg.OTelSamplerArg,
	}
}

func redisOptions(cfg config.Config) store.RedisOptions {
	return store.RedisOptions{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		RequireTLS: cfg.RedisRequireTLS,
		TLS: store.RedisTLSOptions{
			Enabled:       cfg.RedisTLS,
			Insecure:      cfg.RedisTLSInsecure,
			AllowInsecure: cfg.IsDevelopment(),
			ServerName:    cfg.RedisTLSServerName,
			CACertFile:    cfg.RedisTLSCAFile,
		},
	}
}

func openObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	switch cfg.ObjectStore {
	case "fs":
		fs, err := objectstore.NewFS(cfg.ObjectStoreDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "gcs":
		gcs, err := objectstore.NewGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, err
		}
		return gcs, nil
	default:
		return objectstore.NewMemory(), nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func readyHandler(db pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "service": serviceName})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": serviceName})
	}
}

// requireAdmin admits bearer tokens whose caller resolves to an active
// admin membership.
func requireAdmin(v dispatch.Verifier, a dispatch.AccessResolver) func(http.Handler) http.Handler {
	const where = "metrics"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.NewString()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				httpx.WriteError(w, requestID, apperr.New(apperr.CodeMissingCredentials, where, "bearer token required"))
				return
			}
			claims, err := v.Verify(r.Context(), strings.TrimSpace(token))
			if err != nil {
				httpx.WriteError(w, requestID, apperr.Wrap(apperr.CodeTokenVerificationFailed, where, "token verification failed", err))
				return
			}
			if !claims.EmailVerified {
				httpx.WriteError(w, requestID, apperr.New(apperr.CodeEmailUnverified, where, "email address is not verified"))
				return
			}
			ac := a.Resolve(r.Context(), claims)
			if ac.Source == access.SourceFallback {
				httpx.WriteError(w, requestID, apperr.New(apperr.CodeStoreUnavailable, where, "access could not be resolved, try again"))
				return
			}
			if !ac.Allowed || ac.Role != access.RoleAdmin {
				httpx.WriteError(w, requestID, apperr.New(apperr.CodeRoleForbidden, where, "admin role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cacheSizer interface {
	Len() int
}

func gaugeLoop(ctx context.Context, interval time.Duration, registry *metrics.Registry, executor *background.Executor, cache cacheSizer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		updateGauges(registry, executor, cache)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateGauges(registry *metrics.Registry, executor *background.Executor, cache cacheSizer) {
	stats := executor.Stats()
	registry.SetGauge("background_started", float64(stats.Started))
	registry.SetGauge("background_failed", float64(stats.Failed))
	registry.SetGauge("background_dropped", float64(stats.Dropped))
	registry.SetGauge("background_panicked", float64(stats.Panicked))
	registry.SetGauge("access_cache_entries", float64(cache.Len()))
}

// openStateBus returns nil for both halves when no brokers are configured;
// a single replica has nobody to tell.
func openStateBus(cfg config.Config, instanceID string) (statebus.Publisher, statebus.Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil, nil
	}
	kc := statebus.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaStateBusTopic,
		GroupID: serviceName + "-" + instanceID,
	}
	publisher, err := statebus.NewKafkaPublisher(kc)
	if err != nil {
		return nil, nil, err
	}
	consumer, err := statebus.NewKafkaConsumer(kc)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}
	return publisher, consumer, nil
}

type purger interface{ Purge() }

func purgeOnChange(cache purger, logger *zap.Logger) func(statebus.Event) {
	return func(ev statebus.Event) {
		logger.Debug("access cache purged by peer",
			zap.String("origin", ev.Origin),
			zap.String("membership_id", ev.MembershipID),
		)
		cache.Purge()
	}
}
