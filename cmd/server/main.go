package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	"marketplace-auth/backend/internal/audit"
	"marketplace-auth/backend/internal/config"
	"marketplace-auth/backend/internal/cookie"
	"marketplace-auth/backend/internal/gate"
	"marketplace-auth/backend/internal/health"
	identityservice "marketplace-auth/backend/internal/identity/service"
	applogger "marketplace-auth/backend/internal/logger"
	"marketplace-auth/backend/internal/platform/limiter"
	"marketplace-auth/backend/internal/platform/ratelimit"
	"marketplace-auth/backend/internal/policy/engine"
	"marketplace-auth/backend/internal/security"
	"marketplace-auth/backend/internal/server"
	sessionhandler "marketplace-auth/backend/internal/session/handler"
	"marketplace-auth/backend/internal/session/service"
	"marketplace-auth/backend/internal/store"
	"marketplace-auth/backend/internal/telemetry"
	otelsetup "marketplace-auth/backend/internal/telemetry/otel"
	"marketplace-auth/backend/internal/telemetry/producer"
	userdomain "marketplace-auth/backend/internal/user/domain"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	serviceName         = "marketplace-auth"
	healthWatchInterval = 10 * time.Second
	shutdownTimeout     = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := applogger.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	providers, err := otelsetup.NewProviders(ctx, otelsetup.Options{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		InstanceID:     hostname,
	})
	if err != nil {
		logger.Fatal("otel providers", zap.Error(err))
	}
	providers.SetGlobal()

	stores, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open stores", zap.Error(err))
	}

	codec, err := newCodec(cfg)
	if err != nil {
		logger.Fatal("token codec", zap.Error(err))
	}

	metrics := telemetry.NewMetrics()
	kafkaProducer := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SessionEventsTopic, logger)
	events := telemetry.Multi{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	if kafkaProducer != nil {
		events = append(events, kafkaProducer)
		logger.Info("session events published to kafka", zap.String("topic", cfg.SessionEventsTopic))
	}
	if stores.Audit != nil {
		events = append(events, audit.NewLogger(stores.Audit, logger))
	}

	manager := service.NewManager(stores.Sessions, stores.Users, codec, service.Config{
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
		ReuseGrace:    cfg.ReuseGrace(),
		TouchInterval: cfg.TouchInterval(),
	}, service.WithEvents(events), service.WithMetrics(metrics), service.WithLogger(logger))

	auth := identityservice.NewAuthenticator(stores.Users, security.NewHasher(cfg.BcryptCost))
	if cfg.HasBootstrapAdmin() {
		bootstrapAdmin(ctx, auth, cfg, logger)
	}

	authz, err := newEvaluator(ctx, cfg)
	if err != nil {
		logger.Fatal("policy", zap.Error(err))
	}

	cookies := cookie.New(cfg.AccessCookieName, cfg.RefreshCookieName, cfg.CookieSecure, cfg.CookieSameSite, cfg.AccessTTL(), cfg.RefreshTTL())
	g := gate.New(authz, cookies, logger,
		gate.OperatorKey{Key: cfg.OperatorKey},
		gate.UserSession{Resolver: manager, Cookies: cookies},
	)

	loginLimiter := ratelimit.NewPerMinute(cfg.LoginRatePerMinute)
	sweepStop := make(chan struct{})
	loginLimiter.StartSweeper(time.Minute, sweepStop)
	routeLimiter := limiter.New(cfg.RouteMaxConcurrent, cfg.QueueTimeout(), func(key string) {
		metrics.RouteRejected.WithLabelValues(key).Inc()
	})

	checker := health.NewChecker(stores.Sessions, authz, logger)
	router := server.NewRouter(server.HTTPDeps{
		Sessions: sessionhandler.NewServer(manager, auth, cookies,
			sessionhandler.WithLoginLimiter(loginLimiter),
			sessionhandler.WithEvents(events),
			sessionhandler.WithMetrics(metrics),
			sessionhandler.WithLogger(logger),
		),
		Gate:    g,
		Health:  checker,
		Metrics: metrics,
		Limiter: routeLimiter,
		Log:     logger,

		TrustedProxies: cfg.TrustedProxyNets(),
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http serve", zap.Error(err))
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		hs := grpchealth.NewServer()
		grpcSrv = server.NewGRPCServer(logger, server.GRPCDeps{Health: hs})
		go checker.Watch(ctx, hs, healthWatchInterval)
		go func() {
			logger.Info("gRPC health server listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("grpc serve", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	close(sweepStop)
	manager.Wait()
	// Let in-flight async emits finish before the exporters go away.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := kafkaProducer.Close(); err != nil {
		logger.Warn("kafka close", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	if err := stores.Close(); err != nil {
		logger.Warn("close stores", zap.Error(err))
	}
	logger.Info("stopped")
}

// newCodec prefers the key pair when one is configured.
func newCodec(cfg *config.Config) (*security.Codec, error) {
	opts := []security.Option{security.WithLeeway(cfg.Leeway())}
	if cfg.JWTPrivateKey != "" && cfg.JWTPublicKey != "" {
		priv, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			return nil, err
		}
		return security.NewKeyPairCodec(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, opts...)
	}
	return security.NewHMACCodec([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience, opts...)
}

func newEvaluator(ctx context.Context, cfg *config.Config) (*engine.OPAEvaluator, error) {
	if cfg.PolicyFile != "" {
		return engine.NewOPAEvaluatorFromFile(ctx, cfg.PolicyFile)
	}
	return engine.NewOPAEvaluator(ctx, engine.DefaultPolicy)
}

func bootstrapAdmin(ctx context.Context, auth *identityservice.Authenticator, cfg *config.Config, logger *zap.Logger) {
	_, err := auth.Register(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword, "Administrator", userdomain.RoleAdmin)
	switch {
	case err == nil:
		logger.Info("bootstrap admin created", zap.String("email", cfg.BootstrapAdminEmail))
	case errors.Is(err, identityservice.ErrEmailAlreadyRegistered):
		logger.Debug("bootstrap admin already exists")
	default:
		logger.Fatal("bootstrap admin", zap.Error(err))
	}
}
