// console is the dispatch admin session client: it keeps the operator's session alive,
// signs admin API calls, and ends the session when the API stops accepting it.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"dispatch-admin/console/internal/authapi"
	"dispatch-admin/console/internal/config"
	"dispatch-admin/console/internal/console"
	"dispatch-admin/console/internal/db"
	"dispatch-admin/console/internal/db/migrate"
	"dispatch-admin/console/internal/gateway"
	"dispatch-admin/console/internal/health"
	"dispatch-admin/console/internal/logger"
	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/policy/engine"
	"dispatch-admin/console/internal/refresh"
	"dispatch-admin/console/internal/server"
	"dispatch-admin/console/internal/session/domain"
	"dispatch-admin/console/internal/session/repository"
	"dispatch-admin/console/internal/session/state"
	"dispatch-admin/console/internal/storage"
	"dispatch-admin/console/internal/storage/memory"
	"dispatch-admin/console/internal/storage/redisstore"
	"dispatch-admin/console/internal/storage/sqlstore"
	"dispatch-admin/console/internal/telemetry"
	telotel "dispatch-admin/console/internal/telemetry/otel"
	"dispatch-admin/console/internal/telemetry/producer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	log := logger.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telotel.NewProviders(ctx, telotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "dispatch-console",
		Insecure:    cfg.OTLPInsecure,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("otel providers", zap.Error(err))
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Warn("otel shutdown", zap.Error(err))
		}
	}()

	emitters := []telemetry.EventEmitter{telotel.NewEventEmitter(providers.LoggerProvider)}
	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.TelemetryKafkaTopic, log)
	if err != nil {
		log.Fatal("kafka producer", zap.Error(err))
	}
	if kafkaProducer != nil {
		defer func() { _ = kafkaProducer.Close() }()
		emitters = append(emitters, kafkaProducer)
	}
	if cfg.OTLPEndpoint != "" || kafkaProducer != nil {
		// runs before the exporters close
		defer time.Sleep(telemetry.ShutdownDrainDuration)
	}

	durable, pinger, closeDurable, err := openDurable(ctx, cfg, log)
	if err != nil {
		log.Fatal("durable credential tier", zap.String("driver", cfg.StorageDriver), zap.Error(err))
	}
	defer closeDurable()

	clk := clock.System{}
	repo := repository.NewCredentialStore(memory.NewStore(), storage.Prefixed(durable, cfg.StorageNamespace), repository.Options{
		SessionMaxAge:    cfg.SessionMaxAge(),
		RememberMeMaxAge: cfg.RememberMeMaxAge(),
		MirrorToDurable:  cfg.MirrorSessionToDurable,
		Clock:            clk,
	})
	store := state.New(state.Options{
		Repository: repo,
		Clock:      clk,
		Logger:     log,
		Events:     telemetry.Multi(emitters...),
	})
	if restored, err := store.RecoverSession(ctx); err != nil {
		log.Warn("recover session", zap.Error(err))
	} else if restored {
		log.Info("restored previous session")
	}

	routes, err := engine.NewOPARouteClassifier(ctx, engine.Options{
		LoginPath:   cfg.AuthLoginPath,
		RefreshPath: cfg.AuthRefreshPath,
		PolicyFile:  cfg.RoutePolicyFile,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("route policy", zap.Error(err))
	}
	if err := routes.HealthCheck(ctx); err != nil {
		log.Fatal("route policy health check", zap.Error(err))
	}

	// The gateway signs the auth client's own refresh calls, and the refresher uses
	// that client, so the gateway reaches the refresher through ref.
	var ref *refresh.Refresher
	gw := gateway.New(gateway.Options{
		Store: store,
		Refresher: gateway.RefreshFunc(func(ctx context.Context, gen uint64) (bool, error) {
			return ref.Refresh(ctx, gen)
		}),
		Routes:    routes,
		Clock:     clk,
		Threshold: cfg.RefreshThreshold(),
		OnLogout: func(reason domain.LogoutReason) {
			log.Info("session ended by the admin API", zap.String("reason", string(reason)))
		},
		Logger: log,
	})
	httpClient := gw.Client(cfg.RequestTimeout())
	api := authapi.New(authapi.Options{
		BaseURL:     cfg.APIBaseURL,
		LoginPath:   cfg.AuthLoginPath,
		RefreshPath: cfg.AuthRefreshPath,
		HTTPClient:  httpClient,
		Timeout:     cfg.RequestTimeout(),
		Logger:      log,
	})
	ref = refresh.NewRefresher(refresh.Options{
		API:     api,
		Store:   store,
		Clock:   clk,
		Timeout: cfg.RequestTimeout(),
		Logger:  log,
	})

	scheduler := refresh.NewScheduler(refresh.SchedulerOptions{
		Refresher: ref,
		Store:     store,
		Clock:     clk,
		Interval:  cfg.RefreshInterval(),
		Threshold: cfg.RefreshThreshold(),
		Logger:    log,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var grpcHealth, grpcDrivers func(context.Context) (string, error)
	if cfg.GRPCTarget != "" {
		conn, err := grpc.NewClient(cfg.GRPCTarget,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
			grpc.WithUnaryInterceptor(gw.UnaryClientInterceptor()),
		)
		if err != nil {
			log.Fatal("grpc client", zap.String("target", cfg.GRPCTarget), zap.Error(err))
		}
		defer func() { _ = conn.Close() }()
		health := healthpb.NewHealthClient(conn)
		grpcHealth = func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
			defer cancel()
			resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{})
			if err != nil {
				return "", err
			}
			return resp.GetStatus().String(), nil
		}
		grpcDrivers = func(ctx context.Context) (string, error) {
			out, err := server.ListDrivers(ctx, conn)
			if err != nil {
				return "", err
			}
			b, err := protojson.Marshal(out)
			return string(b), err
		}
	}

	repl := console.New(console.Options{
		Auth:        api,
		Session:     store,
		HTTP:        httpClient,
		Health:      health.NewChecker(pinger, routes),
		AutoRefresh: scheduler,
		BaseURL:     cfg.APIBaseURL,
		GRPCHealth:  grpcHealth,
		GRPCDrivers: grpcDrivers,
		Clock:       clk,
		In:          os.Stdin,
		Out:         os.Stdout,
		Logger:      log,
	})
	if err := repl.Run(ctx); err != nil {
		log.Error("console", zap.Error(err))
	}
}

// openDurable returns the durable credential tier selected by STORAGE_DRIVER, its
// readiness check (nil for memory), and a function that releases it. SQL backends are
// migrated to the latest schema first.
func openDurable(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, health.Pinger, func(), error) {
	switch cfg.StorageDriver {
	case config.StorageSQLite, config.StoragePostgres:
		if err := migrate.Run(cfg.StorageDriver, cfg.StorageDSN, "up"); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, nil, nil, err
		}
		conn, err := db.Open(cfg.StorageDriver, cfg.StorageDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := sqlstore.New(conn, cfg.StorageDriver)
		if err != nil {
			_ = conn.Close()
			return nil, nil, nil, err
		}
		return s, conn, func() { _ = conn.Close() }, nil
	case config.StorageRedis:
		s, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.StorageDSN,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RememberMeMaxAge(),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { _ = s.Close() }, nil
	default:
		log.Warn("durable tier is in memory; remembered sessions will not survive a restart")
		return memory.NewStore(), nil, func() {}, nil
	}
}
