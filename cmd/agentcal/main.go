package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agentcal/internal/analytics"
	"agentcal/internal/api"
	"agentcal/internal/auth"
	"agentcal/internal/availability"
	"agentcal/internal/cache"
	"agentcal/internal/calendar"
	"agentcal/internal/config"
	"agentcal/internal/conflict"
	"agentcal/internal/database"
	"agentcal/internal/events"
	"agentcal/internal/metrics"
	"agentcal/internal/pgstore"
	"agentcal/internal/reminders"
	"agentcal/internal/scheduler"
	"agentcal/internal/slots"
	"agentcal/internal/store"
	"agentcal/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("AGENTCAL_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup error")
	}

	backend, err := openStorage(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage error")
	}
	defer backend.close()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, analytics cache disabled")
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}
	analyticsCache := cache.New(rdb, cfg.Redis.Prefix, cfg.CacheTTL(), logger)

	bus := events.NewBus()
	dispatcher := events.NewDispatcher(bus, events.DispatcherConfig{
		QueueSize:      cfg.Events.QueueSize,
		Workers:        cfg.Events.Workers,
		HandlerTimeout: cfg.HandlerTimeout(),
	}, logger)

	var sink *events.KafkaSink
	if brokers := events.SplitBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		sink = events.NewKafkaSink(brokers, cfg.Kafka.Topic)
		bus.SubscribeAll(sink.Handle)
	}
	handoff := reminders.NewHandoff(reminders.LogScheduler{Logger: logger}, reminders.Config{
		Rate:  cfg.Reminders.Rate,
		Burst: cfg.Reminders.Burst,
	}, logger)
	bus.Subscribe(handoff.Handle, reminders.Types()...)
	bus.SubscribeAll(analyticsCache.Invalidate)
	dispatcher.Start()

	resolver := availability.NewResolver(backend.entries, logger)
	holds := slots.NewHoldRegistry(cfg.HoldTTL())
	generator := slots.NewGenerator(resolver, backend.appointments, holds, logger)
	detector := conflict.NewDetector(backend.appointments, generator, conflict.Options{
		WindowDays:     cfg.Slots.SuggestionDays,
		Step:           cfg.SlotStep(),
		Buffer:         cfg.SlotBuffer(),
		MaxSuggestions: cfg.Slots.MaxSuggestions,
	}, logger)
	appointments := store.New(backend.appointments, logger,
		store.WithSuggester(detector),
		store.WithObserver(dispatcher),
	)
	aggregator := analytics.NewAggregator(appointments, analyticsCache, logger)
	w := cfg.Scheduling.Weights
	smart := scheduler.New(generator, detector, appointments, holds, scheduler.Config{
		Weights:       scheduler.Weights{Proximity: w.Proximity, Urgency: w.Urgency, Load: w.Load, Peak: w.Peak},
		SearchDays:    cfg.Scheduling.SearchDays,
		MaxRetries:    cfg.Scheduling.MaxRetries,
		LookaheadDays: cfg.Scheduling.LookaheadDays,
		Step:          cfg.SlotStep(),
		Buffer:        cfg.SlotBuffer(),
	}, logger, scheduler.WithCompletionStats(aggregator))

	svc := calendar.New(calendar.Deps{
		Store:     appointments,
		Entries:   backend.entries,
		Resolver:  resolver,
		Slots:     generator,
		Detector:  detector,
		Scheduler: smart,
		Analytics: aggregator,
		Observer:  dispatcher,
	}, calendar.Config{
		MaxRangeDays:    cfg.Server.MaxRangeDays,
		ScheduleTimeout: cfg.ScheduleTimeout(),
		SlotStep:        cfg.SlotStep(),
	}, logger)

	if cfg.Availability.Path != "" {
		seedCtx := auth.WithPrincipal(ctx, auth.Principal{Subject: "availability-seed", Role: auth.RoleService})
		err = config.WatchAvailability(ctx, cfg.Availability.Path, cfg.WatchInterval(), logger, func(ac *config.AvailabilityConfig) {
			seedAvailability(seedCtx, svc, ac, logger)
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("load availability seed error")
		}
	}

	if cfg.Monitoring.MetricsAddress != "" {
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.MetricsAddress, backend, rdb, &logger)
	}
	if cfg.Monitoring.GRPCHealthAddress != "" {
		if err := startHealthServer(ctx, cfg.Monitoring.GRPCHealthAddress, &logger); err != nil {
			logger.Fatal().Err(err).Msg("grpc health server error")
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewServer(svc, api.OptionsFromConfig(cfg), logger).Handler(),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	}
	go func() {
		<-ctx.Done()
		if err := api.Shutdown(srv, cfg.ShutdownTimeout()); err != nil {
			logger.Error().Err(err).Msg("http shutdown error")
		}
	}()

	logger.Info().Str("addr", cfg.Server.Address).Str("storage", cfg.Storage.Driver).Msg("agentcal started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server error")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := dispatcher.Close(closeCtx); err != nil {
		logger.Error().Err(err).Msg("event dispatcher close error")
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Error().Err(err).Msg("kafka writer close error")
		}
	}
	if err := shutdownTracing(closeCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown error")
	}
	logger.Info().Msg("agentcal stopped")
}

type storage struct {
	appointments store.Repository
	entries      availability.EntryStore
	ping         func(context.Context) error
	close        func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*storage, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgstore.Open(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := pgstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		// Availability stays in process; postgres only holds appointments.
		logger.Warn().Msg("postgres driver keeps availability entries in memory")
		return &storage{
			appointments: pgstore.NewRepository(pool),
			entries:      availability.NewMemoryEntryStore(),
			ping:         pool.Ping,
			close:        pool.Close,
		}, nil
	case "memory":
		return &storage{
			appointments: store.NewMemoryRepository(),
			entries:      availability.NewMemoryEntryStore(),
			ping:         func(context.Context) error { return nil },
			close:        func() {},
		}, nil
	default:
		db, err := database.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		if cfg.Backup.Enabled {
			if err := database.NewBackupService(db, cfg.Backup, logger).Start(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		return &storage{
			appointments: database.NewAppointmentRepository(db),
			entries:      database.NewAvailabilityRepository(db),
			ping:         db.PingContext,
			close:        func() { _ = db.Close() },
		}, nil
	}
}

func seedAvailability(ctx context.Context, svc *calendar.Service, ac *config.AvailabilityConfig, logger zerolog.Logger) {
	for _, agent := range ac.Agents {
		entries, err := svc.UpsertAvailability(ctx, agent.ID, ac.Entries(agent))
		if err != nil {
			logger.Error().Err(err).Str("agent_id", agent.ID).Msg("seed availability error")
			continue
		}
		logger.Info().Str("agent_id", agent.ID).Int("entries", len(entries)).Msg("availability seeded")
	}
}

func startMetricsServer(ctx context.Context, addr string, backend *storage, rdb *redis.Client, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := backend.ping(ctxPing); err != nil {
			http.Error(w, "storage not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func startHealthServer(ctx context.Context, addr string, logger *zerolog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("grpc health server starting")
		if err := srv.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc health server error")
		}
	}()

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()
	return nil
}
