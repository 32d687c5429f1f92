package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/coachbook/libs/config"
	"github.com/md-rashed-zaman/coachbook/libs/db"
	"github.com/md-rashed-zaman/coachbook/libs/grpcx"
	"github.com/md-rashed-zaman/coachbook/libs/httpx"
	"github.com/md-rashed-zaman/coachbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/coachbook/libs/otel"
	"github.com/md-rashed-zaman/coachbook/libs/redisx"
	"github.com/md-rashed-zaman/coachbook/libs/runtime"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/coachbook/services/booking-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9083")
	if err != nil {
		panic(err)
	}
	calendarTimeout, err := config.Duration("CALENDAR_TIMEOUT", 8*time.Second)
	if err != nil {
		panic(err)
	}
	perMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("MIGRATE_ON_START", false) {
		if err := db.Migrate(ctx, pool, migrations.FS, migrations.Dir, logger); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
	}

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	}

	var limiter httpx.Limiter = httpx.NewMemoryLimiter(perMinute, time.Minute)
	if redisURL := config.String("REDIS_URL", ""); redisURL != "" {
		rdb, err := redisx.Open(ctx, redisURL)
		if err != nil {
			logger.Error("redis unavailable; using in-process rate limiter", "err", err)
		} else {
			defer rdb.Close()
			limiter = httpx.NewRedisLimiter(rdb, perMinute, time.Minute, service+":ratelimit")
			readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
		}
	}

	bookings := storage.NewBookingRepository(pool)
	coaches := storage.NewCoachRepository(pool)
	outboxRepo := outbox.NewRepository(pool)

	// A nil client disables calendar sync; accepted bookings then record sync status none.
	var cal calendar.Client
	if apiURL := config.String("CALENDAR_API_URL", ""); apiURL != "" {
		cal = calendar.NewHTTPClient(apiURL, storage.NewGrantRepository(pool), calendarTimeout, logger)
	} else {
		logger.Warn("calendar sync disabled (CALENDAR_API_URL not set)")
	}

	svc := booking.NewService(bookings, coaches, cal, outbox.NewSink(outboxRepo), logger, booking.Config{
		CalendarTimeout: calendarTimeout,
	})

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	grpcSrv, health := grpcx.NewServer()
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		panic(err)
	}
	grpcx.Serve(ctx, logger, grpcSrv, health, lis)

	base := runtime.NewBaseMuxWithReady(readyChecks...)
	router := chi.NewRouter()
	router.Handle("/healthz", base)
	router.Handle("/readyz", base)
	handlers.NewBookingHandler(svc, logger).Routes(router, httpx.RateLimit(limiter, logger, true))

	httpHandler := httpx.Chain(router,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: httpx.SplitList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", handlers.HeaderCoachID, "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	runtime.ServeHTTP(ctx, logger, srv, 10*time.Second)
}
