package main

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/coachbook/libs/config"
	"github.com/md-rashed-zaman/coachbook/libs/db"
	"github.com/md-rashed-zaman/coachbook/libs/httpx"
	"github.com/md-rashed-zaman/coachbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/coachbook/libs/otel"
	"github.com/md-rashed-zaman/coachbook/libs/runtime"
	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/consumer"
	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/email"
	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/inbox"
	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/notify"
	"github.com/md-rashed-zaman/coachbook/services/notification-service/internal/storage"
	"github.com/md-rashed-zaman/coachbook/services/notification-service/migrations"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	smtpPort, err := config.Port("SMTP_PORT", "1025")
	if err != nil {
		panic(err)
	}
	sendTimeout, err := config.Duration("SMTP_TIMEOUT", 10*time.Second)
	if err != nil {
		panic(err)
	}
	attempts, err := config.Int("NOTIFY_MAX_ATTEMPTS", 3)
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

	sender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		smtpPort,
		config.String("SMTP_FROM", "no-reply@coachbook.local"),
	)
	dispatcher := notify.NewDispatcher(sender, storage.NewRepository(pool), logger)

	topics := notify.Topics()
	if raw := config.String("KAFKA_CONSUME_TOPICS", ""); raw != "" {
		topics = httpx.SplitList(raw)
	}
	brokers := config.String("KAFKA_BROKERS", "")
	eventConsumer := consumer.New(logger, inbox.NewRepository(pool), consumer.Config{
		Brokers:  brokers,
		GroupID:  config.String("KAFKA_GROUP_ID", "notification-service"),
		Topics:   topics,
		Attempts: attempts,
	}, func(ctx context.Context, eventID string, msg kafka.Message) error {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return dispatcher.Handle(sendCtx, eventID, msg.Value)
	})
	go eventConsumer.Run(ctx)
	logger.Info("consuming booking events", "topics", topics)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	runtime.ServeHTTP(ctx, logger, srv, 10*time.Second)
}
