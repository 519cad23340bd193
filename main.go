package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/delivery"
	grpcclient "messaging-service/internal/grpc"
	"messaging-service/internal/handlers"
	"messaging-service/internal/logging"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
	"messaging-service/internal/pipeline"
	"messaging-service/internal/presence"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/router"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/tracing"
	"messaging-service/internal/translation"
	"messaging-service/internal/ws"
)

const auditRoutingKey = "audit.events"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	if cfg.DBDSN == "" {
		return errors.New("DB_DSN is required")
	}
	database, err := db.Connect(cfg.DBDSN, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	authConn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
	if err != nil {
		return err
	}
	defer authConn.Close()

	userConn, err := grpcclient.Dial(cfg.UserGRPCAddr)
	if err != nil {
		return err
	}
	defer userConn.Close()

	authClient := grpcclient.NewAuthClient(authConn)
	userClient := grpcclient.NewUserClient(userConn)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("reason", rabbitmq.PublisherNoopReason(publisher)),
	)

	tracker, err := newPresence(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := tracker.(io.Closer); ok {
		defer closer.Close()
	}

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	deliveryRepo := repositories.NewDeliveryRepo(database)
	retrier := repositories.NewRetrier(cfg.StoreRetries, logger)

	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.ServiceName, cfg.Env, logger)
	dispatcher := notify.NewDispatcher(publisher, logger)
	defer dispatcher.Wait()

	service := messaging.NewService(messaging.Deps{
		Pipeline:      pipeline.New(conversationRepo, messageRepo, newTranslator(cfg, logger), cfg.TranslationTimeout, retrier, logger),
		Tracker:       delivery.NewTracker(conversationRepo, messageRepo, deliveryRepo, retrier, logger),
		Presence:      tracker,
		Conversations: conversationRepo,
		Messages:      messageRepo,
		Retrier:       retrier,
		Notifier:      dispatcher,
		Audit:         audit,
		Logger:        logger,
	})

	hub := ws.NewHub(logger)
	service.SetFanout(hub)
	frames := router.New(service, logger)
	wsHandler := ws.NewHandler(hub, service, frames, authClient, publisher, cfg.WSPingInterval, logger)

	conversationHandler := handlers.NewConversationHandler(conversationRepo, userClient, audit, logger)
	messageHandler := handlers.NewMessageHandler(service)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.ServiceName),
		middleware.RequestID(),
		middleware.AccessLog(logger),
		observability.HTTPMetricsMiddleware(),
	)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", healthz(database))
	engine.GET("/ws/conversations/:id", wsHandler.Handle)

	api := engine.Group("/", middleware.AuthMiddleware(authClient))
	api.GET("/conversations", conversationHandler.ListConversations)
	api.POST("/conversations/direct", conversationHandler.StartDirect)
	api.POST("/rooms", conversationHandler.CreateRoom)

	api.GET("/conversations/:id/messages", messageHandler.ListMessages)
	api.POST("/conversations/:id/messages", messageHandler.PostMessage)
	api.POST("/conversations/:id/typing", messageHandler.SetTyping)
	api.GET("/conversations/:id/typing", messageHandler.ListTyping)
	api.POST("/conversations/:id/heartbeat", messageHandler.Heartbeat)
	api.GET("/conversations/:id/presence", messageHandler.ListPresence)

	api.POST("/messages/:id/read", messageHandler.MarkRead)
	api.GET("/messages/:id/reads", messageHandler.ReadStatus)
	api.DELETE("/messages/:id/me", messageHandler.DeleteForMe)

	handlers.RegisterDebugRoutes(api, audit, cfg.DebugRoutes)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newTranslator(cfg *config.Config, logger *zap.Logger) translation.Translator {
	if cfg.TranslatorURL == "" {
		logger.Warn("translation disabled", zap.String("reason", "TRANSLATOR_URL not set"))
		return translation.Noop{}
	}
	opts := []translation.Option{}
	if cfg.TranslatorModel != "" {
		opts = append(opts, translation.WithModel(cfg.TranslatorModel))
	}
	client, err := translation.NewClient(cfg.TranslatorURL, cfg.TranslatorAPIKey, opts...)
	if err != nil {
		logger.Warn("translation disabled", zap.Error(err))
		return translation.Noop{}
	}
	return client
}

func newPresence(ctx context.Context, cfg *config.Config, logger *zap.Logger) (presence.Tracker, error) {
	if cfg.RedisURL != "" {
		tracker, err := presence.NewRedisTracker(ctx, cfg.RedisURL, cfg.PresenceTTL, cfg.TypingTTL)
		if err != nil {
			return nil, err
		}
		logger.Info("presence backed by redis")
		return tracker, nil
	}

	tracker := presence.NewMemoryTracker(cfg.PresenceTTL, cfg.TypingTTL)
	go tracker.RunSweeper(ctx, time.Second)
	logger.Info("presence kept in memory")
	return tracker, nil
}

func healthz(database *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := database.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
