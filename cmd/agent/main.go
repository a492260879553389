package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dispatch-sync-client/internal/api"
	"dispatch-sync-client/internal/breaker"
	"dispatch-sync-client/internal/config"
	"dispatch-sync-client/internal/conn"
	"dispatch-sync-client/internal/httpx"
	"dispatch-sync-client/internal/logger"
	"dispatch-sync-client/internal/resolver"
	"dispatch-sync-client/internal/store"
	"dispatch-sync-client/internal/sync"
)

func main() {
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting dispatch sync client")

	queueStore, err := store.NewSQLiteStore(cfg.Queue.Path)
	if err != nil {
		logger.Log.Fatal("Failed to open queue store", zap.Error(err))
	}
	defer queueStore.Close()

	brk := breaker.New(breaker.Config{
		MaxFailures:  cfg.Breaker.MaxFailures,
		Window:       cfg.Breaker.GetWindow(),
		ResetTimeout: cfg.Breaker.GetResetTimeout(),
	})

	client := httpx.NewClient(cfg.Remote.BaseURL, brk, httpx.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		BaseDelay:      cfg.Retry.GetBaseDelay(),
		MaxDelay:       cfg.Retry.GetMaxDelay(),
		BackoffFactor:  cfg.Retry.BackoffFactor,
		RequestTimeout: cfg.Retry.GetRequestTimeout(),
		RetryPost:      cfg.Retry.RetryPost,
	})

	engine, err := sync.NewEngine(sync.Config{
		RetryCeiling: cfg.Queue.RetryCeiling,
		FailedCap:    cfg.Queue.FailedCap,
	}, queueStore, client)
	if err != nil {
		logger.Log.Fatal("Failed to init sync engine", zap.Error(err))
	}

	res := resolver.NewResolver(resolver.Config{
		DefaultStrategy: cfg.Resolver.DefaultStrategy,
		TimestampField:  cfg.Resolver.TimestampField,
	}, queueStore,
		resolver.NewHTTPSystemWriter("system-a", cfg.Resolver.SystemABaseURL, client),
		resolver.NewHTTPSystemWriter("system-b", cfg.Resolver.SystemBBaseURL, client),
	)

	scheduler := sync.NewScheduler(cfg.Scheduler, engine)
	scheduler.AddJob("reconcile", func() {
		if _, err := res.ReconcileAll(context.Background()); err != nil {
			logger.Log.Error("Reconciliation pass failed", zap.Error(err))
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	channel := conn.NewManager(conn.Config{
		URL:                  cfg.Channel.URL,
		HeartbeatInterval:    cfg.Channel.GetHeartbeatInterval(),
		ReconnectBaseDelay:   cfg.Channel.GetReconnectBaseDelay(),
		ReconnectMaxDelay:    cfg.Channel.GetReconnectMaxDelay(),
		ReconnectFactor:      cfg.Channel.ReconnectFactor,
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		OutboundBufferSize:   cfg.Channel.OutboundBufferSize,
	})

	// Channel connectivity drives the engine's online state: a live channel
	// means the remote is reachable and queued writes can drain.
	channel.OnEvent(func(ev conn.Event) {
		switch ev.Type {
		case conn.EventConnected:
			engine.SetOnline(true)
		case conn.EventDisconnected, conn.EventAbandoned:
			engine.SetOnline(false)
		}
	})

	channel.On(conn.TypeConflict, func(msg conn.Inbound) {
		notice, ok := msg.(conn.ConflictNotice)
		if !ok {
			return
		}
		logger.Log.Warn("Server reported a write conflict",
			zap.ByteString("payload", notice.Payload),
		)
	})

	if cfg.Channel.URL != "" {
		// An empty token logs a warning and leaves the client offline; the
		// admin surface still comes up.
		if err := channel.Connect(cfg.Channel.Token); err != nil {
			logger.Log.Warn("Initial channel connect failed, reconnecting in background", zap.Error(err))
		}
	}
	defer channel.Disconnect()

	handler := api.NewHandler(cfg.Server.AuthToken, engine, queueStore, brk, channel, res)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Admin server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Admin server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Admin server shutdown failed", zap.Error(err))
	}
}
