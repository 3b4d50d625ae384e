package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"labdevice-gateway/config"
	"labdevice-gateway/internal/api"
	"labdevice-gateway/internal/command"
	"labdevice-gateway/internal/correlator"
	"labdevice-gateway/internal/db"
	"labdevice-gateway/internal/dedup"
	"labdevice-gateway/internal/events"
	"labdevice-gateway/internal/ingest"
	"labdevice-gateway/internal/liveness"
	"labdevice-gateway/internal/notification"
	"labdevice-gateway/internal/retrieval"
	"labdevice-gateway/internal/server"
	"labdevice-gateway/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "labgateway ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}
	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		logger.Println("VAPID keys are not configured, offline alerts will fail to send")
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			logger.Printf("event bus unavailable, continuing without it: %v", err)
		} else {
			publisher = nc
			logger.Printf("publishing device events to %s", cfg.NATS.URL)
		}
	}
	defer publisher.Close()

	window := dedup.NewWindow(cfg.Dedup.MaxEntries, cfg.Dedup.Retention)
	go window.Run(ctx, cfg.Dedup.TrimInterval)

	ingestor := ingest.New(appStore, window, publisher)
	corr := correlator.New()

	tcpServer := server.NewTCPServer(cfg.Listener, ingestor, corr)
	if err := tcpServer.Start(); err != nil {
		logger.Fatalf("failed to start device listener: %v", err)
	}

	dialer := &net.Dialer{Timeout: cfg.Device.ConnectTimeout}
	commands := command.NewService(appStore, corr, dialer, publisher, cfg.Device)

	workerPool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore.DB(), &webpushOptions)
	workerPool.Start(ctx)

	if cfg.Liveness.Enabled {
		tracker := liveness.New(appStore, cfg.Liveness, cfg.Device.Port, dialer, workerPool, publisher)
		go tracker.Run(ctx)
	}

	retriever := retrieval.NewService(cfg.Retrieval, cfg.Device.Port, appStore, ingestor, dialer)
	go retriever.Run(ctx)

	handler := api.NewHandler(appStore, &webpushOptions, commands, retriever, tcpServer)
	router := api.NewRouter(handler, cfg.Server)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server Shutdown: %v", err)
	}
	tcpServer.Stop()

	logger.Println("Server gracefully stopped")
}
