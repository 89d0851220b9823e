package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/harness"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)

	store := harness.NewStore(appLogger)
	hub := harness.NewHub(cfg.Harness, store, appLogger)
	handlers := harness.NewHandlers(cfg.Harness, store, hub, appLogger)
	router := harness.SetupRouter(handlers, hub, cfg.Environment, appLogger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Harness.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Starting dev harness", "port", cfg.Harness.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down dev harness...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatal("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Dev harness exited")
}
