package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbuspay/settlement_layer/internal/app"
	"github.com/nimbuspay/settlement_layer/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("settlementd: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("settlementd: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		log.Fatalf("settlementd: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("settlementd: shutdown: %v", err)
	}
}
