package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/shopfabric/microservices/common/logger"
)

func main() {
	decimal.MarshalJSONWithoutQuotes = true

	log := logger.NewLogger(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, loadConfig(), log)
	if err != nil {
		log.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		log.Error("service failed", slog.Any("error", err))
		os.Exit(1)
	}
}
