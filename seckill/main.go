package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopfabric/microservices/common/logger"
)

func main() {
	replay := flag.Bool("replay", false, "republish ghost orders from the emergency log and exit")
	flag.Parse()

	log := logger.NewLogger(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, loadConfig(), log)
	if err != nil {
		log.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if *replay {
		n, err := a.Replay(ctx)
		a.Close()
		if err != nil {
			log.Error("ghost replay failed", slog.Int("replayed", n), slog.Any("error", err))
			os.Exit(1)
		}
		log.Info("ghost replay finished", slog.Int("replayed", n))
		return
	}

	if err := a.Run(ctx); err != nil {
		log.Error("service failed", slog.Any("error", err))
		os.Exit(1)
	}
}
