// Command mediad is the daemon's composition root: it loads
// configuration, builds the daemon's subsystems, starts the
// control-plane listener, and shuts everything down cleanly on
// SIGINT/SIGTERM — following main.go's flag/config/logger/signal
// shutdown sequence.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/config"
	"github.com/northforge/mediad/internal/control"
	"github.com/northforge/mediad/internal/daemon"
)

var buildTime = ""

func main() {
	configFile := flag.String("config", "", "Path to config file (default: search ./config.yaml, /etc/mediad, $HOME/.mediad)")
	flag.Parse()

	cfg := config.Load(*configFile)
	cfg.BuildTime = buildTime

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init zap: %v", err)
	}
	defer logger.Sync()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Fatal("daemon init failed", zap.Error(err))
	}

	ctx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	d.Start(ctx)

	srv := control.NewServer(cfg.ControlListenAddr, d, logger.Named("control"))
	go func() {
		logger.Info("mediad starting",
			zap.String("addr", cfg.ControlListenAddr),
			zap.String("name", cfg.Name),
			zap.String("build", cfg.BuildTime),
		)
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal("control server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received, shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Warn("control server graceful shutdown failed", zap.Error(err))
	}

	cancelBG()
	if err := d.Stop(); err != nil {
		logger.Warn("daemon shutdown encountered errors", zap.Error(err))
	}
	logger.Info("mediad stopped cleanly")
}
