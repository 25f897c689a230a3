package main

import (
	"os"
	"os/signal"
	"syscall"

	"perptrader/config"
	"perptrader/internal/trading/engine"
	"perptrader/logger"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load(".")

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	// run engine
	eng, err := engine.Start(cfg, log)
	if err != nil {
		log.Fatal("engine failed to start", zap.Error(err))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-eng.Done():
		log.Error("stream terminated", zap.Error(err))
	}

	eng.Stop()
}
