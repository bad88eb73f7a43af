package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/speedrun-hq/rwa-runner/pkg/config"
	"github.com/speedrun-hq/rwa-runner/pkg/service"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Token contract %s on %s network (%d RPC endpoints)",
		cfg.ContractID, cfg.Network.Name, len(cfg.Network.Endpoints()))
	if cfg.AdminSecretKey == "" {
		log.Println("No admin credential configured: mints fall back to session signing and the retry queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to assemble rwa-runner: %v", err)
	}

	// first signal drains in-flight operations, a second one exits immediately
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		log.Printf("Received %s, draining the retry queue and API", sig)
		cancel()
		<-signalCh
		log.Println("Second signal, exiting without drain")
		os.Exit(1)
	}()

	log.Printf("rwa-runner serving API on :%s, health and metrics on :%s", cfg.APIPort, cfg.MetricsPort)
	svc.Start(ctx)
}
