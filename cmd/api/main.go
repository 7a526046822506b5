package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wenwu/saas-platform/vpn-controller/internal/client"
	"github.com/wenwu/saas-platform/vpn-controller/internal/config"
	"github.com/wenwu/saas-platform/vpn-controller/internal/db"
	"github.com/wenwu/saas-platform/vpn-controller/internal/http"
	"github.com/wenwu/saas-platform/vpn-controller/internal/keys"
	"github.com/wenwu/saas-platform/vpn-controller/internal/queue"
	"github.com/wenwu/saas-platform/vpn-controller/internal/repository"
	"github.com/wenwu/saas-platform/vpn-controller/internal/service"
	"github.com/wenwu/saas-platform/vpn-controller/internal/sweep"
)

func main() {
	log.Println("Starting VPN Controller...")

	// .env is optional; deployments inject environment directly
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Database
	database, err := db.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Repositories
	accountRepo := repository.NewAccountRepository(database.Pool)
	subscriptionRepo := repository.NewSubscriptionRepository(database.Pool)
	logRepo := repository.NewAccountLogRepository(database.Pool)

	// Panel gateway
	session, err := client.NewSessionManager(
		cfg.Panel.URL,
		cfg.Panel.BasePath,
		cfg.Panel.Username,
		cfg.Panel.Password,
	)
	if err != nil {
		log.Fatalf("Failed to configure panel session: %v", err)
	}
	panel := client.NewPanelClient(
		cfg.Panel.URL,
		cfg.Panel.BasePath,
		session,
		cfg.Panel.MaxAttempts,
		time.Duration(cfg.Panel.RetryDelaySecs)*time.Second,
	)

	// Services
	keyProvider := keys.NewCurve25519Provider()
	accountService := service.NewAccountService(cfg, accountRepo, subscriptionRepo, logRepo, panel, keyProvider)
	configService := service.NewConfigService(keyProvider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Billing event consumer
	if cfg.Queue.Enabled {
		consumer, err := queue.NewConsumer(cfg.Queue.URL, queue.NewEventHandler(accountService))
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer consumer.Close()
		if err := consumer.Start(ctx, cfg.Queue.Exchange, cfg.Queue.Queue); err != nil {
			log.Fatalf("Failed to start event consumer: %v", err)
		}
	}

	// Periodic sweeps
	var sweeper *sweep.Sweeper
	if cfg.Sweep.Enabled {
		sweeper = sweep.NewSweeper(cfg.Sweep, accountService)
		if err := sweeper.Start(); err != nil {
			log.Fatalf("Failed to start sweeper: %v", err)
		}
	}

	// HTTP server
	server := http.NewServer(cfg, database.Pool, accountService, configService)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		log.Printf("Server starting on %s", addr)
		if err := server.Run(addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()
	if sweeper != nil {
		select {
		case <-sweeper.Stop().Done():
		case <-time.After(30 * time.Second):
			log.Println("Timed out waiting for running sweeps")
		}
	}
	log.Println("Server exited")
}
