package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
	"github.com/tarikibrahimovic/NLB-Payments/internal/handler"
	"github.com/tarikibrahimovic/NLB-Payments/internal/infrastructure/cache"
	"github.com/tarikibrahimovic/NLB-Payments/internal/infrastructure/database"
	"github.com/tarikibrahimovic/NLB-Payments/internal/infrastructure/lock"
	"github.com/tarikibrahimovic/NLB-Payments/internal/infrastructure/mq"
	"github.com/tarikibrahimovic/NLB-Payments/internal/job"
	"github.com/tarikibrahimovic/NLB-Payments/internal/repository"
	"github.com/tarikibrahimovic/NLB-Payments/internal/service"
	"github.com/tarikibrahimovic/NLB-Payments/pkg/idgen"
)

const sweeperLockTTL = 2 * time.Minute

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Main] .env not loaded: %v", err)
	}

	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("[Main] load config: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatal("[Main] auth.jwt_secret is required")
	}

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		log.Fatalf("[Main] id generator: %v", err)
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("[Main] open database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("[Main] migrate: %v", err)
	}

	publisher, err := newPublisher(&cfg.Broker)
	if err != nil {
		log.Fatalf("[Main] broker: %v", err)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uow := database.NewTxManager(db)
	accountRepo := repository.NewAccountRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	failureRepo := repository.NewFailureRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	transferService := service.NewTransferService(cfg, uow, accountRepo, orderRepo, transactionRepo, failureRepo, outboxRepo)
	accountService := service.NewAccountService(cfg, uow, accountRepo)
	reportService := service.NewReportService(orderRepo, transactionRepo, accountRepo, failureRepo)

	outboxSender := job.NewOutboxSender(cfg, outboxRepo, publisher)
	go outboxSender.Start(ctx)

	var sweeper *job.PendingOrderSweeper
	if cfg.Reconcile.Enabled {
		rdb, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			log.Fatalf("[Main] reconcile needs redis: %v", err)
		}
		defer rdb.Close()

		host, _ := os.Hostname()
		owner := fmt.Sprintf("%s-%d", host, os.Getpid())
		var locker lock.Locker = lock.NewJobLock(rdb, "pending-order-sweeper", owner, sweeperLockTTL)

		sweeper = job.NewPendingOrderSweeper(cfg, uow, orderRepo, outboxRepo, failureRepo, locker)
		if err := sweeper.Start(ctx); err != nil {
			log.Fatalf("[Main] schedule sweeper: %v", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	h := handler.NewHandler(transferService, accountService, reportService)
	router := handler.SetupRouter(h, &cfg.Auth)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[Main] listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Main] server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Main] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] server shutdown: %v", err)
	}

	outboxSender.Stop()
	if sweeper != nil {
		select {
		case <-sweeper.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}
	cancel()

	log.Println("[Main] stopped")
}

func newPublisher(cfg *config.BrokerConfig) (mq.Publisher, error) {
	if cfg.Kind == config.BrokerRabbitMQ {
		p, err := mq.NewRabbitPublisher(&cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	p, err := mq.NewKafkaPublisher(&cfg.Kafka)
	if err != nil {
		return nil, err
	}
	return p, nil
}
