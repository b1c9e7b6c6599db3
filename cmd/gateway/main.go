package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/storefront/gateway"
	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/discovery"
	storegrpc "github.com/example/storefront/pkg/grpc"
	"github.com/example/storefront/pkg/logging"
	"github.com/example/storefront/pkg/notify"
	"github.com/example/storefront/pkg/order"
	"github.com/example/storefront/pkg/repository"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	healthCheck := flag.Bool("healthcheck", false, "query the gRPC health endpoint of a running instance and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	if *healthCheck {
		os.Exit(runHealthCheck(cfg))
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Storefront stopped with error", zap.Error(err))
	}
}

func runHealthCheck(cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	target := fmt.Sprintf("127.0.0.1:%d", cfg.GRPC.Port)
	status, err := storegrpc.CheckHealth(ctx, target, cfg.Server.Name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(status)
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting storefront",
		zap.String("name", cfg.Server.Name),
		zap.String("database", cfg.Database.Driver),
		zap.Int("http_port", cfg.Gateway.Port),
		zap.Int("grpc_port", cfg.GRPC.Port))

	db, err := repository.Open(cfg, logger)
	if err != nil {
		return err
	}
	store := repository.NewStore(db)
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var orderOpts []order.Option
	var cartAuditor cart.Auditor
	var auditReader gateway.AuditReader

	if cfg.Redis.Addr != "" {
		redisRepo := repository.NewRedisRepository(&cfg.Redis)
		defer redisRepo.Close()
		if err := redisRepo.Ping(ctx); err != nil {
			logger.Warn("Redis connection failed, order history will not be cached", zap.Error(err))
		} else {
			logger.Info("Redis connected successfully")
			orderOpts = append(orderOpts, order.WithCache(redisRepo))
		}
	}

	if cfg.MongoDB.URI != "" {
		mongoRepo, err := repository.NewMongoRepository(&cfg.MongoDB)
		if err != nil {
			logger.Warn("Failed to connect to MongoDB, continuing without audit log", zap.Error(err))
		} else {
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mongoRepo.Close(closeCtx)
			}()
			cartAuditor = mongoRepo
			auditReader = mongoRepo
			orderOpts = append(orderOpts, order.WithAuditor(mongoRepo))
		}
	}

	notifier, err := notify.NewActorNotifier(notify.LogSender{Logger: logger.Named("mailer")}, logger)
	if err != nil {
		return err
	}
	defer notifier.Stop()
	orderOpts = append(orderOpts, order.WithNotifier(notifier))

	resolver := cart.NewResolver(store, cartAuditor, logger)
	gw, err := gateway.NewGateway(cfg, logger, gateway.Deps{
		Products: store,
		Carts:    cart.NewService(store, resolver, logger),
		Orders:   order.NewService(store, resolver, cfg.Orders, logger, orderOpts...),
		Health:   store,
		Audit:    auditReader,
	})
	if err != nil {
		return err
	}

	health := storegrpc.NewHealthServer(cfg.Server.Name, store, logger)
	go health.Watch(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		if err := gw.Start(); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		if err := health.Start(fmt.Sprintf(":%d", cfg.GRPC.Port)); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	if len(cfg.Etcd.Endpoints) > 0 {
		sd, err := discovery.NewServiceDiscovery(&cfg.Etcd, logger)
		if err != nil {
			logger.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
		} else {
			defer sd.Close()
			instance := &discovery.ServiceInstance{
				Name: cfg.Server.Name,
				Host: cfg.Server.Host,
				Port: cfg.Gateway.Port,
			}
			if err := sd.Register(ctx, instance); err != nil {
				logger.Warn("Failed to register service", zap.Error(err))
			} else {
				if peers, err := sd.Discover(ctx, cfg.Server.Name); err == nil {
					logger.Info("Service instances visible", zap.Int("count", len(peers)))
				}
				defer func() {
					deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := sd.Deregister(deregCtx, instance); err != nil {
						logger.Error("Failed to deregister service", zap.Error(err))
					}
				}()
			}
		}
	}

	logger.Info("Storefront started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-errCh:
		logger.Error("Server error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway shutdown failed", zap.Error(err))
	}
	health.Stop()

	logger.Info("Storefront stopped")
	return runErr
}
