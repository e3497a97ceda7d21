package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qcom/accounts/internal/config"
	"github.com/qcom/accounts/internal/handlers"
	"github.com/qcom/accounts/internal/mail"
	"github.com/qcom/accounts/internal/metrics"
	"github.com/qcom/accounts/internal/middleware"
	"github.com/qcom/accounts/internal/repository"
	"github.com/qcom/accounts/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type stores struct {
	accounts repository.AccountRepository
	tokens   repository.OneTimeTokenRepository
	activity repository.LoginActivityRepository
	ledger   repository.RefreshTokenLedger
	closers  []func() error
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	st, err := initStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range st.closers {
			if err := closeFn(); err != nil {
				logger.WithError(err).Warn("Failed to close store")
			}
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	jwtService, err := service.NewJWTService(&cfg.JWT, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	sessionService := service.NewSessionService(st.accounts, st.ledger, st.activity, jwtService, m, logger)
	accountService := service.NewAccountService(
		st.accounts,
		st.tokens,
		st.ledger,
		st.activity,
		mail.NewLogMailer(cfg.Account.MailFrom, logger),
		m,
		&cfg.Account,
		logger,
	)

	router := handlers.NewRouter(
		handlers.NewAuthHandlers(sessionService, cfg.Cookie, logger),
		handlers.NewAccountHandlers(accountService, logger),
		middleware.NewAuthMiddleware(jwtService, logger),
		middleware.NewClientResolver(cfg.Server.TrustedProxies),
		cfg.CORS.AllowedOrigins,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if sweeper, ok := st.ledger.(repository.Sweeper); ok && cfg.Storage.SweepInterval > 0 {
		ledgerSweeper := service.NewLedgerSweeper(sweeper, cfg.Storage.SweepInterval, m, logger)
		g.Go(func() error {
			return ledgerSweeper.Run(gctx)
		})
	}

	return g.Wait()
}

// initStores binds every store to the backend chosen in configuration.
func initStores(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*stores, error) {
	st := &stores{}

	var dynamoClient *dynamodb.Client
	if cfg.Storage.AccountBackend == config.BackendDynamoDB || cfg.Storage.LedgerBackend == config.BackendDynamoDB {
		client, err := initDynamoDB(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DynamoDB: %w", err)
		}
		dynamoClient = client
	}

	switch cfg.Storage.AccountBackend {
	case config.BackendDynamoDB:
		st.accounts = repository.NewAccountRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
		st.tokens = repository.NewOneTimeTokenRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
		st.activity = repository.NewLoginActivityRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	case config.BackendMemory:
		st.accounts = repository.NewMemoryAccountRepository()
		st.tokens = repository.NewMemoryOneTimeTokenRepository()
		st.activity = repository.NewMemoryLoginActivityRepository()
	}

	switch cfg.Storage.LedgerBackend {
	case config.BackendDynamoDB:
		st.ledger = repository.NewRefreshTokenRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	case config.BackendRedis:
		client, err := initRedis(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		st.ledger = repository.NewRedisRefreshTokenRepository(client, logger)
		st.closers = append(st.closers, client.Close)
	case config.BackendMemory:
		st.ledger = repository.NewMemoryRefreshTokenLedger()
	}

	logger.WithFields(logrus.Fields{
		"account_backend": cfg.Storage.AccountBackend,
		"ledger_backend":  cfg.Storage.LedgerBackend,
	}).Info("Stores initialized")

	return st, nil
}

func initDynamoDB(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
		}
	})

	logger.WithField("table", cfg.DynamoDB.TableName).Info("DynamoDB client initialized")
	return client, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
	return client, nil
}
