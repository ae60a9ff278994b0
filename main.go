package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/ossobv/osso-djuty-sub000/cache"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/consumers"
	"github.com/ossobv/osso-djuty-sub000/controllers"
	"github.com/ossobv/osso-djuty-sub000/database"
	"github.com/ossobv/osso-djuty-sub000/events"
	applogger "github.com/ossobv/osso-djuty-sub000/logger"
	"github.com/ossobv/osso-djuty-sub000/middleware"
	"github.com/ossobv/osso-djuty-sub000/models"
	awspkg "github.com/ossobv/osso-djuty-sub000/pkg/aws"
	ddbpkg "github.com/ossobv/osso-djuty-sub000/pkg/dynamodb"
	"github.com/ossobv/osso-djuty-sub000/providers"
	"github.com/ossobv/osso-djuty-sub000/repository"
	"github.com/ossobv/osso-djuty-sub000/routes"
	servicepkg "github.com/ossobv/osso-djuty-sub000/services"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	cfg := LoadConfig()
	ctx := context.Background()

	awsCfg, awsErr := awspkg.LoadAWSConfig(ctx)
	if awsErr == nil && os.Getenv("AWS_USE_SECRETS") == "true" {
		cfg.ApplySecrets(ctx, awspkg.NewSecretsClient(awsCfg))
	}

	var cloudWatchWriter io.Writer
	if cfg.LogGroup != "" && awsErr == nil {
		cw, err := awspkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.LogGroup, cfg.ServiceName)
		if err != nil {
			log.Printf("CloudWatch Logs unavailable: %v", err)
		} else {
			cloudWatchWriter = cw
		}
	}
	logger, err := applogger.New(cfg.Environment, cloudWatchWriter)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if awsErr != nil {
		logger.Warn("AWS config unavailable, SNS, SQS, S3 and metrics disabled", zap.Error(awsErr))
	}

	repo, closeStore, err := openStore(ctx, cfg, awsCfg, awsErr, logger)
	if err != nil {
		logger.Fatal("Failed to open payment store", zap.Error(err))
	}
	defer closeStore()

	// AWS clients
	var (
		snsClient      *awspkg.SNSClient
		metricsClient  *awspkg.MetricsClient
		metrics        servicepkg.MetricsRecorder
		alertPublisher servicepkg.AlertPublisher
	)
	if awsErr == nil {
		snsClient = awspkg.NewSNSClient(awsCfg)
		alertPublisher = snsClient
		metricsClient = awspkg.NewMetricsClient(awsCfg, cfg.MetricsNamespace, cfg.MetricsEnabled)
		if metricsClient.IsEnabled() {
			metrics = metricsClient
		}
	}

	// payment_updated subscribers
	dispatcher := events.NewDispatcher(logger)
	if snsClient != nil && cfg.PaymentTopicARN != "" {
		dispatcher.Subscribe("sns", events.NewSNSHandler(snsClient, cfg.PaymentTopicARN))
	}
	if len(cfg.KafkaBrokers) > 0 {
		writer := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer writer.Close() //nolint:errcheck
		dispatcher.Subscribe("kafka", events.NewKafkaHandler(writer))
	}
	if metrics != nil {
		dispatcher.Subscribe("metrics", events.NewMetricsHandler(metrics))
	}

	var serviceOpts []servicepkg.Option
	if awsErr == nil && cfg.BlobBucket != "" {
		serviceOpts = append(serviceOpts, servicepkg.WithBlobArchive(awspkg.NewBlobArchive(awsCfg, cfg.BlobBucket, cfg.BlobPrefix)))
	}
	paymentService := servicepkg.NewPaymentService(repo, dispatcher, logger, serviceOpts...)

	registry := providers.NewRegistry(buildAdapters(cfg, paymentService, logger)...)
	logger.Info("Payment providers enabled", zap.Any("providers", registry.Enabled()))

	// Reconciler and its optional collaborators
	var reconcilerOpts []servicepkg.ReconcilerOption
	var pollQueue *awspkg.SQSQueue
	if awsErr == nil && cfg.StatusPollQueueURL != "" {
		pollQueue = awspkg.NewSQSQueue(awsCfg, cfg.StatusPollQueueURL, logger)
		reconcilerOpts = append(reconcilerOpts, servicepkg.WithStatusPollQueue(consumers.NewStatusPollQueue(pollQueue)))
	}
	if cfg.RedisURL != "" {
		redisClient, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, report throttling disabled", zap.Error(err))
		} else {
			defer redisClient.Close() //nolint:errcheck
			reconcilerOpts = append(reconcilerOpts, servicepkg.WithReportThrottle(cache.NewReportThrottle(redisClient, cfg.ServiceName+":", cfg.ReportWindow)))
		}
	}
	if metrics != nil {
		reconcilerOpts = append(reconcilerOpts, servicepkg.WithMetrics(metrics))
	}
	alerter := servicepkg.NewOperatorAlerter(logger, alertPublisher, cfg.AlertTopicARN, metrics)
	reconciler := servicepkg.NewReconciler(cfg.Reconciler(), paymentService, registry, alerter, logger, reconcilerOpts...)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if pollQueue != nil {
		consumer := consumers.NewStatusPollConsumer(reconciler, logger)
		if metrics != nil {
			consumer.WithMetrics(metrics)
		}
		go func() {
			if err := consumer.Run(consumerCtx, pollQueue); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Status poll consumer stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(logger),
		middleware.SecurityHeaders(),
		middleware.MetricsMiddleware(metricsClient, cfg.ServiceName),
		apperrors.ErrorMiddleware(),
	)

	// 30-second request timeout
	r.Use(func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": cfg.ServiceName})
	})

	routes.RegisterPaymentRoutes(r,
		controllers.NewPaymentController(paymentService, reconciler),
		controllers.NewProviderController(registry),
	)
	routes.RegisterCallbackRoutes(r,
		controllers.NewCallbackController(reconciler, logger),
		middleware.RateLimitMiddleware(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Payments service started", zap.String("port", cfg.Port), zap.String("store", cfg.StoreBackend))
	<-quit
	logger.Info("Shutting down payments service...")
	stopConsumer()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited cleanly")
}

// openStore connects the configured payment store and returns its closer.
func openStore(ctx context.Context, cfg *Config, awsCfg sdkaws.Config, awsErr error, logger *zap.Logger) (repository.PaymentRepository, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := database.ConnectPostgres(cfg.Postgres(), logger, &models.Payment{})
		if err != nil {
			return nil, nil, err
		}
		return repository.NewGormPaymentRepository(db), func() { _ = database.ClosePostgres(db) }, nil

	case "dynamodb":
		if awsErr != nil {
			return nil, nil, awsErr
		}
		client := ddbpkg.NewClientFromConfig(awsCfg)
		if cfg.DynamoCreate {
			if err := ddbpkg.EnsurePaymentTable(ctx, client, cfg.DynamoTable, cfg.DynamoKeyIndex); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("Using DynamoDB payment store", zap.String("table", cfg.DynamoTable))
		return repository.NewDynamoPaymentRepository(client, cfg.DynamoTable, cfg.DynamoKeyIndex), func() {}, nil

	case "mongo":
		client, db, err := database.ConnectMongo(ctx, cfg.MongoURL, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewMongoPaymentRepository(db)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = database.CloseMongo(client)
			return nil, nil, err
		}
		logger.Info("Connected to MongoDB", zap.String("database", cfg.MongoDB))
		return repo, func() { _ = database.CloseMongo(client) }, nil

	default:
		logger.Warn("Using in-memory payment store, payments are lost on restart")
		return repository.NewMemoryPaymentRepository(), func() {}, nil
	}
}

// buildAdapters creates an adapter for every provider with credentials.
func buildAdapters(cfg *Config, driver providers.Driver, logger *zap.Logger) []providers.Adapter {
	var adapters []providers.Adapter
	client := providers.NewHTTPClient(cfg.ProviderTimeout)

	if cfg.MolliePartnerID != "" {
		adapters = append(adapters, providers.NewMollieAdapter(providers.MollieConfig{
			PartnerID:  cfg.MolliePartnerID,
			ProfileKey: cfg.MollieProfileKey,
			Testmode:   cfg.MollieTestmode,
			Policy:     providers.StatusPolicy{ReopenAborted: cfg.MollieReopenAborted},
			Client:     client,
		}, driver, logger))
	}
	if cfg.TargetPayLayoutCode != "" {
		adapters = append(adapters, providers.NewTargetPayAdapter(providers.TargetPayConfig{
			LayoutCode: cfg.TargetPayLayoutCode,
			Testmode:   cfg.TargetPayTestmode,
			Client:     client,
		}, driver, logger))
	}
	if cfg.StripeSecretKey != "" {
		adapters = append(adapters, providers.NewStripeAdapter(
			providers.StripeConfig{WebhookSecret: cfg.StripeWebhookSecret},
			providers.NewStripeSessions(cfg.StripeSecretKey),
			driver, logger,
		))
	}
	if cfg.MidtransServerKey != "" {
		snapClient, coreClient := providers.NewMidtransClients(cfg.MidtransServerKey, cfg.MidtransProduction)
		adapters = append(adapters, providers.NewMidtransAdapter(
			providers.MidtransConfig{ServerKey: cfg.MidtransServerKey},
			snapClient, coreClient, driver, logger,
		))
	}
	return adapters
}
