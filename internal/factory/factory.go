package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"authcore/internal/audit"
	"authcore/internal/bucketing"
	"authcore/internal/client"
	"authcore/internal/config"
	"authcore/internal/encryption"
	"authcore/internal/hashing"
	"authcore/internal/keystore"
	"authcore/internal/model"
	"authcore/internal/otp"
	"authcore/internal/ratelimit"
	"authcore/internal/repository"
	chrepo "authcore/internal/repository/clickhouse"
	otpredis "authcore/internal/repository/redis"
	"authcore/internal/repository/scylla"
	"authcore/internal/service"
	"authcore/internal/sms"
	"authcore/internal/token"
	"authcore/internal/util"
)

const tokenCleanupInterval = time.Hour

// Factory wires and owns every application dependency.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Crypto
	keys   *keystore.Store
	cipher *encryption.Cipher
	hasher *hashing.Hasher

	// Repositories
	otpCache   *otpredis.OTPCache
	codeStore  model.CodeStore
	rateLimits *otpredis.RateLimitCache
	tokenRepo  *scylla.TokenRepository
	auditRepo  *chrepo.AuditRepository

	// Domain components
	buckets     *bucketing.Manager
	dispatcher  *sms.Dispatcher
	limiter     *ratelimit.Limiter
	otpManager  *otp.Manager
	tokenSvc    *token.Service
	auditLogger *audit.Logger
	authService *service.AuthService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes every dependency, failing
// hard in production and degrading where it can elsewhere.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeCrypto(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize crypto: %w", err)
	}
	if err := f.initializeComponents(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	go f.tokenCleanupLoop()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("elastic_enabled", f.esClient != nil),
	)

	return f, nil
}

func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	if redisClient, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if clickhouseClient, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = clickhouseClient
		util.Info("ClickHouse client initialized and healthy")
	}

	// Kafka and Elasticsearch are optional audit sinks.
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed, proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Elastic.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
			util.Warn("Elasticsearch initialization failed, proceeding without search indexing", util.ErrorField(err))
		} else {
			f.esClient = esClient
			util.Info("Elasticsearch client initialized")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeCrypto(ctx context.Context) error {
	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config for KMS: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	keys, err := keystore.New(ctx, f.config, kmsClient)
	if err != nil {
		return err
	}
	f.keys = keys

	f.cipher = encryption.NewCipher(keys)

	hasher, err := hashing.NewHasher(f.config, keys)
	if err != nil {
		return err
	}
	f.hasher = hasher

	util.Info("Crypto components initialized",
		util.String("active_key_id", keys.ActiveKeyID()))
	return nil
}

func (f *Factory) initializeComponents(ctx context.Context) error {
	f.buckets = bucketing.NewManager(f.config)

	f.otpCache = otpredis.NewOTPCache(f.redisClient)
	f.rateLimits = otpredis.NewRateLimitCache(f.redisClient)
	blacklistCache := otpredis.NewBlacklistCache(f.redisClient)

	codeRepo := scylla.NewCodeRepository(f.scyllaClient)
	f.tokenRepo = scylla.NewTokenRepository(f.scyllaClient)
	f.auditRepo = chrepo.NewAuditRepository(f.clickhouseClient)

	f.codeStore = repository.NewFailoverCodeStore(f.otpCache, codeRepo)

	twilioProvider := sms.NewTwilioProvider(f.config.SMS.Twilio)
	snsProvider, err := sms.NewSNSProvider(ctx, f.config.SMS.SNS)
	if err != nil {
		if f.config.IsProduction() {
			return fmt.Errorf("failed to initialize SNS provider: %w", err)
		}
		util.Warn("SNS provider unavailable, running without SMS failover", util.ErrorField(err))
		f.dispatcher = sms.NewDispatcher(f.config.SMS, twilioProvider)
	} else {
		f.dispatcher = sms.NewDispatcher(f.config.SMS, twilioProvider, snsProvider)
	}

	f.limiter = ratelimit.NewLimiter(f.rateLimits, f.config.RateLimit)
	f.otpManager = otp.NewManager(f.codeStore, f.otpCache, f.cipher, f.hasher, f.config.OTP)

	signer, err := token.NewSigner(f.config)
	if err != nil {
		return err
	}
	f.tokenSvc = token.NewService(f.tokenRepo, blacklistCache, f.tokenRepo, signer, f.hasher, f.config.JWT)

	f.auditLogger = audit.NewLogger(f.auditRepo, f.kafkaProducer, f.esClient, f.buckets, f.config.Audit, f.config.Elastic.AuditIndex)

	f.authService = service.NewAuthService(f.otpManager, f.tokenSvc, f.dispatcher, f.limiter, f.auditLogger, f.hasher)
	return nil
}

// tokenCleanupLoop prunes expired refresh tokens in the background.
func (f *Factory) tokenCleanupLoop() {
	ticker := time.NewTicker(tokenCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), f.config.Audit.CleanupTimeout)
			if deleted, err := f.tokenSvc.CleanupExpired(ctx); err != nil {
				util.Error("Token cleanup run failed", util.ErrorField(err))
			} else if deleted > 0 {
				util.Info("Token cleanup run completed", zap.Int("deleted", deleted))
			}
			cancel()
		case <-f.closed:
			return
		}
	}
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.codeStore != nil {
		if err := f.codeStore.HealthCheck(ctx); err != nil {
			healthErrors["code_store"] = err
		}
	} else {
		healthErrors["code_store"] = fmt.Errorf("code store not initialized")
	}

	return healthErrors
}

// IsHealthy ignores the optional sinks; the service can authenticate
// without Kafka or Elasticsearch.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.auditLogger != nil {
			f.auditLogger.Close()
			util.Info("Audit logger drained and closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) AuthService() *service.AuthService {
	return f.authService
}

func (f *Factory) TokenService() *token.Service {
	return f.tokenSvc
}
