// Package factory manages the lifecycle of all application dependencies.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskauth/internal/audit"
	"taskauth/internal/bucketing"
	"taskauth/internal/client"
	"taskauth/internal/config"
	"taskauth/internal/email"
	"taskauth/internal/encryption"
	"taskauth/internal/hashing"
	redisrepo "taskauth/internal/repository/redis"
	"taskauth/internal/repository/scylla"
	"taskauth/internal/service"
	"taskauth/internal/token"
	"taskauth/internal/totp"
	"taskauth/internal/util"
)

// Factory wires clients, repositories, and services together and owns their
// shutdown order.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher       *hashing.Hasher
	secretCipher *encryption.SecretCipher
	buckets      *bucketing.Manager
	totpManager  *totp.Manager
	tokenService *token.Service

	// Repositories and sinks
	accountRepository scylla.AccountRepository
	sessionRepository scylla.SessionRepository
	pendingSetupCache *redisrepo.PendingSetupCache
	auditSink         audit.Sink
	emailSender       email.Sender

	// Services
	authService      *service.AuthService
	twoFactorService *service.TwoFactorService
	oauthService     *service.OAuthService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is best effort: email jobs degrade to no-ops without it.
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without email jobs", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = c
		if err := f.esClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
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

// initializeManagers initializes hashing, encryption, TOTP, and tokens.
func (f *Factory) initializeManagers() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	f.hasher = hashing.NewHasher(f.config.Hashing)
	f.buckets = bucketing.NewManager(f.config.Bucketing.AccountBuckets, f.config.Bucketing.EventBuckets)
	f.totpManager = totp.NewManager(f.config.TwoFactor)

	kmsClient, err := client.NewKMSClient(ctx, f.config)
	if err != nil {
		return fmt.Errorf("kms: %w", err)
	}
	f.secretCipher, err = encryption.NewFromConfig(ctx, f.config.KMS, kmsClient)
	if err != nil {
		return fmt.Errorf("secret cipher: %w", err)
	}

	f.tokenService, err = token.NewService(f.config.Auth)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	util.Info("Managers initialized successfully",
		util.Bool("kms_backed_cipher", f.config.KMS.Enabled),
	)
	return nil
}

func (f *Factory) AccountRepository() scylla.AccountRepository {
	if f.accountRepository == nil {
		f.accountRepository = scylla.NewAccountRepository(f.scyllaClient, f.buckets)
	}
	return f.accountRepository
}

func (f *Factory) SessionRepository() scylla.SessionRepository {
	if f.sessionRepository == nil {
		f.sessionRepository = scylla.NewSessionRepository(f.scyllaClient)
	}
	return f.sessionRepository
}

func (f *Factory) PendingSetupCache() *redisrepo.PendingSetupCache {
	if f.pendingSetupCache == nil {
		f.pendingSetupCache = redisrepo.NewPendingSetupCache(f.redisClient.Client)
	}
	return f.pendingSetupCache
}

func (f *Factory) AuditSink() audit.Sink {
	if f.auditSink == nil {
		if f.clickhouseClient == nil || f.esClient == nil {
			f.auditSink = audit.NopSink{}
		} else {
			f.auditSink = audit.NewSink(f.clickhouseClient, f.esClient, f.buckets)
		}
	}
	return f.auditSink
}

func (f *Factory) EmailSender() email.Sender {
	if f.emailSender == nil {
		if f.kafkaProducer == nil {
			f.emailSender = email.NopSender{}
		} else {
			f.emailSender = email.NewKafkaSender(f.kafkaProducer, f.config.Kafka.EmailTopic)
		}
	}
	return f.emailSender
}

func (f *Factory) TwoFactorService() *service.TwoFactorService {
	if f.twoFactorService == nil {
		f.twoFactorService = service.NewTwoFactorService(
			f.AccountRepository(),
			f.PendingSetupCache(),
			f.totpManager,
			f.secretCipher,
			f.hasher,
			f.AuditSink(),
			f.config.TwoFactor,
		)
	}
	return f.twoFactorService
}

func (f *Factory) AuthService() *service.AuthService {
	if f.authService == nil {
		f.authService = service.NewAuthService(
			f.AccountRepository(),
			f.SessionRepository(),
			f.tokenService,
			f.TwoFactorService(),
			f.hasher,
			f.AuditSink(),
			f.EmailSender(),
			f.config.Auth,
		)
	}
	return f.authService
}

func (f *Factory) OAuthService() *service.OAuthService {
	if f.oauthService == nil {
		f.oauthService = service.NewOAuthService(
			f.AccountRepository(),
			f.AuthService(),
			f.hasher,
			f.AuditSink(),
			service.NewGoogleVerifier(),
			service.NewGitHubVerifier(),
		)
	}
	return f.oauthService
}

func (f *Factory) TokenService() *token.Service {
	return f.tokenService
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// HealthCheck pings every backing store and returns the failures by name.
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

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return len(f.HealthCheck(ctx)) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
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

func (f *Factory) WaitForClose() {
	<-f.closed
}
