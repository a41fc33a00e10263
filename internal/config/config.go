package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"taskauth/internal/util"
)

// Config holds the full service configuration, loaded from the environment.
type Config struct {
	Environment string
	Logging     LoggingConfig
	Server      ServerConfig
	Auth        AuthConfig
	TwoFactor   TwoFactorConfig
	Hashing     HashingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Elastic     ElasticConfig
	KMS         KMSConfig
	Bucketing   BucketingConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// AuthConfig controls the login state machine and token lifetimes.
type AuthConfig struct {
	JWTSecret            string
	Issuer               string
	AccessTTL            time.Duration
	RememberMeAccessTTL  time.Duration
	RefreshTTL           time.Duration
	TempChallengeTTL     time.Duration
	EmailVerificationTTL time.Duration
	MaxFailedAttempts    int
	LockDuration         time.Duration
}

// TwoFactorConfig controls TOTP parameters and the setup/challenge windows.
type TwoFactorConfig struct {
	Issuer          string
	Digits          int
	Period          int
	Skew            int
	BackupCodeCount int
	PendingSetupTTL time.Duration
	MaxAttempts     int
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

type KafkaConfig struct {
	Brokers    []string
	EmailTopic string
}

type ClickhouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

type ElasticConfig struct {
	URL        string
	Username   string
	Password   string
	EventIndex string
}

// BucketingConfig sets the partition fan-out for account and event rows.
// Changing either value remaps every stored row; pick once.
type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

// KMSConfig selects where the secret-cipher master key comes from. When
// disabled, MasterSecret is used directly; when enabled, EncryptedMasterKey
// is decrypted through AWS KMS at startup.
type KMSConfig struct {
	Enabled            bool
	KeyID              string
	EncryptedMasterKey string
	MasterSecret       string
}

// LoadConfig reads configuration from the environment, with .env support
// for local development.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			Host:           util.GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:           util.GetEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    util.GetEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RequestTimeout: util.GetEnvDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			AllowedOrigins: util.GetEnvList("CORS_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Auth: AuthConfig{
			JWTSecret:            util.GetEnv("JWT_SECRET", "dev-only-jwt-secret-change-me"),
			Issuer:               util.GetEnv("JWT_ISSUER", "taskauth"),
			AccessTTL:            util.GetEnvDuration("ACCESS_TOKEN_TTL", 7*24*time.Hour),
			RememberMeAccessTTL:  util.GetEnvDuration("REMEMBER_ME_ACCESS_TOKEN_TTL", 30*24*time.Hour),
			RefreshTTL:           util.GetEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			TempChallengeTTL:     util.GetEnvDuration("TEMP_CHALLENGE_TOKEN_TTL", 10*time.Minute),
			EmailVerificationTTL: util.GetEnvDuration("EMAIL_VERIFICATION_TOKEN_TTL", 48*time.Hour),
			MaxFailedAttempts:    util.GetEnvInt("MAX_FAILED_LOGIN_ATTEMPTS", 5),
			LockDuration:         util.GetEnvDuration("ACCOUNT_LOCK_DURATION", 30*time.Minute),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:          util.GetEnv("TOTP_ISSUER", "TaskHive"),
			Digits:          util.GetEnvInt("TOTP_DIGITS", 6),
			Period:          util.GetEnvInt("TOTP_PERIOD", 30),
			Skew:            util.GetEnvInt("TOTP_SKEW", 1),
			BackupCodeCount: util.GetEnvInt("BACKUP_CODE_COUNT", 10),
			PendingSetupTTL: util.GetEnvDuration("PENDING_2FA_SETUP_TTL", 10*time.Minute),
			MaxAttempts:     util.GetEnvInt("TWO_FACTOR_MAX_ATTEMPTS", 5),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  util.GetEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    util.GetEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: util.GetEnvInt("ARGON2_PARALLELISM", 2),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Hosts:       util.GetEnvList("SCYLLA_HOSTS", []string{"localhost:9042"}),
			Keyspace:    util.GetEnv("SCYLLA_KEYSPACE", "taskauth"),
			Consistency: util.GetEnv("SCYLLA_CONSISTENCY", "quorum"),
			Timeout:     util.GetEnvDuration("SCYLLA_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    util.GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			EmailTopic: util.GetEnv("KAFKA_EMAIL_TOPIC", "auth.email-jobs"),
		},
		Clickhouse: ClickhouseConfig{
			Addr:     util.GetEnv("CLICKHOUSE_ADDR", "localhost:9000"),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "taskauth"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elastic: ElasticConfig{
			URL:        util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			EventIndex: util.GetEnv("ELASTICSEARCH_EVENT_INDEX", "security-events"),
		},
		Bucketing: BucketingConfig{
			AccountBuckets: util.GetEnvInt("ACCOUNT_BUCKETS", 64),
			EventBuckets:   util.GetEnvInt("EVENT_BUCKETS", 16),
		},
		KMS: KMSConfig{
			Enabled:            util.GetEnvBool("KMS_ENABLED", false),
			KeyID:              util.GetEnv("KMS_KEY_ID", ""),
			EncryptedMasterKey: util.GetEnv("KMS_ENCRYPTED_MASTER_KEY", ""),
			MasterSecret:       util.GetEnv("ENCRYPTION_MASTER_SECRET", "dev-only-master-secret-change-me"),
		},
	}
}

// GetServerAddress returns the host:port the HTTP server binds to.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
