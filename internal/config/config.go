package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// KeysConfig lists master key material by version. Entries are
// "key_id:base64secret"; ActiveKeyID selects the one used for new
// ciphertexts, older entries stay valid for decryption.
type KeysConfig struct {
	ActiveKeyID string
	// LookupKeyID keys the deterministic phone hash. It stays pinned across
	// cipher-key rotations, otherwise stored phone_hash values would stop
	// matching lookups.
	LookupKeyID string
	Material    map[string]string
}

type JWTConfig struct {
	PrivateKeyPath string
	PublicKeyPath  string
	Issuer         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
}

type OTPConfig struct {
	Length       int
	TTL          time.Duration
	MaxAttempts  int
	ResendWindow time.Duration
	LockTTL      time.Duration
}

type RateLimitConfig struct {
	PhonePerHour int
	PhonePerDay  int
	IPPerHour    int
	// FailOpenScopes lists scopes allowed to pass when the counter cache is
	// down. Every other scope fails closed.
	FailOpenScopes []string
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type SNSConfig struct {
	Region   string
	SenderID string
}

type SMSConfig struct {
	Primary          string // "twilio" or "sns"
	SendTimeout      time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Twilio           TwilioConfig
	SNS              SNSConfig
}

type AuditConfig struct {
	RetentionDays  int
	QueueSize      int
	BatchSize      int
	FlushInterval  time.Duration
	ArchiveEvery   time.Duration
	CleanupTimeout time.Duration
}

type BucketingConfig struct {
	EventBuckets int
}

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Elastic     ElasticConfig
	KMS         KMSConfig
	Keys        KeysConfig
	JWT         JWTConfig
	OTP         OTPConfig
	RateLimit   RateLimitConfig
	SMS         SMSConfig
	Audit       AuditConfig
	Bucketing   BucketingConfig
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "authcore"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "auth-audit-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "authcore"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elastic: ElasticConfig{
			Enabled:    getEnvBool("ELASTIC_ENABLED", false),
			URL:        getEnv("ELASTIC_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTIC_USERNAME", ""),
			Password:   getEnv("ELASTIC_PASSWORD", ""),
			AuditIndex: getEnv("ELASTIC_AUDIT_INDEX", "auth-audit"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "ap-south-1"),
		},
		Keys: KeysConfig{
			ActiveKeyID: getEnv("KEYS_ACTIVE_ID", "v1"),
			LookupKeyID: getEnv("KEYS_LOOKUP_ID", "v1"),
			Material:    getEnvKeyMap("KEYS_MATERIAL"),
		},
		JWT: JWTConfig{
			PrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "certs/jwt_private.pem"),
			PublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "certs/jwt_public.pem"),
			Issuer:         getEnv("JWT_ISSUER", "authcore"),
			AccessTTL:      getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:     getEnvDuration("JWT_REFRESH_TTL", 30*24*time.Hour),
		},
		OTP: OTPConfig{
			Length:       getEnvInt("OTP_LENGTH", 6),
			TTL:          getEnvDuration("OTP_TTL", 5*time.Minute),
			MaxAttempts:  getEnvInt("OTP_MAX_ATTEMPTS", 3),
			ResendWindow: getEnvDuration("OTP_RESEND_WINDOW", 60*time.Second),
			LockTTL:      getEnvDuration("OTP_LOCK_TTL", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			PhonePerHour:   getEnvInt("RATE_LIMIT_PHONE_PER_HOUR", 3),
			PhonePerDay:    getEnvInt("RATE_LIMIT_PHONE_PER_DAY", 10),
			IPPerHour:      getEnvInt("RATE_LIMIT_IP_PER_HOUR", 10),
			FailOpenScopes: getEnvList("RATE_LIMIT_FAIL_OPEN_SCOPES", nil),
		},
		SMS: SMSConfig{
			Primary:          getEnv("SMS_PRIMARY", "twilio"),
			SendTimeout:      getEnvDuration("SMS_SEND_TIMEOUT", 30*time.Second),
			MaxRetries:       getEnvInt("SMS_MAX_RETRIES", 2),
			RetryBackoff:     getEnvDuration("SMS_RETRY_BACKOFF", 500*time.Millisecond),
			BreakerThreshold: getEnvInt("SMS_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvDuration("SMS_BREAKER_COOLDOWN", 60*time.Second),
			Twilio: TwilioConfig{
				AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
				AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
				FromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
			},
			SNS: SNSConfig{
				Region:   getEnv("SNS_REGION", "ap-south-1"),
				SenderID: getEnv("SNS_SENDER_ID", "AUTHSVC"),
			},
		},
		Audit: AuditConfig{
			RetentionDays:  getEnvInt("AUDIT_RETENTION_DAYS", 90),
			QueueSize:      getEnvInt("AUDIT_QUEUE_SIZE", 4096),
			BatchSize:      getEnvInt("AUDIT_BATCH_SIZE", 200),
			FlushInterval:  getEnvDuration("AUDIT_FLUSH_INTERVAL", time.Second),
			ArchiveEvery:   getEnvDuration("AUDIT_ARCHIVE_EVERY", 24*time.Hour),
			CleanupTimeout: getEnvDuration("AUDIT_CLEANUP_TIMEOUT", 2*time.Minute),
		},
		Bucketing: BucketingConfig{
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Helpers

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

// getEnvKeyMap parses "v1:base64,v2:base64" into a version -> material map.
func getEnvKeyMap(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range getEnvList(key, nil) {
		if id, material, ok := strings.Cut(entry, ":"); ok {
			out[id] = material
		}
	}
	return out
}
