package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	AppPort string

	FaucetAmount      int64
	FaucetCooldown    time.Duration
	FaucetMaxClaim    int64
	FaucetAdmin       string
	FaucetAdmins      []string
	FaucetStartPaused bool

	StorageType string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisLockTTL  time.Duration
	RedisLockWait time.Duration

	LedgerType    string
	LedgerSupply  int64
	LedgerTopic   string
	LedgerTimeout time.Duration

	AuthJWTSecret   string
	AuthTokenExpiry time.Duration

	KafkaBrokers           string
	KafkaClientID          string
	KafkaGroupID           string
	KafkaInstanceID        string
	KafkaTopicPartitions   string
	KafkaDLQPartitions     string
	KafkaReplicationFactor string
	EventDrivenEnabled     bool

	RateLimitEnabled  bool
	RateLimitPeriod   time.Duration
	RateLimitBurst    int
	TrustProxyHeaders bool

	LogJSON  bool
	LogLevel string
}

// Load reads an optional .env file and then the environment. It only fails
// on unparsable values; call Validate before serving.
func Load() (*Config, error) {
	_ = godotenv.Load()

	instanceID := os.Getenv("KAFKA_INSTANCE_ID")
	if instanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceID = "unknown"
		} else {
			instanceID = hostname
		}
	}

	cfg := &Config{
		AppPort: getEnv("APP_PORT", "8080"),

		FaucetAdmin:  getEnv("FAUCET_ADMIN", ""),
		FaucetAdmins: splitList(os.Getenv("FAUCET_ADMINS")),

		StorageType: getEnv("STORAGE_TYPE", "memory"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "postgres"),
		DBName:      getEnv("DB_NAME", "faucetdb"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		LedgerType:  getEnv("LEDGER_TYPE", "memory"),
		LedgerTopic: getEnv("LEDGER_TOPIC", "faucet.ledger.mint"),

		AuthJWTSecret: os.Getenv("AUTH_JWT_SECRET"),

		KafkaBrokers:           getEnv("KAFKA_BROKERS", "kafka:9092"),
		KafkaClientID:          getEnv("KAFKA_CLIENT_ID", "faucet-service"),
		KafkaGroupID:           getEnv("KAFKA_GROUP_ID", "faucet-consumers"),
		KafkaInstanceID:        instanceID,
		KafkaTopicPartitions:   getEnv("KAFKA_TOPIC_PARTITIONS", "3"),
		KafkaDLQPartitions:     getEnv("KAFKA_DLQ_PARTITIONS", "1"),
		KafkaReplicationFactor: getEnv("KAFKA_REPLICATION_FACTOR", "1"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.FaucetAmount, err = parseInt64("FAUCET_AMOUNT", "100"); err != nil {
		return nil, err
	}
	if cfg.FaucetMaxClaim, err = parseInt64("FAUCET_MAX_CLAIM_AMOUNT", "500"); err != nil {
		return nil, err
	}
	if cfg.FaucetCooldown, err = parseDuration("FAUCET_COOLDOWN", "24h"); err != nil {
		return nil, err
	}
	if cfg.FaucetStartPaused, err = parseBool("FAUCET_START_PAUSED", "false"); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = parseInt("REDIS_DB", "0"); err != nil {
		return nil, err
	}
	if cfg.RedisLockTTL, err = parseDuration("REDIS_LOCK_TTL", "30s"); err != nil {
		return nil, err
	}
	if cfg.RedisLockWait, err = parseDuration("REDIS_LOCK_WAIT", "5s"); err != nil {
		return nil, err
	}
	if cfg.LedgerSupply, err = parseInt64("LEDGER_SUPPLY", "0"); err != nil {
		return nil, err
	}
	if cfg.LedgerTimeout, err = parseDuration("LEDGER_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.AuthTokenExpiry, err = parseDuration("AUTH_TOKEN_EXPIRY", "15m"); err != nil {
		return nil, err
	}
	if cfg.TrustProxyHeaders, err = parseBool("TRUST_PROXY_HEADERS", "false"); err != nil {
		return nil, err
	}
	if cfg.EventDrivenEnabled, err = parseBool("EVENT_DRIVEN_ENABLED", "false"); err != nil {
		return nil, err
	}
	if cfg.RateLimitEnabled, err = parseBool("RATE_LIMIT_ENABLED", "true"); err != nil {
		return nil, err
	}
	if cfg.RateLimitPeriod, err = parseDuration("RATE_LIMIT_PERIOD", "5s"); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = parseInt("RATE_LIMIT_BURST", "10"); err != nil {
		return nil, err
	}
	if cfg.LogJSON, err = parseBool("LOG_JSON", "false"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Settings().Validate(); err != nil {
		return err
	}
	switch c.StorageType {
	case "memory", "postgres", "redis":
	default:
		return errors.Newf("unsupported STORAGE_TYPE %q", c.StorageType)
	}
	switch c.LedgerType {
	case "memory", "kafka":
	default:
		return errors.Newf("unsupported LEDGER_TYPE %q", c.LedgerType)
	}
	if c.LedgerTimeout <= 0 {
		return errors.New("LEDGER_TIMEOUT must be positive")
	}
	// A mint outliving the lock would let a second claim for the same
	// identity in.
	if c.StorageType == "redis" && c.LedgerTimeout >= c.RedisLockTTL {
		return errors.Newf("LEDGER_TIMEOUT %s must be below REDIS_LOCK_TTL %s", c.LedgerTimeout, c.RedisLockTTL)
	}
	if len(c.AuthJWTSecret) < 32 {
		return errors.New("AUTH_JWT_SECRET must be at least 32 bytes")
	}
	if c.RateLimitEnabled && (c.RateLimitPeriod <= 0 || c.RateLimitBurst <= 0) {
		return errors.New("RATE_LIMIT_PERIOD and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// Settings is the fixed faucet configuration handed to the service.
func (c *Config) Settings() domain.Settings {
	return domain.Settings{
		FaucetAmount:   c.FaucetAmount,
		CooldownPeriod: c.FaucetCooldown,
		MaxClaimAmount: c.FaucetMaxClaim,
		Admin:          c.FaucetAdmin,
	}
}

// Admins is FAUCET_ADMIN plus any FAUCET_ADMINS entries.
func (c *Config) Admins() []string {
	admins := []string{c.FaucetAdmin}
	return append(admins, c.FaucetAdmins...)
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func (c *Config) TopicPartitions() int {
	return positiveOr(c.KafkaTopicPartitions, 3)
}

func (c *Config) DLQPartitions() int {
	return positiveOr(c.KafkaDLQPartitions, 1)
}

func (c *Config) ReplicationFactor() int16 {
	return int16(positiveOr(c.KafkaReplicationFactor, 1))
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key, defaultValue string) (int, error) {
	value, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return value, nil
}

func parseInt64(key, defaultValue string) (int64, error) {
	value, err := strconv.ParseInt(getEnv(key, defaultValue), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return value, nil
}

func parseBool(key, defaultValue string) (bool, error) {
	value, err := strconv.ParseBool(getEnv(key, defaultValue))
	if err != nil {
		return false, errors.Wrapf(err, "invalid %s", key)
	}
	return value, nil
}

func parseDuration(key, defaultValue string) (time.Duration, error) {
	value, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return value, nil
}

func positiveOr(value string, fallback int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
