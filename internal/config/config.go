// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment  string
	Server       ServerConfig
	Database     DatabaseConfig
	JWT          JWTConfig
	AWS          AWSConfig
	Storage      StorageConfig
	Blockchain   BlockchainConfig
	Payment      PaymentConfig
	BankTransfer BankTransferConfig
	Housekeeping HousekeepingConfig
	Entitlement  EntitlementConfig
	Notification NotificationConfig
	Log          LogConfig
	I18n         I18nConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
	AllowOrigins []string
}

type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

// JWTConfig holds the shared secret of the external identity provider.
// Tokens are only validated here, never issued.
type JWTConfig struct {
	SecretKey string
	Issuer    string
}

type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	S3Bucket             string
	CloudFrontURL        string
	ServerSideEncryption string
	InlinePrefixes       []string
	UploadDir            string
	PublicBaseURL        string
}

type StorageConfig struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
	UploadTimeout  time.Duration
	PresignTTL     time.Duration
	ParentQuota    int64 // bytes per product
}

type BlockchainConfig struct {
	Network         string
	RPCURL          string
	ContractAddress string
	EventSignature  string
	LookbackBlocks  uint64
	PendingTimeout  time.Duration
}

type PaymentConfig struct {
	Currency             string
	StripeSecretKey      string
	StripePublishableKey string
	BuyerFeePercent      float64
	SellerFeePercent     float64
	CardPendingTimeout   time.Duration
}

type BankTransferConfig struct {
	QRTTL  time.Duration
	QRSize int
}

type HousekeepingConfig struct {
	Interval time.Duration
	Enabled  bool
}

type EntitlementConfig struct {
	CacheTTL time.Duration
}

type NotificationConfig struct {
	PerUserCap int
}

type LogConfig struct {
	Level  string
	Format string
}

type I18nConfig struct {
	DefaultLocale string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 150),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			AllowOrigins: getEnvAsList("CORS_ALLOW_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "digimarket"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "warn"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "ap-southeast-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			S3Bucket:             getEnv("AWS_S3_BUCKET", "digimarket-assets"),
			CloudFrontURL:        getEnv("AWS_CLOUDFRONT_URL", ""),
			ServerSideEncryption: getEnv("AWS_S3_SSE", "AES256"),
			InlinePrefixes:       getEnvAsList("AWS_S3_INLINE_PREFIXES", []string{"image/"}),
			UploadDir:            getEnv("UPLOAD_DIR", "./uploads"),
			PublicBaseURL:        getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
		Storage: StorageConfig{
			RetryAttempts:  getEnvAsInt("STORAGE_RETRY_ATTEMPTS", 3),
			RetryBaseDelay: getEnvAsDuration("STORAGE_RETRY_BASE_DELAY", 200*time.Millisecond),
			UploadTimeout:  getEnvAsDuration("UPLOAD_TIMEOUT", 2*time.Minute),
			PresignTTL:     getEnvAsDuration("DOWNLOAD_URL_TTL", 15*time.Minute),
			ParentQuota:    int64(getEnvAsInt("PRODUCT_STORAGE_QUOTA_MB", 500)) * 1024 * 1024,
		},
		Blockchain: BlockchainConfig{
			Network:         getEnv("BLOCKCHAIN_NETWORK", "polygon"),
			RPCURL:          getEnv("BLOCKCHAIN_RPC_URL", ""),
			ContractAddress: getEnv("BLOCKCHAIN_CONTRACT_ADDRESS", ""),
			EventSignature:  getEnv("BLOCKCHAIN_EVENT_SIGNATURE", "PurchaseCompleted(bytes32,address,address,uint256)"),
			LookbackBlocks:  uint64(getEnvAsInt("BLOCKCHAIN_LOOKBACK_BLOCKS", 5000)),
			PendingTimeout:  getEnvAsDuration("CHAIN_PENDING_TIMEOUT", 24*time.Hour),
		},
		Payment: PaymentConfig{
			Currency:             getEnv("PAYMENT_CURRENCY", "thb"),
			StripeSecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
			StripePublishableKey: getEnv("STRIPE_PUBLISHABLE_KEY", ""),
			BuyerFeePercent:      getEnvAsFloat("BUYER_FEE_PERCENT", 0),
			SellerFeePercent:     getEnvAsFloat("SELLER_FEE_PERCENT", 0),
			CardPendingTimeout:   getEnvAsDuration("CARD_PENDING_TIMEOUT", 15*time.Minute),
		},
		BankTransfer: BankTransferConfig{
			QRTTL:  getEnvAsDuration("BANK_QR_TTL", time.Hour),
			QRSize: getEnvAsInt("BANK_QR_SIZE", 256),
		},
		Housekeeping: HousekeepingConfig{
			Interval: getEnvAsDuration("HOUSEKEEPING_INTERVAL", time.Minute),
			Enabled:  getEnvAsBool("HOUSEKEEPING_ENABLED", true),
		},
		Entitlement: EntitlementConfig{
			CacheTTL: getEnvAsDuration("ENTITLEMENT_CACHE_TTL", 30*time.Second),
		},
		Notification: NotificationConfig{
			PerUserCap: getEnvAsInt("NOTIFICATION_PER_USER_CAP", 100),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		I18n: I18nConfig{
			DefaultLocale: getEnv("DEFAULT_LOCALE", "en"),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" && c.Database.Driver == "postgres" {
		return fmt.Errorf("database password is required in production")
	}

	// Local storage has no access check on its download route.
	if c.AWS.AccessKeyID == "" && c.Environment == "production" {
		return fmt.Errorf("AWS_ACCESS_KEY_ID is required in production; local storage serves files without access checks")
	}

	if c.Storage.RetryAttempts < 1 {
		return fmt.Errorf("STORAGE_RETRY_ATTEMPTS must be at least 1")
	}

	if c.Storage.RetryBaseDelay <= 0 {
		return fmt.Errorf("STORAGE_RETRY_BASE_DELAY must be positive")
	}

	if c.Storage.ParentQuota <= 0 {
		return fmt.Errorf("PRODUCT_STORAGE_QUOTA_MB must be positive")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
