package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds everything the service reads from the environment.
type Config struct {
	HTTPAddr string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	KafkaBroker string
	KafkaTopic  string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	GatewayBaseURL        string
	GatewayConsumerKey    string
	GatewayConsumerSecret string
	GatewayShortCode      string
	GatewayPasskey        string
	GatewayCallbackURL    string
	GatewayTimeout        time.Duration

	JWTSecret string
}

// Load reads .env if present and falls back to real environment variables.
func Load(logger *zap.Logger) Config {
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using environment variables")
	}

	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8083"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "dukapaydb"),

		KafkaBroker: getEnv("KAFKA_BROKER", "localhost:9092"),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "payment_events"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		GatewayBaseURL:        getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		GatewayConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
		GatewayConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
		GatewayShortCode:      getEnv("MPESA_SHORTCODE", "174379"),
		GatewayPasskey:        getEnv("MPESA_PASSKEY", ""),
		GatewayCallbackURL:    getEnv("MPESA_CALLBACK_URL", "http://localhost:8083/payments/callback"),
		GatewayTimeout:        getEnvDuration("MPESA_TIMEOUT_SECONDS", 30) * time.Second,

		JWTSecret: getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n)
		}
	}
	return time.Duration(defaultSeconds)
}
