package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
)

// Config holds the configuration for the runner service
type Config struct {
	Network          NetworkConfig
	ContractID       string
	AdminSecretKey   string
	AdminPublicKey   string
	WalletBridgeURL  string
	BaseFee          uint32
	TxTimeoutSeconds uint32
	Gateway          GatewayConfig
	PollMaxAttempts  int
	Queue            QueueConfig
	InFlightWindow   time.Duration
	TxCacheTTL       time.Duration
	RedisAddr        string
	DatabaseURL      string
	Kafka            KafkaConfig
	APIPort          string
	MetricsPort      string
	InternalAPIKey   string
	MetricsAPIKey    string
	CircuitBreaker   CircuitBreakerConfig
	LoggerConfig     LoggerConfig
}

// GatewayConfig holds the RPC gateway timing configuration
type GatewayConfig struct {
	HealthTTL          time.Duration
	HealthCheckTimeout time.Duration
	CallTimeout        time.Duration
	RateLimit          float64
}

// QueueConfig holds the retry queue worker configuration
type QueueConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Cooldown    time.Duration
	Concurrency int
}

// KafkaConfig holds the operation events publisher configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	return loadFromEnv()
}

func loadFromEnv() (*Config, error) {
	network, err := GetEnvNetwork()
	if err != nil {
		return nil, err
	}

	rpcURL, err := GetEnvRPCURL(network)
	if err != nil {
		return nil, err
	}

	fallbackURLs, err := GetEnvRPCFallbackURLs()
	if err != nil {
		return nil, err
	}

	healthTTL, err := GetEnvRPCHealthTTL()
	if err != nil {
		return nil, err
	}

	healthCheckTimeout, err := GetEnvRPCHealthCheckTimeout()
	if err != nil {
		return nil, err
	}

	callTimeout, err := GetEnvRPCCallTimeout()
	if err != nil {
		return nil, err
	}

	rateLimit, err := GetEnvRPCRateLimit()
	if err != nil {
		return nil, err
	}

	contractID, err := GetEnvContractID()
	if err != nil {
		return nil, err
	}

	adminPublicKey, err := GetEnvAdminPublicKey()
	if err != nil {
		return nil, err
	}

	walletBridgeURL, err := GetEnvWalletBridgeURL()
	if err != nil {
		return nil, err
	}

	baseFee, err := GetEnvBaseFee()
	if err != nil {
		return nil, err
	}

	txTimeout, err := GetEnvTxTimeoutSeconds()
	if err != nil {
		return nil, err
	}

	pollMaxAttempts, err := GetEnvPollMaxAttempts()
	if err != nil {
		return nil, err
	}

	queueInterval, err := GetEnvQueueInterval()
	if err != nil {
		return nil, err
	}

	queueMaxAttempts, err := GetEnvQueueMaxAttempts()
	if err != nil {
		return nil, err
	}

	queueCooldown, err := GetEnvQueueCooldown()
	if err != nil {
		return nil, err
	}

	queueConcurrency, err := GetEnvQueueConcurrency()
	if err != nil {
		return nil, err
	}

	inFlightWindow, err := GetEnvInFlightWindow()
	if err != nil {
		return nil, err
	}

	txCacheTTL, err := GetEnvTxCacheTTL()
	if err != nil {
		return nil, err
	}

	apiPort, err := GetEnvAPIPort()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Network: NetworkConfig{
			Name:         network,
			Passphrase:   GetNetworkPassphrase(network),
			RPCURL:       rpcURL,
			FallbackURLs: fallbackURLs,
		},
		ContractID:       contractID,
		AdminSecretKey:   strings.TrimPrefix(os.Getenv("CONTRACT_ADMIN_SECRET_KEY"), "0x"),
		AdminPublicKey:   adminPublicKey,
		WalletBridgeURL:  walletBridgeURL,
		BaseFee:          baseFee,
		TxTimeoutSeconds: txTimeout,
		Gateway: GatewayConfig{
			HealthTTL:          healthTTL,
			HealthCheckTimeout: healthCheckTimeout,
			CallTimeout:        callTimeout,
			RateLimit:          rateLimit,
		},
		PollMaxAttempts: pollMaxAttempts,
		Queue: QueueConfig{
			Interval:    queueInterval,
			MaxAttempts: queueMaxAttempts,
			Cooldown:    queueCooldown,
			Concurrency: queueConcurrency,
		},
		InFlightWindow: inFlightWindow,
		TxCacheTTL:     txCacheTTL,
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		Kafka: KafkaConfig{
			Brokers: GetEnvKafkaBrokers(),
			Topic:   GetEnvKafkaTopic(),
		},
		APIPort:        apiPort,
		MetricsPort:    metricsPort,
		InternalAPIKey: os.Getenv("INTERNAL_API_KEY"),
		MetricsAPIKey:  os.Getenv("METRICS_API_KEY"),
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.AdminSecretKey == "" {
		// Tier 1 minting is disabled; the admin address may still be set for /check-admin
		return nil
	}

	key, err := crypto.HexToECDSA(cfg.AdminSecretKey)
	if err != nil {
		return fmt.Errorf("invalid CONTRACT_ADMIN_SECRET_KEY: %v", err)
	}

	derived := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if cfg.AdminPublicKey == "" {
		cfg.AdminPublicKey = derived
		return nil
	}
	if !strings.EqualFold(cfg.AdminPublicKey, derived) {
		return fmt.Errorf("CONTRACT_ADMIN_PUBLIC_KEY %s does not match CONTRACT_ADMIN_SECRET_KEY (derived %s)", cfg.AdminPublicKey, derived)
	}
	return nil
}
