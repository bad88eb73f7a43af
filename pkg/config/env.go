package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
)

const (
	// DefaultNetwork is the ledger network to connect to
	DefaultNetwork = testnet

	// DefaultRPCHealthTTL defines how long a health check result is trusted
	DefaultRPCHealthTTL = 30 * time.Second

	// DefaultRPCHealthCheckTimeout defines the timeout of a single health check
	DefaultRPCHealthCheckTimeout = 30 * time.Second

	// DefaultRPCCallTimeout defines the timeout of a single simulate, submit or status call
	DefaultRPCCallTimeout = 60 * time.Second

	// DefaultRPCRateLimit defines the maximum number of requests per second sent to the gateway
	DefaultRPCRateLimit = 20

	// DefaultBaseFee defines the inclusion fee added on top of the simulated resource fee
	DefaultBaseFee = 100

	// DefaultTxTimeoutSeconds defines the validity window of a built envelope
	DefaultTxTimeoutSeconds = 300

	// DefaultPollMaxAttempts defines the ceiling of confirmation status queries
	DefaultPollMaxAttempts = 60

	// DefaultQueueInterval defines how often the retry queue is scanned
	DefaultQueueInterval = 2 * time.Minute

	// DefaultQueueMaxAttempts defines the number of attempts before an entry is dead-lettered
	DefaultQueueMaxAttempts = 3

	// DefaultQueueCooldown defines the minimum delay between two attempts of a queued entry
	DefaultQueueCooldown = 5 * time.Minute

	// DefaultQueueConcurrency defines the number of entries resubmitted in parallel per scan
	DefaultQueueConcurrency = 2

	// DefaultInFlightWindow defines how long a submitted operation blocks duplicate submissions
	DefaultInFlightWindow = 3 * time.Minute

	// DefaultTxCacheTTL defines the lifetime of a cached transaction status
	DefaultTxCacheTTL = 30 * time.Second

	// DefaultKafkaTopic defines the topic operation transitions are published to
	DefaultKafkaTopic = "rwa.operations"

	// DefaultAPIPort defines the default port for the mint API
	DefaultAPIPort = "8081"

	// DefaultMetricsPort defines the default port for the health and metrics server
	DefaultMetricsPort = "8080"

	// DefaultCircuitBreakerEnabled defines whether the endpoint circuit breakers are enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before an endpoint breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15
)

// GetEnvNetwork returns the configured network from environment variables or defaults to testnet
func GetEnvNetwork() (string, error) {
	network := os.Getenv("NETWORK")
	if network == "" {
		network = DefaultNetwork
	}

	if network != mainnet && network != testnet {
		return "", fmt.Errorf("invalid NETWORK value: %s, must be 'mainnet' or 'testnet'", network)
	}

	return network, nil
}

// GetEnvRPCURL returns the primary RPC endpoint, defaulting to the network's public endpoint
func GetEnvRPCURL(network string) (string, error) {
	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		return networks[network].RPCURL, nil
	}

	if _, err := url.ParseRequestURI(rpcURL); err != nil {
		return "", fmt.Errorf("invalid RPC_URL value: %s, must be a valid URL", rpcURL)
	}
	return rpcURL, nil
}

// GetEnvRPCFallbackURLs returns the ordered list of alternate RPC endpoints
func GetEnvRPCFallbackURLs() ([]string, error) {
	raw := os.Getenv("RPC_FALLBACK_URLS")
	if raw == "" {
		return nil, nil
	}

	var urls []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := url.ParseRequestURI(part); err != nil {
			return nil, fmt.Errorf("invalid RPC_FALLBACK_URLS entry: %s, must be a valid URL", part)
		}
		urls = append(urls, part)
	}
	return urls, nil
}

// GetEnvRPCHealthTTL returns the health cache TTL
func GetEnvRPCHealthTTL() (time.Duration, error) {
	return getEnvPositiveDuration("RPC_HEALTH_TTL", DefaultRPCHealthTTL)
}

// GetEnvRPCHealthCheckTimeout returns the health check timeout
func GetEnvRPCHealthCheckTimeout() (time.Duration, error) {
	return getEnvPositiveDuration("RPC_HEALTH_CHECK_TIMEOUT", DefaultRPCHealthCheckTimeout)
}

// GetEnvRPCCallTimeout returns the per-call timeout
func GetEnvRPCCallTimeout() (time.Duration, error) {
	return getEnvPositiveDuration("RPC_CALL_TIMEOUT", DefaultRPCCallTimeout)
}

// GetEnvRPCRateLimit returns the gateway request rate
func GetEnvRPCRateLimit() (float64, error) {
	rateLimit := os.Getenv("RPC_RATE_LIMIT")
	if rateLimit == "" {
		return DefaultRPCRateLimit, nil
	}

	parsed, err := strconv.ParseFloat(rateLimit, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid RPC_RATE_LIMIT value: %s, must be a number", rateLimit)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("RPC_RATE_LIMIT must be greater than 0")
	}
	return parsed, nil
}

// GetEnvContractID returns the token contract address
func GetEnvContractID() (string, error) {
	contractID := os.Getenv("CONTRACT_ID")
	if contractID == "" {
		return "", fmt.Errorf("CONTRACT_ID environment variable is required")
	}

	if !common.IsHexAddress(contractID) {
		return "", fmt.Errorf("invalid CONTRACT_ID value: %s, must be a valid hex address", contractID)
	}
	return contractID, nil
}

// GetEnvAdminPublicKey returns the configured admin address, if any
func GetEnvAdminPublicKey() (string, error) {
	admin := os.Getenv("CONTRACT_ADMIN_PUBLIC_KEY")
	if admin == "" {
		return "", nil
	}

	if !common.IsHexAddress(admin) {
		return "", fmt.Errorf("invalid CONTRACT_ADMIN_PUBLIC_KEY value: %s, must be a valid hex address", admin)
	}
	return admin, nil
}

// GetEnvWalletBridgeURL returns the session signer bridge endpoint, if any
func GetEnvWalletBridgeURL() (string, error) {
	bridge := os.Getenv("WALLET_BRIDGE_URL")
	if bridge == "" {
		return "", nil
	}

	if _, err := url.ParseRequestURI(bridge); err != nil {
		return "", fmt.Errorf("invalid WALLET_BRIDGE_URL value: %s, must be a valid URL", bridge)
	}
	return bridge, nil
}

// GetEnvBaseFee returns the inclusion fee
func GetEnvBaseFee() (uint32, error) {
	return getEnvPositiveUint32("BASE_FEE", DefaultBaseFee)
}

// GetEnvTxTimeoutSeconds returns the envelope validity window
func GetEnvTxTimeoutSeconds() (uint32, error) {
	return getEnvPositiveUint32("TX_TIMEOUT_SECONDS", DefaultTxTimeoutSeconds)
}

// GetEnvPollMaxAttempts returns the confirmation poll ceiling
func GetEnvPollMaxAttempts() (int, error) {
	return getEnvPositiveInt("POLL_MAX_ATTEMPTS", DefaultPollMaxAttempts)
}

// GetEnvQueueInterval returns the retry queue scan interval
func GetEnvQueueInterval() (time.Duration, error) {
	return getEnvPositiveDuration("QUEUE_INTERVAL", DefaultQueueInterval)
}

// GetEnvQueueMaxAttempts returns the retry attempt ceiling
func GetEnvQueueMaxAttempts() (int, error) {
	return getEnvPositiveInt("QUEUE_MAX_ATTEMPTS", DefaultQueueMaxAttempts)
}

// GetEnvQueueCooldown returns the delay between two attempts of a queued entry
func GetEnvQueueCooldown() (time.Duration, error) {
	return getEnvPositiveDuration("QUEUE_COOLDOWN", DefaultQueueCooldown)
}

// GetEnvQueueConcurrency returns the retry worker pool size
func GetEnvQueueConcurrency() (int, error) {
	return getEnvPositiveInt("QUEUE_CONCURRENCY", DefaultQueueConcurrency)
}

// GetEnvInFlightWindow returns the duplicate-submission window
func GetEnvInFlightWindow() (time.Duration, error) {
	return getEnvPositiveDuration("INFLIGHT_WINDOW", DefaultInFlightWindow)
}

// GetEnvTxCacheTTL returns the check-transaction cache TTL
func GetEnvTxCacheTTL() (time.Duration, error) {
	return getEnvPositiveDuration("TX_CACHE_TTL", DefaultTxCacheTTL)
}

// GetEnvKafkaBrokers returns the Kafka broker list, if any
func GetEnvKafkaBrokers() []string {
	raw := os.Getenv("KAFKA_BROKERS")
	if raw == "" {
		return nil
	}

	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// GetEnvKafkaTopic returns the operation events topic
func GetEnvKafkaTopic() string {
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		return DefaultKafkaTopic
	}
	return topic
}

// GetEnvAPIPort returns the mint API port from environment variables
func GetEnvAPIPort() (string, error) {
	return getEnvPort("API_PORT", DefaultAPIPort)
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	return getEnvPort("METRICS_PORT", DefaultMetricsPort)
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvPositiveDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow*time.Second)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvPositiveDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset*time.Second)
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return logger.InfoLevel, nil
	}

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, error", level)
	}
	return parsed, nil
}

// GetEnvLogColoring returns whether log coloring is enabled from environment variables
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}

func getEnvPositiveDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvPositiveUint32(name string, def uint32) (uint32, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an unsigned integer", name, value)
	}
	if parsed == 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return uint32(parsed), nil
}

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

func getEnvPort(name, def string) (string, error) {
	port := os.Getenv(name)
	if port == "" {
		return def, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid integer", name, port)
	}
	return port, nil
}
