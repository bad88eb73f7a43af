package service

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/rwa-runner/pkg/config"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/mint"
	"github.com/speedrun-hq/rwa-runner/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, ledger *testutil.FakeLedger, adminSecret string) *config.Config {
	return &config.Config{
		Network: config.NetworkConfig{
			Name:       "testnet",
			Passphrase: testutil.TestPassphrase,
			RPCURL:     ledger.URL(),
		},
		ContractID:       testutil.TestContractID,
		AdminSecretKey:   adminSecret,
		BaseFee:          100,
		TxTimeoutSeconds: 300,
		Gateway: config.GatewayConfig{
			HealthTTL:          time.Second,
			HealthCheckTimeout: time.Second,
			CallTimeout:        5 * time.Second,
		},
		PollMaxAttempts: 20,
		Queue: config.QueueConfig{
			Interval:    time.Hour,
			MaxAttempts: 3,
			Cooldown:    5 * time.Minute,
			Concurrency: 2,
		},
		InFlightWindow: time.Minute,
		TxCacheTTL:     30 * time.Second,
		APIPort:        "0",
		MetricsPort:    "0",
		LoggerConfig:   config.LoggerConfig{Level: logger.ErrorLevel},
	}
}

func TestNewService_Wiring(t *testing.T) {
	ctx := context.Background()
	adminKey, admin := testutil.NewKey(t)
	ledger := testutil.NewFakeLedger(t, admin)

	svc, err := NewService(ctx, testConfig(t, ledger, hexutil.Encode(crypto.FromECDSA(adminKey))))
	require.NoError(t, err)
	t.Cleanup(svc.gateway.Close)

	assert.Equal(t, admin, svc.engine.AdminAddress())

	user := testutil.GenerateAddress()
	res, err := svc.orchestrator.Mint(ctx, mint.Request{To: user, Amount: "7"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "7", ledger.Balance(user))

	supply, err := svc.engine.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", supply.String())
}

func TestNewService_WithoutCredentialQueues(t *testing.T) {
	ctx := context.Background()
	_, admin := testutil.NewKey(t)
	ledger := testutil.NewFakeLedger(t, admin)

	svc, err := NewService(ctx, testConfig(t, ledger, ""))
	require.NoError(t, err)
	t.Cleanup(svc.gateway.Close)

	res, err := svc.orchestrator.Mint(ctx, mint.Request{To: testutil.GenerateAddress(), Amount: "1"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Zero(t, ledger.Calls("simulateTransaction"))
}

func TestService_StartAndShutdown(t *testing.T) {
	_, admin := testutil.NewKey(t)
	ledger := testutil.NewFakeLedger(t, admin)

	svc, err := NewService(context.Background(), testConfig(t, ledger, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	require.Eventually(t, svc.worker.IsRunning, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down")
	}
	assert.False(t, svc.worker.IsRunning())
	assert.False(t, svc.refresher.IsRunning())
}
