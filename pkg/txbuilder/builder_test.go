package txbuilder

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/gateway"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/testutil"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, ledger *testutil.FakeLedger) (*Builder, *Simulator) {
	g, err := gateway.New([]string{ledger.URL()}, gateway.Options{HealthCheckTimeout: time.Second}, &logger.EmptyLogger{})
	require.NoError(t, err)
	t.Cleanup(g.Close)
	client := chainclient.New(g, &logger.EmptyLogger{})
	return NewBuilder(client, testutil.TestPassphrase, 100, 300), NewSimulator(client)
}

func TestBuild(t *testing.T) {
	_, admin := testutil.NewKey(t)
	ledger := testutil.NewFakeLedger(t, admin)
	builder, _ := newTestBuilder(t, ledger)
	token, err := contracts.NewRWAToken(testutil.TestContractID)
	require.NoError(t, err)
	user := testutil.GenerateAddress()

	t.Run("envelope follows the account sequence", func(t *testing.T) {
		now := time.Unix(1700000000, 0)
		builder.now = func() time.Time { return now }

		req := token.MintSimple(admin, user, big.NewInt(10))
		env, err := builder.Build(context.Background(), req, nil)
		require.NoError(t, err)

		assert.Equal(t, int64(1), env.Sequence)
		assert.Equal(t, admin, env.Source)
		assert.Equal(t, uint32(100), env.Fee)
		assert.Equal(t, now.Unix()+300, env.ValidUntil)
		assert.Equal(t, contracts.FnMintSimple, env.Operation.Function)
		assert.Nil(t, env.Resources)
	})

	t.Run("fee hint above base fee wins", func(t *testing.T) {
		req := token.MintSimple(admin, user, big.NewInt(10))
		req.FeeHint = 1000
		env, err := builder.Build(context.Background(), req, nil)
		require.NoError(t, err)
		assert.Equal(t, uint32(1000), env.Fee)
	})

	t.Run("unfunded account", func(t *testing.T) {
		req := token.Transfer(testutil.GenerateAddress(), user, big.NewInt(10))
		_, err := builder.Build(context.Background(), req, nil)
		require.Error(t, err)
		assert.True(t, txerr.Is(err, txerr.AccountNotFound))
	})

	t.Run("invalid request", func(t *testing.T) {
		calls := ledger.Calls("getAccount")
		_, err := builder.Build(context.Background(), models.TransactionRequest{
			ContractID:    testutil.TestContractID,
			FunctionName:  contracts.FnBurn,
			SignerAddress: "nope",
		}, nil)
		assert.True(t, txerr.Is(err, txerr.InvalidRequest))
		assert.Equal(t, calls, ledger.Calls("getAccount"))
	})
}

func TestSimulate(t *testing.T) {
	_, admin := testutil.NewKey(t)
	ledger := testutil.NewFakeLedger(t, admin)
	builder, simulator := newTestBuilder(t, ledger)
	token, err := contracts.NewRWAToken(testutil.TestContractID)
	require.NoError(t, err)

	t.Run("feasible call is assembled", func(t *testing.T) {
		env, err := builder.Build(context.Background(), token.MintSimple(admin, testutil.GenerateAddress(), big.NewInt(10)), nil)
		require.NoError(t, err)

		outcome, err := simulator.Simulate(context.Background(), env)
		require.NoError(t, err)
		require.NotNil(t, outcome.Envelope.Resources)
		assert.Equal(t, int64(testutil.MinResourceFee), outcome.MinResourceFee)
		assert.Equal(t, uint32(100+testutil.MinResourceFee), outcome.Envelope.Fee)
		assert.Nil(t, env.Resources, "input envelope must not change")

		before, _ := env.TxID()
		after, _ := outcome.Envelope.TxID()
		assert.NotEqual(t, before, after)
	})

	t.Run("insufficient balance surfaces the reason", func(t *testing.T) {
		holder := testutil.GenerateAddress()
		recipient := testutil.GenerateAddress()
		ledger.FundAccount(holder)
		ledger.Approve(recipient)
		ledger.SetBalance(holder, "5")

		env, err := builder.Build(context.Background(), token.Transfer(holder, recipient, big.NewInt(10)), nil)
		require.NoError(t, err)

		_, err = simulator.Simulate(context.Background(), env)
		require.Error(t, err)
		assert.True(t, txerr.Is(err, txerr.SimulationError))
		assert.Equal(t, txerr.ReasonInsufficientBalance, txerr.ReasonOf(err))
		assert.Contains(t, txerr.UserMessage(err), "insufficient balance")
	})

	t.Run("views return a value", func(t *testing.T) {
		holder := testutil.GenerateAddress()
		ledger.SetBalance(holder, "77")

		env, err := builder.Build(context.Background(), token.View(admin, contracts.FnBalance, contracts.Address(holder)), nil)
		require.NoError(t, err)
		outcome, err := simulator.Simulate(context.Background(), env)
		require.NoError(t, err)

		balance, err := contracts.DecodeI128(outcome.Retval)
		require.NoError(t, err)
		assert.Equal(t, "77", balance.String())
	})
}

func TestSequenceLease(t *testing.T) {
	m := NewSequenceManager(time.Minute)
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	lease := m.Acquire("0xABC")
	assert.Equal(t, int64(11), lease.Next(10))
	lease.Accepted(11)

	// ledger has not applied 11 yet
	assert.Equal(t, int64(12), lease.Next(10))
	lease.Accepted(12)
	assert.Equal(t, 2, lease.Pending())

	// ledger caught up
	assert.Equal(t, int64(13), lease.Next(12))
	assert.Equal(t, 0, lease.Pending())

	lease.Accepted(13)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, int64(13), lease.Next(12), "expired acceptance is forgotten")

	lease.Accepted(13)
	lease.Reset()
	assert.Equal(t, int64(13), lease.Next(12))
	lease.Release()

	t.Run("lease is exclusive per account", func(t *testing.T) {
		var mu sync.Mutex
		holders, maxHolders := 0, 0

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l := m.Acquire("0xabc")
				mu.Lock()
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				l.Release()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxHolders)
	})
}
