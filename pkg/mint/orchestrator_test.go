package mint_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/engine/enginetest"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/mint"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/signer"
	"github.com/speedrun-hq/rwa-runner/pkg/testutil"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var txHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

func newOrchestrator(t *testing.T, opts enginetest.Options) (*enginetest.Stack, *mint.Orchestrator) {
	s := enginetest.NewStack(t, opts)
	return s, mint.NewOrchestrator(s.Engine, &logger.EmptyLogger{})
}

func TestMint_ServerTier(t *testing.T) {
	ctx := context.Background()
	s, o := newOrchestrator(t, enginetest.Options{})
	user := testutil.GenerateAddress()

	res, err := o.Mint(ctx, mint.Request{ID: "m-1", To: user, Amount: "10"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Queued)
	assert.Equal(t, mint.TierServer, res.Tier)
	assert.Regexp(t, txHash, res.TransactionID)
	assert.Equal(t, mint.MessageMinted, res.Message)
	assert.Equal(t, "10", s.Ledger.Balance(user))

	op, err := s.Registry.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, op.Status)
	assert.Equal(t, 1, op.Attempts)

	t.Run("replay", func(t *testing.T) {
		sends := s.Ledger.Calls("sendTransaction")
		again, err := o.Mint(ctx, mint.Request{ID: "m-1", To: user, Amount: "10"})
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, mint.MessageAlready, again.Message)
		assert.Equal(t, res.TransactionID, again.TransactionID)
		assert.Equal(t, sends, s.Ledger.Calls("sendTransaction"))
	})
}

func TestMint_QueuedWhenNoTierIsAuthorized(t *testing.T) {
	ctx := context.Background()
	s, o := newOrchestrator(t, enginetest.Options{NoAdmin: true})

	res, err := o.Mint(ctx, mint.Request{ID: "m-q", To: testutil.GenerateAddress(), Amount: "10"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Queued)
	assert.Equal(t, mint.TierQueue, res.Tier)
	assert.Equal(t, 0, res.Attempts)
	assert.Empty(t, res.TransactionID)
	assert.Equal(t, mint.MessageQueued, res.Message)

	op, err := s.Registry.Get(ctx, "m-q")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, op.Status)
	assert.Equal(t, 0, op.Attempts)
	assert.True(t, txerr.FallsThrough(txerr.ParseKind(op.Result.ErrorKind)), op.Result.ErrorKind)
	assert.Zero(t, s.Ledger.Calls("simulateTransaction"))

	t.Run("repeat request reports the queue", func(t *testing.T) {
		again, err := o.Mint(ctx, mint.Request{ID: "m-q", To: op.Payload.To, Amount: "10"})
		require.NoError(t, err)
		assert.True(t, again.Queued)
	})
}

func TestMint_SessionWithoutPrivilegeFallsThrough(t *testing.T) {
	ctx := context.Background()
	sessions := signer.NewStaticSessions()
	s, o := newOrchestrator(t, enginetest.Options{NoAdmin: true, Sessions: sessions})
	user, _ := enginetest.SessionUser(t, s, sessions)

	res, err := o.Mint(ctx, mint.Request{ID: "m-s", To: user, Amount: "3"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 1, s.Ledger.Calls("simulateTransaction"))
	assert.Zero(t, s.Ledger.Calls("sendTransaction"))
}

func TestMint_SessionTierDelivers(t *testing.T) {
	ctx := context.Background()
	sessions := signer.NewStaticSessions()
	s, o := newOrchestrator(t, enginetest.Options{NoAdmin: true, Sessions: sessions})

	// the admin is signed in through a session instead of a server credential
	adminSession, err := signer.NewKeySigner(hexutil.Encode(crypto.FromECDSA(s.AdminKey)))
	require.NoError(t, err)
	sessions.Register(s.Admin, adminSession)

	user := testutil.GenerateAddress()
	res, err := o.Mint(ctx, mint.Request{ID: "m-2", To: user, Amount: "4", Source: s.Admin})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, mint.TierSession, res.Tier)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "4", s.Ledger.Balance(user))
}

func TestMint_BusinessRuleAborts(t *testing.T) {
	ctx := context.Background()
	sessions := signer.NewStaticSessions()
	s, o := newOrchestrator(t, enginetest.Options{Sessions: sessions})
	user, _ := enginetest.SessionUser(t, s, sessions)

	s.Ledger.ForceSimulationError("HostError: Error(Value, InvalidInput): amount out of range")
	defer s.Ledger.ForceSimulationError("")

	res, err := o.Mint(ctx, mint.Request{ID: "m-bad", To: user, Amount: "1"})
	require.Error(t, err)
	assert.True(t, txerr.Is(err, txerr.SimulationError))
	assert.False(t, res.Success)
	assert.False(t, res.Queued)
	assert.Equal(t, models.StatusFailed, res.Status)
	// the session tier never ran
	assert.Equal(t, 1, s.Ledger.Calls("simulateTransaction"))

	op, err := s.Registry.Get(ctx, "m-bad")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
}

func TestMint_RejectedSignatureFallsThrough(t *testing.T) {
	ctx := context.Background()
	s, o := newOrchestrator(t, enginetest.Options{})
	s.Ledger.ForceSendStatus(chainclient.SendError, "txBAD_AUTH")
	defer s.Ledger.ForceSendStatus("", "")

	res, err := o.Mint(ctx, mint.Request{ID: "m-auth", To: testutil.GenerateAddress(), Amount: "1"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	// the submission counted, the queueing did not
	assert.Equal(t, 1, res.Attempts)
}

func TestMint_LedgerDownQueues(t *testing.T) {
	ctx := context.Background()
	sessions := signer.NewStaticSessions()
	s, o := newOrchestrator(t, enginetest.Options{Sessions: sessions})
	user, _ := enginetest.SessionUser(t, s, sessions)
	s.Ledger.SetDown(true)

	res, err := o.Mint(ctx, mint.Request{ID: "m-down", To: user, Amount: "1"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 0, res.Attempts)

	op, err := s.Registry.Get(ctx, "m-down")
	require.NoError(t, err)
	kind := txerr.ParseKind(op.Result.ErrorKind)
	assert.True(t, kind == txerr.AllEndpointsDown || kind == txerr.NetworkFailure, "kind %s", kind)
}

func TestMint_ConfirmationTimeoutIsAdvisory(t *testing.T) {
	ctx := context.Background()
	s, o := newOrchestrator(t, enginetest.Options{PollAttempts: 3})
	s.Ledger.SetNeverConfirm(true)

	res, err := o.Mint(ctx, mint.Request{ID: "m-slow", To: testutil.GenerateAddress(), Amount: "1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Pending)
	assert.False(t, res.Queued)
	assert.Regexp(t, txHash, res.TransactionID)
	assert.Equal(t, models.StatusPending, res.Status)
	assert.Contains(t, res.Message, "confirmation taking longer than expected")
}

func TestMint_InvalidRequest(t *testing.T) {
	ctx := context.Background()
	s, o := newOrchestrator(t, enginetest.Options{})

	for _, req := range []mint.Request{
		{To: "", Amount: "1"},
		{To: testutil.GenerateAddress(), Amount: "0"},
		{To: testutil.GenerateAddress(), Amount: "abc"},
		{To: testutil.GenerateAddress(), Amount: "1", Source: "bogus"},
	} {
		_, err := o.Mint(ctx, req)
		assert.True(t, txerr.Is(err, txerr.InvalidRequest), "request %+v", req)
	}
	ops, err := s.Registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestEnqueueAndRetry(t *testing.T) {
	ctx := context.Background()
	s, o := newOrchestrator(t, enginetest.Options{})
	user := testutil.GenerateAddress()

	res, err := o.Enqueue(ctx, mint.Request{ID: "q-1", To: user, Amount: "8"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Zero(t, s.Ledger.Calls("simulateTransaction"))

	op, err := s.Registry.Get(ctx, "q-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, op.Status)

	res, err = o.Retry(ctx, op)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, mint.TierServer, res.Tier)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "8", s.Ledger.Balance(user))

	// a finished operation is never retried
	res, err = o.Retry(ctx, op)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, mint.MessageAlready, res.Message)
	assert.Equal(t, 1, s.Ledger.Calls("sendTransaction"))
}

func TestRetry_NeverQueues(t *testing.T) {
	ctx := context.Background()
	s, o := newOrchestrator(t, enginetest.Options{NoAdmin: true})

	_, err := o.Enqueue(ctx, mint.Request{ID: "q-2", To: testutil.GenerateAddress(), Amount: "1"})
	require.NoError(t, err)
	op, err := s.Registry.Get(ctx, "q-2")
	require.NoError(t, err)

	res, err := o.Retry(ctx, op)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, txerr.Is(err, txerr.AuthorizationFailure))

	after, err := s.Registry.Get(ctx, "q-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, after.Status)
	assert.Equal(t, 0, after.Attempts)
}

func TestMint_CancelledRequestIsNotQueued(t *testing.T) {
	s, o := newOrchestrator(t, enginetest.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Mint(ctx, mint.Request{ID: "m-gone", To: testutil.GenerateAddress(), Amount: "1"})
	require.Error(t, err)
	assert.True(t, txerr.Is(err, txerr.Canceled), "kind %s", txerr.KindOf(err))
	assert.False(t, res.Queued)

	op, err := s.Registry.Get(context.Background(), "m-gone")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	assert.Zero(t, op.Attempts)
	assert.Zero(t, s.Ledger.Calls("sendTransaction"))
}
