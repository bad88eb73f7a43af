// Package enginetest assembles a complete engine against a fake ledger for tests.
package enginetest

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/engine"
	"github.com/speedrun-hq/rwa-runner/pkg/gateway"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/registry"
	"github.com/speedrun-hq/rwa-runner/pkg/signer"
	"github.com/speedrun-hq/rwa-runner/pkg/submitter"
	"github.com/speedrun-hq/rwa-runner/pkg/testutil"
	"github.com/speedrun-hq/rwa-runner/pkg/txbuilder"
	"github.com/stretchr/testify/require"
)

// Options tune the assembled stack
type Options struct {
	// NoAdmin leaves the engine without a server credential
	NoAdmin bool
	// Sessions is the session directory; nil means no sessions
	Sessions signer.SessionDirectory
	// PollAttempts bounds confirmation polling; zero means 10
	PollAttempts int
	// InFlightWindow of the registry; zero means one minute
	InFlightWindow time.Duration
	// TxTimeout of built envelopes; zero means five minutes
	TxTimeout time.Duration
}

// Stack is an engine wired to a fake ledger
type Stack struct {
	Ledger   *testutil.FakeLedger
	Gateway  *gateway.Gateway
	Client   *chainclient.Client
	Store    *registry.MemoryStore
	Registry *registry.Registry
	Engine   *engine.Engine
	AdminKey *ecdsa.PrivateKey
	Admin    string
}

// FastSchedule polls every millisecond
func FastSchedule(int) time.Duration { return time.Millisecond }

// NewStack starts a fake ledger administered by a fresh key and builds an engine on it
func NewStack(t *testing.T, opts Options) *Stack {
	t.Helper()
	log := &logger.EmptyLogger{}

	adminKey, admin := testutil.NewKey(t)
	ledger := testutil.NewFakeLedger(t, admin)

	g, err := gateway.New([]string{ledger.URL()}, gateway.Options{HealthCheckTimeout: time.Second}, log)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	client := chainclient.New(g, log)

	token, err := contracts.NewRWAToken(testutil.TestContractID)
	require.NoError(t, err)

	if opts.PollAttempts == 0 {
		opts.PollAttempts = 10
	}
	if opts.InFlightWindow == 0 {
		opts.InFlightWindow = time.Minute
	}
	if opts.TxTimeout == 0 {
		opts.TxTimeout = 5 * time.Minute
	}

	var adminSigner *signer.KeySigner
	if !opts.NoAdmin {
		adminSigner, err = signer.NewKeySigner(hexutil.Encode(crypto.FromECDSA(adminKey)))
		require.NoError(t, err)
	}

	store := registry.NewMemoryStore()
	reg := registry.New(store, nil, opts.InFlightWindow, log)
	timeoutSeconds := uint32(opts.TxTimeout / time.Second)
	if timeoutSeconds == 0 {
		timeoutSeconds = 1
	}

	eng := engine.New(engine.Components{
		Builder:    txbuilder.NewBuilder(client, testutil.TestPassphrase, 100, timeoutSeconds),
		Simulator:  txbuilder.NewSimulator(client),
		Submitter:  submitter.New(client, log),
		Poller:     submitter.NewPoller(client, opts.PollAttempts, FastSchedule, log),
		Registry:   reg,
		Token:      token,
		Admin:      adminSigner,
		Sessions:   opts.Sessions,
		ViewSource: admin,
		TxTimeout:  opts.TxTimeout,
	}, log)

	return &Stack{
		Ledger:   ledger,
		Gateway:  g,
		Client:   client,
		Store:    store,
		Registry: reg,
		Engine:   eng,
		AdminKey: adminKey,
		Admin:    admin,
	}
}

// SessionUser creates a funded account with a registered session signer
func SessionUser(t *testing.T, s *Stack, sessions *signer.StaticSessions) (string, *signer.KeySigner) {
	t.Helper()
	key, addr := testutil.NewKey(t)
	ks, err := signer.NewKeySigner(hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)
	s.Ledger.FundAccount(addr)
	sessions.Register(addr, ks)
	return addr, ks
}
