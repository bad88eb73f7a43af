package signer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/rwa-runner/pkg/envelope"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/testutil"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsignedFor(t *testing.T, source string) string {
	env := &envelope.Envelope{
		Network:  testutil.TestPassphrase,
		Source:   source,
		Sequence: 1,
		Fee:      100,
		Operation: envelope.Operation{
			Contract: testutil.TestContractID,
			Function: "add_to_whitelist",
			Args:     []models.Arg{{Type: models.ArgAddress, Value: testutil.GenerateAddress()}},
		},
	}
	s, err := env.Encode()
	require.NoError(t, err)
	return s
}

func TestKeySigner(t *testing.T) {
	key, addr := testutil.NewKey(t)
	s, err := NewKeySigner("0x" + hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address())

	_, err = NewKeySigner("zz")
	assert.Error(t, err)

	opts := Options{NetworkPassphrase: testutil.TestPassphrase, SignerAddress: addr}

	t.Run("signs its own envelopes", func(t *testing.T) {
		signed, err := s.Sign(context.Background(), unsignedFor(t, addr), opts)
		require.NoError(t, err)
		env, err := envelope.Decode(signed)
		require.NoError(t, err)
		assert.True(t, env.SignedBy(addr))
	})

	t.Run("refuses another signer address", func(t *testing.T) {
		other := testutil.GenerateAddress()
		_, err := s.Sign(context.Background(), unsignedFor(t, other), Options{NetworkPassphrase: testutil.TestPassphrase, SignerAddress: other})
		assert.True(t, txerr.Is(err, txerr.AuthorizationFailure))
	})

	t.Run("refuses another network", func(t *testing.T) {
		_, err := s.Sign(context.Background(), unsignedFor(t, addr), Options{NetworkPassphrase: "other", SignerAddress: addr})
		assert.True(t, txerr.Is(err, txerr.InvalidRequest))
	})
}

// fakeBridge signs with key unless told to answer otherwise
func fakeBridge(t *testing.T, key interface{ Sign(string) string }, status int, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK || key == nil {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		var req signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(signResponse{SignedTransaction: key.Sign(req.Transaction)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type walletKey struct {
	t      *testing.T
	signer *KeySigner
}

func (w walletKey) Sign(tx string) string {
	env, err := envelope.Decode(tx)
	require.NoError(w.t, err)
	require.NoError(w.t, env.Sign(w.signer.key))
	out, err := env.Encode()
	require.NoError(w.t, err)
	return out
}

func TestRemoteSigner(t *testing.T) {
	key, addr := testutil.NewKey(t)
	wallet := walletKey{t: t, signer: &KeySigner{key: key, address: addr}}
	opts := Options{NetworkPassphrase: testutil.TestPassphrase, SignerAddress: addr}

	tests := []struct {
		name     string
		key      interface{ Sign(string) string }
		status   int
		body     string
		wantKind txerr.Kind
	}{
		{name: "approved", key: wallet, status: http.StatusOK},
		{name: "forbidden means declined", status: http.StatusForbidden, wantKind: txerr.UserDeclined},
		{name: "declined status", status: http.StatusOK, body: `{"status":"declined"}`, wantKind: txerr.UserDeclined},
		{name: "no session", status: http.StatusNotFound, wantKind: txerr.AuthorizationFailure},
		{name: "bridge error", status: http.StatusBadGateway, wantKind: txerr.SignerUnavailable},
		{name: "empty answer", status: http.StatusOK, body: `{}`, wantKind: txerr.SignerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeBridge(t, tt.key, tt.status, tt.body)
			s := NewRemoteSigner(srv.URL+"/", &logger.EmptyLogger{})

			signed, err := s.Sign(context.Background(), unsignedFor(t, addr), opts)
			if tt.wantKind == txerr.Unknown {
				require.NoError(t, err)
				env, err := envelope.Decode(signed)
				require.NoError(t, err)
				assert.True(t, env.SignedBy(addr))
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, txerr.KindOf(err))
		})
	}

	t.Run("signature from another wallet", func(t *testing.T) {
		otherKey, otherAddr := testutil.NewKey(t)
		srv := fakeBridge(t, walletKey{t: t, signer: &KeySigner{key: otherKey, address: otherAddr}}, http.StatusOK, "")
		s := NewRemoteSigner(srv.URL, &logger.EmptyLogger{})

		_, err := s.Sign(context.Background(), unsignedFor(t, addr), opts)
		assert.True(t, txerr.Is(err, txerr.AuthorizationFailure))
	})

	t.Run("unreachable bridge", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		s := NewRemoteSigner(url, &logger.EmptyLogger{})
		_, err := s.Sign(context.Background(), unsignedFor(t, addr), opts)
		assert.True(t, txerr.Is(err, txerr.SignerUnavailable))
	})
}

func TestSessionDirectories(t *testing.T) {
	key, addr := testutil.NewKey(t)
	sessions := NewStaticSessions()

	_, err := sessions.SessionFor(addr)
	assert.True(t, txerr.Is(err, txerr.AuthorizationFailure))

	ks := &KeySigner{key: key, address: addr}
	sessions.Register(addr, ks)
	s, err := sessions.SessionFor(addr)
	require.NoError(t, err)
	assert.Equal(t, ks, s)

	sessions.Remove(addr)
	_, err = sessions.SessionFor(addr)
	assert.Error(t, err)

	_, err = NoSessions{}.SessionFor(addr)
	assert.True(t, txerr.Is(err, txerr.AuthorizationFailure))

	bridge := NewBridgeSessions(NewRemoteSigner("http://bridge", &logger.EmptyLogger{}))
	s, err = bridge.SessionFor(addr)
	require.NoError(t, err)
	assert.NotNil(t, s)
}
