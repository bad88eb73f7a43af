package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/engine/enginetest"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/mint"
	"github.com/speedrun-hq/rwa-runner/pkg/submitter"
	"github.com/speedrun-hq/rwa-runner/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts enginetest.Options, apiKey string) (*enginetest.Stack, *Server) {
	s := enginetest.NewStack(t, opts)
	log := &logger.EmptyLogger{}
	srv := NewServer("0",
		mint.NewOrchestrator(s.Engine, log),
		s.Engine,
		submitter.NewPoller(s.Client, 1, enginetest.FastSchedule, log),
		chainclient.NewMemoryStatusCache(30*time.Second),
		apiKey,
		log,
	)
	return s, srv
}

func do(t *testing.T, srv *Server, method, target string, body interface{}, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestMintEndpoint(t *testing.T) {
	s, srv := newTestServer(t, enginetest.Options{}, "")
	user := testutil.GenerateAddress()

	rec, body := do(t, srv, http.MethodPost, "/mint", map[string]string{
		"destinationAddress": user,
		"amount":             "25",
		"requestId":          "api-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "api-1", body["operationId"])
	assert.Regexp(t, `^[0-9a-f]{64}$`, body["transactionHash"])
	assert.Equal(t, mint.MessageMinted, body["message"])
	assert.Equal(t, "25", s.Ledger.Balance(user))

	rec, body = do(t, srv, http.MethodPost, "/mint", map[string]string{
		"destinationAddress": user,
		"amount":             "25",
		"requestId":          "api-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mint.MessageAlready, body["message"])
	assert.Equal(t, 1, s.Ledger.Calls("sendTransaction"))

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing amount", map[string]string{"destinationAddress": user}},
		{"missing destination", map[string]string{"amount": "1"}},
		{"malformed address", map[string]string{"destinationAddress": "nope", "amount": "1"}},
		{"zero amount", map[string]string{"destinationAddress": user, "amount": "0"}},
		{"not json", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, srv, http.MethodPost, "/mint", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestMintEndpoint_Failures(t *testing.T) {
	t.Run("business rule", func(t *testing.T) {
		s, srv := newTestServer(t, enginetest.Options{}, "")
		s.Ledger.SetPaused(true)

		rec, body := do(t, srv, http.MethodPost, "/mint", map[string]string{
			"destinationAddress": testutil.GenerateAddress(),
			"amount":             "1",
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "contract is currently paused", body["error"])
	})

	t.Run("queued", func(t *testing.T) {
		_, srv := newTestServer(t, enginetest.Options{NoAdmin: true}, "")

		rec, body := do(t, srv, http.MethodPost, "/mint", map[string]string{
			"destinationAddress": testutil.GenerateAddress(),
			"amount":             "1",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, true, body["queued"])
		assert.Nil(t, body["transactionHash"])
	})
}

func TestQueueEndpoints(t *testing.T) {
	s, srv := newTestServer(t, enginetest.Options{}, "")

	rec, body := do(t, srv, http.MethodPost, "/queue", map[string]string{
		"address": testutil.GenerateAddress(),
		"amount":  "3",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "queued", body["status"])
	queueID, _ := body["queueId"].(string)
	require.NotEmpty(t, queueID)
	assert.Zero(t, s.Ledger.Calls("simulateTransaction"))

	rec, body = do(t, srv, http.MethodGet, "/queue?id="+queueID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, float64(0), body["attempts"])
	assert.Nil(t, body["lastAttemptAt"])

	rec, body = do(t, srv, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(1), body["queued"])
	assert.Equal(t, float64(0), body["dead_lettered"])

	rec, _ = do(t, srv, http.MethodGet, "/queue?id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, srv, http.MethodPost, "/queue", map[string]string{"address": testutil.GenerateAddress()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckTransactionEndpoint(t *testing.T) {
	s, srv := newTestServer(t, enginetest.Options{}, "")

	_, minted := do(t, srv, http.MethodPost, "/mint", map[string]string{
		"destinationAddress": testutil.GenerateAddress(),
		"amount":             "1",
	})
	hash, _ := minted["transactionHash"].(string)
	require.NotEmpty(t, hash)

	lookups := s.Ledger.Calls("getTransaction")
	rec, body := do(t, srv, http.MethodGet, "/check-transaction?hash="+hash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Nil(t, body["cached"])
	details, _ := body["details"].(map[string]interface{})
	assert.NotZero(t, details["ledger"])

	_, body = do(t, srv, http.MethodGet, "/check-transaction?hash=0x"+hash, nil)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, lookups+1, s.Ledger.Calls("getTransaction"))

	t.Run("unknown transaction is pending", func(t *testing.T) {
		unknown := strings.Repeat("d", 64)
		_, body := do(t, srv, http.MethodGet, "/check-transaction?hash="+unknown, nil)
		assert.Equal(t, "PENDING", body["status"])
	})

	t.Run("lookup failure is cached as pending", func(t *testing.T) {
		s.Ledger.SetDown(true)
		defer s.Ledger.SetDown(false)
		other := strings.Repeat("e", 64)

		_, body := do(t, srv, http.MethodGet, "/check-transaction?hash="+other, nil)
		assert.Equal(t, "PENDING", body["status"])
		_, body = do(t, srv, http.MethodGet, "/check-transaction?hash="+other, nil)
		assert.Equal(t, true, body["cached"])
	})

	for _, bad := range []string{"", "xyz", "0x1234"} {
		rec, _ := do(t, srv, http.MethodGet, "/check-transaction?hash="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "hash %q", bad)
	}
}

func TestCheckAdminEndpoint(t *testing.T) {
	for _, noAdmin := range []bool{false, true} {
		s, srv := newTestServer(t, enginetest.Options{NoAdmin: noAdmin}, "")

		_, body := do(t, srv, http.MethodGet, "/check-admin?address="+s.Admin, nil)
		assert.Equal(t, true, body["isAdmin"], "credential configured: %v", !noAdmin)

		_, body = do(t, srv, http.MethodGet, "/check-admin?address="+testutil.GenerateAddress(), nil)
		assert.Equal(t, false, body["isAdmin"])
	}

	_, srv := newTestServer(t, enginetest.Options{}, "")
	rec, _ := do(t, srv, http.MethodGet, "/check-admin?address=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequireBearer(t *testing.T) {
	_, srv := newTestServer(t, enginetest.Options{}, "secret")

	rec, _ := do(t, srv, http.MethodGet, "/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/queue", nil, "Authorization", "Token secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/queue", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/queue", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}
