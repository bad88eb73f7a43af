package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/envelope"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

type signRequest struct {
	Transaction       string `json:"transaction"`
	NetworkPassphrase string `json:"networkPassphrase"`
	Address           string `json:"address"`
}

type signResponse struct {
	SignedTransaction string `json:"signedTransaction,omitempty"`
	Status            string `json:"status,omitempty"`
	Error             string `json:"error,omitempty"`
}

// RemoteSigner asks a wallet bridge to have the user's wallet sign an envelope.
// The bridge answers 403 or status "declined" when the user refuses, and 404 when
// the address has no open session.
type RemoteSigner struct {
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

// NewRemoteSigner creates a new wallet bridge client
func NewRemoteSigner(endpoint string, log logger.Logger) *RemoteSigner {
	return &RemoteSigner{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: createHTTPClient(),
		logger:     log,
	}
}

// Sign implements Signer
func (s *RemoteSigner) Sign(ctx context.Context, tx string, opts Options) (string, error) {
	body, err := json.Marshal(signRequest{
		Transaction:       tx,
		NetworkPassphrase: opts.NetworkPassphrase,
		Address:           opts.SignerAddress,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sign request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return "", txerr.Wrap(txerr.SignerUnavailable, err, "")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", txerr.Wrap(txerr.Timeout, err, "wallet bridge")
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", txerr.Wrap(txerr.Canceled, err, "wallet bridge")
		}
		return "", txerr.Wrap(txerr.SignerUnavailable, err, "wallet bridge unreachable")
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			s.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	// Read the response body regardless of status code
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", txerr.Wrap(txerr.SignerUnavailable, err, "failed to read response body")
	}

	var out signResponse
	_ = json.Unmarshal(bodyBytes, &out)

	switch {
	case resp.StatusCode == http.StatusForbidden || out.Status == "declined":
		return "", txerr.New(txerr.UserDeclined, "%s declined the signature request", opts.SignerAddress)
	case resp.StatusCode == http.StatusNotFound:
		return "", txerr.New(txerr.AuthorizationFailure, "no wallet session for %s", opts.SignerAddress)
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", txerr.New(txerr.SignerUnavailable, "wallet bridge returned %d: %s", resp.StatusCode, string(bodyBytes))
	case resp.StatusCode != http.StatusOK:
		return "", txerr.New(txerr.SignerUnavailable, "unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	case out.SignedTransaction == "":
		return "", txerr.New(txerr.SignerUnavailable, "wallet bridge returned no signed transaction")
	}

	signed, err := envelope.Decode(out.SignedTransaction)
	if err != nil {
		return "", txerr.Wrap(txerr.SignerUnavailable, err, "wallet bridge returned an invalid envelope")
	}
	if !signed.SignedBy(opts.SignerAddress) {
		return "", txerr.New(txerr.AuthorizationFailure, "wallet signature does not belong to %s", opts.SignerAddress)
	}

	s.logger.DebugWithComponent(logger.Engine, "Wallet bridge signed transaction for %s", opts.SignerAddress)
	return out.SignedTransaction, nil
}

// BridgeSessions treats every address as having a session on the wallet bridge;
// the bridge itself answers when it does not
type BridgeSessions struct {
	signer *RemoteSigner
}

// NewBridgeSessions creates a directory backed by the wallet bridge
func NewBridgeSessions(s *RemoteSigner) *BridgeSessions {
	return &BridgeSessions{signer: s}
}

// SessionFor implements SessionDirectory
func (d *BridgeSessions) SessionFor(string) (Signer, error) {
	return d.signer, nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
