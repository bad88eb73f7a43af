package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/metrics"
	"github.com/speedrun-hq/rwa-runner/pkg/mint"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/registry"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

var txHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

type mintRequest struct {
	DestinationAddress string `json:"destinationAddress"`
	Amount             string `json:"amount"`
	Source             string `json:"source,omitempty"`
	RequestID          string `json:"requestId,omitempty"`
}

type mintResponse struct {
	mint.Result
	Error string `json:"error,omitempty"`
}

type queueRequest struct {
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	RequestID string `json:"requestId,omitempty"`
}

type queueResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	QueueID string `json:"queueId"`
	Status  string `json:"status"`
}

type queueEntry struct {
	Success       bool       `json:"success"`
	QueueID       string     `json:"queueId"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	TransactionID string     `json:"transactionHash,omitempty"`
	Error         string     `json:"error,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type transactionDetails struct {
	Ledger           uint32 `json:"ledger,omitempty"`
	CreatedAt        string `json:"createdAt,omitempty"`
	ApplicationOrder int    `json:"applicationOrder,omitempty"`
}

type transactionResponse struct {
	Success   bool               `json:"success"`
	Hash      string             `json:"hash"`
	Status    string             `json:"status"`
	Details   transactionDetails `json:"details"`
	Cached    bool               `json:"cached,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// handleMint runs the full mint pipeline synchronously
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DestinationAddress == "" || req.Amount == "" {
		s.writeError(w, http.StatusBadRequest, "missing required fields: destinationAddress and amount")
		return
	}

	res, err := s.orchestrator.Mint(r.Context(), mint.Request{
		ID:     req.RequestID,
		To:     req.DestinationAddress,
		Amount: req.Amount,
		Source: req.Source,
	})
	if err != nil {
		if txerr.Is(err, txerr.InvalidRequest) {
			s.writeError(w, http.StatusBadRequest, txerr.UserMessage(err))
			return
		}
		s.logger.ErrorWithComponent(logger.API, "Mint to %s failed: %v", req.DestinationAddress, err)
		resp := mintResponse{Error: txerr.UserMessage(err)}
		if res != nil {
			resp.Result = *res
		}
		resp.Success = false
		s.writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	status := http.StatusOK
	if !res.Success {
		// dead-lettered
		status = http.StatusConflict
	}
	s.writeJSON(w, status, mintResponse{Result: *res})
}

// handleEnqueue registers a mint for background delivery
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" || req.Amount == "" {
		s.writeError(w, http.StatusBadRequest, "missing required fields: address and amount")
		return
	}

	res, err := s.orchestrator.Enqueue(r.Context(), mint.Request{ID: req.RequestID, To: req.Address, Amount: req.Amount})
	if err != nil {
		if txerr.Is(err, txerr.InvalidRequest) {
			s.writeError(w, http.StatusBadRequest, txerr.UserMessage(err))
			return
		}
		s.logger.ErrorWithComponent(logger.API, "Failed to queue mint to %s: %v", req.Address, err)
		s.writeError(w, http.StatusInternalServerError, "failed to queue mint request")
		return
	}

	s.writeJSON(w, http.StatusAccepted, queueResponse{
		Success: res.Success,
		Message: res.Message,
		QueueID: res.OperationID,
		Status:  string(res.Status),
	})
}

// handleQueueStatus returns one queue entry, or counts by status when no id is given
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()
	id := r.URL.Query().Get("id")
	if id == "" {
		stats, err := reg.Stats(r.Context())
		if err != nil {
			s.logger.ErrorWithComponent(logger.API, "Failed to read queue stats: %v", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read queue stats")
			return
		}
		counts := map[string]interface{}{"success": true}
		total := 0
		for status, n := range stats {
			counts[string(status)] = n
			total += n
		}
		counts["total"] = total
		s.writeJSON(w, http.StatusOK, counts)
		return
	}

	op, err := reg.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}
	if err != nil {
		s.logger.ErrorWithComponent(logger.API, "Failed to read queue entry %s: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "failed to read queue entry")
		return
	}

	entry := queueEntry{
		Success:       true,
		QueueID:       op.ID,
		Status:        string(op.Status),
		Attempts:      op.Attempts,
		TransactionID: op.Result.TransactionID,
		Error:         op.Result.Error,
		CreatedAt:     op.CreatedAt,
	}
	if !op.LastAttemptAt.IsZero() {
		at := op.LastAttemptAt
		entry.LastAttemptAt = &at
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// handleCheckTransaction reports the ledger status of a transaction. Results,
// including failed lookups reported as PENDING, are cached briefly.
func (s *Server) handleCheckTransaction(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimPrefix(r.URL.Query().Get("hash"), "0x")
	if hash == "" {
		s.writeError(w, http.StatusBadRequest, "transaction hash is required")
		return
	}
	if !txHashPattern.MatchString(hash) {
		s.writeError(w, http.StatusBadRequest, "invalid transaction hash format")
		return
	}
	hash = strings.ToLower(hash)
	ctx := r.Context()

	if cached, ok := s.cache.Get(ctx, hash); ok {
		metrics.TxCacheLookups.WithLabelValues("hit").Inc()
		resp := transactionResponseFrom(hash, cached, s.now())
		resp.Cached = true
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	metrics.TxCacheLookups.WithLabelValues("miss").Inc()

	result, err := s.checker.CheckOnce(ctx, hash)
	if err != nil {
		s.logger.ErrorWithComponent(logger.API, "Transaction lookup for %s failed: %v", hash, err)
		result = models.ConfirmationResult{Status: models.ConfirmationPending, TransactionID: hash}
	}
	s.cache.Set(ctx, hash, result)
	s.writeJSON(w, http.StatusOK, transactionResponseFrom(hash, result, s.now()))
}

func transactionResponseFrom(hash string, result models.ConfirmationResult, now time.Time) transactionResponse {
	return transactionResponse{
		Success: true,
		Hash:    hash,
		Status:  string(result.Status),
		Details: transactionDetails{
			Ledger:           result.LedgerSequence,
			CreatedAt:        result.CreatedAt,
			ApplicationOrder: result.ApplicationOrder,
		},
		Timestamp: now.UnixMilli(),
	}
}

// handleCheckAdmin reports whether address is the token admin
func (s *Server) handleCheckAdmin(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if err := contracts.ValidateAddress("address", address); err != nil {
		s.writeError(w, http.StatusBadRequest, txerr.UserMessage(err))
		return
	}

	admin := s.engine.AdminAddress()
	if admin == "" {
		// no server credential: ask the contract
		var err error
		admin, err = s.engine.GetAdmin(r.Context())
		if err != nil {
			s.logger.ErrorWithComponent(logger.API, "Failed to read contract admin: %v", err)
			s.writeError(w, http.StatusBadGateway, txerr.UserMessage(err))
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"address": address,
		"isAdmin": strings.EqualFold(address, admin),
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Success: false, Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.ErrorWithComponent(logger.API, "Error encoding response: %v", err)
	}
}
