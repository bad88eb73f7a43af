package testutil

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/rwa-runner/pkg/envelope"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/stretchr/testify/require"
)

// Constants for testing
const (
	TestPassphrase  = "Test SDF Network ; September 2015"
	TestContractID  = "0x00000000000000000000000000000000000000C1"
	MinResourceFee  = 5000
	DefaultTestWait = 5 * time.Second
)

// Host errors returned by the fake ledger
const (
	authError    = "HostError: Error(Auth, InvalidAction)"
	panicError   = "HostError: Error(WasmVm, InvalidAction): contract panicked: %q"
	storageError = "HostError: Error(Storage, MissingValue): %s"
)

type fakeTx struct {
	status    string
	ledger    uint32
	createdAt int64
	order     int
	detail    string
	polls     int
}

// FakeLedger is an httptest JSON-RPC server that applies the RWA token contract
// rules to in-memory state. It speaks the same protocol as the real RPC endpoints.
type FakeLedger struct {
	Server     *httptest.Server
	Passphrase string
	ContractID string
	Admin      string

	mu            sync.Mutex
	down          bool
	loseSends     bool
	healthStatus  string
	ledger        uint32
	timestamp     int64
	accounts      map[string]int64
	balances      map[string]*big.Int
	whitelist     map[string]bool
	compliance    map[string]models.ComplianceData
	paused        bool
	totalSupply   *big.Int
	txs           map[string]*fakeTx
	calls         map[string]int
	confirmAfter  int
	neverConfirm  bool
	forcedStatus  string
	forcedCode    string
	forcedSimErr  string
	simulateDelay time.Duration
}

// NewFakeLedger starts a fake ledger whose contract is administered by admin
func NewFakeLedger(t *testing.T, admin string) *FakeLedger {
	f := &FakeLedger{
		Passphrase:   TestPassphrase,
		ContractID:   TestContractID,
		Admin:        admin,
		healthStatus: "healthy",
		ledger:       1000,
		timestamp:    time.Now().Unix(),
		accounts:     make(map[string]int64),
		balances:     make(map[string]*big.Int),
		whitelist:    make(map[string]bool),
		compliance:   make(map[string]models.ComplianceData),
		totalSupply:  new(big.Int),
		txs:          make(map[string]*fakeTx),
		calls:        make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	if admin != "" {
		f.FundAccount(admin)
	}
	return f
}

// NewKey generates a key and returns it with its address
func NewKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// GenerateAddress creates a random address for testing
func GenerateAddress() string {
	key, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// URL returns the RPC endpoint of the fake ledger
func (f *FakeLedger) URL() string { return f.Server.URL }

func norm(addr string) string { return strings.ToLower(addr) }

// FundAccount creates the account on the ledger with sequence 0
func (f *FakeLedger) FundAccount(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[norm(addr)]; !ok {
		f.accounts[norm(addr)] = 0
	}
}

// SetBalance sets the token balance of addr
func (f *FakeLedger) SetBalance(addr, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := new(big.Int).SetString(amount, 10)
	old := f.balanceLocked(addr)
	f.totalSupply.Add(f.totalSupply, new(big.Int).Sub(v, old))
	f.balances[norm(addr)] = v
}

// Approve whitelists addr and gives it a valid compliance record
func (f *FakeLedger) Approve(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whitelist[norm(addr)] = true
	f.compliance[norm(addr)] = models.ComplianceData{
		KYCVerified:      true,
		Jurisdiction:     "US",
		ComplianceExpiry: uint64(f.timestamp + 86400),
	}
}

// SetCompliance stores a compliance record for addr
func (f *FakeLedger) SetCompliance(addr string, data models.ComplianceData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compliance[norm(addr)] = data
}

// SetPaused pauses or unpauses the contract
func (f *FakeLedger) SetPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = paused
}

// SetDown makes every request fail with 503
func (f *FakeLedger) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// SetLoseSendResponses makes sendTransaction apply the transaction as usual but
// answer 502, as when a proxy drops the response on its way back
func (f *FakeLedger) SetLoseSendResponses(lose bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loseSends = lose
}

// SetHealthStatus changes the status reported by getHealth
func (f *FakeLedger) SetHealthStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthStatus = status
}

// SetConfirmAfter makes getTransaction answer NOT_FOUND n times before resolving
func (f *FakeLedger) SetConfirmAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmAfter = n
}

// SetNeverConfirm makes submitted transactions stay NOT_FOUND forever
func (f *FakeLedger) SetNeverConfirm(never bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neverConfirm = never
}

// ForceSendStatus makes sendTransaction answer status (and result code) without applying anything
func (f *FakeLedger) ForceSendStatus(status, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forcedStatus = status
	f.forcedCode = code
}

// ForceSimulationError makes simulateTransaction fail with raw
func (f *FakeLedger) ForceSimulationError(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forcedSimErr = raw
}

// SetSimulateDelay delays every simulation
func (f *FakeLedger) SetSimulateDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateDelay = d
}

// Calls returns how many times method was requested
func (f *FakeLedger) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Balance returns the token balance of addr
func (f *FakeLedger) Balance(addr string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceLocked(addr).String()
}

// Whitelisted reports whether addr is on the whitelist
func (f *FakeLedger) Whitelisted(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.whitelist[norm(addr)]
}

// Compliance returns the compliance record of addr
func (f *FakeLedger) Compliance(addr string) (models.ComplianceData, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.compliance[norm(addr)]
	return c, ok
}

// Sequence returns the account sequence of addr
func (f *FakeLedger) Sequence(addr string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[norm(addr)]
}

// TxStatus returns the recorded status of a transaction, or NOT_FOUND
func (f *FakeLedger) TxStatus(hash string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[hash]; ok {
		return tx.status
	}
	return "NOT_FOUND"
}

// TransactionCount returns how many transactions reached the ledger
func (f *FakeLedger) TransactionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

func (f *FakeLedger) balanceLocked(addr string) *big.Int {
	if b, ok := f.balances[norm(addr)]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (f *FakeLedger) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Method]++
	down := f.down
	delay := f.simulateDelay
	f.mu.Unlock()

	if down {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if req.Method == "simulateTransaction" && delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	var params json.RawMessage
	if len(req.Params) > 0 {
		params = req.Params[0]
	}

	resp := rpcResponse{Version: "2.0", ID: req.ID}
	result, rerr := f.dispatch(req.Method, params)

	f.mu.Lock()
	lose := f.loseSends && req.Method == "sendTransaction"
	f.mu.Unlock()
	if lose {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Result = result
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *FakeLedger) dispatch(method string, params json.RawMessage) (interface{}, *rpcError) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch method {
	case "getHealth":
		return map[string]interface{}{"status": f.healthStatus, "latestLedger": f.ledger}, nil

	case "getAccount":
		var p struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Address == "" {
			return nil, &rpcError{Code: -32602, Message: "invalid params"}
		}
		seq, ok := f.accounts[norm(p.Address)]
		if !ok {
			return nil, nil
		}
		return map[string]interface{}{"id": p.Address, "sequence": strconv.FormatInt(seq, 10)}, nil

	case "simulateTransaction":
		env, rerr := decodeTxParam(params)
		if rerr != nil {
			return nil, rerr
		}
		return f.simulate(env), nil

	case "sendTransaction":
		env, rerr := decodeTxParam(params)
		if rerr != nil {
			return nil, rerr
		}
		return f.send(env), nil

	case "getTransaction":
		var p struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Hash == "" {
			return nil, &rpcError{Code: -32602, Message: "invalid params"}
		}
		return f.getTransaction(p.Hash), nil
	}
	return nil, &rpcError{Code: -32601, Message: fmt.Sprintf("method %s not found", method)}
}

func decodeTxParam(params json.RawMessage) (*envelope.Envelope, *rpcError) {
	var p struct {
		Transaction string `json:"transaction"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Transaction == "" {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}
	env, err := envelope.Decode(p.Transaction)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: err.Error()}
	}
	return env, nil
}

func (f *FakeLedger) simulate(env *envelope.Envelope) map[string]interface{} {
	out := map[string]interface{}{"latestLedger": f.ledger}
	if f.forcedSimErr != "" {
		out["error"] = f.forcedSimErr
		return out
	}
	if _, ok := f.accounts[norm(env.Source)]; !ok {
		out["error"] = fmt.Sprintf(storageError, "source account not found")
		return out
	}

	retval, errStr := f.execute(env, false)
	if errStr != "" {
		out["error"] = errStr
		return out
	}
	out["minResourceFee"] = strconv.Itoa(MinResourceFee)
	out["transactionData"] = "footprint:" + env.Operation.Function
	out["results"] = []map[string]interface{}{{"retval": retval}}
	return out
}

func (f *FakeLedger) send(env *envelope.Envelope) map[string]interface{} {
	hash, _ := env.TxID()
	out := map[string]interface{}{"hash": hash, "latestLedger": f.ledger}

	reject := func(code string) map[string]interface{} {
		out["status"] = "ERROR"
		out["errorResult"] = code
		return out
	}

	if f.forcedStatus != "" {
		out["status"] = f.forcedStatus
		if f.forcedCode != "" {
			out["errorResult"] = f.forcedCode
		}
		return out
	}
	if _, ok := f.txs[hash]; ok {
		out["status"] = "DUPLICATE"
		return out
	}

	seq, ok := f.accounts[norm(env.Source)]
	if !ok {
		return reject("txNO_ACCOUNT")
	}
	if env.Sequence != seq+1 {
		return reject("txBAD_SEQ")
	}
	if !env.SignedBy(env.Source) {
		return reject("txBAD_AUTH")
	}
	if env.Resources == nil || env.Resources.TransactionData == "" {
		return reject("txMALFORMED")
	}
	if int64(env.Fee) < env.Resources.MinResourceFee {
		return reject("txINSUFFICIENT_FEE")
	}
	if env.ValidUntil != 0 && env.ValidUntil < f.timestamp {
		return reject("txTOO_LATE")
	}

	f.accounts[norm(env.Source)] = seq + 1
	f.ledger++
	tx := &fakeTx{status: "SUCCESS", ledger: f.ledger, createdAt: f.timestamp, order: 1}
	if _, errStr := f.execute(env, true); errStr != "" {
		tx.status = "FAILED"
		tx.detail = errStr
	}
	f.txs[hash] = tx

	out["status"] = "PENDING"
	return out
}

func (f *FakeLedger) getTransaction(hash string) map[string]interface{} {
	out := map[string]interface{}{"latestLedger": f.ledger}
	tx, ok := f.txs[hash]
	if !ok || f.neverConfirm || tx.polls < f.confirmAfter {
		if ok {
			tx.polls++
		}
		out["status"] = "NOT_FOUND"
		return out
	}
	out["status"] = tx.status
	out["ledger"] = tx.ledger
	out["createdAt"] = strconv.FormatInt(tx.createdAt, 10)
	out["applicationOrder"] = tx.order
	if tx.detail != "" {
		out["resultXdr"] = tx.detail
	}
	return out
}

func argString(args []models.Arg, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].Value.(string)
	return s
}

func argAmount(args []models.Arg, i int) *big.Int {
	v, ok := new(big.Int).SetString(argString(args, i), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func argCompliance(args []models.Arg, i int) (models.ComplianceData, bool) {
	var data models.ComplianceData
	if i >= len(args) {
		return data, false
	}
	m, ok := args[i].Value.(map[string]interface{})
	if !ok {
		return data, false
	}
	data.KYCVerified, _ = m["kyc_verified"].(bool)
	data.AccreditedInvestor, _ = m["accredited_investor"].(bool)
	data.Jurisdiction, _ = m["jurisdiction"].(string)
	expiry, _ := m["compliance_expiry"].(string)
	data.ComplianceExpiry, _ = strconv.ParseUint(expiry, 10, 64)
	return data, true
}

// execute runs the contract function. When commit is false no state changes.
func (f *FakeLedger) execute(env *envelope.Envelope, commit bool) (interface{}, string) {
	op := env.Operation
	if !strings.EqualFold(op.Contract, f.ContractID) {
		return nil, fmt.Sprintf(storageError, "contract not found")
	}
	panicked := func(msg string) (interface{}, string) {
		return nil, fmt.Sprintf(panicError, msg)
	}
	requireAdmin := func() bool {
		return strings.EqualFold(env.Source, f.Admin)
	}
	requireCompliance := func(addr string) string {
		c, ok := f.compliance[norm(addr)]
		switch {
		case !ok:
			return "Compliance data not found"
		case !c.KYCVerified:
			return "KYC verification required"
		case uint64(f.timestamp) > c.ComplianceExpiry:
			return "Compliance verification expired"
		}
		return ""
	}

	switch op.Function {
	case "mint_simple":
		if !requireAdmin() {
			return nil, authError
		}
		if f.paused {
			return panicked("Contract is paused")
		}
		if commit {
			to, amount := argString(op.Args, 0), argAmount(op.Args, 1)
			f.balances[norm(to)] = new(big.Int).Add(f.balanceLocked(to), amount)
			f.totalSupply.Add(f.totalSupply, amount)
		}
		return nil, ""

	case "transfer":
		from, to, amount := argString(op.Args, 0), argString(op.Args, 1), argAmount(op.Args, 2)
		if f.paused {
			return panicked("Contract is paused")
		}
		if msg := requireCompliance(to); msg != "" {
			return panicked(msg)
		}
		if !f.whitelist[norm(to)] {
			return panicked("Address not whitelisted")
		}
		if !strings.EqualFold(env.Source, from) {
			return nil, authError
		}
		fromBalance := f.balanceLocked(from)
		if fromBalance.Cmp(amount) < 0 {
			return panicked("Insufficient balance")
		}
		if commit {
			f.balances[norm(from)] = fromBalance.Sub(fromBalance, amount)
			f.balances[norm(to)] = new(big.Int).Add(f.balanceLocked(to), amount)
		}
		return nil, ""

	case "burn":
		if !requireAdmin() {
			return nil, authError
		}
		if f.paused {
			return panicked("Contract is paused")
		}
		from, amount := argString(op.Args, 0), argAmount(op.Args, 1)
		balance := f.balanceLocked(from)
		if balance.Cmp(amount) < 0 {
			return panicked("Insufficient balance to burn")
		}
		if commit {
			f.balances[norm(from)] = balance.Sub(balance, amount)
			f.totalSupply.Sub(f.totalSupply, amount)
		}
		return nil, ""

	case "add_to_whitelist", "remove_from_whitelist":
		if !requireAdmin() {
			return nil, authError
		}
		if commit {
			f.whitelist[norm(argString(op.Args, 0))] = op.Function == "add_to_whitelist"
		}
		return nil, ""

	case "add_compliance":
		if !requireAdmin() {
			return nil, authError
		}
		data, ok := argCompliance(op.Args, 1)
		if !ok {
			return nil, "HostError: Error(Value, UnexpectedType)"
		}
		if commit {
			f.compliance[norm(argString(op.Args, 0))] = data
		}
		return nil, ""

	case "balance":
		return f.balanceLocked(argString(op.Args, 0)).String(), ""
	case "is_whitelisted":
		return f.whitelist[norm(argString(op.Args, 0))], ""
	case "get_compliance":
		c, ok := f.compliance[norm(argString(op.Args, 0))]
		if !ok {
			return nil, ""
		}
		return map[string]interface{}{
			"kyc_verified":        c.KYCVerified,
			"accredited_investor": c.AccreditedInvestor,
			"jurisdiction":        c.Jurisdiction,
			"compliance_expiry":   strconv.FormatUint(c.ComplianceExpiry, 10),
		}, ""
	case "is_paused":
		return f.paused, ""
	case "get_admin":
		return f.Admin, ""
	case "get_total_supply":
		return f.totalSupply.String(), ""
	}
	return nil, "HostError: Error(WasmVm, MissingValue): function not found"
}
