package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rampledger/core"
	"rampledger/crypto"
	"rampledger/native/bank"
	"rampledger/native/common"
	"rampledger/native/ramp"
	"rampledger/native/registry"
	"rampledger/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxMutations    = 60
	authTokenEnv    = "RAMP_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020

	codeRampInvalidParams = -32021
	codeRampNotFound      = -32022
	codeRampForbidden     = -32023
	codeRampConflict      = -32024

	codeIdentityInvalid  = -32031
	codeIdentityConflict = -32032

	codeBankConflict = -32041
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server exposes the ledger node over JSON-RPC 2.0 plus a websocket event
// stream and the Prometheus scrape endpoint.
type Server struct {
	node *core.Node

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
}

// NewServer wraps the node. The bearer token for mutating methods is read
// from RAMP_RPC_TOKEN; when unset, mutating methods are rejected.
func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv(authTokenEnv))
	return &Server{
		node:         node,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    token,
	}
}

// Handler returns the HTTP handler serving the RPC surface. Exposed for tests
// and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves the RPC surface on addr and blocks.
func (s *Server) Start(addr string) error {
	fmt.Printf("Starting JSON-RPC server on %s\n", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle routes a JSON-RPC request to its method handler.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w}
	s.dispatch(recorder, r, req)
	observability.RPC().Observe(req.Method, recorder.ok(), time.Since(started))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) ok() bool {
	return r.status == 0 || r.status == http.StatusOK
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	mutating := true
	switch req.Method {
	case "identity_resolve", "identity_resolveAlias",
		"ramp_getDeposit", "ramp_listDeposits", "ramp_getIntent", "ramp_identityState",
		"ramp_completeIntent", // unauthenticated by design: proof validation is out of scope
		"params_get", "bank_balance", "sync_events":
		mutating = false
	}
	if mutating {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allowSource(clientSource(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
			return
		}
	}

	switch req.Method {
	case "identity_register":
		s.handleIdentityRegister(w, req)
	case "identity_resolve":
		s.handleIdentityResolve(w, req)
	case "identity_setAlias":
		s.handleIdentitySetAlias(w, req)
	case "identity_resolveAlias":
		s.handleIdentityResolveAlias(w, req)
	case "ramp_createDeposit":
		s.handleCreateDeposit(w, req)
	case "ramp_getDeposit":
		s.handleGetDeposit(w, req)
	case "ramp_listDeposits":
		s.handleListDeposits(w, req)
	case "ramp_signalIntent":
		s.handleSignalIntent(w, req)
	case "ramp_cancelIntent":
		s.handleCancelIntent(w, req)
	case "ramp_completeIntent":
		s.handleCompleteIntent(w, req)
	case "ramp_releaseIntent":
		s.handleReleaseIntent(w, req)
	case "ramp_withdraw":
		s.handleWithdraw(w, req)
	case "ramp_getIntent":
		s.handleGetIntent(w, req)
	case "ramp_identityState":
		s.handleIdentityState(w, req)
	case "ramp_denylistAdd":
		s.handleDenylistAdd(w, req)
	case "ramp_denylistRemove":
		s.handleDenylistRemove(w, req)
	case "params_get":
		s.handleParamsGet(w, req)
	case "params_set":
		s.handleParamsSet(w, req)
	case "bank_balance":
		s.handleBankBalance(w, req)
	case "bank_mint":
		s.handleBankMint(w, req)
	case "sync_events":
		s.handleSyncEvents(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxMutations {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Shared parsing helpers ---

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return addr, err
	}
	copy(addr[:], decoded.Bytes())
	return addr, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a base 10 integer")
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}

func parseHash32(raw string) ([32]byte, error) {
	var hash [32]byte
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(trimmed) != 64 {
		return hash, fmt.Errorf("want 32 byte hex value, got %d chars", len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return hash, err
	}
	copy(hash[:], decoded)
	return hash, nil
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("parameter object required")
	}
	return json.Unmarshal(req.Params[0], out)
}

func addressString(addr [20]byte) string {
	return crypto.NewAddress(crypto.RampPrefix, addr[:]).String()
}

// writeModuleError maps domain errors onto the module error code blocks.
func writeModuleError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, ramp.ErrDepositNotFound), errors.Is(err, ramp.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, id, codeRampNotFound, err.Error(), nil)
	case errors.Is(err, ramp.ErrUnauthorized), errors.Is(err, core.ErrNotOwner):
		writeError(w, http.StatusForbidden, id, codeRampForbidden, err.Error(), nil)
	case errors.Is(err, ramp.ErrInvalidAmount), errors.Is(err, ramp.ErrInvalidPayout),
		errors.Is(err, ramp.ErrDepositBelowMinimum), errors.Is(err, ramp.ErrAmountAboveMax):
		writeError(w, http.StatusBadRequest, id, codeRampInvalidParams, err.Error(), nil)
	case errors.Is(err, ramp.ErrInsufficientLiquidity), errors.Is(err, ramp.ErrIntentOutstanding),
		errors.Is(err, ramp.ErrIntentExists), errors.Is(err, ramp.ErrCooldownActive),
		errors.Is(err, ramp.ErrDenylisted), errors.Is(err, ramp.ErrSelfDeal),
		errors.Is(err, ramp.ErrDepositCapExceeded), errors.Is(err, ramp.ErrDenylistEntryExists),
		errors.Is(err, ramp.ErrDenylistEntryMissing), errors.Is(err, common.ErrModulePaused):
		writeError(w, http.StatusConflict, id, codeRampConflict, err.Error(), nil)
	case errors.Is(err, ramp.ErrNotRegistered), errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, registry.ErrInvalidAlias):
		writeError(w, http.StatusBadRequest, id, codeIdentityInvalid, err.Error(), nil)
	case errors.Is(err, registry.ErrAlreadyRegistered), errors.Is(err, registry.ErrAliasTaken):
		writeError(w, http.StatusConflict, id, codeIdentityConflict, err.Error(), nil)
	case errors.Is(err, bank.ErrInsufficientFunds), errors.Is(err, bank.ErrVaultUnderflow),
		errors.Is(err, bank.ErrInvalidAmount):
		writeError(w, http.StatusConflict, id, codeBankConflict, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}
