package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"microlend/core/state"
	"microlend/native/microcredit"
	"microlend/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server exposes the lending engine over JSON-RPC. Every mutation runs inside
// a state session so a failed call leaves the store untouched.
type Server struct {
	engine *microcredit.Engine
	state  *state.Manager
	logger *slog.Logger

	authToken string
}

// NewServer constructs a server. An empty token disables bearer auth, which is
// only sensible for local development.
func NewServer(engine *microcredit.Engine, st *state.Manager, logger *slog.Logger, authToken string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		state:     st,
		logger:    logger,
		authToken: strings.TrimSpace(authToken),
	}
}

// Start serves JSON-RPC on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return http.ListenAndServe(addr, mux)
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

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}
	}
	return nil
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

// statusRecorder remembers the HTTP status ultimately written so the metrics
// layer can label rejections as errors.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		ok := rec.status < http.StatusBadRequest
		observability.RPCMetrics().Observe(req.Method, ok, strconv.Itoa(rec.status), time.Since(started))
	}()

	handler, privileged := s.route(req.Method)
	if handler == nil {
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	if privileged {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(rec, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
	}
	handler(rec, r, &req)
}

func (s *Server) route(method string) (handlerFunc, bool) {
	switch method {
	case "mc_addLoan":
		return s.handleAddLoan, true
	case "mc_addLoans":
		return s.handleAddLoans, true
	case "mc_claimLoan":
		return s.handleClaimLoan, true
	case "mc_repayLoan":
		return s.handleRepayLoan, true
	case "mc_cancelLoans":
		return s.handleCancelLoans, true
	case "mc_changeManager":
		return s.handleChangeManager, true
	case "mc_migrateAddress":
		return s.handleMigrateAddress, true
	case "mc_addManagers":
		return s.handleAddManagers, true
	case "mc_removeManagers":
		return s.handleRemoveManagers, true
	case "mc_updateRevenueAddress":
		return s.handleUpdateRevenueAddress, true
	case "mc_transferFunds":
		return s.handleTransferFunds, true
	case "mc_getWallet":
		return s.handleGetWallet, false
	case "mc_getLoan":
		return s.handleGetLoan, false
	case "mc_getRepayment":
		return s.handleGetRepayment, false
	case "mc_listWallets":
		return s.handleListWallets, false
	case "mc_listManagers":
		return s.handleListManagers, false
	case "mc_getManager":
		return s.handleGetManager, false
	case "mc_getPoolBalance":
		return s.handleGetPoolBalance, false
	case "mc_getRevenueAddress":
		return s.handleGetRevenueAddress, false
	default:
		return nil, false
	}
}

// withSession runs a mutation inside a state session: the session commits only
// when fn succeeds.
func (s *Server) withSession(fn func() error) error {
	s.state.Begin()
	if err := fn(); err != nil {
		s.state.Discard()
		return err
	}
	return s.state.Commit()
}

// errorStatus maps engine sentinels onto an HTTP status and JSON-RPC code.
func errorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, microcredit.ErrUnauthorized),
		errors.Is(err, microcredit.ErrNotManager):
		return http.StatusForbidden, codeUnauthorized
	case errors.Is(err, microcredit.ErrNoSuchLoan),
		errors.Is(err, microcredit.ErrNoSuchRepayment),
		errors.Is(err, microcredit.ErrUnknownIdentity):
		return http.StatusNotFound, codeServerError
	case errors.Is(err, microcredit.ErrInvalidAmount),
		errors.Is(err, microcredit.ErrInvalidDeadline),
		errors.Is(err, microcredit.ErrInvalidMigrationTarget):
		return http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, microcredit.ErrActiveLoanExists),
		errors.Is(err, microcredit.ErrLendingLimit),
		errors.Is(err, microcredit.ErrLoanExpired),
		errors.Is(err, microcredit.ErrLoanCanceled),
		errors.Is(err, microcredit.ErrLoanNotClaimed),
		errors.Is(err, microcredit.ErrLoanAlreadyClaimed),
		errors.Is(err, microcredit.ErrAlreadyRepaid),
		errors.Is(err, microcredit.ErrAlreadyCanceled),
		errors.Is(err, microcredit.ErrInsufficientFunds):
		return http.StatusConflict, codeServerError
	default:
		return http.StatusInternalServerError, codeServerError
	}
}

func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	status, code := errorStatus(err)
	writeError(w, status, id, code, err.Error(), nil)
}
