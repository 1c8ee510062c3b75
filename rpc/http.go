// Package rpc exposes the escrow engine over JSON-RPC 2.0 with an HTTP
// sidecar for health, metrics, and the websocket event stream.
package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"htlcd/audit"
	"htlcd/native/escrow"
	"htlcd/observability"
	"htlcd/state"
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
	codeNotFound       = -32010
	codeDuplicate      = -32011
	codeInvalidState   = -32012
	codeInvalidTime    = -32013
	codeInvalidSecret  = -32014
	codeTransferFailed = -32015
)

type Server struct {
	engine    *escrow.Engine
	archive   *audit.Archive
	hub       *EventHub
	authToken string
	log       *slog.Logger
	statsFn   func() state.Stats
}

// NewServer wires the engine behind the HTTP surface. The archive and auth
// token are optional; a nil logger falls back to the process default.
func NewServer(engine *escrow.Engine, archive *audit.Archive, hub *EventHub, authToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:    engine,
		archive:   archive,
		hub:       hub,
		authToken: strings.TrimSpace(authToken),
		log:       log,
	}
}

// SetStatsFunc wires the storage stats provider used by escrow_storageStats.
func (s *Server) SetStatsFunc(fn func() state.Stats) {
	s.statsFn = fn
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handleRPC)
	r.Post("/rpc", s.handleRPC)
	if s.hub != nil {
		r.Get("/ws/events", s.hub.handleWS)
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Result:  result,
	})
}

// mutatingMethods move funds or change stored state and therefore require the
// bearer token when one is configured.
var mutatingMethods = map[string]bool{
	"escrow_createSource":              true,
	"escrow_createDestination":         true,
	"escrow_withdraw":                  true,
	"escrow_publicWithdraw":            true,
	"escrow_cancel":                    true,
	"escrow_rescue":                    true,
	"escrow_recordTxReference":         true,
	"escrow_recordCounterpartyAddress": true,
	"escrow_setParams":                 true,
	"escrow_authorize":                 true,
	"escrow_deauthorize":               true,
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "unable to read request body", err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	if mutatingMethods[method] && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "invalid or missing bearer token", nil)
		observability.EscrowMetrics().ObserveRequest(method, http.StatusUnauthorized, time.Since(start))
		return
	}

	result, rpcErr := s.dispatch(r, &req)
	status := http.StatusOK
	if rpcErr != nil {
		status = httpStatusFor(rpcErr.Code)
		s.log.Warn("rpc request failed",
			"method", method,
			"code", rpcErr.Code,
			"message", rpcErr.Message,
		)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		writeResult(w, req.ID, result)
	}
	observability.EscrowMetrics().ObserveRequest(method, status, time.Since(start))
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	switch req.Method {
	case "escrow_createSource":
		return s.handleCreate(r, req, escrow.KindSource)
	case "escrow_createDestination":
		return s.handleCreate(r, req, escrow.KindDestination)
	case "escrow_withdraw":
		return s.handleWithdraw(r, req)
	case "escrow_publicWithdraw":
		return s.handlePublicWithdraw(r, req)
	case "escrow_cancel":
		return s.handleCancel(r, req)
	case "escrow_rescue":
		return s.handleRescue(r, req)
	case "escrow_recordTxReference":
		return s.handleRecordTxReference(req)
	case "escrow_recordCounterpartyAddress":
		return s.handleRecordCounterpartyAddress(req)
	case "escrow_get":
		return s.handleGet(req)
	case "escrow_listForParty":
		return s.handleListForParty(req)
	case "escrow_events":
		return s.handleEvents(r, req)
	case "escrow_recentEvents":
		return s.handleRecentEvents(r, req)
	case "escrow_metrics":
		return s.handleMetrics(req)
	case "escrow_params":
		return s.handleParams(req)
	case "escrow_setParams":
		return s.handleSetParams(req)
	case "escrow_authorize":
		return s.handleAuthorize(req)
	case "escrow_deauthorize":
		return s.handleDeauthorize(req)
	case "escrow_isAuthorized":
		return s.handleIsAuthorized(req)
	case "escrow_authorizedAccounts":
		return s.handleAuthorizedAccounts(req)
	case "escrow_balance":
		return s.handleBalance(r, req)
	case "escrow_storageStats":
		return s.handleStorageStats(req)
	case "htlc_info":
		return s.handleInfo(req)
	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

func httpStatusFor(code int) int {
	switch code {
	case codeParseError, codeInvalidRequest, codeInvalidParams:
		return http.StatusBadRequest
	case codeMethodNotFound, codeNotFound:
		return http.StatusNotFound
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeDuplicate, codeInvalidState, codeInvalidTime, codeInvalidSecret:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorToRPC maps engine sentinel errors onto JSON-RPC error codes.
func errorToRPC(err error) *RPCError {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		return &RPCError{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, escrow.ErrDuplicateEscrow):
		return &RPCError{Code: codeDuplicate, Message: err.Error()}
	case errors.Is(err, escrow.ErrInvalidSecret):
		return &RPCError{Code: codeInvalidSecret, Message: err.Error()}
	case errors.Is(err, escrow.ErrInvalidTime):
		return &RPCError{Code: codeInvalidTime, Message: err.Error()}
	case errors.Is(err, escrow.ErrInvalidState):
		return &RPCError{Code: codeInvalidState, Message: err.Error()}
	case errors.Is(err, escrow.ErrInvalidCaller), errors.Is(err, escrow.ErrUnauthorized):
		return &RPCError{Code: codeUnauthorized, Message: err.Error()}
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidHashlock),
		errors.Is(err, escrow.ErrInvalidAddress):
		return &RPCError{Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrTransferFailed):
		return &RPCError{Code: codeTransferFailed, Message: err.Error()}
	default:
		return &RPCError{Code: codeServerError, Message: err.Error()}
	}
}
