package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"htlcd/native/escrow"
	"htlcd/observability"
)

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func (s *Server) decodeParams(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return invalidParams("expected a single parameter object")
	}
	if err := jsonUnmarshalStrict(req.Params[0], out); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

func parseHashlock(raw string) ([32]byte, *RPCError) {
	var hashlock [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(hashlock) {
		return hashlock, invalidParams("hashlock must be 32 hex-encoded bytes")
	}
	copy(hashlock[:], decoded)
	return hashlock, nil
}

func parseSecret(raw string) ([]byte, *RPCError) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, invalidParams("secret must be hex encoded")
	}
	return decoded, nil
}

func parseAmount(raw, field string) (*big.Int, *RPCError) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, invalidParams("%s must be a base-10 integer", field)
	}
	return amount, nil
}

type immutablesParam struct {
	OrderHash        string `json:"orderHash"`
	Hashlock         string `json:"hashlock"`
	Maker            string `json:"maker"`
	Taker            string `json:"taker"`
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	SafetyDeposit    string `json:"safetyDeposit"`
	Withdrawal       uint64 `json:"withdrawal"`
	PublicWithdrawal uint64 `json:"publicWithdrawal"`
	Cancellation     uint64 `json:"cancellation"`
}

func (p immutablesParam) toImmutables() (escrow.EscrowImmutables, *RPCError) {
	var imm escrow.EscrowImmutables
	hashlock, rpcErr := parseHashlock(p.Hashlock)
	if rpcErr != nil {
		return imm, rpcErr
	}
	orderHash, rpcErr := parseHashlock(p.OrderHash)
	if rpcErr != nil {
		return imm, invalidParams("orderHash must be 32 hex-encoded bytes")
	}
	amount, rpcErr := parseAmount(p.Amount, "amount")
	if rpcErr != nil {
		return imm, rpcErr
	}
	deposit, rpcErr := parseAmount(p.SafetyDeposit, "safetyDeposit")
	if rpcErr != nil {
		return imm, rpcErr
	}
	imm = escrow.EscrowImmutables{
		OrderHash:     orderHash,
		Hashlock:      hashlock,
		Maker:         strings.TrimSpace(p.Maker),
		Taker:         strings.TrimSpace(p.Taker),
		Token:         strings.TrimSpace(p.Token),
		Amount:        amount,
		SafetyDeposit: deposit,
		Timelocks: escrow.Timelocks{
			Withdrawal:       p.Withdrawal,
			PublicWithdrawal: p.PublicWithdrawal,
			Cancellation:     p.Cancellation,
		},
	}
	return imm, nil
}

type createParams struct {
	Caller     string          `json:"caller"`
	Immutables immutablesParam `json:"immutables"`
}

func (s *Server) handleCreate(r *http.Request, req *RPCRequest, kind escrow.EscrowKind) (interface{}, *RPCError) {
	var params createParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	imm, rpcErr := params.Immutables.toImmutables()
	if rpcErr != nil {
		return nil, rpcErr
	}
	var (
		hashlock [32]byte
		err      error
	)
	if kind == escrow.KindSource {
		hashlock, err = s.engine.CreateSourceEscrow(r.Context(), params.Caller, imm)
	} else {
		hashlock, err = s.engine.CreateDestinationEscrow(r.Context(), params.Caller, imm)
	}
	if err != nil {
		return nil, errorToRPC(err)
	}
	observability.EscrowMetrics().ObserveOperation("create_" + kind.String())
	s.archiveLatest(r, hashlock)
	return map[string]string{"hashlock": hex.EncodeToString(hashlock[:])}, nil
}

type withdrawParams struct {
	Caller   string `json:"caller"`
	Secret   string `json:"secret"`
	Hashlock string `json:"hashlock"`
	Kind     string `json:"kind,omitempty"`
}

func (s *Server) handleWithdraw(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params withdrawParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	hashlock, rpcErr := parseHashlock(params.Hashlock)
	if rpcErr != nil {
		return nil, rpcErr
	}
	secret, rpcErr := parseSecret(params.Secret)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Withdraw(r.Context(), params.Caller, secret, hashlock); err != nil {
		return nil, errorToRPC(err)
	}
	observability.EscrowMetrics().ObserveOperation("withdraw")
	s.archiveLatest(r, hashlock)
	return map[string]bool{"completed": true}, nil
}

func (s *Server) handlePublicWithdraw(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params withdrawParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	hashlock, rpcErr := parseHashlock(params.Hashlock)
	if rpcErr != nil {
		return nil, rpcErr
	}
	secret, rpcErr := parseSecret(params.Secret)
	if rpcErr != nil {
		return nil, rpcErr
	}
	kind, err := escrow.ParseEscrowKind(params.Kind)
	if err != nil {
		return nil, invalidParams("kind must be source or destination")
	}
	if err := s.engine.PublicWithdraw(r.Context(), params.Caller, secret, hashlock, kind); err != nil {
		return nil, errorToRPC(err)
	}
	observability.EscrowMetrics().ObserveOperation("public_withdraw")
	s.archiveLatest(r, hashlock)
	return map[string]bool{"completed": true}, nil
}

type cancelParams struct {
	Caller   string `json:"caller"`
	Hashlock string `json:"hashlock"`
	Kind     string `json:"kind"`
}

func (s *Server) handleCancel(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params cancelParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	hashlock, rpcErr := parseHashlock(params.Hashlock)
	if rpcErr != nil {
		return nil, rpcErr
	}
	kind, err := escrow.ParseEscrowKind(params.Kind)
	if err != nil {
		return nil, invalidParams("kind must be source or destination")
	}
	if err := s.engine.Cancel(r.Context(), params.Caller, hashlock, kind); err != nil {
		return nil, errorToRPC(err)
	}
	observability.EscrowMetrics().ObserveOperation("cancel")
	s.archiveLatest(r, hashlock)
	return map[string]bool{"cancelled": true}, nil
}

type rescueParams struct {
	Caller   string `json:"caller"`
	Hashlock string `json:"hashlock"`
	Amount   string `json:"amount"`
}

func (s *Server) handleRescue(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params rescueParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	hashlock, rpcErr := parseHashlock(params.Hashlock)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(params.Amount, "amount")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Rescue(r.Context(), params.Caller, hashlock, amount); err != nil {
		return nil, errorToRPC(err)
	}
	observability.EscrowMetrics().ObserveOperation("rescue")
	s.archiveLatest(r, hashlock)
	return map[string]bool{"rescued": true}, nil
}

type recordParams struct {
	Caller   string `json:"caller"`
	Hashlock string `json:"hashlock"`
	Value    string `json:"value"`
}

func (s *Server) handleRecordTxReference(req *RPCRequest) (interface{}, *RPCError) {
	var params recordParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	hashlock, rpcErr := parseHashlock(params.Hashlock)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.RecordTxReference(params.Caller, hashlock, params.Value); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"recorded": true}, nil
}

func (s *Server) handleRecordCounterpartyAddress(req *RPCRequest) (interface{}, *RPCError) {
	var params recordParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	hashlock, rpcErr := parseHashlock(params.Hashlock)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.RecordCounterpartyAddress(params.Caller, hashlock, params.Value); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"recorded": true}, nil
}

type hashlockParams struct {
	Hashlock string `json:"hashlock"`
}

func (s *Server) handleGet(req *RPCRequest) (interface{}, *RPCError) {
	var params hashlockParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	hashlock, rpcErr := parseHashlock(params.Hashlock)
	if rpcErr != nil {
		return nil, rpcErr
	}
	esc, err := s.engine.Get(hashlock)
	if err != nil {
		return nil, errorToRPC(err)
	}
	return escrowPayloadFrom(esc), nil
}

type partyParams struct {
	Account string `json:"account"`
}

func (s *Server) handleListForParty(req *RPCRequest) (interface{}, *RPCError) {
	var params partyParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if strings.TrimSpace(params.Account) == "" {
		return nil, invalidParams("account required")
	}
	escrows := s.engine.EscrowsForParty(params.Account)
	out := make([]escrowPayload, 0, len(escrows))
	for _, esc := range escrows {
		out = append(out, escrowPayloadFrom(esc))
	}
	return out, nil
}

// handleEvents serves a single escrow's history, preferring the full sqlite
// archive over the bounded in-process log when one is configured.
func (s *Server) handleEvents(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params hashlockParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	hashlock, rpcErr := parseHashlock(params.Hashlock)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var events []*escrow.Event
	if s.archive != nil {
		archived, err := s.archive.EventsForHashlock(r.Context(), hashlock)
		if err == nil {
			events = archived
		}
	}
	if events == nil {
		events = s.engine.EventsForHashlock(hashlock)
	}
	out := make([]eventPayload, 0, len(events))
	for _, ev := range events {
		out = append(out, eventPayloadFrom(ev))
	}
	return out, nil
}

type recentEventsParams struct {
	Limit int `json:"limit,omitempty"`
}

// handleRecentEvents lists the newest events across all escrows. The sqlite
// archive outlives the bounded in-process log, so it is consulted first.
func (s *Server) handleRecentEvents(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	params := recentEventsParams{Limit: 100}
	if len(req.Params) > 0 {
		if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
	}
	var events []*escrow.Event
	if s.archive != nil {
		archived, err := s.archive.Recent(r.Context(), params.Limit)
		if err == nil {
			events = archived
		}
	}
	if events == nil {
		events = s.engine.RecentEvents(params.Limit)
	}
	out := make([]eventPayload, 0, len(events))
	for _, ev := range events {
		out = append(out, eventPayloadFrom(ev))
	}
	return out, nil
}

func (s *Server) handleMetrics(_ *RPCRequest) (interface{}, *RPCError) {
	metrics := s.engine.Metrics()
	observability.EscrowMetrics().SetActive(metrics.Active)
	return metricsPayloadFrom(metrics), nil
}

func (s *Server) handleParams(_ *RPCRequest) (interface{}, *RPCError) {
	params, err := s.engine.Params()
	if err != nil {
		return nil, errorToRPC(err)
	}
	return paramsPayloadFrom(params), nil
}

type setParamsParams struct {
	Caller string        `json:"caller"`
	Params paramsPayload `json:"params"`
}

func (s *Server) handleSetParams(req *RPCRequest) (interface{}, *RPCError) {
	var params setParamsParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	next, rpcErr := params.Params.toParams()
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.SetParams(params.Caller, next); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"updated": true}, nil
}

type accountParams struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
}

func (s *Server) handleAuthorize(req *RPCRequest) (interface{}, *RPCError) {
	var params accountParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Authorize(params.Caller, params.Account); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"authorized": true}, nil
}

func (s *Server) handleDeauthorize(req *RPCRequest) (interface{}, *RPCError) {
	var params accountParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Deauthorize(params.Caller, params.Account); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"deauthorized": true}, nil
}

type authQueryParams struct {
	Account string `json:"account"`
}

func (s *Server) handleIsAuthorized(req *RPCRequest) (interface{}, *RPCError) {
	var params authQueryParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	ok, err := s.engine.IsAuthorized(params.Account)
	if err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"authorized": ok}, nil
}

type callerParams struct {
	Caller string `json:"caller"`
}

func (s *Server) handleAuthorizedAccounts(req *RPCRequest) (interface{}, *RPCError) {
	var params callerParams
	if rpcErr := s.decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	accounts, err := s.engine.AuthorizedAccounts(params.Caller)
	if err != nil {
		return nil, errorToRPC(err)
	}
	return accounts, nil
}

func (s *Server) handleBalance(r *http.Request, _ *RPCRequest) (interface{}, *RPCError) {
	balance, err := s.engine.Balance(r.Context())
	if err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]string{"balance": balance.String()}, nil
}

func (s *Server) handleStorageStats(_ *RPCRequest) (interface{}, *RPCError) {
	if s.statsFn == nil {
		return nil, &RPCError{Code: codeServerError, Message: "storage stats unavailable"}
	}
	return s.statsFn(), nil
}

func (s *Server) handleInfo(_ *RPCRequest) (interface{}, *RPCError) {
	params, err := s.engine.Params()
	if err != nil {
		return nil, errorToRPC(err)
	}
	metrics := s.engine.Metrics()
	return map[string]interface{}{
		"service": "htlcd",
		"params":  paramsPayloadFrom(params),
		"metrics": metricsPayloadFrom(metrics),
	}, nil
}

// archiveLatest copies the newest event for the hashlock into the sqlite
// archive. Archive failures are logged, not surfaced; the operation already
// committed.
func (s *Server) archiveLatest(r *http.Request, hashlock [32]byte) {
	if s.archive == nil {
		return
	}
	events := s.engine.EventsForHashlock(hashlock)
	if len(events) == 0 {
		return
	}
	latest := events[len(events)-1]
	if err := s.archive.Record(r.Context(), latest); err != nil {
		s.log.Warn("event archive write failed", "error", err, "event", latest.ID)
	}
}
