package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"htlcd/audit"
	"htlcd/ledger"
	"htlcd/native/escrow"
	"htlcd/state"
	"htlcd/storage"
)

const testAuthToken = "test-token"

type testHarness struct {
	server  *Server
	handler http.Handler
	now     int64
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestHarness(t *testing.T) *testHarness {
	return newTestHarnessWithArchive(t, nil)
}

func newTestHarnessWithArchive(t *testing.T, archive *audit.Archive) *testHarness {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	params := escrow.DefaultParams()
	params.Treasury = "treasury"
	require.NoError(t, manager.SetParams(params))

	mem := ledger.NewMemoryLedger("custody")
	mem.Credit("custody", big.NewInt(1_000_000))
	mem.Credit("maker", big.NewInt(10_000_000))
	mem.Credit("taker", big.NewInt(10_000_000))

	engine, err := escrow.NewEngine(manager, mem, "custody")
	require.NoError(t, err)

	h := &testHarness{now: 1_700_000_000}
	engine.SetNowFunc(func() int64 { return h.now })

	h.server = NewServer(engine, archive, NewEventHub(), testAuthToken, nil)
	h.server.SetStatsFunc(manager.StorageStats)
	h.handler = h.server.Router()
	return h
}

func (h *testHarness) call(t *testing.T, token, method string, params interface{}) (int, RPCResponse) {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func testCreateParams() map[string]interface{} {
	hashlock := escrow.ComputeHashlock(testSecret)
	return map[string]interface{}{
		"caller": "maker",
		"immutables": map[string]interface{}{
			"orderHash":        "01" + hex.EncodeToString(make([]byte, 31)),
			"hashlock":         hex.EncodeToString(hashlock[:]),
			"maker":            "maker",
			"taker":            "taker",
			"token":            "TKN",
			"amount":           "50000",
			"safetyDeposit":    "200000",
			"withdrawal":       100,
			"publicWithdrawal": 200,
			"cancellation":     300,
		},
	}
}

func TestCreateSourceViaRPC(t *testing.T) {
	h := newTestHarness(t)

	status, resp := h.call(t, testAuthToken, "escrow_createSource", testCreateParams())
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var created struct {
		Hashlock string `json:"hashlock"`
	}
	require.NoError(t, json.Unmarshal(result, &created))
	expected := escrow.ComputeHashlock(testSecret)
	require.Equal(t, hex.EncodeToString(expected[:]), created.Hashlock)

	status, resp = h.call(t, "", "escrow_get", map[string]interface{}{"hashlock": created.Hashlock})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	result, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	var payload escrowPayload
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Equal(t, "active", payload.State)
	require.Equal(t, "source", payload.Kind)
	require.Equal(t, "50000", payload.Amount)
}

func TestMutatingMethodsRequireBearerToken(t *testing.T) {
	h := newTestHarness(t)

	status, resp := h.call(t, "", "escrow_createSource", testCreateParams())
	require.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	status, resp = h.call(t, "wrong-token", "escrow_createSource", testCreateParams())
	require.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)

	// Reads stay open.
	status, resp = h.call(t, "", "escrow_metrics", nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
}

func TestWithdrawViaRPC(t *testing.T) {
	h := newTestHarness(t)
	status, resp := h.call(t, testAuthToken, "escrow_createSource", testCreateParams())
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	hashlock := escrow.ComputeHashlock(testSecret)
	withdraw := map[string]interface{}{
		"caller":   "taker",
		"secret":   hex.EncodeToString(testSecret),
		"hashlock": hex.EncodeToString(hashlock[:]),
	}

	h.now += 10
	status, resp = h.call(t, testAuthToken, "escrow_withdraw", withdraw)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeInvalidTime, resp.Error.Code)

	h.now += 140
	badSecret := map[string]interface{}{
		"caller":   "taker",
		"secret":   "deadbeef",
		"hashlock": hex.EncodeToString(hashlock[:]),
	}
	status, resp = h.call(t, testAuthToken, "escrow_withdraw", badSecret)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeInvalidSecret, resp.Error.Code)

	status, resp = h.call(t, testAuthToken, "escrow_withdraw", withdraw)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	status, resp = h.call(t, "", "escrow_get", map[string]interface{}{"hashlock": hex.EncodeToString(hashlock[:])})
	require.Equal(t, http.StatusOK, status)
	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var payload escrowPayload
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Equal(t, "completed", payload.State)
	require.Equal(t, hex.EncodeToString(testSecret), payload.RevealedSecret)
}

func TestErrorCodeMapping(t *testing.T) {
	h := newTestHarness(t)

	status, resp := h.call(t, "", "escrow_get", map[string]interface{}{
		"hashlock": hex.EncodeToString(bytes.Repeat([]byte{0xFF}, 32)),
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeNotFound, resp.Error.Code)

	status, resp = h.call(t, "", "escrow_get", map[string]interface{}{"hashlock": "zz"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	status, resp = h.call(t, "", "htlc_bogus", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)

	createTwice := testCreateParams()
	status, _ = h.call(t, testAuthToken, "escrow_createSource", createTwice)
	require.Equal(t, http.StatusOK, status)
	status, resp = h.call(t, testAuthToken, "escrow_createDestination", createTwice)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeDuplicate, resp.Error.Code)
}

func TestStorageStatsAndInfo(t *testing.T) {
	h := newTestHarness(t)
	status, _ := h.call(t, testAuthToken, "escrow_createSource", testCreateParams())
	require.Equal(t, http.StatusOK, status)

	status, resp := h.call(t, "", "escrow_storageStats", nil)
	require.Equal(t, http.StatusOK, status)
	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var stats state.Stats
	require.NoError(t, json.Unmarshal(result, &stats))
	require.EqualValues(t, 1, stats.Escrows)

	status, resp = h.call(t, "", "htlc_info", nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
}

func TestHealthz(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestIsAuthorizedQuery(t *testing.T) {
	h := newTestHarness(t)

	status, resp := h.call(t, "", "escrow_isAuthorized", map[string]interface{}{"account": "resolver"})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.JSONEq(t, `{"authorized":false}`, string(result))

	status, resp = h.call(t, testAuthToken, "escrow_authorize", map[string]interface{}{
		"caller":  "treasury",
		"account": "resolver",
	})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	status, resp = h.call(t, "", "escrow_isAuthorized", map[string]interface{}{"account": "resolver"})
	require.Equal(t, http.StatusOK, status)
	result, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	require.JSONEq(t, `{"authorized":true}`, string(result))

	// The treasury never appears in the explicit list but always passes.
	status, resp = h.call(t, "", "escrow_isAuthorized", map[string]interface{}{"account": "treasury"})
	require.Equal(t, http.StatusOK, status)
	result, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	require.JSONEq(t, `{"authorized":true}`, string(result))
}

func TestRecentEventsServedFromArchive(t *testing.T) {
	archive, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	h := newTestHarnessWithArchive(t, archive)

	status, resp := h.call(t, testAuthToken, "escrow_createSource", testCreateParams())
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	archived, err := archive.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)

	status, resp = h.call(t, "", "escrow_recentEvents", nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var events []eventPayload
	require.NoError(t, json.Unmarshal(result, &events))
	require.Len(t, events, 1)
	require.Equal(t, "escrow.created", events[0].Type)
	require.Equal(t, archived[0].ID, events[0].ID)
}

func TestRPCMountedAtRoot(t *testing.T) {
	h := newTestHarness(t)

	raw, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "escrow_params",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
}
