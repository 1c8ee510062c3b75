// Package ledger talks to the external transfer service that actually moves
// token balances. The escrow engine only sees the LedgerClient interface; this
// package supplies the production JSON-RPC implementation and an in-memory
// ledger for development and tests.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client is a thin JSON-RPC wrapper around the transfer service.
type Client struct {
	url        string
	authToken  string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:       strings.TrimSpace(cfg.URL),
		authToken: strings.TrimSpace(cfg.AuthToken),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type transferResult struct {
	TxID string `json:"txId"`
}

// TransferFromCaller pulls amount from the caller's account into custody. The
// memo tags the transfer so the movement can be traced back to its escrow.
func (c *Client) TransferFromCaller(ctx context.Context, from string, amount *big.Int, memo uint64) (string, error) {
	payload := map[string]interface{}{
		"from":   from,
		"amount": amount.String(),
		"memo":   memo,
	}
	var result transferResult
	if err := c.call(ctx, "ledger_transferFrom", []interface{}{payload}, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.TxID), nil
}

// TransferTo pushes amount from custody to the given account.
func (c *Client) TransferTo(ctx context.Context, to string, amount *big.Int, memo uint64) (string, error) {
	payload := map[string]interface{}{
		"to":     to,
		"amount": amount.String(),
		"memo":   memo,
	}
	var result transferResult
	if err := c.call(ctx, "ledger_transferTo", []interface{}{payload}, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.TxID), nil
}

// Balance queries the account's spendable balance.
func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, "ledger_balance", []interface{}{account}, &result); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(result.Balance), 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed balance %q", result.Balance)
	}
	return balance, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("ledger: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger: error %d %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
