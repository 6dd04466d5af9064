package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ConfirmStatus reports the network's view of a submitted transaction.
type ConfirmStatus string

// Confirmation outcomes.
const (
	ConfirmConfirmed ConfirmStatus = "confirmed"
	ConfirmPending   ConfirmStatus = "pending"
	ConfirmRejected  ConfirmStatus = "rejected"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 4
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// RPCError is a node-side rejection. It marks a request the node evaluated
// and refused, so it is never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain: rpc error %d %s", e.Code, e.Message)
}

// Client provides a thin JSON-RPC wrapper for the payment network node.
// Transport failures are retried with capped exponential backoff; node-side
// rejections are returned immediately.
type Client struct {
	url         string
	httpClient  *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	nextID      atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = defaultMaxBackoff
	}
	return &Client{
		url:         strings.TrimSpace(cfg.URL),
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		minBackoff:  minBackoff,
		maxBackoff:  maxBackoff,
	}
}

// LatestCheckpoint fetches the most recent blockhash handle.
func (c *Client) LatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	var result Checkpoint
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return Checkpoint{}, err
	}
	if strings.TrimSpace(result.Blockhash) == "" {
		return Checkpoint{}, fmt.Errorf("chain: empty blockhash")
	}
	return result, nil
}

// Submit broadcasts a signed transaction and returns the signature reported
// by the network. An RPCError means the node rejected the broadcast and
// nothing was enqueued. Submit is never retried internally: a transport
// failure leaves the broadcast outcome unknown and the caller must treat it
// as ambiguous rather than resend.
func (c *Client) Submit(ctx context.Context, tx *SignedTx) (string, error) {
	payload, err := tx.Tx.CanonicalJSON()
	if err != nil {
		return "", err
	}
	params := []interface{}{map[string]interface{}{
		"message":   base64.StdEncoding.EncodeToString(payload),
		"signature": tx.Reference(),
		"signer":    base64.StdEncoding.EncodeToString(tx.PublicKey),
	}}
	var result struct {
		Signature string `json:"signature"`
	}
	if err := c.callOnce(ctx, "sendTransaction", params, &result); err != nil {
		return "", err
	}
	sig := strings.TrimSpace(result.Signature)
	if sig == "" {
		sig = tx.Reference()
	}
	return sig, nil
}

// Confirm polls the network for the transaction's status until it is
// confirmed, rejected, or the timeout elapses. A timeout yields
// ConfirmPending, never an error: the transfer may still land.
func (c *Client) Confirm(ctx context.Context, signature string, timeout time.Duration) (ConfirmStatus, error) {
	deadline := time.Now().Add(timeout)
	interval := c.minBackoff
	for {
		var result struct {
			Status string `json:"status"`
		}
		err := c.call(ctx, "getSignatureStatus", []interface{}{signature}, &result)
		if err == nil {
			switch strings.ToLower(strings.TrimSpace(result.Status)) {
			case "confirmed", "finalized":
				return ConfirmConfirmed, nil
			case "rejected", "failed":
				return ConfirmRejected, nil
			}
		} else {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				return "", err
			}
		}
		if time.Now().After(deadline) {
			return ConfirmPending, nil
		}
		select {
		case <-ctx.Done():
			return ConfirmPending, nil
		case <-time.After(interval):
		}
		interval = nextBackoff(interval, c.maxBackoff)
	}
}

// TokenAccount resolves the token sub-account holding the given mint for an
// owner. The second return reports whether the account exists.
func (c *Client) TokenAccount(ctx context.Context, owner, mint Address) (Address, bool, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "getTokenAccount", []interface{}{owner.String(), mint.String()}, &result); err != nil {
		return Address{}, false, err
	}
	if strings.TrimSpace(result.Address) == "" {
		return Address{}, false, nil
	}
	account, err := ParseAddress(result.Address)
	if err != nil {
		return Address{}, false, err
	}
	return account, true, nil
}

// Balance returns the native balance of an account in base units.
func (c *Client) Balance(ctx context.Context, addr Address) (uint64, error) {
	var result struct {
		Lamports uint64 `json:"lamports"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{addr.String()}, &result); err != nil {
		return 0, err
	}
	return result.Lamports, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("chain: client not configured")
	}
	var lastErr error
	backoff := c.minBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.callOnce(ctx, method, params, out)
		if err == nil {
			return nil
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// The node evaluated and refused the request; retrying cannot help.
			return err
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
	return lastErr
}

func (c *Client) callOnce(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("chain: node unavailable, status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("chain: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("chain: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
