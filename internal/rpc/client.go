package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Wire methods used against the node provider.
const (
	MethodGetBalance          = "getBalance"
	MethodGetMultipleAccounts = "getMultipleAccounts"
	MethodGetHealth           = "getHealth"
)

// Client is the raw JSON-RPC 2.0 transport. It owns the HTTP client, an
// optional global outbound rate limiter, and response classification; routing
// decisions live in the layers above.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     Config
}

// Config holds transport configuration.
type Config struct {
	TimeoutSeconds int
	RPSLimit       float64 // 0 disables the global limiter
}

type request struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *errorBody      `json:"error"`
}

// NewClient creates a JSON-RPC transport client.
func NewClient(config Config) *Client {
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 5
	}

	var limiter *rate.Limiter
	if config.RPSLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RPSLimit), 1)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		limiter: limiter,
		config:  config,
	}
}

// Call issues one JSON-RPC request against endpoint and returns the raw
// result payload. HTTP 429 is surfaced as a rate_limit error distinct from
// JSON-RPC error bodies.
func (c *Client) Call(ctx context.Context, endpoint, method string, params []any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, NewNetworkError(endpoint, "rate limiter wait cancelled", err)
		}
	}

	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{Jsonrpc: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, NewInvalidInputError(fmt.Sprintf("marshal %s params: %v", method, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewNetworkError(endpoint, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError(endpoint, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, NewRateLimitError(endpoint, "HTTP 429")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, NewProviderError(endpoint, fmt.Sprintf("HTTP %d", resp.StatusCode), resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(endpoint, "failed to read response", err)
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, NewProviderError(endpoint, "malformed JSON-RPC response", resp.StatusCode)
	}
	if parsed.Error != nil {
		return nil, classifyRPCError(endpoint, parsed.Error)
	}
	return parsed.Result, nil
}

// classifyRPCError splits JSON-RPC error payloads into terminal vs transient
// provider errors so callers never retry terminal conditions.
func classifyRPCError(endpoint string, eb *errorBody) error {
	msg := strings.ToLower(eb.Message)
	switch {
	case eb.Code == -32602:
		return NewInvalidInputError(eb.Message)
	case strings.Contains(msg, "insufficient"), strings.Contains(msg, "invalid signature"):
		return NewTerminalError(endpoint, eb.Message, eb.Code)
	default:
		return NewProviderError(endpoint, fmt.Sprintf("rpc error %d: %s", eb.Code, eb.Message), eb.Code)
	}
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

type accountEntry struct {
	Lamports uint64 `json:"lamports"`
}

type multipleAccountsResult struct {
	Value []*accountEntry `json:"value"`
}

// GetBalance fetches one entity's balance in lamports.
func (c *Client) GetBalance(ctx context.Context, endpoint, entity string) (uint64, error) {
	if entity == "" {
		return 0, NewInvalidInputError("empty entity key")
	}
	raw, err := c.Call(ctx, endpoint, MethodGetBalance, []any{entity})
	if err != nil {
		return 0, err
	}
	return ParseBalance(raw)
}

// GetMultipleBalances fetches balances for many entities in one call. The
// result is positionally aligned with entities; null accounts map to zero.
func (c *Client) GetMultipleBalances(ctx context.Context, endpoint string, entities []string) ([]uint64, error) {
	if len(entities) == 0 {
		return nil, NewInvalidInputError("empty entity list")
	}
	raw, err := c.Call(ctx, endpoint, MethodGetMultipleAccounts, []any{entities})
	if err != nil {
		return nil, err
	}
	return ParseMultipleBalances(raw, len(entities))
}

// ProbeHealth issues the lightweight health method. Any non-200 is unhealthy;
// 429 specifically means the endpoint is still rate limited.
func (c *Client) ProbeHealth(ctx context.Context, endpoint string) error {
	_, err := c.Call(ctx, endpoint, MethodGetHealth, nil)
	return err
}
