package stubs

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"
)

// NodeServer is a stub JSON-RPC node for local development. It answers
// getBalance, getMultipleAccounts, and getHealth, with optional fault
// injection so the daemon's fallback paths can be exercised end to end.
type NodeServer struct {
	mu       sync.Mutex
	balances map[string]uint64
	requests int64

	// Fault injection: every Nth request fails. Zero disables.
	RateLimitEvery int
	ErrorEvery     int
	Latency        time.Duration
}

type rpcRequest struct {
	Jsonrpc string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Jsonrpc string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// NewNodeServer creates a stub node.
func NewNodeServer() *NodeServer {
	return &NodeServer{balances: map[string]uint64{}}
}

// SetBalance pins an entity's balance; entities without a pinned balance get
// a deterministic one derived from the key, so repeated runs agree.
func (s *NodeServer) SetBalance(entity string, lamports uint64) {
	s.mu.Lock()
	s.balances[entity] = lamports
	s.mu.Unlock()
}

func (s *NodeServer) balanceFor(entity string) uint64 {
	if b, ok := s.balances[entity]; ok {
		return b
	}
	h := fnv.New64a()
	h.Write([]byte(entity))
	return h.Sum64() % 1_000_000_000
}

// Requests returns how many RPC requests the stub has served.
func (s *NodeServer) Requests() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *NodeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}

	s.mu.Lock()
	s.requests++
	n := s.requests
	s.mu.Unlock()

	if s.RateLimitEvery > 0 && n%int64(s.RateLimitEvery) == 0 {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}

	if s.ErrorEvery > 0 && n%int64(s.ErrorEvery) == 0 {
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: "injected failure"}})
		return
	}

	switch req.Method {
	case "getHealth":
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Result: "ok"})

	case "getBalance":
		var entity string
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params[0], &entity)
		}
		if entity == "" {
			writeResponse(w, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: -32602, Message: "invalid params: missing entity"}})
			return
		}
		s.mu.Lock()
		balance := s.balanceFor(entity)
		s.mu.Unlock()
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Result: map[string]any{"value": balance}})

	case "getMultipleAccounts":
		var entities []string
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params[0], &entities)
		}
		if len(entities) == 0 {
			writeResponse(w, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: -32602, Message: "invalid params: missing entities"}})
			return
		}
		accounts := make([]any, len(entities))
		s.mu.Lock()
		for i, e := range entities {
			accounts[i] = map[string]any{"lamports": s.balanceFor(e)}
		}
		s.mu.Unlock()
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Result: map[string]any{"value": accounts}})

	default:
		writeResponse(w, rpcResponse{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
	}
}

func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
