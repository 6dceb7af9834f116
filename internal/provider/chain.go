package provider

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nodegate/nodegate/internal/observ"
	"github.com/nodegate/nodegate/internal/rpc"
	"github.com/nodegate/nodegate/internal/shard"
)

// Transport is the raw JSON-RPC call capability the chain executes through.
type Transport interface {
	Call(ctx context.Context, endpoint, method string, params []any) (json.RawMessage, error)
}

// Config describes one independent remote endpoint.
type Config struct {
	Name                   string `yaml:"name"`
	Endpoint               string `yaml:"endpoint"`
	Priority               int    `yaml:"priority"` // lower = preferred
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`
}

// Status is a read-only snapshot of one provider's circuit state.
type Status struct {
	Name                string    `json:"name"`
	Endpoint            string    `json:"endpoint"`
	Priority            int       `json:"priority"`
	Available           bool      `json:"available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastUsed            time.Time `json:"last_used,omitempty"`
}

type providerState struct {
	mu                  sync.Mutex
	name                string
	endpoint            string
	priority            int
	maxFailures         int
	timeout             time.Duration
	available           bool
	consecutiveFailures int
	lastError           string
	lastUsed            time.Time
}

// Chain tries providers in ascending priority order, each behind its own
// circuit. When a shard manager is attached, a client's dedicated credential
// is tried before the generic pool.
type Chain struct {
	providers  []*providerState
	transport  Transport
	shards     *shard.Manager // optional
	maxRetries int
}

// NewChain builds the fallback chain. Zero configured providers is a startup
// error: the pool must never silently degrade to zero capacity.
func NewChain(configs []Config, transport Transport, shards *shard.Manager, maxRetries int) (*Chain, error) {
	if len(configs) == 0 {
		return nil, rpc.NewConfigError("no providers configured")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	states := make([]*providerState, 0, len(configs))
	for _, cfg := range configs {
		maxFailures := cfg.MaxConsecutiveFailures
		if maxFailures <= 0 {
			maxFailures = 3
		}
		timeoutSeconds := cfg.TimeoutSeconds
		if timeoutSeconds <= 0 {
			timeoutSeconds = 5
		}
		states = append(states, &providerState{
			name:        cfg.Name,
			endpoint:    cfg.Endpoint,
			priority:    cfg.Priority,
			maxFailures: maxFailures,
			timeout:     time.Duration(timeoutSeconds) * time.Second,
			available:   true,
		})
	}
	// ascending priority, insertion order breaks ties
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].priority < states[j].priority
	})

	c := &Chain{providers: states, transport: transport, shards: shards, maxRetries: maxRetries}
	for _, ps := range states {
		c.setAvailabilityGauge(ps, true)
	}
	return c, nil
}

// Call routes one JSON-RPC request: dedicated credential first when the
// client has a healthy shard, then the provider pool in priority order.
// Total attempts are bounded; the last underlying cause rides along on the
// aggregated error.
func (c *Chain) Call(ctx context.Context, method string, params []any, clientID string) (json.RawMessage, error) {
	if c.shards != nil && clientID != "" && !c.shards.ShouldUseFallback(clientID) {
		if route := c.shards.RouteFor(clientID); route != nil {
			result, err := c.transport.Call(ctx, route.Endpoint, method, params)
			if err == nil {
				observ.IncCounter("chain_credential_calls_total", map[string]string{"result": "success"})
				return result, nil
			}
			if rpc.IsRateLimit(err) {
				// only the explicit rate-limit signal evicts a credential
				c.shards.MarkUnavailable(route.Index, "rate_limit")
			} else {
				observ.LogError("chain_credential_call_failed", err, map[string]any{
					"client_id":  clientID,
					"credential": route.Index,
					"method":     method,
				})
			}
			observ.IncCounter("chain_credential_calls_total", map[string]string{"result": "error"})
		}
	}

	var lastErr error
	for _, ps := range c.providers {
		if !ps.isAvailable() {
			continue
		}
		result, err := c.callProvider(ctx, ps, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !rpc.IsRetryable(err) {
			return nil, err
		}
	}

	if c.allUnavailable() {
		// self-healing pool: give everyone another chance, then one last try
		c.ResetAll()
		ps := c.providers[0]
		result, err := c.singleAttempt(ctx, ps, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = rpc.NewUnavailableError("", "no provider available")
	}
	return nil, &rpc.Error{
		Type:    rpc.ErrTypeUnavailable,
		Message: "all providers failed",
		Cause:   lastErr,
	}
}

// callProvider runs one provider's attempt with its timeout and a capped
// exponential-backoff retry budget. Terminal errors abort the budget.
func (c *Chain) callProvider(ctx context.Context, ps *providerState, method string, params []any) (json.RawMessage, error) {
	var result json.RawMessage
	op := func() error {
		res, err := c.singleAttempt(ctx, ps, method, params)
		if err != nil {
			if !rpc.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			if !ps.isAvailable() {
				// circuit opened mid-budget, stop burning attempts
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// singleAttempt is exactly one remote call: success closes the circuit,
// failure counts once toward opening it.
func (c *Chain) singleAttempt(ctx context.Context, ps *providerState, method string, params []any) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, ps.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.transport.Call(cctx, ps.endpoint, method, params)
	observ.RecordDuration("provider_call", time.Since(start), map[string]string{"provider": ps.name})

	if err != nil {
		c.recordFailure(ps, err)
		observ.IncCounter("provider_calls_total", map[string]string{"provider": ps.name, "result": "error"})
		return nil, err
	}
	c.recordSuccess(ps)
	observ.IncCounter("provider_calls_total", map[string]string{"provider": ps.name, "result": "success"})
	return result, nil
}

func (c *Chain) recordFailure(ps *providerState, err error) {
	ps.mu.Lock()
	ps.consecutiveFailures++
	ps.lastError = err.Error()
	opened := ps.available && ps.consecutiveFailures >= ps.maxFailures
	if opened {
		ps.available = false
	}
	failures := ps.consecutiveFailures
	ps.mu.Unlock()

	if opened {
		c.setAvailabilityGauge(ps, false)
		observ.Log("provider_unavailable", map[string]any{
			"provider":             ps.name,
			"consecutive_failures": failures,
		})
	}
}

func (c *Chain) recordSuccess(ps *providerState) {
	ps.mu.Lock()
	ps.consecutiveFailures = 0
	ps.lastError = ""
	ps.lastUsed = time.Now()
	wasDown := !ps.available
	ps.available = true
	ps.mu.Unlock()

	if wasDown {
		c.setAvailabilityGauge(ps, true)
	}
}

func (ps *providerState) isAvailable() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.available
}

func (c *Chain) allUnavailable() bool {
	for _, ps := range c.providers {
		if ps.isAvailable() {
			return false
		}
	}
	return true
}

// ResetAll returns every provider to rotation with a clean failure count.
func (c *Chain) ResetAll() {
	for _, ps := range c.providers {
		ps.mu.Lock()
		ps.available = true
		ps.consecutiveFailures = 0
		ps.mu.Unlock()
		c.setAvailabilityGauge(ps, true)
	}
	observ.Log("provider_pool_reset", map[string]any{"providers": len(c.providers)})
	observ.IncCounter("provider_pool_resets_total", nil)
}

// Snapshot returns read-only copies of every provider's state in priority
// order.
func (c *Chain) Snapshot() []Status {
	out := make([]Status, 0, len(c.providers))
	for _, ps := range c.providers {
		ps.mu.Lock()
		out = append(out, Status{
			Name:                ps.name,
			Endpoint:            ps.endpoint,
			Priority:            ps.priority,
			Available:           ps.available,
			ConsecutiveFailures: ps.consecutiveFailures,
			LastError:           ps.lastError,
			LastUsed:            ps.lastUsed,
		})
		ps.mu.Unlock()
	}
	return out
}

func (c *Chain) setAvailabilityGauge(ps *providerState, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	observ.SetGauge("provider_available", v, map[string]string{"provider": ps.name})
}
