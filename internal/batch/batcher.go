package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodegate/nodegate/internal/observ"
	"github.com/nodegate/nodegate/internal/rpc"
	"github.com/nodegate/nodegate/internal/shard"
)

// noShardGroup pools every lookup when no shard manager is attached.
const noShardGroup = -1

// Caller executes a routed JSON-RPC call; in production this is the provider
// fallback chain.
type Caller interface {
	Call(ctx context.Context, method string, params []any, clientID string) (json.RawMessage, error)
}

// Config holds batcher settings.
type Config struct {
	WindowMs int // coalescing window, default 100
	Size     int // max entities per remote call, default 10
}

// Stats are the batcher's monotonic counters.
type Stats struct {
	Requests          int64 `json:"requests"`
	Batches           int64 `json:"batches"`
	RemoteCalls       int64 `json:"remote_calls"`
	CallsSaved        int64 `json:"calls_saved"`
	FailedBatches     int64 `json:"failed_batches"`
	IndividualRetries int64 `json:"individual_retries"`
}

type result struct {
	value uint64
	err   error
}

type pending struct {
	entityKey  string
	clientID   string
	enqueuedAt time.Time
	resultCh   chan result
}

type group struct {
	items          []*pending
	flushScheduled bool
}

// Batcher coalesces single-entity balance lookups arriving within one window
// into one multi-entity call, grouped by the credential the client is
// sharded to.
type Batcher struct {
	caller Caller
	shards *shard.Manager // optional; nil pools everything into one group
	window time.Duration
	size   int

	mu     sync.Mutex
	groups map[int]*group

	statsMu sync.Mutex
	stats   Stats
}

// NewBatcher creates a request batcher.
func NewBatcher(config Config, caller Caller, shards *shard.Manager) *Batcher {
	windowMs := config.WindowMs
	if windowMs <= 0 {
		windowMs = 100
	}
	size := config.Size
	if size <= 0 {
		size = 10
	}
	return &Batcher{
		caller: caller,
		shards: shards,
		window: time.Duration(windowMs) * time.Millisecond,
		size:   size,
		groups: map[int]*group{},
	}
}

// Lookup resolves one entity's balance, waiting up to one batch window so
// concurrent callers sharded to the same credential share a remote call. A
// cancelled caller stops waiting but never blocks the rest of its batch.
func (b *Batcher) Lookup(ctx context.Context, entityKey, clientID string) (uint64, error) {
	if entityKey == "" {
		return 0, rpc.NewInvalidInputError("empty entity key")
	}

	groupKey := noShardGroup
	if b.shards != nil && clientID != "" {
		if a, err := b.shards.Assign(clientID); err == nil {
			groupKey = a.ShardIndex
		}
	}

	p := &pending{
		entityKey:  entityKey,
		clientID:   clientID,
		enqueuedAt: time.Now(),
		resultCh:   make(chan result, 1),
	}

	b.statsMu.Lock()
	b.stats.Requests++
	b.statsMu.Unlock()

	b.mu.Lock()
	g, ok := b.groups[groupKey]
	if !ok {
		g = &group{}
		b.groups[groupKey] = g
	}
	g.items = append(g.items, p)
	if !g.flushScheduled {
		g.flushScheduled = true
		go b.flushAfterWindow(groupKey)
	}
	b.mu.Unlock()

	select {
	case r := <-p.resultCh:
		return r.value, r.err
	case <-ctx.Done():
		return 0, rpc.NewNetworkError("", "lookup cancelled", ctx.Err())
	}
}

func (b *Batcher) flushAfterWindow(groupKey int) {
	time.Sleep(b.window)
	b.flush(groupKey)
}

func (b *Batcher) flush(groupKey int) {
	b.mu.Lock()
	g := b.groups[groupKey]
	n := len(g.items)
	if n == 0 {
		g.flushScheduled = false
		b.mu.Unlock()
		return
	}
	take := n
	if take > b.size {
		take = b.size
	}
	items := g.items[:take]
	g.items = append([]*pending(nil), g.items[take:]...)
	if len(g.items) > 0 {
		// leftovers wait for the next window
		go b.flushAfterWindow(groupKey)
	} else {
		g.flushScheduled = false
	}
	b.mu.Unlock()

	ctx := context.Background()

	if len(items) == 1 {
		// no coalescing opportunity, skip the multi-entity shape
		p := items[0]
		value, err := b.single(ctx, p)
		b.statsMu.Lock()
		b.stats.RemoteCalls++
		b.statsMu.Unlock()
		p.resultCh <- result{value: value, err: err}
		return
	}

	flushID := uuid.NewString()
	keys := make([]string, len(items))
	for i, p := range items {
		keys[i] = p.entityKey
	}

	raw, err := b.caller.Call(ctx, rpc.MethodGetMultipleAccounts, []any{keys}, items[0].clientID)

	b.statsMu.Lock()
	b.stats.Batches++
	b.stats.RemoteCalls++
	b.statsMu.Unlock()

	var balances []uint64
	if err == nil {
		balances, err = rpc.ParseMultipleBalances(raw, len(items))
	}
	if err != nil {
		b.statsMu.Lock()
		b.stats.FailedBatches++
		b.statsMu.Unlock()
		observ.LogError("batch_call_failed", err, map[string]any{
			"flush_id": flushID,
			"group":    groupKey,
			"size":     len(items),
		})
		b.retryIndividually(ctx, items)
		return
	}

	// all coalesced waiters resolve together
	for i, p := range items {
		p.resultCh <- result{value: balances[i]}
	}

	b.statsMu.Lock()
	b.stats.CallsSaved += int64(len(items) - 1)
	b.statsMu.Unlock()

	observ.IncCounter("batch_flushes_total", nil)
	observ.Observe("batch_size", float64(len(items)), nil)
	observ.Log("batch_flushed", map[string]any{
		"flush_id": flushID,
		"group":    groupKey,
		"size":     len(items),
	})
}

// retryIndividually degrades a failed batch to per-item calls so one bad
// entity cannot sink its batchmates.
func (b *Batcher) retryIndividually(ctx context.Context, items []*pending) {
	for _, p := range items {
		b.statsMu.Lock()
		b.stats.IndividualRetries++
		b.stats.RemoteCalls++
		b.statsMu.Unlock()

		value, err := b.single(ctx, p)
		p.resultCh <- result{value: value, err: err}
	}
}

func (b *Batcher) single(ctx context.Context, p *pending) (uint64, error) {
	raw, err := b.caller.Call(ctx, rpc.MethodGetBalance, []any{p.entityKey}, p.clientID)
	if err != nil {
		return 0, err
	}
	return rpc.ParseBalance(raw)
}

// Stats returns a point-in-time copy of the counters.
func (b *Batcher) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
