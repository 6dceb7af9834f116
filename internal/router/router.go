package router

import (
	"context"
	"sync"
	"time"

	"github.com/nodegate/nodegate/internal/alerts"
	"github.com/nodegate/nodegate/internal/batch"
	"github.com/nodegate/nodegate/internal/cache"
	"github.com/nodegate/nodegate/internal/config"
	"github.com/nodegate/nodegate/internal/observ"
	"github.com/nodegate/nodegate/internal/provider"
	"github.com/nodegate/nodegate/internal/rpc"
	"github.com/nodegate/nodegate/internal/scheduler"
	"github.com/nodegate/nodegate/internal/shard"
	"github.com/nodegate/nodegate/internal/usage"
)

// Router is the facade over the request-routing core: credential sharding,
// provider fallback, batching, shared caching, and the polling scheduler.
// It owns every background loop and starts and stops them deterministically.
type Router struct {
	cfg     config.Root
	client  *rpc.Client
	monitor *usage.Monitor
	shards  *shard.Manager // nil when no credentials are configured
	chain   *provider.Chain
	batcher *batch.Batcher
	sched   *scheduler.Scheduler

	valueCache *cache.TTLCache[float64]
	compCache  *cache.TTLCache[any]

	mu           sync.RWMutex
	entities     map[string]string // clientID -> balance entity key
	lastBalances map[string]uint64
	refreshers   []scheduler.RefreshFunc

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New wires the core from configuration. Supplied-but-all-invalid credentials
// and zero providers both fail fast.
func New(cfg config.Root, sink alerts.Sink) (*Router, error) {
	client := rpc.NewClient(rpc.Config{
		TimeoutSeconds: cfg.RPC.TimeoutSeconds,
		RPSLimit:       cfg.RPC.RPSLimit,
	})

	r := &Router{
		cfg:          cfg,
		client:       client,
		valueCache:   cache.New[float64]("shared_value"),
		compCache:    cache.New[any]("shared_computation"),
		entities:     map[string]string{},
		lastBalances: map[string]uint64{},
	}

	if len(cfg.Credentials.Secrets) > 0 {
		valid := 0
		for _, s := range cfg.Credentials.Secrets {
			if len(s) >= cfg.Credentials.MinSecretLength {
				valid++
			}
		}
		if valid == 0 {
			return nil, rpc.NewConfigError("credential secrets supplied but none passed validation")
		}

		r.monitor = usage.NewMonitor(valid, cfg.Credentials.DailyLimit, sink)
		r.shards = shard.NewManager(shard.Config{
			EndpointTemplate:        cfg.Credentials.EndpointTemplate,
			MinSecretLength:         cfg.Credentials.MinSecretLength,
			RecoveryIntervalSeconds: cfg.Credentials.RecoveryIntervalSeconds,
			RecoveryWaitSeconds:     cfg.Credentials.RecoveryWaitSeconds,
			OverflowToLastShard:     cfg.Credentials.OverflowToLastShard,
		}, r.monitor, client.ProbeHealth)
		r.shards.LoadCredentials(cfg.Credentials.Secrets)
	}

	chain, err := provider.NewChain(cfg.Providers, client, r.shards, cfg.RPC.MaxRetries)
	if err != nil {
		return nil, err
	}
	r.chain = chain

	r.batcher = batch.NewBatcher(batch.Config{
		WindowMs: cfg.Batch.WindowMs,
		Size:     cfg.Batch.Size,
	}, chain, r.shards)

	r.sched = scheduler.New(scheduler.Config{
		TickMs:               cfg.Scheduler.TickMs,
		PollIntervalSeconds:  cfg.Scheduler.PollIntervalSeconds,
		StaggerWindowSeconds: cfg.Scheduler.StaggerWindowSeconds,
	}, r.pollOne, r.runRefreshers)

	return r, nil
}

// AddRefresher registers a shared-cache refresh hook to run once per
// scheduling cycle. Call before Start.
func (r *Router) AddRefresher(fn scheduler.RefreshFunc) {
	r.mu.Lock()
	r.refreshers = append(r.refreshers, fn)
	r.mu.Unlock()
}

func (r *Router) runRefreshers(ctx context.Context) {
	r.mu.RLock()
	refreshers := r.refreshers
	r.mu.RUnlock()
	for _, fn := range refreshers {
		fn(ctx)
	}
}

// Start launches the scheduler, the credential recovery prober, and the
// cache sweeper.
func (r *Router) Start(ctx context.Context) {
	r.sched.Start(ctx)
	if r.shards != nil {
		r.shards.StartRecoveryLoop(ctx)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})
	go r.sweepLoop(sweepCtx)

	observ.Log("router_started", map[string]any{
		"providers":   len(r.cfg.Providers),
		"credentials": len(r.cfg.Credentials.Secrets),
	})
}

// Stop shuts the background loops down in reverse order. In-flight batches
// resolve their waiters before their goroutines exit.
func (r *Router) Stop() {
	if r.sweepCancel != nil {
		r.sweepCancel()
		<-r.sweepDone
		r.sweepCancel = nil
	}
	if r.shards != nil {
		r.shards.StopRecoveryLoop()
	}
	r.sched.Stop()
	observ.Log("router_stopped", nil)
}

func (r *Router) sweepLoop(ctx context.Context) {
	defer close(r.sweepDone)
	interval := time.Duration(r.cfg.Cache.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := r.valueCache.EvictExpired() + r.compCache.EvictExpired()
			if evicted > 0 {
				observ.Log("cache_sweep", map[string]any{"evicted": evicted})
			}
		}
	}
}

// RegisterClient adds a logical client to the poll rotation with the entity
// whose balance it tracks.
func (r *Router) RegisterClient(clientID, entityKey string, pollIntervalSeconds int) {
	r.mu.Lock()
	r.entities[clientID] = entityKey
	r.mu.Unlock()
	r.sched.Register(clientID, pollIntervalSeconds)
}

// RemoveClient drops a client from the rotation.
func (r *Router) RemoveClient(clientID string) {
	r.sched.Remove(clientID)
	r.mu.Lock()
	delete(r.entities, clientID)
	delete(r.lastBalances, clientID)
	r.mu.Unlock()
}

// pollOne is the per-client cycle work: a batched balance lookup whose result
// is kept for LastBalance readers.
func (r *Router) pollOne(ctx context.Context, clientID string) error {
	r.mu.RLock()
	entityKey := r.entities[clientID]
	r.mu.RUnlock()
	if entityKey == "" {
		return nil
	}

	balance, err := r.batcher.Lookup(ctx, entityKey, clientID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lastBalances[clientID] = balance
	r.mu.Unlock()
	return nil
}

// LookupBalance fetches one entity's balance through the batcher, coalescing
// with any concurrent lookups on the same shard.
func (r *Router) LookupBalance(ctx context.Context, entityKey, clientID string) (uint64, error) {
	return r.batcher.Lookup(ctx, entityKey, clientID)
}

// LastBalance returns the most recent polled balance for a client.
func (r *Router) LastBalance(clientID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.lastBalances[clientID]
	return b, ok
}

// GetOrComputeShared returns a computation result shared across clients: the
// key is derived from the identity-filtered context, so clients with the
// same market inputs hit the same entry.
func (r *Router) GetOrComputeShared(name string, contextMap map[string]any, ttl time.Duration, fn func() (any, error)) (any, error) {
	if ttl <= 0 {
		ttl = time.Duration(r.cfg.Cache.ComputationTTLSeconds) * time.Second
	}
	key := cache.ComputationKey(name, contextMap)
	return r.compCache.GetOrCompute(key, ttl, fn)
}

// SetSharedValue stores a shared value (e.g. a price) under key.
func (r *Router) SetSharedValue(key string, value float64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Duration(r.cfg.Cache.ValueTTLSeconds) * time.Second
	}
	r.valueCache.Set(key, value, ttl)
}

// GetSharedValue reads a shared value.
func (r *Router) GetSharedValue(key string) (float64, bool) {
	return r.valueCache.Get(key)
}

// GetOrComputeSharedValue reads a shared value, computing it on miss.
func (r *Router) GetOrComputeSharedValue(key string, ttl time.Duration, fn func() (float64, error)) (float64, error) {
	if ttl <= 0 {
		ttl = time.Duration(r.cfg.Cache.ValueTTLSeconds) * time.Second
	}
	return r.valueCache.GetOrCompute(key, ttl, fn)
}

// Snapshot accessors for the status surface.

func (r *Router) UsageSnapshot() []usage.Record {
	if r.monitor == nil {
		return nil
	}
	return r.monitor.GetAllUsage()
}

func (r *Router) ShardSnapshot() []shard.CredentialStatus {
	if r.shards == nil {
		return nil
	}
	return r.shards.Snapshot()
}

func (r *Router) ProviderSnapshot() []provider.Status {
	return r.chain.Snapshot()
}

func (r *Router) SchedulerSnapshot() scheduler.Stats {
	return r.sched.Stats()
}

func (r *Router) BatcherSnapshot() batch.Stats {
	return r.batcher.Stats()
}

func (r *Router) CacheSnapshot() map[string]cache.Stats {
	return map[string]cache.Stats{
		"shared_value":       r.valueCache.Stats(),
		"shared_computation": r.compCache.Stats(),
	}
}

// ResetDailyUsage zeroes every credential's counters; wired to an external
// 24h timer by the daemon.
func (r *Router) ResetDailyUsage() {
	if r.monitor != nil {
		r.monitor.ResetDaily()
	}
}
