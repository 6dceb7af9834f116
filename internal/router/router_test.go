package router

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegate/nodegate/internal/alerts"
	"github.com/nodegate/nodegate/internal/config"
	"github.com/nodegate/nodegate/internal/provider"
	"github.com/nodegate/nodegate/internal/rpc"
	"github.com/nodegate/nodegate/internal/stubs"
)

// testConfig points both the provider pool and the credential endpoints at a
// single stub node.
func testConfig(nodeURL string) config.Root {
	return config.Root{
		Credentials: config.Credentials{
			Secrets:                 []string{"secret-aaaaaaaa", "secret-bbbbbbbb", "secret-cccccccc"},
			EndpointTemplate:        nodeURL + "/?api-key=%s",
			DailyLimit:              3300,
			MinSecretLength:         8,
			RecoveryIntervalSeconds: 30,
			RecoveryWaitSeconds:     300,
		},
		Providers: []provider.Config{
			{Name: "primary", Endpoint: nodeURL, Priority: 1, MaxConsecutiveFailures: 3},
		},
		RPC:       config.RPC{TimeoutSeconds: 5, MaxRetries: 2},
		Cache:     config.Cache{ValueTTLSeconds: 60, ComputationTTLSeconds: 300, SweepIntervalSeconds: 60},
		Batch:     config.Batch{WindowMs: 30, Size: 10},
		Scheduler: config.Scheduler{TickMs: 1000, PollIntervalSeconds: 60, StaggerWindowSeconds: 60},
	}
}

func newTestRouter(t *testing.T, node *stubs.NodeServer) (*Router, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(node)
	t.Cleanup(ts.Close)

	r, err := New(testConfig(ts.URL), &alerts.LogSink{})
	require.NoError(t, err)
	return r, ts
}

func TestNewRejectsZeroProviders(t *testing.T) {
	_, err := New(config.Root{}, &alerts.LogSink{})
	require.Error(t, err)
	assert.Equal(t, rpc.ErrTypeConfig, rpc.Classify(err))
}

func TestNewRejectsAllInvalidSecrets(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Credentials.Secrets = []string{"short", "tiny"}
	_, err := New(cfg, &alerts.LogSink{})
	require.Error(t, err)
	assert.Equal(t, rpc.ErrTypeConfig, rpc.Classify(err))
}

func TestLookupBalanceEndToEnd(t *testing.T) {
	node := stubs.NewNodeServer()
	node.SetBalance("9xQeWvG8wallet", 2_500_000_000)
	r, _ := newTestRouter(t, node)

	got, err := r.LookupBalance(context.Background(), "9xQeWvG8wallet", "user_305")
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000_000), got)

	// the dedicated credential served it and its usage was recorded
	usage := r.UsageSnapshot()
	require.Len(t, usage, 3)
	assert.Equal(t, 1, usage[1].RequestsToday)
	assert.Equal(t, 0, usage[0].RequestsToday)
}

func TestPollCycleUpdatesLastBalance(t *testing.T) {
	node := stubs.NewNodeServer()
	node.SetBalance("walletA", 111)
	r, _ := newTestRouter(t, node)

	// numeric id 60 -> stagger offset 0 -> due on the first cycle
	r.RegisterClient("user_60", "walletA", 60)

	_, ok := r.LastBalance("user_60")
	assert.False(t, ok)

	r.sched.RunCycle(context.Background())

	got, ok := r.LastBalance("user_60")
	require.True(t, ok)
	assert.Equal(t, uint64(111), got)
}

func TestRemoveClientForgetsState(t *testing.T) {
	node := stubs.NewNodeServer()
	r, _ := newTestRouter(t, node)

	r.RegisterClient("user_60", "walletA", 60)
	r.sched.RunCycle(context.Background())
	_, ok := r.LastBalance("user_60")
	require.True(t, ok)

	r.RemoveClient("user_60")
	_, ok = r.LastBalance("user_60")
	assert.False(t, ok)
	assert.Equal(t, 0, r.SchedulerSnapshot().RegisteredClients)
}

func TestSharedComputationIgnoresIdentity(t *testing.T) {
	node := stubs.NewNodeServer()
	r, _ := newTestRouter(t, node)

	calls := 0
	compute := func() (any, error) {
		calls++
		return 42.0, nil
	}

	// two clients, same market inputs, different identities
	a, err := r.GetOrComputeShared("strategy", map[string]any{
		"price": 150.5, "client_id": "user_10",
	}, time.Minute, compute)
	require.NoError(t, err)

	b, err := r.GetOrComputeShared("strategy", map[string]any{
		"price": 150.5, "client_id": "user_305",
	}, time.Minute, compute)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, calls, "identical inputs share one computation")
}

func TestSharedValueRoundTrip(t *testing.T) {
	node := stubs.NewNodeServer()
	r, _ := newTestRouter(t, node)

	r.SetSharedValue("price:SOL", 150.5, time.Minute)
	got, ok := r.GetSharedValue("price:SOL")
	require.True(t, ok)
	assert.Equal(t, 150.5, got)

	computed, err := r.GetOrComputeSharedValue("price:ETH", time.Minute, func() (float64, error) {
		return 3200.0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3200.0, computed)
}

func TestRefreshersRunBeforeClientWork(t *testing.T) {
	node := stubs.NewNodeServer()
	r, _ := newTestRouter(t, node)

	refreshed := false
	r.AddRefresher(func(context.Context) {
		r.SetSharedValue("price:SOL", 151.0, time.Minute)
		refreshed = true
	})
	r.RegisterClient("user_60", "walletA", 60)

	r.sched.RunCycle(context.Background())

	assert.True(t, refreshed)
	_, ok := r.GetSharedValue("price:SOL")
	assert.True(t, ok)
}

func TestSnapshotsReflectActivity(t *testing.T) {
	node := stubs.NewNodeServer()
	r, _ := newTestRouter(t, node)

	_, err := r.LookupBalance(context.Background(), "walletA", "user_10")
	require.NoError(t, err)

	shards := r.ShardSnapshot()
	require.Len(t, shards, 3)
	assert.True(t, shards[0].Available)

	providers := r.ProviderSnapshot()
	require.Len(t, providers, 1)
	assert.Equal(t, "primary", providers[0].Name)
	assert.True(t, providers[0].Available)

	assert.Equal(t, int64(1), r.BatcherSnapshot().Requests)

	caches := r.CacheSnapshot()
	assert.Contains(t, caches, "shared_value")
	assert.Contains(t, caches, "shared_computation")
}

func TestStartStopLifecycle(t *testing.T) {
	node := stubs.NewNodeServer()
	r, _ := newTestRouter(t, node)
	r.RegisterClient("user_60", "walletA", 60)

	r.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	// stopping twice must not panic or hang
	r.Stop()
}

func TestResetDailyUsage(t *testing.T) {
	node := stubs.NewNodeServer()
	r, _ := newTestRouter(t, node)

	_, err := r.LookupBalance(context.Background(), "walletA", "user_305")
	require.NoError(t, err)
	require.Equal(t, 1, r.UsageSnapshot()[1].RequestsToday)

	r.ResetDailyUsage()
	for _, rec := range r.UsageSnapshot() {
		assert.Equal(t, 0, rec.RequestsToday)
	}
}
