package shard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, secrets []string, probe HealthProbe) *Manager {
	t.Helper()
	m := NewManager(Config{
		EndpointTemplate:    "https://rpc.test/?api-key=%s",
		MinSecretLength:     8,
		RecoveryWaitSeconds: 1,
	}, nil, probe)
	m.LoadCredentials(secrets)
	return m
}

var threeSecrets = []string{"secret-aaaaaaaa", "secret-bbbbbbbb", "secret-cccccccc"}

func TestLoadCredentialsValidation(t *testing.T) {
	tests := []struct {
		name    string
		secrets []string
		want    int
	}{
		{"all valid", threeSecrets, 3},
		{"short secret dropped", []string{"secret-aaaaaaaa", "short", "secret-cccccccc"}, 2},
		{"empty secret dropped", []string{"", "secret-bbbbbbbb"}, 1},
		{"none valid", []string{"", "x"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.secrets, nil)
			assert.Equal(t, tt.want, m.CredentialCount())
		})
	}
}

func TestAssignRangeMembership(t *testing.T) {
	m := newTestManager(t, threeSecrets, nil)
	for n := 1; n <= 500; n++ {
		a, err := m.Assign(fmt.Sprintf("user_%d", n))
		require.NoError(t, err, "numeric id %d", n)

		want := 2
		if n <= 200 {
			want = 0
		} else if n <= 400 {
			want = 1
		}
		require.Equal(t, want, a.ShardIndex, "numeric id %d", n)
	}
}

func TestAssignIdempotent(t *testing.T) {
	m := newTestManager(t, threeSecrets, nil)
	first, err := m.Assign("user_305")
	require.NoError(t, err)
	again, err := m.Assign("user_305")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestAssignNoRouteOutsideRanges(t *testing.T) {
	m := newTestManager(t, threeSecrets, nil)
	_, err := m.Assign("user_501")
	assert.Error(t, err)

	overflow := NewManager(Config{
		EndpointTemplate:    "https://rpc.test/?api-key=%s",
		OverflowToLastShard: true,
	}, nil, nil)
	overflow.LoadCredentials(threeSecrets)
	a, err := overflow.Assign("user_501")
	require.NoError(t, err)
	assert.Equal(t, 2, a.ShardIndex)
}

func TestAssignNoRouteWithFewerShards(t *testing.T) {
	// one credential owns only [1,200]
	m := newTestManager(t, threeSecrets[:1], nil)
	_, err := m.Assign("user_150")
	require.NoError(t, err)
	_, err = m.Assign("user_300")
	assert.Error(t, err)
}

func TestMarkUnavailableAndAvailable(t *testing.T) {
	m := newTestManager(t, threeSecrets, nil)

	m.MarkUnavailable(1, "rate_limit")
	m.MarkUnavailable(1, "rate_limit")
	st := m.Snapshot()[1]
	assert.False(t, st.Available)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, "rate_limit", st.LastFailureReason)
	assert.False(t, st.UnavailableSince.IsZero())

	m.MarkAvailable(1)
	st = m.Snapshot()[1]
	assert.True(t, st.Available)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 0, st.RecoveryAttempts)
	assert.True(t, st.UnavailableSince.IsZero())

	// marking an already-available credential only refreshes verification
	before := st.LastVerified
	time.Sleep(5 * time.Millisecond)
	m.MarkAvailable(1)
	st = m.Snapshot()[1]
	assert.True(t, st.Available)
	assert.True(t, st.LastVerified.After(before))
}

func TestRouteForUnavailableCredential(t *testing.T) {
	m := newTestManager(t, threeSecrets, nil)
	require.NotNil(t, m.RouteFor("user_305"))

	m.MarkUnavailable(1, "rate_limit")
	assert.Nil(t, m.RouteFor("user_305"))
	// other shards unaffected
	assert.NotNil(t, m.RouteFor("user_10"))
}

func TestShouldUseFallback(t *testing.T) {
	m := newTestManager(t, threeSecrets, nil)
	assert.False(t, m.ShouldUseFallback("user_305"))

	m.MarkUnavailable(1, "rate_limit")
	assert.True(t, m.ShouldUseFallback("user_305"))
	assert.False(t, m.ShouldUseFallback("user_10"))

	// global fallback once every credential is down
	m.MarkUnavailable(0, "rate_limit")
	m.MarkUnavailable(2, "rate_limit")
	assert.True(t, m.ShouldUseFallback("user_10"))
}

func TestRecoverySweepRestoresCredential(t *testing.T) {
	var probeCalls atomic.Int64
	probeErr := atomic.Bool{}
	probe := func(ctx context.Context, endpoint string) error {
		probeCalls.Add(1)
		if probeErr.Load() {
			return errors.New("still limited")
		}
		return nil
	}
	m := newTestManager(t, threeSecrets, probe)

	m.MarkUnavailable(1, "rate_limit")
	require.True(t, m.ShouldUseFallback("user_305"))

	// wait has not elapsed: no probe
	m.RecoverySweep(context.Background())
	assert.Equal(t, int64(0), probeCalls.Load())

	time.Sleep(1100 * time.Millisecond)

	// failed probe restarts the wait
	probeErr.Store(true)
	m.RecoverySweep(context.Background())
	assert.Equal(t, int64(1), probeCalls.Load())
	st := m.Snapshot()[1]
	assert.False(t, st.Available)
	assert.Equal(t, 1, st.RecoveryAttempts)

	// wait restarted: immediate sweep is a no-op
	m.RecoverySweep(context.Background())
	assert.Equal(t, int64(1), probeCalls.Load())

	time.Sleep(1100 * time.Millisecond)
	probeErr.Store(false)
	m.RecoverySweep(context.Background())
	assert.Equal(t, int64(2), probeCalls.Load())

	assert.True(t, m.Snapshot()[1].Available)
	assert.False(t, m.ShouldUseFallback("user_305"))
}

func TestRecoveryLoopLifecycle(t *testing.T) {
	m := NewManager(Config{
		EndpointTemplate:        "https://rpc.test/?api-key=%s",
		RecoveryIntervalSeconds: 1,
		RecoveryWaitSeconds:     1,
	}, nil, func(ctx context.Context, endpoint string) error { return nil })
	m.LoadCredentials(threeSecrets)

	ctx := context.Background()
	m.StartRecoveryLoop(ctx)
	m.StopRecoveryLoop()
	// stop twice is safe
	m.StopRecoveryLoop()
}
