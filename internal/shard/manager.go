package shard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nodegate/nodegate/internal/observ"
	"github.com/nodegate/nodegate/internal/usage"
)

// Fixed 3-way numeric ranges, closed bounds, checked in ascending order.
var shardRanges = [3][2]int{{1, 200}, {201, 400}, {401, 500}}

// HealthProbe checks whether a credential endpoint is serving again. A nil
// error means healthy.
type HealthProbe func(ctx context.Context, endpoint string) error

// Config holds shard manager settings.
type Config struct {
	EndpointTemplate        string // fmt template with one %s for the secret
	MinSecretLength         int
	RecoveryIntervalSeconds int
	RecoveryWaitSeconds     int
	OverflowToLastShard     bool // route out-of-range numeric IDs through the last shard
}

// Assignment binds a logical client to its sharding key and credential.
type Assignment struct {
	ClientID   string `json:"client_id"`
	NumericID  int    `json:"numeric_id"`
	ShardIndex int    `json:"shard_index"`
}

// Route is the resolved credential for one request.
type Route struct {
	Index    int
	Endpoint string
}

// CredentialStatus is a read-only snapshot of one credential's state.
type CredentialStatus struct {
	Index               int       `json:"index"`
	RangeLow            int       `json:"range_low"`
	RangeHigh           int       `json:"range_high"`
	Available           bool      `json:"available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UnavailableSince    time.Time `json:"unavailable_since,omitempty"`
	RecoveryAttempts    int       `json:"recovery_attempts"`
	LastVerified        time.Time `json:"last_verified,omitempty"`
	LastFailureReason   string    `json:"last_failure_reason,omitempty"`
}

type credentialState struct {
	mu                  sync.Mutex
	index               int
	endpoint            string
	rangeLow            int // 0,0 means no range: routable only by explicit index
	rangeHigh           int
	available           bool
	consecutiveFailures int
	unavailableSince    time.Time
	recoveryAttempts    int
	lastVerified        time.Time
	lastFailureReason   string
}

// Manager owns credential state and the deterministic client-to-credential
// routing. All mutation goes through manager operations; callers only ever
// see snapshots.
type Manager struct {
	config      Config
	credentials []*credentialState
	monitor     *usage.Monitor
	probe       HealthProbe

	assignMu    sync.RWMutex
	assignments map[string]Assignment

	recoveryCancel context.CancelFunc
	recoveryDone   chan struct{}
}

// NewManager creates a shard manager. Credentials are loaded separately so
// startup can report how many secrets survived validation.
func NewManager(config Config, monitor *usage.Monitor, probe HealthProbe) *Manager {
	if config.MinSecretLength <= 0 {
		config.MinSecretLength = 8
	}
	if config.RecoveryIntervalSeconds <= 0 {
		config.RecoveryIntervalSeconds = 30
	}
	if config.RecoveryWaitSeconds <= 0 {
		config.RecoveryWaitSeconds = 300
	}
	return &Manager{
		config:      config,
		monitor:     monitor,
		probe:       probe,
		assignments: map[string]Assignment{},
	}
}

// LoadCredentials validates the ordered secret list and keeps only valid
// entries, each bound to its fixed numeric range by position. Invalid secrets
// shrink the shard count; they are never an error.
func (m *Manager) LoadCredentials(secrets []string) int {
	m.credentials = m.credentials[:0]
	kept := 0
	for i, secret := range secrets {
		if len(secret) < m.config.MinSecretLength {
			observ.Log("credential_rejected", map[string]any{
				"position": i,
				"reason":   "secret too short",
			})
			continue
		}
		cs := &credentialState{
			index:     kept,
			endpoint:  fmt.Sprintf(m.config.EndpointTemplate, secret),
			available: true,
		}
		if kept < len(shardRanges) {
			cs.rangeLow = shardRanges[kept][0]
			cs.rangeHigh = shardRanges[kept][1]
		}
		m.credentials = append(m.credentials, cs)
		m.setAvailabilityGauge(kept, true)
		kept++
	}
	observ.Log("credentials_loaded", map[string]any{
		"supplied": len(secrets),
		"kept":     kept,
	})
	return kept
}

// CredentialCount returns the number of loaded credentials.
func (m *Manager) CredentialCount() int {
	return len(m.credentials)
}

// Assign resolves the client's shard, creating and caching the assignment on
// first use. Re-derivation is deterministic, so the cache never needs expiry.
func (m *Manager) Assign(clientID string) (Assignment, error) {
	m.assignMu.RLock()
	if a, ok := m.assignments[clientID]; ok {
		m.assignMu.RUnlock()
		return a, nil
	}
	m.assignMu.RUnlock()

	numericID := DeriveNumericID(clientID)
	shardIndex := -1
	for _, cs := range m.credentials {
		if cs.rangeLow == 0 && cs.rangeHigh == 0 {
			continue
		}
		if numericID >= cs.rangeLow && numericID <= cs.rangeHigh {
			shardIndex = cs.index
			break
		}
	}
	if shardIndex < 0 && m.config.OverflowToLastShard {
		for i := len(m.credentials) - 1; i >= 0; i-- {
			if m.credentials[i].rangeHigh > 0 {
				shardIndex = m.credentials[i].index
				break
			}
		}
	}
	if shardIndex < 0 {
		return Assignment{}, fmt.Errorf("no route for client %q (numeric id %d outside configured ranges)", clientID, numericID)
	}

	a := Assignment{ClientID: clientID, NumericID: numericID, ShardIndex: shardIndex}

	m.assignMu.Lock()
	// another goroutine may have raced the derivation; result is identical
	m.assignments[clientID] = a
	m.assignMu.Unlock()

	return a, nil
}

// RouteFor returns the credential route for the client, or nil when the
// client has no routable credential or its credential is unavailable. A
// returned route counts against the credential's daily usage.
func (m *Manager) RouteFor(clientID string) *Route {
	a, err := m.Assign(clientID)
	if err != nil {
		return nil
	}
	cs := m.credentials[a.ShardIndex]

	cs.mu.Lock()
	available := cs.available
	endpoint := cs.endpoint
	cs.mu.Unlock()

	if !available {
		return nil
	}
	if m.monitor != nil {
		m.monitor.RecordRequest(a.ShardIndex)
	}
	return &Route{Index: a.ShardIndex, Endpoint: endpoint}
}

// MarkUnavailable takes a credential out of rotation and stamps when it went
// down so the recovery loop knows when to probe.
func (m *Manager) MarkUnavailable(index int, reason string) {
	if index < 0 || index >= len(m.credentials) {
		return
	}
	cs := m.credentials[index]
	cs.mu.Lock()
	cs.available = false
	cs.consecutiveFailures++
	cs.unavailableSince = time.Now()
	cs.lastFailureReason = reason
	failures := cs.consecutiveFailures
	cs.mu.Unlock()

	m.setAvailabilityGauge(index, false)
	observ.Log("credential_unavailable", map[string]any{
		"credential":           index,
		"reason":               reason,
		"consecutive_failures": failures,
	})
}

// MarkAvailable puts a credential back into rotation. On an already-available
// credential only the verification timestamp moves.
func (m *Manager) MarkAvailable(index int) {
	if index < 0 || index >= len(m.credentials) {
		return
	}
	cs := m.credentials[index]
	cs.mu.Lock()
	wasAvailable := cs.available
	cs.available = true
	cs.consecutiveFailures = 0
	cs.unavailableSince = time.Time{}
	cs.recoveryAttempts = 0
	cs.lastVerified = time.Now()
	cs.lastFailureReason = ""
	cs.mu.Unlock()

	m.setAvailabilityGauge(index, true)
	if !wasAvailable {
		observ.Log("credential_recovered", map[string]any{"credential": index})
	}
}

// ShouldUseFallback reports whether the client's requests must bypass its
// dedicated credential: true when its credential is unavailable or absent,
// or when every loaded credential is down.
func (m *Manager) ShouldUseFallback(clientID string) bool {
	if len(m.credentials) == 0 {
		return true
	}

	allDown := true
	for _, cs := range m.credentials {
		cs.mu.Lock()
		if cs.available {
			allDown = false
		}
		cs.mu.Unlock()
	}
	if allDown {
		return true
	}

	a, err := m.Assign(clientID)
	if err != nil {
		return true
	}
	cs := m.credentials[a.ShardIndex]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.available
}

// Snapshot returns read-only copies of every credential's state.
func (m *Manager) Snapshot() []CredentialStatus {
	out := make([]CredentialStatus, 0, len(m.credentials))
	for _, cs := range m.credentials {
		cs.mu.Lock()
		out = append(out, CredentialStatus{
			Index:               cs.index,
			RangeLow:            cs.rangeLow,
			RangeHigh:           cs.rangeHigh,
			Available:           cs.available,
			ConsecutiveFailures: cs.consecutiveFailures,
			UnavailableSince:    cs.unavailableSince,
			RecoveryAttempts:    cs.recoveryAttempts,
			LastVerified:        cs.lastVerified,
			LastFailureReason:   cs.lastFailureReason,
		})
		cs.mu.Unlock()
	}
	return out
}

// StartRecoveryLoop launches the background prober. The loop runs until
// StopRecoveryLoop is called or ctx is cancelled; stopping it never touches
// in-flight request handling.
func (m *Manager) StartRecoveryLoop(ctx context.Context) {
	if m.recoveryCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.recoveryCancel = cancel
	m.recoveryDone = make(chan struct{})

	interval := time.Duration(m.config.RecoveryIntervalSeconds) * time.Second
	go func() {
		defer close(m.recoveryDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RecoverySweep(ctx)
			}
		}
	}()
	observ.Log("recovery_loop_started", map[string]any{
		"interval_seconds": m.config.RecoveryIntervalSeconds,
		"wait_seconds":     m.config.RecoveryWaitSeconds,
	})
}

// StopRecoveryLoop cancels the prober and waits for it to exit.
func (m *Manager) StopRecoveryLoop() {
	if m.recoveryCancel == nil {
		return
	}
	m.recoveryCancel()
	<-m.recoveryDone
	m.recoveryCancel = nil
	m.recoveryDone = nil
	observ.Log("recovery_loop_stopped", nil)
}

// RecoverySweep probes every unavailable credential whose wait has elapsed.
// A failed probe restarts the wait; the backoff is flat.
func (m *Manager) RecoverySweep(ctx context.Context) {
	if m.probe == nil {
		return
	}
	wait := time.Duration(m.config.RecoveryWaitSeconds) * time.Second

	for _, cs := range m.credentials {
		cs.mu.Lock()
		due := !cs.available && !cs.unavailableSince.IsZero() && time.Since(cs.unavailableSince) >= wait
		if due {
			cs.recoveryAttempts++
		}
		index := cs.index
		endpoint := cs.endpoint
		attempts := cs.recoveryAttempts
		cs.mu.Unlock()

		if !due {
			continue
		}

		observ.Log("credential_recovery_probe", map[string]any{
			"credential": index,
			"attempt":    attempts,
		})
		if err := m.probe(ctx, endpoint); err != nil {
			cs.mu.Lock()
			cs.unavailableSince = time.Now()
			cs.mu.Unlock()
			observ.LogError("credential_recovery_probe_failed", err, map[string]any{
				"credential": index,
				"attempt":    attempts,
			})
			continue
		}
		m.MarkAvailable(index)
	}
}

func (m *Manager) setAvailabilityGauge(index int, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	observ.SetGauge("credential_available", v, map[string]string{
		"credential": fmt.Sprintf("%d", index),
	})
}
