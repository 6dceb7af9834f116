package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodegate/nodegate/internal/observ"
	"github.com/nodegate/nodegate/internal/shard"
)

// WorkFunc runs one due client's per-cycle work: batched balance lookup plus
// cached computations.
type WorkFunc func(ctx context.Context, clientID string) error

// RefreshFunc refreshes a shared cache. Refreshers run once per cycle, never
// once per client.
type RefreshFunc func(ctx context.Context)

// Config holds scheduler settings.
type Config struct {
	TickMs               int `yaml:"tick_ms"`
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	StaggerWindowSeconds int `yaml:"stagger_window_seconds"`
}

// Stats are cumulative across the scheduler's lifetime.
type Stats struct {
	CycleCount          int64   `json:"cycle_count"`
	ClientsPolled       int64   `json:"clients_polled"`
	PendingAtCycleStart int64   `json:"pending_at_cycle_start"`
	PollsPerSecond      float64 `json:"polls_per_second"`
	RegisteredClients   int     `json:"registered_clients"`
}

type clientState struct {
	clientID      string
	lastPollAt    time.Time
	pollInterval  time.Duration
	staggerOffset time.Duration
}

// Scheduler drives the periodic poll loop: each tick it computes the due
// set, refreshes shared caches once, and runs each due client exactly once.
// Per-client failures are isolated; they never abort the cycle for others.
type Scheduler struct {
	config     Config
	work       WorkFunc
	refreshers []RefreshFunc

	mu      sync.Mutex
	clients map[string]*clientState

	statsMu   sync.Mutex
	stats     Stats
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. work runs for every due client; refreshers run
// once per cycle before any client work.
func New(config Config, work WorkFunc, refreshers ...RefreshFunc) *Scheduler {
	if config.TickMs <= 0 {
		config.TickMs = 1000
	}
	if config.PollIntervalSeconds <= 0 {
		config.PollIntervalSeconds = 60
	}
	if config.StaggerWindowSeconds <= 0 {
		config.StaggerWindowSeconds = 60
	}
	return &Scheduler{
		config:     config,
		work:       work,
		refreshers: refreshers,
		clients:    map[string]*clientState{},
	}
}

// StaggerOffset returns the deterministic offset for a client within the
// stagger window. Spreading first-poll times across the window keeps N
// clients from bursting on the same tick.
func (s *Scheduler) StaggerOffset(clientID string) time.Duration {
	offset := shard.DeriveNumericID(clientID) % s.config.StaggerWindowSeconds
	return time.Duration(offset) * time.Second
}

// Register adds a client to the poll rotation. The initial lastPollAt is
// back-dated so the first due time already reflects the stagger offset
// instead of waiting a full interval. Registering twice is a no-op.
func (s *Scheduler) Register(clientID string, pollIntervalSeconds int) {
	if pollIntervalSeconds <= 0 {
		pollIntervalSeconds = s.config.PollIntervalSeconds
	}
	interval := time.Duration(pollIntervalSeconds) * time.Second
	offset := s.StaggerOffset(clientID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[clientID]; exists {
		return
	}
	s.clients[clientID] = &clientState{
		clientID:      clientID,
		lastPollAt:    time.Now().Add(-interval).Add(offset),
		pollInterval:  interval,
		staggerOffset: offset,
	}
	observ.SetGauge("scheduler_registered_clients", float64(len(s.clients)), nil)
}

// Remove drops a client from the rotation.
func (s *Scheduler) Remove(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	observ.SetGauge("scheduler_registered_clients", float64(len(s.clients)), nil)
	s.mu.Unlock()
}

// Start launches the tick loop. Stop or ctx cancellation ends it.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.statsMu.Lock()
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	s.statsMu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Duration(s.config.TickMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunCycle(ctx)
			}
		}
	}()
	observ.Log("scheduler_started", map[string]any{
		"tick_ms":                s.config.TickMs,
		"poll_interval_seconds":  s.config.PollIntervalSeconds,
		"stagger_window_seconds": s.config.StaggerWindowSeconds,
	})
}

// Stop cancels the tick loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	observ.Log("scheduler_stopped", nil)
}

// RunCycle executes one scheduling cycle. Exposed so callers can drive the
// scheduler manually in tests or on external triggers.
func (s *Scheduler) RunCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	due := make([]*clientState, 0)
	for _, cs := range s.clients {
		if now.Sub(cs.lastPollAt) >= cs.pollInterval {
			due = append(due, cs)
		}
	}
	s.mu.Unlock()

	// shared caches refresh once for the whole cycle, before client work
	for _, refresh := range s.refreshers {
		refresh(ctx)
	}

	polled := 0
	for _, cs := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.work(ctx, cs.clientID); err != nil {
			observ.LogError("client_poll_failed", err, map[string]any{
				"cycle_id":  cycleID,
				"client_id": cs.clientID,
			})
			observ.IncCounter("scheduler_poll_errors_total", nil)
		}
		// lastPollAt moves regardless of outcome so one failing client
		// cannot hog every subsequent cycle
		s.mu.Lock()
		cs.lastPollAt = time.Now()
		s.mu.Unlock()
		polled++
	}

	s.statsMu.Lock()
	s.stats.CycleCount++
	s.stats.ClientsPolled += int64(polled)
	s.stats.PendingAtCycleStart += int64(len(due))
	s.statsMu.Unlock()

	if polled > 0 {
		observ.IncCounterBy("scheduler_clients_polled_total", nil, float64(polled))
		observ.Log("scheduler_cycle", map[string]any{
			"cycle_id": cycleID,
			"due":      len(due),
			"polled":   polled,
		})
	}
}

// Stats returns cumulative scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	registered := len(s.clients)
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := s.stats
	out.RegisteredClients = registered
	if !s.startedAt.IsZero() {
		elapsed := time.Since(s.startedAt).Seconds()
		if elapsed > 0 {
			out.PollsPerSecond = float64(s.stats.ClientsPolled) / elapsed
		}
	}
	return out
}
