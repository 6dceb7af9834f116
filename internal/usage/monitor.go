package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/nodegate/nodegate/internal/alerts"
	"github.com/nodegate/nodegate/internal/observ"
)

const (
	warningThresholdPct  = 80.0
	criticalThresholdPct = 95.0
)

// Record is a point-in-time snapshot of one credential's usage.
type Record struct {
	CredentialIndex int       `json:"credential_index"`
	RequestsToday   int       `json:"requests_today"`
	DailyLimit      int       `json:"daily_limit"`
	UtilizationPct  float64   `json:"utilization_pct"`
	LastReset       time.Time `json:"last_reset"`
	AlertsSent      []string  `json:"alerts_sent"`
}

type credentialUsage struct {
	mu            sync.Mutex
	requestsToday int
	lastReset     time.Time
	alertsSent    map[string]bool
}

// Monitor tracks per-credential request counts against a shared daily limit
// and fires each threshold alert at most once per day per credential. Counters
// are locked per credential so clients sharded to different credentials never
// contend.
type Monitor struct {
	dailyLimit  int
	credentials []*credentialUsage
	sink        alerts.Sink
}

// NewMonitor creates a monitor for credentialCount credentials. A nil sink
// falls back to the log sink.
func NewMonitor(credentialCount, dailyLimit int, sink alerts.Sink) *Monitor {
	if dailyLimit <= 0 {
		dailyLimit = 3300
	}
	if sink == nil {
		sink = alerts.LogSink{}
	}
	creds := make([]*credentialUsage, credentialCount)
	now := time.Now()
	for i := range creds {
		creds[i] = &credentialUsage{lastReset: now, alertsSent: map[string]bool{}}
	}
	return &Monitor{dailyLimit: dailyLimit, credentials: creds, sink: sink}
}

// RecordRequest increments the counter for the given credential and evaluates
// thresholds, critical before warning. Unknown indexes are logged and
// ignored.
func (m *Monitor) RecordRequest(credentialIndex int) {
	if credentialIndex < 0 || credentialIndex >= len(m.credentials) {
		observ.IncCounter("usage_unknown_credential_total", nil)
		observ.Log("usage_unknown_credential", map[string]any{"credential_index": credentialIndex})
		return
	}

	cu := m.credentials[credentialIndex]
	cu.mu.Lock()
	cu.requestsToday++
	utilization := float64(cu.requestsToday) / float64(m.dailyLimit) * 100

	var fired *alerts.Alert
	switch {
	case utilization >= criticalThresholdPct && !cu.alertsSent[alerts.LevelCritical]:
		cu.alertsSent[alerts.LevelCritical] = true
		fired = m.formatAlert(alerts.LevelCritical, credentialIndex, cu.requestsToday, utilization)
	case utilization >= warningThresholdPct && !cu.alertsSent[alerts.LevelWarning]:
		cu.alertsSent[alerts.LevelWarning] = true
		fired = m.formatAlert(alerts.LevelWarning, credentialIndex, cu.requestsToday, utilization)
	}
	cu.mu.Unlock()

	observ.IncCounter("credential_requests_total", map[string]string{
		"credential": fmt.Sprintf("%d", credentialIndex),
	})
	observ.SetGauge("credential_utilization_pct", utilization, map[string]string{
		"credential": fmt.Sprintf("%d", credentialIndex),
	})

	if fired != nil {
		m.sink.Send(*fired)
	}
}

func (m *Monitor) formatAlert(level string, index, requests int, utilization float64) *alerts.Alert {
	return &alerts.Alert{
		Level:          level,
		Source:         fmt.Sprintf("credential_%d", index),
		Message:        fmt.Sprintf("credential %d at %.1f%% of daily limit (%d/%d requests)", index, utilization, requests, m.dailyLimit),
		UtilizationPct: utilization,
		Timestamp:      time.Now(),
	}
}

// ResetDaily zeroes all counters and clears fired alerts so thresholds can
// fire again. Invoked once every 24h by an external scheduler.
func (m *Monitor) ResetDaily() {
	now := time.Now()
	for i, cu := range m.credentials {
		cu.mu.Lock()
		cu.requestsToday = 0
		cu.alertsSent = map[string]bool{}
		cu.lastReset = now
		cu.mu.Unlock()
		observ.SetGauge("credential_utilization_pct", 0, map[string]string{
			"credential": fmt.Sprintf("%d", i),
		})
	}
	observ.Log("usage_daily_reset", map[string]any{"credentials": len(m.credentials)})
}

// GetUsage returns the snapshot for one credential.
func (m *Monitor) GetUsage(credentialIndex int) (Record, bool) {
	if credentialIndex < 0 || credentialIndex >= len(m.credentials) {
		return Record{}, false
	}
	cu := m.credentials[credentialIndex]
	cu.mu.Lock()
	defer cu.mu.Unlock()
	return m.snapshotLocked(credentialIndex, cu), true
}

// GetAllUsage returns snapshots for every credential, ordered by index.
func (m *Monitor) GetAllUsage() []Record {
	out := make([]Record, 0, len(m.credentials))
	for i, cu := range m.credentials {
		cu.mu.Lock()
		out = append(out, m.snapshotLocked(i, cu))
		cu.mu.Unlock()
	}
	return out
}

func (m *Monitor) snapshotLocked(index int, cu *credentialUsage) Record {
	sent := make([]string, 0, len(cu.alertsSent))
	for level := range cu.alertsSent {
		sent = append(sent, level)
	}
	return Record{
		CredentialIndex: index,
		RequestsToday:   cu.requestsToday,
		DailyLimit:      m.dailyLimit,
		UtilizationPct:  float64(cu.requestsToday) / float64(m.dailyLimit) * 100,
		LastReset:       cu.lastReset,
		AlertsSent:      sent,
	}
}
