package usage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegate/nodegate/internal/alerts"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (c *captureSink) Send(a alerts.Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func (c *captureSink) byLevel(level string) []alerts.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alerts.Alert
	for _, a := range c.alerts {
		if a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

func record(m *Monitor, index, times int) {
	for i := 0; i < times; i++ {
		m.RecordRequest(index)
	}
}

func TestThresholdsFireOncePerDay(t *testing.T) {
	sink := &captureSink{}
	m := NewMonitor(3, 3300, sink)

	// 80% of 3300
	record(m, 0, 2640)
	assert.Len(t, sink.byLevel(alerts.LevelWarning), 1)
	assert.Len(t, sink.byLevel(alerts.LevelCritical), 0)

	// up to 95%
	record(m, 0, 3135-2640)
	assert.Len(t, sink.byLevel(alerts.LevelWarning), 1)
	assert.Len(t, sink.byLevel(alerts.LevelCritical), 1)

	// pushing further never re-fires before the daily reset
	record(m, 0, 500)
	assert.Len(t, sink.byLevel(alerts.LevelWarning), 1)
	assert.Len(t, sink.byLevel(alerts.LevelCritical), 1)
}

func TestCriticalEvaluatedBeforeWarning(t *testing.T) {
	// a limit small enough that one request crosses both thresholds
	sink := &captureSink{}
	m := NewMonitor(1, 1, sink)

	m.RecordRequest(0)
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, alerts.LevelCritical, sink.alerts[0].Level)
}

func TestAlertsArePerCredential(t *testing.T) {
	sink := &captureSink{}
	m := NewMonitor(2, 100, sink)

	record(m, 0, 80)
	record(m, 1, 80)
	warnings := sink.byLevel(alerts.LevelWarning)
	require.Len(t, warnings, 2)
	assert.NotEqual(t, warnings[0].Source, warnings[1].Source)
}

func TestResetDailyRearmsThresholds(t *testing.T) {
	sink := &captureSink{}
	m := NewMonitor(1, 100, sink)

	record(m, 0, 100)
	assert.Len(t, sink.byLevel(alerts.LevelWarning), 1)
	assert.Len(t, sink.byLevel(alerts.LevelCritical), 1)

	m.ResetDaily()
	for _, rec := range m.GetAllUsage() {
		assert.Equal(t, 0, rec.RequestsToday)
		assert.Empty(t, rec.AlertsSent)
	}

	record(m, 0, 100)
	assert.Len(t, sink.byLevel(alerts.LevelWarning), 2)
	assert.Len(t, sink.byLevel(alerts.LevelCritical), 2)
}

func TestUnknownCredentialIsNoOp(t *testing.T) {
	m := NewMonitor(2, 100, &captureSink{})
	m.RecordRequest(-1)
	m.RecordRequest(7)
	for _, rec := range m.GetAllUsage() {
		assert.Equal(t, 0, rec.RequestsToday)
	}
	_, ok := m.GetUsage(7)
	assert.False(t, ok)
}

func TestUsageSnapshots(t *testing.T) {
	m := NewMonitor(2, 200, &captureSink{})
	record(m, 1, 50)

	rec, ok := m.GetUsage(1)
	require.True(t, ok)
	assert.Equal(t, 50, rec.RequestsToday)
	assert.Equal(t, 200, rec.DailyLimit)
	assert.InDelta(t, 25.0, rec.UtilizationPct, 0.001)

	all := m.GetAllUsage()
	require.Len(t, all, 2)
	assert.Equal(t, 0, all[0].RequestsToday)
	assert.Equal(t, 50, all[1].RequestsToday)
}
