package alerts

import (
	"fmt"
	"time"

	"github.com/nodegate/nodegate/internal/observ"
)

// Alert levels emitted by the usage monitor.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Alert is a formatted threshold notification. The core only detects and
// formats; delivery belongs to a Sink.
type Alert struct {
	Level          string    `json:"level"`
	Source         string    `json:"source"` // e.g. "credential_2"
	Message        string    `json:"message"`
	UtilizationPct float64   `json:"utilization_pct"`
	Timestamp      time.Time `json:"timestamp"`
}

// Sink delivers alerts to wherever operators watch. Send must not block the
// caller on network I/O.
type Sink interface {
	Send(alert Alert)
}

// LogSink writes alerts to the structured event log.
type LogSink struct{}

func (LogSink) Send(alert Alert) {
	observ.Log("usage_alert", map[string]any{
		"level":           alert.Level,
		"source":          alert.Source,
		"message":         alert.Message,
		"utilization_pct": alert.UtilizationPct,
	})
	observ.IncCounter("usage_alerts_total", map[string]string{
		"level":  alert.Level,
		"source": alert.Source,
	})
}

func (a Alert) dedupeKey() string {
	return fmt.Sprintf("%s|%s", a.Level, a.Source)
}
