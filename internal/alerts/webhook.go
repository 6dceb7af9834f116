package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nodegate/nodegate/internal/observ"
)

// WebhookSink posts alerts to an HTTP webhook asynchronously. Alerts are
// queued, deduped within a window, and delivered with capped retries so a
// slow webhook never backs up the usage monitor.
type WebhookSink struct {
	url          string
	dedupeWindow time.Duration
	httpClient   *http.Client
	queue        chan Alert

	mu       sync.Mutex
	lastSent map[string]time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWebhookSink creates and starts a webhook sink.
func NewWebhookSink(url string, dedupeWindow time.Duration) *WebhookSink {
	if dedupeWindow <= 0 {
		dedupeWindow = 15 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebhookSink{
		url:          url,
		dedupeWindow: dedupeWindow,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		queue:        make(chan Alert, 100),
		lastSent:     map[string]time.Time{},
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go s.deliverLoop()
	return s
}

// Send enqueues the alert, dropping it if a same-key alert fired within the
// dedupe window or the queue is full.
func (s *WebhookSink) Send(alert Alert) {
	key := alert.dedupeKey()

	s.mu.Lock()
	if last, ok := s.lastSent[key]; ok && time.Since(last) < s.dedupeWindow {
		s.mu.Unlock()
		observ.IncCounter("alert_webhook_deduped_total", nil)
		return
	}
	s.lastSent[key] = time.Now()
	s.mu.Unlock()

	select {
	case s.queue <- alert:
	default:
		observ.IncCounter("alert_webhook_dropped_total", nil)
	}
}

// Close stops the delivery loop and waits for it to exit.
func (s *WebhookSink) Close() {
	s.cancel()
	<-s.done
}

func (s *WebhookSink) deliverLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case alert := <-s.queue:
			if err := s.deliver(alert); err != nil {
				observ.LogError("alert_webhook_delivery_failed", err, map[string]any{
					"level":  alert.Level,
					"source": alert.Source,
				})
				observ.IncCounter("alert_webhook_errors_total", nil)
			} else {
				observ.IncCounter("alert_webhook_sent_total", nil)
			}
		}
	}
}

func (s *WebhookSink) deliver(alert Alert) error {
	op := func() error {
		body, err := json.Marshal(alert)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), s.ctx)
	return backoff.Retry(op, bo)
}
