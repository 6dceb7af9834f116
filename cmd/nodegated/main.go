package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodegate/nodegate/internal/alerts"
	"github.com/nodegate/nodegate/internal/config"
	"github.com/nodegate/nodegate/internal/observ"
	"github.com/nodegate/nodegate/internal/router"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var sink alerts.Sink = alerts.LogSink{}
	var webhook *alerts.WebhookSink
	if cfg.Alerts.WebhookURL != "" {
		webhook = alerts.NewWebhookSink(cfg.Alerts.WebhookURL,
			time.Duration(cfg.Alerts.DedupeWindowSeconds)*time.Second)
		sink = webhook
	}

	r, err := router.New(cfg, sink)
	if err != nil {
		log.Fatalf("wire router: %v", err)
	}

	for _, c := range cfg.Clients {
		r.RegisterClient(c.ID, c.Entity, c.PollIntervalSeconds)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	// daily usage reset; the monitor itself never self-schedules
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ResetDailyUsage()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"usage":     r.UsageSnapshot(),
			"shards":    r.ShardSnapshot(),
			"providers": r.ProviderSnapshot(),
			"scheduler": r.SchedulerSnapshot(),
			"batcher":   r.BatcherSnapshot(),
			"caches":    r.CacheSnapshot(),
		})
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		observ.Log("http_server_started", map[string]any{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	observ.Log("shutdown_started", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	r.Stop()
	cancel()
	if webhook != nil {
		webhook.Close()
	}
	observ.Log("shutdown_complete", nil)
}
