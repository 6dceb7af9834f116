package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nodegate/nodegate/internal/provider"
)

type Credentials struct {
	Secrets                 []string `yaml:"secrets"` // ordered, up to 3
	EndpointTemplate        string   `yaml:"endpoint_template"`
	DailyLimit              int      `yaml:"daily_limit"`
	MinSecretLength         int      `yaml:"min_secret_length"`
	RecoveryIntervalSeconds int      `yaml:"recovery_interval_seconds"`
	RecoveryWaitSeconds     int      `yaml:"recovery_wait_seconds"`
	OverflowToLastShard     bool     `yaml:"overflow_to_last_shard"`
}

type RPC struct {
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
	RPSLimit       float64 `yaml:"rps_limit"`
}

type Cache struct {
	ValueTTLSeconds       int `yaml:"value_ttl_seconds"`
	ComputationTTLSeconds int `yaml:"computation_ttl_seconds"`
	SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
}

type Batch struct {
	WindowMs int `yaml:"window_ms"`
	Size     int `yaml:"size"`
}

type Scheduler struct {
	TickMs               int `yaml:"tick_ms"`
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	StaggerWindowSeconds int `yaml:"stagger_window_seconds"`
}

type Alerts struct {
	WebhookURL          string `yaml:"webhook_url"` // empty = log sink only
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Client struct {
	ID                  string `yaml:"id"`
	Entity              string `yaml:"entity"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

type Root struct {
	Credentials Credentials       `yaml:"credentials"`
	Providers   []provider.Config `yaml:"providers"`
	RPC         RPC               `yaml:"rpc"`
	Cache       Cache             `yaml:"cache"`
	Batch       Batch             `yaml:"batch"`
	Scheduler   Scheduler         `yaml:"scheduler"`
	Alerts      Alerts            `yaml:"alerts"`
	Server      Server            `yaml:"server"`
	Clients     []Client          `yaml:"clients"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	// Credential defaults
	if c.Credentials.EndpointTemplate == "" {
		c.Credentials.EndpointTemplate = "https://rpc.nodegate.dev/?api-key=%s"
	}
	if c.Credentials.DailyLimit == 0 {
		c.Credentials.DailyLimit = 3300
	}
	if c.Credentials.MinSecretLength == 0 {
		c.Credentials.MinSecretLength = 8
	}
	if c.Credentials.RecoveryIntervalSeconds == 0 {
		c.Credentials.RecoveryIntervalSeconds = 30
	}
	if c.Credentials.RecoveryWaitSeconds == 0 {
		c.Credentials.RecoveryWaitSeconds = 300
	}

	// Transport defaults
	if c.RPC.TimeoutSeconds == 0 {
		c.RPC.TimeoutSeconds = 5
	}
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = 2
	}

	// Cache defaults
	if c.Cache.ValueTTLSeconds == 0 {
		c.Cache.ValueTTLSeconds = 60
	}
	if c.Cache.ComputationTTLSeconds == 0 {
		c.Cache.ComputationTTLSeconds = 300
	}
	if c.Cache.SweepIntervalSeconds == 0 {
		c.Cache.SweepIntervalSeconds = 60
	}

	// Batching defaults
	if c.Batch.WindowMs == 0 {
		c.Batch.WindowMs = 100
	}
	if c.Batch.Size == 0 {
		c.Batch.Size = 10
	}

	// Scheduler defaults
	if c.Scheduler.TickMs == 0 {
		c.Scheduler.TickMs = 1000
	}
	if c.Scheduler.PollIntervalSeconds == 0 {
		c.Scheduler.PollIntervalSeconds = 60
	}
	if c.Scheduler.StaggerWindowSeconds == 0 {
		c.Scheduler.StaggerWindowSeconds = 60
	}

	if c.Alerts.DedupeWindowSeconds == 0 {
		c.Alerts.DedupeWindowSeconds = 900
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	return c, c.Validate()
}

// Validate fails fast on configuration that would silently leave the router
// with zero capacity.
func (c Root) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no providers configured")
	}
	for i, p := range c.Providers {
		if p.Endpoint == "" {
			return fmt.Errorf("config: provider %d (%s) has no endpoint", i, p.Name)
		}
	}
	if len(c.Credentials.Secrets) > 3 {
		return fmt.Errorf("config: at most 3 credential secrets are supported, got %d", len(c.Credentials.Secrets))
	}
	return nil
}
