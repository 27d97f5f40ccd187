package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ProberConfig configures endpoint health probing.
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// Path is appended to each member address.
	Path string
}

// DefaultProberConfig probes GET <address>/health every 15 seconds.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{Interval: 15 * time.Second, Timeout: 5 * time.Second, Path: "/health"}
}

// Prober periodically checks the health endpoint of every addressed member
// and feeds the outcome into the member's breaker. Unhealthy members are
// only probed once their breaker admits a half-open call.
type Prober struct {
	pool   *Pool
	cfg    ProberConfig
	client *http.Client
	logger *slog.Logger
}

// NewProber creates a prober for p. A nil client gets an instrumented
// default with the configured timeout.
func NewProber(p *Pool, cfg ProberConfig, client *http.Client, logger *slog.Logger) *Prober {
	def := DefaultProberConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{pool: p, cfg: cfg, client: client, logger: logger.With(slog.String("pool", p.Name()))}
}

// Run probes on every interval until ctx is done.
func (pr *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(pr.cfg.Interval)
	defer ticker.Stop()

	pr.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every eligible member once and returns how many probes
// succeeded.
func (pr *Prober) ProbeOnce(ctx context.Context) int {
	ok := 0
	for _, m := range pr.pool.probeTargets() {
		start := time.Now()
		err := pr.probe(ctx, m.Address)
		pr.pool.recordProbe(m.Name, err, time.Since(start))
		if err != nil {
			pr.logger.Debug("probe failed",
				slog.String("member", m.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		ok++
	}
	return ok
}

func (pr *Prober) probe(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, pr.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(address, "/") + pr.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := pr.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
