package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
)

const (
	DefaultInterval    = time.Minute
	DefaultTimeout     = 5 * time.Second
	DefaultPath        = "/"
	DefaultConcurrency = 8
)

type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Path        string
	Concurrency int
}

// Monitor periodically probes every registered host with an HTTP GET and
// records the result in the registry.
type Monitor struct {
	registry  *registry.Registry
	client    *http.Client
	config    Config
	logger    *slog.Logger
	collector *metrics.Collector
	started   atomic.Bool
}

func NewMonitor(reg *registry.Registry, cfg Config, logger *slog.Logger, collector *metrics.Collector) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Monitor{
		registry: reg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		config:    cfg,
		logger:    logger,
		collector: collector,
	}
}

// Run checks every host immediately and then once per interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Health monitor started",
		slog.Duration("interval", m.config.Interval),
		slog.Duration("timeout", m.config.Timeout))

	m.CheckOnce(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return

		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce probes all hosts concurrently and waits for every probe to finish.
// Only hosts whose state changed are reported, except on the first cycle
// which reports every host once.
func (m *Monitor) CheckOnce(ctx context.Context) {
	first := !m.started.Swap(true)

	var g errgroup.Group
	g.SetLimit(m.config.Concurrency)

	for _, host := range m.registry.Snapshot() {
		g.Go(func() error {
			healthy := m.probe(ctx, host.Address)
			if ctx.Err() != nil {
				return nil
			}

			changed := m.registry.MarkHealth(host.Address, healthy)
			if changed || first {
				m.report(host.Address, healthy)
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (m *Monitor) probe(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+m.config.Path, nil)
	if err != nil {
		m.logger.Debug("Health probe request invalid", slog.String("host", addr), slog.Any("err", err))
		return false
	}

	res, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("Health probe failed", slog.String("host", addr), slog.Any("err", err))
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (m *Monitor) report(addr string, healthy bool) {
	if healthy {
		m.logger.Info("Host is healthy", slog.String("host", addr))
	} else {
		m.logger.Warn("Host is unhealthy", slog.String("host", addr))
	}

	if m.collector != nil {
		m.collector.Emit(metrics.MetricEvent{
			Type:    metrics.EventHealthChanged,
			Backend: addr,
			Healthy: healthy,
		})
	}
}
