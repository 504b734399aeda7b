package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/angeloszaimis/tcp-load-balancer/config"
	"github.com/angeloszaimis/tcp-load-balancer/internal/dispatcher"
	"github.com/angeloszaimis/tcp-load-balancer/internal/framing"
	"github.com/angeloszaimis/tcp-load-balancer/internal/healthcheck"
	"github.com/angeloszaimis/tcp-load-balancer/internal/httpserver"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
	"github.com/angeloszaimis/tcp-load-balancer/internal/tcpserver"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lb, err := newBalancer(cfg, log)
	if err != nil {
		log.Error("Failed to initialize load balancer", slog.Any("err", err))
		os.Exit(1)
	}

	if err := lb.run(ctx); err != nil {
		log.Error("Error running load balancer", slog.Any("err", err))
		os.Exit(1)
	}
}

// balancer holds the wired components of one load balancer process.
type balancer struct {
	log       *slog.Logger
	registry  *registry.Registry
	collector *metrics.Collector
	monitor   *healthcheck.Monitor
	server    *tcpserver.Server
	admin     *httpserver.Server
}

func newBalancer(cfg *config.Config, log *slog.Logger) (*balancer, error) {
	reg, err := registry.New(cfg.Backends)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(cfg.Metrics.BufferSize, log)

	monitor := healthcheck.NewMonitor(reg, healthcheck.Config{
		Interval:    config.Duration(cfg.HealthCheck.Interval),
		Timeout:     config.Duration(cfg.HealthCheck.Timeout),
		Path:        cfg.HealthCheck.Path,
		Concurrency: cfg.HealthCheck.Concurrency,
	}, log, collector)

	framer := framing.New(log,
		framing.WithVerbosity(framing.Verbosity(cfg.Logging.Verbosity)),
		framing.WithLimits(cfg.Limits.MaxHeaderBytes, int(cfg.Limits.MaxBodyBytes)),
	)

	disp := dispatcher.New(reg, framer, dispatcher.Config{
		ConnectTimeout:     config.Duration(cfg.Timeouts.Connect),
		BackendReadTimeout: config.Duration(cfg.Timeouts.BackendRead),
		ClientReadTimeout:  config.Duration(cfg.Timeouts.ClientRead),
		ClientWriteTimeout: config.Duration(cfg.Timeouts.ClientWrite),
	}, log, collector)

	srv, err := tcpserver.New(cfg.Server.Address, disp,
		tcpserver.WithLogger(log),
		tcpserver.WithAcceptRate(cfg.Limits.AcceptRate, cfg.Limits.AcceptBurst),
	)
	if err != nil {
		return nil, err
	}

	lb := &balancer{
		log:       log,
		registry:  reg,
		collector: collector,
		monitor:   monitor,
		server:    srv,
	}

	if cfg.Admin.Address != "" {
		lb.admin, err = httpserver.New(cfg.Admin.Address, setupRouter(reg, collector))
		if err != nil {
			return nil, err
		}
	}

	return lb, nil
}

// run starts every component and blocks until ctx is cancelled or the
// listener fails.
func (b *balancer) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.collector.Start(ctx)

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		b.monitor.Run(ctx)
	}()

	srvErrCh := make(chan error, 2)
	go func() {
		srvErrCh <- b.server.Start()
	}()
	if b.admin != nil {
		go func() {
			srvErrCh <- b.admin.Start()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		b.log.Info("Shutting down gracefully...")
	case runErr = <-srvErrCh:
	}

	cancel()
	if err := b.server.Shutdown(context.Background()); err != nil {
		b.log.Error("Error during shutdown", slog.Any("err", err))
	}
	if b.admin != nil {
		if err := b.admin.Shutdown(context.Background()); err != nil {
			b.log.Error("Error during admin shutdown", slog.Any("err", err))
		}
	}
	<-monitorDone

	return runErr
}

// listenAddr is the bound proxy address, nil until the listener is up.
func (b *balancer) listenAddr() net.Addr {
	return b.server.Addr()
}

func (b *balancer) adminAddr() net.Addr {
	if b.admin == nil {
		return nil
	}
	return b.admin.Addr()
}
