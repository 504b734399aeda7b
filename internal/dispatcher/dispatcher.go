package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/tcp-load-balancer/internal/framing"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
)

var (
	// ErrPoolExhausted means no host accepted the request during one full rotation.
	ErrPoolExhausted = errors.New("no healthy backend available")
	// ErrBackendConnect covers failures to connect to a backend or send it the request.
	ErrBackendConnect = errors.New("backend connection failed")
	// ErrBackendTimeout replaces ErrBackendConnect when a connect, write or read deadline expired.
	ErrBackendTimeout = errors.New("backend timed out")
)

const (
	DefaultConnectTimeout     = 3 * time.Second
	DefaultBackendReadTimeout = 30 * time.Second
	DefaultClientReadTimeout  = 15 * time.Second
	DefaultClientWriteTimeout = 15 * time.Second
)

type Config struct {
	ConnectTimeout     time.Duration
	BackendReadTimeout time.Duration
	ClientReadTimeout  time.Duration
	ClientWriteTimeout time.Duration
}

// Dialer opens backend connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dispatcher relays one request per client connection to a healthy backend
// chosen by the registry's round-robin rotation.
type Dispatcher struct {
	registry  *registry.Registry
	framer    *framing.Framer
	dialer    Dialer
	config    Config
	logger    *slog.Logger
	collector *metrics.Collector
}

type Option func(*Dispatcher)

func WithDialer(dialer Dialer) Option {
	return func(d *Dispatcher) {
		d.dialer = dialer
	}
}

func New(
	reg *registry.Registry,
	framer *framing.Framer,
	cfg Config,
	logger *slog.Logger,
	collector *metrics.Collector,
	opts ...Option,
) *Dispatcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.BackendReadTimeout <= 0 {
		cfg.BackendReadTimeout = DefaultBackendReadTimeout
	}
	if cfg.ClientReadTimeout <= 0 {
		cfg.ClientReadTimeout = DefaultClientReadTimeout
	}
	if cfg.ClientWriteTimeout <= 0 {
		cfg.ClientWriteTimeout = DefaultClientWriteTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		registry:  reg,
		framer:    framer,
		dialer:    &net.Dialer{},
		config:    cfg,
		logger:    logger,
		collector: collector,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Handle serves a single client connection and closes it. The returned error
// describes why the request was not relayed; it is informational only.
func (d *Dispatcher) Handle(ctx context.Context, client net.Conn) error {
	defer client.Close()

	log := d.logger.With(
		slog.String("conn_id", uuid.NewString()),
		slog.String("client", client.RemoteAddr().String()))

	_ = client.SetReadDeadline(time.Now().Add(d.config.ClientReadTimeout))
	req, err := d.framer.ReadMessage(bufio.NewReader(client))
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Debug("Client closed connection before sending a request")
			return nil
		}
		log.Warn("Failed to read request", slog.Any("err", err))
		return fmt.Errorf("read request: %w", err)
	}

	start := time.Now()
	res, host, err := d.forward(ctx, log, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrPoolExhausted):
		log.Warn("No available hosts", slog.String("request", req.StartLine))
		d.emit(metrics.MetricEvent{Type: metrics.EventPoolExhausted})
		d.writeStatus(client, http.StatusServiceUnavailable)
		return err
	case isFramingError(err):
		log.Warn("Backend sent an invalid response", slog.String("host", host), slog.Any("err", err))
		d.emit(metrics.MetricEvent{Type: metrics.EventBackendFailed, Backend: host, Reason: metrics.ReasonMalformed})
		d.writeStatus(client, http.StatusBadGateway)
		return err
	default:
		log.Debug("Request abandoned", slog.Any("err", err))
		return err
	}

	status, _ := framing.StatusCode(res.StartLine)
	d.emit(metrics.MetricEvent{
		Type:       metrics.EventResponseRelayed,
		Backend:    host,
		Duration:   time.Since(start),
		StatusCode: status,
	})

	_ = client.SetWriteDeadline(time.Now().Add(d.config.ClientWriteTimeout))
	if _, err := client.Write(res.Raw); err != nil {
		log.Warn("Failed to relay response", slog.String("host", host), slog.Any("err", err))
		return fmt.Errorf("relay response: %w", err)
	}

	log.Info("Routed request",
		slog.String("host", host),
		slog.String("request", req.StartLine),
		slog.Int("status", status))

	return nil
}

// forward walks the rotation at most once per registered host. Unhealthy hosts
// and failed attempts both consume a step.
func (d *Dispatcher) forward(ctx context.Context, log *slog.Logger, req *framing.Message) (*framing.Message, string, error) {
	attempts := d.registry.Len()

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		host := d.registry.SelectNext()
		if !host.Healthy {
			log.Debug("Skipping unhealthy host", slog.String("host", host.Address), slog.Int("attempt", attempt))
			continue
		}

		d.emit(metrics.MetricEvent{Type: metrics.EventRequestRouted, Backend: host.Address})

		res, err := d.exchange(ctx, host.Address, req)
		if err == nil {
			return res, host.Address, nil
		}
		if isFramingError(err) {
			return nil, host.Address, err
		}
		if ctx.Err() != nil {
			return nil, host.Address, ctx.Err()
		}

		reason := metrics.ReasonConnect
		if errors.Is(err, ErrBackendTimeout) {
			reason = metrics.ReasonTimeout
		}
		d.emit(metrics.MetricEvent{Type: metrics.EventBackendFailed, Backend: host.Address, Reason: reason})

		if d.registry.MarkUnhealthy(host.Address) {
			d.emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Backend: host.Address, Healthy: false})
			log.Warn("Marking host unhealthy",
				slog.String("host", host.Address),
				slog.Int("attempt", attempt),
				slog.Any("err", err))
		} else {
			log.Warn("Backend attempt failed",
				slog.String("host", host.Address),
				slog.Int("attempt", attempt),
				slog.Any("err", err))
		}
	}

	return nil, "", fmt.Errorf("%w after %d attempts", ErrPoolExhausted, attempts)
}

// exchange sends the request to addr and frames its response. No registry
// lock is held here.
func (d *Dispatcher) exchange(ctx context.Context, addr string, req *framing.Message) (*framing.Message, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.config.ConnectTimeout)
	conn, err := d.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, backendError(addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(d.config.BackendReadTimeout))

	if _, err := conn.Write(req.Raw); err != nil {
		return nil, backendError(addr, err)
	}

	res, err := d.framer.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s closed the connection without a response", ErrBackendConnect, addr)
		}
		if isFramingError(err) {
			return nil, fmt.Errorf("response from %s: %w", addr, err)
		}
		return nil, backendError(addr, err)
	}

	return res, nil
}

func (d *Dispatcher) writeStatus(client net.Conn, code int) {
	_ = client.SetWriteDeadline(time.Now().Add(d.config.ClientWriteTimeout))
	_, _ = client.Write(statusResponse(code))
}

func (d *Dispatcher) emit(event metrics.MetricEvent) {
	if d.collector == nil {
		return
	}
	d.collector.Emit(event)
}

func backendError(addr string, err error) error {
	kind := ErrBackendConnect

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrBackendTimeout
	}

	return fmt.Errorf("%w: %s: %w", kind, addr, err)
}

func isFramingError(err error) bool {
	return errors.Is(err, framing.ErrMalformed) ||
		errors.Is(err, framing.ErrTruncated) ||
		errors.Is(err, framing.ErrTooLarge)
}
