package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout = 5 * time.Second
	maxAcceptDelay  = time.Second
)

// ConnHandler serves one accepted connection. Implementations own the
// connection and must close it.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn) error
}

type HandlerFunc func(ctx context.Context, conn net.Conn) error

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) error {
	return f(ctx, conn)
}

// Server accepts TCP connections and serves each one in its own goroutine.
type Server struct {
	addr    string
	handler ConnHandler
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mutex    sync.Mutex
	listener net.Listener
	closed   bool
	conns    sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAcceptRate limits accepted connections per second. A rate <= 0 disables the limit.
func WithAcceptRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a server for addr. The address is validated before creating the server.
func New(addr string, handler ConnHandler, opts ...Option) (*Server, error) {
	if err := validateHostPort(addr); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:    addr,
		handler: handler,
		logger:  slog.New(slog.DiscardHandler),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start binds the listen address and accepts connections until Shutdown.
// A bind failure is returned immediately; a clean shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mutex.Unlock()

	s.logger.Info("Listening", slog.String("addr", ln.Addr().String()))

	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	var delay time.Duration

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.logger.Warn("Accept failed", slog.Any("err", err), slog.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !s.track() {
			_ = conn.Close()
			return nil
		}

		go func() {
			defer s.conns.Done()
			if err := s.handler.Handle(s.ctx, conn); err != nil {
				s.logger.Debug("Connection finished with error",
					slog.String("client", conn.RemoteAddr().String()),
					slog.Any("err", err))
			}
		}()
	}
}

// track registers an in-flight connection unless the server is shutting down.
func (s *Server) track() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

// Addr returns the bound address, or nil before Start has bound it.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting and waits for in-flight connections, with a
// 5-second timeout. Connections still running when it expires have their
// context cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	defer s.cancel()

	s.mutex.Lock()
	s.closed = true
	ln := s.listener
	s.mutex.Unlock()

	var closeErr error
	if ln != nil {
		closeErr = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return closeErr
	case <-shutdownCtx.Done():
		return shutdownCtx.Err()
	}
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
