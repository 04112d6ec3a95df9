package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stephnangue/tally/logger"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 30 * time.Second

type ApiListener struct {
	logger   logger.Logger
	server   *http.Server
	listener net.Listener
	tls      bool
	stopped  atomic.Bool
}

type ApiListenerConfig struct {
	Logger      logger.Logger
	Address     string
	TLSCertFile string
	TLSKeyFile  string
	TLSEnabled  bool
	// WriteTimeout must cover the slowest upstream report call.
	WriteTimeout time.Duration
}

func NewApiListener(cfg ApiListenerConfig, httpHandler http.Handler) (*ApiListener, error) {
	if cfg.Logger == nil {
		return nil, errors.New("listener requires a logger")
	}

	var handler http.Handler = httpHandler
	handler = middleware.RealIP(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recoverer(handler)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 90 * time.Second
	}

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout,
		ErrorLog:          logger.NewHCLogAdapter(cfg.Logger).StandardLogger(nil),
	}

	if cfg.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return &ApiListener{
		logger: cfg.Logger.WithSubsystem("listener"),
		server: server,
		tls:    cfg.TLSEnabled,
	}, nil
}

// Addr returns the bound address once Start has run, the configured one before.
func (l *ApiListener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.server.Addr
}

func (l *ApiListener) Type() string {
	return "api"
}

// Listen binds the socket. Start calls it when it has not run yet.
func (l *ApiListener) Listen() error {
	if l.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.server.Addr, err)
	}
	if l.tls {
		ln = tls.NewListener(ln, l.server.TLSConfig)
	}
	l.listener = ln
	return nil
}

// Start serves until ctx is cancelled or the server fails.
func (l *ApiListener) Start(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	l.logger.Info("starting HTTP server", logger.String("address", l.Addr()), logger.Bool("tls", l.tls))

	errChan := make(chan error, 1)
	go func() {
		err := l.server.Serve(l.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.logger.Error("HTTP server error", logger.Err(err))
		return err
	}
}

func (l *ApiListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		l.logger.Debug("HTTP server already stopped, skipping")
		return nil
	}

	l.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Error("error when shutting down the http server", logger.Err(err))
		return err
	}

	l.logger.Info("HTTP server stopped gracefully")
	return nil
}
