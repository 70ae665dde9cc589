// Package portbind picks a listening port for the API server, probing
// upward from a preferred port when it is already taken, and wires the
// signal-driven graceful shutdown sequence around whatever server ends up
// bound.
package portbind

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"jobserver/pkg/logger"
)

// ErrNoAvailablePort is returned when no port in the probed range is free.
var ErrNoAvailablePort = errors.New("portbind: no available ports found")

// IsAvailable reports whether a TCP listener can bind host:port right now.
func IsAvailable(host string, port int) bool {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindAvailable returns the first available port in [from, to], or 0 if
// none is free.
func FindAvailable(host string, from, to int) int {
	for port := from; port <= to; port++ {
		if IsAvailable(host, port) {
			return port
		}
	}
	return 0
}

// Options configures SetupWithFallback.
type Options struct {
	Host          string
	PreferredPort int
	MaxPort       int
}

// SetupWithFallback probes PreferredPort first; if occupied, walks upward to
// MaxPort and binds the first free one. It returns a *net.Listener the
// caller hands to http.Server.Serve, and the chosen port.
func SetupWithFallback(opts Options) (net.Listener, int, error) {
	host := opts.Host
	if host == "" {
		host = "0.0.0.0"
	}
	maxPort := opts.MaxPort
	if maxPort < opts.PreferredPort {
		maxPort = opts.PreferredPort
	}

	port := FindAvailable(host, opts.PreferredPort, maxPort)
	if port == 0 {
		return nil, 0, ErrNoAvailablePort
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("portbind: bind %s: %w", addr, err)
	}

	if port != opts.PreferredPort {
		logger.Warn("preferred port unavailable, bound fallback port",
			zap.Int("preferred_port", opts.PreferredPort), zap.Int("bound_port", port))
	}

	return ln, port, nil
}

// ShutdownOptions configures SetupGracefulShutdown.
type ShutdownOptions struct {
	OnShutdown func(sig os.Signal)
	Timeout    time.Duration
}

// SetupGracefulShutdown blocks until SIGINT/SIGTERM, then calls
// OnShutdown (if set) and shuts the server down within Timeout, mirroring
// the teacher's cmd/api/main.go signal-handling sequence.
func SetupGracefulShutdown(ctx context.Context, server *http.Server, opts ShutdownOptions) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	if opts.OnShutdown != nil {
		opts.OnShutdown(sig)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("portbind: shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
