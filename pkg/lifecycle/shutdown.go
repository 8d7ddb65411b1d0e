// Package lifecycle provides graceful shutdown and lifecycle management.
// Ensures in-flight work completes before the process exits.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager coordinates draining and closing the service's parts:
// stop accepting new runs, wait for claimed jobs to settle, then close the
// queue, stores, and provider clients.
type ShutdownManager struct {
	mu sync.Mutex

	drainTimeout time.Duration
	logger       *slog.Logger

	healthy    bool
	draining   bool
	shutdownAt time.Time

	onDrainStart func()

	inFlight      sync.WaitGroup
	inFlightCount int64

	closers []Closer

	done chan struct{}
}

// Closer is implemented by services that need cleanup at shutdown.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to the Closer interface.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	// DrainTimeout is how long to wait for in-flight work to complete
	DrainTimeout time.Duration
	// OnDrainStart is called when drain begins
	OnDrainStart func()
	// Logger defaults to slog.Default
	Logger *slog.Logger
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ShutdownManager{
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
		onDrainStart: cfg.OnDrainStart,
		healthy:      true,
		done:         make(chan struct{}),
	}
}

// RegisterCloser adds a service to be closed during shutdown. Closers run in
// registration order.
func (m *ShutdownManager) RegisterCloser(c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, c)
}

// StartWork marks the start of an in-flight unit of work. Returns false if
// the manager is draining and the work should be rejected.
func (m *ShutdownManager) StartWork() bool {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return false
	}
	m.inFlightCount++
	m.mu.Unlock()

	m.inFlight.Add(1)
	return true
}

// EndWork marks the end of an in-flight unit of work.
func (m *ShutdownManager) EndWork() {
	m.inFlight.Done()

	m.mu.Lock()
	m.inFlightCount--
	m.mu.Unlock()
}

// InFlightCount returns the number of in-flight units.
func (m *ShutdownManager) InFlightCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlightCount
}

// IsHealthy returns whether the service should pass health checks.
func (m *ShutdownManager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy && !m.draining
}

// IsDraining returns whether the service is draining.
func (m *ShutdownManager) IsDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Shutdown initiates graceful shutdown: mark unhealthy, drain in-flight
// work, then close registered services.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil // Already shutting down
	}
	m.draining = true
	m.healthy = false
	m.shutdownAt = time.Now()
	m.mu.Unlock()

	if m.onDrainStart != nil {
		m.onDrainStart()
	}

	drainDone := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(drainDone)
	}()

	select {
	case <-drainDone:
	case <-time.After(m.drainTimeout):
		m.logger.Warn("drain timeout reached", "in_flight", m.InFlightCount())
	case <-ctx.Done():
	}

	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	close(m.done)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Wait blocks until shutdown is complete.
func (m *ShutdownManager) Wait() {
	<-m.done
}

// HandleSignals installs SIGINT/SIGTERM handling that triggers Shutdown.
func (m *ShutdownManager) HandleSignals(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			m.logger.Info("received signal, shutting down", "signal", sig.String())
			m.Shutdown(ctx)
		case <-ctx.Done():
			return
		}
	}()
}

// HealthHandler returns 200 while healthy and 503 once draining, so load
// balancers stop routing before the listener closes.
func (m *ShutdownManager) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("draining"))
		}
	})
}

// ShutdownStatus is a point-in-time snapshot for diagnostics.
type ShutdownStatus struct {
	Healthy       bool
	Draining      bool
	InFlightCount int64
	ShutdownAt    time.Time
	DrainTimeout  time.Duration
}

// Status returns the current status.
func (m *ShutdownManager) Status() ShutdownStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ShutdownStatus{
		Healthy:       m.healthy,
		Draining:      m.draining,
		InFlightCount: m.inFlightCount,
		ShutdownAt:    m.shutdownAt,
		DrainTimeout:  m.drainTimeout,
	}
}

// RunWithSignalHandling runs fn and cancels its context on SIGINT/SIGTERM,
// giving it up to 30 seconds to return before giving up.
func RunWithSignalHandling(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		select {
		case err := <-errChan:
			return err
		case <-time.After(30 * time.Second):
			return fmt.Errorf("shutdown timeout")
		}
	}
}
