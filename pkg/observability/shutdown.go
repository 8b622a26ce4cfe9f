package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc tears one component down. It should respect the context
// deadline.
type ShutdownFunc func(context.Context) error

type shutdownHook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the process on SIGINT or SIGTERM. The HTTP
// server stops accepting first, then registered components shut down one
// at a time in registration order. Register in dependency order:
// producers before the stores they write to, so nothing closes a pool a
// background task is still using.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook
}

// NewShutdownManager creates a manager that drains within timeout. Zero
// means 30 seconds.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, server: server, timeout: timeout}
}

// RegisterShutdownFunc adds a component to the drain sequence. The name
// identifies it in logs and errors.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives, then drains. It
// returns once every component has stopped or the deadline has passed,
// with the failures joined.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	sm.logger.WithField("signal", sig.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error

	// The listener stops first so no new logins start mid-teardown.
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server did not stop cleanly")
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	sm.mu.Lock()
	hooks := make([]shutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.Unlock()

	for i, hook := range hooks {
		if err := runHook(ctx, hook.fn); err != nil {
			sm.logger.WithError(err).WithField("component", hook.name).Error("Component did not stop cleanly")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
		}
		if ctx.Err() != nil && i < len(hooks)-1 {
			sm.logger.Warn("Shutdown deadline passed, skipping remaining components")
			errs = append(errs, fmt.Errorf("deadline passed with %d components remaining", len(hooks)-1-i))
			break
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sm.logger.Info("Shutdown complete")
	return nil
}

// runHook guards against a component that ignores its context: the drain
// moves on at the deadline instead of hanging the process.
func runHook(ctx context.Context, fn ShutdownFunc) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
