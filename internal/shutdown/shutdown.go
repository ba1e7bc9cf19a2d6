// Package shutdown coordinates graceful termination of long-running
// components on SIGTERM or SIGINT.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Component represents a component that can be gracefully shut down.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown should return within the context deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator shuts registered components down in stages. Components in
// a stage stop concurrently; stages run in reverse registration order so
// that whatever was started last (the listeners) stops first.
type Coordinator struct {
	stages  [][]Component
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex

	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel sets a custom signal channel (for testing).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register adds a stage of components that stop together.
func (c *Coordinator) Register(components ...Component) {
	if len(components) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, components)
	for _, comp := range components {
		c.logger.Debug("registered shutdown component", "name", comp.Name())
	}
}

// WaitForSignal blocks until SIGTERM or SIGINT arrives or ctx is done,
// then shuts down.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		c.logger.Info("shutdown requested", "reason", context.Cause(ctx))
	}

	c.Shutdown()
}

// Shutdown stops every registered component within the timeout. It is
// safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		stages := make([][]Component, len(c.stages))
		copy(stages, c.stages)
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := len(stages) - 1; i >= 0; i-- {
				c.stopStage(ctx, stages[i])
				if ctx.Err() != nil {
					return
				}
			}
		}()

		select {
		case <-done:
		case <-ctx.Done():
		}

		if ctx.Err() != nil {
			c.logger.Warn("shutdown timeout exceeded, forcing termination")
			c.exitCode = 1
		} else {
			c.logger.Info("all components shut down")
		}
		close(c.shutdownDone)
	})
}

func (c *Coordinator) stopStage(ctx context.Context, stage []Component) {
	var wg sync.WaitGroup
	for _, comp := range stage {
		wg.Add(1)
		go func(comp Component) {
			defer wg.Done()
			c.logger.Info("shutting down component", "name", comp.Name())
			if err := comp.Shutdown(ctx); err != nil {
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				return
			}
			c.logger.Info("component shutdown complete", "name", comp.Name())
		}(comp)
	}
	wg.Wait()
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns 0 after a clean shutdown and 1 after a forced one.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}
