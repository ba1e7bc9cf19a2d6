package shutdown

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

// HTTPServerComponent stops accepting connections and drains in-flight
// requests.
type HTTPServerComponent struct {
	name   string
	server *http.Server
}

// NewHTTPServerComponent wraps server.
func NewHTTPServerComponent(name string, server *http.Server) *HTTPServerComponent {
	return &HTTPServerComponent{name: name, server: server}
}

// Name returns the component name.
func (c *HTTPServerComponent) Name() string { return c.name }

// Shutdown gracefully shuts down the HTTP server.
func (c *HTTPServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent closes a resource such as a database pool or a redis
// client.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent wraps closer.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

// Name returns the component name.
func (c *CloserComponent) Name() string { return c.name }

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a shutdown function as a component.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a function-based component.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string { return c.name }

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// Background runs a loop such as the log ingester or the reaper in its own
// goroutine. Shutdown cancels the loop's context and waits for it to
// return.
type Background struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Go starts run with a context derived from parent.
func Go(parent context.Context, name string, run func(ctx context.Context) error) *Background {
	ctx, cancel := context.WithCancel(parent)
	b := &Background{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		err := run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
	}()
	return b
}

// Name returns the component name.
func (b *Background) Name() string { return b.name }

// Done is closed once the loop returned.
func (b *Background) Done() <-chan struct{} { return b.done }

// Err returns the loop's result once Done is closed.
func (b *Background) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Shutdown cancels the loop and waits for it.
func (b *Background) Shutdown(ctx context.Context) error {
	b.cancel()
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
