// Package shutdown runs ordered hooks when the server is told to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gabrielmiguelok/livewizard/pkg/logging"
)

// Common shutdown errors.
var (
	ErrShutdownTimeout = errors.New("shutdown timed out")
	ErrAlreadyClosed   = errors.New("shutdown already ran")
)

// Hook priorities, lowest first. Live sessions close before the HTTP server
// so they are saved for resuming while the session store is still open.
const (
	PriorityLive    = 100
	PriorityHTTP    = 200
	PrioritySinks   = 300
	PriorityStore   = 400
	// PriorityTracing flushes spans recorded by every earlier hook.
	PriorityTracing = 500
)

// Hook is one step of the shutdown.
type Hook struct {
	Name     string
	Priority int
	Fn       func(ctx context.Context) error
}

// Coordinator runs hooks in priority order within a timeout.
type Coordinator struct {
	timeout time.Duration
	signals []os.Signal
	logger  logging.Logger

	mu     sync.Mutex
	hooks  []Hook
	done   chan struct{}
	closed bool
}

// New creates a coordinator. A non-positive timeout means 30 seconds.
func New(timeout time.Duration, logger logging.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Coordinator{
		timeout: timeout,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Register adds a hook.
func (c *Coordinator) Register(name string, priority int, fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.hooks = append(c.hooks, Hook{Name: name, Priority: priority, Fn: fn})
	c.mu.Unlock()
}

// RegisterCloser adds a hook calling closer.Close.
func (c *Coordinator) RegisterCloser(name string, priority int, closer interface{ Close() error }) {
	c.Register(name, priority, func(context.Context) error { return closer.Close() })
}

// Wait blocks until an interrupt or ctx is done, then shuts down.
func (c *Coordinator) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, c.signals...)
	defer stop()

	select {
	case <-sigCtx.Done():
	case <-c.done:
		return nil
	}
	c.logger.Info("shutting down")
	return c.Shutdown()
}

// Shutdown runs the hooks once. Hooks with equal priority keep registration
// order. It stops early when the timeout passes.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.closed = true
	close(c.done)
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Priority < hooks[j].Priority
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var errs []error
	for _, hook := range hooks {
		start := time.Now()
		err := hook.Fn(ctx)
		fields := []logging.Field{logging.String("hook", hook.Name), logging.Duration("took", time.Since(start))}
		if err != nil {
			c.logger.Warn("shutdown hook failed", append(fields, logging.Err(err))...)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
		} else {
			c.logger.Debug("shutdown hook done", fields...)
		}
		if ctx.Err() != nil {
			return errors.Join(append(errs, ErrShutdownTimeout)...)
		}
	}
	return errors.Join(errs...)
}

// Done is closed once shutdown starts.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
