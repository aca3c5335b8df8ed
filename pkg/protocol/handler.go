package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gabrielmiguelok/livewizard/pkg/logging"
)

// Common handler errors.
var (
	ErrHandlerNotFound = errors.New("no handler for event")
	ErrHandlerPanic    = errors.New("handler panicked")
)

// MessageHandler processes protocol messages.
type MessageHandler interface {
	// HandleMessage processes a message and returns the reply, if any.
	HandleMessage(ctx context.Context, msg *Message) (*Message, error)
}

// MessageHandlerFunc is an adapter to allow functions as MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// MiddlewareFunc is middleware that wraps message handling.
type MiddlewareFunc func(next MessageHandler) MessageHandler

// Router routes event messages by event name.
type Router struct {
	routes     map[string]MessageHandler
	middleware []MiddlewareFunc
	mu         sync.RWMutex
}

// NewRouter creates a new event router.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]MessageHandler),
	}
}

// On registers a handler for an event.
func (r *Router) On(event string, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[event] = handler
}

// OnFunc registers a handler function for an event.
func (r *Router) OnFunc(event string, fn func(ctx context.Context, msg *Message) (*Message, error)) {
	r.On(event, MessageHandlerFunc(fn))
}

// Use adds middleware. Middleware added first runs outermost.
func (r *Router) Use(mw MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// HandleMessage implements MessageHandler.
func (r *Router) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	r.mu.RLock()
	handler, ok := r.routes[msg.Event]
	middleware := make([]MiddlewareFunc, len(r.middleware))
	copy(middleware, r.middleware)
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, msg.Event)
	}
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler.HandleMessage(ctx, msg)
}

// LoggingMiddleware logs every handled message at debug and failures at warn.
func LoggingMiddleware(logger logging.Logger) MiddlewareFunc {
	return func(next MessageHandler) MessageHandler {
		return MessageHandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
			start := time.Now()
			result, err := next.HandleMessage(ctx, msg)
			fields := []logging.Field{
				logging.String("event", msg.Event),
				logging.String("ref", msg.Ref),
				logging.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("event failed", append(fields, logging.Err(err))...)
			} else {
				logger.Debug("event handled", fields...)
			}
			return result, err
		})
	}
}

// RecoveryMiddleware turns a panic into ErrHandlerPanic.
func RecoveryMiddleware(onPanic func(any)) MiddlewareFunc {
	return func(next MessageHandler) MessageHandler {
		return MessageHandlerFunc(func(ctx context.Context, msg *Message) (result *Message, err error) {
			defer func() {
				if r := recover(); r != nil {
					if onPanic != nil {
						onPanic(r)
					}
					result, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next.HandleMessage(ctx, msg)
		})
	}
}
