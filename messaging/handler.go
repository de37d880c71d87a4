package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetwise/vehicle-tracking/internal/reliability"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
)

// EventHandler receives the raw payload of a valid event envelope
type EventHandler func(ctx context.Context, payload []byte) error

// RequestHandler answers one RPC request. It cannot fail: an empty reply is
// a valid answer.
type RequestHandler func(ctx context.Context, payload []byte) []byte

// SafeRequestHandler adapts a fallible function into a RequestHandler. Errors
// and panics are logged and answered with an empty reply.
func SafeRequestHandler(fn func(ctx context.Context, payload []byte) ([]byte, error), logger *slog.Logger) RequestHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, payload []byte) (reply []byte) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("request handler panicked", "panic", r)
				reply = []byte{}
			}
		}()

		reply, err := fn(ctx, payload)
		if err != nil {
			logger.Error("request handler failed", logattr.Error(err))
			return []byte{}
		}
		if reply == nil {
			return []byte{}
		}
		return reply
	}
}

// invokeEvent calls handler and turns a panic into a callback error
func invokeEvent(ctx context.Context, handler EventHandler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = reliability.Mark(reliability.KindCallback, fmt.Errorf("event handler panic: %v", r))
		}
	}()

	if err := handler(ctx, payload); err != nil {
		return reliability.Mark(reliability.KindCallback, err)
	}
	return nil
}

// invokeRequest calls handler; a panic yields an empty reply
func invokeRequest(ctx context.Context, handler RequestHandler, payload []byte, logger *slog.Logger) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("request handler panicked", "panic", r)
			reply = []byte{}
		}
	}()

	reply = handler(ctx, payload)
	if reply == nil {
		reply = []byte{}
	}
	return reply
}
