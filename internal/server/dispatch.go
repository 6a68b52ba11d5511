package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"meshcast/internal/dataType"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, env *dataType.Envelope) error

// Handle registers fn for msgType. The payload is decoded into T only when a
// message of that type is dispatched. Handlers must be registered before
// Start.
func Handle[T any](t *Transport, msgType string, fn func(ctx context.Context, env *dataType.Envelope, msg T) error) error {
	return t.HandleRaw(msgType, func(ctx context.Context, env *dataType.Envelope) error {
		var msg T
		if len(env.Payload) > 0 {
			if err := env.DecodePayload(&msg); err != nil {
				return err
			}
		}
		return fn(ctx, env, msg)
	})
}

// HandleRaw registers fn for msgType without decoding the payload.
func (t *Transport) HandleRaw(msgType string, fn func(ctx context.Context, env *dataType.Envelope) error) error {
	if msgType == "" || fn == nil {
		return errors.New("handler needs a message type and a function")
	}
	if dataType.IsControlType(msgType) {
		return fmt.Errorf("%w: %q", ErrReservedType, msgType)
	}
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.state != stateIdle {
		return ErrAlreadyStarted
	}
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	if _, dup := t.handlers[msgType]; dup {
		return fmt.Errorf("handler for %q already registered", msgType)
	}
	t.handlers[msgType] = fn
	return nil
}

func (t *Transport) deliverOrdered(_ uint64, env *dataType.Envelope) {
	t.dispatch(env)
}

// laneFor keeps every message from one source on the same lane so per-sender
// order survives while a slow handler only stalls its own lane.
func (t *Transport) laneFor(env *dataType.Envelope) int {
	return int(xxhash.Sum64(env.Source.ID[:]) % uint64(len(t.lanes)))
}

func (t *Transport) dispatch(env *dataType.Envelope) {
	t.lanesMu.RLock()
	defer t.lanesMu.RUnlock()
	if t.lanesClosed {
		t.metrics.drop("stopped")
		return
	}
	select {
	case t.lanes[t.laneFor(env)] <- env:
	default:
		t.metrics.drop("lane_full")
		t.drops.Warn("lane_full", "dispatch lane full, dropping message",
			zap.Stringer("source", env.Source.ID),
			zap.String("type", env.Type))
	}
}

func (t *Transport) laneLoop(ch <-chan *dataType.Envelope) {
	defer t.laneWg.Done()
	for env := range ch {
		t.invoke(env)
	}
}

func (t *Transport) invoke(env *dataType.Envelope) {
	t.handlersMu.RLock()
	h, ok := t.handlers[env.Type]
	t.handlersMu.RUnlock()
	if !ok {
		t.metrics.drop("no_handler")
		t.drops.Debug("no_handler:"+env.Type, "no handler registered",
			zap.String("type", env.Type),
			zap.Stringer("source", env.Source.ID))
		return
	}

	if err := t.runHandler(h, env); err != nil {
		t.metrics.drop("handler_error")
		t.drops.Warn("handler_error:"+env.Type, "handler failed",
			zap.String("type", env.Type),
			zap.Stringer("message_id", env.ID),
			zap.Error(err))
		return
	}
	t.metrics.delivered.Inc()

	if t.acks.ShouldAutoSendAck(env, t.protector) {
		t.sendAck(env)
	}
}

func (t *Transport) runHandler(h handlerFunc, env *dataType.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("handler panic",
				zap.String("type", env.Type),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(t.runContext(), env)
}
