package session

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/streampush/internal/observability"
	"github.com/danmuck/streampush/internal/protocol/registry"
)

// readLoop owns the receive half. Any transport error ends it; decode and
// handler failures only drop the frame.
func (s *Session) readLoop(done chan struct{}) {
	observability.LoopStarted(observability.LoopRead)
	defer func() {
		observability.LoopStopped(observability.LoopRead)
		close(done)
	}()
	s.logger.Debug().Msg("read loop started")

	for {
		if s.ctx.Err() != nil {
			s.logger.Debug().Msg("read loop cancelled")
			return
		}
		raw, err := s.transport.Receive()
		if err != nil {
			if s.ctx.Err() != nil {
				s.logger.Debug().Err(err).Msg("read loop closed")
			} else {
				s.logger.Error().Err(err).Msg("read loop receive failed")
			}
			return
		}
		s.framesIn.Add(1)
		observability.RecordFrame(observability.DirectionIn, len(raw))
		s.dispatch(raw)

		if !pause(s.ctx, s.cfg.IterationPause) {
			return
		}
	}
}

func (s *Session) dispatch(raw []byte) {
	kind, err := s.codec.PeekKind(raw)
	if err != nil {
		s.decodeErrors.Add(1)
		observability.RecordDispatchDrop("decode")
		s.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("inbound frame dropped: kind unreadable")
		return
	}

	s.dispatching.Store(true)
	err = s.handlers.Dispatch(kind, raw)
	s.dispatching.Store(false)
	if err == nil {
		return
	}
	var fault *registry.HandlerFault
	switch {
	case errors.Is(err, registry.ErrNoHandler):
		s.unroutable.Add(1)
		observability.RecordDispatchDrop("unroutable")
		s.logger.Warn().Str("kind", kind).Msg("inbound frame dropped: no handler")
	case errors.As(err, &fault):
		s.handlerFaults.Add(1)
		observability.RecordHandlerFault(kind)
		s.logger.Error().
			Str("kind", kind).
			Interface("panic", fault.Recovered).
			Bytes("stack", fault.Stack).
			Msg("handler panicked")
	default:
		s.logger.Warn().Err(err).Str("kind", kind).Msg("dispatch failed")
	}
}

// writeLoop drains queue in FIFO order. A failed send is logged and the
// payload discarded; the loop continues with the next one.
func (s *Session) writeLoop(queue <-chan []byte, done chan struct{}) {
	observability.LoopStarted(observability.LoopWrite)
	defer func() {
		observability.LoopStopped(observability.LoopWrite)
		close(done)
	}()
	s.logger.Debug().Msg("write loop started")

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug().Msg("write loop cancelled")
			return
		case payload, ok := <-queue:
			if !ok {
				s.logger.Info().Msg("outbound queue closed, write loop exiting")
				return
			}
			if err := s.transport.Send(payload); err != nil {
				s.sendFailures.Add(1)
				observability.RecordSendFailure()
				s.logger.Error().Err(err).Int("bytes", len(payload)).Msg("send failed")
			} else {
				s.framesOut.Add(1)
				observability.RecordFrame(observability.DirectionOut, len(payload))
			}
		}
		if !pause(s.ctx, s.cfg.IterationPause) {
			return
		}
	}
}

// pause sleeps d between iterations. It reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
