package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/streampush/internal/logging"
	"github.com/danmuck/streampush/internal/observability"
	"github.com/danmuck/streampush/internal/protocol/envelope"
	"github.com/danmuck/streampush/internal/protocol/frame"
	"github.com/danmuck/streampush/internal/protocol/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull   = errors.New("session: outbound queue full")
	ErrNotRunning  = errors.New("session: write loop not running")
	ErrClosed      = errors.New("session: closed")
	ErrEncode      = errors.New("session: encode failed")
	ErrNilStream   = errors.New("session: nil stream")
	ErrPeerMissing = errors.New("session: peer required")
)

// StreamOpener opens a duplex stream to peer for one protocol id.
type StreamOpener interface {
	OpenStream(ctx context.Context, peer, protocolID string) (io.ReadWriteCloser, error)
}

type State int

const (
	StateUninitialized State = iota
	StateRunning
	// StateDegraded means exactly one loop has exited.
	StateDegraded
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time copy of session counters.
type Stats struct {
	FramesIn      uint64 `json:"frames_in"`
	FramesOut     uint64 `json:"frames_out"`
	SendFailures  uint64 `json:"send_failures"`
	DecodeErrors  uint64 `json:"decode_errors"`
	Unroutable    uint64 `json:"unroutable"`
	HandlerFaults uint64 `json:"handler_faults"`
	QueueFull     uint64 `json:"queue_full"`
	QueueLen      int    `json:"queue_len"`
	QueueCap      int    `json:"queue_cap"`
	Restarts      uint64 `json:"restarts"`
}

// generation is one set of spawned loops. A loop that survives a partial
// restart carries its done channel into the next generation.
type generation struct {
	readDone  chan struct{}
	writeDone chan struct{}
	degraded  chan struct{}
	done      chan struct{}
}

func (g *generation) watch() {
	select {
	case <-g.readDone:
	case <-g.writeDone:
	}
	close(g.degraded)
	<-g.readDone
	<-g.writeDone
	close(g.done)
}

// Session runs one read loop and one write loop over a framed transport.
type Session struct {
	id        string
	cfg       Config
	codec     envelope.Codec
	transport *frame.Transport
	handlers  *registry.Registry
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	queue  chan []byte
	gen    *generation
	closed bool

	closeOnce   sync.Once
	dispatching atomic.Bool

	framesIn      atomic.Uint64
	framesOut     atomic.Uint64
	sendFailures  atomic.Uint64
	decodeErrors  atomic.Uint64
	unroutable    atomic.Uint64
	handlerFaults atomic.Uint64
	queueFull     atomic.Uint64
	restarts      atomic.Uint64
}

// Open opens a stream to peer for cfg.ProtocolID and starts a session on it.
// handlers may be nil; passing a populated registry avoids missing frames
// that arrive before registration.
func Open(ctx context.Context, opener StreamOpener, peer string, cfg Config, handlers *registry.Registry) (*Session, error) {
	if strings.TrimSpace(peer) == "" {
		return nil, ErrPeerMissing
	}
	cfg = cfg.WithDefaults()
	openCtx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	defer cancel()

	stream, err := opener.OpenStream(openCtx, peer, cfg.ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("session: open stream peer=%q protocol=%q: %w", peer, cfg.ProtocolID, err)
	}
	s, err := New(stream, cfg, handlers)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open stream. The session is uninitialized until Start.
func New(stream io.ReadWriteCloser, cfg Config, handlers *registry.Registry) (*Session, error) {
	if stream == nil {
		return nil, ErrNilStream
	}
	cfg = cfg.WithDefaults()
	codec, err := envelope.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if handlers == nil {
		handlers = registry.New()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		cfg:       cfg,
		codec:     codec,
		transport: frame.NewTransportWithLimits(stream, cfg.Limits),
		handlers:  handlers,
		logger: logging.Component("session").With().
			Str("session_id", id).
			Str("protocol", cfg.ProtocolID).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Codec() envelope.Codec {
	return s.codec
}

func (s *Session) Config() Config {
	return s.cfg
}

// Start spawns both loops. On a running session it behaves like Restart.
func (s *Session) Start() error {
	return s.Restart()
}

// Restart respawns loops that have exited, reusing the existing transport.
// With both loops alive it only logs. A dead write loop gets a fresh queue.
// A write loop still draining after Stop is awaited without holding the
// session lock, so Enqueue and State keep answering meanwhile.
func (s *Session) Restart() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if draining := s.drainingWriter(); draining != nil {
		s.mu.Unlock()
		if !waitClosed(draining, s.cfg.DrainTimeout) {
			return fmt.Errorf("%w: write loop still draining", ErrNotRunning)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if s.drainingWriter() != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: write loop still draining", ErrNotRunning)
		}
	}
	defer s.mu.Unlock()

	prev := s.gen
	readAlive := prev != nil && alive(prev.readDone)
	writeAlive := prev != nil && alive(prev.writeDone)
	if readAlive && writeAlive {
		s.logger.Warn().Msg("session.Restart loops already running, restart skipped")
		return nil
	}

	next := &generation{
		degraded: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if readAlive {
		next.readDone = prev.readDone
	} else {
		next.readDone = make(chan struct{})
		go s.readLoop(next.readDone)
	}
	if writeAlive {
		next.writeDone = prev.writeDone
	} else {
		s.queue = make(chan []byte, s.cfg.QueueCapacity)
		next.writeDone = make(chan struct{})
		go s.writeLoop(s.queue, next.writeDone)
	}
	s.gen = next
	go next.watch()

	if prev != nil {
		s.restarts.Add(1)
	}
	s.logger.Info().
		Bool("read_respawned", !readAlive).
		Bool("write_respawned", !writeAlive).
		Int("queue_cap", s.cfg.QueueCapacity).
		Msg("session loops started")
	return nil
}

// drainingWriter returns the write loop's done channel when Stop has closed
// the queue but the loop has not exited yet. Callers hold s.mu.
func (s *Session) drainingWriter() chan struct{} {
	if s.gen == nil || s.queue != nil || !alive(s.gen.writeDone) {
		return nil
	}
	return s.gen.writeDone
}

// RegisterHandler inserts or replaces the handler for kind. Safe while the
// read loop runs; it applies to frames dispatched after it returns.
func (s *Session) RegisterHandler(kind string, h registry.Handler) {
	s.handlers.Register(kind, h)
}

func (s *Session) RegisterHandlerFunc(kind string, fn func(raw []byte)) {
	s.handlers.RegisterFunc(kind, fn)
}

// Enqueue encodes msg and queues it without blocking.
func (s *Session) Enqueue(msg any) error {
	payload, err := s.codec.Marshal(msg)
	if err != nil {
		observability.RecordEnqueueRejected(observability.RejectEncode)
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if _, err := s.codec.PeekKind(payload); err != nil {
		observability.RecordEnqueueRejected(observability.RejectEncode)
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return s.enqueue(payload)
}

// EnqueueRaw queues an already encoded payload. It must carry a kind
// readable by the session codec.
func (s *Session) EnqueueRaw(payload []byte) error {
	if _, err := s.codec.PeekKind(payload); err != nil {
		observability.RecordEnqueueRejected(observability.RejectEncode)
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return s.enqueue(buf)
}

func (s *Session) enqueue(payload []byte) error {
	if uint64(len(payload)) > uint64(s.cfg.Limits.MaxPayloadBytes) {
		observability.RecordEnqueueRejected(observability.RejectOversized)
		return fmt.Errorf("%w: len=%d", frame.ErrPayloadTooLarge, len(payload))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.queue == nil || s.gen == nil || !alive(s.gen.writeDone) {
		observability.RecordEnqueueRejected(observability.RejectNotRunning)
		return ErrNotRunning
	}
	select {
	case s.queue <- payload:
		return nil
	default:
		s.queueFull.Add(1)
		observability.RecordEnqueueRejected(observability.RejectQueueFull)
		return fmt.Errorf("%w: cap=%d", ErrQueueFull, cap(s.queue))
	}
}

// Stop closes the outbound queue. The write loop sends what is already
// queued and exits; the read loop keeps running until the stream ends or
// Close is called. A later Restart respawns the write loop.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.queue == nil {
		return
	}
	close(s.queue)
	s.queue = nil
	s.logger.Info().Msg("session.Stop outbound queue closed")
}

// Close drains the outbound queue (bounded by DrainTimeout), then closes
// the transport and waits for both loops. Safe to call more than once.
// While a handler is running Close does not wait for the read loop, so a
// handler may close its own session; Done reports the final exit.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		gen := s.gen
		if s.queue != nil {
			close(s.queue)
			s.queue = nil
		}
		s.mu.Unlock()

		if gen != nil && !waitClosed(gen.writeDone, s.cfg.DrainTimeout) {
			s.logger.Warn().Dur("timeout", s.cfg.DrainTimeout).Msg("session.Close drain timed out")
		}
		s.cancel()
		err = s.transport.Close()
		switch {
		case gen == nil:
		case s.dispatching.Load():
			// A handler may be the caller; the read loop exits once it returns.
			s.logger.Debug().Msg("session.Close during dispatch, read loop not awaited")
		case !waitClosed(gen.done, s.cfg.CloseTimeout):
			s.logger.Warn().Dur("timeout", s.cfg.CloseTimeout).Msg("session.Close loops did not exit")
		}
		s.logger.Info().Msg("session closed")
	})
	return err
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return StateClosed
	}
	if s.gen == nil {
		return StateUninitialized
	}
	r, w := alive(s.gen.readDone), alive(s.gen.writeDone)
	switch {
	case r && w:
		return StateRunning
	case r || w:
		return StateDegraded
	default:
		return StateStopped
	}
}

// Degraded closes when the first loop of the current generation exits.
// Before Start it returns a channel that never closes.
func (s *Session) Degraded() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gen == nil {
		return make(chan struct{})
	}
	return s.gen.degraded
}

// Done closes when both loops of the current generation have exited.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gen == nil {
		return make(chan struct{})
	}
	return s.gen.done
}

func (s *Session) Stats() Stats {
	s.mu.RLock()
	queueLen, queueCap := 0, s.cfg.QueueCapacity
	if s.queue != nil {
		queueLen = len(s.queue)
	}
	s.mu.RUnlock()
	return Stats{
		FramesIn:      s.framesIn.Load(),
		FramesOut:     s.framesOut.Load(),
		SendFailures:  s.sendFailures.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
		Unroutable:    s.unroutable.Load(),
		HandlerFaults: s.handlerFaults.Load(),
		QueueFull:     s.queueFull.Load(),
		QueueLen:      queueLen,
		QueueCap:      queueCap,
		Restarts:      s.restarts.Load(),
	}
}

func alive(done chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
