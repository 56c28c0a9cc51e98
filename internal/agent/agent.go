package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/streampush/internal/logging"
	"github.com/danmuck/streampush/internal/protocol/envelope"
	"github.com/danmuck/streampush/internal/protocol/registry"
	"github.com/danmuck/streampush/internal/protocol/session"
	"github.com/danmuck/streampush/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrRelayRequired  = errors.New("agent: relay address required")
	ErrOpenerRequired = errors.New("agent: stream opener required")
	ErrNotConnected   = errors.New("agent: not connected")
)

// SignalSink receives relay signaling meant for the media layer.
type SignalSink interface {
	HandleSDP(sdp webrtc.SessionDescription)
	HandleICE(candidate webrtc.ICECandidateInit)
}

// Status is the admin view of the agent.
type Status struct {
	AgentID       string        `json:"agent_id"`
	Relay         string        `json:"relay"`
	Room          string        `json:"room,omitempty"`
	Connected     bool          `json:"connected"`
	SessionID     string        `json:"session_id,omitempty"`
	State         string        `json:"state"`
	Stats         session.Stats `json:"stats"`
	Answer        string        `json:"answer,omitempty"`
	Reconnects    uint64        `json:"reconnects"`
	Uptime        string        `json:"uptime"`
	LastRTTMillis float64       `json:"last_rtt_ms"`
}

// Agent owns the relay session: it connects, registers handlers, keeps the
// session alive and rebuilds it when the transport breaks.
type Agent struct {
	cfg      Config
	opener   session.StreamOpener
	sink     SignalSink
	codec    envelope.Codec
	handlers *registry.Registry
	logger   zerolog.Logger
	started  time.Time

	mu       sync.RWMutex
	sess     *session.Session
	answer   signal.AnswerType
	answered bool

	rngMu sync.Mutex
	rng   *rand.Rand

	reconnects atomic.Uint64
	probeSeq   atomic.Uint64
	lastRTT    atomic.Uint64 // float64 bits, milliseconds
}

func New(cfg Config, opener session.StreamOpener, sink SignalSink) (*Agent, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.Relay) == "" {
		return nil, ErrRelayRequired
	}
	if opener == nil {
		return nil, ErrOpenerRequired
	}
	codec, err := envelope.Lookup(cfg.Session.Codec)
	if err != nil {
		return nil, err
	}
	logger := logging.Component("agent").With().Str("agent_id", cfg.AgentID).Logger()
	if sink == nil {
		sink = logSink{logger: logger}
	}
	a := &Agent{
		cfg:      cfg,
		opener:   opener,
		sink:     sink,
		codec:    codec,
		handlers: registry.New(),
		logger:   logger,
		started:  time.Now(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	a.registerHandlers()
	return a, nil
}

func (a *Agent) Config() Config {
	return a.cfg
}

// Handlers exposes the registry shared by every session this agent opens.
func (a *Agent) Handlers() *registry.Registry {
	return a.handlers
}

func (a *Agent) Session() *session.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sess
}

func (a *Agent) setSession(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = s
}

// Send enqueues msg on the live session.
func (a *Agent) Send(msg any) error {
	s := a.Session()
	if s == nil {
		return ErrNotConnected
	}
	return s.Enqueue(msg)
}

func (a *Agent) SendSDP(sdp webrtc.SessionDescription) error {
	return a.Send(signal.NewSDP(sdp))
}

func (a *Agent) SendICE(candidate webrtc.ICECandidateInit) error {
	return a.Send(signal.NewICECandidate(candidate))
}

func (a *Agent) SendLog(level, message string) error {
	return a.Send(signal.NewLog(level, message, time.Now()))
}

func (a *Agent) Status() Status {
	st := Status{
		AgentID:       a.cfg.AgentID,
		Relay:         a.cfg.Relay,
		Room:          a.cfg.Room,
		State:         "disconnected",
		Reconnects:    a.reconnects.Load(),
		Uptime:        time.Since(a.started).Round(time.Second).String(),
		LastRTTMillis: a.lastRTTMillis(),
	}
	a.mu.RLock()
	s := a.sess
	if a.answered {
		st.Answer = a.answer.String()
	}
	a.mu.RUnlock()
	if s != nil {
		state := s.State()
		st.Connected = state == session.StateRunning
		st.SessionID = s.ID()
		st.State = state.String()
		st.Stats = s.Stats()
	}
	return st
}

// Run connects to the relay and supervises the session until ctx ends.
// The admin server and heartbeats run alongside.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	if strings.TrimSpace(a.cfg.AdminAddr) != "" {
		go func() {
			adminErr <- a.serveAdmin(ctx, strings.TrimSpace(a.cfg.AdminAddr))
		}()
	}
	go a.heartbeatLoop(ctx)

	superviseErr := make(chan error, 1)
	go func() {
		superviseErr <- a.supervise(ctx)
	}()

	select {
	case err := <-superviseErr:
		return err
	case err := <-adminErr:
		if err != nil {
			cancel()
			<-superviseErr
			return err
		}
		return <-superviseErr
	}
}

func (a *Agent) supervise(ctx context.Context) error {
	defer a.closeSession()
	attempt := 0
	connectedOnce := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		s, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if a.cfg.Policy == ConnectPolicyRequired && !connectedOnce {
				return err
			}
			attempt++
			if a.cfg.MaxReconnects > 0 && attempt >= a.cfg.MaxReconnects {
				return fmt.Errorf("agent: giving up after %d attempts: %w", attempt, err)
			}
			a.logger.Warn().Err(err).Int("attempt", attempt).Str("relay", a.cfg.Relay).Msg("relay connect failed")
			if err := a.sleepBackoff(ctx, attempt); err != nil {
				return nil
			}
			continue
		}
		attempt = 0
		connectedOnce = true
		a.setSession(s)
		a.logger.Info().Str("session_id", s.ID()).Str("relay", a.cfg.Relay).Msg("relay session connected")

		a.monitor(ctx, s)
		a.closeSession()
		if ctx.Err() != nil {
			return nil
		}
		a.reconnects.Add(1)
		a.logger.Warn().Str("session_id", s.ID()).Msg("relay session lost, reconnecting")
	}
}

func (a *Agent) connect(ctx context.Context) (*session.Session, error) {
	s, err := session.Open(ctx, a.opener, a.cfg.Relay, a.cfg.Session, a.handlers)
	if err != nil {
		return nil, err
	}
	if err := s.Enqueue(signal.NewJoin(signal.JoinerNode, a.cfg.Room)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("agent: send join: %w", err)
	}
	return s, nil
}

// monitor returns once s cannot be recovered in place or ctx ends. A loop
// exit first gets one Restart; if the loops die again within RestartGrace
// the transport is treated as broken.
func (a *Agent) monitor(ctx context.Context, s *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Degraded():
		}
		a.logger.Warn().Str("session_id", s.ID()).Str("state", s.State().String()).Msg("session degraded, restarting loops")
		if err := s.Restart(); err != nil {
			a.logger.Warn().Err(err).Msg("session restart failed")
			return
		}
		timer := time.NewTimer(a.cfg.RestartGrace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.Degraded():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (a *Agent) closeSession() {
	a.mu.Lock()
	s := a.sess
	a.sess = nil
	a.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

func (a *Agent) sleepBackoff(ctx context.Context, attempt int) error {
	a.rngMu.Lock()
	delay := session.NextBackoffDelay(a.cfg.Session.Backoff, attempt, a.rng)
	a.rngMu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *Agent) setLastRTT(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	a.lastRTT.Store(math.Float64bits(ms))
}

func (a *Agent) lastRTTMillis() float64 {
	return math.Float64frombits(a.lastRTT.Load())
}

type logSink struct {
	logger zerolog.Logger
}

func (s logSink) HandleSDP(sdp webrtc.SessionDescription) {
	s.logger.Info().Str("type", sdp.Type.String()).Int("bytes", len(sdp.SDP)).Msg("sdp received, no media sink attached")
}

func (s logSink) HandleICE(candidate webrtc.ICECandidateInit) {
	s.logger.Info().Str("candidate", candidate.Candidate).Msg("ice candidate received, no media sink attached")
}
