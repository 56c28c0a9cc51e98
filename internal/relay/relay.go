// Package relay is a minimal relay for local development: it accepts agent
// streams, answers room joins, echoes latency probes and forwards SDP/ICE
// between peers in the same room.
package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/streampush/internal/logging"
	"github.com/danmuck/streampush/internal/p2p"
	"github.com/danmuck/streampush/internal/protocol/envelope"
	"github.com/danmuck/streampush/internal/protocol/registry"
	"github.com/danmuck/streampush/internal/protocol/session"
	"github.com/danmuck/streampush/internal/signal"
	"github.com/rs/zerolog"
)

// StageName is the stamp the relay adds to latency probes.
const StageName = "relay"

type peer struct {
	sess    *session.Session
	agentID string

	mu     sync.Mutex
	room   string
	joiner signal.JoinerType
	joined bool
}

func (p *peer) membership() (string, signal.JoinerType, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room, p.joiner, p.joined
}

type Server struct {
	acceptor *p2p.Acceptor
	cfg      session.Config
	codec    envelope.Codec
	logger   zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peer
	// rooms maps a room to the session id of its streaming node.
	rooms map[string]string
	wg    sync.WaitGroup
}

func NewServer(acceptor *p2p.Acceptor, cfg session.Config) (*Server, error) {
	cfg = cfg.WithDefaults()
	codec, err := envelope.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}
	acceptor.Handle(cfg.ProtocolID)
	return &Server{
		acceptor: acceptor,
		cfg:      cfg,
		codec:    codec,
		logger:   logging.Component("relay"),
		peers:    make(map[string]*peer),
		rooms:    make(map[string]string),
	}, nil
}

func (s *Server) Addr() string {
	return s.acceptor.Addr().String()
}

// Serve accepts streams until ctx ends, then closes every peer session.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Str("addr", s.Addr()).Str("protocol", s.cfg.ProtocolID).Msg("relay listening")
	defer s.wg.Wait()
	for {
		accepted, err := s.acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || p2p.IsClosed(err) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, accepted)
		}()
	}
}

// Rooms returns the rooms that currently have a streaming node.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handle(ctx context.Context, accepted *p2p.Accepted) {
	handlers := registry.New()
	sess, err := session.New(accepted.Stream, s.cfg, handlers)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", accepted.Remote).Msg("relay session create failed")
		_ = accepted.Stream.Close()
		return
	}
	p := &peer{sess: sess, agentID: accepted.AgentID}
	logger := s.logger.With().
		Str("session_id", sess.ID()).
		Str("agent_id", accepted.AgentID).
		Str("remote", accepted.Remote).
		Logger()
	s.register(p, handlers, logger)

	s.mu.Lock()
	s.peers[sess.ID()] = p
	s.mu.Unlock()
	defer s.drop(p)

	if err := sess.Start(); err != nil {
		logger.Error().Err(err).Msg("relay session start failed")
		return
	}
	logger.Info().Msg("peer connected")

	select {
	case <-ctx.Done():
	case <-sess.Degraded():
		logger.Info().Str("state", sess.State().String()).Msg("peer disconnected")
	}
}

func (s *Server) drop(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.sess.ID())
	for room, owner := range s.rooms {
		if owner == p.sess.ID() {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()
	_ = p.sess.Close()
}

func (s *Server) register(p *peer, handlers *registry.Registry, logger zerolog.Logger) {
	handlers.RegisterFunc(signal.KindJoin, func(raw []byte) {
		msg, err := signal.Decode[signal.Join](s.codec, raw, signal.KindJoin)
		if err != nil {
			logger.Warn().Err(err).Msg("join dropped")
			return
		}
		answer := s.join(p, msg)
		logger.Info().
			Str("room", msg.Room).
			Str("joiner", msg.JoinerType.String()).
			Str("answer", answer.String()).
			Msg("join answered")
		if err := p.sess.Enqueue(signal.NewAnswer(answer)); err != nil {
			logger.Warn().Err(err).Msg("answer enqueue failed")
		}
	})
	handlers.RegisterFunc(signal.KindLatencyProbe, func(raw []byte) {
		msg, err := signal.Decode[signal.LatencyProbe](s.codec, raw, signal.KindLatencyProbe)
		if err != nil {
			logger.Warn().Err(err).Msg("latency probe dropped")
			return
		}
		if msg.Origin == StageName {
			if msg.Latency != nil {
				logger.Debug().Dur("rtt", msg.Latency.TotalLatency()).Msg("relay probe returned")
			}
			return
		}
		if msg.Latency.HasStage(StageName) {
			logger.Debug().Str("origin", msg.Origin).Msg("latency probe already echoed, dropped")
			return
		}
		if msg.Latency == nil {
			msg.Latency = envelope.NewLatencyTracker("")
		}
		msg.Latency.AddTimestamp(StageName, time.Now())
		if err := p.sess.Enqueue(msg); err != nil {
			logger.Warn().Err(err).Msg("latency probe echo failed")
		}
	})
	handlers.RegisterFunc(signal.KindMetrics, func(raw []byte) {
		msg, err := signal.Decode[signal.Metrics](s.codec, raw, signal.KindMetrics)
		if err != nil {
			logger.Warn().Err(err).Msg("metrics dropped")
			return
		}
		logger.Debug().
			Float64("cpu", msg.UsageCPU).
			Float64("mem_mib", msg.UsageMemory).
			Uint64("uptime_s", msg.Uptime).
			Float64("latency_ms", msg.PipelineLatency).
			Msg("peer metrics")
	})
	handlers.RegisterFunc(signal.KindLog, func(raw []byte) {
		msg, err := signal.Decode[signal.Log](s.codec, raw, signal.KindLog)
		if err != nil {
			logger.Warn().Err(err).Msg("peer log dropped")
			return
		}
		logger.Info().Str("level", msg.Level).Str("time", msg.Time).Msg(msg.Message)
	})
	forward := func(raw []byte) {
		if err := s.forward(p, raw); err != nil {
			logger.Warn().Err(err).Msg("signal forward failed")
		}
	}
	handlers.RegisterFunc(signal.KindSDP, forward)
	handlers.RegisterFunc(signal.KindICE, forward)
}

// join records membership and decides the answer. A node gets the room
// unless another live node holds it; a client is told whether a node is
// streaming.
func (s *Server) join(p *peer, msg signal.Join) signal.AnswerType {
	room := msg.Room
	if room == "" {
		room = p.agentID
	}
	p.mu.Lock()
	p.room, p.joiner, p.joined = room, msg.JoinerType, true
	p.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	owner, taken := s.rooms[room]
	switch msg.JoinerType {
	case signal.JoinerNode:
		if taken && owner != p.sess.ID() {
			return signal.AnswerInUse
		}
		s.rooms[room] = p.sess.ID()
		return signal.AnswerOK
	default:
		if !taken {
			return signal.AnswerOffline
		}
		return signal.AnswerOK
	}
}

var errNoRoom = errors.New("relay: peer has not joined a room")

// forward passes raw to every other joined peer in the sender's room.
func (s *Server) forward(from *peer, raw []byte) error {
	room, _, joined := from.membership()
	if !joined {
		return errNoRoom
	}
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for id, p := range s.peers {
		if id == from.sess.ID() {
			continue
		}
		if r, _, ok := p.membership(); ok && r == room {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range targets {
		if err := p.sess.EnqueueRaw(raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
