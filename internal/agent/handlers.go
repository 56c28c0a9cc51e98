package agent

import (
	"strconv"
	"time"

	"github.com/danmuck/streampush/internal/protocol/envelope"
	"github.com/danmuck/streampush/internal/signal"
	"github.com/rs/zerolog"
)

func (a *Agent) registerHandlers() {
	a.handlers.RegisterFunc(signal.KindAnswer, a.handleAnswer)
	a.handlers.RegisterFunc(signal.KindSDP, a.handleSDP)
	a.handlers.RegisterFunc(signal.KindICE, a.handleICE)
	a.handlers.RegisterFunc(signal.KindLog, a.handleLog)
	a.handlers.RegisterFunc(signal.KindLatencyProbe, a.handleLatencyProbe)
}

func (a *Agent) handleAnswer(raw []byte) {
	msg, err := signal.Decode[signal.Answer](a.codec, raw, signal.KindAnswer)
	if err != nil {
		a.logger.Warn().Err(err).Msg("answer dropped")
		return
	}
	a.mu.Lock()
	a.answer = msg.AnswerType
	a.answered = true
	a.mu.Unlock()

	switch msg.AnswerType {
	case signal.AnswerOK:
		a.logger.Info().Str("room", a.cfg.Room).Msg("relay accepted join")
	case signal.AnswerInUse:
		a.logger.Warn().Str("room", a.cfg.Room).Msg("room already has a streaming node")
	default:
		a.logger.Warn().Str("answer", msg.AnswerType.String()).Msg("unexpected join answer")
	}
}

// Answer returns the last join answer and whether one has arrived.
func (a *Agent) Answer() (signal.AnswerType, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.answer, a.answered
}

func (a *Agent) handleSDP(raw []byte) {
	msg, err := signal.Decode[signal.SDP](a.codec, raw, signal.KindSDP)
	if err != nil {
		a.logger.Warn().Err(err).Msg("sdp dropped")
		return
	}
	a.sink.HandleSDP(msg.SDP)
}

func (a *Agent) handleICE(raw []byte) {
	msg, err := signal.Decode[signal.ICECandidate](a.codec, raw, signal.KindICE)
	if err != nil {
		a.logger.Warn().Err(err).Msg("ice candidate dropped")
		return
	}
	a.sink.HandleICE(msg.Candidate)
}

func (a *Agent) handleLog(raw []byte) {
	msg, err := signal.Decode[signal.Log](a.codec, raw, signal.KindLog)
	if err != nil {
		a.logger.Warn().Err(err).Msg("relay log dropped")
		return
	}
	level, err := zerolog.ParseLevel(msg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	a.logger.WithLevel(level).Str("source", "relay").Str("time", msg.Time).Msg(msg.Message)
}

// handleLatencyProbe closes the loop on probes this agent sent and echoes
// everyone else's after stamping them.
func (a *Agent) handleLatencyProbe(raw []byte) {
	msg, err := signal.Decode[signal.LatencyProbe](a.codec, raw, signal.KindLatencyProbe)
	if err != nil {
		a.logger.Warn().Err(err).Msg("latency probe dropped")
		return
	}
	own := msg.Origin == a.cfg.AgentID
	if !own && msg.Latency.HasStage(a.cfg.AgentID) {
		// Stamped on an earlier pass.
		a.logger.Debug().Str("origin", msg.Origin).Msg("latency probe already echoed, dropped")
		return
	}
	if msg.Latency == nil {
		msg.Latency = envelope.NewLatencyTracker("")
	}
	msg.Latency.AddTimestamp(a.cfg.AgentID, time.Now())

	if own {
		rtt := msg.Latency.TotalLatency()
		a.setLastRTT(rtt)
		a.logger.Debug().Str("sequence_id", msg.Latency.SequenceID).Dur("rtt", rtt).Msg("latency probe returned")
		return
	}
	if err := a.Send(msg); err != nil {
		a.logger.Warn().Err(err).Str("origin", msg.Origin).Msg("latency probe echo failed")
	}
}

// Probe sends one latency probe stamped now.
func (a *Agent) Probe() error {
	seq := strconv.FormatUint(a.probeSeq.Add(1), 10)
	return a.Send(signal.NewLatencyProbe(a.cfg.AgentID, seq, time.Now()))
}
