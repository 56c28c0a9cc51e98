// Package signal defines the messages exchanged with the relay over a
// stream-push session. Every message embeds envelope.Base so the session
// can route it by payload_type.
package signal

import (
	"fmt"
	"time"

	"github.com/danmuck/streampush/internal/protocol/envelope"
	"github.com/pion/webrtc/v4"
)

const (
	KindLog          = "log"
	KindMetrics      = "metrics"
	KindICE          = "ice"
	KindSDP          = "sdp"
	KindJoin         = "join"
	KindAnswer       = "answer"
	KindLatencyProbe = "latency_probe"
)

type Log struct {
	envelope.Base
	Level   string `json:"level" cbor:"level"`
	Message string `json:"message" cbor:"message"`
	Time    string `json:"time" cbor:"time"`
}

func NewLog(level, message string, at time.Time) Log {
	return Log{
		Base:    envelope.NewBase(KindLog),
		Level:   level,
		Message: message,
		Time:    at.UTC().Format(time.RFC3339),
	}
}

// Metrics is the periodic agent heartbeat.
type Metrics struct {
	envelope.Base
	UsageCPU        float64 `json:"usage_cpu" cbor:"usage_cpu"`
	UsageMemory     float64 `json:"usage_memory" cbor:"usage_memory"`
	Uptime          uint64  `json:"uptime" cbor:"uptime"`
	PipelineLatency float64 `json:"pipeline_latency" cbor:"pipeline_latency"`
}

func NewMetrics(usageCPU, usageMemory float64, uptime time.Duration, pipelineLatency float64) Metrics {
	return Metrics{
		Base:            envelope.NewBase(KindMetrics),
		UsageCPU:        usageCPU,
		UsageMemory:     usageMemory,
		Uptime:          uint64(uptime / time.Second),
		PipelineLatency: pipelineLatency,
	}
}

type ICECandidate struct {
	envelope.Base
	Candidate webrtc.ICECandidateInit `json:"candidate" cbor:"candidate"`
}

func NewICECandidate(candidate webrtc.ICECandidateInit) ICECandidate {
	return ICECandidate{Base: envelope.NewBase(KindICE), Candidate: candidate}
}

type SDP struct {
	envelope.Base
	SDP webrtc.SessionDescription `json:"sdp" cbor:"sdp"`
}

func NewSDP(sdp webrtc.SessionDescription) SDP {
	return SDP{Base: envelope.NewBase(KindSDP), SDP: sdp}
}

// JoinerType says who is joining a room.
type JoinerType int

const (
	JoinerNode JoinerType = iota
	JoinerClient
)

func (jt JoinerType) String() string {
	switch jt {
	case JoinerNode:
		return "node"
	case JoinerClient:
		return "client"
	default:
		return "unknown"
	}
}

// Join asks the relay to attach this agent to Room. Room is empty when the
// relay derives it from the stream.
type Join struct {
	envelope.Base
	JoinerType JoinerType `json:"joiner_type" cbor:"joiner_type"`
	Room       string     `json:"room,omitempty" cbor:"room,omitempty"`
}

func NewJoin(joiner JoinerType, room string) Join {
	return Join{Base: envelope.NewBase(KindJoin), JoinerType: joiner, Room: room}
}

// AnswerType reports room state back to a joiner.
type AnswerType int

const (
	// AnswerOffline: room has no stream (client joiners).
	AnswerOffline AnswerType = iota
	// AnswerInUse: another node already streams to the room.
	AnswerInUse
	AnswerOK
)

func (at AnswerType) String() string {
	switch at {
	case AnswerOffline:
		return "offline"
	case AnswerInUse:
		return "in_use"
	case AnswerOK:
		return "ok"
	default:
		return fmt.Sprintf("answer(%d)", int(at))
	}
}

type Answer struct {
	envelope.Base
	AnswerType AnswerType `json:"answer_type" cbor:"answer_type"`
}

func NewAnswer(answer AnswerType) Answer {
	return Answer{Base: envelope.NewBase(KindAnswer), AnswerType: answer}
}

// LatencyProbe is stamped at each hop and echoed back to its origin.
type LatencyProbe struct {
	envelope.Base
	Origin string `json:"origin" cbor:"origin"`
}

func NewLatencyProbe(origin, sequenceID string, at time.Time) LatencyProbe {
	p := LatencyProbe{Base: envelope.NewBase(KindLatencyProbe), Origin: origin}
	p.Latency = envelope.NewLatencyTracker(sequenceID)
	p.Latency.AddTimestamp(origin, at)
	return p
}

// Decode unmarshals raw into T and checks its kind.
func Decode[T interface{ Kind() string }](codec envelope.Codec, raw []byte, kind string) (T, error) {
	var msg T
	if err := codec.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("signal: decode %s: %w", kind, err)
	}
	if got := msg.Kind(); got != kind {
		return msg, fmt.Errorf("signal: decode %s: unexpected payload_type %q", kind, got)
	}
	return msg, nil
}
