package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// KindField is the envelope key carrying the routing kind.
const KindField = "payload_type"

var (
	ErrNoKind       = errors.New("envelope: missing payload_type")
	ErrUnknownCodec = errors.New("envelope: unknown codec")
)

// Codec serializes envelopes and can peek the routing kind without
// decoding the body.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	PeekKind(data []byte) (string, error)
}

// Base is embedded by every message so the kind is always on the wire.
type Base struct {
	PayloadType string          `json:"payload_type" cbor:"payload_type" yaml:"payload_type"`
	Latency     *LatencyTracker `json:"latency,omitempty" cbor:"latency,omitempty" yaml:"latency,omitempty"`
}

func NewBase(kind string) Base {
	return Base{PayloadType: kind}
}

func (b Base) Kind() string {
	return b.PayloadType
}

// header is the minimal shape decoded by PeekKind.
type header struct {
	PayloadType string `json:"payload_type" cbor:"payload_type"`
}

func (h header) kind() (string, error) {
	kind := strings.TrimSpace(h.PayloadType)
	if kind == "" {
		return "", ErrNoKind
	}
	return kind, nil
}

// Lookup resolves a codec by its configured name.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", JSON.Name():
		return JSON, nil
	case CBOR.Name():
		return CBOR, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// TimestampEntry records when a message passed one pipeline stage.
type TimestampEntry struct {
	Stage string    `json:"stage" cbor:"stage"`
	Time  time.Time `json:"time" cbor:"time"`
}

// LatencyTracker follows one message across stages for latency accounting.
type LatencyTracker struct {
	SequenceID string           `json:"sequence_id" cbor:"sequence_id"`
	Timestamps []TimestampEntry `json:"timestamps" cbor:"timestamps"`
}

func NewLatencyTracker(sequenceID string) *LatencyTracker {
	return &LatencyTracker{
		SequenceID: sequenceID,
		Timestamps: make([]TimestampEntry, 0, 4),
	}
}

func (l *LatencyTracker) AddTimestamp(stage string, at time.Time) {
	l.Timestamps = append(l.Timestamps, TimestampEntry{Stage: stage, Time: at})
}

// HasStage reports whether stage already stamped the tracker.
func (l *LatencyTracker) HasStage(stage string) bool {
	if l == nil {
		return false
	}
	for _, ts := range l.Timestamps {
		if ts.Stage == stage {
			return true
		}
	}
	return false
}

// TotalLatency is the span between the earliest and latest stamps.
func (l *LatencyTracker) TotalLatency() time.Duration {
	if l == nil || len(l.Timestamps) < 2 {
		return 0
	}
	earliest := l.Timestamps[0].Time
	latest := earliest
	for _, ts := range l.Timestamps[1:] {
		if ts.Time.Before(earliest) {
			earliest = ts.Time
		}
		if ts.Time.After(latest) {
			latest = ts.Time
		}
	}
	return latest.Sub(earliest)
}
