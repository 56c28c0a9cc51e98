package envelope

import (
	"errors"
	"testing"
	"time"
)

type pingMessage struct {
	Base
	Seq  uint64 `json:"seq" cbor:"seq"`
	Note string `json:"note,omitempty" cbor:"note,omitempty"`
}

func TestPeekKindBothCodecs(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		raw, err := c.Marshal(pingMessage{Base: NewBase("ping"), Seq: 3, Note: "hi"})
		if err != nil {
			t.Fatalf("%s marshal: %v", c.Name(), err)
		}
		kind, err := c.PeekKind(raw)
		if err != nil {
			t.Fatalf("%s peek: %v", c.Name(), err)
		}
		if kind != "ping" {
			t.Fatalf("%s kind=%q", c.Name(), kind)
		}

		var out pingMessage
		if err := c.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s unmarshal: %v", c.Name(), err)
		}
		if out.Kind() != "ping" || out.Seq != 3 || out.Note != "hi" {
			t.Fatalf("%s decoded %+v", c.Name(), out)
		}
	}
}

func TestPeekKindRejectsMissingKind(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		raw, err := c.Marshal(map[string]any{"seq": 1})
		if err != nil {
			t.Fatalf("%s marshal: %v", c.Name(), err)
		}
		if _, err := c.PeekKind(raw); !errors.Is(err, ErrNoKind) {
			t.Fatalf("%s expected ErrNoKind, got %v", c.Name(), err)
		}
	}
}

func TestPeekKindMalformed(t *testing.T) {
	if _, err := JSON.PeekKind([]byte("{oops")); err == nil {
		t.Fatalf("expected json decode error")
	}
	if _, err := CBOR.PeekKind([]byte{0xff, 0x00}); err == nil {
		t.Fatalf("expected cbor decode error")
	}
}

func TestLookup(t *testing.T) {
	if c, err := Lookup(""); err != nil || c.Name() != "json" {
		t.Fatalf("default codec: %v %v", c, err)
	}
	if c, err := Lookup(" CBOR "); err != nil || c.Name() != "cbor" {
		t.Fatalf("cbor codec: %v %v", c, err)
	}
	if _, err := Lookup("protobuf"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestLatencyTrackerAcrossCBOR(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lt := NewLatencyTracker("seq-1")
	lt.AddTimestamp("capture", start)
	lt.AddTimestamp("encode", start.Add(3*time.Millisecond))
	lt.AddTimestamp("relay", start.Add(12*time.Millisecond))

	msg := pingMessage{Base: Base{PayloadType: "ping", Latency: lt}}
	raw, err := CBOR.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out pingMessage
	if err := CBOR.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Latency == nil || out.Latency.SequenceID != "seq-1" {
		t.Fatalf("latency lost: %+v", out.Latency)
	}
	if got := out.Latency.TotalLatency(); got != 12*time.Millisecond {
		t.Fatalf("total latency=%v", got)
	}
}

func TestLatencyTrackerHasStage(t *testing.T) {
	var missing *LatencyTracker
	if missing.HasStage("relay") {
		t.Fatalf("nil tracker has no stages")
	}
	tr := NewLatencyTracker("seq-2")
	tr.AddTimestamp("agent", time.Now())
	if !tr.HasStage("agent") || tr.HasStage("relay") {
		t.Fatalf("unexpected stages: %+v", tr.Timestamps)
	}
}
