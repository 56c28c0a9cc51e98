package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/streampush/internal/protocol/envelope"
	"github.com/danmuck/streampush/internal/protocol/registry"
	"github.com/danmuck/streampush/internal/protocol/session"
	"github.com/danmuck/streampush/internal/signal"
	"github.com/danmuck/streampush/internal/testutil/testlog"
	"github.com/pion/webrtc/v4"
)

// pipeRelay hands the agent one end of a net.Pipe per open and runs a relay
// session on the other end.
type pipeRelay struct {
	handlers *registry.Registry
	opened   atomic.Int32

	mu       sync.Mutex
	sessions []*session.Session
}

func newPipeRelay() *pipeRelay {
	return &pipeRelay{handlers: registry.New()}
}

func (r *pipeRelay) OpenStream(_ context.Context, _ string, protocolID string) (io.ReadWriteCloser, error) {
	r.opened.Add(1)
	left, right := net.Pipe()
	cfg := session.DefaultConfig()
	cfg.ProtocolID = protocolID
	cfg.IterationPause = -1
	s, err := session.New(right, cfg, r.handlers)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return left, nil
}

func (r *pipeRelay) latest() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

func (r *pipeRelay) closeAll() {
	r.mu.Lock()
	sessions := append([]*session.Session(nil), r.sessions...)
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

type failingOpener struct {
	err   error
	calls atomic.Int32
}

func (o *failingOpener) OpenStream(context.Context, string, string) (io.ReadWriteCloser, error) {
	o.calls.Add(1)
	return nil, o.err
}

type recordingSink struct {
	sdp chan webrtc.SessionDescription
	ice chan webrtc.ICECandidateInit
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		sdp: make(chan webrtc.SessionDescription, 4),
		ice: make(chan webrtc.ICECandidateInit, 4),
	}
}

func (s *recordingSink) HandleSDP(sdp webrtc.SessionDescription)     { s.sdp <- sdp }
func (s *recordingSink) HandleICE(candidate webrtc.ICECandidateInit) { s.ice <- candidate }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Relay = "relay.test:7000"
	cfg.Room = "room-1"
	cfg.HeartbeatInterval = time.Hour
	cfg.ProbeInterval = -1
	cfg.RestartGrace = 200 * time.Millisecond
	cfg.Session.IterationPause = -1
	cfg.Session.Backoff = session.BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   1,
		MaxDelay:     5 * time.Millisecond,
	}
	return cfg
}

func startAgent(t *testing.T, cfg Config, opener session.StreamOpener, sink SignalSink) *Agent {
	t.Helper()
	a, err := New(cfg, opener, sink)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("agent did not stop")
		}
	})
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func collectJoins(relay *pipeRelay) <-chan signal.Join {
	joins := make(chan signal.Join, 8)
	relay.handlers.RegisterFunc(signal.KindJoin, func(raw []byte) {
		msg, err := signal.Decode[signal.Join](envelope.JSON, raw, signal.KindJoin)
		if err == nil {
			joins <- msg
		}
	})
	return joins
}

func recvJoin(t *testing.T, joins <-chan signal.Join) signal.Join {
	t.Helper()
	select {
	case j := <-joins:
		return j
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for join")
		return signal.Join{}
	}
}

func TestNewValidatesInputs(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{}, newPipeRelay(), nil); !errors.Is(err, ErrRelayRequired) {
		t.Fatalf("expected ErrRelayRequired, got %v", err)
	}
	if _, err := New(testConfig(), nil, nil); !errors.Is(err, ErrOpenerRequired) {
		t.Fatalf("expected ErrOpenerRequired, got %v", err)
	}
	cfg := testConfig()
	cfg.Session.Codec = "msgpack"
	if _, err := New(cfg, newPipeRelay(), nil); !errors.Is(err, envelope.ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestDefaultConfigWiresTransportAgentID(t *testing.T) {
	testlog.Start(t)
	cfg := Config{AgentID: "edge-7", Relay: "r:1"}.WithDefaults()
	if cfg.Transport.AgentID != "edge-7" {
		t.Fatalf("expected transport agent id edge-7, got %q", cfg.Transport.AgentID)
	}
	if cfg.Policy != ConnectPolicyRetry || cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Session.ProtocolID != session.DefaultProtocolID {
		t.Fatalf("expected default protocol, got %q", cfg.Session.ProtocolID)
	}
}

func TestAgentJoinsRoomAndRecordsAnswer(t *testing.T) {
	testlog.Start(t)
	relay := newPipeRelay()
	t.Cleanup(relay.closeAll)
	joins := collectJoins(relay)
	a := startAgent(t, testConfig(), relay, nil)

	join := recvJoin(t, joins)
	if join.JoinerType != signal.JoinerNode || join.Room != "room-1" {
		t.Fatalf("unexpected join: %+v", join)
	}
	if err := relay.latest().Enqueue(signal.NewAnswer(signal.AnswerOK)); err != nil {
		t.Fatalf("relay enqueue answer: %v", err)
	}
	waitFor(t, "answer", func() bool {
		answer, ok := a.Answer()
		return ok && answer == signal.AnswerOK
	})

	st := a.Status()
	if !st.Connected || st.Answer != "ok" || st.State != "running" || st.SessionID == "" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestAgentForwardsSignalingToSink(t *testing.T) {
	testlog.Start(t)
	relay := newPipeRelay()
	t.Cleanup(relay.closeAll)
	joins := collectJoins(relay)
	sink := newRecordingSink()
	startAgent(t, testConfig(), relay, sink)
	recvJoin(t, joins)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := relay.latest().Enqueue(signal.NewSDP(offer)); err != nil {
		t.Fatalf("enqueue sdp: %v", err)
	}
	mid := "0"
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host", SDPMid: &mid}
	if err := relay.latest().Enqueue(signal.NewICECandidate(candidate)); err != nil {
		t.Fatalf("enqueue ice: %v", err)
	}

	select {
	case got := <-sink.sdp:
		if got.Type != webrtc.SDPTypeOffer || got.SDP != offer.SDP {
			t.Fatalf("unexpected sdp: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for sdp")
	}
	select {
	case got := <-sink.ice:
		if got.Candidate != candidate.Candidate || got.SDPMid == nil || *got.SDPMid != "0" {
			t.Fatalf("unexpected candidate: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for ice")
	}
}

func TestAgentEchoesForeignProbesAndRecordsOwnRTT(t *testing.T) {
	testlog.Start(t)
	relay := newPipeRelay()
	t.Cleanup(relay.closeAll)
	joins := collectJoins(relay)

	echoed := make(chan signal.LatencyProbe, 4)
	relay.handlers.RegisterFunc(signal.KindLatencyProbe, func(raw []byte) {
		probe, err := signal.Decode[signal.LatencyProbe](envelope.JSON, raw, signal.KindLatencyProbe)
		if err != nil {
			return
		}
		if probe.Origin == "relay" {
			echoed <- probe
			return
		}
		probe.Latency.AddTimestamp("relay", time.Now().Add(5*time.Millisecond))
		_ = relay.latest().Enqueue(probe)
	})

	a := startAgent(t, testConfig(), relay, nil)
	recvJoin(t, joins)

	if err := relay.latest().Enqueue(signal.NewLatencyProbe("relay", "r1", time.Now())); err != nil {
		t.Fatalf("enqueue probe: %v", err)
	}
	select {
	case probe := <-echoed:
		if probe.Latency == nil || len(probe.Latency.Timestamps) != 2 {
			t.Fatalf("expected two stamps on echo, got %+v", probe.Latency)
		}
		if probe.Latency.Timestamps[1].Stage != "agent.local" {
			t.Fatalf("expected agent stamp, got %+v", probe.Latency.Timestamps)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for echoed probe")
	}

	if err := a.Probe(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	waitFor(t, "rtt", func() bool { return a.Status().LastRTTMillis >= 5 })
}

func TestAgentDoesNotEchoProbesItAlreadyStamped(t *testing.T) {
	testlog.Start(t)
	relay := newPipeRelay()
	t.Cleanup(relay.closeAll)
	joins := collectJoins(relay)

	echoed := make(chan signal.LatencyProbe, 4)
	relay.handlers.RegisterFunc(signal.KindLatencyProbe, func(raw []byte) {
		if probe, err := signal.Decode[signal.LatencyProbe](envelope.JSON, raw, signal.KindLatencyProbe); err == nil {
			echoed <- probe
		}
	})

	startAgent(t, testConfig(), relay, nil)
	recvJoin(t, joins)

	looped := signal.NewLatencyProbe("viewer-9", "loop", time.Now())
	looped.Latency.AddTimestamp("agent.local", time.Now())
	if err := relay.latest().Enqueue(looped); err != nil {
		t.Fatalf("enqueue stamped probe: %v", err)
	}
	if err := relay.latest().Enqueue(signal.NewLatencyProbe("viewer-9", "fresh", time.Now())); err != nil {
		t.Fatalf("enqueue fresh probe: %v", err)
	}

	select {
	case probe := <-echoed:
		if probe.Latency == nil || probe.Latency.SequenceID != "fresh" {
			t.Fatalf("expected only the fresh probe echoed, got %+v", probe.Latency)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for echo")
	}
	select {
	case probe := <-echoed:
		t.Fatalf("stamped probe echoed again: %+v", probe.Latency)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAgentReconnectsAfterRelayDrop(t *testing.T) {
	testlog.Start(t)
	relay := newPipeRelay()
	t.Cleanup(relay.closeAll)
	joins := collectJoins(relay)
	a := startAgent(t, testConfig(), relay, nil)
	recvJoin(t, joins)

	first := relay.latest()
	if err := first.Close(); err != nil {
		t.Fatalf("close relay session: %v", err)
	}

	join := recvJoin(t, joins)
	if join.Room != "room-1" {
		t.Fatalf("unexpected rejoin: %+v", join)
	}
	if got := relay.opened.Load(); got < 2 {
		t.Fatalf("expected a second open, got %d", got)
	}
	waitFor(t, "reconnected status", func() bool {
		st := a.Status()
		return st.Connected && st.Reconnects >= 1
	})
}

func TestRunRequiredPolicyFailsOnFirstConnect(t *testing.T) {
	testlog.Start(t)
	dialErr := errors.New("dial refused")
	opener := &failingOpener{err: dialErr}
	cfg := testConfig()
	cfg.Policy = ConnectPolicyRequired

	a, err := New(cfg, opener, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	err = a.Run(context.Background())
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if got := opener.calls.Load(); got != 1 {
		t.Fatalf("expected one attempt, got %d", got)
	}
}

func TestRunGivesUpAfterMaxReconnects(t *testing.T) {
	testlog.Start(t)
	dialErr := errors.New("dial refused")
	opener := &failingOpener{err: dialErr}
	cfg := testConfig()
	cfg.MaxReconnects = 3

	a, err := New(cfg, opener, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	err = a.Run(context.Background())
	if !errors.Is(err, dialErr) || !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := opener.calls.Load(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}
}

func TestRunStopsRetryingOnCancel(t *testing.T) {
	testlog.Start(t)
	opener := &failingOpener{err: errors.New("dial refused")}
	a, err := New(testConfig(), opener, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("expected clean exit on cancel, got %v", err)
	}
	if opener.calls.Load() < 2 {
		t.Fatalf("expected retries before cancel, got %d", opener.calls.Load())
	}
}

func TestSendWithoutSession(t *testing.T) {
	testlog.Start(t)
	a, err := New(testConfig(), newPipeRelay(), nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.SendLog("info", "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if st := a.Status(); st.Connected || st.State != "disconnected" {
		t.Fatalf("unexpected status: %+v", st)
	}
}
