package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/streampush/internal/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	// DataChannelChunk bounds each SCTP message written to a detached channel.
	DataChannelChunk = 16 * 1024
	// dataChannelReadBuffer must hold the largest message a peer may send.
	dataChannelReadBuffer = 64 * 1024
)

var ErrDataChannelClosed = errors.New("p2p: data channel closed before open")

// NewDetachAPI returns a webrtc API whose data channels can be detached
// into plain streams. Loopback candidates are needed for same-host peers.
func NewDetachAPI(includeLoopback bool) *webrtc.API {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(includeLoopback)
	return webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
}

// DataChannelOpener opens one ordered data channel per stream on an
// established PeerConnection. The channel label is the protocol id.
type DataChannelOpener struct {
	pc          *webrtc.PeerConnection
	openTimeout time.Duration
	logger      zerolog.Logger
}

func NewDataChannelOpener(pc *webrtc.PeerConnection, openTimeout time.Duration) *DataChannelOpener {
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	return &DataChannelOpener{
		pc:          pc,
		openTimeout: openTimeout,
		logger:      logging.Component("p2p.datachannel"),
	}
}

// OpenStream ignores peer beyond logging; the PeerConnection already names it.
func (o *DataChannelOpener) OpenStream(ctx context.Context, peer, protocolID string) (io.ReadWriteCloser, error) {
	label := strings.TrimSpace(protocolID)
	ordered := true
	dc, err := o.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("p2p: create data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	closed := make(chan struct{})
	var closeOnce sync.Once
	dc.OnOpen(func() {
		o.logger.Debug().Str("label", label).Str("peer", peer).Msg("data channel opened")
		close(opened)
	})
	dc.OnClose(func() {
		closeOnce.Do(func() { close(closed) })
	})

	timer := time.NewTimer(o.openTimeout)
	defer timer.Stop()
	select {
	case <-opened:
	case <-closed:
		return nil, fmt.Errorf("%w: %s", ErrDataChannelClosed, label)
	case <-timer.C:
		_ = dc.Close()
		o.logger.Warn().Str("label", label).Str("peer", peer).Dur("timeout", o.openTimeout).Msg("data channel open timed out")
		return nil, fmt.Errorf("%w: data channel %s", ErrOpenTimeout, label)
	case <-ctx.Done():
		_ = dc.Close()
		return nil, ctx.Err()
	}

	raw, err := dc.Detach()
	if err != nil {
		_ = dc.Close()
		return nil, fmt.Errorf("p2p: detach data channel %s: %w", label, err)
	}
	return newMessageStream(raw, DataChannelChunk), nil
}

// AcceptDataChannels delivers inbound data channels whose label is one of
// protocols. Others are closed once open.
func AcceptDataChannels(pc *webrtc.PeerConnection, protocols []string, deliver func(Accepted)) {
	logger := logging.Component("p2p.datachannel")
	allowed := make(map[string]struct{}, len(protocols))
	for _, id := range protocols {
		allowed[strings.TrimSpace(id)] = struct{}{}
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		if _, ok := allowed[label]; !ok {
			logger.Warn().Str("label", label).Msg("inbound data channel rejected")
			dc.OnOpen(func() { _ = dc.Close() })
			return
		}
		dc.OnOpen(func() {
			raw, err := dc.Detach()
			if err != nil {
				logger.Error().Err(err).Str("label", label).Msg("detach inbound data channel failed")
				return
			}
			deliver(Accepted{
				Stream:   newMessageStream(raw, DataChannelChunk),
				Protocol: label,
			})
		})
	})
}

// messageStream adapts a message-oriented channel to a byte stream. Writes
// are split into chunks; reads hand out the current message across calls.
type messageStream struct {
	rwc     io.ReadWriteCloser
	chunk   int
	buf     []byte
	pending []byte
}

func newMessageStream(rwc io.ReadWriteCloser, chunk int) *messageStream {
	if chunk <= 0 || chunk > dataChannelReadBuffer {
		chunk = DataChannelChunk
	}
	return &messageStream{
		rwc:   rwc,
		chunk: chunk,
		buf:   make([]byte, dataChannelReadBuffer),
	}
}

func (s *messageStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		n, err := s.rwc.Read(s.buf)
		if err != nil {
			return 0, err
		}
		s.pending = s.buf[:n]
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *messageStream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := written + s.chunk
		if end > len(p) {
			end = len(p)
		}
		n, err := s.rwc.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *messageStream) Close() error {
	return s.rwc.Close()
}
