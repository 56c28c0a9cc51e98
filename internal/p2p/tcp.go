package p2p

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/streampush/internal/logging"
	"github.com/danmuck/streampush/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrPeerRequired = errors.New("p2p: peer address required")
	ErrOpenTimeout  = errors.New("p2p: open stream timed out")
)

// TCPOpener dials host:port peers and negotiates the protocol id over a
// newline JSON handshake before handing the connection to the caller.
type TCPOpener struct {
	cfg    Config
	logger zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewTCPOpener(cfg Config) (*TCPOpener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	return &TCPOpener{
		cfg:    cfg,
		logger: logging.Component("p2p.tcp"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// OpenStream dials peer and selects protocolID, retrying transient failures
// with backoff. A rejected protocol is returned without retrying.
func (o *TCPOpener) OpenStream(ctx context.Context, peer, protocolID string) (io.ReadWriteCloser, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return nil, ErrPeerRequired
	}
	var attempt int
	for {
		attempt++
		stream, err := o.openOnce(ctx, peer, protocolID)
		if err == nil {
			o.logger.Info().
				Str("peer", peer).
				Str("protocol", protocolID).
				Int("attempt", attempt).
				Msg("stream opened")
			return stream, nil
		}
		if errors.Is(err, ErrProtocolRejected) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, o.contextError(ctxErr, peer, err)
		}
		o.logger.Warn().Err(err).Str("peer", peer).Int("attempt", attempt).Msg("open stream attempt failed")
		if !o.shouldRetry(attempt) {
			return nil, fmt.Errorf("p2p: open stream peer=%q attempts=%d: %w", peer, attempt, err)
		}
		if sleepErr := o.sleepBackoff(ctx, attempt); sleepErr != nil {
			return nil, o.contextError(sleepErr, peer, err)
		}
	}
}

func (o *TCPOpener) openOnce(ctx context.Context, peer, protocolID string) (net.Conn, error) {
	conn, err := o.dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	stream, err := o.selectProtocol(ctx, conn, protocolID)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return stream, nil
}

func (o *TCPOpener) dial(ctx context.Context, peer string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: o.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", peer)
	if err != nil {
		return nil, err
	}
	if !o.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := o.cfg.ClientTLSConfig(peer)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, o.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (o *TCPOpener) selectProtocol(ctx context.Context, conn net.Conn, protocolID string) (net.Conn, error) {
	_ = conn.SetDeadline(time.Now().Add(o.cfg.HandshakeTimeout))
	// Expire the deadline early if ctx ends mid-handshake.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	reader := bufio.NewReader(conn)
	if err := WriteSelect(conn, Select{Protocol: protocolID, AgentID: o.cfg.AgentID}); err != nil {
		return nil, err
	}
	ack, err := ReadSelectAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != AckStatusAccepted {
		return nil, fmt.Errorf("%w: protocol=%q message=%q", ErrProtocolRejected, protocolID, ack.Message)
	}
	if ack.Protocol != protocolID {
		return nil, fmt.Errorf("%w: requested=%q acked=%q", ErrProtocolRejected, protocolID, ack.Protocol)
	}
	if !stop() {
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return newBufferedConn(conn, reader), nil
}

func (o *TCPOpener) shouldRetry(attempt int) bool {
	if o.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < o.cfg.MaxConnectAttempts
}

func (o *TCPOpener) sleepBackoff(ctx context.Context, attempt int) error {
	o.mu.Lock()
	delay := session.NextBackoffDelay(o.cfg.Backoff, attempt, o.rng)
	o.mu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *TCPOpener) contextError(ctxErr error, peer string, last error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: peer=%q: %w", ErrOpenTimeout, peer, last)
	}
	return ctxErr
}
