package p2p

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/streampush/internal/logging"
	"github.com/rs/zerolog"
)

// Accepted is one negotiated inbound stream.
type Accepted struct {
	Stream   io.ReadWriteCloser
	Protocol string
	AgentID  string
	Remote   string
}

// Acceptor is the listening side of protocol selection. Only protocol ids
// registered with Handle are acked.
type Acceptor struct {
	ln     net.Listener
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	protocols map[string]struct{}
}

// Listen opens a TCP (or TLS when enabled) listener on addr.
func Listen(addr string, cfg Config, protocols ...string) (*Acceptor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	var (
		ln  net.Listener
		err error
	)
	if cfg.TLS.Enabled {
		var tlsCfg *tls.Config
		tlsCfg, err = cfg.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return NewAcceptor(ln, cfg, protocols...), nil
}

func NewAcceptor(ln net.Listener, cfg Config, protocols ...string) *Acceptor {
	a := &Acceptor{
		ln:        ln,
		cfg:       cfg.WithDefaults(),
		logger:    logging.Component("p2p.acceptor"),
		protocols: make(map[string]struct{}),
	}
	for _, id := range protocols {
		a.Handle(id)
	}
	return a
}

// Handle registers a protocol id the acceptor will ack.
func (a *Acceptor) Handle(protocolID string) {
	id := strings.TrimSpace(protocolID)
	if id == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.protocols[id] = struct{}{}
}

func (a *Acceptor) Protocols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.protocols))
	for id := range a.protocols {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *Acceptor) supports(protocolID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.protocols[protocolID]
	return ok
}

func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

func (a *Acceptor) Close() error {
	return a.ln.Close()
}

// Accept blocks until a connection completes protocol selection. Failed
// negotiations are logged and skipped. Cancelling ctx closes the listener.
func (a *Acceptor) Accept(ctx context.Context) (*Accepted, error) {
	stop := context.AfterFunc(ctx, func() { _ = a.ln.Close() })
	defer stop()

	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		accepted, err := a.negotiate(conn)
		if err != nil {
			a.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("protocol selection failed")
			_ = conn.Close()
			continue
		}
		a.logger.Info().
			Str("remote", accepted.Remote).
			Str("protocol", accepted.Protocol).
			Str("agent_id", accepted.AgentID).
			Msg("stream accepted")
		return accepted, nil
	}
}

func (a *Acceptor) negotiate(conn net.Conn) (*Accepted, error) {
	_ = conn.SetDeadline(time.Now().Add(a.cfg.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	sel, err := ReadSelect(reader)
	if err != nil {
		return nil, err
	}

	ack := SelectAck{
		Status:      AckStatusAccepted,
		Protocol:    sel.Protocol,
		Message:     "ok",
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if !a.supports(sel.Protocol) {
		ack.Status = AckStatusRejected
		ack.Message = "unsupported protocol"
		_ = WriteSelectAck(conn, ack)
		return nil, fmt.Errorf("%w: %q", ErrProtocolRejected, sel.Protocol)
	}
	if err := WriteSelectAck(conn, ack); err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &Accepted{
		Stream:   newBufferedConn(conn, reader),
		Protocol: sel.Protocol,
		AgentID:  sel.AgentID,
		Remote:   conn.RemoteAddr().String(),
	}, nil
}

// IsClosed reports whether err came from a closed listener.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
