package p2p

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

const (
	controlTypeSelect    = "protocol.select"
	controlTypeSelectAck = "protocol.select.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 128 * 1024
)

var (
	ErrProtocolRejected       = errors.New("p2p: protocol rejected")
	ErrInvalidSelect          = errors.New("p2p: invalid protocol select")
	ErrInvalidSelectAck       = errors.New("p2p: invalid protocol select ack")
	ErrControlMessageTooLarge = errors.New("p2p: control message too large")
)

// Select opens negotiation for one protocol id.
type Select struct {
	Protocol string
	AgentID  string
}

func (s Select) Validate() error {
	if strings.TrimSpace(s.Protocol) == "" {
		return fmt.Errorf("%w: missing protocol", ErrInvalidSelect)
	}
	return nil
}

// SelectAck answers a Select.
type SelectAck struct {
	Status      string
	Protocol    string
	Message     string
	TimestampMS uint64
}

func (a SelectAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidSelectAck)
	}
	if strings.TrimSpace(a.Protocol) == "" {
		return fmt.Errorf("%w: missing protocol", ErrInvalidSelectAck)
	}
	return nil
}

// controlEnvelope is one newline-terminated JSON line exchanged before any
// frames flow.
type controlEnvelope struct {
	Type        string `json:"type"`
	Protocol    string `json:"protocol"`
	AgentID     string `json:"agent_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
	TimestampMS uint64 `json:"timestamp_ms,omitempty"`
}

func WriteSelect(w io.Writer, sel Select) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:     controlTypeSelect,
		Protocol: sel.Protocol,
		AgentID:  sel.AgentID,
	})
}

func ReadSelect(r *bufio.Reader) (Select, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Select{}, err
	}
	if env.Type != controlTypeSelect {
		return Select{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidSelect, env.Type)
	}
	sel := Select{Protocol: env.Protocol, AgentID: env.AgentID}
	if err := sel.Validate(); err != nil {
		return Select{}, err
	}
	return sel, nil
}

func WriteSelectAck(w io.Writer, ack SelectAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:        controlTypeSelectAck,
		Protocol:    ack.Protocol,
		Status:      ack.Status,
		Message:     ack.Message,
		TimestampMS: ack.TimestampMS,
	})
}

func ReadSelectAck(r *bufio.Reader) (SelectAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return SelectAck{}, err
	}
	if env.Type != controlTypeSelectAck {
		return SelectAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidSelectAck, env.Type)
	}
	ack := SelectAck{
		Status:      env.Status,
		Protocol:    env.Protocol,
		Message:     env.Message,
		TimestampMS: env.TimestampMS,
	}
	if err := ack.Validate(); err != nil {
		return SelectAck{}, err
	}
	return ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := readLine(r, maxControlLine)
	if err != nil {
		return controlEnvelope{}, err
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}

// readLine reads through the next '\n' without buffering more than limit bytes.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			return nil, ErrControlMessageTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// bufferedConn keeps bytes the handshake reader pulled past the ack line.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func newBufferedConn(conn net.Conn, r *bufio.Reader) net.Conn {
	return &bufferedConn{Conn: conn, r: r}
}
