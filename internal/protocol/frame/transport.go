package frame

import (
	"fmt"
	"io"
	"sync"
)

// Codec is the encoding used by the typed Send/Receive wrappers.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type flusher interface {
	Flush() error
}

// Transport frames payloads over one duplex stream. The read and write
// halves are guarded by separate locks: a Send never waits on a Receive.
type Transport struct {
	stream io.ReadWriteCloser
	limits Limits

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewTransport(stream io.ReadWriteCloser) *Transport {
	return NewTransportWithLimits(stream, DefaultLimits())
}

func NewTransportWithLimits(stream io.ReadWriteCloser, limits Limits) *Transport {
	return &Transport{
		stream: stream,
		limits: limits.withDefaults(),
	}
}

// Send writes one frame with a single write followed by a flush when the
// stream supports it. Oversized payloads are rejected before any write.
func (t *Transport) Send(payload []byte) error {
	buf, err := Encode(payload, t.limits)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stream.Write(buf); err != nil {
		return err
	}
	if f, ok := t.stream.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Receive blocks until one full frame is read or the stream fails.
func (t *Transport) Receive() ([]byte, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	return ReadFrame(t.stream, t.limits)
}

func (t *Transport) SendAs(c Codec, v any) error {
	payload, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return t.Send(payload)
}

func (t *Transport) ReceiveAs(c Codec, v any) error {
	payload, err := t.Receive()
	if err != nil {
		return err
	}
	if err := c.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// Close closes the underlying stream, unblocking any pending Receive.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stream.Close()
	})
	return t.closeErr
}
