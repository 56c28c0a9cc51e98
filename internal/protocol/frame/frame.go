package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// PrefixLen is the size of the big-endian length prefix.
	PrefixLen = 4
	// MaxPayload caps a single frame payload at 1 MiB.
	MaxPayload = 1024 * 1024
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTruncated       = errors.New("frame: truncated frame")
	ErrEncode          = errors.New("frame: encode failed")
	ErrDecode          = errors.New("frame: decode failed")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: MaxPayload}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPayloadBytes == 0 || l.MaxPayloadBytes > MaxPayload {
		l.MaxPayloadBytes = MaxPayload
	}
	return l
}

// Encode returns prefix+payload as one buffer so the caller can issue a single write.
func Encode(payload []byte, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	if uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, fmt.Errorf("%w: len=%d max=%d", ErrPayloadTooLarge, len(payload), limits.MaxPayloadBytes)
	}
	buf := make([]byte, PrefixLen+len(payload))
	binary.BigEndian.PutUint32(buf[:PrefixLen], uint32(len(payload)))
	copy(buf[PrefixLen:], payload)
	return buf, nil
}

func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := Encode(payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame. An advertised length over the limit fails
// before any body bytes are read.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, truncated("prefix", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: advertised=%d max=%d", ErrPayloadTooLarge, length, limits.MaxPayloadBytes)
	}

	payload := make([]byte, length)
	if length == 0 {
		return payload, nil
	}
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, truncated("payload", err)
	}
	return payload, nil
}

func truncated(part string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: short %s: %w", ErrTruncated, part, err)
	}
	return err
}
