// Package wire encodes replicated payloads and the network frames that
// carry them between peers, using MessagePack.
package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies a frame type.
type Kind uint8

const (
	// KindHello announces a peer to a hub.
	KindHello Kind = iota + 1
	// KindAttach declares interest in a cell.
	KindAttach
	// KindSync carries a committed revision and its payload.
	KindSync
	// KindAck acknowledges a sync frame (delivered).
	KindAck
	// KindNack rejects a sync frame (not delivered).
	KindNack
	// KindOwnershipRequest asks for ownership of a cell.
	KindOwnershipRequest
	// KindOwnershipTransferred announces a new owner.
	KindOwnershipTransferred
	// KindOwnershipDenied rejects an ownership request.
	KindOwnershipDenied
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindAttach:
		return "attach"
	case KindSync:
		return "sync"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	case KindOwnershipRequest:
		return "ownership-request"
	case KindOwnershipTransferred:
		return "ownership-transferred"
	case KindOwnershipDenied:
		return "ownership-denied"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Errors returned by the codec.
var (
	// ErrEmptyFrame is returned when decoding zero bytes.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrUnknownKind is returned for frames with an unrecognized kind.
	ErrUnknownKind = errors.New("unknown frame kind")
)

// Frame is the unit exchanged between peers and a hub.
type Frame struct {
	Kind       Kind    `msgpack:"k"`
	Cell       string  `msgpack:"c,omitempty"`
	From       string  `msgpack:"f,omitempty"`
	Owner      string  `msgpack:"o,omitempty"`
	Seq        uint64  `msgpack:"q,omitempty"`
	Count      int64   `msgpack:"rc,omitempty"`
	Time       float64 `msgpack:"rt,omitempty"`
	ServerTime float64 `msgpack:"st,omitempty"`
	Payload    []byte  `msgpack:"p,omitempty"`
}

// EncodeFrame serializes a frame.
func EncodeFrame(f Frame) ([]byte, error) {
	if f.Kind < KindHello || f.Kind > KindOwnershipDenied {
		return nil, fmt.Errorf("encode %v: %w", f.Kind, ErrUnknownKind)
	}
	b, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encode %v frame: %w", f.Kind, err)
	}
	return b, nil
}

// DecodeFrame parses a frame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) == 0 {
		return f, ErrEmptyFrame
	}
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Kind < KindHello || f.Kind > KindOwnershipDenied {
		return Frame{}, fmt.Errorf("decode %v: %w", f.Kind, ErrUnknownKind)
	}
	return f, nil
}

// EncodePayload serializes a replicated payload.
func EncodePayload[T any](v T) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload parses a replicated payload.
func DecodePayload[T any](b []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
