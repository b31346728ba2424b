package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Handlers receive inbound transport callbacks. They may be invoked from
// any goroutine.
type Handlers struct {
	OnMessage func(topic string, payload json.RawMessage)
	OnClose   func(err error)
	OnError   func(err error)
}

// Transport opens connections to the broker.
type Transport interface {
	Dial(ctx context.Context, h Handlers) (Conn, error)
}

// Conn is one live broker connection.
type Conn interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(destination string, payload json.RawMessage) error
	// Connected reports whether the transport still considers itself live.
	Connected() bool
	Close() error
}

// Subscriber re-declares topic interest on a fresh connection and lets go
// of a connection that died.
type Subscriber interface {
	Resubscribe(epoch uint64, c Conn) error
	Detach()
}

// MessageHandler receives messages tagged with the epoch of the
// connection that delivered them.
type MessageHandler func(epoch uint64, topic string, payload json.RawMessage)

var (
	ErrNotConnected = errors.New("conn: not connected")
	ErrClosed       = errors.New("conn: manager closed")
	ErrStale        = errors.New("conn: heartbeat found transport not connected")
	ErrOffline      = errors.New("conn: network offline")
	ErrSuperseded   = errors.New("conn: dial superseded")
)

// TransportError wraps socket level failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an error frame sent by the broker.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("broker error %s: %s", e.Code, e.Message)
}
