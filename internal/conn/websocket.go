package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

// WebSocketTransport dials the relay's /ws endpoint and speaks the
// ws.Message frame protocol.
type WebSocketTransport struct {
	endpoint string
	token    func() string
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

// NewWebSocketTransport creates a transport for endpoint. token is read on
// every dial so a refreshed grant is picked up by reconnects.
func NewWebSocketTransport(endpoint string, token func() string, logger zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		endpoint: endpoint,
		token:    token,
		dialer:   websocket.DefaultDialer,
		logger:   logger.With().Str("component", "ws_transport").Logger(),
	}
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, h Handlers) (Conn, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if t.token != nil {
		q := u.Query()
		q.Set("token", t.token())
		u.RawQuery = q.Encode()
	}

	sock, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: unauthorized: %w", t.endpoint, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.endpoint, err)
	}

	c := &wsConn{
		conn:     ws.NewConnection(sock, t.logger),
		handlers: h,
		logger:   t.logger,
	}
	go c.conn.WritePump()
	go c.read()
	return c, nil
}

type wsConn struct {
	conn     *ws.Connection
	handlers Handlers
	done     atomic.Bool
	logger   zerolog.Logger
}

func (c *wsConn) read() {
	err := c.conn.ReadPump(c.handle)
	c.done.Store(true)
	if c.conn.Closed() {
		return
	}
	c.conn.Close()
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(err)
	}
}

func (c *wsConn) handle(msg ws.Message) error {
	switch msg.Type {
	case ws.TypeEvent:
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg.Topic, msg.Payload)
		}
	case ws.TypeError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode error frame: %w", err)
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(&ProtocolError{Code: p.Code, Message: p.Message})
		}
	case ws.TypePong:
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("ignoring frame")
	}
	return nil
}

func (c *wsConn) Subscribe(topic string) error {
	return c.send(ws.Message{Type: ws.TypeSubscribe, Topic: topic})
}

func (c *wsConn) Unsubscribe(topic string) error {
	return c.send(ws.Message{Type: ws.TypeUnsubscribe, Topic: topic})
}

func (c *wsConn) Publish(destination string, payload json.RawMessage) error {
	return c.send(ws.Message{Type: ws.TypePublish, Topic: destination, Payload: payload})
}

func (c *wsConn) Connected() bool {
	return !c.done.Load() && !c.conn.Closed()
}

func (c *wsConn) Close() error {
	c.conn.Close()
	return nil
}

func (c *wsConn) send(msg ws.Message) error {
	msg.RequestID = uuid.NewString()
	if err := c.conn.Send(msg); err != nil {
		return fmt.Errorf("send %s %s: %w", msg.Type, msg.Topic, err)
	}
	return nil
}
