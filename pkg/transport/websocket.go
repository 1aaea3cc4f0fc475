package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Frame types exchanged with a coiiot WebSocket gateway.
const (
	frameConnect     = "connect"
	frameConnAck     = "connack"
	framePublish     = "pub"
	framePubAck      = "puback"
	frameSubscribe   = "sub"
	frameSubAck      = "suback"
	frameUnsubscribe = "unsub"
	frameUnsubAck    = "unsuback"
	framePing        = "ping"
	framePong        = "pong"
	frameMessage     = "msg"
)

// frame is the JSON envelope for every gateway exchange. Payload is
// base64-encoded on the wire by encoding/json's []byte handling and is
// passed through byte-exact.
type frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	QoS     QoS    `json:"qos,omitempty"`
	Error   string `json:"error,omitempty"`

	// connect fields
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

const defaultAckTimeout = 10 * time.Second

// WebSocketTransport implements Transport over a gorilla/websocket
// connection to a coiiot gateway speaking JSON frames. Every frame that
// expects a response carries an id; acks are matched back by that id.
type WebSocketTransport struct {
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	closed  chan struct{}

	writeMu sync.Mutex

	msgHandler  MessageHandler
	discHandler DisconnectHandler
}

// NewWebSocketTransport returns an unconnected WebSocket transport.
func NewWebSocketTransport(logger zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		logger:  logger.With().Str("component", "ws-transport").Logger(),
		pending: make(map[string]chan frame),
	}
}

func (t *WebSocketTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.Timeout,
	}
	if opts.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCertFile, opts.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}
		dialer.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	conn, resp, err := dialer.DialContext(ctx, opts.Endpoint, http.Header{})
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", opts.Endpoint, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = make(chan struct{})
	t.pending = make(map[string]chan frame)
	t.mu.Unlock()

	go t.readLoop(conn)

	ack, err := t.roundTrip(ctx, frame{
		Type:     frameConnect,
		Username: opts.Credentials.Username,
		Password: opts.Credentials.Password,
		ClientID: opts.Credentials.ClientID,
	})
	if err != nil {
		t.teardown(conn)
		return err
	}
	if ack.Error != "" {
		t.teardown(conn)
		return fmt.Errorf("broker rejected connection: %s", ack.Error)
	}

	t.logger.Debug().Str("endpoint", opts.Endpoint).Msg("Connection established")
	return nil
}

func (t *WebSocketTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	if conn != nil {
		t.closeClosedLocked()
	}
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (t *WebSocketTransport) Subscribe(filter string, qos QoS) error {
	return t.ackedOp(frameSubscribe, filter, nil, qos)
}

func (t *WebSocketTransport) Unsubscribe(filter string) error {
	return t.ackedOp(frameUnsubscribe, filter, nil, 0)
}

func (t *WebSocketTransport) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	f := frame{Type: framePublish, Topic: topic, Payload: payload, QoS: qos}
	if qos == QoSAtMostOnce {
		f.ID, _ = gonanoid.New()
		return t.writeFrame(f)
	}
	ack, err := t.roundTrip(ctx, f)
	if err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("publish rejected: %s", ack.Error)
	}
	return nil
}

func (t *WebSocketTransport) Ping(ctx context.Context) error {
	_, err := t.roundTrip(ctx, frame{Type: framePing})
	return err
}

func (t *WebSocketTransport) SetMessageHandler(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgHandler = h
}

func (t *WebSocketTransport) SetDisconnectHandler(h DisconnectHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discHandler = h
}

// ackedOp sends a frame with a fresh id and waits for the matching ack.
func (t *WebSocketTransport) ackedOp(typ, topic string, payload []byte, qos QoS) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultAckTimeout)
	defer cancel()
	ack, err := t.roundTrip(ctx, frame{Type: typ, Topic: topic, Payload: payload, QoS: qos})
	if err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("%s rejected: %s", typ, ack.Error)
	}
	return nil
}

func (t *WebSocketTransport) roundTrip(ctx context.Context, f frame) (frame, error) {
	if f.ID == "" {
		f.ID, _ = gonanoid.New()
	}
	ch := make(chan frame, 1)

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return frame{}, ErrNotConnected
	}
	closed := t.closed
	t.pending[f.ID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, f.ID)
		t.mu.Unlock()
	}()

	if err := t.writeFrame(f); err != nil {
		return frame{}, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-closed:
		return frame{}, ErrNotConnected
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (t *WebSocketTransport) writeFrame(f frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(conn, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		switch f.Type {
		case frameMessage:
			t.mu.Lock()
			h := t.msgHandler
			t.mu.Unlock()
			if h != nil {
				h(f.Topic, f.Payload)
			}
		case frameConnAck, framePubAck, frameSubAck, frameUnsubAck, framePong:
			t.mu.Lock()
			ch := t.pending[f.ID]
			t.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		default:
			t.logger.Warn().Str("type", f.Type).Msg("Dropping frame of unknown type")
		}
	}
}

func (t *WebSocketTransport) handleReadError(conn *websocket.Conn, err error) {
	t.mu.Lock()
	// A stale read loop from an earlier connection must not tear down the
	// current one; only the loop owning t.conn gets to report the loss.
	unsolicited := t.conn == conn
	var h DisconnectHandler
	if unsolicited {
		t.conn = nil
		t.closeClosedLocked()
		h = t.discHandler
	}
	t.mu.Unlock()

	_ = conn.Close()

	if unsolicited {
		t.logger.Debug().Err(err).Msg("Connection lost")
		if h != nil {
			h(err)
		}
	}
}

// closeClosedLocked releases every waiter parked in roundTrip. Caller holds
// t.mu.
func (t *WebSocketTransport) closeClosedLocked() {
	if t.closed == nil {
		return
	}
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
}

func (t *WebSocketTransport) teardown(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}
