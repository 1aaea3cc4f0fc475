package transport

import (
	"context"
	"time"
)

// QoS is the delivery guarantee negotiated with the broker for a single
// message: 0 fire-and-forget, 1 acknowledged (at-least-once), 2 exactly-once.
// The runtime passes the level through to the wire client untouched.
type QoS byte

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSExactlyOnce QoS = 2
)

// Message is an immutable inbound or outbound message. Payload bytes are
// never interpreted by the transport layer.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
}

// MessageHandler receives every inbound message delivered by the transport.
type MessageHandler func(topic string, payload []byte)

// DisconnectHandler is invoked once per unsolicited connection loss. It is
// not invoked for an explicit Disconnect.
type DisconnectHandler func(err error)

// Credentials carries broker authentication material.
type Credentials struct {
	Username string
	Password string
	ClientID string
}

// ConnectOptions configures a single connection attempt.
type ConnectOptions struct {
	Endpoint    string
	Credentials Credentials
	TLSCertFile string
	TLSKeyFile  string
	Timeout     time.Duration
}

// Transport is the narrow contract the runtime consumes. Implementations own
// the raw connection and wire framing; the runtime owns session lifecycle,
// routing, correlation and outbound queuing on top of it.
//
// Publish blocks until the broker acknowledges delivery for QoS >= 1 and
// returns once the frame is written for QoS 0. Handlers must be registered
// before Connect and are retained across connections.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect() error

	Subscribe(filter string, qos QoS) error
	Unsubscribe(filter string) error
	Publish(ctx context.Context, topic string, payload []byte, qos QoS) error

	// Ping probes broker liveness. An error is treated by the session
	// layer as an unsolicited disconnect.
	Ping(ctx context.Context) error

	SetMessageHandler(h MessageHandler)
	SetDisconnectHandler(h DisconnectHandler)
}
