package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrNotConnected is returned by fake operations attempted while the fake
// transport has no live connection.
var ErrNotConnected = errors.New("transport: not connected")

// FakeTransport is an in-memory Transport used by the runtime's tests. It
// records published frames and subscription filters, and lets tests inject
// inbound messages, fail connection attempts, and simulate link loss.
type FakeTransport struct {
	mu            sync.Mutex
	connected     bool
	connects      int
	failNext      int
	subs          map[string]QoS
	published     []Message
	publishErr    error
	pingErr       error
	msgHandler    MessageHandler
	discHandler   DisconnectHandler
	publishedCh   chan Message
	connectedCh   chan struct{}
}

// NewFakeTransport returns a fake with no connection established.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		subs:        make(map[string]QoS),
		publishedCh: make(chan Message, 256),
		connectedCh: make(chan struct{}, 16),
	}
}

// FailNextConnects makes the next n Connect attempts fail.
func (f *FakeTransport) FailNextConnects(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// SetPublishError forces Publish to return err until cleared with nil.
func (f *FakeTransport) SetPublishError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// SetPingError forces Ping to return err until cleared with nil.
func (f *FakeTransport) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *FakeTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return errors.New("transport: connection refused")
	}
	f.connected = true
	f.connects++
	f.mu.Unlock()

	select {
	case f.connectedCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FakeTransport) Subscribe(filter string, qos QoS) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.subs[filter] = qos
	return nil
}

func (f *FakeTransport) Unsubscribe(filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	delete(f.subs, filter)
	return nil
}

func (f *FakeTransport) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	if err := f.publishErr; err != nil {
		f.mu.Unlock()
		return err
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos}
	f.published = append(f.published, msg)
	f.mu.Unlock()

	select {
	case f.publishedCh <- msg:
	default:
	}
	return nil
}

func (f *FakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	return f.pingErr
}

func (f *FakeTransport) SetMessageHandler(h MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgHandler = h
}

func (f *FakeTransport) SetDisconnectHandler(h DisconnectHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discHandler = h
}

// Inject delivers an inbound message through the registered handler, as the
// wire client would on receipt.
func (f *FakeTransport) Inject(topic string, payload []byte) {
	f.mu.Lock()
	h := f.msgHandler
	f.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

// DropConnection simulates an unsolicited link loss.
func (f *FakeTransport) DropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	h := f.discHandler
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Connected reports whether a fake connection is live.
func (f *FakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// ConnectCount returns how many Connect attempts succeeded.
func (f *FakeTransport) ConnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Subscriptions returns the currently registered filters.
func (f *FakeTransport) Subscriptions() map[string]QoS {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]QoS, len(f.subs))
	for k, v := range f.subs {
		out[k] = v
	}
	return out
}

// Published returns a copy of every frame published so far.
func (f *FakeTransport) Published() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.published...)
}

// PublishedCh exposes published frames as a channel for ordering assertions.
func (f *FakeTransport) PublishedCh() <-chan Message {
	return f.publishedCh
}

// ConnectedCh signals each successful Connect.
func (f *FakeTransport) ConnectedCh() <-chan struct{} {
	return f.connectedCh
}
