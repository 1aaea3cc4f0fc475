package correlator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coiiot/agent-go/pkg/router"
	"github.com/coiiot/agent-go/pkg/transport"
)

func newTestCorrelator(t *testing.T, timeout time.Duration) (*Correlator, *transport.FakeTransport) {
	t.Helper()
	ft := transport.NewFakeTransport()
	rt := router.New(router.Config{Transport: ft, Logger: zerolog.Nop()})
	ft.SetMessageHandler(rt.Dispatch)
	t.Cleanup(rt.Close)

	c, err := New(Config{
		Transport:      ft,
		Router:         rt,
		ClientID:       "agent-1",
		DefaultTimeout: timeout,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, ft.Connect(context.Background(), transport.ConnectOptions{}))
	rt.HandleConnect()
	return c, ft
}

// respond waits for the request frame on the fake wire, then injects a
// response onto its reply topic.
func respond(t *testing.T, ft *transport.FakeTransport, payload []byte) {
	t.Helper()
	select {
	case msg := <-ft.PublishedCh():
		var req Request
		require.NoError(t, json.Unmarshal(msg.Payload, &req))
		require.NotEmpty(t, req.ID)
		require.Contains(t, req.ReplyTo, req.ID)
		ft.Inject(req.ReplyTo, payload)
	case <-time.After(time.Second):
		t.Error("no request published")
	}
}

func TestCorrelator_CallResolvedByReply(t *testing.T) {
	c, ft := newTestCorrelator(t, time.Second)

	go respond(t, ft, []byte(`{"ok":true}`))

	resp, err := c.Call(context.Background(), "iot/rpc/server/req", []byte(`{"q":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
	assert.Zero(t, c.InFlight())
}

func TestCorrelator_CallTimesOut(t *testing.T) {
	c, _ := newTestCorrelator(t, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Call(context.Background(), "iot/rpc/server/req", nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, c.InFlight())
}

func TestCorrelator_CallCancelled(t *testing.T) {
	c, _ := newTestCorrelator(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, "iot/rpc/server/req", nil)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, c.InFlight())
}

func TestCorrelator_FailAllResolvesPendingCalls(t *testing.T) {
	c, _ := newTestCorrelator(t, time.Minute)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Call(context.Background(), "iot/rpc/server/req", nil)
			errCh <- err
		}()
	}

	require.Eventually(t, func() bool { return c.InFlight() == 2 }, time.Second, 10*time.Millisecond)

	sessionLost := assert.AnError
	c.FailAll(sessionLost)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, sessionLost)
		case <-time.After(time.Second):
			t.Fatal("pending call not resolved by FailAll")
		}
	}
	assert.Zero(t, c.InFlight())
}

func TestCorrelator_FailsFastWhenDisconnected(t *testing.T) {
	c, ft := newTestCorrelator(t, time.Minute)
	ft.DropConnection(assert.AnError)

	start := time.Now()
	_, err := c.Call(context.Background(), "iot/rpc/server/req", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, c.InFlight())
}

func TestCorrelator_UnknownReplyDiscarded(t *testing.T) {
	c, ft := newTestCorrelator(t, time.Second)

	// Must not panic or resolve anything.
	ft.Inject("iot/rpc/agent-1/resp/no-such-id", []byte(`{}`))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.InFlight())
}

func TestCorrelator_ReplySubscriptionScopedToClient(t *testing.T) {
	_, ft := newTestCorrelator(t, time.Second)
	assert.Contains(t, ft.Subscriptions(), "iot/rpc/agent-1/resp/+")
}
