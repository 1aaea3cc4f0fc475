package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coiiot/agent-go/pkg/transport"
)

func newTestRouter(t *testing.T, sink ErrorSink) (*Router, *transport.FakeTransport) {
	t.Helper()
	ft := transport.NewFakeTransport()
	r := New(Config{Transport: ft, Logger: zerolog.Nop(), ErrorSink: sink})
	ft.SetMessageHandler(r.Dispatch)
	t.Cleanup(r.Close)
	return r, ft
}

func connect(t *testing.T, r *Router, ft *transport.FakeTransport) {
	t.Helper()
	require.NoError(t, ft.Connect(context.Background(), transport.ConnectOptions{}))
	r.HandleConnect()
}

func TestRouter_DispatchPreservesPerTopicOrder(t *testing.T) {
	r, ft := newTestRouter(t, nil)
	connect(t, r, ft)

	var mu sync.Mutex
	var got []int
	err := r.Subscribe("sensors/1", transport.QoSAtLeastOnce, HandlerFunc(func(msg transport.Message) error {
		var v int
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		ft.Inject("sensors/1", []byte(fmt.Sprintf("%d", i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v, "message %d arrived out of order", i)
	}
}

func TestRouter_AllMatchingHandlersInvoked(t *testing.T) {
	r, ft := newTestRouter(t, nil)
	connect(t, r, ft)

	var mu sync.Mutex
	hits := map[string]int{}
	record := func(name string) Handler {
		return HandlerFunc(func(msg transport.Message) error {
			mu.Lock()
			hits[name]++
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, r.Subscribe("sensors/1", 0, record("exact")))
	require.NoError(t, r.Subscribe("sensors/+", 0, record("plus")))
	require.NoError(t, r.Subscribe("sensors/#", 0, record("hash")))
	require.NoError(t, r.Subscribe("other/topic", 0, record("other")))

	ft.Inject("sensors/1", []byte("{}"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits["exact"] == 1 && hits["plus"] == 1 && hits["hash"] == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, hits["other"])
}

func TestRouter_HandlerFailureIsIsolated(t *testing.T) {
	var mu sync.Mutex
	var sinkErrs []error
	r, ft := newTestRouter(t, func(topic string, err error) {
		mu.Lock()
		sinkErrs = append(sinkErrs, err)
		mu.Unlock()
	})
	connect(t, r, ft)

	var delivered int
	require.NoError(t, r.Subscribe("t/fail", 0, HandlerFunc(func(msg transport.Message) error {
		return errors.New("handler boom")
	})))
	require.NoError(t, r.Subscribe("t/fail", 0, HandlerFunc(func(msg transport.Message) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})))

	ft.Inject("t/fail", []byte("a"))
	ft.Inject("t/fail", []byte("b"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2 && len(sinkErrs) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRouter_PanickingHandlerIsIsolated(t *testing.T) {
	var mu sync.Mutex
	var sinkErrs []error
	r, ft := newTestRouter(t, func(topic string, err error) {
		mu.Lock()
		sinkErrs = append(sinkErrs, err)
		mu.Unlock()
	})
	connect(t, r, ft)

	require.NoError(t, r.Subscribe("t/panic", 0, HandlerFunc(func(msg transport.Message) error {
		panic("handler exploded")
	})))

	ft.Inject("t/panic", []byte("x"))
	ft.Inject("t/panic", []byte("y"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sinkErrs) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRouter_DeferredSubscriptionReplayedOnConnect(t *testing.T) {
	r, ft := newTestRouter(t, nil)

	// Registered while disconnected: no transport call yet.
	require.NoError(t, r.Subscribe("sensors/+", transport.QoSAtLeastOnce, HandlerFunc(func(transport.Message) error { return nil })))
	assert.Empty(t, ft.Subscriptions())

	connect(t, r, ft)
	subs := ft.Subscriptions()
	require.Contains(t, subs, "sensors/+")
	assert.Equal(t, transport.QoSAtLeastOnce, subs["sensors/+"])

	// Replayed again after a reconnect.
	ft.DropConnection(errors.New("link down"))
	r.HandleDisconnect(errors.New("link down"))
	connect(t, r, ft)
	assert.Contains(t, ft.Subscriptions(), "sensors/+")
}

func TestRouter_Unsubscribe(t *testing.T) {
	r, ft := newTestRouter(t, nil)
	connect(t, r, ft)

	var mu sync.Mutex
	count := 0
	require.NoError(t, r.Subscribe("sensors/1", 0, HandlerFunc(func(transport.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})))
	require.NoError(t, r.Unsubscribe("sensors/1"))
	assert.NotContains(t, ft.Subscriptions(), "sensors/1")

	ft.Inject("sensors/1", []byte("{}"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestRouter_CloseRacesDispatch(t *testing.T) {
	// Inbound messages arriving while Close runs must be dropped cleanly,
	// never sent into a closed job channel.
	for i := 0; i < 50; i++ {
		ft := transport.NewFakeTransport()
		r := New(Config{Transport: ft, Logger: zerolog.Nop()})
		ft.SetMessageHandler(r.Dispatch)
		require.NoError(t, ft.Connect(context.Background(), transport.ConnectOptions{}))
		r.HandleConnect()
		require.NoError(t, r.Subscribe("a/b", 0, HandlerFunc(func(transport.Message) error { return nil })))

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					r.Dispatch("a/b", nil)
				}
			}()
		}
		r.Close()
		wg.Wait()
	}
}

func TestRouter_InvalidPatternRejected(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	err := r.Subscribe("a/#/b", 0, HandlerFunc(func(transport.Message) error { return nil }))
	assert.ErrorIs(t, err, ErrInvalidPattern)
}
