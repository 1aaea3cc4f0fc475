package spool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coiiot/agent-go/pkg/agent"
	"github.com/coiiot/agent-go/pkg/transport"
)

func TestReplayer_ReplaysWhileConnected(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Put("iot/event/fmt/json", []byte(`{"tags":[]}`), transport.QoSAtLeastOnce))
	require.NoError(t, s.Put("iot/log/fmt/json", []byte(`[]`), transport.QoSAtLeastOnce))

	ft := transport.NewFakeTransport()
	a, err := agent.New(agent.Config{
		Transport:         ft,
		Credentials:       transport.Credentials{ClientID: "replay-test"},
		KeepaliveInterval: time.Hour,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        20 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(a.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx))

	r := NewReplayer(s, a, 20*time.Millisecond, zerolog.Nop())
	r.Start()
	t.Cleanup(r.Stop)

	require.Eventually(t, func() bool {
		n, err := s.Len()
		return err == nil && n == 0 && len(ft.Published()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "iot/event/fmt/json", ft.Published()[0].Topic)
	assert.Equal(t, "iot/log/fmt/json", ft.Published()[1].Topic)
}

func TestReplayer_IdleWhileDisconnected(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Put("t", []byte("x"), 0))

	ft := transport.NewFakeTransport()
	ft.FailNextConnects(1000)
	a, err := agent.New(agent.Config{
		Transport:         ft,
		Credentials:       transport.Credentials{ClientID: "replay-test"},
		KeepaliveInterval: time.Hour,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        20 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(a.Disconnect)

	r := NewReplayer(s, a, 10*time.Millisecond, zerolog.Nop())
	r.Start()
	t.Cleanup(r.Stop)

	time.Sleep(60 * time.Millisecond)
	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "spool must be untouched while disconnected")
}
