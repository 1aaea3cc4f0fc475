package spool

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coiiot/agent-go/pkg/transport"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_DrainInInsertionOrder(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("t/a", []byte("first"), transport.QoSAtLeastOnce))
	require.NoError(t, s.Put("t/b", []byte("second"), transport.QoSAtMostOnce))
	require.NoError(t, s.Put("t/a", []byte("third"), transport.QoSAtLeastOnce))

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var drained []Entry
	require.NoError(t, s.Drain(func(e Entry) error {
		drained = append(drained, e)
		return nil
	}))

	require.Len(t, drained, 3)
	assert.Equal(t, "first", string(drained[0].Payload))
	assert.Equal(t, "second", string(drained[1].Payload))
	assert.Equal(t, "third", string(drained[2].Payload))
	assert.Equal(t, transport.QoSAtLeastOnce, drained[0].QoS)
	assert.False(t, drained[0].CreatedAt.IsZero())

	n, err = s.Len()
	require.NoError(t, err)
	assert.Zero(t, n, "accepted entries must be deleted")
}

func TestSQLiteStore_DrainStopsAtFirstError(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("t", []byte("a"), 0))
	require.NoError(t, s.Put("t", []byte("b"), 0))
	require.NoError(t, s.Put("t", []byte("c"), 0))

	queueFull := errors.New("queue full")
	calls := 0
	err := s.Drain(func(e Entry) error {
		calls++
		if calls == 2 {
			return queueFull
		}
		return nil
	})
	require.ErrorIs(t, err, queueFull)
	assert.Equal(t, 2, calls)

	// The first entry was accepted and deleted; the rejected one and the
	// untouched one remain.
	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var remaining []string
	require.NoError(t, s.Drain(func(e Entry) error {
		remaining = append(remaining, string(e.Payload))
		return nil
	}))
	assert.Equal(t, []string{"b", "c"}, remaining)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("t", []byte("persisted"), transport.QoSAtLeastOnce))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
