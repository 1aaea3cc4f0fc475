// Package spool layers durable offline storage under the telemetry
// publisher. Jobs that exhaust their retry budget or overflow the in-memory
// queue are written to disk and replayed once the session is healthy again.
// The core runtime works without it.
package spool

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coiiot/agent-go/pkg/transport"
)

// Entry is one spooled outbound message.
type Entry struct {
	ID        int64
	Topic     string
	Payload   []byte
	QoS       transport.QoS
	CreatedAt time.Time
}

// Store persists outbound messages across restarts.
type Store interface {
	Put(topic string, payload []byte, qos transport.QoS) error

	// Drain invokes fn on every entry in insertion order, deleting each
	// entry fn accepts. Draining stops at the first error, leaving the
	// remaining entries in place.
	Drain(fn func(Entry) error) error

	Len() (int, error)
	Close() error
}

// SQLiteStore is the shipped Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) a spool database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS spool (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		qos INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spool table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(topic string, payload []byte, qos transport.QoS) error {
	_, err := s.db.Exec(
		"INSERT INTO spool (topic, payload, qos, created_at) VALUES (?, ?, ?, ?)",
		topic, payload, int(qos), time.Now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to spool message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Drain(fn func(Entry) error) error {
	rows, err := s.db.Query("SELECT id, topic, payload, qos, created_at FROM spool ORDER BY id")
	if err != nil {
		return fmt.Errorf("failed to read spool: %w", err)
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		var qos int
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Topic, &e.Payload, &qos, &createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan spool entry: %w", err)
		}
		e.QoS = transport.QoS(qos)
		e.CreatedAt = time.UnixMicro(createdAt)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate spool: %w", err)
	}

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
		if _, err := s.db.Exec("DELETE FROM spool WHERE id = ?", e.ID); err != nil {
			return fmt.Errorf("failed to delete spool entry %d: %w", e.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Len() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM spool").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count spool: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
