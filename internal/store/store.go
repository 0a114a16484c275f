// Package store provides the relay's persistent state: the Matrix⇄mesh
// message map, the mesh node name cache, and per-plugin scratch data. All of
// it lives in one WAL-mode sqlite file accessed through a bounded connection
// pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS message_map (
	matrix_event_id TEXT PRIMARY KEY,
	mesh_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	mesh_text TEXT,
	meshnet TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_map_mesh_id ON message_map(mesh_id);
CREATE INDEX IF NOT EXISTS idx_message_map_created ON message_map(created_at);

CREATE TABLE IF NOT EXISTS longnames (
	node_id TEXT PRIMARY KEY,
	longname TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS shortnames (
	node_id TEXT PRIMARY KEY,
	shortname TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS plugin_data (
	plugin TEXT NOT NULL,
	node_id TEXT NOT NULL,
	data BLOB,
	PRIMARY KEY (plugin, node_id)
);
`

// Store wraps the shared connection pool and owns schema creation. Schema is
// created idempotently; there are no migrations at this layer.
type Store struct {
	pool *Pool
}

func Open(path string, opts Options) (*Store, error) {
	pool := NewPool(path, opts)
	s := &Store{pool: pool}

	if err := s.initSchema(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	return s.pool.With(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// Pool exposes the underlying pool for stats logging.
func (s *Store) Pool() *Pool {
	return s.pool
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
