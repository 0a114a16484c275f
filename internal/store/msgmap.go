package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// Mapping is one message-map row: the persistent link between a Matrix event
// and the mesh message it was relayed from or to. Rows are insert-only;
// retention is handled by Prune and Wipe.
type Mapping struct {
	MatrixEventID string
	MeshID        string
	RoomID        string
	MeshText      string
	Meshnet       string
}

// StoreMapping upserts a row keyed by the Matrix event ID.
func (s *Store) StoreMapping(ctx context.Context, m Mapping) error {
	if m.MatrixEventID == "" {
		return errors.New("mapping requires matrix_event_id")
	}
	if m.RoomID == "" {
		return errors.New("mapping requires room_id")
	}

	return s.pool.With(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
INSERT INTO message_map (matrix_event_id, mesh_id, room_id, mesh_text, meshnet, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(matrix_event_id) DO UPDATE SET
	mesh_id = excluded.mesh_id,
	room_id = excluded.room_id,
	mesh_text = excluded.mesh_text,
	meshnet = excluded.meshnet
`, m.MatrixEventID, m.MeshID, m.RoomID, m.MeshText, m.Meshnet, nowUTC())
		if err != nil {
			return fmt.Errorf("store mapping: %w", err)
		}
		return nil
	})
}

// ByMeshID returns the most recent mapping for a mesh message ID, or nil
// when none exists.
func (s *Store) ByMeshID(ctx context.Context, meshID string) (*Mapping, error) {
	var m *Mapping
	err := s.pool.With(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
SELECT matrix_event_id, mesh_id, room_id, mesh_text, meshnet
FROM message_map
WHERE mesh_id = ?
ORDER BY rowid DESC
`, meshID)
		if err != nil {
			return fmt.Errorf("lookup by mesh id: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			candidate, err := scanMapping(rows)
			if err != nil {
				return err
			}
			if candidate == nil {
				continue
			}
			m = candidate
			return rows.Err()
		}
		return rows.Err()
	})
	return m, err
}

// ByMatrixEventID returns the mapping for a Matrix event ID, or nil.
func (s *Store) ByMatrixEventID(ctx context.Context, eventID string) (*Mapping, error) {
	var m *Mapping
	err := s.pool.With(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
SELECT matrix_event_id, mesh_id, room_id, mesh_text, meshnet
FROM message_map
WHERE matrix_event_id = ?
`, eventID)
		if err != nil {
			return fmt.Errorf("lookup by matrix event id: %w", err)
		}
		defer rows.Close()

		if rows.Next() {
			m, err = scanMapping(rows)
			if err != nil {
				return err
			}
		}
		return rows.Err()
	})
	return m, err
}

// scanMapping reads one row and discards corrupt ones (missing required
// fields) with a warning, treating them as absent.
func scanMapping(rows *sql.Rows) (*Mapping, error) {
	var (
		eventID  string
		meshID   string
		roomID   string
		meshText sql.NullString
		meshnet  sql.NullString
	)
	if err := rows.Scan(&eventID, &meshID, &roomID, &meshText, &meshnet); err != nil {
		return nil, fmt.Errorf("scan mapping row: %w", err)
	}

	if eventID == "" || roomID == "" {
		log.Printf("[store] ignoring corrupt message_map row (event=%q room=%q)", eventID, roomID)
		return nil, nil
	}

	return &Mapping{
		MatrixEventID: eventID,
		MeshID:        meshID,
		RoomID:        roomID,
		MeshText:      meshText.String,
		Meshnet:       meshnet.String,
	}, nil
}

// Wipe empties the message map. Used at startup when wipe_on_restart is set.
func (s *Store) Wipe(ctx context.Context) error {
	return s.pool.With(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM message_map`); err != nil {
			return fmt.Errorf("wipe message map: %w", err)
		}
		return nil
	})
}

// Prune deletes the oldest rows (by insertion order) so that at most keep
// rows remain. keep <= 0 is a no-op.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	return s.pool.With(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
DELETE FROM message_map
WHERE rowid NOT IN (
	SELECT rowid FROM message_map ORDER BY rowid DESC LIMIT ?
)
`, keep)
		if err != nil {
			return fmt.Errorf("prune message map: %w", err)
		}
		return nil
	})
}

// MappingCount returns the number of rows in the message map.
func (s *Store) MappingCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.With(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_map`).Scan(&count)
	})
	return count, err
}
