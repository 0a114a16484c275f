package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SetPluginData stores an opaque blob under (plugin, node). Plugins own
// their blob schema; the store does not interpret it.
func (s *Store) SetPluginData(ctx context.Context, plugin, nodeID string, data []byte) error {
	return s.pool.With(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
INSERT INTO plugin_data (plugin, node_id, data) VALUES (?, ?, ?)
ON CONFLICT(plugin, node_id) DO UPDATE SET data = excluded.data
`, plugin, nodeID, data)
		if err != nil {
			return fmt.Errorf("set plugin data: %w", err)
		}
		return nil
	})
}

// PluginData returns the blob for (plugin, node), or nil when absent.
func (s *Store) PluginData(ctx context.Context, plugin, nodeID string) ([]byte, error) {
	var data []byte
	err := s.pool.With(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
SELECT data FROM plugin_data WHERE plugin = ? AND node_id = ?
`, plugin, nodeID)
		if err := row.Scan(&data); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("get plugin data: %w", err)
		}
		return nil
	})
	return data, err
}

// AllPluginData returns every node's blob for one plugin, keyed by node ID.
func (s *Store) AllPluginData(ctx context.Context, plugin string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.pool.With(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
SELECT node_id, data FROM plugin_data WHERE plugin = ? ORDER BY node_id
`, plugin)
		if err != nil {
			return fmt.Errorf("list plugin data: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var nodeID string
			var data []byte
			if err := rows.Scan(&nodeID, &data); err != nil {
				return fmt.Errorf("scan plugin data row: %w", err)
			}
			out[nodeID] = data
		}
		return rows.Err()
	})
	return out, err
}

// DeletePluginData removes all rows for one plugin.
func (s *Store) DeletePluginData(ctx context.Context, plugin string) error {
	return s.pool.With(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM plugin_data WHERE plugin = ?`, plugin); err != nil {
			return fmt.Errorf("delete plugin data: %w", err)
		}
		return nil
	})
}
