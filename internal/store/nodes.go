package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertNodeNames refreshes the cached long/short names for a mesh node.
// Empty values leave the existing entry untouched.
func (s *Store) UpsertNodeNames(ctx context.Context, nodeID, longName, shortName string) error {
	if nodeID == "" {
		return nil
	}

	return s.pool.With(ctx, func(db *sql.DB) error {
		if longName != "" {
			_, err := db.ExecContext(ctx, `
INSERT INTO longnames (node_id, longname) VALUES (?, ?)
ON CONFLICT(node_id) DO UPDATE SET longname = excluded.longname
`, nodeID, longName)
			if err != nil {
				return fmt.Errorf("upsert longname: %w", err)
			}
		}
		if shortName != "" {
			_, err := db.ExecContext(ctx, `
INSERT INTO shortnames (node_id, shortname) VALUES (?, ?)
ON CONFLICT(node_id) DO UPDATE SET shortname = excluded.shortname
`, nodeID, shortName)
			if err != nil {
				return fmt.Errorf("upsert shortname: %w", err)
			}
		}
		return nil
	})
}

// LongName returns the cached long name for a node, or "".
func (s *Store) LongName(ctx context.Context, nodeID string) (string, error) {
	return s.nodeName(ctx, `SELECT longname FROM longnames WHERE node_id = ?`, nodeID)
}

// ShortName returns the cached short name for a node, or "".
func (s *Store) ShortName(ctx context.Context, nodeID string) (string, error) {
	return s.nodeName(ctx, `SELECT shortname FROM shortnames WHERE node_id = ?`, nodeID)
}

func (s *Store) nodeName(ctx context.Context, query, nodeID string) (string, error) {
	var name string
	err := s.pool.With(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, query, nodeID)
		if err := row.Scan(&name); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("lookup node name: %w", err)
		}
		return nil
	})
	return name, err
}

// KnownNodes lists every node with a cached long name, keyed by node ID.
func (s *Store) KnownNodes(ctx context.Context) (map[string]string, error) {
	nodes := make(map[string]string)
	err := s.pool.With(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT node_id, longname FROM longnames ORDER BY node_id`)
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id, name string
			if err := rows.Scan(&id, &name); err != nil {
				return fmt.Errorf("scan node row: %w", err)
			}
			nodes[id] = name
		}
		return rows.Err()
	})
	return nodes, err
}
