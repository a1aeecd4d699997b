package graphstore

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateRelation adds the edge from -[label]-> to. Both endpoints must be
// stored. Creating an existing edge is a no-op.
func (s *SQLiteStore) CreateRelation(ctx context.Context, from, to Node, label string) error {
	if err := s.EnsureRelation(ctx, label); err != nil {
		return err
	}
	for _, n := range []Node{from, to} {
		ok, err := s.CheckNodeExists(ctx, n)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s endpoint %s", ErrMissingNode, label, describe(n))
		}
	}

	stmt := fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (from_label, from_id, to_label, to_id) VALUES (?, ?, ?, ?)",
		quoteIdent(label))
	if _, err := s.db.ExecContext(ctx, stmt, from.Label(), from.Base().ID, to.Label(), to.Base().ID); err != nil {
		return fmt.Errorf("create %s relation: %w", label, err)
	}
	return nil
}

// UpsertTriplet inserts whichever endpoints are missing, then the edge.
func (s *SQLiteStore) UpsertTriplet(ctx context.Context, from, to Node, label string) error {
	if err := s.InsertNode(ctx, from); err != nil {
		return err
	}
	if err := s.InsertNode(ctx, to); err != nil {
		return err
	}
	return s.CreateRelation(ctx, from, to, label)
}

// CheckRelationExists reports whether from -[label]-> to is stored. An empty
// label matches any relation.
func (s *SQLiteStore) CheckRelationExists(ctx context.Context, from, to Node, label string) (bool, error) {
	if from == nil || to == nil || from.Base().ID == 0 || to.Base().ID == 0 {
		return false, nil
	}

	labels := []string{label}
	if label == "" {
		labels = s.edgeLabels()
	} else if !s.relationKnown(label) {
		return false, nil
	}

	for _, l := range labels {
		var one int
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT 1 FROM %s WHERE from_label = ? AND from_id = ? AND to_label = ? AND to_id = ?", quoteIdent(l)),
			from.Label(), from.Base().ID, to.Label(), to.Base().ID).Scan(&one)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("lookup %s relation: %w", l, err)
		}
		return true, nil
	}
	return false, nil
}

// DeleteRelation removes the edge from -[label]-> to if it exists.
func (s *SQLiteStore) DeleteRelation(ctx context.Context, from, to Node, label string) error {
	if !s.relationKnown(label) {
		return nil
	}
	stmt := fmt.Sprintf(
		"DELETE FROM %s WHERE from_label = ? AND from_id = ? AND to_label = ? AND to_id = ?",
		quoteIdent(label))
	if _, err := s.db.ExecContext(ctx, stmt, from.Label(), from.Base().ID, to.Label(), to.Base().ID); err != nil {
		return fmt.Errorf("delete %s relation: %w", label, err)
	}
	return nil
}

func describe(n Node) string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %d", n.Label(), n.Base().ID)
}
