package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// EnsureLabel creates the node table for proto's label, or adds the columns
// it is missing. A field whose column already exists with another SQL type
// fails with ErrSchemaMismatch.
func (s *SQLiteStore) EnsureLabel(ctx context.Context, proto Node) error {
	sch, _, err := schemaFor(proto)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLabelLocked(ctx, sch)
}

func (s *SQLiteStore) ensureLabelLocked(ctx context.Context, sch *nodeSchema) error {
	if s.edges[sch.label] {
		return fmt.Errorf("%w: %s is already a relation label", ErrSchemaMismatch, sch.label)
	}

	cols, known := s.columns[sch.label]
	if !known {
		defs := []string{"id INTEGER PRIMARY KEY AUTOINCREMENT"}
		for _, f := range sch.fields {
			defs = append(defs, quoteIdent(f.column)+" "+f.kind.sqlType())
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(sch.label), strings.Join(defs, ", "))
		if err := s.register(ctx, sch.label, labelKindNode, ddl); err != nil {
			return fmt.Errorf("creating node table %s: %w", sch.label, err)
		}

		var err error
		cols, err = s.tableColumns(ctx, sch.label)
		if err != nil {
			return fmt.Errorf("loading columns of %s: %w", sch.label, err)
		}
		s.columns[sch.label] = cols
		s.logger.Debug("node label created", zap.String("label", sch.label), zap.Int("columns", len(cols)))
	}

	for _, f := range sch.fields {
		want := f.kind.sqlType()
		have, ok := cols[f.column]
		if ok {
			if !strings.EqualFold(have, want) {
				return fmt.Errorf("%w: %s.%s is %s, field %s needs %s", ErrSchemaMismatch, sch.label, f.column, have, f.goName, want)
			}
			continue
		}

		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(sch.label), quoteIdent(f.column), want)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", sch.label, f.column, err)
		}
		cols[f.column] = want
		s.logger.Debug("node label evolved", zap.String("label", sch.label), zap.String("column", f.column))
	}
	return nil
}

// EnsureRelation creates the edge table for a relation label.
func (s *SQLiteStore) EnsureRelation(ctx context.Context, label string) error {
	if !validIdent(label) {
		return fmt.Errorf("graphstore: invalid relation label %q", label)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.edges[label] {
		return nil
	}
	if _, isNode := s.columns[label]; isNode {
		return fmt.Errorf("%w: %s is already a node label", ErrSchemaMismatch, label)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			from_label TEXT NOT NULL,
			from_id INTEGER NOT NULL,
			to_label TEXT NOT NULL,
			to_id INTEGER NOT NULL,
			PRIMARY KEY (from_label, from_id, to_label, to_id)
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (to_label, to_id);`,
		quoteIdent(label), quoteIdent("idx_"+label+"_to"))
	if err := s.register(ctx, label, labelKindEdge, ddl); err != nil {
		return fmt.Errorf("creating edge table %s: %w", label, err)
	}
	s.edges[label] = true
	s.logger.Debug("relation label created", zap.String("label", label))
	return nil
}

// register runs ddl and records the label in the catalogue in one transaction.
func (s *SQLiteStore) register(ctx context.Context, label, kind, ddl string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO graph_labels (name, kind) VALUES (?, ?)`, label, kind); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) tableColumns(ctx context.Context, table string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = typ
	}
	return cols, rows.Err()
}

// nodeLabelKnown reports whether a node table exists for label.
func (s *SQLiteStore) nodeLabelKnown(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.columns[label]
	return ok
}

func (s *SQLiteStore) edgeLabels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make([]string, 0, len(s.edges))
	for l := range s.edges {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func (s *SQLiteStore) relationKnown(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edges[label]
}
