package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
)

func (s *SQLiteStore) prepare(ctx context.Context, n Node) (*nodeSchema, reflect.Value, error) {
	sch, elem, err := schemaFor(n)
	if err != nil {
		return nil, reflect.Value{}, err
	}
	s.mu.Lock()
	err = s.ensureLabelLocked(ctx, sch)
	s.mu.Unlock()
	if err != nil {
		return nil, reflect.Value{}, err
	}
	return sch, elem, nil
}

// InsertNode persists n under its label and assigns its ID. A node that is
// already stored is left untouched. A node carrying an ID that is no longer
// stored is re-created under that ID.
func (s *SQLiteStore) InsertNode(ctx context.Context, n Node) error {
	sch, elem, err := s.prepare(ctx, n)
	if err != nil {
		return err
	}

	base := n.Base()
	if base.ID != 0 {
		exists, err := s.CheckNodeExistsByID(ctx, sch.label, base.ID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	cols := make([]string, 0, len(sch.fields)+1)
	args := make([]any, 0, len(sch.fields)+1)
	if base.ID != 0 {
		cols = append(cols, "id")
		args = append(args, base.ID)
	}
	for _, f := range sch.fields {
		v, err := f.encode(elem)
		if err != nil {
			return fmt.Errorf("insert %s: %w", sch.label, err)
		}
		cols = append(cols, quoteIdent(f.column))
		args = append(args, v)
	}

	var stmt string
	if len(cols) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(sch.label))
	} else {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(sch.label), strings.Join(cols, ", "), placeholders(len(cols)))
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", sch.label, err)
	}
	if base.ID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert %s: %w", sch.label, err)
		}
		base.ID = id
	}
	return nil
}

// CheckNodeExists reports whether n has been inserted and is still stored.
func (s *SQLiteStore) CheckNodeExists(ctx context.Context, n Node) (bool, error) {
	if n == nil || n.Base().ID == 0 {
		return false, nil
	}
	return s.CheckNodeExistsByID(ctx, n.Label(), n.Base().ID)
}

// CheckNodeExistsByID looks up a node by label and primary key.
func (s *SQLiteStore) CheckNodeExistsByID(ctx context.Context, label string, id int64) (bool, error) {
	if !s.nodeLabelKnown(label) {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", quoteIdent(label)), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s %d: %w", label, id, err)
	}
	return true, nil
}

// GetNode loads the node stored under dst's label with the given id into dst.
func (s *SQLiteStore) GetNode(ctx context.Context, dst Node, id int64) error {
	sch, elem, err := schemaFor(dst)
	if err != nil {
		return err
	}
	if !s.nodeLabelKnown(sch.label) {
		return fmt.Errorf("%w: %s %d", ErrMissingNode, sch.label, id)
	}
	if _, _, err := s.prepare(ctx, dst); err != nil {
		return err
	}

	cols := make([]string, 0, len(sch.fields)+1)
	cols = append(cols, "id")
	for _, f := range sch.fields {
		cols = append(cols, quoteIdent(f.column))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), quoteIdent(sch.label))
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	err = s.db.QueryRowContext(ctx, query, id).Scan(ptrs...)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s %d", ErrMissingNode, sch.label, id)
	}
	if err != nil {
		return fmt.Errorf("get %s %d: %w", sch.label, id, err)
	}

	for i, f := range sch.fields {
		if err := f.decode(elem, vals[i+1]); err != nil {
			return fmt.Errorf("get %s %d: %w", sch.label, id, err)
		}
	}
	dst.Base().ID = id
	return nil
}

// UpdateProperty writes one field of n through to its row. The property may
// be named by its property name, column or Go field name.
func (s *SQLiteStore) UpdateProperty(ctx context.Context, n Node, property string) error {
	sch, elem, err := s.prepare(ctx, n)
	if err != nil {
		return err
	}
	f, ok := sch.lookupField(property)
	if !ok {
		return fmt.Errorf("%w: %s has no property %q", ErrSchemaMismatch, sch.label, property)
	}
	return s.update(ctx, sch, elem, n.Base().ID, []*field{f})
}

// UpdateNode writes every field of n through to its row.
func (s *SQLiteStore) UpdateNode(ctx context.Context, n Node) error {
	sch, elem, err := s.prepare(ctx, n)
	if err != nil {
		return err
	}
	return s.update(ctx, sch, elem, n.Base().ID, sch.fields)
}

func (s *SQLiteStore) update(ctx context.Context, sch *nodeSchema, elem reflect.Value, id int64, fields []*field) error {
	if id == 0 {
		return fmt.Errorf("%w: %s has not been inserted", ErrMissingNode, sch.label)
	}
	if len(fields) == 0 {
		return nil
	}

	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, f := range fields {
		v, err := f.encode(elem)
		if err != nil {
			return fmt.Errorf("update %s %d: %w", sch.label, id, err)
		}
		sets = append(sets, quoteIdent(f.column)+" = ?")
		args = append(args, v)
	}
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quoteIdent(sch.label), strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", sch.label, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %d: %w", sch.label, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %d", ErrMissingNode, sch.label, id)
	}
	return nil
}

// DeleteNode removes n and every relation that touches it.
func (s *SQLiteStore) DeleteNode(ctx context.Context, n Node) error {
	if n == nil || n.Base().ID == 0 {
		return fmt.Errorf("%w: node has not been inserted", ErrMissingNode)
	}
	label, id := n.Label(), n.Base().ID
	if !s.nodeLabelKnown(label) {
		return fmt.Errorf("%w: %s %d", ErrMissingNode, label, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdent(label)), id)
	if err != nil {
		return fmt.Errorf("delete %s %d: %w", label, id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s %d", ErrMissingNode, label, id)
	}

	for _, edge := range s.edgeLabels() {
		stmt := fmt.Sprintf(
			"DELETE FROM %s WHERE (from_label = ? AND from_id = ?) OR (to_label = ? AND to_id = ?)",
			quoteIdent(edge))
		if _, err := tx.ExecContext(ctx, stmt, label, id, label, id); err != nil {
			return fmt.Errorf("delete %s relations of %s %d: %w", edge, label, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
