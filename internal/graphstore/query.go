package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Query runs a parametric SQL query over node and edge tables. Parameters
// are bound by name and referenced in the query as :name.
func (s *SQLiteStore) Query(ctx context.Context, query string, params Params) ([]Row, error) {
	cols, records, err := s.query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// QueryNodes runs a query whose rows are single nodes and decodes each row
// into the node returned by newNode. Every row must include the id column.
// Columns the node type does not declare are ignored.
func (s *SQLiteStore) QueryNodes(ctx context.Context, query string, params Params, newNode func() Node) ([]Node, error) {
	cols, records, err := s.query(ctx, query, params)
	if err != nil {
		return nil, err
	}

	idCol := -1
	for i, c := range cols {
		if c == "id" {
			idCol = i
			break
		}
	}
	if idCol < 0 && len(records) > 0 {
		return nil, fmt.Errorf("%w: node query returned no id column", ErrSchemaMismatch)
	}

	nodes := make([]Node, 0, len(records))
	for _, rec := range records {
		n := newNode()
		sch, elem, err := schemaFor(n)
		if err != nil {
			return nil, err
		}
		id, ok := rec[idCol].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: id column holds %T", ErrSchemaMismatch, rec[idCol])
		}
		for i, c := range cols {
			if i == idCol {
				continue
			}
			f, ok := sch.lookup[c]
			if !ok || f.column != c {
				continue
			}
			if err := f.decode(elem, rec[i]); err != nil {
				return nil, fmt.Errorf("decode %s %d: %w", sch.label, id, err)
			}
		}
		n.Base().ID = id
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// query materialises every row before returning so the connection is free
// for the caller's next statement.
func (s *SQLiteStore) query(ctx context.Context, query string, params Params) ([]string, [][]any, error) {
	args, err := bindParams(params)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	var records [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("query scan: %w", err)
		}
		records = append(records, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("query rows: %w", err)
	}
	return cols, records, nil
}

// bindParams converts params to named arguments. Booleans bind as 0/1 and
// values without a native mapping bind as JSON text, matching how fields are
// stored.
func bindParams(params Params) ([]any, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, len(names))
	for _, name := range names {
		v, err := bindValue(params[name])
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		args = append(args, sql.Named(name, v))
	}
	return args, nil
}

func bindValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, int64, float64, string, []byte:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	}

	rv := reflect.ValueOf(v)
	if k, ok := nativeKind(rv.Type()); ok {
		switch k {
		case kindInteger:
			return rv.Int(), nil
		case kindUnsigned:
			u := rv.Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("%d overflows INTEGER", u)
			}
			return int64(u), nil
		case kindReal:
			return rv.Float(), nil
		case kindText:
			return rv.String(), nil
		case kindBool:
			return bindValue(rv.Bool())
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
