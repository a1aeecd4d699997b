package graphstore

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// JSONPrefix marks columns holding JSON-encoded values.
const JSONPrefix = "JSON__"

type colKind int

const (
	kindInteger colKind = iota
	kindUnsigned
	kindReal
	kindText
	kindBool
	kindJSON
)

func (k colKind) sqlType() string {
	switch k {
	case kindInteger, kindUnsigned, kindBool:
		return "INTEGER"
	case kindReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// field maps one struct field to one column.
type field struct {
	name     string // property name
	column   string
	goName   string
	index    []int
	kind     colKind
	optional bool
}

type nodeSchema struct {
	label  string
	fields []*field
	lookup map[string]*field // by property, column and Go field name
}

func (s *nodeSchema) lookupField(property string) (*field, bool) {
	f, ok := s.lookup[property]
	return f, ok
}

type schemaKey struct {
	typ   reflect.Type
	label string
}

var (
	schemaCache  sync.Map // schemaKey -> *nodeSchema
	nodeBaseType = reflect.TypeOf(NodeBase{})
	identRE      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func validIdent(name string) bool {
	return identRE.MatchString(name) && !strings.HasPrefix(strings.ToLower(name), "sqlite_")
}

// schemaFor returns the column layout of n's concrete type.
func schemaFor(n Node) (*nodeSchema, reflect.Value, error) {
	if n == nil {
		return nil, reflect.Value{}, fmt.Errorf("graphstore: nil node")
	}
	v := reflect.ValueOf(n)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil, reflect.Value{}, fmt.Errorf("graphstore: node must be a non-nil struct pointer, got %T", n)
	}
	label := n.Label()
	if !validIdent(label) {
		return nil, reflect.Value{}, fmt.Errorf("graphstore: invalid label %q", label)
	}

	elem := v.Elem()
	key := schemaKey{typ: elem.Type(), label: label}
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*nodeSchema), elem, nil
	}

	fields, err := collectFields(elem.Type(), nil)
	if err != nil {
		return nil, reflect.Value{}, fmt.Errorf("label %s: %w", label, err)
	}

	s := &nodeSchema{label: label, fields: fields, lookup: make(map[string]*field, len(fields)*3)}
	for _, f := range fields {
		if _, dup := s.lookup[f.name]; dup {
			return nil, reflect.Value{}, fmt.Errorf("%w: label %s declares property %q twice", ErrSchemaMismatch, label, f.name)
		}
		s.lookup[f.name] = f
		s.lookup[f.column] = f
		s.lookup[f.goName] = f
	}

	actual, _ := schemaCache.LoadOrStore(key, s)
	return actual.(*nodeSchema), elem, nil
}

func collectFields(t reflect.Type, index []int) ([]*field, error) {
	var out []*field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		idx := append(append([]int(nil), index...), i)
		tag := sf.Tag.Get("graph")
		if tag == "-" {
			continue
		}

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && tag == "" {
			if sf.Type == nodeBaseType {
				continue
			}
			nested, err := collectFields(sf.Type, idx)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}
		if !sf.IsExported() {
			continue
		}

		name := tag
		if name == "" {
			name = snakeCase(sf.Name)
		}
		if !validIdent(name) {
			return nil, fmt.Errorf("field %s: invalid property name %q", sf.Name, name)
		}
		if name == "id" {
			return nil, fmt.Errorf("%w: field %s maps to the reserved id column", ErrSchemaMismatch, sf.Name)
		}

		kind, optional := classify(sf.Type)
		column := name
		if kind == kindJSON {
			column = JSONPrefix + name
		}
		out = append(out, &field{
			name:     name,
			column:   column,
			goName:   sf.Name,
			index:    idx,
			kind:     kind,
			optional: optional,
		})
	}
	return out, nil
}

// classify picks the storage kind of a Go type. Pointers to native types are
// optional columns; anything without a native mapping is JSON.
func classify(t reflect.Type) (colKind, bool) {
	optional := false
	if t.Kind() == reflect.Pointer {
		if _, ok := nativeKind(t.Elem()); !ok {
			return kindJSON, false
		}
		optional = true
		t = t.Elem()
	}
	if k, ok := nativeKind(t); ok {
		return k, optional
	}
	return kindJSON, false
}

func nativeKind(t reflect.Type) (colKind, bool) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return kindInteger, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindUnsigned, true
	case reflect.Float32, reflect.Float64:
		return kindReal, true
	case reflect.String:
		return kindText, true
	case reflect.Bool:
		return kindBool, true
	}
	return 0, false
}

func (f *field) encode(node reflect.Value) (any, error) {
	fv := node.FieldByIndex(f.index)
	if f.kind == kindJSON {
		if nilable(fv) && fv.IsNil() {
			return nil, nil
		}
		data, err := json.Marshal(fv.Interface())
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", f.name, err)
		}
		return string(data), nil
	}

	if f.optional {
		if fv.IsNil() {
			return nil, nil
		}
		fv = fv.Elem()
	}
	switch f.kind {
	case kindInteger:
		return fv.Int(), nil
	case kindUnsigned:
		u := fv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("encoding %s: %d overflows INTEGER", f.name, u)
		}
		return int64(u), nil
	case kindReal:
		return fv.Float(), nil
	case kindText:
		return fv.String(), nil
	case kindBool:
		if fv.Bool() {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("encoding %s: unsupported kind", f.name)
}

func (f *field) decode(node reflect.Value, raw any) error {
	fv := node.FieldByIndex(f.index)
	if raw == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}

	if f.kind == kindJSON {
		var data []byte
		switch r := raw.(type) {
		case string:
			data = []byte(r)
		case []byte:
			data = r
		default:
			return fmt.Errorf("%w: column %s holds %T, want JSON text", ErrSchemaMismatch, f.column, raw)
		}
		ptr := reflect.New(fv.Type())
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return fmt.Errorf("decoding %s: %w", f.column, err)
		}
		fv.Set(ptr.Elem())
		return nil
	}

	target := fv
	if f.optional {
		p := reflect.New(fv.Type().Elem())
		fv.Set(p)
		target = p.Elem()
	}

	switch f.kind {
	case kindInteger, kindUnsigned, kindBool:
		n, ok := raw.(int64)
		if !ok {
			return fmt.Errorf("%w: column %s holds %T, want INTEGER", ErrSchemaMismatch, f.column, raw)
		}
		switch f.kind {
		case kindBool:
			target.SetBool(n != 0)
		case kindUnsigned:
			if n < 0 || target.OverflowUint(uint64(n)) {
				return fmt.Errorf("decoding %s: %d overflows %s", f.column, n, target.Type())
			}
			target.SetUint(uint64(n))
		default:
			if target.OverflowInt(n) {
				return fmt.Errorf("decoding %s: %d overflows %s", f.column, n, target.Type())
			}
			target.SetInt(n)
		}
	case kindReal:
		switch r := raw.(type) {
		case float64:
			target.SetFloat(r)
		case int64:
			target.SetFloat(float64(r))
		default:
			return fmt.Errorf("%w: column %s holds %T, want REAL", ErrSchemaMismatch, f.column, raw)
		}
	case kindText:
		switch r := raw.(type) {
		case string:
			target.SetString(r)
		case []byte:
			target.SetString(string(r))
		default:
			return fmt.Errorf("%w: column %s holds %T, want TEXT", ErrSchemaMismatch, f.column, raw)
		}
	}
	return nil
}

func nilable(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return true
	}
	return false
}

// Properties returns the property values of n keyed by property name.
func Properties(n Node) (map[string]any, error) {
	s, v, err := schemaFor(n)
	if err != nil {
		return nil, err
	}
	props := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		props[f.name] = v.FieldByIndex(f.index).Interface()
	}
	return props, nil
}

// snakeCase converts a Go identifier to snake_case ("TaskName" -> "task_name",
// "HTTPPort" -> "http_port").
func snakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
