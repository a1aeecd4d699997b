// Package graphstore is a typed property-graph store backed by SQLite.
//
// Nodes are Go structs that embed NodeBase and report a label. Each label owns a
// node table; each relation label owns an edge table with the columns
// from_label, from_id, to_label and to_id. Tables are created on first use.
//
// Field types without a native SQLite mapping are stored as JSON strings in a
// column named JSON__<field> and decoded transparently on read.
package graphstore

import (
	"context"
	"errors"
)

var (
	// ErrSchemaMismatch is returned when a node's fields cannot be stored in the
	// table the store has already committed to for its label.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrMissingNode is returned when an operation references a node that does
	// not exist in the store.
	ErrMissingNode = errors.New("missing node")
)

// Node is a record persisted under a label.
type Node interface {
	Label() string
	Base() *NodeBase
}

// NodeBase carries the store-assigned identifier. Embed it in every node type.
type NodeBase struct {
	ID int64
}

// Base returns the embedded base.
func (b *NodeBase) Base() *NodeBase { return b }

// Inserted reports whether the node has been assigned an identifier.
func (b *NodeBase) Inserted() bool { return b.ID != 0 }

// Params are named query parameters, bound as :name.
type Params map[string]any

// Row is one result row keyed by column name.
type Row map[string]any

// Store is the graph persistence contract used by the scheduler.
//
// Every operation is serialisable per node. The store offers no multi-statement
// transactions to callers.
type Store interface {
	// EnsureLabel materialises or evolves the node table for proto's label.
	EnsureLabel(ctx context.Context, proto Node) error
	// EnsureRelation creates the edge table for a relation label.
	EnsureRelation(ctx context.Context, label string) error

	InsertNode(ctx context.Context, n Node) error
	CheckNodeExists(ctx context.Context, n Node) (bool, error)
	CheckNodeExistsByID(ctx context.Context, label string, id int64) (bool, error)
	// GetNode loads the node with the given id into dst.
	GetNode(ctx context.Context, dst Node, id int64) error
	// UpdateProperty writes a single field of n through to the store.
	UpdateProperty(ctx context.Context, n Node, property string) error
	UpdateNode(ctx context.Context, n Node) error
	DeleteNode(ctx context.Context, n Node) error

	CreateRelation(ctx context.Context, from, to Node, label string) error
	UpsertTriplet(ctx context.Context, from, to Node, label string) error
	// CheckRelationExists matches any relation label when label is empty.
	CheckRelationExists(ctx context.Context, from, to Node, label string) (bool, error)
	DeleteRelation(ctx context.Context, from, to Node, label string) error

	Query(ctx context.Context, query string, params Params) ([]Row, error)
	// QueryNodes decodes every row into a node produced by newNode. Each row
	// must be a single node including its id column.
	QueryNodes(ctx context.Context, query string, params Params, newNode func() Node) ([]Node, error)

	Close() error
}

// SameNode reports whether a and b refer to the same persisted node.
func SameNode(a, b Node) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Label() == b.Label() && a.Base().ID != 0 && a.Base().ID == b.Base().ID
}

// Get loads the node of type T with the given id.
func Get[T any, PT interface {
	*T
	Node
}](ctx context.Context, s Store, id int64) (PT, error) {
	n := PT(new(T))
	if err := s.GetNode(ctx, n, id); err != nil {
		return nil, err
	}
	return n, nil
}

// QueryAs runs a node query and decodes each row into a *T.
func QueryAs[T any, PT interface {
	*T
	Node
}](ctx context.Context, s Store, query string, params Params) ([]PT, error) {
	nodes, err := s.QueryNodes(ctx, query, params, func() Node { return PT(new(T)) })
	if err != nil {
		return nil, err
	}
	out := make([]PT, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.(PT))
	}
	return out, nil
}
