package editable

import (
	"fmt"

	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/schema"
	"github.com/example/tree-sync-engine/internal/tree"
)

// target is the location behind a proxy. It starts out holding its own
// cursor and switches to an anchor on prepareForEdit, since cursors do not
// survive changes to the forest.
type target struct {
	c       *Context
	isField bool

	cursor   *forest.Cursor
	anchor   forest.Anchor
	field    forest.FieldAnchor
	anchored bool
	freed    bool
}

func (c *Context) newTarget(cursor *forest.Cursor, isField bool) *target {
	t := &target{c: c, isField: isField, cursor: cursor.Fork()}
	c.withCursors[t] = struct{}{}
	return t
}

func (c *Context) nodeView(cursor *forest.Cursor, fs schema.FieldSchema) *NodeView {
	return &NodeView{t: c.newTarget(cursor, false), schema: fs}
}

func (c *Context) fieldView(cursor *forest.Cursor, fs schema.FieldSchema) *FieldView {
	return &FieldView{t: c.newTarget(cursor, true), schema: fs, key: cursor.FieldKey()}
}

func (t *target) prepareForEdit() {
	if t.cursor == nil {
		return
	}
	var err error
	if t.isField {
		var (
			parent *tree.UpPath
			key    tree.FieldKey
		)
		if parent, key, err = t.cursor.FieldPath(); err == nil {
			t.field, err = t.c.forest.TrackFieldAnchor(parent, key)
		}
	} else {
		var path *tree.UpPath
		if path, err = t.cursor.Path(); err == nil {
			t.anchor, err = t.c.forest.TrackAnchor(path)
		}
	}
	t.cursor.Free()
	t.cursor = nil
	delete(t.c.withCursors, t)
	if err != nil {
		t.c.logger.Warn().Err(err).Msg("could not anchor proxy")
		t.freed = true
		return
	}
	t.anchored = true
	t.c.withAnchors[t] = struct{}{}
}

func (t *target) free() {
	if t.freed {
		return
	}
	t.freed = true
	if t.cursor != nil {
		t.cursor.Free()
		t.cursor = nil
	}
	if t.anchored {
		if t.isField {
			t.c.forest.ForgetFieldAnchor(t.field)
		} else {
			t.c.forest.ForgetAnchor(t.anchor)
		}
		t.anchored = false
	}
	delete(t.c.withCursors, t)
	delete(t.c.withAnchors, t)
}

// with runs fn on a scratch cursor placed at the target. fn may move it.
func (t *target) with(fn func(cur *forest.Cursor) error) error {
	if t.freed {
		return ErrInvalidProxy
	}
	var cur *forest.Cursor
	if t.cursor != nil {
		cur = t.cursor.Fork()
	} else {
		cur = t.c.forest.AllocateCursor()
		var res forest.NavigationResult
		if t.isField {
			res = t.c.forest.MoveCursorToField(t.field, cur)
		} else {
			res = t.c.forest.MoveCursorToAnchor(t.anchor, cur)
		}
		if res != forest.Ok {
			cur.Free()
			return fmt.Errorf("%w: %w", ErrInvalidProxy, forest.ErrInvalidAnchor)
		}
	}
	defer cur.Free()
	return fn(cur)
}

// NodeView is a proxy for one node.
type NodeView struct {
	t      *target
	schema schema.FieldSchema
}

// Type returns the node type.
func (n *NodeView) Type() (typ tree.NodeType, err error) {
	err = n.t.with(func(cur *forest.Cursor) error {
		typ, err = cur.Type()
		return err
	})
	return typ, err
}

// Value returns the node value.
func (n *NodeView) Value() (v tree.Value, err error) {
	err = n.t.with(func(cur *forest.Cursor) error {
		v, err = cur.Value()
		return err
	})
	return v, err
}

// FieldKeys lists the non-empty fields in sorted order.
func (n *NodeView) FieldKeys() (keys []tree.FieldKey, err error) {
	err = n.t.with(func(cur *forest.Cursor) error {
		keys, err = cur.FieldKeys()
		return err
	})
	return keys, err
}

// Field returns a proxy for the field key, which may be empty.
func (n *NodeView) Field(key tree.FieldKey) (*FieldView, error) {
	var fv *FieldView
	err := n.t.with(func(cur *forest.Cursor) error {
		typ, err := cur.Type()
		if err != nil {
			return err
		}
		if err := cur.EnterField(key); err != nil {
			return err
		}
		fv = n.t.c.fieldView(cur, n.t.c.schema.LookupFieldSchema(typ, key))
		return nil
	})
	return fv, err
}

// Path returns the node's current path.
func (n *NodeView) Path() (path *tree.UpPath, err error) {
	err = n.t.with(func(cur *forest.Cursor) error {
		path, err = cur.Path()
		return err
	})
	return path, err
}

// Node materializes the subtree.
func (n *NodeView) Node() (node *tree.Node, err error) {
	err = n.t.with(func(cur *forest.Cursor) error {
		node, err = cur.Node()
		return err
	})
	return node, err
}

// Anchor anchors the proxy, if it is not already, and returns the anchor.
// The anchor stays owned by the proxy.
func (n *NodeView) Anchor() (forest.Anchor, error) {
	n.t.prepareForEdit()
	if n.t.freed {
		return forest.NoAnchor, ErrInvalidProxy
	}
	if _, err := n.t.c.forest.ResolveAnchor(n.t.anchor); err != nil {
		return forest.NoAnchor, fmt.Errorf("%w: %w", ErrInvalidProxy, err)
	}
	return n.t.anchor, nil
}

// FieldSchema is the schema of the field holding the node.
func (n *NodeView) FieldSchema() schema.FieldSchema {
	return n.schema
}

// TreeSchema is the schema of the node's type.
func (n *NodeView) TreeSchema() (schema.TreeSchema, bool) {
	typ, err := n.Type()
	if err != nil {
		return schema.TreeSchema{}, false
	}
	return n.t.c.schema.Tree(typ)
}

// SetValue sets the node value through the context.
func (n *NodeView) SetValue(v tree.Value) (bool, error) {
	path, err := n.Path()
	if err != nil {
		return false, err
	}
	return n.t.c.SetNodeValue(path, v)
}

// IsValid reports whether the node can still be read.
func (n *NodeView) IsValid() bool {
	_, err := n.Type()
	return err == nil
}

// Free releases the proxy's cursor or anchor.
func (n *NodeView) Free() {
	n.t.free()
}

// FieldView is a proxy for one field.
type FieldView struct {
	t      *target
	schema schema.FieldSchema
	key    tree.FieldKey
}

// Key returns the field key.
func (f *FieldView) Key() tree.FieldKey { return f.key }

// Schema returns the field schema.
func (f *FieldView) Schema() schema.FieldSchema { return f.schema }

// Len returns the number of nodes in the field.
func (f *FieldView) Len() (n int, err error) {
	err = f.t.with(func(cur *forest.Cursor) error {
		n, err = cur.FieldLength()
		return err
	})
	return n, err
}

// Node returns a proxy for the node at index.
func (f *FieldView) Node(index int) (*NodeView, error) {
	var nv *NodeView
	err := f.t.with(func(cur *forest.Cursor) error {
		if err := cur.EnterNode(index); err != nil {
			return err
		}
		nv = f.t.c.nodeView(cur, f.schema)
		return nil
	})
	return nv, err
}

// Nodes returns a proxy for every node in the field.
func (f *FieldView) Nodes() ([]*NodeView, error) {
	var out []*NodeView
	err := f.t.with(func(cur *forest.Cursor) error {
		n, err := cur.FieldLength()
		if err != nil {
			return err
		}
		out = make([]*NodeView, 0, n)
		for i := 0; i < n; i++ {
			if err := cur.EnterNode(i); err != nil {
				return err
			}
			out = append(out, f.t.c.nodeView(cur, f.schema))
			if err := cur.ExitNode(); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Unwrap returns the node of a value field, the node or nil of an optional
// field, and f itself for a sequence.
func (f *FieldView) Unwrap() (any, error) {
	switch f.schema.Kind {
	case schema.Value:
		return f.Node(0)
	case schema.Optional:
		n, err := f.Len()
		if err != nil || n == 0 {
			return nil, err
		}
		return f.Node(0)
	default:
		return f, nil
	}
}

func (f *FieldView) location() (parent *tree.UpPath, key tree.FieldKey, err error) {
	err = f.t.with(func(cur *forest.Cursor) error {
		parent, key, err = cur.FieldPath()
		return err
	})
	return parent, key, err
}

// sequenceContent types data as content inserted into the field, one item or
// a []any of items.
func (f *FieldView) sequenceContent(data any) ([]*tree.Node, error) {
	return f.t.c.schema.ContentFor(schema.FieldSchema{Kind: schema.Sequence, Types: f.schema.Types}, data)
}

// Insert inserts nodes typed from data at index.
func (f *FieldView) Insert(index int, data any) (bool, error) {
	content, err := f.sequenceContent(data)
	if err != nil {
		return false, err
	}
	parent, key, err := f.location()
	if err != nil {
		return false, err
	}
	return f.t.c.InsertNodes(parent, key, index, content...)
}

// Delete deletes count nodes from index.
func (f *FieldView) Delete(index, count int) (bool, error) {
	parent, key, err := f.location()
	if err != nil {
		return false, err
	}
	return f.t.c.DeleteNodes(parent, key, index, count)
}

// Replace deletes count nodes from index and inserts nodes typed from data in
// their place.
func (f *FieldView) Replace(index, count int, data any) (bool, error) {
	content, err := f.sequenceContent(data)
	if err != nil {
		return false, err
	}
	parent, key, err := f.location()
	if err != nil {
		return false, err
	}
	return f.t.c.ReplaceNodes(parent, key, index, count, content...)
}

// Set replaces the whole content of the field according to its kind.
func (f *FieldView) Set(data any) (bool, error) {
	content, err := f.t.c.schema.ContentFor(f.schema, data)
	if err != nil {
		return false, err
	}
	parent, key, err := f.location()
	if err != nil {
		return false, err
	}
	length, err := f.Len()
	if err != nil {
		return false, err
	}
	switch f.schema.Kind {
	case schema.Value:
		return f.t.c.SetValueField(parent, key, content[0])
	case schema.Optional:
		var node *tree.Node
		if len(content) > 0 {
			node = content[0]
		}
		return f.t.c.SetOptionalField(parent, key, node, length == 0)
	default:
		return f.t.c.ReplaceNodes(parent, key, 0, length, content...)
	}
}
