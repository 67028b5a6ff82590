package forest

import (
	"fmt"

	"github.com/example/tree-sync-engine/internal/tree"
)

// Mode is where a cursor points.
type Mode int

const (
	AtField Mode = iota
	AtNode
)

type frame struct {
	parent *node
	field  tree.FieldKey
	index  int
}

// Cursor is a transient position in a forest: a field, or a node within a
// field. Any delta applied to the forest invalidates it.
type Cursor struct {
	forest *Forest
	epoch  uint64
	freed  bool

	mode   Mode
	parent *node
	field  tree.FieldKey
	index  int
	stack  []frame
}

// AllocateCursor returns a cursor at tree.RootField. Callers must Free it.
func (f *Forest) AllocateCursor() *Cursor {
	f.cursors++
	liveCursors.Inc()
	return &Cursor{forest: f, epoch: f.epoch, mode: AtField, parent: f.root, field: tree.RootField}
}

// MoveToDetachedField places c in a detached field.
func (f *Forest) MoveToDetachedField(field tree.FieldKey, c *Cursor) {
	c.reset()
	c.parent, c.field, c.mode = f.root, field, AtField
}

// MoveCursorToPath places c on the node at path.
func (f *Forest) MoveCursorToPath(path *tree.UpPath, c *Cursor) NavigationResult {
	n, ok := f.locate(path)
	if !ok {
		return NotFound
	}
	c.moveToNode(n)
	return Ok
}

// MoveCursorToAnchor places c on the anchored node.
func (f *Forest) MoveCursorToAnchor(a Anchor, c *Cursor) NavigationResult {
	n, err := f.anchorNode(a)
	if err != nil {
		return NotFound
	}
	c.moveToNode(n)
	return Ok
}

// MoveCursorToField places c in the anchored field.
func (f *Forest) MoveCursorToField(fa FieldAnchor, c *Cursor) NavigationResult {
	if !fa.HasParent {
		f.MoveToDetachedField(fa.Field, c)
		return Ok
	}
	if f.MoveCursorToAnchor(fa.Parent, c) != Ok {
		return NotFound
	}
	if err := c.EnterField(fa.Field); err != nil {
		return NotFound
	}
	return Ok
}

func (c *Cursor) reset() {
	c.epoch = c.forest.epoch
	c.stack = c.stack[:0]
}

func (c *Cursor) moveToNode(n *node) {
	c.reset()
	var chain []*node
	for cur := n; cur.parent != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	// chain runs from n up to the child of the root container.
	for i := len(chain) - 1; i > 0; i-- {
		ancestor := chain[i]
		c.stack = append(c.stack, frame{parent: ancestor.parent, field: ancestor.parentField, index: ancestor.index()})
	}
	c.parent, c.field, c.index, c.mode = n.parent, n.parentField, n.index(), AtNode
}

func (c *Cursor) check() error {
	if c.freed {
		return ErrCursorFreed
	}
	if c.epoch != c.forest.epoch {
		return ErrCursorInvalidated
	}
	return nil
}

func (c *Cursor) checkMode(mode Mode) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.mode != mode {
		return fmt.Errorf("%w: want %d", ErrWrongMode, mode)
	}
	return nil
}

func (c *Cursor) siblings() []*node {
	return c.parent.fields[c.field]
}

func (c *Cursor) current() *node {
	return c.siblings()[c.index]
}

// Mode reports whether c is at a node or at a field.
func (c *Cursor) Mode() Mode {
	return c.mode
}

// EnterField moves from the current node into one of its fields.
func (c *Cursor) EnterField(key tree.FieldKey) error {
	if err := c.checkMode(AtNode); err != nil {
		return err
	}
	c.stack = append(c.stack, frame{parent: c.parent, field: c.field, index: c.index})
	c.parent, c.field, c.mode = c.current(), key, AtField
	return nil
}

// ExitField returns to the node owning the current field.
func (c *Cursor) ExitField() error {
	if err := c.checkMode(AtField); err != nil {
		return err
	}
	if len(c.stack) == 0 {
		return fmt.Errorf("%w: detached field has no parent", ErrNodeNotFound)
	}
	top := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	c.parent, c.field, c.index, c.mode = top.parent, top.field, top.index, AtNode
	return nil
}

// EnterNode moves to the node at index of the current field.
func (c *Cursor) EnterNode(index int) error {
	if err := c.checkMode(AtField); err != nil {
		return err
	}
	if index < 0 || index >= len(c.siblings()) {
		return fmt.Errorf("%s[%d]: %w", c.field, index, ErrNodeNotFound)
	}
	c.index, c.mode = index, AtNode
	return nil
}

// ExitNode returns to the field holding the current node.
func (c *Cursor) ExitNode() error {
	if err := c.checkMode(AtNode); err != nil {
		return err
	}
	c.mode = AtField
	return nil
}

// FirstNode enters the first node of the current field, if any.
func (c *Cursor) FirstNode() bool {
	return c.EnterNode(0) == nil
}

// NextNode moves to the next sibling. At the end of the field it returns
// false and leaves c at the field.
func (c *Cursor) NextNode() bool {
	if c.checkMode(AtNode) != nil {
		return false
	}
	if c.index+1 < len(c.siblings()) {
		c.index++
		return true
	}
	c.mode = AtField
	return false
}

// Seek moves by offset among siblings.
func (c *Cursor) Seek(offset int) bool {
	if c.checkMode(AtNode) != nil {
		return false
	}
	next := c.index + offset
	if next < 0 || next >= len(c.siblings()) {
		return false
	}
	c.index = next
	return true
}

// Index is the position of the current node in its field.
func (c *Cursor) Index() int {
	return c.index
}

// FieldKey is the key of the current field, or of the field holding the
// current node.
func (c *Cursor) FieldKey() tree.FieldKey {
	return c.field
}

// Value returns the current node's value.
func (c *Cursor) Value() (tree.Value, error) {
	if err := c.checkMode(AtNode); err != nil {
		return nil, err
	}
	return c.current().value, nil
}

// Type returns the current node's type.
func (c *Cursor) Type() (tree.NodeType, error) {
	if err := c.checkMode(AtNode); err != nil {
		return "", err
	}
	return c.current().typ, nil
}

// FieldLength counts the nodes in the current field.
func (c *Cursor) FieldLength() (int, error) {
	if err := c.checkMode(AtField); err != nil {
		return 0, err
	}
	return len(c.siblings()), nil
}

// FieldKeys lists the non-empty fields of the current node.
func (c *Cursor) FieldKeys() ([]tree.FieldKey, error) {
	if err := c.checkMode(AtNode); err != nil {
		return nil, err
	}
	return c.current().toTree().FieldKeys(), nil
}

// Node materializes the current node's subtree.
func (c *Cursor) Node() (*tree.Node, error) {
	if err := c.checkMode(AtNode); err != nil {
		return nil, err
	}
	return c.current().toTree(), nil
}

// Path returns the up path of the current node.
func (c *Cursor) Path() (*tree.UpPath, error) {
	if err := c.checkMode(AtNode); err != nil {
		return nil, err
	}
	return c.forest.pathOf(c.current()), nil
}

// FieldPath returns the path of the node owning the current field (nil for
// a detached field) and the field key.
func (c *Cursor) FieldPath() (*tree.UpPath, tree.FieldKey, error) {
	if err := c.checkMode(AtField); err != nil {
		return nil, "", err
	}
	return c.forest.pathOf(c.parent), c.field, nil
}

// Fork returns an independent cursor at the same position.
func (c *Cursor) Fork() *Cursor {
	out := c.forest.AllocateCursor()
	out.epoch = c.epoch
	out.mode, out.parent, out.field, out.index = c.mode, c.parent, c.field, c.index
	out.stack = append(out.stack, c.stack...)
	return out
}

// Free releases the cursor. Freeing twice is a no-op.
func (c *Cursor) Free() {
	if c.freed {
		return
	}
	c.freed = true
	c.forest.cursors--
	liveCursors.Dec()
}
