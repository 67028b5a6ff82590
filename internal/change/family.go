package change

import (
	"slices"

	"github.com/example/tree-sync-engine/internal/delta"
	"github.com/example/tree-sync-engine/internal/tree"
)

// Reader exposes the stored tree to Refresh.
type Reader interface {
	FieldContent(parent *tree.UpPath, field tree.FieldKey) ([]*tree.Node, bool)
	NodeValue(path *tree.UpPath) (tree.Value, bool)
}

// Family groups the algebra over changesets.
type Family struct{}

// Invert returns the changeset undoing cs: ops reversed, each inverted using
// its repair data.
func (Family) Invert(cs Changeset) Changeset {
	out := make(Changeset, 0, len(cs))
	for i := len(cs) - 1; i >= 0; i-- {
		if inv, ok := invertOp(cs[i]); ok {
			out = append(out, inv)
		}
	}
	return out
}

func invertOp(o Op) (Op, bool) {
	inv := o.Clone()
	switch o.Kind {
	case OpInsert:
		inv.Kind, inv.Count, inv.Removed, inv.Content = OpDelete, len(o.Content), o.Content, nil
	case OpDelete:
		if len(o.Removed) == 0 {
			return Op{}, false
		}
		inv.Kind, inv.Count, inv.Content, inv.Removed = OpInsert, len(o.Removed), o.Removed, nil
	case OpSetValue:
		inv.Value, inv.Old = o.Old, o.Value
	case OpReplace:
		inv.Content, inv.Removed, inv.Count = o.Removed, o.Content, len(o.Content)
	}
	return inv, true
}

// Compose concatenates changesets in order.
func (Family) Compose(changes ...Changeset) Changeset {
	var out Changeset
	for _, cs := range changes {
		out = append(out, cs...)
	}
	return out
}

// IntoDeltas converts cs into one delta per op. Ops that change nothing are
// skipped.
func (Family) IntoDeltas(cs Changeset) []delta.Root {
	out := make([]delta.Root, 0, len(cs))
	for _, op := range cs {
		if root := IntoDelta(op); len(root) > 0 {
			out = append(out, root)
		}
	}
	return out
}

// IntoDelta converts one op into a delta rooted at the detached fields.
func IntoDelta(o Op) delta.Root {
	var marks []delta.Mark
	switch o.Kind {
	case OpSetValue:
		marks = append(skip(o.Index), delta.SetValue(o.Value))
	case OpInsert:
		if len(o.Content) == 0 {
			return nil
		}
		marks = append(skip(o.Index), delta.Insert(tree.CloneNodes(o.Content)...))
	case OpDelete:
		if o.Count <= 0 {
			return nil
		}
		marks = append(skip(o.Index), delta.Delete(o.Count))
	case OpReplace:
		if o.Count > 0 {
			marks = append(marks, delta.Delete(o.Count))
		}
		if len(o.Content) > 0 {
			marks = append(marks, delta.Insert(tree.CloneNodes(o.Content)...))
		}
		if len(marks) == 0 {
			return nil
		}
	default:
		return nil
	}

	field := delta.Field(o.Field, marks...)
	for i := len(o.Parent) - 1; i >= 0; i-- {
		step := o.Parent[i]
		field = delta.Field(step.Field, append(skip(step.Index), delta.Modify(field))...)
	}
	return delta.Root{field}
}

func skip(n int) []delta.Mark {
	if n <= 0 {
		return nil
	}
	return []delta.Mark{delta.Skip(n)}
}

// Refresh recomputes the repair data of o against the stored tree and clamps
// it to what exists. It reports false when o no longer has a target.
func (Family) Refresh(o Op, r Reader) (Op, bool) {
	o = o.Clone()
	parent := o.ParentPath()
	switch o.Kind {
	case OpSetValue:
		old, ok := r.NodeValue(o.TargetPath())
		if !ok {
			return Op{}, false
		}
		o.Old = old
	case OpInsert:
		content, ok := r.FieldContent(parent, o.Field)
		if !ok || o.Index < 0 || o.Index > len(content) || len(o.Content) == 0 {
			return Op{}, false
		}
		o.Count = len(o.Content)
	case OpDelete:
		content, ok := r.FieldContent(parent, o.Field)
		if !ok || o.Index < 0 || o.Index >= len(content) {
			return Op{}, false
		}
		o.Count = min(o.Count, len(content)-o.Index)
		if o.Count <= 0 {
			return Op{}, false
		}
		o.Removed = slices.Clone(content[o.Index : o.Index+o.Count])
	case OpReplace:
		content, ok := r.FieldContent(parent, o.Field)
		if !ok {
			return Op{}, false
		}
		o.Index, o.Count, o.Removed = 0, len(content), content
	default:
		return Op{}, false
	}
	return o, true
}

// ApplyTo refreshes and applies each op of cs in order through apply and
// returns the ops as applied, with fresh repair data. Ops without a target
// are dropped.
func (f Family) ApplyTo(cs Changeset, r Reader, apply func(delta.Root) error) (Changeset, error) {
	applied := make(Changeset, 0, len(cs))
	for _, op := range cs {
		refreshed, ok := f.Refresh(op, r)
		if !ok {
			continue
		}
		if root := IntoDelta(refreshed); len(root) > 0 {
			if err := apply(root); err != nil {
				return applied, err
			}
		}
		applied = append(applied, refreshed)
	}
	return applied, nil
}
