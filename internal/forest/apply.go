package forest

import (
	"fmt"
	"time"

	"github.com/example/tree-sync-engine/internal/delta"
	"github.com/example/tree-sync-engine/internal/tree"
)

// ApplyDelta mutates the forest. Dependents see BeforeChange first; every
// cursor is invalidated; anchors follow their nodes and become invalid when
// their node is deleted. Registered visitors and subtree listeners observe the
// delta while it is applied. AfterChange is sent immediately, or at the end
// of the outermost Batch.
func (f *Forest) ApplyDelta(root delta.Root) error {
	if f.applying {
		return ErrReentrantApply
	}
	if err := delta.Validate(root); err != nil {
		return err
	}
	if err := f.checkFields(f.root, root); err != nil {
		return err
	}
	if len(root) == 0 {
		return nil
	}

	start := time.Now()
	f.apply(root)

	deltasApplied.Inc()
	applyLatency.Observe(time.Since(start).Seconds())
	f.logger.Debug().Uint64("epoch", f.epoch).Int("fields", len(root)).Msg("delta applied")

	if f.batchDepth > 0 {
		f.dirty = true
		return nil
	}
	f.afterChange()
	return nil
}

func (f *Forest) apply(root delta.Root) {
	f.applying = true
	defer func() { f.applying = false }()
	f.notify(BeforeChange)
	f.epoch++

	st := f.newApplyState()
	f.detachFields(f.root, root, st)
	f.attachFields(f.root, root, st)
	// A move-out without a move-in behaves as a delete.
	for _, orphans := range st.moved {
		for _, n := range orphans {
			n.markDetached()
		}
	}
}

func (f *Forest) checkFields(n *node, fields delta.Root) error {
	for _, fc := range fields {
		children := n.fields[fc.Field]
		var err error
		delta.Walk(fc.Marks, func(m delta.Mark, pos delta.Position) {
			if err != nil {
				return
			}
			if pos.Input+m.InputLength() > len(children) {
				err = fmt.Errorf("%w: %s at %d overruns field %q of length %d", ErrInvalidDelta, m.Type, pos.Input, fc.Field, len(children))
				return
			}
			if m.Type == delta.MarkModify {
				err = f.checkFields(children[pos.Input], m.Fields)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Forest) detachFields(n *node, fields delta.Root, st *applyState) {
	for _, fc := range fields {
		if !delta.Relevant(fc.Marks, delta.DetachPass) {
			continue
		}
		children := n.fields[fc.Field]
		st.enterField(fc.Field)
		delta.Walk(fc.Marks, func(m delta.Mark, pos delta.Position) {
			switch m.Type {
			case delta.MarkDelete:
				if m.Count == 0 {
					return
				}
				st.onDelete(pos.Mixed, m.Count)
				for _, child := range children[pos.Input : pos.Input+m.Count] {
					child.markDetached()
				}
			case delta.MarkMoveOut:
				if m.Count == 0 {
					return
				}
				st.onMoveOut(pos.Mixed, m.Count, m.MoveID)
				st.moved[m.MoveID] = append(st.moved[m.MoveID], children[pos.Input:pos.Input+m.Count]...)
			case delta.MarkModify:
				if !delta.Relevant([]delta.Mark{m}, delta.DetachPass) {
					return
				}
				child := children[pos.Input]
				pushed := st.enterNode(pos.Mixed, child)
				if m.SetValue != nil {
					child.value = m.SetValue.Value
					st.onSetValue(m.SetValue.Value)
				}
				f.detachFields(child, m.Fields, st)
				st.exitNode(pos.Mixed, pushed)
			}
		})
		st.exitField(fc.Field)
	}
}

func (f *Forest) attachFields(n *node, fields delta.Root, st *applyState) {
	for _, fc := range fields {
		old := n.fields[fc.Field]
		emit := delta.Relevant(fc.Marks, delta.AttachPass)
		if emit {
			st.enterField(fc.Field)
		}
		out := make([]*node, 0, len(old))
		consumed := 0
		delta.Walk(fc.Marks, func(m delta.Mark, pos delta.Position) {
			consumed = pos.Input + m.InputLength()
			switch m.Type {
			case delta.MarkSkip:
				out = append(out, old[pos.Input:pos.Input+m.Count]...)
			case delta.MarkInsert:
				for _, content := range m.Content {
					out = append(out, fromTree(content, n, fc.Field))
				}
				st.onInsert(pos.Mixed, m.Content)
			case delta.MarkMoveIn:
				if m.Count == 0 {
					return
				}
				pending := st.moved[m.MoveID]
				for _, moved := range pending[:m.Count] {
					moved.parent, moved.parentField = n, fc.Field
					out = append(out, moved)
				}
				st.moved[m.MoveID] = pending[m.Count:]
				if len(st.moved[m.MoveID]) == 0 {
					delete(st.moved, m.MoveID)
				}
				st.onMoveIn(pos.Mixed, m.Count, m.MoveID)
			case delta.MarkModify:
				child := old[pos.Input]
				out = append(out, child)
				if len(m.Fields) == 0 {
					return
				}
				if !delta.Relevant([]delta.Mark{m}, delta.AttachPass) {
					f.attachFields(child, m.Fields, st)
					return
				}
				pushed := st.enterNode(pos.Mixed, child)
				f.attachFields(child, m.Fields, st)
				st.exitNode(pos.Mixed, pushed)
			}
		})
		out = append(out, old[consumed:]...)
		n.setField(fc.Field, out)
		if emit {
			st.exitField(fc.Field)
		}
	}
}

// applyState fans one application out to raw visitors and to the path
// visitors of subtree listeners whose node is on the current traversal path.
type applyState struct {
	visitors []delta.Visitor
	tracker  *delta.PathTracker
	active   []delta.PathVisitor
	created  map[*subtreeListener]delta.PathVisitor
	moved    map[delta.MoveID][]*node
}

func (f *Forest) newApplyState() *applyState {
	visitors := make([]delta.Visitor, 0, len(f.visitors))
	for _, entry := range f.visitors {
		visitors = append(visitors, entry.visitor)
	}
	return &applyState{
		visitors: visitors,
		tracker:  delta.NewPathTracker(nil),
		created:  make(map[*subtreeListener]delta.PathVisitor),
		moved:    make(map[delta.MoveID][]*node),
	}
}

func (s *applyState) enterField(key tree.FieldKey) {
	s.tracker.EnterField(key)
	for _, v := range s.visitors {
		v.EnterField(key)
	}
}

func (s *applyState) exitField(key tree.FieldKey) {
	for _, v := range s.visitors {
		v.ExitField(key)
	}
	s.tracker.ExitField(key)
}

func (s *applyState) enterNode(index int, n *node) int {
	s.tracker.EnterNode(index)
	for _, v := range s.visitors {
		v.EnterNode(index)
	}
	pushed := 0
	for _, l := range n.listeners {
		pv, ok := s.created[l]
		if !ok {
			pv = l.factory(s.tracker.Node())
			s.created[l] = pv
		}
		if pv == nil {
			continue
		}
		s.active = append(s.active, pv)
		pushed++
	}
	return pushed
}

func (s *applyState) exitNode(index int, pushed int) {
	s.active = s.active[:len(s.active)-pushed]
	for _, v := range s.visitors {
		v.ExitNode(index)
	}
	s.tracker.ExitNode(index)
}

func (s *applyState) onDelete(index, count int) {
	for _, v := range s.visitors {
		v.OnDelete(index, count)
	}
	if len(s.active) == 0 {
		return
	}
	path := s.tracker.At(index)
	for _, pv := range s.active {
		pv.OnDelete(path, count)
	}
}

func (s *applyState) onInsert(index int, content []*tree.Node) {
	for _, v := range s.visitors {
		v.OnInsert(index, content)
	}
	if len(s.active) == 0 {
		return
	}
	path := s.tracker.At(index)
	for _, pv := range s.active {
		pv.OnInsert(path, content)
	}
}

func (s *applyState) onSetValue(value tree.Value) {
	for _, v := range s.visitors {
		v.OnSetValue(value)
	}
	path := s.tracker.Node()
	for _, pv := range s.active {
		pv.OnSetValue(path, value)
	}
}

func (s *applyState) onMoveOut(index, count int, id delta.MoveID) {
	for _, v := range s.visitors {
		v.OnMoveOut(index, count, id)
	}
	path := s.tracker.At(index)
	for _, pv := range s.active {
		if mv, ok := pv.(delta.MovePathVisitor); ok {
			mv.OnMoveOut(path, count, id)
		}
	}
}

func (s *applyState) onMoveIn(index, count int, id delta.MoveID) {
	for _, v := range s.visitors {
		v.OnMoveIn(index, count, id)
	}
	path := s.tracker.At(index)
	for _, pv := range s.active {
		if mv, ok := pv.(delta.MovePathVisitor); ok {
			mv.OnMoveIn(path, count, id)
		}
	}
}

// Load replaces the content of tree.RootField with nodes.
func (f *Forest) Load(nodes []*tree.Node) error {
	var marks []delta.Mark
	if n := len(f.root.fields[tree.RootField]); n > 0 {
		marks = append(marks, delta.Delete(n))
	}
	if len(nodes) > 0 {
		marks = append(marks, delta.Insert(tree.CloneNodes(nodes)...))
	}
	if len(marks) == 0 {
		return nil
	}
	return f.ApplyDelta(delta.Root{delta.Field(tree.RootField, marks...)})
}
