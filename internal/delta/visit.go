package delta

import (
	"github.com/example/tree-sync-engine/internal/tree"
)

// Visitor reacts to a delta without mutating storage. Enter/exit calls are
// balanced and point callbacks only happen inside the scope they apply to.
type Visitor interface {
	EnterField(key tree.FieldKey)
	ExitField(key tree.FieldKey)
	EnterNode(index int)
	ExitNode(index int)
	OnDelete(index, count int)
	OnInsert(index int, content []*tree.Node)
	OnSetValue(value tree.Value)
	OnMoveOut(index, count int, id MoveID)
	OnMoveIn(index, count int, id MoveID)
}

// Pass identifies one of the two traversals of a delta.
type Pass int

const (
	// DetachPass reports deletes, move-outs and value changes.
	DetachPass Pass = iota
	// AttachPass reports inserts and move-ins.
	AttachPass
)

// Visit drives v over root: the detach pass first, then the attach pass, so
// every OnMoveOut precedes the OnMoveIn with the same id. Indices are
// mixed-context positions (see Mark.Footprint). A malformed delta panics with
// ErrMalformed.
func Visit(root Root, v Visitor) {
	if err := Validate(root); err != nil {
		panic(err)
	}
	visitFields(root, v, DetachPass)
	visitFields(root, v, AttachPass)
}

func visitFields(root Root, v Visitor, pass Pass) {
	for _, field := range root {
		if !Relevant(field.Marks, pass) {
			continue
		}
		v.EnterField(field.Field)
		Walk(field.Marks, func(m Mark, pos Position) {
			visitMark(m, pos.Mixed, v, pass)
		})
		v.ExitField(field.Field)
	}
}

func visitMark(m Mark, index int, v Visitor, pass Pass) {
	switch m.Type {
	case MarkDelete:
		if pass == DetachPass && m.Count > 0 {
			v.OnDelete(index, m.Count)
		}
	case MarkMoveOut:
		if pass == DetachPass && m.Count > 0 {
			v.OnMoveOut(index, m.Count, m.MoveID)
		}
	case MarkInsert:
		if pass == AttachPass {
			v.OnInsert(index, m.Content)
		}
	case MarkMoveIn:
		if pass == AttachPass && m.Count > 0 {
			v.OnMoveIn(index, m.Count, m.MoveID)
		}
	case MarkModify:
		if !modifyRelevant(m, pass) {
			return
		}
		v.EnterNode(index)
		if pass == DetachPass && m.SetValue != nil {
			v.OnSetValue(m.SetValue.Value)
		}
		visitFields(m.Fields, v, pass)
		v.ExitNode(index)
	}
}

// Relevant reports whether marks hold anything reported during pass.
func Relevant(marks []Mark, pass Pass) bool {
	for _, m := range marks {
		switch m.Type {
		case MarkDelete, MarkMoveOut:
			if pass == DetachPass {
				return true
			}
		case MarkInsert, MarkMoveIn:
			if pass == AttachPass {
				return true
			}
		case MarkModify:
			if modifyRelevant(m, pass) {
				return true
			}
		}
	}
	return false
}

func modifyRelevant(m Mark, pass Pass) bool {
	if pass == DetachPass && m.SetValue != nil {
		return true
	}
	for _, field := range m.Fields {
		if Relevant(field.Marks, pass) {
			return true
		}
	}
	return false
}
