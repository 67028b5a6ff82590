package change

import (
	"slices"

	"github.com/example/tree-sync-engine/internal/tree"
)

// Rebase restates cs so that it applies after over, where both were authored
// against the same state. Inserts at the same position land after those of
// over; edits beneath nodes removed by over are dropped; competing value
// writes resolve in favour of cs.
func (Family) Rebase(cs, over Changeset) Changeset {
	out, _ := transform(cs, over, true)
	return out
}

// Transform restates a after b and b after a, both authored against the same
// state. aAfter decides which side wins ties: inserts at the same position
// and writes to the same value.
func (Family) Transform(a, b Changeset, aAfter bool) (Changeset, Changeset) {
	return transform(a, b, aAfter)
}

func transform(as, bs Changeset, aAfter bool) (Changeset, Changeset) {
	if len(as) == 0 || len(bs) == 0 {
		return as, bs
	}
	if len(as) == 1 && len(bs) == 1 {
		return rebaseOp(as[0], bs[0], aAfter), rebaseOp(bs[0], as[0], !aAfter)
	}
	if len(as) > 1 {
		headA, bs1 := transform(as[:1], bs, aAfter)
		restA, bs2 := transform(as[1:], bs1, aAfter)
		return append(slices.Clip(headA), restA...), bs2
	}
	as1, headB := transform(as, bs[:1], aAfter)
	as2, restB := transform(as1, bs[1:], aAfter)
	return as2, append(slices.Clip(headB), restB...)
}

// rebaseOp restates a after b. The result may be empty (a lost its target)
// or hold two ops (a delete split by an insert).
func rebaseOp(a, b Op, aAfter bool) Changeset {
	a = a.Clone()
	switch a.Kind {
	case OpSetValue:
		target := a.Target()
		if b.Kind == OpSetValue && stepsEqual(b.Target(), target) {
			if !aAfter {
				return nil
			}
			return Changeset{a}
		}
		moved, ok := rebaseSteps(target, b)
		if !ok {
			return nil
		}
		last := moved[len(moved)-1]
		a.Parent, a.Index = moved[:len(moved)-1], last.Index
		return Changeset{a}
	default:
		sameField := b.Kind != OpSetValue && stepsEqual(a.Parent, b.Parent) && a.Field == b.Field
		parent, ok := rebaseSteps(a.Parent, b)
		if !ok {
			return nil
		}
		a.Parent = parent
		if !sameField {
			return Changeset{a}
		}
		return rebaseInField(a, b, aAfter)
	}
}

// rebaseSteps moves node positions across a structural edit b. It reports
// false when b removes one of the nodes.
func rebaseSteps(steps []tree.PathStep, b Op) ([]tree.PathStep, bool) {
	if b.Kind == OpSetValue {
		return steps, true
	}
	d := len(b.Parent)
	if len(steps) <= d || !stepsEqual(steps[:d], b.Parent) || steps[d].Field != b.Field {
		return steps, true
	}
	k := steps[d].Index
	switch b.Kind {
	case OpInsert:
		if k >= b.Index {
			k += len(b.Content)
		}
	case OpDelete:
		switch {
		case k >= b.Index+b.Count:
			k -= b.Count
		case k >= b.Index:
			return nil, false
		}
	case OpReplace:
		return nil, false
	}
	out := slices.Clone(steps)
	out[d].Index = k
	return out, true
}

func rebaseInField(a, b Op, aAfter bool) Changeset {
	if b.Kind == OpReplace {
		if a.Kind == OpReplace && aAfter {
			return Changeset{a}
		}
		return nil
	}
	switch a.Kind {
	case OpReplace:
		return Changeset{a}
	case OpInsert:
		switch b.Kind {
		case OpInsert:
			if b.Index < a.Index || (b.Index == a.Index && aAfter) {
				a.Index += len(b.Content)
			}
		case OpDelete:
			switch {
			case a.Index >= b.Index+b.Count:
				a.Index -= b.Count
			case a.Index > b.Index:
				a.Index = b.Index
			}
		}
		return Changeset{a}
	case OpDelete:
		switch b.Kind {
		case OpInsert:
			return splitDelete(a, b.Index, len(b.Content))
		case OpDelete:
			return trimDelete(a, b)
		}
	}
	return Changeset{a}
}

func splitDelete(a Op, at, inserted int) Changeset {
	switch {
	case at <= a.Index:
		a.Index += inserted
		return Changeset{a}
	case at >= a.Index+a.Count:
		return Changeset{a}
	}
	low, high := a.Clone(), a.Clone()
	low.Count = at - a.Index
	high.Index = a.Index + inserted
	high.Count = a.Count - low.Count
	if len(a.Removed) == a.Count {
		low.Removed = a.Removed[:low.Count]
		high.Removed = a.Removed[low.Count:]
	}
	return Changeset{low, high}
}

func trimDelete(a, b Op) Changeset {
	start, end := a.Index, a.Index+a.Count
	overlapStart, overlapEnd := max(start, b.Index), min(end, b.Index+b.Count)
	overlap := max(0, overlapEnd-overlapStart)
	if overlap == a.Count {
		return nil
	}
	if start >= b.Index {
		a.Index = max(start-b.Count, b.Index)
	}
	if overlap > 0 && len(a.Removed) == a.Count {
		removed := slices.Clone(a.Removed[:overlapStart-start])
		a.Removed = append(removed, a.Removed[overlapEnd-start:]...)
	}
	a.Count -= overlap
	return Changeset{a}
}
