package binder

import (
	"slices"

	"github.com/example/tree-sync-engine/internal/tree"
)

type mode string

const (
	modeDirect       mode = "direct"
	modeInvalidating mode = "invalidating"
	modeBuffering    mode = "buffering"
)

// accepts reports which binding types a mode can deliver.
func (m mode) accepts(bt BindingType) bool {
	switch m {
	case modeDirect:
		return bt == Delete || bt == Insert || bt == SetValue
	case modeBuffering:
		return bt == Delete || bt == Insert || bt == SetValue || bt == Batch
	case modeInvalidating:
		return bt == Invalidation
	}
	return false
}

// anchorVisitor receives the point events beneath one anchored node and
// matches them against that anchor's call tree.
type anchorVisitor interface {
	OnDelete(path *tree.UpPath, count int)
	OnInsert(path *tree.UpPath, content []*tree.Node)
	OnSetValue(path *tree.UpPath, value tree.Value)
	calls() *callTree
	flush()
	discard()
}

type baseVisitor struct {
	tree   *callTree
	policy MatchPolicy
	mode   mode
}

func (v *baseVisitor) calls() *callTree { return v.tree }

func (v *baseVisitor) deliver(regs []*registration, ctx BindingContext) {
	for _, reg := range regs {
		reg.listener(ctx)
	}
	if len(regs) > 0 {
		eventsDelivered.WithLabelValues(string(v.mode), ctx.Type().String()).Add(float64(len(regs)))
	}
}

type directVisitor struct {
	baseVisitor
}

func (v *directVisitor) OnDelete(path *tree.UpPath, count int) {
	v.deliver(v.tree.match(Delete, tree.ToDownPath(path), v.policy), DeleteContext{Path: path, Count: count})
}

func (v *directVisitor) OnInsert(path *tree.UpPath, content []*tree.Node) {
	v.deliver(v.tree.match(Insert, tree.ToDownPath(path), v.policy), InsertContext{Path: path, Content: content})
}

func (v *directVisitor) OnSetValue(path *tree.UpPath, value tree.Value) {
	v.deliver(v.tree.match(SetValue, tree.ToDownPath(path), v.policy), SetValueContext{Path: path, Value: value})
}

func (v *directVisitor) flush()   {}
func (v *directVisitor) discard() {}

// invalidatingVisitor collects the listeners hit since the last flush, each
// once.
type invalidatingVisitor struct {
	baseVisitor
	pending []*registration
	marked  map[*registration]struct{}
}

func (v *invalidatingVisitor) invalidate(path *tree.UpPath) {
	for _, reg := range v.tree.match(Invalidation, tree.ToDownPath(path), v.policy) {
		if _, ok := v.marked[reg]; ok {
			continue
		}
		v.marked[reg] = struct{}{}
		v.pending = append(v.pending, reg)
	}
}

func (v *invalidatingVisitor) OnDelete(path *tree.UpPath, _ int)          { v.invalidate(path) }
func (v *invalidatingVisitor) OnInsert(path *tree.UpPath, _ []*tree.Node) { v.invalidate(path) }
func (v *invalidatingVisitor) OnSetValue(path *tree.UpPath, _ tree.Value) { v.invalidate(path) }

func (v *invalidatingVisitor) flush() {
	pending := v.pending
	v.discard()
	v.deliver(pending, InvalidationContext{})
}

func (v *invalidatingVisitor) discard() {
	v.pending = nil
	v.marked = make(map[*registration]struct{})
}

type queuedEvent struct {
	ctx  BindingContext
	regs []*registration
}

// bufferingVisitor queues matched events with their payload until flush.
type bufferingVisitor struct {
	baseVisitor
	sort  CompareFunc[BindingContext]
	queue []queuedEvent
}

func (v *bufferingVisitor) enqueue(bt BindingType, ctx BindingContext) {
	regs := v.tree.match(bt, tree.ToDownPath(pathOf(ctx)), v.policy)
	if len(regs) > 0 {
		v.queue = append(v.queue, queuedEvent{ctx: ctx, regs: regs})
	}
}

func (v *bufferingVisitor) OnDelete(path *tree.UpPath, count int) {
	v.enqueue(Delete, DeleteContext{Path: path, Count: count})
}

func (v *bufferingVisitor) OnInsert(path *tree.UpPath, content []*tree.Node) {
	v.enqueue(Insert, InsertContext{Path: path, Content: content})
}

func (v *bufferingVisitor) OnSetValue(path *tree.UpPath, value tree.Value) {
	v.enqueue(SetValue, SetValueContext{Path: path, Value: value})
}

// flush sorts the queue, hands the events matched by batch registrations to
// them as one batch each, and delivers the rest one by one.
func (v *bufferingVisitor) flush() {
	queue := v.queue
	v.queue = nil
	if len(queue) == 0 {
		return
	}
	slices.SortStableFunc(queue, func(a, b queuedEvent) int { return v.sort(a.ctx, b.ctx) })

	batched := make([]bool, len(queue))
	if v.tree.has(Batch) {
		var (
			events    []BindingContext
			batchRegs []*registration
			seen      = make(map[*registration]struct{})
		)
		for i, ev := range queue {
			regs := v.tree.match(Batch, tree.ToDownPath(pathOf(ev.ctx)), v.policy)
			if len(regs) == 0 {
				continue
			}
			for _, reg := range regs {
				if _, ok := seen[reg]; !ok {
					seen[reg] = struct{}{}
					batchRegs = append(batchRegs, reg)
				}
			}
			events = append(events, ev.ctx)
			batched[i] = true
		}
		if len(events) > 0 {
			v.deliver(batchRegs, BatchContext{Events: events})
		}
	}

	for i, ev := range queue {
		if batched[i] {
			continue
		}
		v.deliver(ev.regs, ev.ctx)
	}
}

func (v *bufferingVisitor) discard() {
	v.queue = nil
}
