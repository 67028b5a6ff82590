package binder

import (
	"slices"

	"github.com/example/tree-sync-engine/internal/tree"
)

type registration struct {
	listener Listener
}

// callNode is one step of the compiled bind paths. Nodes are shared by every
// registration whose path runs through the same (field, index) prefix.
type callNode struct {
	step      tree.PathStep
	parent    *callNode
	listeners []*registration
	children  []*callNode
}

func (n *callNode) empty() bool {
	return len(n.listeners) == 0 && len(n.children) == 0
}

// callTree holds one trie per binding type.
type callTree struct {
	roots map[BindingType][]*callNode
}

func newCallTree() *callTree {
	return &callTree{roots: make(map[BindingType][]*callNode)}
}

func (t *callTree) has(bt BindingType) bool {
	return len(t.roots[bt]) > 0
}

func findStep(nodes []*callNode, step tree.PathStep) *callNode {
	for _, n := range nodes {
		if n.step == step {
			return n
		}
	}
	return nil
}

func (t *callTree) insert(bt BindingType, path BindPath, reg *registration) {
	var parent *callNode
	for _, step := range path {
		var siblings []*callNode
		if parent == nil {
			siblings = t.roots[bt]
		} else {
			siblings = parent.children
		}
		n := findStep(siblings, step)
		if n == nil {
			n = &callNode{step: step, parent: parent}
			if parent == nil {
				t.roots[bt] = append(t.roots[bt], n)
			} else {
				parent.children = append(parent.children, n)
			}
		}
		parent = n
	}
	parent.listeners = append(parent.listeners, reg)
}

// remove drops reg from the node at path and prunes nodes left empty.
func (t *callTree) remove(bt BindingType, path BindPath, reg *registration) {
	var n *callNode
	for _, step := range path {
		if n == nil {
			n = findStep(t.roots[bt], step)
		} else {
			n = findStep(n.children, step)
		}
		if n == nil {
			return
		}
	}
	n.listeners = slices.DeleteFunc(n.listeners, func(other *registration) bool { return other == reg })
	for n != nil && n.empty() {
		parent := n.parent
		if parent == nil {
			t.roots[bt] = slices.DeleteFunc(t.roots[bt], func(other *callNode) bool { return other == n })
			if len(t.roots[bt]) == 0 {
				delete(t.roots, bt)
			}
		} else {
			parent.children = slices.DeleteFunc(parent.children, func(other *callNode) bool { return other == n })
		}
		n = parent
	}
}

// match returns the registrations of bt matching down, each once, in trie
// order. Under MatchPath only nodes ending exactly at the last step count;
// under MatchSubtree every matched node along the way does.
func (t *callTree) match(bt BindingType, down tree.DownPath, policy MatchPolicy) []*registration {
	if len(down) == 0 {
		return nil
	}
	var out []*registration
	seen := make(map[*registration]struct{})
	var walk func(nodes []*callNode, depth int)
	walk = func(nodes []*callNode, depth int) {
		step := down[depth]
		for _, n := range nodes {
			if n.step.Field != step.Field || (n.step.Index != tree.AnyIndex && n.step.Index != step.Index) {
				continue
			}
			if policy == MatchSubtree || depth == len(down)-1 {
				for _, reg := range n.listeners {
					if _, dup := seen[reg]; !dup {
						seen[reg] = struct{}{}
						out = append(out, reg)
					}
				}
			}
			if depth+1 < len(down) {
				walk(n.children, depth+1)
			}
		}
	}
	walk(t.roots[bt], 0)
	return out
}

func (t *callTree) size() int {
	count := 0
	var walk func(nodes []*callNode)
	walk = func(nodes []*callNode) {
		for _, n := range nodes {
			count++
			walk(n.children)
		}
	}
	for _, roots := range t.roots {
		walk(roots)
	}
	return count
}
