// Package treeview implements read-only projections over an indexed call tree.
package treeview

import (
	"fmt"

	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/errorutil"
)

type (
	// Tree is the read surface shared by calltree.Tree and FilteredTree.
	// Indices are the storage indices of the underlying tree.
	Tree interface {
		Len() int
		Get(idx int) (calltree.Node, error)
		Parent(idx int) (int, error)
		ChildCount(idx int) int
		ForEachChild(idx int, fn func(child int) bool)
	}

	// Predicate marks the nodes a FilteredTree shows.
	Predicate func(idx int, n calltree.Node) bool

	// FilteredTree hides the nodes for which neither the predicate nor any
	// descendant matches. The path from the root to a visible node is always
	// visible.
	FilteredTree struct {
		base    Tree
		visible []bool
		count   int
	}
)

var _ Tree = (*calltree.Tree)(nil)

func NewFilteredTree(base Tree, keep Predicate) *FilteredTree {
	ft := &FilteredTree{
		base:    base,
		visible: make([]bool, base.Len()),
	}
	// parents are stored before their children
	for i := base.Len() - 1; i >= 0; i-- {
		if !ft.visible[i] {
			n, err := base.Get(i)
			if err != nil || !keep(i, n) {
				continue
			}
			ft.visible[i] = true
		}
		if p, err := base.Parent(i); err == nil && p != calltree.NoParent {
			ft.visible[p] = true
		}
	}
	for _, v := range ft.visible {
		if v {
			ft.count++
		}
	}
	return ft
}

// Len returns the size of the index space, which is the one of the base tree.
func (ft *FilteredTree) Len() int {
	return ft.base.Len()
}

// VisibleCount returns the number of visible nodes.
func (ft *FilteredTree) VisibleCount() int {
	return ft.count
}

func (ft *FilteredTree) Visible(idx int) bool {
	return idx >= 0 && idx < len(ft.visible) && ft.visible[idx]
}

func (ft *FilteredTree) hidden(idx int) error {
	return fmt.Errorf("treeview: %w: node %d is not visible", errorutil.ErrNotFound, idx)
}

func (ft *FilteredTree) Get(idx int) (calltree.Node, error) {
	if !ft.Visible(idx) {
		return calltree.Node{}, ft.hidden(idx)
	}
	return ft.base.Get(idx)
}

func (ft *FilteredTree) Parent(idx int) (int, error) {
	if !ft.Visible(idx) {
		return calltree.NoParent, ft.hidden(idx)
	}
	return ft.base.Parent(idx)
}

// ChildCount returns the number of visible children of idx.
func (ft *FilteredTree) ChildCount(idx int) int {
	var count int
	ft.ForEachChild(idx, func(int) bool {
		count++
		return true
	})
	return count
}

func (ft *FilteredTree) ForEachChild(idx int, fn func(child int) bool) {
	if !ft.Visible(idx) {
		return
	}
	ft.base.ForEachChild(idx, func(child int) bool {
		if !ft.visible[child] {
			return true
		}
		return fn(child)
	})
}

// MinOnStack keeps the nodes seen on stack in at least min samples.
func MinOnStack(min uint64) Predicate {
	return func(_ int, n calltree.Node) bool {
		return n.OnStack >= min
	}
}

// Methods keeps the nodes of the given methods.
func Methods(ids ...uint32) Predicate {
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(_ int, n calltree.Node) bool {
		_, ok := set[n.MethodID]
		return ok
	}
}
