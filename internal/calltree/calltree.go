// Package calltree implements an immutable call tree stored as a pre-order
// array of nodes with parallel parent and subtree size arrays.
package calltree

import (
	"fmt"

	"github.com/getsentry/sampletree/internal/errorutil"
)

// NoParent is the parent index of the root.
const NoParent = -1

type (
	// Node is one frame of the tree as it is stored and streamed.
	Node struct {
		MethodID   uint32 `json:"method_id"`
		Line       uint32 `json:"line"`
		ChildCount uint32 `json:"child_count"`
		OnStack    uint64 `json:"on_stack"`
		OnCPU      uint64 `json:"on_cpu"`
	}

	// Tree is safe for concurrent reads, it is never mutated after New.
	Tree struct {
		nodes       []Node
		subtreeSize []int
		parent      []int
	}

	pending struct {
		idx       int
		remaining uint32
	}
)

// New lays out nodes given in pre-order, root first and each child's whole
// subtree before its next sibling. The child counts of the nodes have to
// account for exactly len(nodes) nodes, otherwise the stream was truncated
// or malformed and New fails with errorutil.ErrDataIntegrity.
func New(nodes []Node) (*Tree, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("calltree: %w: empty node list", errorutil.ErrDataIntegrity)
	}
	t := &Tree{
		nodes:       nodes,
		subtreeSize: make([]int, len(nodes)),
		parent:      make([]int, len(nodes)),
	}
	stack := make([]pending, 0, 64)
	for i := range nodes {
		if i == 0 {
			t.parent[i] = NoParent
		} else {
			if len(stack) == 0 {
				return nil, fmt.Errorf("calltree: %w: %d nodes after a tree of %d nodes", errorutil.ErrDataIntegrity, len(nodes)-i, i)
			}
			top := &stack[len(stack)-1]
			t.parent[i] = top.idx
			top.remaining--
		}
		stack = append(stack, pending{idx: i, remaining: nodes[i].ChildCount})
		for len(stack) > 0 && stack[len(stack)-1].remaining == 0 {
			done := stack[len(stack)-1]
			t.subtreeSize[done.idx] = i - done.idx + 1
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("calltree: %w: truncated tree, %d nodes still expect children", errorutil.ErrDataIntegrity, len(stack))
	}
	if t.subtreeSize[0] != len(nodes) {
		return nil, fmt.Errorf("calltree: %w: root spans %d of %d nodes", errorutil.ErrDataIntegrity, t.subtreeSize[0], len(nodes))
	}
	return t, nil
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) valid(idx int) error {
	if idx < 0 || idx >= len(t.nodes) {
		return fmt.Errorf("calltree: %w: node %d", errorutil.ErrNotFound, idx)
	}
	return nil
}

func (t *Tree) Get(idx int) (Node, error) {
	if err := t.valid(idx); err != nil {
		return Node{}, err
	}
	return t.nodes[idx], nil
}

// Parent returns the index of the parent of idx, NoParent for the root.
func (t *Tree) Parent(idx int) (int, error) {
	if err := t.valid(idx); err != nil {
		return NoParent, err
	}
	return t.parent[idx], nil
}

func (t *Tree) ChildCount(idx int) int {
	if t.valid(idx) != nil {
		return 0
	}
	return int(t.nodes[idx].ChildCount)
}

// SubtreeSize returns the number of nodes in the subtree rooted at idx,
// including idx.
func (t *Tree) SubtreeSize(idx int) int {
	if t.valid(idx) != nil {
		return 0
	}
	return t.subtreeSize[idx]
}

// ForEachChild calls fn with the index of each child of idx, in order, until
// fn returns false. The first child follows its parent, each next sibling
// follows the subtree of the previous one.
func (t *Tree) ForEachChild(idx int, fn func(child int) bool) {
	if t.valid(idx) != nil {
		return
	}
	child := idx + 1
	for i := uint32(0); i < t.nodes[idx].ChildCount; i++ {
		if !fn(child) {
			return
		}
		child += t.subtreeSize[child]
	}
}

// Children returns the indices of the children of idx.
func (t *Tree) Children(idx int) []int {
	children := make([]int, 0, t.ChildCount(idx))
	t.ForEachChild(idx, func(child int) bool {
		children = append(children, child)
		return true
	})
	return children
}

// ForEach visits every node in storage order, which is pre-order.
func (t *Tree) ForEach(fn func(idx int, n Node)) {
	for i, n := range t.nodes {
		fn(i, n)
	}
}
