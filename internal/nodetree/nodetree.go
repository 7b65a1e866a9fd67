// Package nodetree holds the mutable frame tree samples are merged into while
// an aggregation window is open.
package nodetree

import (
	"sync"
	"sync/atomic"
)

type (
	// Node is a frame of the aggregated tree. Children are unique by
	// (MethodID, Line) and kept in insertion order.
	//
	// Structure is guarded by a lock scoped to the node, counters are
	// atomic so counting never waits on a child being created.
	Node struct {
		MethodID uint32
		Line     uint32

		onStack atomic.Uint64
		onCPU   atomic.Uint64

		mu       sync.RWMutex
		children []*Node
	}

	// Snapshot is an immutable copy of a subtree.
	Snapshot struct {
		MethodID uint32     `json:"method_id"`
		Line     uint32     `json:"line"`
		OnStack  uint64     `json:"on_stack"`
		OnCPU    uint64     `json:"on_cpu"`
		Children []Snapshot `json:"children,omitempty"`
	}
)

func NewNode(methodID, line uint32) *Node {
	return &Node{MethodID: methodID, Line: line}
}

// GetOrAddChild returns the child keyed by (methodID, line), creating it if
// needed. Concurrent callers asking for the same key get the same node.
func (n *Node) GetOrAddChild(methodID, line uint32) *Node {
	n.mu.RLock()
	c := n.find(methodID, line)
	n.mu.RUnlock()
	if c != nil {
		return c
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if c := n.find(methodID, line); c != nil {
		return c
	}
	c = NewNode(methodID, line)
	n.children = append(n.children, c)
	return c
}

// Child returns the child keyed by (methodID, line) if it exists.
func (n *Node) Child(methodID, line uint32) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c := n.find(methodID, line)
	return c, c != nil
}

func (n *Node) find(methodID, line uint32) *Node {
	for _, c := range n.children {
		if c.MethodID == methodID && c.Line == line {
			return c
		}
	}
	return nil
}

// Children returns the current children of the node.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	children := make([]*Node, len(n.children))
	copy(children, n.children)
	return children
}

func (n *Node) IncrOnStack() {
	n.onStack.Add(1)
}

func (n *Node) IncrOnCPU() {
	n.onCPU.Add(1)
}

func (n *Node) OnStack() uint64 {
	return n.onStack.Load()
}

func (n *Node) OnCPU() uint64 {
	return n.onCPU.Load()
}

// Snapshot copies the subtree rooted at n.
func (n *Node) Snapshot() Snapshot {
	s := Snapshot{
		MethodID: n.MethodID,
		Line:     n.Line,
		OnStack:  n.OnStack(),
		OnCPU:    n.OnCPU(),
	}
	children := n.Children()
	if len(children) == 0 {
		return s
	}
	s.Children = make([]Snapshot, 0, len(children))
	for _, c := range children {
		s.Children = append(s.Children, c.Snapshot())
	}
	return s
}

// Walk visits the subtree in pre-order: a node before its children, and a
// child's whole subtree before its next sibling.
func (s *Snapshot) Walk(visit func(s *Snapshot)) {
	visit(s)
	for i := range s.Children {
		s.Children[i].Walk(visit)
	}
}

// Size returns the number of nodes in the subtree.
func (s *Snapshot) Size() int {
	size := 1
	for i := range s.Children {
		size += s.Children[i].Size()
	}
	return size
}
