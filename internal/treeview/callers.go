package treeview

import (
	"github.com/getsentry/sampletree/internal/calltree"
)

type (
	// SubTree is a node with its expanded children. Children is empty for a
	// node that was not expanded, Data.ChildCount tells if it has any.
	SubTree struct {
		ID       int           `json:"id"`
		Data     calltree.Node `json:"data"`
		Children []SubTree     `json:"children,omitempty"`
	}

	// CallTreeView walks the tree from the root towards the callees.
	CallTreeView struct {
		tree Tree
	}
)

func NewCallTreeView(t Tree) *CallTreeView {
	return &CallTreeView{tree: t}
}

func (v *CallTreeView) GetRootNode() (SubTree, error) {
	n, err := v.tree.Get(0)
	if err != nil {
		return SubTree{}, err
	}
	return SubTree{ID: 0, Data: v.withChildCount(0, n)}, nil
}

// GetSubTree expands each of ids up to depth levels. With autoExpand, a node
// having more than one child gets its children returned without expanding
// them further.
func (v *CallTreeView) GetSubTree(ids []int, depth int, autoExpand bool) ([]SubTree, error) {
	subtrees := make([]SubTree, 0, len(ids))
	for _, id := range ids {
		st, err := v.expand(id, depth, autoExpand)
		if err != nil {
			return nil, err
		}
		subtrees = append(subtrees, st)
	}
	return subtrees, nil
}

func (v *CallTreeView) expand(id, depth int, autoExpand bool) (SubTree, error) {
	n, err := v.tree.Get(id)
	if err != nil {
		return SubTree{}, err
	}
	st := SubTree{ID: id, Data: v.withChildCount(id, n)}
	childCount := int(st.Data.ChildCount)
	if depth <= 0 || childCount == 0 {
		return st, nil
	}
	childDepth := depth - 1
	if autoExpand && childCount > 1 {
		childDepth = 0
	}
	st.Children = make([]SubTree, 0, childCount)
	v.tree.ForEachChild(id, func(child int) bool {
		var c SubTree
		c, err = v.expand(child, childDepth, autoExpand)
		if err != nil {
			return false
		}
		st.Children = append(st.Children, c)
		return true
	})
	return st, err
}

// withChildCount reports the child count of the view, which differs from the
// stored one on a filtered tree.
func (v *CallTreeView) withChildCount(id int, n calltree.Node) calltree.Node {
	n.ChildCount = uint32(v.tree.ChildCount(id))
	return n
}
