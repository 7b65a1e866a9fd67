package treeview

import (
	"github.com/getsentry/sampletree/internal/calltree"
)

type (
	// HotMethod is a node that was on cpu in at least one sample.
	HotMethod struct {
		ID       int    `json:"id"`
		MethodID uint32 `json:"method_id"`
		Line     uint32 `json:"line"`
		Samples  uint64 `json:"samples"`
	}

	// CallerChain is one concrete call path from a node towards the root.
	// Samples is the on-cpu count of the origin at every level.
	CallerChain struct {
		ID       int          `json:"id"`
		MethodID uint32       `json:"method_id"`
		Line     uint32       `json:"line"`
		Samples  uint64       `json:"samples"`
		Caller   *CallerChain `json:"caller,omitempty"`
	}

	// CalleesTreeView walks the tree from the hot methods towards the root.
	CalleesTreeView struct {
		tree Tree
		hot  []HotMethod
	}
)

func NewCalleesTreeView(t Tree) *CalleesTreeView {
	v := &CalleesTreeView{tree: t}
	for i := 0; i < t.Len(); i++ {
		n, err := t.Get(i)
		if err != nil || n.OnCPU == 0 {
			continue
		}
		v.hot = append(v.hot, HotMethod{
			ID:       i,
			MethodID: n.MethodID,
			Line:     n.Line,
			Samples:  n.OnCPU,
		})
	}
	return v
}

// HotMethods returns the hot methods in storage order.
func (v *CalleesTreeView) HotMethods() []HotMethod {
	return v.hot
}

// GetCallers returns, for each origin, the chain of its callers up to depth
// levels, shorter if the root is reached first.
func (v *CalleesTreeView) GetCallers(origins []int, depth int) ([]CallerChain, error) {
	chains := make([]CallerChain, 0, len(origins))
	for _, origin := range origins {
		n, err := v.tree.Get(origin)
		if err != nil {
			return nil, err
		}
		chain := CallerChain{
			ID:       origin,
			MethodID: n.MethodID,
			Line:     n.Line,
			Samples:  n.OnCPU,
		}
		level := &chain
		for i := 0; i < depth; i++ {
			parent, err := v.tree.Parent(level.ID)
			if err != nil {
				return nil, err
			}
			if parent == calltree.NoParent {
				break
			}
			pn, err := v.tree.Get(parent)
			if err != nil {
				return nil, err
			}
			level.Caller = &CallerChain{
				ID:       parent,
				MethodID: pn.MethodID,
				Line:     pn.Line,
				Samples:  chain.Samples,
			}
			level = level.Caller
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

// MethodIDs returns the method ids referenced by the chains.
func MethodIDs(chains []CallerChain) []uint32 {
	var ids []uint32
	for i := range chains {
		for c := &chains[i]; c != nil; c = c.Caller {
			ids = append(ids, c.MethodID)
		}
	}
	return ids
}

// SubTreeMethodIDs returns the method ids referenced by the subtrees.
func SubTreeMethodIDs(subtrees []SubTree) []uint32 {
	var ids []uint32
	var walk func(st []SubTree)
	walk = func(st []SubTree) {
		for _, s := range st {
			ids = append(ids, s.Data.MethodID)
			walk(s.Children)
		}
	}
	walk(subtrees)
	return ids
}

// HotMethodIDs returns the method ids of the hot methods.
func HotMethodIDs(hot []HotMethod) []uint32 {
	ids := make([]uint32, 0, len(hot))
	for _, h := range hot {
		ids = append(ids, h.MethodID)
	}
	return ids
}
