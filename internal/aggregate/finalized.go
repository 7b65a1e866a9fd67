package aggregate

import (
	"sort"

	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/nodetree"
	"github.com/getsentry/sampletree/internal/sample"
)

type (
	// FinalizedBucket is the immutable result of an aggregation window.
	FinalizedBucket struct {
		// Methods maps method ids to signatures, index 0 is unused.
		Methods        []string
		Traces         map[string]FinalizedTrace
		ErrorHistogram [sample.NumErrorCodes]uint64
		ErroredSamples uint64
	}

	FinalizedTrace struct {
		Name           string
		Samples        uint64
		Classified     nodetree.Snapshot
		Unclassifiable nodetree.Snapshot
	}
)

// TraceNames returns the names of the traces, sorted.
func (fb *FinalizedBucket) TraceNames() []string {
	names := make([]string, 0, len(fb.Traces))
	for name := range fb.Traces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TotalSamples returns the number of samples merged into any trace.
func (fb *FinalizedBucket) TotalSamples() uint64 {
	var total uint64
	for _, ft := range fb.Traces {
		total += ft.Samples
	}
	return total
}

// Tree returns the tree persisted for the trace: the classified root, also
// counting the unclassifiable samples, with the unclassifiable root as its
// last child when it holds samples.
func (ft FinalizedTrace) Tree() nodetree.Snapshot {
	root := ft.Classified
	if ft.Unclassifiable.OnStack == 0 {
		return root
	}
	root.OnStack += ft.Unclassifiable.OnStack
	children := make([]nodetree.Snapshot, 0, len(root.Children)+1)
	children = append(children, root.Children...)
	root.Children = append(children, ft.Unclassifiable)
	return root
}

// Nodes flattens Tree in pre-order.
func (ft FinalizedTrace) Nodes() []calltree.Node {
	root := ft.Tree()
	nodes := make([]calltree.Node, 0, root.Size())
	root.Walk(func(s *nodetree.Snapshot) {
		nodes = append(nodes, calltree.Node{
			MethodID:   s.MethodID,
			Line:       s.Line,
			ChildCount: uint32(len(s.Children)),
			OnStack:    s.OnStack,
			OnCPU:      s.OnCPU,
		})
	})
	return nodes
}
