package treeview

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/testutil"
)

// root
// ├── A:10
// │   ├── B:20 (cpu 1)
// │   └── C:30 (cpu 2)
// ├── D:40
// │   └── E:50 (cpu 2)
// └── F:60 (cpu 1)
var testNodes = []calltree.Node{
	{MethodID: 1, ChildCount: 3, OnStack: 6},
	{MethodID: 3, Line: 10, ChildCount: 2, OnStack: 3},
	{MethodID: 4, Line: 20, OnStack: 1, OnCPU: 1},
	{MethodID: 5, Line: 30, OnStack: 2, OnCPU: 2},
	{MethodID: 6, Line: 40, ChildCount: 1, OnStack: 2},
	{MethodID: 7, Line: 50, OnStack: 2, OnCPU: 2},
	{MethodID: 8, Line: 60, OnStack: 1, OnCPU: 1},
}

func testTree(t *testing.T) *calltree.Tree {
	t.Helper()
	tree, err := calltree.New(testNodes)
	if err != nil {
		t.Fatalf("we should be able to build the tree: %v", err)
	}
	return tree
}

func leaf(id int) SubTree {
	return SubTree{ID: id, Data: testNodes[id]}
}

func TestGetRootNode(t *testing.T) {
	v := NewCallTreeView(testTree(t))
	root, err := v.GetRootNode()
	if err != nil {
		t.Fatalf("error while getting the root: %+v", err)
	}
	if diff := testutil.Diff(root, leaf(0)); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestGetSubTree(t *testing.T) {
	tests := []struct {
		name       string
		ids        []int
		depth      int
		autoExpand bool
		want       []SubTree
	}{
		{
			name:       "auto expand stops at a node with several children",
			ids:        []int{0},
			depth:      2,
			autoExpand: true,
			want: []SubTree{{
				ID:       0,
				Data:     testNodes[0],
				Children: []SubTree{leaf(1), leaf(4), leaf(6)},
			}},
		},
		{
			name:  "without auto expand",
			ids:   []int{0},
			depth: 2,
			want: []SubTree{{
				ID:   0,
				Data: testNodes[0],
				Children: []SubTree{
					{ID: 1, Data: testNodes[1], Children: []SubTree{leaf(2), leaf(3)}},
					{ID: 4, Data: testNodes[4], Children: []SubTree{leaf(5)}},
					leaf(6),
				},
			}},
		},
		{
			name:       "auto expand follows single children",
			ids:        []int{4},
			depth:      5,
			autoExpand: true,
			want: []SubTree{{
				ID:       4,
				Data:     testNodes[4],
				Children: []SubTree{leaf(5)},
			}},
		},
		{
			name:  "depth zero",
			ids:   []int{1, 6},
			depth: 0,
			want:  []SubTree{leaf(1), leaf(6)},
		},
	}
	v := NewCallTreeView(testTree(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.GetSubTree(tt.ids, tt.depth, tt.autoExpand)
			if err != nil {
				t.Fatalf("error while expanding: %+v", err)
			}
			if diff := testutil.Diff(got, tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}

	if _, err := v.GetSubTree([]int{0, 42}, 1, false); !errors.Is(err, errorutil.ErrNotFound) {
		t.Fatalf("expected a not found error, got %v", err)
	}
}

func TestHotMethods(t *testing.T) {
	v := NewCalleesTreeView(testTree(t))
	want := []HotMethod{
		{ID: 2, MethodID: 4, Line: 20, Samples: 1},
		{ID: 3, MethodID: 5, Line: 30, Samples: 2},
		{ID: 5, MethodID: 7, Line: 50, Samples: 2},
		{ID: 6, MethodID: 8, Line: 60, Samples: 1},
	}
	if diff := testutil.Diff(v.HotMethods(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(HotMethodIDs(want), []uint32{4, 5, 7, 8}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestGetCallers(t *testing.T) {
	v := NewCalleesTreeView(testTree(t))
	got, err := v.GetCallers([]int{3, 6}, 1)
	if err != nil {
		t.Fatalf("error while getting callers: %+v", err)
	}
	want := []CallerChain{
		{
			ID: 3, MethodID: 5, Line: 30, Samples: 2,
			Caller: &CallerChain{ID: 1, MethodID: 3, Line: 10, Samples: 2},
		},
		{
			ID: 6, MethodID: 8, Line: 60, Samples: 1,
			Caller: &CallerChain{ID: 0, MethodID: 1, Samples: 1},
		},
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	// the chain stops at the root
	got, err = v.GetCallers([]int{5}, 10)
	if err != nil {
		t.Fatalf("error while getting callers: %+v", err)
	}
	want = []CallerChain{{
		ID: 5, MethodID: 7, Line: 50, Samples: 2,
		Caller: &CallerChain{
			ID: 4, MethodID: 6, Line: 40, Samples: 2,
			Caller: &CallerChain{ID: 0, MethodID: 1, Samples: 2},
		},
	}}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(MethodIDs(got), []uint32{7, 6, 1}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	if _, err := v.GetCallers([]int{-1}, 1); !errors.Is(err, errorutil.ErrNotFound) {
		t.Fatalf("expected a not found error, got %v", err)
	}
}

func TestFilteredTree(t *testing.T) {
	ft := NewFilteredTree(testTree(t), Methods(5))
	for idx, want := range []bool{true, true, false, true, false, false, false} {
		if ft.Visible(idx) != want {
			t.Fatalf("node %d: wanted visible %v", idx, want)
		}
	}
	if ft.VisibleCount() != 3 {
		t.Fatalf("wanted 3 visible nodes, got %d", ft.VisibleCount())
	}
	if _, err := ft.Get(2); !errors.Is(err, errorutil.ErrNotFound) {
		t.Fatalf("expected a not found error, got %v", err)
	}
	if _, err := ft.Parent(4); !errors.Is(err, errorutil.ErrNotFound) {
		t.Fatalf("expected a not found error, got %v", err)
	}

	subtrees, err := NewCallTreeView(ft).GetSubTree([]int{0}, 3, false)
	if err != nil {
		t.Fatalf("error while expanding: %+v", err)
	}
	root, a := testNodes[0], testNodes[1]
	root.ChildCount, a.ChildCount = 1, 1
	want := []SubTree{{
		ID:   0,
		Data: root,
		Children: []SubTree{{
			ID:       1,
			Data:     a,
			Children: []SubTree{leaf(3)},
		}},
	}}
	if diff := testutil.Diff(subtrees, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestFilteredTreeKeepsPathsToTheRoot(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	tree := randomTree(t, r, 500)
	for _, min := range []uint64{1, 2, 5, 10} {
		ft := NewFilteredTree(tree, MinOnStack(min))
		for i := 0; i < ft.Len(); i++ {
			if !ft.Visible(i) {
				continue
			}
			p, err := ft.Parent(i)
			if err != nil {
				t.Fatalf("node %d: %v", i, err)
			}
			if p != calltree.NoParent && !ft.Visible(p) {
				t.Fatalf("node %d is visible but its parent %d is not", i, p)
			}
		}
	}
}

// randomTree attaches every node to a random earlier node still open on the
// pre-order path.
func randomTree(t *testing.T, r *rand.Rand, size int) *calltree.Tree {
	t.Helper()
	type open struct {
		idx int
	}
	nodes := []calltree.Node{{MethodID: 1, OnStack: uint64(r.Intn(20))}}
	path := []open{{idx: 0}}
	for len(nodes) < size {
		// pop a random amount of the path, keeping the root
		path = path[:1+r.Intn(len(path))]
		parent := path[len(path)-1].idx
		nodes[parent].ChildCount++
		nodes = append(nodes, calltree.Node{MethodID: uint32(len(nodes)), OnStack: uint64(r.Intn(20))})
		path = append(path, open{idx: len(nodes) - 1})
	}
	tree, err := calltree.New(nodes)
	if err != nil {
		t.Fatalf("we should be able to build the tree: %v", err)
	}
	return tree
}
