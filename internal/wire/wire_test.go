package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/getsentry/sampletree/internal/aggregate"
	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/testutil"
	"github.com/getsentry/sampletree/internal/timeutil"
)

func testBucket(t *testing.T) *aggregate.FinalizedBucket {
	t.Helper()
	traces := map[uint32]string{1: "thread-run", 2: "request"}
	methods := map[uint32]string{10: "A.a()V", 20: "B.b()V", 30: "C.c()V"}
	b := aggregate.NewBucket(nil)
	err := b.Aggregate([]sample.Sample{
		{TraceRef: 1, Frames: []frame.Frame{{MethodRef: 20, Line: 20}, {MethodRef: 10, Line: 10}}},
		{TraceRef: 1, Frames: []frame.Frame{{MethodRef: 30, Line: 30}, {MethodRef: 10, Line: 10}}},
		{TraceRef: 1, Snipped: true, Frames: []frame.Frame{{MethodRef: 30, Line: 31}}},
		{TraceRef: 2, Frames: []frame.Frame{{MethodRef: 10, Line: 10}}},
		{Error: sample.Code(sample.ErrorGCActive)},
	}, func(ref uint32) (string, bool) {
		name, ok := traces[ref]
		return name, ok
	}, func(ref uint32) (string, bool) {
		s, ok := methods[ref]
		return s, ok
	})
	if err != nil {
		t.Fatalf("we should be able to aggregate: %v", err)
	}
	fb, err := b.Finalize()
	if err != nil {
		t.Fatalf("we should be able to finalize: %v", err)
	}
	return fb
}

func TestEnvelope(t *testing.T) {
	var buf bytes.Buffer
	for _, payload := range [][]byte{[]byte("hello"), {}, []byte("world")} {
		if err := WriteEnvelope(&buf, payload); err != nil {
			t.Fatalf("error while writing: %+v", err)
		}
	}
	for _, want := range []string{"hello", "", "world"} {
		got, err := ReadEnvelope(&buf)
		if err != nil {
			t.Fatalf("error while reading: %+v", err)
		}
		if string(got) != want {
			t.Fatalf("wanted: %q, got: %q", want, got)
		}
	}
	if _, err := ReadEnvelope(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestEnvelopeDetectsCorruption(t *testing.T) {
	b, err := AppendEnvelope(nil, []byte("some payload to protect"))
	if err != nil {
		t.Fatalf("error while writing: %+v", err)
	}
	// flipping any single byte must never go unnoticed
	for i := 0; i < len(b); i++ {
		corrupted := append([]byte(nil), b...)
		corrupted[i] ^= 0x01
		if _, err := ReadEnvelope(bytes.NewReader(corrupted)); !errors.Is(err, errorutil.ErrDataIntegrity) {
			t.Fatalf("byte %d: expected a data integrity error, got %v", i, err)
		}
	}
}

func TestEnvelopeTruncated(t *testing.T) {
	b, err := AppendEnvelope(nil, []byte("payload"))
	if err != nil {
		t.Fatalf("error while writing: %+v", err)
	}
	for _, size := range []int{1, lengthSize, lengthSize + 3, len(b) - 1} {
		_, err := ReadEnvelope(bytes.NewReader(b[:size]))
		if !errors.Is(err, errorutil.ErrDataIntegrity) {
			t.Fatalf("%d bytes: expected a data integrity error, got %v", size, err)
		}
	}
}

func TestNodeList(t *testing.T) {
	nodes := []calltree.Node{
		{MethodID: 1, ChildCount: 2, OnStack: 3},
		{MethodID: 4, Line: 1 << 20, OnStack: 1 << 40, OnCPU: 1},
		{MethodID: 5, Line: 7, OnStack: 2, OnCPU: 2},
	}
	got, err := ParseNodeList(nil, AppendNodeList(nil, nodes))
	if err != nil {
		t.Fatalf("error while parsing: %+v", err)
	}
	if diff := testutil.Diff(got, nodes); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	b := AppendNodeList(nil, nodes)
	if _, err := ParseNodeList(nil, append(b, 0)); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected an error for trailing bytes, got %v", err)
	}
	if _, err := ParseNodeList(nil, b[:len(b)-1]); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected an error for a short node-list, got %v", err)
	}
}

func TestTreeChunking(t *testing.T) {
	nodes := aggregateNodes(t)
	tests := []struct {
		name          string
		nodesPerChunk int
		envelopes     int
	}{
		{name: "single chunk", nodesPerChunk: 0, envelopes: 1},
		{name: "one node per chunk", nodesPerChunk: 1, envelopes: len(nodes)},
		{name: "uneven chunks", nodesPerChunk: 2, envelopes: (len(nodes) + 1) / 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteTree(&buf, nodes, tt.nodesPerChunk); err != nil {
				t.Fatalf("error while writing: %+v", err)
			}
			raw := bytes.NewReader(buf.Bytes())
			var envelopes int
			for {
				if _, err := ReadEnvelope(raw); err != nil {
					break
				}
				envelopes++
			}
			if envelopes != tt.envelopes {
				t.Fatalf("wanted %d envelopes, got %d", tt.envelopes, envelopes)
			}

			tree, err := ReadTree(&buf, 0)
			if err != nil {
				t.Fatalf("error while reading: %+v", err)
			}
			var got []calltree.Node
			tree.ForEach(func(_ int, n calltree.Node) {
				got = append(got, n)
			})
			if diff := testutil.Diff(got, nodes); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestTreeReaderRejectsOverrun(t *testing.T) {
	tr := NewTreeReader(0)
	_, err := tr.Add([]calltree.Node{{MethodID: 1}, {MethodID: 2}})
	if !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected a data integrity error, got %v", err)
	}
	if _, err := NewTreeReader(0).Add(nil); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected a data integrity error for an empty chunk, got %v", err)
	}
}

func TestReadTreeTruncated(t *testing.T) {
	nodes := aggregateNodes(t)
	var buf bytes.Buffer
	if err := WriteTree(&buf, nodes[:len(nodes)-1], 1); err != nil {
		t.Fatalf("error while writing: %+v", err)
	}
	if _, err := ReadTree(&buf, 0); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected a data integrity error, got %v", err)
	}
}

func aggregateNodes(t *testing.T) []calltree.Node {
	fb := testBucket(t)
	return fb.Traces["thread-run"].Nodes()
}

func TestTraceData(t *testing.T) {
	fb := testBucket(t)
	var buf bytes.Buffer
	if err := WriteTraceData(&buf, fb, 2); err != nil {
		t.Fatalf("error while writing: %+v", err)
	}
	td, err := ReadTraceData(&buf)
	if err != nil {
		t.Fatalf("error while reading: %+v", err)
	}
	if diff := testutil.Diff(td.Methods, fb.Methods); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	wantTraces := []TraceInfo{
		{Name: "request", Samples: 1, Nodes: 2},
		{Name: "thread-run", Samples: 3, Nodes: 6},
	}
	if diff := testutil.Diff(td.Traces, wantTraces); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	tree, err := td.Tree("thread-run")
	if err != nil {
		t.Fatalf("expected the thread-run tree: %v", err)
	}
	root, _ := tree.Get(0)
	if root.MethodID != aggregate.RootMethodID || root.OnStack != 3 || root.ChildCount != 2 {
		t.Fatalf("unexpected root %+v", root)
	}
	if _, err := td.Tree("missing"); !errors.Is(err, errorutil.ErrNotFound) {
		t.Fatalf("expected a not found error, got %v", err)
	}
	if s, ok := td.Signature(aggregate.UnclassifiableMethodID); !ok || s != aggregate.UnclassifiableSignature {
		t.Fatalf("unexpected signature %q", s)
	}
	if _, ok := td.Signature(0); ok {
		t.Fatal("method id 0 should not resolve")
	}
}

func TestTraceDataRejectsTrailingData(t *testing.T) {
	fb := testBucket(t)
	var buf bytes.Buffer
	if err := WriteTraceData(&buf, fb, 0); err != nil {
		t.Fatalf("error while writing: %+v", err)
	}
	if err := WriteEnvelope(&buf, []byte("extra")); err != nil {
		t.Fatalf("error while writing: %+v", err)
	}
	if _, err := ReadTraceData(&buf); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected a data integrity error, got %v", err)
	}
}

func TestTraceDataBoundsDeclaredNodes(t *testing.T) {
	nodes := aggregateNodes(t)
	for _, declared := range []int{-1, 1 << 40} {
		header, err := json.Marshal(traceDataHeader{
			Version: TraceDataVersion,
			Methods: []string{"", aggregate.RootSignature},
			Traces:  []TraceInfo{{Name: "thread-run", Samples: 3, Nodes: declared}},
		})
		if err != nil {
			t.Fatalf("error while encoding the header: %+v", err)
		}
		var buf bytes.Buffer
		if err := WriteEnvelope(&buf, header); err != nil {
			t.Fatalf("error while writing: %+v", err)
		}
		if err := WriteTree(&buf, nodes, 0); err != nil {
			t.Fatalf("error while writing: %+v", err)
		}
		if _, err := ReadTraceData(&buf); !errors.Is(err, errorutil.ErrDataIntegrity) {
			t.Fatalf("%d nodes declared: expected a data integrity error, got %v", declared, err)
		}
	}
	if got := cap(NewTreeReader(1 << 40).nodes); got != maxSizeHint {
		t.Fatalf("wanted a capacity of %d, got %d", maxSizeHint, got)
	}
}

func TestSummary(t *testing.T) {
	fb := testBucket(t)
	s := NewSummary(fb)
	s.App, s.Cluster, s.Process = "app", "cluster", "process"
	s.Window = timeutil.Window{Start: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC), Duration: time.Minute}

	var buf bytes.Buffer
	if err := WriteSummary(&buf, s); err != nil {
		t.Fatalf("error while writing: %+v", err)
	}
	got, err := ReadSummary(&buf)
	if err != nil {
		t.Fatalf("error while reading: %+v", err)
	}
	want := Summary{
		App:     "app",
		Cluster: "cluster",
		Process: "process",
		Window:  s.Window,
		Traces: []TraceSummary{
			{Name: "request", Samples: 1},
			{Name: "thread-run", Samples: 3},
		},
		ErrorHistogram: map[string]uint64{"gc_active": 1},
		ErroredSamples: 1,
		// reserved signatures plus A, B and C
		Methods: 5,
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}
