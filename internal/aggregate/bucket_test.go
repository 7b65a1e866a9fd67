package aggregate

import (
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/nodetree"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/testutil"
)

type recordingHook struct {
	mu       sync.Mutex
	failures []error
	errored  []sample.ErrorCode
}

func (h *recordingHook) AggregationFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
}

func (h *recordingHook) SampleErrored(code sample.ErrorCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errored = append(h.errored, code)
}

var (
	testTraces = map[uint32]string{
		1: "thread-run",
		2: "request",
	}
	testMethods = map[uint32]string{
		10: "A.a()V",
		20: "B.b()V",
		30: "C.c()V",
	}
)

func resolveTrace(ref uint32) (string, bool) {
	name, ok := testTraces[ref]
	return name, ok
}

func resolveMethod(ref uint32) (string, bool) {
	signature, ok := testMethods[ref]
	return signature, ok
}

// frames builds a frame list from (method ref, line) pairs, innermost first.
func frames(pairs ...uint32) []frame.Frame {
	f := make([]frame.Frame, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		f = append(f, frame.Frame{MethodRef: pairs[i], Line: pairs[i+1]})
	}
	return f
}

func TestAggregateMergesCommonPrefix(t *testing.T) {
	b := NewBucket(nil)
	// A:10 is the outermost frame of both samples
	err := b.Aggregate([]sample.Sample{
		{TraceRef: 1, Frames: frames(20, 20, 10, 10)},
		{TraceRef: 1, Frames: frames(30, 30, 10, 10)},
	}, resolveTrace, resolveMethod)
	if err != nil {
		t.Fatalf("we should be able to aggregate: %v", err)
	}

	td, ok := b.Trace("thread-run")
	if !ok {
		t.Fatal("expected a trace detail for thread-run")
	}
	a := b.Methods().GetOrAdd("A.a()V")
	bm := b.Methods().GetOrAdd("B.b()V")
	c := b.Methods().GetOrAdd("C.c()V")
	want := nodetree.Snapshot{
		MethodID: RootMethodID,
		OnStack:  2,
		Children: []nodetree.Snapshot{
			{
				MethodID: a,
				Line:     10,
				OnStack:  2,
				Children: []nodetree.Snapshot{
					{MethodID: bm, Line: 20, OnStack: 1, OnCPU: 1},
					{MethodID: c, Line: 30, OnStack: 1, OnCPU: 1},
				},
			},
		},
	}
	if diff := testutil.Diff(td.Classified.Snapshot(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if td.Samples() != 2 {
		t.Fatalf("expected 2 samples, got %d", td.Samples())
	}
	if td.Unclassifiable.OnStack() != 0 {
		t.Fatal("no sample should be unclassifiable")
	}
}

func TestAggregateErroredSample(t *testing.T) {
	hook := &recordingHook{}
	b := NewBucket(hook)
	err := b.Aggregate([]sample.Sample{
		{TraceRef: 1, Error: sample.Code(sample.ErrorGCActive), Frames: frames(10, 10)},
		{TraceRef: 1, Error: sample.Code(sample.ErrorGCActive)},
		{TraceRef: 99, Error: sample.Code(sample.ErrorDeopt)},
	}, resolveTrace, resolveMethod)
	if err != nil {
		t.Fatalf("errored samples should not fail the batch: %v", err)
	}

	if got := b.ErrorCount(sample.ErrorGCActive); got != 2 {
		t.Fatalf("expected 2 gc_active samples, got %d", got)
	}
	if got := b.ErrorCount(sample.ErrorDeopt); got != 1 {
		t.Fatalf("expected 1 deopt sample, got %d", got)
	}
	if got := b.ErroredSamples(); got != 3 {
		t.Fatalf("expected 3 errored samples, got %d", got)
	}
	if _, ok := b.Trace("thread-run"); ok {
		t.Fatal("errored samples should not create any tree")
	}
	if diff := testutil.Diff(hook.errored, []sample.ErrorCode{sample.ErrorGCActive, sample.ErrorGCActive, sample.ErrorDeopt}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestAggregateFailsWholeBatch(t *testing.T) {
	tests := []struct {
		name    string
		samples []sample.Sample
	}{
		{
			name: "unknown trace",
			samples: []sample.Sample{
				{TraceRef: 1, Frames: frames(10, 10)},
				{TraceRef: 42, Frames: frames(10, 10)},
			},
		},
		{
			name: "unknown method",
			samples: []sample.Sample{
				{TraceRef: 1, Frames: frames(10, 10)},
				{TraceRef: 1, Frames: frames(20, 20, 77, 1)},
			},
		},
		{
			name: "unknown error code",
			samples: []sample.Sample{
				{TraceRef: 1, Frames: frames(10, 10)},
				{TraceRef: 1, Error: sample.Code(sample.NumErrorCodes)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := &recordingHook{}
			b := NewBucket(hook)
			err := b.Aggregate(tt.samples, resolveTrace, resolveMethod)
			if !errors.Is(err, errorutil.ErrProtocol) {
				t.Fatalf("expected a protocol error, got %v", err)
			}
			if len(hook.failures) != 1 {
				t.Fatalf("expected the failure to be recorded once, got %d", len(hook.failures))
			}
			if _, ok := b.Trace("thread-run"); ok {
				t.Fatal("a failed batch should not merge any sample")
			}
			if b.Methods().Size() != 2 {
				t.Fatalf("a failed batch should not intern methods, got %d", b.Methods().Size())
			}
		})
	}
}

func TestAggregateSnippedSamples(t *testing.T) {
	b := NewBucket(nil)
	err := b.Aggregate([]sample.Sample{
		{TraceRef: 2, Snipped: true, Frames: frames(20, 20)},
		{TraceRef: 2, Snipped: true},
		{TraceRef: 2, Frames: frames(10, 10)},
	}, resolveTrace, resolveMethod)
	if err != nil {
		t.Fatalf("we should be able to aggregate: %v", err)
	}

	td, _ := b.Trace("request")
	if got := td.Unclassifiable.OnStack(); got != 2 {
		t.Fatalf("expected 2 unclassifiable samples, got %d", got)
	}
	if got := td.Classified.OnStack(); got != 1 {
		t.Fatalf("expected 1 classified sample, got %d", got)
	}
	if td.Samples() != 3 {
		t.Fatalf("expected 3 samples, got %d", td.Samples())
	}
}

func TestAggregateConcurrentWorkers(t *testing.T) {
	const (
		workers = 8
		batches = 50
	)
	b := NewBucket(nil)
	batch := []sample.Sample{
		{TraceRef: 1, Frames: frames(20, 20, 10, 10)},
		{TraceRef: 1, Frames: frames(30, 30, 10, 10)},
		{TraceRef: 1, Frames: frames(10, 11)},
		{TraceRef: 1, Snipped: true, Frames: frames(30, 1)},
		{TraceRef: 1, Error: sample.Code(sample.ErrorSafepoint)},
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers*batches)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < batches; i++ {
				errs <- b.Aggregate(batch, resolveTrace, resolveMethod)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("we should be able to aggregate: %v", err)
		}
	}

	runs := uint64(workers * batches)
	td, _ := b.Trace("thread-run")
	classified := td.Classified.Snapshot()
	if len(classified.Children) != 2 {
		t.Fatalf("expected 2 children (A@10, A@11) without duplicates, got %d", len(classified.Children))
	}
	var sum uint64
	for _, c := range classified.Children {
		sum += c.OnStack
	}
	// every classified sample with frames goes through exactly one child
	if sum != 3*runs || classified.OnStack != 3*runs {
		t.Fatalf("expected %d classified samples, root has %d and children %d", 3*runs, classified.OnStack, sum)
	}
	if got := td.Unclassifiable.OnStack(); got != runs {
		t.Fatalf("expected %d unclassifiable samples, got %d", runs, got)
	}
	if got := b.ErrorCount(sample.ErrorSafepoint); got != runs {
		t.Fatalf("expected %d safepoint samples, got %d", runs, got)
	}
	if b.Methods().Size() != 5 {
		t.Fatalf("expected 5 interned methods, got %d", b.Methods().Size())
	}
}

func TestFinalize(t *testing.T) {
	b := NewBucket(nil)
	err := b.Aggregate([]sample.Sample{
		{TraceRef: 1, Frames: frames(20, 20, 10, 10)},
		{TraceRef: 1, Snipped: true, Frames: frames(30, 30)},
		{TraceRef: 2, Error: sample.Code(sample.ErrorThreadExit)},
	}, resolveTrace, resolveMethod)
	if err != nil {
		t.Fatalf("we should be able to aggregate: %v", err)
	}

	fb, err := b.Finalize()
	if err != nil {
		t.Fatalf("we should be able to finalize: %v", err)
	}

	if diff := testutil.Diff(fb.Methods, []string{"", RootSignature, UnclassifiableSignature, "A.a()V", "B.b()V", "C.c()V"}); diff != "" {
		t.Fatalf("methods mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(fb.TraceNames(), []string{"thread-run"}); diff != "" {
		t.Fatalf("traces mismatch: got - want +\n%s", diff)
	}
	if fb.ErrorHistogram[sample.ErrorThreadExit] != 1 || fb.ErroredSamples != 1 {
		t.Fatalf("unexpected error histogram %v", fb.ErrorHistogram)
	}
	if fb.TotalSamples() != 2 {
		t.Fatalf("expected 2 samples, got %d", fb.TotalSamples())
	}

	want := []calltree.Node{
		{MethodID: RootMethodID, ChildCount: 2, OnStack: 2},
		{MethodID: 3, Line: 10, ChildCount: 1, OnStack: 1},
		{MethodID: 4, Line: 20, OnStack: 1, OnCPU: 1},
		{MethodID: UnclassifiableMethodID, ChildCount: 1, OnStack: 1},
		{MethodID: 5, Line: 30, OnStack: 1, OnCPU: 1},
	}
	if diff := testutil.Diff(fb.Traces["thread-run"].Nodes(), want); diff != "" {
		t.Fatalf("nodes mismatch: got - want +\n%s", diff)
	}

	if _, err := b.Finalize(); !errors.Is(err, errorutil.ErrBucketFinalized) {
		t.Fatalf("a second finalize should be rejected, got %v", err)
	}
	err = b.Aggregate([]sample.Sample{{TraceRef: 1, Frames: frames(10, 10)}}, resolveTrace, resolveMethod)
	if !errors.Is(err, errorutil.ErrBucketFinalized) {
		t.Fatalf("aggregating a finalized bucket should be rejected, got %v", err)
	}
	if fb.Traces["thread-run"].Classified.OnStack != 1 {
		t.Fatal("the finalized bucket should not change")
	}
}

func TestFinalizeWaitsForAggregation(t *testing.T) {
	b := NewBucket(nil)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				err := b.Aggregate([]sample.Sample{{TraceRef: 1, Frames: frames(10, 10)}}, resolveTrace, resolveMethod)
				if err != nil && !errors.Is(err, errorutil.ErrBucketFinalized) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	fb, err := b.Finalize()
	wg.Wait()
	if err != nil {
		t.Fatalf("we should be able to finalize: %v", err)
	}

	td, ok := b.Trace("thread-run")
	if !ok {
		if fb.TotalSamples() != 0 {
			t.Fatal("samples in the snapshot without a trace detail")
		}
		return
	}
	// nothing was merged after the snapshot was taken
	if td.Samples() != fb.TotalSamples() {
		t.Fatalf("bucket has %d samples, snapshot has %d", td.Samples(), fb.TotalSamples())
	}
}
