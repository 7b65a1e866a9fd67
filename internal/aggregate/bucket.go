package aggregate

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/interner"
	"github.com/getsentry/sampletree/internal/nodetree"
	"github.com/getsentry/sampletree/internal/sample"
)

const (
	RootSignature           = "~ ROOT ~.()"
	UnclassifiableSignature = "~ UNCLASSIFIABLE ~.()"

	// Every bucket interns the reserved signatures first.
	RootMethodID           uint32 = 1
	UnclassifiableMethodID uint32 = 2
)

// RootKind selects which root of a trace a sample is merged under.
type RootKind uint8

const (
	RootClassified RootKind = iota
	// RootUnclassifiable holds samples whose frames were snipped by the
	// sampler before reaching the real root.
	RootUnclassifiable
)

type (
	// TraceResolver maps a trace ref of the ingestion stream to the name of
	// its trace context.
	TraceResolver func(ref uint32) (string, bool)

	// MethodResolver maps a method ref of the ingestion stream to its
	// signature.
	MethodResolver func(ref uint32) (string, bool)

	// MetricsHook observes aggregation outcomes. It never influences control
	// flow.
	MetricsHook interface {
		AggregationFailed(err error)
		SampleErrored(code sample.ErrorCode)
	}

	// TraceDetail accumulates the samples of one trace context.
	TraceDetail struct {
		Name           string
		Classified     *nodetree.Node
		Unclassifiable *nodetree.Node

		samples atomic.Uint64
	}

	// Bucket aggregates the samples of one process during one window.
	Bucket struct {
		methods *interner.MethodInterner

		// mu is held for reading by every Aggregate call and for writing
		// by Finalize.
		mu        sync.RWMutex
		finalized bool

		tracesMu sync.RWMutex
		traces   map[string]*TraceDetail

		errorHistogram [sample.NumErrorCodes]atomic.Uint64
		erroredSamples atomic.Uint64

		hook MetricsHook
	}

	resolvedSample struct {
		sample *sample.Sample
		trace  string
		// signatures[offset:offset+len(sample.Frames)] are aligned with
		// sample.Frames
		offset int
	}
)

func newTraceDetail(name string) *TraceDetail {
	return &TraceDetail{
		Name:           name,
		Classified:     nodetree.NewNode(RootMethodID, 0),
		Unclassifiable: nodetree.NewNode(UnclassifiableMethodID, 0),
	}
}

func (td *TraceDetail) Root(kind RootKind) *nodetree.Node {
	if kind == RootUnclassifiable {
		return td.Unclassifiable
	}
	return td.Classified
}

func (td *TraceDetail) Samples() uint64 {
	return td.samples.Load()
}

// NewBucket returns an empty bucket. hook may be nil.
func NewBucket(hook MetricsHook) *Bucket {
	methods := interner.New()
	methods.GetOrAdd(RootSignature)
	methods.GetOrAdd(UnclassifiableSignature)
	return &Bucket{
		methods: methods,
		traces:  make(map[string]*TraceDetail),
		hook:    hook,
	}
}

// Aggregate merges a batch of samples into the bucket.
//
// Every reference of the batch is resolved before anything is merged: an
// unresolved trace or method, or an unknown error code, fails the whole batch
// with errorutil.ErrProtocol and leaves the bucket untouched.
func (b *Bucket) Aggregate(samples []sample.Sample, traces TraceResolver, methods MethodResolver) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.finalized {
		return fmt.Errorf("aggregate: %w", errorutil.ErrBucketFinalized)
	}

	resolved, signatures, err := resolve(samples, traces, methods)
	if err != nil {
		if b.hook != nil {
			b.hook.AggregationFailed(err)
		}
		return err
	}

	for _, rs := range resolved {
		s := rs.sample
		if s.Errored() {
			b.errorHistogram[*s.Error].Add(1)
			b.erroredSamples.Add(1)
			if b.hook != nil {
				b.hook.SampleErrored(*s.Error)
			}
			continue
		}
		kind := RootClassified
		if s.Snipped {
			kind = RootUnclassifiable
		}
		td := b.traceDetail(rs.trace)
		b.merge(td.Root(kind), s.Frames, signatures[rs.offset:rs.offset+len(s.Frames)])
		td.samples.Add(1)
	}
	return nil
}

func resolve(samples []sample.Sample, traces TraceResolver, methods MethodResolver) ([]resolvedSample, []string, error) {
	resolved := make([]resolvedSample, 0, len(samples))
	var signatures []string
	for i := range samples {
		s := &samples[i]
		if s.Errored() {
			if !s.Error.Valid() {
				return nil, nil, fmt.Errorf("aggregate: %w: sample %d has unknown error code %d", errorutil.ErrProtocol, i, uint8(*s.Error))
			}
			resolved = append(resolved, resolvedSample{sample: s})
			continue
		}
		name, ok := traces(s.TraceRef)
		if !ok {
			return nil, nil, fmt.Errorf("aggregate: %w: sample %d references unknown trace %d", errorutil.ErrProtocol, i, s.TraceRef)
		}
		rs := resolvedSample{sample: s, trace: name, offset: len(signatures)}
		for _, f := range s.Frames {
			signature, ok := methods(f.MethodRef)
			if !ok {
				return nil, nil, fmt.Errorf("aggregate: %w: sample %d references unknown method %d", errorutil.ErrProtocol, i, f.MethodRef)
			}
			signatures = append(signatures, signature)
		}
		resolved = append(resolved, rs)
	}
	return resolved, signatures, nil
}

// merge walks the frames from the outermost caller down to the innermost
// frame, which is the one that was on cpu.
func (b *Bucket) merge(root *nodetree.Node, frames []frame.Frame, signatures []string) {
	root.IncrOnStack()
	n := root
	for i := len(frames) - 1; i >= 0; i-- {
		n = n.GetOrAddChild(b.methods.GetOrAdd(signatures[i]), frames[i].Line)
		n.IncrOnStack()
		if i == 0 {
			n.IncrOnCPU()
		}
	}
}

func (b *Bucket) traceDetail(name string) *TraceDetail {
	b.tracesMu.RLock()
	td, ok := b.traces[name]
	b.tracesMu.RUnlock()
	if ok {
		return td
	}

	b.tracesMu.Lock()
	defer b.tracesMu.Unlock()
	if td, ok := b.traces[name]; ok {
		return td
	}
	td = newTraceDetail(name)
	b.traces[name] = td
	return td
}

// Trace returns the trace detail for name, if any sample was merged for it.
func (b *Bucket) Trace(name string) (*TraceDetail, bool) {
	b.tracesMu.RLock()
	defer b.tracesMu.RUnlock()
	td, ok := b.traces[name]
	return td, ok
}

func (b *Bucket) Methods() *interner.MethodInterner {
	return b.methods
}

func (b *Bucket) ErroredSamples() uint64 {
	return b.erroredSamples.Load()
}

func (b *Bucket) ErrorCount(code sample.ErrorCode) uint64 {
	if !code.Valid() {
		return 0
	}
	return b.errorHistogram[code].Load()
}

// Finalize waits for in-flight Aggregate calls and returns an immutable copy
// of the bucket. It can only be called once, later calls and every later
// Aggregate fail with errorutil.ErrBucketFinalized.
func (b *Bucket) Finalize() (*FinalizedBucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, fmt.Errorf("aggregate: %w: finalize called twice", errorutil.ErrBucketFinalized)
	}
	b.finalized = true

	fb := &FinalizedBucket{
		Methods:        b.methods.Signatures(),
		Traces:         make(map[string]FinalizedTrace, len(b.traces)),
		ErroredSamples: b.erroredSamples.Load(),
	}
	for i := range b.errorHistogram {
		fb.ErrorHistogram[i] = b.errorHistogram[i].Load()
	}
	b.tracesMu.RLock()
	defer b.tracesMu.RUnlock()
	for name, td := range b.traces {
		fb.Traces[name] = FinalizedTrace{
			Name:           name,
			Samples:        td.Samples(),
			Classified:     td.Classified.Snapshot(),
			Unclassifiable: td.Unclassifiable.Snapshot(),
		}
	}
	return fb, nil
}

// Finalized reports whether Finalize was already called.
func (b *Bucket) Finalized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.finalized
}
