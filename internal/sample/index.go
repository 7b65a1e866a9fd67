package sample

import "sync"

// Index resolves the trace and method references used by samples of one
// aggregation window. It is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	traces  map[uint32]string
	methods map[uint32]string
}

func NewIndex() *Index {
	return &Index{
		traces:  make(map[uint32]string),
		methods: make(map[uint32]string),
	}
}

// Update records the index entries carried by a batch. Entries are never
// removed during a window, a ref sent again overrides the previous name.
func (idx *Index) Update(b Batch) {
	if len(b.Traces) == 0 && len(b.Methods) == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for ref, name := range b.Traces {
		idx.traces[ref] = name
	}
	for ref, signature := range b.Methods {
		idx.methods[ref] = signature
	}
}

func (idx *Index) ResolveTrace(ref uint32) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	name, ok := idx.traces[ref]
	return name, ok
}

func (idx *Index) ResolveMethod(ref uint32) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	signature, ok := idx.methods[ref]
	return signature, ok
}
