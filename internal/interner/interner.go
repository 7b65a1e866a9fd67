// Package interner maps method signatures to small dense ids.
package interner

import "sync"

// NoMethod is never assigned to a signature.
const NoMethod uint32 = 0

type (
	// MethodInterner assigns ids in first-seen order, starting at 1. It is
	// safe for concurrent use.
	MethodInterner struct {
		mu         sync.RWMutex
		ids        map[string]uint32
		signatures []string
	}

	Entry struct {
		ID        uint32
		Signature string
	}
)

func New() *MethodInterner {
	return &MethodInterner{
		ids: make(map[string]uint32),
		// slot 0 keeps NoMethod unassigned
		signatures: []string{""},
	}
}

// GetOrAdd returns the id of signature, assigning the next one if the
// signature was never seen before.
func (m *MethodInterner) GetOrAdd(signature string) uint32 {
	m.mu.RLock()
	id, ok := m.ids[signature]
	m.mu.RUnlock()
	if ok {
		return id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[signature]; ok {
		return id
	}
	id = uint32(len(m.signatures))
	m.ids[signature] = id
	m.signatures = append(m.signatures, signature)
	return id
}

// Lookup returns the signature for id.
func (m *MethodInterner) Lookup(id uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == NoMethod || int(id) >= len(m.signatures) {
		return "", false
	}
	return m.signatures[id], true
}

// Size returns the number of interned signatures.
func (m *MethodInterner) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.signatures) - 1
}

// Entries returns every interned signature ordered by id. The result is only
// a stable snapshot once no more signatures are being added.
func (m *MethodInterner) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.signatures)-1)
	for id := 1; id < len(m.signatures); id++ {
		entries = append(entries, Entry{ID: uint32(id), Signature: m.signatures[id]})
	}
	return entries
}

// Signatures returns a copy of the id to signature table, index 0 is empty.
func (m *MethodInterner) Signatures() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := make([]string, len(m.signatures))
	copy(s, m.signatures)
	return s
}
