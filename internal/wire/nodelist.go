package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/errorutil"
)

// DefaultNodesPerChunk is the number of nodes written per node-list envelope.
const DefaultNodesPerChunk = 4096

// AppendNodeList encodes nodes as a node-list payload: the node count
// followed by method id, line, child count, on-stack and on-cpu samples of
// each node, all as unsigned varints.
func AppendNodeList(dst []byte, nodes []calltree.Node) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(nodes)))
	for _, n := range nodes {
		dst = binary.AppendUvarint(dst, uint64(n.MethodID))
		dst = binary.AppendUvarint(dst, uint64(n.Line))
		dst = binary.AppendUvarint(dst, uint64(n.ChildCount))
		dst = binary.AppendUvarint(dst, n.OnStack)
		dst = binary.AppendUvarint(dst, n.OnCPU)
	}
	return dst
}

// ParseNodeList decodes a node-list payload and appends the nodes to dst.
func ParseNodeList(dst []calltree.Node, payload []byte) ([]calltree.Node, error) {
	r := varintReader{b: payload}
	count := r.next()
	// every node takes at least 5 bytes
	if r.err != nil || count > uint64(len(payload)/5) {
		return dst, fmt.Errorf("wire: %w: malformed node-list header", errorutil.ErrDataIntegrity)
	}
	for i := uint64(0); i < count; i++ {
		n := calltree.Node{
			MethodID:   r.next32(),
			Line:       r.next32(),
			ChildCount: r.next32(),
			OnStack:    r.next(),
			OnCPU:      r.next(),
		}
		if r.err != nil {
			return dst, fmt.Errorf("wire: %w: malformed node %d: %v", errorutil.ErrDataIntegrity, i, r.err)
		}
		dst = append(dst, n)
	}
	if len(r.b) != 0 {
		return dst, fmt.Errorf("wire: %w: %d trailing bytes in node-list", errorutil.ErrDataIntegrity, len(r.b))
	}
	return dst, nil
}

type varintReader struct {
	b   []byte
	err error
}

func (r *varintReader) next() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.err = fmt.Errorf("invalid varint")
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *varintReader) next32() uint32 {
	v := r.next()
	if v > 1<<32-1 && r.err == nil {
		r.err = fmt.Errorf("value %d overflows 32 bits", v)
	}
	return uint32(v)
}

// WriteTree writes nodes, given in pre-order, as a sequence of node-list
// envelopes of at most nodesPerChunk nodes each.
func WriteTree(w io.Writer, nodes []calltree.Node, nodesPerChunk int) error {
	if len(nodes) == 0 {
		return fmt.Errorf("wire: cannot write an empty tree")
	}
	if nodesPerChunk <= 0 {
		nodesPerChunk = DefaultNodesPerChunk
	}
	var buf []byte
	for start := 0; start < len(nodes); start += nodesPerChunk {
		end := start + nodesPerChunk
		if end > len(nodes) {
			end = len(nodes)
		}
		buf = AppendNodeList(buf[:0], nodes[start:end])
		if err := WriteEnvelope(w, buf); err != nil {
			return err
		}
	}
	return nil
}

// TreeReader accumulates node-list chunks until they form a complete tree.
// A tree is complete once every child declared by the nodes read so far,
// starting from the root, has been read.
type TreeReader struct {
	nodes    []calltree.Node
	expected uint64
}

// maxSizeHint bounds the capacity preallocated from a declared node count.
// Larger trees grow past it as their chunks are read.
const maxSizeHint = 1 << 20

func NewTreeReader(sizeHint int) *TreeReader {
	if sizeHint < 0 {
		sizeHint = 0
	} else if sizeHint > maxSizeHint {
		sizeHint = maxSizeHint
	}
	return &TreeReader{
		nodes:    make([]calltree.Node, 0, sizeHint),
		expected: 1,
	}
}

// Add consumes a chunk and reports whether the tree is complete.
func (tr *TreeReader) Add(chunk []calltree.Node) (bool, error) {
	if len(chunk) == 0 {
		return false, fmt.Errorf("wire: %w: empty node-list chunk", errorutil.ErrDataIntegrity)
	}
	for i, n := range chunk {
		if tr.Done() {
			return true, fmt.Errorf("wire: %w: chunk has %d nodes past the end of the tree", errorutil.ErrDataIntegrity, len(chunk)-i)
		}
		tr.nodes = append(tr.nodes, n)
		tr.expected += uint64(n.ChildCount)
	}
	return tr.Done(), nil
}

func (tr *TreeReader) Done() bool {
	return uint64(len(tr.nodes)) == tr.expected
}

// Tree lays out the accumulated nodes.
func (tr *TreeReader) Tree() (*calltree.Tree, error) {
	if !tr.Done() {
		return nil, fmt.Errorf("wire: %w: tree has %d of %d nodes", errorutil.ErrDataIntegrity, len(tr.nodes), tr.expected)
	}
	return calltree.New(tr.nodes)
}

// ReadTree reads node-list envelopes from r until a tree is complete.
func ReadTree(r io.Reader, sizeHint int) (*calltree.Tree, error) {
	tr := NewTreeReader(sizeHint)
	var chunk []calltree.Node
	for {
		payload, err := ReadEnvelope(r)
		if err != nil {
			return nil, truncated(err)
		}
		chunk, err = ParseNodeList(chunk[:0], payload)
		if err != nil {
			return nil, err
		}
		done, err := tr.Add(chunk)
		if err != nil {
			return nil, err
		}
		if done {
			return tr.Tree()
		}
	}
}
