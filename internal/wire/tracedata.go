package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/getsentry/sampletree/internal/aggregate"
	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/errorutil"
)

// TraceDataVersion is bumped on any incompatible change of the layout.
const TraceDataVersion = 1

type (
	// TraceInfo describes one tree of a trace-data artifact.
	TraceInfo struct {
		Name    string `json:"name"`
		Samples uint64 `json:"samples"`
		Nodes   int    `json:"nodes"`
	}

	traceDataHeader struct {
		Version int         `json:"version"`
		Methods []string    `json:"methods"`
		Traces  []TraceInfo `json:"traces"`
	}

	// TraceData is a decoded trace-data artifact. It is never mutated after
	// ReadTraceData returns.
	TraceData struct {
		Methods []string
		Traces  []TraceInfo
		Trees   map[string]*calltree.Tree
	}
)

// WriteTraceData writes the trees of a finalized bucket: a header envelope
// with the method table and the traces in order, followed by the node-list
// envelopes of each tree.
func WriteTraceData(w io.Writer, fb *aggregate.FinalizedBucket, nodesPerChunk int) error {
	names := fb.TraceNames()
	header := traceDataHeader{
		Version: TraceDataVersion,
		Methods: fb.Methods,
		Traces:  make([]TraceInfo, 0, len(names)),
	}
	trees := make([][]calltree.Node, 0, len(names))
	for _, name := range names {
		ft := fb.Traces[name]
		nodes := ft.Nodes()
		trees = append(trees, nodes)
		header.Traces = append(header.Traces, TraceInfo{
			Name:    name,
			Samples: ft.Samples,
			Nodes:   len(nodes),
		})
	}
	b, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if err := WriteEnvelope(w, b); err != nil {
		return err
	}
	for _, nodes := range trees {
		if err := WriteTree(w, nodes, nodesPerChunk); err != nil {
			return err
		}
	}
	return nil
}

// ReadTraceData reads a trace-data artifact written by WriteTraceData.
func ReadTraceData(r io.Reader) (*TraceData, error) {
	payload, err := ReadEnvelope(r)
	if err != nil {
		return nil, truncated(err)
	}
	var header traceDataHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("wire: %w: malformed trace-data header: %v", errorutil.ErrDataIntegrity, err)
	}
	if header.Version != TraceDataVersion {
		return nil, fmt.Errorf("wire: %w: unsupported trace-data version %d", errorutil.ErrDataIntegrity, header.Version)
	}
	td := &TraceData{
		Methods: header.Methods,
		Traces:  header.Traces,
		Trees:   make(map[string]*calltree.Tree, len(header.Traces)),
	}
	for _, info := range header.Traces {
		tree, err := ReadTree(r, info.Nodes)
		if err != nil {
			return nil, fmt.Errorf("wire: trace %q: %w", info.Name, err)
		}
		if tree.Len() != info.Nodes {
			return nil, fmt.Errorf("wire: %w: trace %q has %d nodes, header declares %d", errorutil.ErrDataIntegrity, info.Name, tree.Len(), info.Nodes)
		}
		td.Trees[info.Name] = tree
	}
	if _, err := ReadEnvelope(r); !errors.Is(err, io.EOF) {
		if err == nil {
			err = fmt.Errorf("wire: %w: trailing envelopes after the last trace", errorutil.ErrDataIntegrity)
		}
		return nil, err
	}
	return td, nil
}

// Tree returns the tree of the trace named name.
func (td *TraceData) Tree(name string) (*calltree.Tree, error) {
	t, ok := td.Trees[name]
	if !ok {
		return nil, fmt.Errorf("wire: %w: trace %q", errorutil.ErrNotFound, name)
	}
	return t, nil
}

// Signature returns the signature of a method id.
func (td *TraceData) Signature(id uint32) (string, bool) {
	if id == 0 || int(id) >= len(td.Methods) {
		return "", false
	}
	return td.Methods[id], true
}

// MethodLookup returns the signatures of the given method ids.
func (td *TraceData) MethodLookup(ids []uint32) map[uint32]string {
	lookup := make(map[uint32]string, len(ids))
	for _, id := range ids {
		if s, ok := td.Signature(id); ok {
			lookup[id] = s
		}
	}
	return lookup
}
