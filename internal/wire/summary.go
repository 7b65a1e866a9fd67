package wire

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/getsentry/sampletree/internal/aggregate"
	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/timeutil"
)

type (
	// Summary describes a persisted window without its trees.
	Summary struct {
		App            string            `json:"app"`
		Cluster        string            `json:"cluster"`
		Process        string            `json:"process"`
		Window         timeutil.Window   `json:"window"`
		Traces         []TraceSummary    `json:"traces"`
		ErrorHistogram map[string]uint64 `json:"error_histogram,omitempty"`
		ErroredSamples uint64            `json:"errored_samples"`
		Methods        int               `json:"methods"`
	}

	TraceSummary struct {
		Name    string `json:"name"`
		Samples uint64 `json:"samples"`
	}
)

// NewSummary summarizes a finalized bucket. Identity fields are left to the
// caller.
func NewSummary(fb *aggregate.FinalizedBucket) Summary {
	s := Summary{
		ErroredSamples: fb.ErroredSamples,
		// the reserved slot 0 is not a method
		Methods: len(fb.Methods) - 1,
	}
	for _, name := range fb.TraceNames() {
		s.Traces = append(s.Traces, TraceSummary{Name: name, Samples: fb.Traces[name].Samples})
	}
	for code, count := range fb.ErrorHistogram {
		if count == 0 {
			continue
		}
		if s.ErrorHistogram == nil {
			s.ErrorHistogram = make(map[string]uint64)
		}
		s.ErrorHistogram[sample.ErrorCode(code).String()] = count
	}
	return s
}

func WriteSummary(w io.Writer, s Summary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return WriteEnvelope(w, b)
}

func ReadSummary(r io.Reader) (Summary, error) {
	var s Summary
	payload, err := ReadEnvelope(r)
	if err != nil {
		return s, truncated(err)
	}
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("wire: %w: malformed summary: %v", errorutil.ErrDataIntegrity, err)
	}
	return s, nil
}
