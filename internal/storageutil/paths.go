package storageutil

import (
	"encoding/base32"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sampletree/internal/timeutil"
)

// ArtifactKind is the kind of object persisted for a window.
type ArtifactKind string

const (
	KindSummary   ArtifactKind = "summary"
	KindTraceData ArtifactKind = "tracedata"
)

// segments are base32 encoded to keep any identifier object store safe
var segmentEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ArtifactRef addresses an artifact persisted for a process and a window.
type ArtifactRef struct {
	App     string
	Cluster string
	Process string
	Window  timeutil.Window
	Kind    ArtifactKind
}

func encodeSegment(s string) string {
	return segmentEncoding.EncodeToString([]byte(s))
}

func decodeSegment(s string) (string, error) {
	b, err := segmentEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ProcessPrefix is the prefix of every artifact of a process.
func ProcessPrefix(app, cluster, process string) string {
	return fmt.Sprintf("%s/%s/%s/", encodeSegment(app), encodeSegment(cluster), encodeSegment(process))
}

// AppPrefix is the prefix of every artifact of an application.
func AppPrefix(app string) string {
	return encodeSegment(app) + "/"
}

func windowSegment(w timeutil.Window) string {
	return encodeSegment(fmt.Sprintf("%d-%d", w.Start.Unix(), int64(w.Duration/time.Second)))
}

func (r ArtifactRef) Path() string {
	return ProcessPrefix(r.App, r.Cluster, r.Process) + windowSegment(r.Window) + "/" + string(r.Kind)
}

// WithKind returns the reference to the other artifact of the same window.
func (r ArtifactRef) WithKind(kind ArtifactKind) ArtifactRef {
	r.Kind = kind
	return r
}

func (r ArtifactRef) String() string {
	return fmt.Sprintf("%s/%s/%s@%s/%s", r.App, r.Cluster, r.Process, r.Window, r.Kind)
}

// ParseArtifactPath decodes a path built by ArtifactRef.Path.
func ParseArtifactPath(path string) (ArtifactRef, error) {
	var ref ArtifactRef
	parts := strings.Split(path, "/")
	if len(parts) != 5 {
		return ref, fmt.Errorf("storageutil: malformed artifact path %q", path)
	}
	ids := make([]string, 4)
	for i := 0; i < 4; i++ {
		s, err := decodeSegment(parts[i])
		if err != nil {
			return ref, fmt.Errorf("storageutil: malformed segment %d of %q: %w", i, path, err)
		}
		ids[i] = s
	}
	start, seconds, ok := strings.Cut(ids[3], "-")
	if !ok {
		return ref, fmt.Errorf("storageutil: malformed window in %q", path)
	}
	unix, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return ref, fmt.Errorf("storageutil: malformed window start in %q: %w", path, err)
	}
	d, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil || d <= 0 {
		return ref, fmt.Errorf("storageutil: malformed window duration in %q", path)
	}
	kind := ArtifactKind(parts[4])
	if kind != KindSummary && kind != KindTraceData {
		return ref, fmt.Errorf("storageutil: unknown artifact kind %q", kind)
	}
	return ArtifactRef{
		App:     ids[0],
		Cluster: ids[1],
		Process: ids[2],
		Window: timeutil.Window{
			Start:    time.Unix(unix, 0).UTC(),
			Duration: time.Duration(d) * time.Second,
		},
		Kind: kind,
	}, nil
}
