// Package treestore serves persisted windows through request-coalescing
// caches.
package treestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getsentry/sampletree/internal/aggregate"
	"github.com/getsentry/sampletree/internal/artifactcache"
	"github.com/getsentry/sampletree/internal/calltree"
	"github.com/getsentry/sampletree/internal/storageutil"
	"github.com/getsentry/sampletree/internal/timeutil"
	"github.com/getsentry/sampletree/internal/treeview"
	"github.com/getsentry/sampletree/internal/wire"
)

type (
	Config struct {
		// MaxNodes bounds the number of tree nodes held by the trace-data
		// cache.
		MaxNodes     int
		MaxSummaries int
		IdleTimeout  time.Duration
		// WaitTimeout bounds how long a request waits for a load.
		WaitTimeout   time.Duration
		LoadTimeout   time.Duration
		NodesPerChunk int
		// TraceDataHook and SummaryHook may be nil.
		TraceDataHook artifactcache.StatsHook
		SummaryHook   artifactcache.StatsHook
	}

	Store struct {
		handler storageutil.ObjectHandler
		config  Config

		traceData *artifactcache.Cache[string, *wire.TraceData]
		summaries *artifactcache.Cache[string, wire.Summary]
	}
)

func New(handler storageutil.ObjectHandler, config Config) (*Store, error) {
	traceData, err := artifactcache.New[string, *wire.TraceData](artifactcache.Options[*wire.TraceData]{
		MaxWeight:   config.MaxNodes,
		IdleTimeout: config.IdleTimeout,
		LoadTimeout: config.LoadTimeout,
		Weigher:     weigh,
		Hook:        config.TraceDataHook,
	})
	if err != nil {
		return nil, err
	}
	summaries, err := artifactcache.New[string, wire.Summary](artifactcache.Options[wire.Summary]{
		MaxEntries:  config.MaxSummaries,
		IdleTimeout: config.IdleTimeout,
		LoadTimeout: config.LoadTimeout,
		Hook:        config.SummaryHook,
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		handler:   handler,
		config:    config,
		traceData: traceData,
		summaries: summaries,
	}, nil
}

func weigh(td *wire.TraceData) int {
	var nodes int
	for _, t := range td.Traces {
		nodes += t.Nodes
	}
	return nodes
}

// WindowRef returns the reference of the trace-data artifact of a window.
func WindowRef(app, cluster, process string, w timeutil.Window) storageutil.ArtifactRef {
	return storageutil.ArtifactRef{
		App:     app,
		Cluster: cluster,
		Process: process,
		Window:  w,
		Kind:    storageutil.KindTraceData,
	}
}

// LoadTraceData returns the trees of a window, loading them at most once
// however many callers ask concurrently.
func (s *Store) LoadTraceData(ctx context.Context, ref storageutil.ArtifactRef) (*wire.TraceData, error) {
	ref = ref.WithKind(storageutil.KindTraceData)
	path := ref.Path()
	return s.traceData.Get(ctx, path, func(ctx context.Context) (*wire.TraceData, error) {
		var td *wire.TraceData
		err := storageutil.ReadCompressed(ctx, s.handler, path, func(r io.Reader) error {
			var err error
			td, err = wire.ReadTraceData(r)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("treestore: %s: %w", ref, err)
		}
		return td, nil
	}, s.config.WaitTimeout)
}

// LoadTree returns the tree of one trace of a window.
func (s *Store) LoadTree(ctx context.Context, ref storageutil.ArtifactRef, trace string) (*calltree.Tree, *wire.TraceData, error) {
	td, err := s.LoadTraceData(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	tree, err := td.Tree(trace)
	if err != nil {
		return nil, nil, err
	}
	return tree, td, nil
}

// CallerView returns the caller-oriented view of a trace, filtered when keep
// is not nil.
func (s *Store) CallerView(ctx context.Context, ref storageutil.ArtifactRef, trace string, keep treeview.Predicate) (*treeview.CallTreeView, *wire.TraceData, error) {
	tree, td, err := s.LoadTree(ctx, ref, trace)
	if err != nil {
		return nil, nil, err
	}
	if keep == nil {
		return treeview.NewCallTreeView(tree), td, nil
	}
	return treeview.NewCallTreeView(treeview.NewFilteredTree(tree, keep)), td, nil
}

// CalleeView returns the hot-method view of a trace.
func (s *Store) CalleeView(ctx context.Context, ref storageutil.ArtifactRef, trace string) (*treeview.CalleesTreeView, *wire.TraceData, error) {
	tree, td, err := s.LoadTree(ctx, ref, trace)
	if err != nil {
		return nil, nil, err
	}
	return treeview.NewCalleesTreeView(tree), td, nil
}

func (s *Store) LoadSummary(ctx context.Context, ref storageutil.ArtifactRef) (wire.Summary, error) {
	ref = ref.WithKind(storageutil.KindSummary)
	path := ref.Path()
	return s.summaries.Get(ctx, path, func(ctx context.Context) (wire.Summary, error) {
		var summary wire.Summary
		err := storageutil.ReadCompressed(ctx, s.handler, path, func(r io.Reader) error {
			var err error
			summary, err = wire.ReadSummary(r)
			return err
		})
		if err != nil {
			return summary, fmt.Errorf("treestore: %s: %w", ref, err)
		}
		return summary, nil
	}, s.config.WaitTimeout)
}

// WriteWindow persists the summary and the trees of a finalized window. The
// summary is written last, a window is only listed once both exist.
func (s *Store) WriteWindow(ctx context.Context, ref storageutil.ArtifactRef, fb *aggregate.FinalizedBucket) (wire.Summary, error) {
	summary := wire.NewSummary(fb)
	summary.App, summary.Cluster, summary.Process = ref.App, ref.Cluster, ref.Process
	summary.Window = ref.Window

	err := storageutil.CompressedWrite(ctx, s.handler, ref.WithKind(storageutil.KindTraceData).Path(), func(w io.Writer) error {
		return wire.WriteTraceData(w, fb, s.config.NodesPerChunk)
	})
	if err != nil {
		return summary, fmt.Errorf("treestore: writing trace data of %s: %w", ref, err)
	}
	err = storageutil.CompressedWrite(ctx, s.handler, ref.WithKind(storageutil.KindSummary).Path(), func(w io.Writer) error {
		return wire.WriteSummary(w, summary)
	})
	if err != nil {
		return summary, fmt.Errorf("treestore: writing summary of %s: %w", ref, err)
	}
	return summary, nil
}

// ListWindows returns the persisted windows of a process, oldest first.
func (s *Store) ListWindows(ctx context.Context, app, cluster, process string) ([]timeutil.Window, error) {
	refs, err := s.list(ctx, storageutil.ProcessPrefix(app, cluster, process))
	if err != nil {
		return nil, err
	}
	windows := make([]timeutil.Window, 0, len(refs))
	for _, ref := range refs {
		if ref.Kind == storageutil.KindSummary {
			windows = append(windows, ref.Window)
		}
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Start.Before(windows[j].Start)
	})
	return windows, nil
}

// ListArtifacts returns every artifact stored under prefix. Objects whose
// name is not an artifact path are skipped.
func (s *Store) ListArtifacts(ctx context.Context, prefix string) ([]storageutil.ArtifactRef, error) {
	return s.list(ctx, prefix)
}

func (s *Store) list(ctx context.Context, prefix string) ([]storageutil.ArtifactRef, error) {
	objects, err := s.handler.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	refs := make([]storageutil.ArtifactRef, 0, len(objects))
	for _, o := range objects {
		ref, err := storageutil.ParseArtifactPath(o.Name)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// DeleteWindow removes both artifacts of a window and drops them from the
// caches. A missing artifact is not an error.
func (s *Store) DeleteWindow(ctx context.Context, ref storageutil.ArtifactRef) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range []storageutil.ArtifactKind{storageutil.KindTraceData, storageutil.KindSummary} {
		path := ref.WithKind(kind).Path()
		g.Go(func() error {
			err := s.handler.Delete(ctx, path)
			if err != nil && !errors.Is(err, storageutil.ErrObjectNotFound) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	s.traceData.Remove(ref.WithKind(storageutil.KindTraceData).Path())
	s.summaries.Remove(ref.WithKind(storageutil.KindSummary).Path())
	return err
}

// RunJanitor purges idle cache entries until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	go s.summaries.RunJanitor(ctx, interval)
	s.traceData.RunJanitor(ctx, interval)
}
