// Package window aggregates the samples of every process during fixed,
// aligned time windows and persists them when the window rotates.
package window

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/getsentry/sampletree/internal/aggregate"
	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/storageutil"
	"github.com/getsentry/sampletree/internal/timeutil"
	"github.com/getsentry/sampletree/internal/wire"
)

type (
	ProcessKey struct {
		App     string
		Cluster string
		Process string
	}

	// Persister stores a finalized window.
	Persister interface {
		WriteWindow(ctx context.Context, ref storageutil.ArtifactRef, fb *aggregate.FinalizedBucket) (wire.Summary, error)
	}

	// Notifier publishes persisted windows.
	Notifier interface {
		WindowPersisted(ctx context.Context, summary wire.Summary) error
	}

	Config struct {
		Duration time.Duration
		// Concurrency bounds the number of windows persisted at once.
		Concurrency int
		Persister   Persister
		// Notifier and Hook may be nil.
		Notifier Notifier
		Hook     aggregate.MetricsHook
	}

	// Manager owns the open window of every process. Samples are attributed
	// to the window open when they arrive.
	Manager struct {
		config Config
		now    func() time.Time

		mu        sync.Mutex
		current   timeutil.Window
		processes map[ProcessKey]*processWindow
	}

	processWindow struct {
		key    ProcessKey
		window timeutil.Window
		bucket *aggregate.Bucket
		index  *sample.Index
	}

	// RotationResult describes the windows closed by a rotation.
	RotationResult struct {
		Window    timeutil.Window
		Persisted []wire.Summary
		// Empty counts the processes which had nothing to persist.
		Empty int
	}
)

func NewManager(config Config) *Manager {
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	m := &Manager{
		config:    config,
		now:       time.Now,
		processes: make(map[ProcessKey]*processWindow),
	}
	m.current = timeutil.Align(m.now(), config.Duration)
	return m
}

func (m *Manager) Current() timeutil.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) process(key ProcessKey) *processWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	pw, ok := m.processes[key]
	if !ok {
		pw = &processWindow{
			key:    key,
			window: m.current,
			bucket: aggregate.NewBucket(m.config.Hook),
			index:  sample.NewIndex(),
		}
		m.processes[key] = pw
	}
	return pw
}

// Ingest indexes the references carried by batch and aggregates its samples
// into the open window of the process.
func (m *Manager) Ingest(key ProcessKey, batch sample.Batch) (timeutil.Window, error) {
	for {
		pw := m.process(key)
		pw.index.Update(batch)
		err := pw.bucket.Aggregate(batch.Samples, pw.index.ResolveTrace, pw.index.ResolveMethod)
		// the window rotated between lookup and aggregation, the next lookup
		// returns the newly opened one
		if errors.Is(err, errorutil.ErrBucketFinalized) {
			continue
		}
		return pw.window, err
	}
}

// Rotate closes the open windows, opens the one containing now and persists
// every closed window holding samples. Persistence failures are joined in the
// returned error, the other windows are persisted regardless.
func (m *Manager) Rotate(ctx context.Context) (RotationResult, error) {
	m.mu.Lock()
	closed := m.processes
	result := RotationResult{Window: m.current}
	m.processes = make(map[ProcessKey]*processWindow)
	m.current = timeutil.Align(m.now(), m.config.Duration)
	m.mu.Unlock()

	pws := make([]*processWindow, 0, len(closed))
	for _, pw := range closed {
		pws = append(pws, pw)
	}
	sort.Slice(pws, func(i, j int) bool {
		a, b := pws[i].key, pws[j].key
		if a.App != b.App {
			return a.App < b.App
		}
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		return a.Process < b.Process
	})

	// a failing process must not cancel the others, their buckets are
	// already closed
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(m.config.Concurrency)
	for _, pw := range pws {
		pw := pw
		g.Go(func() error {
			summary, persisted, err := m.persist(ctx, pw)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case persisted:
				result.Persisted = append(result.Persisted, summary)
			default:
				result.Empty++
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(result.Persisted, func(i, j int) bool {
		a, b := result.Persisted[i], result.Persisted[j]
		if a.App != b.App {
			return a.App < b.App
		}
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		return a.Process < b.Process
	})
	return result, errors.Join(errs...)
}

func (m *Manager) persist(ctx context.Context, pw *processWindow) (wire.Summary, bool, error) {
	// waits for the batches still being aggregated
	fb, err := pw.bucket.Finalize()
	if err != nil {
		return wire.Summary{}, false, err
	}
	if fb.TotalSamples() == 0 && fb.ErroredSamples == 0 {
		return wire.Summary{}, false, nil
	}
	ref := storageutil.ArtifactRef{
		App:     pw.key.App,
		Cluster: pw.key.Cluster,
		Process: pw.key.Process,
		Window:  pw.window,
	}
	summary, err := m.config.Persister.WriteWindow(ctx, ref, fb)
	if err != nil {
		return summary, false, fmt.Errorf("window: persisting %s: %w", ref, err)
	}
	log.Info().
		Str("app", ref.App).
		Str("cluster", ref.Cluster).
		Str("process", ref.Process).
		Str("window", ref.Window.String()).
		Uint64("samples", fb.TotalSamples()).
		Uint64("errored_samples", fb.ErroredSamples).
		Msg("window persisted")
	if m.config.Notifier != nil {
		if err := m.config.Notifier.WindowPersisted(ctx, summary); err != nil {
			// the window is already stored
			log.Error().Err(err).Str("window", ref.String()).Msg("can't publish persisted window")
		}
	}
	return summary, true, nil
}

// Schedule fires at the end of every aligned window. It implements
// cron.Schedule.
type Schedule struct {
	Duration time.Duration
}

func (s Schedule) Next(t time.Time) time.Time {
	return timeutil.Align(t, s.Duration).End()
}
