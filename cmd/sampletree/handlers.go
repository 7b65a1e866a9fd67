package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"

	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/httputil"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/storageutil"
	"github.com/getsentry/sampletree/internal/timeutil"
	"github.com/getsentry/sampletree/internal/treestore"
	"github.com/getsentry/sampletree/internal/treeview"
	"github.com/getsentry/sampletree/internal/window"
)

type (
	PostSamplesResponse struct {
		Window  timeutil.Window `json:"window"`
		Samples int             `json:"samples"`
	}

	ListWindowsResponse struct {
		Windows []timeutil.Window `json:"windows"`
	}

	CallersResponse struct {
		SubTrees []treeview.SubTree `json:"subtrees"`
		Methods  map[uint32]string  `json:"methods"`
	}

	CalleesResponse struct {
		HotMethods []treeview.HotMethod   `json:"hot_methods,omitempty"`
		Callers    []treeview.CallerChain `json:"callers,omitempty"`
		Methods    map[uint32]string      `json:"methods"`
	}
)

func processKeyFromParams(ps httprouter.Params) window.ProcessKey {
	return window.ProcessKey{
		App:     ps.ByName("app"),
		Cluster: ps.ByName("cluster"),
		Process: ps.ByName("process"),
	}
}

func setProcessTags(ctx context.Context, key window.ProcessKey) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.Scope().SetTags(map[string]string{
			"app":     key.App,
			"cluster": key.Cluster,
			"process": key.Process,
		})
	}
}

// windowRefFromParams returns the trace-data reference of the window named by
// the route.
func windowRefFromParams(ps httprouter.Params) (storageutil.ArtifactRef, error) {
	w, err := timeutil.ParseWindow(ps.ByName("start"), ps.ByName("duration"))
	if err != nil {
		return storageutil.ArtifactRef{}, fmt.Errorf("%w: %v", errorutil.ErrProtocol, err)
	}
	key := processKeyFromParams(ps)
	return treestore.WindowRef(key.App, key.Cluster, key.Process, w), nil
}

func (e *environment) postSamples(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := processKeyFromParams(httprouter.ParamsFromContext(ctx))
	setProcessTags(ctx, key)

	s := sentry.StartSpan(ctx, "json.unmarshal")
	var batch sample.Batch
	err := json.NewDecoder(r.Body).Decode(&batch)
	s.Finish()
	if err != nil {
		e.writeError(w, r, fmt.Errorf("%w: invalid batch: %v", errorutil.ErrProtocol, err))
		return
	}

	s = sentry.StartSpan(ctx, "aggregate")
	s.Description = "Merge samples into the open window"
	win, err := e.manager.Ingest(key, batch)
	s.Finish()
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	e.metrics.SamplesIngested(len(batch.Samples))

	e.writeJSON(w, r, http.StatusAccepted, PostSamplesResponse{Window: win, Samples: len(batch.Samples)})
}

func (e *environment) getWindows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := processKeyFromParams(httprouter.ParamsFromContext(ctx))
	setProcessTags(ctx, key)

	s := sentry.StartSpan(ctx, "storage.list")
	windows, err := e.store.ListWindows(ctx, key.App, key.Cluster, key.Process)
	s.Finish()
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, ListWindowsResponse{Windows: windows})
}

func (e *environment) getSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps := httprouter.ParamsFromContext(ctx)
	setProcessTags(ctx, processKeyFromParams(ps))
	ref, err := windowRefFromParams(ps)
	if err != nil {
		e.writeError(w, r, err)
		return
	}

	s := sentry.StartSpan(ctx, "storage.read")
	summary, err := e.store.LoadSummary(ctx, ref)
	s.Finish()
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, summary)
}

func (e *environment) getCallers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps := httprouter.ParamsFromContext(ctx)
	setProcessTags(ctx, processKeyFromParams(ps))
	ref, err := windowRefFromParams(ps)
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	ids, err := httputil.IntListQueryParameter(r, "ids")
	if err != nil {
		e.writeError(w, r, fmt.Errorf("%w: %v", errorutil.ErrProtocol, err))
		return
	}
	if len(ids) == 0 {
		ids = []int{0}
	}
	depth, err := httputil.IntQueryParameter(r, "depth", 2)
	if err != nil {
		e.writeError(w, r, fmt.Errorf("%w: %v", errorutil.ErrProtocol, err))
		return
	}
	autoExpand, err := httputil.BoolQueryParameter(r, "auto_expand", true)
	if err != nil {
		e.writeError(w, r, fmt.Errorf("%w: %v", errorutil.ErrProtocol, err))
		return
	}
	minSamples, err := httputil.IntQueryParameter(r, "min_samples", 0)
	if err != nil {
		e.writeError(w, r, fmt.Errorf("%w: %v", errorutil.ErrProtocol, err))
		return
	}
	var keep treeview.Predicate
	if minSamples > 0 {
		keep = treeview.MinOnStack(uint64(minSamples))
	}

	s := sentry.StartSpan(ctx, "storage.read")
	view, td, err := e.store.CallerView(ctx, ref, ps.ByName("trace"), keep)
	s.Finish()
	if err != nil {
		e.writeError(w, r, err)
		return
	}

	s = sentry.StartSpan(ctx, "tree.expand")
	subtrees, err := view.GetSubTree(ids, depth, autoExpand)
	s.Finish()
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, CallersResponse{
		SubTrees: subtrees,
		Methods:  td.MethodLookup(treeview.SubTreeMethodIDs(subtrees)),
	})
}

// getCallees returns the hot methods of a trace, or the callers of the given
// nodes when ids is set.
func (e *environment) getCallees(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps := httprouter.ParamsFromContext(ctx)
	setProcessTags(ctx, processKeyFromParams(ps))
	ref, err := windowRefFromParams(ps)
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	ids, err := httputil.IntListQueryParameter(r, "ids")
	if err != nil {
		e.writeError(w, r, fmt.Errorf("%w: %v", errorutil.ErrProtocol, err))
		return
	}
	depth, err := httputil.IntQueryParameter(r, "depth", 3)
	if err != nil {
		e.writeError(w, r, fmt.Errorf("%w: %v", errorutil.ErrProtocol, err))
		return
	}

	s := sentry.StartSpan(ctx, "storage.read")
	view, td, err := e.store.CalleeView(ctx, ref, ps.ByName("trace"))
	s.Finish()
	if err != nil {
		e.writeError(w, r, err)
		return
	}

	if len(ids) == 0 {
		hot := view.HotMethods()
		e.writeJSON(w, r, http.StatusOK, CalleesResponse{
			HotMethods: hot,
			Methods:    td.MethodLookup(treeview.HotMethodIDs(hot)),
		})
		return
	}
	callers, err := view.GetCallers(ids, depth)
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	e.writeJSON(w, r, http.StatusOK, CalleesResponse{
		Callers: callers,
		Methods: td.MethodLookup(treeview.MethodIDs(callers)),
	})
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (e *environment) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	s := sentry.StartSpan(r.Context(), "json.marshal")
	defer s.Finish()

	b, err := json.Marshal(v)
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
