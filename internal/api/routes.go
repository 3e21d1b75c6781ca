// Package api provides the HTTP surface of the engine: dataset-scoped
// routes for fields, filters, highlights, views, edges, and sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/theislab/cellucid-engine/internal/field"
	"github.com/theislab/cellucid-engine/internal/service"
	"github.com/theislab/cellucid-engine/internal/session"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	Sessions    *session.Store
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(viewerMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/fields", fieldsHandler)
			r.Post("/fields/active", fieldActivateHandler)
			r.Post("/fields/rename", fieldRenameHandler)
			r.Post("/fields/delete", fieldDeleteHandler)

			r.Get("/filters", filtersHandler)
			r.Get("/filters/count", filterCountHandler)
			r.Post("/filters/category", filterCategoryHandler)
			r.Post("/filters/range", filterRangeHandler)
			r.Post("/filters/outlier", filterOutlierHandler)
			r.Post("/filters/enabled", filterEnabledHandler)
			r.Post("/filters/hide-missing", filterHideMissingHandler)
			r.Post("/filters/color", filterColorHandler)
			r.Post("/filters/colormap", filterColormapHandler)
			r.Post("/filters/logscale", filterLogScaleHandler)
			r.Post("/filters/reset", filterResetHandler)
			r.Post("/filters/batch", filterBatchHandler)

			r.Get("/highlights/pages", highlightPagesHandler)
			r.Post("/highlights/pages", highlightCreatePageHandler)
			r.Post("/highlights/pages/{page_id}/activate", highlightActivatePageHandler)
			r.Delete("/highlights/pages/{page_id}", highlightDeletePageHandler)
			r.Post("/highlights/category", highlightCategoryHandler)
			r.Post("/highlights/range", highlightRangeHandler)
			r.Post("/highlights/groups/{group_id}/enabled", highlightGroupEnabledHandler)
			r.Post("/highlights/clear", highlightClearHandler)

			r.Get("/views", viewsHandler)
			r.Post("/views/snapshot", viewSnapshotHandler)
			r.Post("/views/compare", viewCompareHandler)
			r.Post("/views/{view_id}/activate", viewActivateHandler)
			r.Delete("/views/{view_id}", viewDeleteHandler)
			r.Post("/views/clear", viewClearHandler)

			r.Get("/edges", edgesHandler)
			r.Post("/edges/load", edgesLoadHandler)
			r.Post("/edges/lod", edgesLodHandler)

			r.Get("/session/export", sessionExportHandler)
			r.Post("/session/restore", sessionRestoreHandler)

			r.Get("/sessions", savedSessionsListHandler(cfg.Sessions))
			r.Post("/sessions", savedSessionSaveHandler(cfg.Sessions))
			r.Get("/sessions/{session_id}", savedSessionGetHandler(cfg.Sessions))
			r.Post("/sessions/{session_id}/restore", savedSessionRestoreHandler(cfg.Sessions))
			r.Delete("/sessions/{session_id}", savedSessionDeleteHandler(cfg.Sessions))

			r.Get("/stats", statsHandler)
		})

		r.Get("/preview/{view_id}.png", previewHandler)
		r.Get("/preview/{view_id}", previewHandler)
	})

	return r
}

// Context key for the dataset viewer
type ctxKey string

const viewerKey ctxKey = "viewer"

// viewerMiddleware resolves the dataset from the URL and injects its viewer
// into the request context.
func viewerMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			v := registry.Get(datasetID)
			if v == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), viewerKey, v)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getViewer(r *http.Request) *service.Viewer {
	if v, ok := r.Context().Value(viewerKey).(*service.Viewer); ok {
		return v
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// fieldRequest is the common request body addressing one field.
type fieldRequest struct {
	Source        string  `json:"source"`
	Key           string  `json:"key"`
	NewKey        string  `json:"newKey,omitempty"`
	CategoryIndex int     `json:"categoryIndex,omitempty"`
	Visible       *bool   `json:"visible,omitempty"`
	Enabled       *bool   `json:"enabled,omitempty"`
	Hide          *bool   `json:"hide,omitempty"`
	LogScale      *bool   `json:"logScale,omitempty"`
	Min           float32 `json:"min,omitempty"`
	Max           float32 `json:"max,omitempty"`
	Quantile      float64 `json:"quantile,omitempty"`
	Color         string  `json:"color,omitempty"`
	Colormap      string  `json:"colormap,omitempty"`
}

func (fr fieldRequest) ref() (field.Ref, error) {
	source := field.Source(fr.Source)
	if source != field.SourceObs && source != field.SourceVar {
		return field.Ref{}, errors.New("source must be obs or var")
	}
	if fr.Key == "" {
		return field.Ref{}, errors.New("key is required")
	}
	return field.Ref{Source: source, Key: fr.Key}, nil
}

func decodeFieldRequest(w http.ResponseWriter, r *http.Request) (fieldRequest, field.Ref, bool) {
	var req fieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return req, field.Ref{}, false
	}
	ref, err := req.ref()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, field.Ref{}, false
	}
	return req, ref, true
}

func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

// fieldInfo is the API shape of one field.
type fieldInfo struct {
	Key        string                 `json:"key"`
	Source     string                 `json:"source"`
	Kind       string                 `json:"kind"`
	Categories []string               `json:"categories,omitempty"`
	Stats      *field.ContinuousStats `json:"stats,omitempty"`
	Loaded     bool                   `json:"loaded"`
	Active     bool                   `json:"active"`
}

func fieldsHandler(w http.ResponseWriter, r *http.Request) {
	v := getViewer(r)
	active, hasActive := v.Store.Active()

	var fields []fieldInfo
	for _, f := range v.Store.List() {
		info := fieldInfo{
			Key:        f.Ref.Key,
			Source:     string(f.Ref.Source),
			Kind:       string(f.Kind),
			Categories: f.Categories,
			Loaded:     f.Loaded(),
			Active:     hasActive && f.Ref == active,
		}
		if f.Kind == field.KindContinuous && f.Loaded() {
			stats := f.Stats
			info.Stats = &stats
		}
		fields = append(fields, info)
	}
	writeJSON(w, map[string]interface{}{"fields": fields, "total": len(fields)})
}

func fieldActivateHandler(w http.ResponseWriter, r *http.Request) {
	_, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	v := getViewer(r)
	if err := v.SetActiveField(r.Context(), ref); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, field.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, map[string]interface{}{"active": ref.String()})
}

func fieldRenameHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	if req.NewKey == "" {
		http.Error(w, "newKey is required", http.StatusBadRequest)
		return
	}
	newRef, err := getViewer(r).RenameField(ref, req.NewKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]interface{}{"renamed": newRef.String()})
}

func fieldDeleteHandler(w http.ResponseWriter, r *http.Request) {
	_, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	if err := getViewer(r).DeleteField(ref); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"deleted": ref.String()})
}

func filtersHandler(w http.ResponseWriter, r *http.Request) {
	data, err := getViewer(r).FiltersJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func filterCountHandler(w http.ResponseWriter, r *http.Request) {
	shown, total := getViewer(r).FilteredCount()
	writeJSON(w, map[string]int{"shown": shown, "total": total})
}

func filterCategoryHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	if req.Visible == nil {
		http.Error(w, "visible is required", http.StatusBadRequest)
		return
	}
	getViewer(r).Filters.SetCategoryVisibility(ref, req.CategoryIndex, *req.Visible)
	filterCountHandler(w, r)
}

func filterRangeHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	getViewer(r).Filters.SetContinuousRange(ref, req.Min, req.Max)
	filterCountHandler(w, r)
}

func filterOutlierHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	getViewer(r).Filters.SetOutlierThreshold(ref, req.Quantile)
	filterCountHandler(w, r)
}

func filterEnabledHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}
	getViewer(r).Filters.SetFieldFilterEnabled(ref, *req.Enabled)
	filterCountHandler(w, r)
}

func filterHideMissingHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	if req.Hide == nil {
		http.Error(w, "hide is required", http.StatusBadRequest)
		return
	}
	getViewer(r).Filters.SetHideMissing(ref, *req.Hide)
	filterCountHandler(w, r)
}

func filterColorHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	getViewer(r).Filters.SetCategoryColor(ref, req.CategoryIndex, req.Color)
	w.WriteHeader(http.StatusNoContent)
}

func filterColormapHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	getViewer(r).Filters.SetColormap(ref, req.Colormap)
	w.WriteHeader(http.StatusNoContent)
}

func filterLogScaleHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	if req.LogScale == nil {
		http.Error(w, "logScale is required", http.StatusBadRequest)
		return
	}
	getViewer(r).Filters.SetLogScale(ref, *req.LogScale)
	w.WriteHeader(http.StatusNoContent)
}

func filterResetHandler(w http.ResponseWriter, r *http.Request) {
	_, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	getViewer(r).Filters.ResetFieldFilter(ref)
	filterCountHandler(w, r)
}

// batchOperation is one mutation in a transactional filter batch.
type batchOperation struct {
	Op string `json:"op"`
	fieldRequest
}

// filterBatchHandler applies a sequence of filter mutations inside one
// batch: observers see a single consolidated recomputation.
func filterBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operations []batchOperation `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	v := getViewer(r)
	var failed []string
	v.Filters.BeginBatch()
	for _, op := range req.Operations {
		ref, err := op.ref()
		if err != nil {
			failed = append(failed, op.Op+": "+err.Error())
			continue
		}
		switch op.Op {
		case "category":
			visible := op.Visible != nil && *op.Visible
			v.Filters.SetCategoryVisibility(ref, op.CategoryIndex, visible)
		case "range":
			v.Filters.SetContinuousRange(ref, op.Min, op.Max)
		case "outlier":
			v.Filters.SetOutlierThreshold(ref, op.Quantile)
		case "enabled":
			enabled := op.Enabled != nil && *op.Enabled
			v.Filters.SetFieldFilterEnabled(ref, enabled)
		case "hide-missing":
			hide := op.Hide != nil && *op.Hide
			v.Filters.SetHideMissing(ref, hide)
		case "color":
			v.Filters.SetCategoryColor(ref, op.CategoryIndex, op.Color)
		case "colormap":
			v.Filters.SetColormap(ref, op.Colormap)
		case "reset":
			v.Filters.ResetFieldFilter(ref)
		default:
			failed = append(failed, "unknown op: "+op.Op)
		}
	}
	v.Filters.EndBatch()

	shown, total := v.FilteredCount()
	writeJSON(w, map[string]interface{}{
		"applied": len(req.Operations) - len(failed),
		"failed":  failed,
		"shown":   shown,
		"total":   total,
	})
}

// Highlight handlers

type pageInfo struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Active bool        `json:"active"`
	Groups []groupInfo `json:"groups"`
}

type groupInfo struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Type    string `json:"type"`
	Cells   uint64 `json:"cells"`
	Enabled bool   `json:"enabled"`
}

func highlightPagesHandler(w http.ResponseWriter, r *http.Request) {
	pages, activeID := getViewer(r).Highlights.Pages()
	out := make([]pageInfo, len(pages))
	for i, p := range pages {
		pi := pageInfo{ID: p.ID, Name: p.Name, Active: p.ID == activeID, Groups: []groupInfo{}}
		for _, g := range p.Groups {
			pi.Groups = append(pi.Groups, groupInfo{
				ID:      g.ID,
				Label:   g.Label,
				Type:    string(g.Type),
				Cells:   g.Cells.GetCardinality(),
				Enabled: g.Enabled,
			})
		}
		out[i] = pi
	}
	writeJSON(w, map[string]interface{}{"pages": out, "active": activeID})
}

func highlightCreatePageHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	p := getViewer(r).Highlights.CreatePage(req.Name)
	writeJSON(w, map[string]string{"id": p.ID, "name": p.Name})
}

func highlightActivatePageHandler(w http.ResponseWriter, r *http.Request) {
	if err := getViewer(r).Highlights.SwitchToPage(chi.URLParam(r, "page_id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func highlightDeletePageHandler(w http.ResponseWriter, r *http.Request) {
	if err := getViewer(r).Highlights.DeletePage(chi.URLParam(r, "page_id")); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func highlightCategoryHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	g, err := getViewer(r).AddCategoryHighlight(r.Context(), ref, req.CategoryIndex)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if g == nil {
		http.Error(w, "category has no members", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]interface{}{"id": g.ID, "label": g.Label, "cells": g.Cells.GetCardinality()})
}

func highlightRangeHandler(w http.ResponseWriter, r *http.Request) {
	req, ref, ok := decodeFieldRequest(w, r)
	if !ok {
		return
	}
	g, err := getViewer(r).AddRangeHighlight(r.Context(), ref, float64(req.Min), float64(req.Max))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if g == nil {
		http.Error(w, "range has no members", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]interface{}{"id": g.ID, "label": g.Label, "cells": g.Cells.GetCardinality()})
}

func highlightGroupEnabledHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := getViewer(r).Highlights.SetGroupEnabled(chi.URLParam(r, "group_id"), req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func highlightClearHandler(w http.ResponseWriter, r *http.Request) {
	getViewer(r).Highlights.ClearAllHighlights()
	w.WriteHeader(http.StatusNoContent)
}

// View handlers

func viewsHandler(w http.ResponseWriter, r *http.Request) {
	v := getViewer(r)
	writeJSON(w, map[string]interface{}{
		"views":  v.Views.Views(),
		"active": v.Views.ActiveID(),
	})
}

func viewSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	snap := getViewer(r).CreateSnapshot(req.Label)
	writeJSON(w, map[string]string{"id": snap.ID, "label": snap.Label})
}

func viewCompareHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fields []fieldRequest `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	refs := make([]field.Ref, 0, len(req.Fields))
	for _, fr := range req.Fields {
		ref, err := fr.ref()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		refs = append(refs, ref)
	}

	snaps, err := getViewer(r).CreateFieldComparison(r.Context(), refs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids := make([]map[string]string, len(snaps))
	for i, s := range snaps {
		ids[i] = map[string]string{"id": s.ID, "label": s.Label}
	}
	writeJSON(w, map[string]interface{}{"views": ids})
}

func viewActivateHandler(w http.ResponseWriter, r *http.Request) {
	if err := getViewer(r).SetActiveView(chi.URLParam(r, "view_id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func viewDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := getViewer(r).DeleteView(chi.URLParam(r, "view_id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func viewClearHandler(w http.ResponseWriter, r *http.Request) {
	getViewer(r).Views.ClearSnapshotViews()
	w.WriteHeader(http.StatusNoContent)
}

// Edge handlers

func edgesHandler(w http.ResponseWriter, r *http.Request) {
	v := getViewer(r)
	if v.Sampler == nil {
		http.Error(w, "dataset has no connectivity edges", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"state":     int(v.Sampler.State()),
		"edgeCount": v.Sampler.EdgeCount(),
		"lodTarget": v.EdgeLodTarget(),
	})
}

func edgesLoadHandler(w http.ResponseWriter, r *http.Request) {
	v := getViewer(r)
	if err := v.EnsureEdgesLoaded(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, field.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, map[string]interface{}{"edgeCount": v.Sampler.EdgeCount()})
}

func edgesLodHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target int `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	v := getViewer(r)
	if v.Sampler == nil {
		http.Error(w, "dataset has no connectivity edges", http.StatusNotFound)
		return
	}
	v.SetEdgeLodTarget(req.Target)
	writeJSON(w, map[string]int{"target": req.Target})
}

// Session handlers

func sessionExportHandler(w http.ResponseWriter, r *http.Request) {
	data, err := session.Encode(getViewer(r).ExportSession())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="session.json"`)
	w.Write(data)
}

func sessionRestoreHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := session.Parse(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v := getViewer(r)
	if err := v.RestoreSession(r.Context(), doc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	shown, total := v.FilteredCount()
	writeJSON(w, map[string]interface{}{"restored": true, "shown": shown, "total": total})
}

// Saved-session handlers

func savedSessionsListHandler(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "session store not configured", http.StatusNotImplemented)
			return
		}
		sessions, err := store.ListByDataset(chi.URLParam(r, "dataset"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []*session.SavedSession{}
		}
		writeJSON(w, map[string]interface{}{"sessions": sessions})
	}
}

func savedSessionSaveHandler(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "session store not configured", http.StatusNotImplemented)
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			req.Name = "Unnamed session"
		}

		v := getViewer(r)
		data, err := session.Encode(v.ExportSession())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		saved, err := store.Save(req.Name, v.ID(), data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, saved)
	}
}

func savedSessionGetHandler(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "session store not configured", http.StatusNotImplemented)
			return
		}
		saved, err := store.Get(chi.URLParam(r, "session_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if saved == nil || saved.Dataset != chi.URLParam(r, "dataset") {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(saved.Document)
	}
}

func savedSessionRestoreHandler(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "session store not configured", http.StatusNotImplemented)
			return
		}
		saved, err := store.Get(chi.URLParam(r, "session_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if saved == nil || saved.Dataset != chi.URLParam(r, "dataset") {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		doc, err := session.Parse(saved.Document)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		v := getViewer(r)
		if err := v.RestoreSession(r.Context(), doc); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		shown, total := v.FilteredCount()
		writeJSON(w, map[string]interface{}{"restored": true, "shown": shown, "total": total})
	}
}

func savedSessionDeleteHandler(store *session.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "session store not configured", http.StatusNotImplemented)
			return
		}
		if err := store.Delete(chi.URLParam(r, "session_id")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	v := getViewer(r)
	shown, total := v.FilteredCount()
	stats := map[string]interface{}{
		"dataset_name": v.Name(),
		"n_points":     total,
		"shown":        shown,
		"n_fields":     len(v.Store.List()),
	}
	if cs := v.CacheStats(); cs != nil {
		stats["cache"] = cs
	}
	writeJSON(w, stats)
}

func previewHandler(w http.ResponseWriter, r *http.Request) {
	viewID := strings.TrimSuffix(chi.URLParam(r, "view_id"), ".png")
	img, err := getViewer(r).Preview(viewID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Write(img)
}
