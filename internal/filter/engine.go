// Package filter composes per-field predicates into the global per-point
// visibility buffer and notifies observers when it changes.
package filter

import (
	"log"
	"sort"
	"sync"

	"github.com/theislab/cellucid-engine/internal/field"
)

// Change describes which surfaces a notification covers.
type Change struct {
	Visibility bool
	Colors     bool
	Fields     []field.Ref
}

// Listener receives change notifications after recomputation. Listeners are
// invoked synchronously, outside the engine lock, in registration order.
type Listener func(Change)

// Engine owns the global visibility buffer. The buffer is allocated once and
// mutated in place; readers must treat it as read-only.
type Engine struct {
	mu    sync.Mutex
	store *field.Store

	visibility []float32
	generation uint64

	listeners    map[int]Listener
	nextListener int

	// Batch mode: depth counter plus dirty-surface tracking. Only the
	// outermost EndBatch flushes.
	batchDepth  int
	dirty       Change
	dirtyFields map[field.Ref]struct{}
}

// NewEngine creates a filter engine over store. All points start visible.
func NewEngine(store *field.Store) *Engine {
	e := &Engine{
		store:       store,
		visibility:  make([]float32, store.PointCount()),
		listeners:   map[int]Listener{},
		dirtyFields: map[field.Ref]struct{}{},
	}
	for i := range e.visibility {
		e.visibility[i] = 1
	}
	return e
}

// Visibility returns the shared visibility buffer. One float per point in
// [0,1]; treated as boolean via a 0.5 threshold. Callers must not write it.
func (e *Engine) Visibility() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibility
}

// Generation increments every time the visibility buffer is recomputed.
// Cache layers key derived results on it.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing is race-free relative to an in-progress notification; the
// listener may still observe at most one already-dispatched notification.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// SetCategoryVisibility shows or hides one category of a category field.
func (e *Engine) SetCategoryVisibility(ref field.Ref, categoryIndex int, visible bool) {
	e.mutate(ref, Change{Visibility: true}, func(f *field.Field) {
		if categoryIndex < 0 || categoryIndex >= len(f.Presentation.CategoryVisible) {
			log.Printf("filter: category index %d out of range for %s", categoryIndex, ref)
			return
		}
		f.Presentation.CategoryVisible[categoryIndex] = visible
	})
}

// SetContinuousRange sets the active [min,max] range of a continuous field.
func (e *Engine) SetContinuousRange(ref field.Ref, min, max float32) {
	e.mutate(ref, Change{Visibility: true}, func(f *field.Field) {
		if max < min {
			min, max = max, min
		}
		f.Presentation.RangeMin = min
		f.Presentation.RangeMax = max
	})
}

// SetOutlierThreshold sets the outlier quantile threshold (0..1) of a
// continuous field. A threshold of 1 disables outlier filtering.
func (e *Engine) SetOutlierThreshold(ref field.Ref, quantile float64) {
	e.mutate(ref, Change{Visibility: true}, func(f *field.Field) {
		if quantile < 0 {
			quantile = 0
		} else if quantile > 1 {
			quantile = 1
		}
		f.Presentation.OutlierThreshold = quantile
	})
}

// SetFieldFilterEnabled gates a field's participation in filtering.
func (e *Engine) SetFieldFilterEnabled(ref field.Ref, enabled bool) {
	e.mutate(ref, Change{Visibility: true}, func(f *field.Field) {
		f.Presentation.Enabled = enabled
	})
}

// SetHideMissing controls whether points with the missing sentinel code are
// hidden by a category field's filter.
func (e *Engine) SetHideMissing(ref field.Ref, hide bool) {
	e.mutate(ref, Change{Visibility: true}, func(f *field.Field) {
		f.Presentation.HideMissing = hide
	})
}

// SetCategoryColor sets a per-category hex color override. Colors never
// affect visibility, so only the color surface is dirtied.
func (e *Engine) SetCategoryColor(ref field.Ref, categoryIndex int, hex string) {
	e.mutate(ref, Change{Colors: true}, func(f *field.Field) {
		if categoryIndex < 0 || categoryIndex >= len(f.Presentation.CategoryColors) {
			log.Printf("filter: category index %d out of range for %s", categoryIndex, ref)
			return
		}
		f.Presentation.CategoryColors[categoryIndex] = hex
	})
}

// SetColormap selects the colormap used for a field's color derivation.
func (e *Engine) SetColormap(ref field.Ref, name string) {
	e.mutate(ref, Change{Colors: true}, func(f *field.Field) {
		f.Presentation.Colormap = name
	})
}

// SetLogScale toggles log-scaled color mapping for a continuous field.
func (e *Engine) SetLogScale(ref field.Ref, logScale bool) {
	e.mutate(ref, Change{Colors: true}, func(f *field.Field) {
		f.Presentation.LogScale = logScale
	})
}

// ResetFieldFilter restores a field's all-visible default filter.
func (e *Engine) ResetFieldFilter(ref field.Ref) {
	e.mutate(ref, Change{Visibility: true, Colors: true}, func(f *field.Field) {
		f.ResetPresentation()
	})
}

// mutate applies fn to the field, re-derives the filter-modified flag, and
// either recomputes immediately or records dirt under batch mode.
func (e *Engine) mutate(ref field.Ref, surfaces Change, fn func(*field.Field)) {
	f := e.store.Get(ref)
	if f == nil {
		log.Printf("filter: unknown field %s, mutation dropped", ref)
		return
	}

	e.mu.Lock()
	fn(f)
	f.SetFilterModified(!isDefaultFilter(f))

	if e.batchDepth > 0 {
		e.dirty.Visibility = e.dirty.Visibility || surfaces.Visibility
		e.dirty.Colors = e.dirty.Colors || surfaces.Colors
		e.dirtyFields[ref] = struct{}{}
		e.mu.Unlock()
		return
	}

	if surfaces.Visibility {
		e.recomputeLocked()
	}
	listeners := e.snapshotListeners()
	e.mu.Unlock()

	surfaces.Fields = []field.Ref{ref}
	dispatch(listeners, surfaces)
}

// isDefaultFilter reports whether the field's filter state equals the
// implicit all-visible default. Unmodified fields are skipped during
// recomputation; their predicate is always true.
func isDefaultFilter(f *field.Field) bool {
	p := f.Presentation
	if f.Kind == field.KindCategory {
		if p.HideMissing {
			return false
		}
		for _, v := range p.CategoryVisible {
			if !v {
				return false
			}
		}
		return true
	}
	return p.RangeMin == f.Stats.Min && p.RangeMax == f.Stats.Max && p.OutlierThreshold >= 1
}

// BeginBatch suppresses per-mutation recomputation until the matching
// EndBatch. Re-entrant: nested batches only flush at the outermost end.
func (e *Engine) BeginBatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batchDepth++
}

// EndBatch closes one batch level. At depth zero it performs exactly one
// consolidated recomputation and one notification fan-out covering every
// dirty surface.
func (e *Engine) EndBatch() {
	e.mu.Lock()
	if e.batchDepth == 0 {
		e.mu.Unlock()
		log.Printf("filter: EndBatch without BeginBatch")
		return
	}
	e.batchDepth--
	if e.batchDepth > 0 {
		e.mu.Unlock()
		return
	}

	change := e.dirty
	for ref := range e.dirtyFields {
		change.Fields = append(change.Fields, ref)
	}
	e.dirty = Change{}
	e.dirtyFields = map[field.Ref]struct{}{}

	if !change.Visibility && !change.Colors {
		e.mu.Unlock()
		return
	}
	if change.Visibility {
		e.recomputeLocked()
	}
	listeners := e.snapshotListeners()
	e.mu.Unlock()

	dispatch(listeners, change)
}

// Recompute forces a visibility recomputation and notification, e.g. after
// a field delete changed the AND-set without going through a mutator.
func (e *Engine) Recompute() {
	e.mu.Lock()
	if e.batchDepth > 0 {
		e.dirty.Visibility = true
		e.mu.Unlock()
		return
	}
	e.recomputeLocked()
	listeners := e.snapshotListeners()
	e.mu.Unlock()
	dispatch(listeners, Change{Visibility: true})
}

// recomputeLocked rebuilds the visibility buffer: for every point, the AND
// over every enabled and modified field's predicate. Never panics on stale
// or missing data; degraded entries are skipped with a log line, because a
// visually stale frame beats a crashed session. Caller holds e.mu.
func (e *Engine) recomputeLocked() {
	n := len(e.visibility)
	for i := range e.visibility {
		e.visibility[i] = 1
	}

	for _, f := range e.store.List() {
		if !f.Presentation.Enabled || !f.FilterModified() {
			continue
		}
		switch f.Kind {
		case field.KindCategory:
			if !f.Loaded() || len(f.Codes) < n {
				log.Printf("filter: %s has no resident codes, skipped", f.Ref)
				continue
			}
			applyCategoryPredicate(e.visibility, f)
		case field.KindContinuous:
			if !f.Loaded() || len(f.Values) < n {
				log.Printf("filter: %s has no resident values, skipped", f.Ref)
				continue
			}
			applyContinuousPredicate(e.visibility, f)
		}
	}
	e.generation++
}

func applyCategoryPredicate(visibility []float32, f *field.Field) {
	p := f.Presentation
	for i := range visibility {
		if visibility[i] < 0.5 {
			continue
		}
		code := f.Codes[i]
		if code == field.MissingCode || int(code) >= len(p.CategoryVisible) || code < 0 {
			// Missing or stale codes stay visible unless hide-missing.
			if p.HideMissing {
				visibility[i] = 0
			}
			continue
		}
		if !p.CategoryVisible[code] {
			visibility[i] = 0
		}
	}
}

func applyContinuousPredicate(visibility []float32, f *field.Field) {
	p := f.Presentation
	outliers := p.OutlierThreshold < 1 && len(f.OutlierQuantiles) >= len(visibility)
	for i := range visibility {
		if visibility[i] < 0.5 {
			continue
		}
		v := f.Values[i]
		if v < p.RangeMin || v > p.RangeMax {
			visibility[i] = 0
			continue
		}
		if outliers && float64(f.OutlierQuantiles[i]) > p.OutlierThreshold {
			visibility[i] = 0
		}
	}
}

// FilteredCount returns how many points pass all active filters, and the
// total point count.
func (e *Engine) FilteredCount() (shown, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.visibility {
		if v > 0.5 {
			shown++
		}
	}
	return shown, len(e.visibility)
}

// FieldFilter is the externally visible filter state of one field.
type FieldFilter struct {
	Key              string   `json:"key"`
	Source           string   `json:"source"`
	Kind             string   `json:"kind"`
	Enabled          bool     `json:"enabled"`
	HiddenCategories []int    `json:"hiddenCategories,omitempty"`
	HideMissing      bool     `json:"hideMissing,omitempty"`
	RangeMin         *float32 `json:"rangeMin,omitempty"`
	RangeMax         *float32 `json:"rangeMax,omitempty"`
	OutlierThreshold *float64 `json:"outlierThreshold,omitempty"`
}

// ActiveFiltersStructured returns the filter state of every modified field,
// keyed by "source:key". This is the session document's filter section.
func (e *Engine) ActiveFiltersStructured() map[string]FieldFilter {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := map[string]FieldFilter{}
	for _, f := range e.store.List() {
		if !f.FilterModified() {
			continue
		}
		ff := FieldFilter{
			Key:     f.Ref.Key,
			Source:  string(f.Ref.Source),
			Kind:    string(f.Kind),
			Enabled: f.Presentation.Enabled,
		}
		if f.Kind == field.KindCategory {
			for i, v := range f.Presentation.CategoryVisible {
				if !v {
					ff.HiddenCategories = append(ff.HiddenCategories, i)
				}
			}
			ff.HideMissing = f.Presentation.HideMissing
		} else {
			rmin, rmax := f.Presentation.RangeMin, f.Presentation.RangeMax
			thr := f.Presentation.OutlierThreshold
			ff.RangeMin = &rmin
			ff.RangeMax = &rmax
			ff.OutlierThreshold = &thr
		}
		out[f.Ref.String()] = ff
	}
	return out
}

// snapshotListeners copies the listeners ordered by registration id, so
// dispatch order matches registration order regardless of map iteration.
func (e *Engine) snapshotListeners() []Listener {
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.listeners[id])
	}
	return out
}

func dispatch(listeners []Listener, change Change) {
	for _, l := range listeners {
		l(change)
	}
}
