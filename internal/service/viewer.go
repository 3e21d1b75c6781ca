// Package service wires the engines together: one Viewer per open dataset
// owns the field store, filter engine, highlight engine, view manager, and
// connectivity sampler, and drives the renderer when state changes.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/theislab/cellucid-engine/internal/cache"
	"github.com/theislab/cellucid-engine/internal/connectivity"
	"github.com/theislab/cellucid-engine/internal/field"
	"github.com/theislab/cellucid-engine/internal/filter"
	"github.com/theislab/cellucid-engine/internal/highlight"
	"github.com/theislab/cellucid-engine/internal/render"
	"github.com/theislab/cellucid-engine/internal/session"
	"github.com/theislab/cellucid-engine/internal/view"
	"github.com/theislab/cellucid-engine/pkg/colormap"
)

// previewSize is the square edge length of rendered PNG previews.
const previewSize = 512

// FieldDescriptor announces one field known from the dataset manifest.
type FieldDescriptor struct {
	Ref        field.Ref
	Kind       field.Kind
	Categories []string
}

// Config assembles a Viewer. EdgeLoader may be nil for datasets without a
// connectivity graph; Renderer defaults to a headless buffer sink.
type Config struct {
	DatasetID string
	Name      string

	PointCount int
	Positions  []float32 // interleaved XY, 2 per point
	Fields     []FieldDescriptor

	FieldLoader field.Loader
	EdgeLoader  connectivity.Loader

	MaxObsFields int
	MaxVarFields int

	ShuffleSeed     int64
	DefaultLodLimit int

	Renderer render.Renderer
	Caches   *cache.Manager
}

// Viewer is the per-dataset coordinator. Composition is explicit: every
// collaborator is a struct field, and all cross-engine choreography lives
// here rather than in the engines.
type Viewer struct {
	id   string
	name string

	Store      *field.Store
	Filters    *filter.Engine
	Highlights *highlight.Engine
	Views      *view.Manager
	Sampler    *connectivity.Sampler

	renderer  render.Renderer
	previewer *render.Previewer
	caches    *cache.Manager

	// pipeMu serializes the derived pipeline: live-view buffer writes,
	// frame pushes, and edge recomputation. The engines guard their own
	// state, but the choreography across them must not interleave.
	pipeMu sync.Mutex

	mu        sync.Mutex
	positions []float32
	lodTarget int // target count of visible edges, 0 = unlimited

	unsubscribe func()
}

// NewViewer builds and wires a viewer. The live view starts with positions
// set, everything visible, and no active field.
func NewViewer(cfg Config) *Viewer {
	store := field.NewStore(field.StoreConfig{
		Loader:       cfg.FieldLoader,
		PointCount:   cfg.PointCount,
		MaxObsFields: cfg.MaxObsFields,
		MaxVarFields: cfg.MaxVarFields,
	})
	for _, fd := range cfg.Fields {
		store.Register(fd.Ref, fd.Kind, fd.Categories)
	}

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.NewBufferSink()
	}

	v := &Viewer{
		id:         cfg.DatasetID,
		name:       cfg.Name,
		Store:      store,
		Filters:    filter.NewEngine(store),
		Highlights: highlight.NewEngine(cfg.PointCount),
		Views:      view.NewManager(store),
		renderer:   renderer,
		previewer:  render.NewPreviewer(render.PreviewConfig{Width: previewSize, Height: previewSize}),
		caches:     cfg.Caches,
		positions:  cfg.Positions,
		lodTarget:  cfg.DefaultLodLimit,
	}
	if cfg.EdgeLoader != nil {
		v.Sampler = connectivity.NewSampler(cfg.EdgeLoader, cfg.ShuffleSeed)
	}

	live := v.Views.Live()
	live.Positions = cfg.Positions
	live.Transparency = render.Transparency(v.Filters.Visibility())

	v.unsubscribe = v.Filters.Subscribe(v.onFilterChange)
	v.pushFrame()
	return v
}

// ID returns the dataset ID this viewer serves.
func (v *Viewer) ID() string { return v.id }

// Name returns the dataset display name.
func (v *Viewer) Name() string { return v.name }

// Close detaches the viewer from its engines.
func (v *Viewer) Close() {
	if v.unsubscribe != nil {
		v.unsubscribe()
		v.unsubscribe = nil
	}
}

// SetActiveField loads a field (if needed), pins it, and re-derives the live
// view's colors from it.
func (v *Viewer) SetActiveField(ctx context.Context, ref field.Ref) error {
	if err := v.Store.EnsureLoaded(ctx, ref); err != nil {
		return err
	}
	v.pipeMu.Lock()
	defer v.pipeMu.Unlock()
	v.activateLoadedField(ref)
	return nil
}

// activateLoadedField pins a resident field and re-derives the live buffers.
// Caller holds pipeMu.
func (v *Viewer) activateLoadedField(ref field.Ref) {
	v.Store.SetActive(ref)

	f := v.Store.Get(ref)
	live := v.Views.Live()
	live.FieldKey = ref.Key
	live.FieldKind = f.Kind
	live.OutlierQuantiles = f.OutlierQuantiles
	v.refreshColors()
	v.pushFrame()
	v.refreshEdges()
}

// onFilterChange reruns the derived pipeline in the mandated order:
// transparency from the visibility buffer, colors if dirtied, the frame to
// the renderer, and only then the edge visibility recomputation.
func (v *Viewer) onFilterChange(change filter.Change) {
	v.pipeMu.Lock()
	defer v.pipeMu.Unlock()

	live := v.Views.Live()
	live.Transparency = render.Transparency(v.Filters.Visibility())

	if change.Colors {
		if active, ok := v.Store.Active(); ok {
			for _, ref := range change.Fields {
				if ref == active {
					v.refreshColors()
					break
				}
			}
		}
	}
	if change.Visibility {
		v.refreshCentroids()
	}

	v.pushFrame()
	if change.Visibility {
		v.refreshEdges()
	}
}

// refreshColors re-derives the live color buffer from the active field.
func (v *Viewer) refreshColors() {
	active, ok := v.Store.Active()
	if !ok {
		return
	}
	live := v.Views.Live()
	live.Colors = render.Colors(v.Store.Get(active), v.Store.PointCount())
	v.refreshCentroids()
}

// refreshCentroids recomputes per-category centroid positions and colors for
// the active category field, over visible points only.
func (v *Viewer) refreshCentroids() {
	active, ok := v.Store.Active()
	if !ok {
		return
	}
	f := v.Store.Get(active)
	live := v.Views.Live()
	if f == nil || f.Kind != field.KindCategory || !f.Loaded() {
		live.CentroidPositions = nil
		live.CentroidColors = nil
		return
	}

	v.mu.Lock()
	positions := v.positions
	v.mu.Unlock()
	visibility := v.Filters.Visibility()

	nCat := len(f.Categories)
	sumX := make([]float64, nCat)
	sumY := make([]float64, nCat)
	count := make([]int, nCat)
	for p, code := range f.Codes {
		if code < 0 || int(code) >= nCat {
			continue
		}
		if p < len(visibility) && visibility[p] < 0.5 {
			continue
		}
		if p*2+1 >= len(positions) {
			break
		}
		sumX[code] += float64(positions[p*2])
		sumY[code] += float64(positions[p*2+1])
		count[code]++
	}

	live.CentroidPositions = make([]float32, 2*nCat)
	live.CentroidColors = make([]float32, 4*nCat)
	for c := 0; c < nCat; c++ {
		if count[c] > 0 {
			live.CentroidPositions[c*2] = float32(sumX[c] / float64(count[c]))
			live.CentroidPositions[c*2+1] = float32(sumY[c] / float64(count[c]))
		}
		col := colormap.Categorical.AtIndex(c)
		if c < len(f.Presentation.CategoryColors) && f.Presentation.CategoryColors[c] != "" {
			if parsed, err := colormap.ParseHex(f.Presentation.CategoryColors[c]); err == nil {
				col = parsed
			}
		}
		r, g, b, a := col.RGBA()
		live.CentroidColors[c*4] = float32(r) / 0xffff
		live.CentroidColors[c*4+1] = float32(g) / 0xffff
		live.CentroidColors[c*4+2] = float32(b) / 0xffff
		live.CentroidColors[c*4+3] = float32(a) / 0xffff
		if count[c] == 0 {
			live.CentroidColors[c*4+3] = 0 // fully filtered category: hide its label
		}
	}
}

// pushFrame hands the live buffers to the renderer.
func (v *Viewer) pushFrame() {
	live := v.Views.Live()
	v.renderer.SetData(render.Data{
		Positions:        live.Positions,
		Colors:           live.Colors,
		Transparency:     live.Transparency,
		OutlierQuantiles: live.OutlierQuantiles,
	})
}

// EnsureEdgesLoaded lazily loads the connectivity graph and runs the first
// edge visibility pass.
func (v *Viewer) EnsureEdgesLoaded(ctx context.Context) error {
	if v.Sampler == nil {
		return fmt.Errorf("%w: dataset has no connectivity edges", field.ErrNotFound)
	}
	if err := v.Sampler.EnsureLoaded(ctx); err != nil {
		return err
	}
	v.pipeMu.Lock()
	v.refreshEdges()
	v.pipeMu.Unlock()
	return nil
}

// SetEdgeLodTarget sets the target number of visible edges (0 = unlimited)
// and recomputes the draw limit.
func (v *Viewer) SetEdgeLodTarget(target int) {
	v.mu.Lock()
	v.lodTarget = target
	v.mu.Unlock()
	v.pipeMu.Lock()
	v.refreshEdges()
	v.pipeMu.Unlock()
}

// EdgeLodTarget returns the current target.
func (v *Viewer) EdgeLodTarget() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lodTarget
}

// refreshEdges recomputes combined visibility, the per-edge buffer, and the
// exact-count LOD limit for the active view, then pushes both to the
// renderer. A snapshot view contributes its own frozen transparency and
// dimension level; the live view uses the filter buffer and the renderer's
// current LOD mask. A no-op until the edge list is loaded. Caller holds
// pipeMu.
func (v *Viewer) refreshEdges() {
	if v.Sampler == nil || v.Sampler.State() != connectivity.StateReady {
		return
	}

	filterVis := v.Filters.Visibility()
	lodVis := v.renderer.LodVisibility()
	if active, ok := v.Views.Get(v.Views.ActiveID()); ok && active.ID != view.LiveID {
		filterVis = active.Transparency
		lodVis = render.StrideMask(active.DimensionLevel, v.Store.PointCount())
	}

	combined := v.Sampler.CombinedVisibility(filterVis, lodVis)
	visibleCount, _ := v.Sampler.CountVisibleEdges(combined)

	v.mu.Lock()
	target := v.lodTarget
	v.mu.Unlock()

	limit := v.Sampler.EdgeCount()
	if target > 0 && target < visibleCount {
		limit = v.Sampler.FindLodLimitFast(target)
	}
	v.renderer.UpdateEdgeVisibility(v.Sampler.EdgeVisibility())
	v.renderer.SetEdgeLodLimit(limit)
}

// SetActiveView switches which view edge visibility and LOD queries target
// and reruns the edge pass against it.
func (v *Viewer) SetActiveView(id string) error {
	if err := v.Views.SetActiveView(id); err != nil {
		return err
	}
	v.pipeMu.Lock()
	v.refreshEdges()
	v.pipeMu.Unlock()
	return nil
}

// DeleteView removes a snapshot view. Deleting the edge-query target
// retargets the edge pass at the live view.
func (v *Viewer) DeleteView(id string) error {
	wasActive := v.Views.ActiveID() == id
	if err := v.Views.DeleteView(id); err != nil {
		return err
	}
	if wasActive {
		v.pipeMu.Lock()
		v.refreshEdges()
		v.pipeMu.Unlock()
	}
	return nil
}

// CreateSnapshot captures the live derived buffers into a new immutable view.
func (v *Viewer) CreateSnapshot(label string) *view.View {
	v.pipeMu.Lock()
	defer v.pipeMu.Unlock()
	return v.Views.CreateSnapshotView(label, v.Views.SnapshotPayload())
}

// FilteredCount reports how many points pass all filters.
func (v *Viewer) FilteredCount() (shown, total int) {
	return v.Filters.FilteredCount()
}

// ActiveFiltersStructured returns the session-document filter section.
func (v *Viewer) ActiveFiltersStructured() map[string]filter.FieldFilter {
	return v.Filters.ActiveFiltersStructured()
}

// AddCategoryHighlight captures the members of one category of a loaded
// category field as a highlight group on the active page.
func (v *Viewer) AddCategoryHighlight(ctx context.Context, ref field.Ref, categoryIndex int) (*highlight.Group, error) {
	if err := v.Store.EnsureLoaded(ctx, ref); err != nil {
		return nil, err
	}
	f := v.Store.Get(ref)
	if f.Kind != field.KindCategory {
		return nil, fmt.Errorf("%s is not a category field", ref)
	}
	var cells []uint32
	for p, code := range f.Codes {
		if int(code) == categoryIndex {
			cells = append(cells, uint32(p))
		}
	}
	return v.Highlights.AddHighlightDirect(highlight.GroupSpec{
		Type:          highlight.GroupCategory,
		FieldKey:      ref.Key,
		FieldSource:   ref.Source,
		CategoryIndex: categoryIndex,
		CellIndices:   cells,
		Enabled:       true,
	}), nil
}

// AddRangeHighlight captures the points of a continuous field falling inside
// [min, max] as a highlight group on the active page.
func (v *Viewer) AddRangeHighlight(ctx context.Context, ref field.Ref, min, max float64) (*highlight.Group, error) {
	if err := v.Store.EnsureLoaded(ctx, ref); err != nil {
		return nil, err
	}
	f := v.Store.Get(ref)
	if f.Kind != field.KindContinuous {
		return nil, fmt.Errorf("%s is not a continuous field", ref)
	}
	var cells []uint32
	for p, val := range f.Values {
		fv := float64(val)
		if fv >= min && fv <= max {
			cells = append(cells, uint32(p))
		}
	}
	return v.Highlights.AddHighlightDirect(highlight.GroupSpec{
		Type:        highlight.GroupRange,
		FieldKey:    ref.Key,
		FieldSource: ref.Source,
		RangeMin:    min,
		RangeMax:    max,
		CellIndices: cells,
		Enabled:     true,
	}), nil
}

// RenameField renames a field, updating highlight labels. Membership of
// existing highlight groups is unchanged.
func (v *Viewer) RenameField(ref field.Ref, newKey string) (field.Ref, error) {
	newRef, ok := v.Store.Rename(ref, newKey)
	if !ok {
		return field.Ref{}, fmt.Errorf("cannot rename %s to %q", ref, newKey)
	}
	v.Highlights.HandleFieldRenamed(ref.Source, ref.Key, newKey)
	return newRef, nil
}

// DeleteField soft-deletes a field and removes its contribution from the
// visibility buffer.
func (v *Viewer) DeleteField(ref field.Ref) error {
	if !v.Store.Delete(ref) {
		return fmt.Errorf("unknown field %s", ref)
	}
	v.Filters.Recompute()
	return nil
}

// CreateFieldComparison builds one snapshot view per field: each field is
// activated in turn, snapshotted, and the prior live context is restored
// afterwards so the loop leaves no trace.
func (v *Viewer) CreateFieldComparison(ctx context.Context, refs []field.Ref) ([]*view.View, error) {
	// Loads can block on I/O; finish them before taking the pipeline lock.
	for _, ref := range refs {
		if err := v.Store.EnsureLoaded(ctx, ref); err != nil {
			return nil, fmt.Errorf("comparison field %s: %w", ref, err)
		}
	}

	v.pipeMu.Lock()
	captured := v.Views.CaptureCurrentContext()
	var snaps []*view.View
	for _, ref := range refs {
		v.activateLoadedField(ref)
		snaps = append(snaps, v.Views.CreateSnapshotView(ref.Key, v.Views.SnapshotPayload()))
	}
	v.Views.RestoreContext(captured)
	v.pipeMu.Unlock()

	// Recompute dispatches onFilterChange, which redraws transparency and
	// edges; colors come back from the restored context.
	v.Filters.Recompute()

	v.pipeMu.Lock()
	v.refreshColors()
	v.pushFrame()
	v.pipeMu.Unlock()
	return snaps, nil
}

// ExportSession serializes the viewer's full interactive state.
func (v *Viewer) ExportSession() *session.Document {
	pages, activePage := v.Highlights.Export()

	doc := &session.Document{
		Version:        session.CurrentVersion,
		Dataset:        v.id,
		Filters:        v.Filters.ActiveFiltersStructured(),
		HighlightPages: pages,
		ActivePageID:   activePage,
		ActiveFields:   map[string]string{},
	}
	if active, ok := v.Store.Active(); ok {
		doc.ActiveFields[string(active.Source)] = active.Key
	}

	views := v.Views.Views()
	if len(views) > 1 {
		mv := &session.Multiview{ActiveViewID: v.Views.ActiveID()}
		for _, sv := range views[1:] { // skip the live view
			mv.Snapshots = append(mv.Snapshots, session.ViewSnapshot{
				ID:             sv.ID,
				Label:          sv.Label,
				FieldKey:       sv.FieldKey,
				FieldKind:      string(sv.FieldKind),
				Colors:         sv.Colors,
				Transparency:   sv.Transparency,
				DimensionLevel: sv.DimensionLevel,
			})
		}
		doc.Multiview = mv
	}
	return doc
}

// RestoreSession applies a parsed session document. Field-by-field filter
// restoration runs inside one batch so observers see a single consolidated
// change. Fields the current dataset does not have are skipped with a
// warning, never an error.
func (v *Viewer) RestoreSession(ctx context.Context, doc *session.Document) error {
	v.Filters.BeginBatch()
	for key, ff := range doc.Filters {
		ref, ok := parseRefKey(key)
		if !ok {
			log.Printf("session: malformed filter key %q, skipped", key)
			continue
		}
		if err := v.Store.EnsureLoaded(ctx, ref); err != nil {
			log.Printf("session: filter field %s unavailable, skipped: %v", ref, err)
			continue
		}
		v.applyFieldFilter(ref, ff)
	}
	v.Filters.EndBatch()

	v.Highlights.Restore(doc.HighlightPages, doc.ActivePageID)
	v.restoreMultiview(doc.Multiview)

	for source, key := range doc.ActiveFields {
		ref := field.Ref{Source: field.Source(source), Key: key}
		if err := v.SetActiveField(ctx, ref); err != nil {
			log.Printf("session: active field %s unavailable, skipped: %v", ref, err)
		}
	}
	return nil
}

func (v *Viewer) applyFieldFilter(ref field.Ref, ff filter.FieldFilter) {
	for _, idx := range ff.HiddenCategories {
		v.Filters.SetCategoryVisibility(ref, idx, false)
	}
	if ff.HideMissing {
		v.Filters.SetHideMissing(ref, true)
	}
	if ff.RangeMin != nil && ff.RangeMax != nil {
		v.Filters.SetContinuousRange(ref, *ff.RangeMin, *ff.RangeMax)
	}
	if ff.OutlierThreshold != nil {
		v.Filters.SetOutlierThreshold(ref, *ff.OutlierThreshold)
	}
	if !ff.Enabled {
		v.Filters.SetFieldFilterEnabled(ref, false)
	}
}

func (v *Viewer) restoreMultiview(mv *session.Multiview) {
	v.Views.ClearSnapshotViews()
	if mv == nil {
		return
	}
	idMap := map[string]string{}
	for _, vs := range mv.Snapshots {
		payload := &view.View{
			FieldKey:       vs.FieldKey,
			FieldKind:      field.Kind(vs.FieldKind),
			Positions:      v.positions,
			Colors:         vs.Colors,
			Transparency:   vs.Transparency,
			DimensionLevel: vs.DimensionLevel,
		}
		snap := v.Views.CreateSnapshotView(vs.Label, payload)
		idMap[vs.ID] = snap.ID
	}
	if restored, ok := idMap[mv.ActiveViewID]; ok {
		if err := v.Views.SetActiveView(restored); err != nil {
			log.Printf("session: active view restore failed: %v", err)
		}
	}
}

// Preview renders a view as PNG at the configured preview size, cached on
// the filter generation.
func (v *Viewer) Preview(viewID string) ([]byte, error) {
	sv, ok := v.Views.Get(viewID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", view.ErrUnknownView, viewID)
	}

	key := cache.PreviewKey(v.id, sv.ID, v.Filters.Generation(), previewSize, previewSize)
	if v.caches != nil {
		if img, ok := v.caches.GetBuffer(key); ok {
			return img, nil
		}
	}

	// Live buffers are replaced, never mutated in place, so reading the
	// slice headers under the pipeline lock gives a consistent frame.
	v.pipeMu.Lock()
	frame := render.Data{
		Positions:        sv.Positions,
		Colors:           sv.Colors,
		Transparency:     sv.Transparency,
		OutlierQuantiles: sv.OutlierQuantiles,
	}
	v.pipeMu.Unlock()

	img, err := v.previewer.Render(frame)
	if err != nil {
		return nil, err
	}
	if v.caches != nil {
		if err := v.caches.SetBuffer(key, img); err != nil {
			log.Printf("preview cache store failed: %v", err)
		}
	}
	return img, nil
}

// FiltersJSON returns the structured filter state serialized once per filter
// generation; repeat reads between mutations hit the query cache.
func (v *Viewer) FiltersJSON() ([]byte, error) {
	key := cache.QueryKey(v.id, "filters", v.Filters.Generation(), nil)
	if v.caches != nil {
		if data, ok := v.caches.GetQuery(key); ok {
			return data, nil
		}
	}
	data, err := json.Marshal(v.ActiveFiltersStructured())
	if err != nil {
		return nil, err
	}
	if v.caches != nil {
		v.caches.SetQuery(key, data)
	}
	return data, nil
}

// CacheStats returns cache statistics, or nil when no cache is configured.
func (v *Viewer) CacheStats() map[string]interface{} {
	if v.caches == nil {
		return nil
	}
	return v.caches.Stats()
}

// Renderer exposes the renderer for per-view queries.
func (v *Viewer) Renderer() render.Renderer {
	return v.renderer
}

// parseRefKey parses the "source:key" form. Keys may contain colons; only
// the first separates the source.
func parseRefKey(s string) (field.Ref, bool) {
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return field.Ref{}, false
	}
	source := field.Source(s[:i])
	if source != field.SourceObs && source != field.SourceVar {
		return field.Ref{}, false
	}
	return field.Ref{Source: source, Key: s[i+1:]}, true
}
